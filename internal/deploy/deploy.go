// Package deploy applies accepted artifacts to a target environment using
// one of several rollout strategies. Each strategy reports whether a failure
// left the active environment modified, so the caller knows whether a
// snapshot restore is required.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Strategy selects how an artifact is rolled out.
type Strategy string

const (
	// StrategyHotReload applies the artifact directly in place. Fastest,
	// no isolation; a failure leaves the environment modified.
	StrategyHotReload Strategy = "hot_reload"

	// StrategyBlueGreen stages the artifact into an idle environment and
	// switches traffic only after smoke checks pass. Failures before the
	// switch never touch the active environment.
	StrategyBlueGreen Strategy = "blue_green"

	// StrategyCanary routes a small traffic fraction to the new artifact
	// and watches error rate and latency for a monitoring window before
	// ramping to full traffic.
	StrategyCanary Strategy = "canary"
)

// ParseStrategy converts a string into a known Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyHotReload, StrategyBlueGreen, StrategyCanary:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("deploy: unknown strategy %q", s)
}

// Metrics is a point-in-time observation of the staged artifact's behavior
// under live traffic.
type Metrics struct {
	ErrorRate  float64       `json:"error_rate"`
	P95Latency time.Duration `json:"p95_latency"`
}

// Environment is the deployment target the executor drives. Implementations
// wrap whatever infrastructure actually hosts the project.
type Environment interface {
	// Apply replaces the active artifact in place.
	Apply(ctx context.Context, projectID string, artifact []byte) error

	// Stage deploys the artifact into the idle slot without routing
	// traffic to it.
	Stage(ctx context.Context, projectID string, artifact []byte) error

	// Promote switches all traffic to the staged artifact.
	Promote(ctx context.Context, projectID string) error

	// Teardown discards the staged artifact. The active slot is untouched.
	Teardown(ctx context.Context, projectID string) error

	// Route directs the given fraction of traffic (0 to 1) to the staged
	// artifact.
	Route(ctx context.Context, projectID string, fraction float64) error

	// Observe samples error rate and latency for the staged artifact.
	Observe(ctx context.Context, projectID string) (Metrics, error)
}

// SmokeRunner runs smoke checks against the staged artifact before traffic
// is switched to it.
type SmokeRunner interface {
	RunSmoke(ctx context.Context, projectID string) error
}

// Outcome describes how a deployment ended and whether the active
// environment needs a snapshot restore.
type Outcome struct {
	Strategy Strategy `json:"strategy"`
	Success  bool     `json:"success"`

	// NeedsRollback is true when a failure occurred after the active
	// environment was modified. Blue-green failures before the traffic
	// switch leave it false.
	NeedsRollback bool   `json:"needs_rollback"`
	Reason        string `json:"reason,omitempty"`
}

// Config configures the strategy executor.
type Config struct {
	// CanaryFraction is the share of traffic routed to the canary during
	// the monitoring window. Default: 0.10.
	CanaryFraction float64 `koanf:"canary_fraction"`

	// CanaryWindow is how long the canary is observed before ramping to
	// full traffic. Default: 5m.
	CanaryWindow time.Duration `koanf:"canary_window"`

	// CanaryInterval is how often metrics are sampled during the window.
	// Default: 15s.
	CanaryInterval time.Duration `koanf:"canary_interval"`

	// MaxErrorRate aborts the canary when exceeded. Default: 0.05.
	MaxErrorRate float64 `koanf:"max_error_rate"`

	// MaxP95Latency aborts the canary when exceeded. Zero disables the
	// latency check.
	MaxP95Latency time.Duration `koanf:"max_p95_latency"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.CanaryFraction == 0 {
		c.CanaryFraction = 0.10
	}
	if c.CanaryWindow == 0 {
		c.CanaryWindow = 5 * time.Minute
	}
	if c.CanaryInterval == 0 {
		c.CanaryInterval = 15 * time.Second
	}
	if c.MaxErrorRate == 0 {
		c.MaxErrorRate = 0.05
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.CanaryFraction <= 0 || c.CanaryFraction >= 1 {
		return errors.New("deploy: canary_fraction must be in (0,1)")
	}
	if c.MaxErrorRate <= 0 || c.MaxErrorRate > 1 {
		return errors.New("deploy: max_error_rate must be in (0,1]")
	}
	if c.CanaryInterval > c.CanaryWindow {
		return errors.New("deploy: canary_interval must not exceed canary_window")
	}
	return nil
}

// Executor applies artifacts using the configured strategies.
type Executor struct {
	config Config
	env    Environment
	smoke  SmokeRunner
	logger *zap.Logger
}

// NewExecutor creates a strategy executor.
func NewExecutor(cfg Config, env Environment, smoke SmokeRunner, logger *zap.Logger) (*Executor, error) {
	if env == nil {
		return nil, errors.New("deploy: environment is required")
	}
	if smoke == nil {
		return nil, errors.New("deploy: smoke runner is required")
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{config: cfg, env: env, smoke: smoke, logger: logger}, nil
}

// Deploy applies the artifact with the given strategy. The returned Outcome
// is always non-nil; on failure the error carries the cause and
// Outcome.NeedsRollback tells the caller whether to restore a snapshot.
func (e *Executor) Deploy(ctx context.Context, strategy Strategy, projectID string, artifact []byte) (*Outcome, error) {
	var (
		outcome *Outcome
		err     error
	)
	switch strategy {
	case StrategyHotReload:
		outcome, err = e.hotReload(ctx, projectID, artifact)
	case StrategyBlueGreen:
		outcome, err = e.blueGreen(ctx, projectID, artifact)
	case StrategyCanary:
		outcome, err = e.canary(ctx, projectID, artifact)
	default:
		return &Outcome{Strategy: strategy, Reason: "unknown strategy"},
			fmt.Errorf("deploy: unknown strategy %q", strategy)
	}

	result := "success"
	if !outcome.Success {
		result = "failure"
	}
	deploymentsTotal.WithLabelValues(string(strategy), result).Inc()

	if err != nil {
		e.logger.Warn("deployment failed",
			zap.String("project", projectID),
			zap.String("strategy", string(strategy)),
			zap.Bool("needs_rollback", outcome.NeedsRollback),
			zap.Error(err))
	} else {
		e.logger.Info("deployment succeeded",
			zap.String("project", projectID),
			zap.String("strategy", string(strategy)))
	}
	return outcome, err
}

func (e *Executor) hotReload(ctx context.Context, projectID string, artifact []byte) (*Outcome, error) {
	if err := e.env.Apply(ctx, projectID, artifact); err != nil {
		return &Outcome{
			Strategy:      StrategyHotReload,
			NeedsRollback: true,
			Reason:        fmt.Sprintf("in-place apply failed: %v", err),
		}, fmt.Errorf("deploy: hot reload: %w", err)
	}
	return &Outcome{Strategy: StrategyHotReload, Success: true}, nil
}

func (e *Executor) blueGreen(ctx context.Context, projectID string, artifact []byte) (*Outcome, error) {
	if err := e.env.Stage(ctx, projectID, artifact); err != nil {
		return &Outcome{
			Strategy: StrategyBlueGreen,
			Reason:   fmt.Sprintf("staging failed: %v", err),
		}, fmt.Errorf("deploy: blue-green stage: %w", err)
	}

	if err := e.smoke.RunSmoke(ctx, projectID); err != nil {
		e.teardown(ctx, projectID)
		return &Outcome{
			Strategy: StrategyBlueGreen,
			Reason:   fmt.Sprintf("smoke checks failed against staged environment: %v", err),
		}, fmt.Errorf("deploy: blue-green smoke: %w", err)
	}

	if err := e.env.Promote(ctx, projectID); err != nil {
		e.teardown(ctx, projectID)
		return &Outcome{
			Strategy: StrategyBlueGreen,
			Reason:   fmt.Sprintf("traffic switch failed: %v", err),
		}, fmt.Errorf("deploy: blue-green promote: %w", err)
	}

	return &Outcome{Strategy: StrategyBlueGreen, Success: true}, nil
}

func (e *Executor) canary(ctx context.Context, projectID string, artifact []byte) (*Outcome, error) {
	if err := e.env.Stage(ctx, projectID, artifact); err != nil {
		return &Outcome{
			Strategy: StrategyCanary,
			Reason:   fmt.Sprintf("staging failed: %v", err),
		}, fmt.Errorf("deploy: canary stage: %w", err)
	}

	if err := e.env.Route(ctx, projectID, e.config.CanaryFraction); err != nil {
		e.teardown(ctx, projectID)
		return &Outcome{
			Strategy: StrategyCanary,
			Reason:   fmt.Sprintf("routing canary traffic failed: %v", err),
		}, fmt.Errorf("deploy: canary route: %w", err)
	}

	deadline := time.Now().Add(e.config.CanaryWindow)
	ticker := time.NewTicker(e.config.CanaryInterval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return e.revertCanary(ctx, projectID, "deployment cancelled during monitoring window")
		case <-ticker.C:
		}

		metrics, err := e.env.Observe(ctx, projectID)
		if err != nil {
			return e.revertCanary(ctx, projectID,
				fmt.Sprintf("observing canary metrics failed: %v", err))
		}
		if metrics.ErrorRate > e.config.MaxErrorRate {
			return e.revertCanary(ctx, projectID,
				fmt.Sprintf("error rate %.1f%% exceeded threshold %.1f%%",
					metrics.ErrorRate*100, e.config.MaxErrorRate*100))
		}
		if e.config.MaxP95Latency > 0 && metrics.P95Latency > e.config.MaxP95Latency {
			return e.revertCanary(ctx, projectID,
				fmt.Sprintf("p95 latency %s exceeded threshold %s",
					metrics.P95Latency, e.config.MaxP95Latency))
		}
	}

	if err := e.env.Promote(ctx, projectID); err != nil {
		return e.revertCanary(ctx, projectID,
			fmt.Sprintf("ramp to full traffic failed: %v", err))
	}

	return &Outcome{Strategy: StrategyCanary, Success: true}, nil
}

// revertCanary routes traffic back to the stable artifact immediately. The
// caller still needs a snapshot restore because partial traffic already hit
// the new artifact.
func (e *Executor) revertCanary(ctx context.Context, projectID, reason string) (*Outcome, error) {
	canaryRevertsTotal.Inc()
	if err := e.env.Route(ctx, projectID, 0); err != nil {
		e.logger.Error("reverting canary traffic failed",
			zap.String("project", projectID),
			zap.Error(err))
	}
	e.teardown(ctx, projectID)
	return &Outcome{
		Strategy:      StrategyCanary,
		NeedsRollback: true,
		Reason:        reason,
	}, fmt.Errorf("deploy: canary aborted: %s", reason)
}

func (e *Executor) teardown(ctx context.Context, projectID string) {
	if err := e.env.Teardown(ctx, projectID); err != nil {
		e.logger.Warn("tearing down staged environment failed",
			zap.String("project", projectID),
			zap.Error(err))
	}
}
