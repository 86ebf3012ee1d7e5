package quality

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Checker evaluates one quality dimension of an artifact.
type Checker interface {
	// Name returns the checker identifier used for score weighting.
	Name() string

	// Check scores the artifact in [0,100] and reports issues.
	Check(ctx context.Context, artifact []byte) (CheckerResult, error)
}

// ReportStore persists quality reports. The engine persists every report
// before returning its verdict.
type ReportStore interface {
	SaveReport(ctx context.Context, report *Report) error
}

// Config configures the verification engine. Threshold and weights are
// runtime configuration, never hardcoded policy.
type Config struct {
	// AcceptThreshold is the minimum weighted score for an ACCEPT verdict.
	// Default: 85.
	AcceptThreshold float64 `koanf:"accept_threshold"`

	// Weights maps checker name to its weight. Weights must sum to 1.0.
	Weights map[string]float64 `koanf:"weights"`

	// CheckTimeout is the overall deadline for the checker fan-out. A
	// checker still running past it is treated as failed. Default: 2m.
	CheckTimeout time.Duration `koanf:"check_timeout"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.AcceptThreshold == 0 {
		c.AcceptThreshold = 85
	}
	if len(c.Weights) == 0 {
		c.Weights = map[string]float64{
			CheckerCodeQuality:   0.35,
			CheckerSecurity:      0.30,
			CheckerPerformance:   0.20,
			CheckerDocumentation: 0.15,
		}
	}
	if c.CheckTimeout == 0 {
		c.CheckTimeout = 2 * time.Minute
	}
}

// Validate validates the engine configuration.
func (c *Config) Validate() error {
	if c.AcceptThreshold < 0 || c.AcceptThreshold > 100 {
		return errors.New("quality: accept_threshold must be in [0,100]")
	}
	var sum float64
	for name, w := range c.Weights {
		if w < 0 {
			return fmt.Errorf("quality: weight for %q must be non-negative", name)
		}
		sum += w
	}
	if math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("quality: weights must sum to 1.0, got %v", sum)
	}
	return nil
}

// Engine runs the configured checkers in parallel and combines their scores
// into a single verdict.
type Engine struct {
	config   Config
	checkers []Checker
	store    ReportStore
	logger   *zap.Logger
}

// NewEngine creates a verification engine. Every checker must have a
// configured weight.
func NewEngine(cfg Config, checkers []Checker, store ReportStore, logger *zap.Logger) (*Engine, error) {
	if len(checkers) == 0 {
		return nil, errors.New("quality: at least one checker is required")
	}
	if store == nil {
		return nil, errors.New("quality: report store is required")
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, ch := range checkers {
		if _, ok := cfg.Weights[ch.Name()]; !ok {
			return nil, fmt.Errorf("quality: no weight configured for checker %q", ch.Name())
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		config:   cfg,
		checkers: checkers,
		store:    store,
		logger:   logger,
	}, nil
}

// Verify runs all checkers against the artifact and returns the report.
// Checker failures (error, panic, timeout) are scored 0 with a HIGH issue;
// verification itself always completes with a verdict. The report is
// persisted before the verdict is returned.
func (e *Engine) Verify(ctx context.Context, submissionID string, artifact []byte) (*Report, error) {
	checkCtx, cancel := context.WithTimeout(ctx, e.config.CheckTimeout)
	defer cancel()

	results := make(chan CheckerResult, len(e.checkers))
	for _, ch := range e.checkers {
		go func(ch Checker) {
			results <- e.runChecker(checkCtx, ch, artifact)
		}(ch)
	}

	report := &Report{
		ID:           uuid.New().String(),
		SubmissionID: submissionID,
		Scores:       make(map[string]float64, len(e.checkers)),
		CreatedAt:    time.Now().UTC(),
	}

	for range e.checkers {
		res := <-results
		report.Scores[res.Checker] = res.Score
		report.Issues = append(report.Issues, res.Issues...)
	}

	// Sum in registration order so the weighted score is bit-for-bit
	// reproducible from the same inputs.
	for _, ch := range e.checkers {
		name := ch.Name()
		report.WeightedScore += report.Scores[name] * e.config.Weights[name]
	}

	switch {
	case report.HasCritical():
		report.Verdict = VerdictReject
		report.Reason = "artifact contains at least one critical issue"
	case report.WeightedScore >= e.config.AcceptThreshold:
		report.Verdict = VerdictAccept
		report.Reason = fmt.Sprintf("weighted score %.1f meets threshold %.1f",
			report.WeightedScore, e.config.AcceptThreshold)
	default:
		report.Verdict = VerdictReject
		report.Reason = fmt.Sprintf("weighted score %.1f below threshold %.1f",
			report.WeightedScore, e.config.AcceptThreshold)
	}

	// The checker deadline must not take the report down with it; a timed
	// out checker is a zero-score result and the verdict still gets
	// persisted and returned.
	if err := e.store.SaveReport(context.WithoutCancel(ctx), report); err != nil {
		return nil, fmt.Errorf("quality: persisting report: %w", err)
	}

	verificationsTotal.WithLabelValues(string(report.Verdict)).Inc()
	weightedScores.Observe(report.WeightedScore)

	e.logger.Info("verification completed",
		zap.String("submission", submissionID),
		zap.String("verdict", string(report.Verdict)),
		zap.Float64("weighted_score", report.WeightedScore),
		zap.Int("issues", len(report.Issues)))
	return report, nil
}

// runChecker executes one checker, converting errors, panics, and deadline
// overruns into a zero score with a HIGH issue.
func (e *Engine) runChecker(ctx context.Context, ch Checker, artifact []byte) (out CheckerResult) {
	name := ch.Name()
	defer func() {
		if r := recover(); r != nil {
			checkerFailuresTotal.WithLabelValues(name).Inc()
			e.logger.Error("checker panicked",
				zap.String("checker", name),
				zap.Any("panic", r))
			out = failedResult(name, fmt.Sprintf("checker %s crashed", name))
		}
	}()

	done := make(chan CheckerResult, 1)
	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("checker panicked: %v", r)
			}
		}()
		res, err := ch.Check(ctx, artifact)
		if err != nil {
			errCh <- err
			return
		}
		done <- res
	}()

	select {
	case res := <-done:
		res.Checker = name
		res.Score = clampScore(res.Score)
		return res
	case err := <-errCh:
		checkerFailuresTotal.WithLabelValues(name).Inc()
		e.logger.Warn("checker failed",
			zap.String("checker", name),
			zap.Error(err))
		return failedResult(name, fmt.Sprintf("checker %s failed: %v", name, err))
	case <-ctx.Done():
		checkerFailuresTotal.WithLabelValues(name).Inc()
		e.logger.Warn("checker timed out", zap.String("checker", name))
		return failedResult(name, fmt.Sprintf("checker %s exceeded the verification deadline", name))
	}
}

func failedResult(name, msg string) CheckerResult {
	return CheckerResult{
		Checker: name,
		Score:   0,
		Issues: []Issue{{
			Checker:  name,
			Severity: SeverityHigh,
			Message:  msg,
		}},
	}
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}
