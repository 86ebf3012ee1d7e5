// Package dispatch routes tasks to capable, healthy worker agents.
//
// The dispatcher resolves candidates through the agent registry, consults the
// circuit breaker before every call, and invokes the selected agent through
// the retry executor. First success wins; every outcome is reported back to
// the breaker and the registry for the specific agent that served the call.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/integrationd/internal/agents"
	"github.com/fyrsmithlabs/integrationd/internal/breaker"
)

// ErrNoAvailableAgent is returned when every candidate agent is either
// short-circuited or failed. It is a retryable-later condition for callers.
var ErrNoAvailableAgent = errors.New("dispatch: no available agent")

// Task is a unit of work routed to a worker agent.
type Task struct {
	// Type is sent to the agent as the taskType field of the wire contract.
	Type string `json:"type"`

	// RequiredCapability selects candidate agents by capability tag.
	RequiredCapability string `json:"required_capability"`

	// Payload is opaque to the dispatcher.
	Payload json.RawMessage `json:"payload"`

	// Timeout overrides the configured per-call deadline when positive.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Result is a successful dispatch outcome.
type Result struct {
	AgentID string          `json:"agent_id"`
	Output  json.RawMessage `json:"output"`
}

// AgentCaller invokes a single agent over the worker-agent protocol.
type AgentCaller interface {
	Call(ctx context.Context, agent agents.Descriptor, task Task) (json.RawMessage, error)
}

// Config configures the dispatcher.
type Config struct {
	// CallTimeout is the per-call deadline for a single agent invocation
	// attempt. Default: 30s.
	CallTimeout time.Duration `koanf:"call_timeout"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.CallTimeout == 0 {
		c.CallTimeout = 30 * time.Second
	}
}

// Validate validates the dispatcher configuration.
func (c *Config) Validate() error {
	if c.CallTimeout <= 0 {
		return errors.New("dispatch: call_timeout must be positive")
	}
	return nil
}

// Dispatcher routes tasks to worker agents with circuit breaking and retry.
type Dispatcher struct {
	registry *agents.Registry
	breaker  *breaker.Breaker
	retrier  *breaker.Retrier
	caller   AgentCaller
	config   Config
	logger   *zap.Logger
}

// New creates a dispatcher.
func New(registry *agents.Registry, cb *breaker.Breaker, retrier *breaker.Retrier, caller AgentCaller, cfg Config, logger *zap.Logger) (*Dispatcher, error) {
	if registry == nil {
		return nil, errors.New("dispatch: registry is required")
	}
	if cb == nil {
		return nil, errors.New("dispatch: breaker is required")
	}
	if retrier == nil {
		return nil, errors.New("dispatch: retrier is required")
	}
	if caller == nil {
		return nil, errors.New("dispatch: caller is required")
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		registry: registry,
		breaker:  cb,
		retrier:  retrier,
		caller:   caller,
		config:   cfg,
		logger:   logger,
	}, nil
}

// Dispatch routes the task to the first candidate agent that serves it.
// Candidates with an open circuit are skipped without being contacted. If all
// candidates are exhausted it returns ErrNoAvailableAgent.
func (d *Dispatcher) Dispatch(ctx context.Context, task Task) (*Result, error) {
	start := time.Now()
	candidates := d.registry.ListByCapability(task.RequiredCapability)
	if len(candidates) == 0 {
		dispatchesTotal.WithLabelValues("no_agent").Inc()
		return nil, fmt.Errorf("%w: no registered agent has capability %q", ErrNoAvailableAgent, task.RequiredCapability)
	}

	var lastErr error
	for _, agent := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := d.breaker.Allow(agent.ID); err != nil {
			d.logger.Debug("skipping agent with open circuit",
				zap.String("agent", agent.ID),
				zap.String("capability", task.RequiredCapability))
			continue
		}

		output, err := d.invoke(ctx, agent, task)
		if err == nil {
			d.breaker.ReportSuccess(agent.ID)
			d.registry.RecordOutcome(agent.ID, true)
			dispatchesTotal.WithLabelValues("success").Inc()
			dispatchDuration.Observe(time.Since(start).Seconds())
			return &Result{AgentID: agent.ID, Output: output}, nil
		}

		d.breaker.ReportFailure(agent.ID)
		d.registry.RecordOutcome(agent.ID, false)
		lastErr = err
		d.logger.Warn("agent call failed, trying next candidate",
			zap.String("agent", agent.ID),
			zap.String("task_type", task.Type),
			zap.Error(err))
	}

	dispatchesTotal.WithLabelValues("exhausted").Inc()
	if lastErr != nil {
		return nil, fmt.Errorf("%w: all candidates failed for capability %q: %v",
			ErrNoAvailableAgent, task.RequiredCapability, lastErr)
	}
	return nil, fmt.Errorf("%w: all candidates short-circuited for capability %q",
		ErrNoAvailableAgent, task.RequiredCapability)
}

// invoke runs one logical call to the agent through the retry executor,
// tracking in-flight load for candidate ranking.
func (d *Dispatcher) invoke(ctx context.Context, agent agents.Descriptor, task Task) (json.RawMessage, error) {
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = d.config.CallTimeout
	}

	d.registry.AddLoad(agent.ID, 1)
	defer d.registry.AddLoad(agent.ID, -1)

	var output json.RawMessage
	err := d.retrier.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		out, err := d.caller.Call(callCtx, agent, task)
		if err != nil {
			return err
		}
		output = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return output, nil
}
