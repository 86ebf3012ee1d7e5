// Package breaker provides per-target circuit breaking and retry execution
// for calls to worker agents. Each target gets an independent state machine
// so a failing agent never short-circuits calls to healthy ones.
package breaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrOpen is returned by Allow when the circuit for a target is open and the
// call must be short-circuited without contacting the target.
var ErrOpen = errors.New("breaker: circuit open")

// State is the circuit state for a single target.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config configures the circuit breaker.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// circuit. Default: 5.
	FailureThreshold int `koanf:"failure_threshold"`

	// Cooldown is the initial open-state cooldown. It doubles on each
	// re-open. Default: 30s.
	Cooldown time.Duration `koanf:"cooldown"`

	// MaxCooldown caps the exponential cooldown. Default: 10m.
	MaxCooldown time.Duration `koanf:"max_cooldown"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.Cooldown == 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.MaxCooldown == 0 {
		c.MaxCooldown = 10 * time.Minute
	}
}

// Validate validates the breaker configuration.
func (c *Config) Validate() error {
	if c.FailureThreshold < 1 {
		return errors.New("breaker: failure_threshold must be positive")
	}
	if c.Cooldown <= 0 {
		return errors.New("breaker: cooldown must be positive")
	}
	if c.MaxCooldown < c.Cooldown {
		return errors.New("breaker: max_cooldown must be >= cooldown")
	}
	return nil
}

// Snapshot is a read-only view of a target's circuit state.
type Snapshot struct {
	State       State
	Failures    int
	LastFailure time.Time
	RetryAt     time.Time
}

// target holds the circuit state for one agent id. Guarded by its own mutex
// so concurrent dispatches to different agents never contend.
type target struct {
	mu            sync.Mutex
	state         State
	failures      int
	lastFailure   time.Time
	retryAt       time.Time
	cooldown      time.Duration
	trialInFlight bool
}

// Breaker tracks circuit state per target id.
type Breaker struct {
	config Config
	logger *zap.Logger
	now    func() time.Time

	mu      sync.RWMutex
	targets map[string]*target
}

// New creates a circuit breaker.
func New(cfg Config, logger *zap.Logger) (*Breaker, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		config:  cfg,
		logger:  logger,
		now:     time.Now,
		targets: make(map[string]*target),
	}, nil
}

func (b *Breaker) target(id string) *target {
	b.mu.RLock()
	t, ok := b.targets[id]
	b.mu.RUnlock()
	if ok {
		return t
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok = b.targets[id]; ok {
		return t
	}
	t = &target{state: StateClosed, cooldown: b.config.Cooldown}
	b.targets[id] = t
	return t
}

// Allow reports whether a call to the target may proceed. While the circuit
// is open it returns ErrOpen without contacting the target. When the cooldown
// has elapsed the circuit moves to half-open and exactly one trial call is
// admitted; concurrent callers are rejected until the trial resolves.
func (b *Breaker) Allow(id string) error {
	t := b.target(id)
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Before(t.retryAt) {
			shortCircuitsTotal.WithLabelValues(id).Inc()
			return ErrOpen
		}
		t.state = StateHalfOpen
		t.trialInFlight = true
		transitionsTotal.WithLabelValues(string(StateHalfOpen)).Inc()
		b.logger.Info("circuit half-open, admitting trial call", zap.String("target", id))
		return nil
	case StateHalfOpen:
		if t.trialInFlight {
			shortCircuitsTotal.WithLabelValues(id).Inc()
			return ErrOpen
		}
		t.trialInFlight = true
		return nil
	}
	return nil
}

// ReportSuccess records a successful call outcome for the target.
func (b *Breaker) ReportSuccess(id string) {
	t := b.target(id)
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == StateHalfOpen {
		b.logger.Info("trial call succeeded, closing circuit", zap.String("target", id))
		transitionsTotal.WithLabelValues(string(StateClosed)).Inc()
	}
	t.state = StateClosed
	t.failures = 0
	t.cooldown = b.config.Cooldown
	t.trialInFlight = false
}

// ReportFailure records a failed call outcome for the target. Reaching the
// failure threshold, or failing the half-open trial, opens the circuit.
func (b *Breaker) ReportFailure(id string) {
	t := b.target(id)
	t.mu.Lock()
	defer t.mu.Unlock()

	now := b.now()
	t.failures++
	t.lastFailure = now

	switch t.state {
	case StateHalfOpen:
		t.trialInFlight = false
		b.open(t, id, now, true)
	case StateClosed:
		if t.failures >= b.config.FailureThreshold {
			b.open(t, id, now, false)
		}
	}
}

// open transitions a target to the open state. Caller holds t.mu.
func (b *Breaker) open(t *target, id string, now time.Time, reopen bool) {
	if reopen {
		t.cooldown *= 2
		if t.cooldown > b.config.MaxCooldown {
			t.cooldown = b.config.MaxCooldown
		}
	}
	t.state = StateOpen
	t.retryAt = now.Add(t.cooldown)
	transitionsTotal.WithLabelValues(string(StateOpen)).Inc()
	b.logger.Warn("circuit opened",
		zap.String("target", id),
		zap.Int("failures", t.failures),
		zap.Duration("cooldown", t.cooldown),
		zap.Time("retry_at", t.retryAt))
}

// State returns a snapshot of the target's circuit state.
func (b *Breaker) State(id string) Snapshot {
	t := b.target(id)
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		State:       t.state,
		Failures:    t.failures,
		LastFailure: t.lastFailure,
		RetryAt:     t.retryAt,
	}
}

// Forget drops all state for a target, used when an agent is deregistered.
func (b *Breaker) Forget(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.targets, id)
}
