package agents

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Pinger checks liveness of a single agent. Implementations live with the
// transport that knows the worker-agent wire protocol.
type Pinger interface {
	Ping(ctx context.Context, agent Descriptor) error
}

// MonitorConfig configures the background health monitor.
type MonitorConfig struct {
	// PingInterval is the fixed interval between ping sweeps. Default: 10s.
	PingInterval time.Duration `koanf:"ping_interval"`

	// PingTimeout is the per-agent ping deadline. Default: 3s.
	PingTimeout time.Duration `koanf:"ping_timeout"`

	// MissThreshold is the consecutive-miss count that demotes an agent one
	// health step. Default: 3.
	MissThreshold int `koanf:"miss_threshold"`

	// UnreachableTTL is how long an UNREACHABLE agent stays registered
	// before it is evicted. Default: 10m.
	UnreachableTTL time.Duration `koanf:"unreachable_ttl"`
}

// ApplyDefaults sets default values for unset fields.
func (c *MonitorConfig) ApplyDefaults() {
	if c.PingInterval == 0 {
		c.PingInterval = 10 * time.Second
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 3 * time.Second
	}
	if c.MissThreshold == 0 {
		c.MissThreshold = 3
	}
	if c.UnreachableTTL == 0 {
		c.UnreachableTTL = 10 * time.Minute
	}
}

// Validate validates the monitor configuration.
func (c *MonitorConfig) Validate() error {
	if c.PingInterval <= 0 {
		return errors.New("agents: ping_interval must be positive")
	}
	if c.MissThreshold < 1 {
		return errors.New("agents: miss_threshold must be positive")
	}
	return nil
}

// Monitor pings all registered agents on a fixed interval and demotes agents
// that miss consecutive heartbeats. It runs independently of dispatch and
// integration work and must never block on them.
type Monitor struct {
	registry *Registry
	pinger   Pinger
	config   MonitorConfig
	logger   *zap.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewMonitor creates a health monitor for the registry.
func NewMonitor(registry *Registry, pinger Pinger, cfg MonitorConfig, logger *zap.Logger) (*Monitor, error) {
	if registry == nil {
		return nil, errors.New("agents: registry is required")
	}
	if pinger == nil {
		return nil, errors.New("agents: pinger is required")
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		registry: registry,
		pinger:   pinger,
		config:   cfg,
		logger:   logger,
		done:     make(chan struct{}),
	}, nil
}

// Start begins the background ping loop.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	go m.run(ctx)
}

// Stop shuts down the ping loop and waits for it to exit. Stopping a
// monitor that was never started is a no-op.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep pings every registered agent once and evicts expired agents.
func (m *Monitor) sweep(ctx context.Context) {
	for _, agent := range m.registry.List() {
		pingCtx, cancel := context.WithTimeout(ctx, m.config.PingTimeout)
		err := m.pinger.Ping(pingCtx, agent)
		cancel()

		if err == nil {
			m.registry.markPingSuccess(agent.ID)
			continue
		}

		state := m.registry.markPingFailure(agent.ID, m.config.MissThreshold)
		if state != agent.Health {
			m.logger.Warn("agent health demoted",
				zap.String("agent", agent.ID),
				zap.String("from", string(agent.Health)),
				zap.String("to", string(state)),
				zap.Error(err))
		}
	}

	for _, id := range m.registry.expireUnreachable(m.config.UnreachableTTL) {
		m.logger.Info("evicted unreachable agent", zap.String("agent", id))
	}

	updateHealthMetrics(m.registry)
}
