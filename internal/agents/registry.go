// Package agents manages worker-agent registration, capability routing, and
// liveness tracking.
//
// The registry owns all AgentDescriptor state. Other components only read
// snapshots; call outcomes and heartbeats mutate descriptors through registry
// methods. Each agent entry carries its own lock so dispatches to different
// agents never contend on a single global lock.
package agents

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Errors for registry operations.
var (
	ErrDuplicateAgent = errors.New("agents: agent already registered")
	ErrAgentNotFound  = errors.New("agents: agent not found")
	ErrInvalidAgent   = errors.New("agents: invalid descriptor")
)

// HealthState is the liveness state of a worker agent.
type HealthState string

const (
	Healthy     HealthState = "healthy"
	Degraded    HealthState = "degraded"
	Unreachable HealthState = "unreachable"
)

// severity orders health states for candidate ranking.
func severity(h HealthState) int {
	switch h {
	case Healthy:
		return 0
	case Degraded:
		return 1
	default:
		return 2
	}
}

// Descriptor describes a registered worker agent. Values returned by the
// registry are snapshots; mutating them has no effect on registry state.
type Descriptor struct {
	ID            string      `json:"id"`
	Capabilities  []string    `json:"capabilities"`
	Endpoint      string      `json:"endpoint"`
	Health        HealthState `json:"health"`
	Failures      int         `json:"failures"`
	MissedPings   int         `json:"missed_pings"`
	Load          int         `json:"load"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
	RegisteredAt  time.Time   `json:"registered_at"`
}

// HasCapability reports whether the descriptor advertises the tag.
func (d *Descriptor) HasCapability(tag string) bool {
	for _, c := range d.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// entry is the registry-owned mutable state for one agent.
type entry struct {
	mu sync.Mutex
	d  Descriptor
}

func (e *entry) snapshot() Descriptor {
	e.mu.Lock()
	defer e.mu.Unlock()
	d := e.d
	d.Capabilities = append([]string(nil), e.d.Capabilities...)
	return d
}

// Registry tracks known worker agents.
type Registry struct {
	now func() time.Time

	mu     sync.RWMutex
	agents map[string]*entry
}

// NewRegistry creates an empty agent registry.
func NewRegistry() *Registry {
	return &Registry{
		now:    time.Now,
		agents: make(map[string]*entry),
	}
}

// Register adds a new agent. Duplicate ids are rejected.
func (r *Registry) Register(d Descriptor) error {
	if d.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidAgent)
	}
	if d.Endpoint == "" {
		return fmt.Errorf("%w: endpoint is required", ErrInvalidAgent)
	}
	if len(d.Capabilities) == 0 {
		return fmt.Errorf("%w: at least one capability tag is required", ErrInvalidAgent)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[d.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, d.ID)
	}

	now := r.now()
	d.Health = Healthy
	d.Failures = 0
	d.MissedPings = 0
	d.Load = 0
	d.LastHeartbeat = now
	d.RegisteredAt = now
	d.Capabilities = append([]string(nil), d.Capabilities...)
	r.agents[d.ID] = &entry{d: d}
	registeredTotal.Inc()
	return nil
}

// Deregister removes an agent.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[id]; !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	delete(r.agents, id)
	return nil
}

func (r *Registry) entry(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return e, nil
}

// Heartbeat records a liveness report from the agent itself. It resets the
// missed-ping count and updates the last-heartbeat timestamp.
func (r *Registry) Heartbeat(id string, status HealthState) error {
	e, err := r.entry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if status == "" {
		status = Healthy
	}
	e.d.Health = status
	e.d.MissedPings = 0
	e.d.Failures = 0
	e.d.LastHeartbeat = r.now()
	heartbeatsTotal.Inc()
	return nil
}

// Get returns a snapshot of the agent descriptor.
func (r *Registry) Get(id string) (Descriptor, error) {
	e, err := r.entry(id)
	if err != nil {
		return Descriptor{}, err
	}
	return e.snapshot(), nil
}

// List returns snapshots of all registered agents.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.agents))
	for _, e := range r.agents {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Descriptor, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	return out
}

// ListByCapability returns agents advertising the tag, excluding UNREACHABLE
// agents, ordered by (health state ascending severity, lowest load, id).
func (r *Registry) ListByCapability(tag string) []Descriptor {
	var out []Descriptor
	for _, d := range r.List() {
		if d.Health == Unreachable {
			continue
		}
		if !d.HasCapability(tag) {
			continue
		}
		out = append(out, d)
	}

	sort.Slice(out, func(i, j int) bool {
		if a, b := severity(out[i].Health), severity(out[j].Health); a != b {
			return a < b
		}
		if out[i].Load != out[j].Load {
			return out[i].Load < out[j].Load
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// RecordOutcome updates the agent's consecutive-failure count from a call
// outcome reported by the orchestrator.
func (r *Registry) RecordOutcome(id string, success bool) {
	e, err := r.entry(id)
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if success {
		e.d.Failures = 0
	} else {
		e.d.Failures++
	}
}

// AddLoad adjusts the agent's in-flight dispatch count by delta.
func (r *Registry) AddLoad(id string, delta int) {
	e, err := r.entry(id)
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.d.Load += delta
	if e.d.Load < 0 {
		e.d.Load = 0
	}
}

// markPingSuccess resets missed pings and promotes the agent to HEALTHY.
func (r *Registry) markPingSuccess(id string) {
	e, err := r.entry(id)
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.d.MissedPings = 0
	e.d.Health = Healthy
	e.d.LastHeartbeat = r.now()
}

// markPingFailure increments missed pings and demotes the agent once the
// miss threshold is crossed: HEALTHY -> DEGRADED at missThreshold misses,
// DEGRADED -> UNREACHABLE at twice the threshold. Returns the new state.
func (r *Registry) markPingFailure(id string, missThreshold int) HealthState {
	e, err := r.entry(id)
	if err != nil {
		return Unreachable
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.d.MissedPings++
	switch {
	case e.d.MissedPings >= 2*missThreshold:
		e.d.Health = Unreachable
	case e.d.MissedPings >= missThreshold:
		if e.d.Health == Healthy {
			e.d.Health = Degraded
		}
	}
	return e.d.Health
}

// expireUnreachable removes UNREACHABLE agents whose last heartbeat is older
// than ttl. Returns the removed ids.
func (r *Registry) expireUnreachable(ttl time.Duration) []string {
	cutoff := r.now().Add(-ttl)

	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for id, e := range r.agents {
		e.mu.Lock()
		expired := e.d.Health == Unreachable && e.d.LastHeartbeat.Before(cutoff)
		e.mu.Unlock()
		if expired {
			delete(r.agents, id)
			removed = append(removed, id)
		}
	}
	return removed
}
