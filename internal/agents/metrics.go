// Package agents provides Prometheus metrics for registry health tracking.
package agents

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// agentsByHealth tracks the number of registered agents by health state.
	// Labels: health (healthy, degraded, unreachable)
	agentsByHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "integrationd",
			Subsystem: "agents",
			Name:      "registered",
			Help:      "Number of registered agents by health state",
		},
		[]string{"health"},
	)

	// registeredTotal counts agent registrations.
	registeredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "integrationd",
			Subsystem: "agents",
			Name:      "registrations_total",
			Help:      "Total number of agent registrations",
		},
	)

	// heartbeatsTotal counts heartbeat reports received from agents.
	heartbeatsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "integrationd",
			Subsystem: "agents",
			Name:      "heartbeats_total",
			Help:      "Total number of heartbeats received",
		},
	)
)

// updateHealthMetrics refreshes the per-state agent gauges after a sweep.
func updateHealthMetrics(r *Registry) {
	counts := map[HealthState]int{Healthy: 0, Degraded: 0, Unreachable: 0}
	for _, d := range r.List() {
		counts[d.Health]++
	}
	for state, n := range counts {
		agentsByHealth.WithLabelValues(string(state)).Set(float64(n))
	}
}
