// Package breaker provides Prometheus metrics for circuit state tracking.
package breaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// transitionsTotal counts circuit state transitions.
	// Labels: to (open, half_open, closed)
	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "integrationd",
			Subsystem: "breaker",
			Name:      "transitions_total",
			Help:      "Total number of circuit state transitions by destination state",
		},
		[]string{"to"},
	)

	// shortCircuitsTotal counts calls rejected without contacting the target.
	// Labels: target (agent id)
	shortCircuitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "integrationd",
			Subsystem: "breaker",
			Name:      "short_circuits_total",
			Help:      "Total number of calls short-circuited by an open circuit",
		},
		[]string{"target"},
	)
)
