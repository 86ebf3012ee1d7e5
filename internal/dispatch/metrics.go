// Package dispatch provides Prometheus metrics for task routing.
package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// dispatchesTotal counts dispatch outcomes.
	// Labels: outcome (success, exhausted, no_agent)
	dispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "integrationd",
			Subsystem: "dispatch",
			Name:      "dispatches_total",
			Help:      "Total number of dispatch attempts by outcome",
		},
		[]string{"outcome"},
	)

	// dispatchDuration tracks end-to-end dispatch latency for successes.
	dispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "integrationd",
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Duration of successful dispatches in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)
)
