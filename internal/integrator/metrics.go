package integrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "integrationd",
		Subsystem: "integrator",
		Name:      "attempts_total",
		Help:      "Total integration attempts by terminal state.",
	}, []string{"state"})

	conflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "integrationd",
		Subsystem: "integrator",
		Name:      "conflicts_total",
		Help:      "Total attempts rejected because the project lock was held.",
	})

	rollbackFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "integrationd",
		Subsystem: "integrator",
		Name:      "rollback_failures_total",
		Help:      "Total attempts whose snapshot restore failed. Requires operator attention.",
	})
)
