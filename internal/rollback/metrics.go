package rollback

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	snapshotsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "integrationd",
		Subsystem: "rollback",
		Name:      "snapshots_total",
		Help:      "Total snapshots captured.",
	})

	restoresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "integrationd",
		Subsystem: "rollback",
		Name:      "restores_total",
		Help:      "Total snapshot restores by outcome.",
	}, []string{"outcome"})

	prunedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "integrationd",
		Subsystem: "rollback",
		Name:      "pruned_snapshots_total",
		Help:      "Total snapshots deleted by the retention sweep.",
	})
)
