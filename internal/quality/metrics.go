package quality

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "integrationd",
		Subsystem: "quality",
		Name:      "verifications_total",
		Help:      "Total quality verifications by verdict.",
	}, []string{"verdict"})

	weightedScores = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "integrationd",
		Subsystem: "quality",
		Name:      "weighted_score",
		Help:      "Distribution of weighted verification scores.",
		Buckets:   prometheus.LinearBuckets(0, 10, 11),
	})

	checkerFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "integrationd",
		Subsystem: "quality",
		Name:      "checker_failures_total",
		Help:      "Total checker crashes or timeouts by checker name.",
	}, []string{"checker"})
)
