package deploy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deploymentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "integrationd",
		Subsystem: "deploy",
		Name:      "deployments_total",
		Help:      "Total deployments by strategy and result.",
	}, []string{"strategy", "result"})

	canaryRevertsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "integrationd",
		Subsystem: "deploy",
		Name:      "canary_reverts_total",
		Help:      "Total canary deployments reverted during the monitoring window.",
	})
)
