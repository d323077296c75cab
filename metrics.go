package safequery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// rejections counts statements stopped before execution.
	// Labels: stage (plan, gate, allowlist, hook), rule (qerr rule code)
	rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safequery",
		Name:      "rejections_total",
		Help:      "Statements rejected before reaching the database",
	}, []string{"stage", "rule"})

	// allowlistTables tracks the size of the published allowlist.
	allowlistTables = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "safequery",
		Subsystem: "allowlist",
		Name:      "tables",
		Help:      "Tables in the current allowlist snapshot",
	})
)
