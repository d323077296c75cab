package executor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// executions counts Execute calls by outcome.
	// Labels: outcome (success, failure, circuit_open, dry_run)
	executions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safequery",
		Subsystem: "executor",
		Name:      "executions_total",
		Help:      "Total executions by outcome",
	}, []string{"outcome"})

	// executionDuration measures client-side wall clock per execution.
	executionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "safequery",
		Subsystem: "executor",
		Name:      "duration_seconds",
		Help:      "Execution wall-clock time in seconds",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"outcome"})

	// rowsReturned tracks result sizes after the row cap.
	rowsReturned = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "safequery",
		Subsystem: "executor",
		Name:      "rows_returned",
		Help:      "Rows returned per execution",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
	})

	// truncations counts results cut at the row cap.
	truncations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "safequery",
		Subsystem: "executor",
		Name:      "truncations_total",
		Help:      "Executions whose result was cut at the row cap",
	})

	// failures counts execution failures by error class.
	// Labels: class (qerr.Class of the cause)
	failures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safequery",
		Subsystem: "executor",
		Name:      "failures_total",
		Help:      "Execution failures by error class",
	}, []string{"class"})

	// breakerOpened counts transitions of a fingerprint into cooldown.
	breakerOpened = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "safequery",
		Subsystem: "breaker",
		Name:      "opened_total",
		Help:      "Times a statement fingerprint entered cooldown",
	})
)
