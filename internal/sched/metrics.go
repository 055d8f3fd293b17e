package sched

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	attemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "satrunner_cells_total",
			Help: "Matrix cells finalized, by verdict.",
		},
		[]string{"verdict"},
	)

	inflight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "satrunner_attempts_inflight",
			Help: "Attempts currently executing in a sandbox.",
		},
	)

	attemptDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "satrunner_attempt_duration_seconds",
			Help:    "End to end duration of single attempts.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)
)
