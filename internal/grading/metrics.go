package grading

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grader",
		Subsystem: "batch",
		Name:      "submissions_total",
		Help:      "Graded submissions by outcome",
	}, []string{"status"})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "grader",
		Subsystem: "batch",
		Name:      "duration_seconds",
		Help:      "Wall time of whole grading batches",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})
)
