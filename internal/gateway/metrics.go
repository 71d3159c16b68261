package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	callDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "grader",
		Subsystem: "model",
		Name:      "call_duration_seconds",
		Help:      "Duration of grading model calls including retries",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"provider"})

	callFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grader",
		Subsystem: "model",
		Name:      "call_failures_total",
		Help:      "Number of failed grading model calls by error kind",
	}, []string{"provider", "kind"})

	callRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grader",
		Subsystem: "model",
		Name:      "call_retries_total",
		Help:      "Number of retried grading model attempts",
	}, []string{"provider"})
)
