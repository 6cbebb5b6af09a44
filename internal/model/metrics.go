package model

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ForwardDuration tracks time spent in Functional per model and method.
	ForwardDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quiver_forward_duration_seconds",
		Help:    "Time spent evaluating encoder-decoder models",
		Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5},
	}, []string{"model", "method"})

	// GradientEvaluations counts completed backward passes.
	GradientEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_gradient_evaluations_total",
		Help: "Total number of gradient evaluations",
	}, []string{"model"})
)
