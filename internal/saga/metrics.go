// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package saga

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Status labels for run and step metrics.
const (
	StatusSuccess  = "success"
	StatusFailed   = "failed"
	StatusCanceled = "canceled"
)

// RunsTotal counts engine executions by outcome.
// Use RegisterMetrics to register this with a Prometheus registry.
var RunsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "sagaflow_saga_runs_total",
		Help: "Total number of saga executions",
	},
	[]string{"status"},
)

// RunDuration is the histogram for whole-run duration, cleanups included.
var RunDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "sagaflow_saga_run_duration_seconds",
		Help:    "Saga execution duration in seconds",
		Buckets: prometheus.DefBuckets,
	},
)

// StepDuration is the histogram for individual step duration.
var StepDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "sagaflow_saga_step_duration_seconds",
		Help:    "Saga step duration in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"step", "phase", "status"},
)

// RegisterMetrics registers saga metrics with the given Prometheus registry.
// Panics if registration fails (following prometheus convention).
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(RunsTotal)
	reg.MustRegister(RunDuration)
	reg.MustRegister(StepDuration)
}

func recordRun(res Result) {
	status := StatusSuccess
	switch {
	case res.OK:
	case len(res.State.Errors) > 0 && res.State.Errors[len(res.State.Errors)-1].Code == RecordCanceled:
		status = StatusCanceled
	default:
		status = StatusFailed
	}
	RunsTotal.WithLabelValues(status).Inc()
	RunDuration.Observe(res.Duration.Seconds())
}

func recordStep(step Step, d time.Duration, err error) {
	status := StatusSuccess
	if err != nil {
		status = StatusFailed
	}
	StepDuration.WithLabelValues(step.ID, step.Phase.String(), status).Observe(d.Seconds())
}
