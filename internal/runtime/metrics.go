// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package runtime

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RunsTotal counts runtime runs by final state.
// Use RegisterMetrics to register this with a Prometheus registry.
var RunsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "sagaflow_runtime_runs_total",
		Help: "Total number of runtime runs by runtime and final state",
	},
	[]string{"runtime", "state"},
)

// RunDuration is the histogram for end-to-end run duration.
var RunDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "sagaflow_runtime_run_duration_seconds",
		Help:    "Runtime run duration in seconds, parsing and cleanup included",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"runtime"},
)

// RegisterMetrics registers runtime metrics with the given Prometheus registry.
// Panics if registration fails (following prometheus convention).
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(RunsTotal)
	reg.MustRegister(RunDuration)
}

func recordRun(runtime string, state State, d time.Duration) {
	RunsTotal.WithLabelValues(runtime, string(state)).Inc()
	RunDuration.WithLabelValues(runtime).Observe(d.Seconds())
}
