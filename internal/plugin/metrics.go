// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Status labels for setup metrics.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// SetupTotal counts plugin Setup invocations.
// Use RegisterMetrics to register this with a Prometheus registry.
var SetupTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "sagaflow_plugin_setup_total",
		Help: "Total number of plugin setup invocations",
	},
	[]string{"plugin", "status"},
)

// SetupDuration is the histogram for plugin Setup duration.
// Use RegisterMetrics to register this with a Prometheus registry.
var SetupDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "sagaflow_plugin_setup_duration_seconds",
		Help:    "Plugin setup duration in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"plugin"},
)

// TeardownFailures counts failed plugin teardowns.
var TeardownFailures = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "sagaflow_plugin_teardown_failures_total",
		Help: "Total number of plugin teardowns that returned an error or panicked",
	},
	[]string{"plugin"},
)

// RegisterMetrics registers plugin metrics with the given Prometheus registry.
// Panics if registration fails (following prometheus convention).
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(SetupTotal)
	reg.MustRegister(SetupDuration)
	reg.MustRegister(TeardownFailures)
}

func recordSetup(plugin string, d time.Duration, err error) {
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	SetupTotal.WithLabelValues(plugin, status).Inc()
	SetupDuration.WithLabelValues(plugin).Observe(d.Seconds())
}

func recordTeardownFailure(plugin string) {
	TeardownFailures.WithLabelValues(plugin).Inc()
}
