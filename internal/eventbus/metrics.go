// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package eventbus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/holomush/sagaflow/internal/core"
)

// EventsPublished counts envelopes accepted by any bus.
var EventsPublished = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "sagaflow_bus_events_published_total",
		Help: "Total number of events published by namespace and phase",
	},
	[]string{"namespace", "phase"},
)

// EventsDropped counts envelopes evicted from a full history queue.
var EventsDropped = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "sagaflow_bus_events_dropped_total",
		Help: "Total number of events evicted because the history queue was full",
	},
	[]string{"namespace"},
)

// ListenerPanics counts listeners that panicked during fan-out.
var ListenerPanics = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "sagaflow_bus_listener_panics_total",
		Help: "Total number of event listener panics recovered during publish",
	},
	[]string{"namespace"},
)

// RegisterMetrics registers bus metrics with the given Prometheus registry.
// Panics if registration fails (following prometheus convention).
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(EventsPublished)
	reg.MustRegister(EventsDropped)
	reg.MustRegister(ListenerPanics)
}

func recordPublished(namespace string, phase core.Phase) {
	EventsPublished.WithLabelValues(namespace, string(phase)).Inc()
}

func recordDropped(namespace string) {
	EventsDropped.WithLabelValues(namespace).Inc()
}

func recordListenerPanic(namespace string) {
	ListenerPanics.WithLabelValues(namespace).Inc()
}
