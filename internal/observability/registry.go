// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package observability exposes sagaflow metrics over HTTP or as a
// Prometheus textfile.
package observability

import (
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/samber/oops"

	"github.com/holomush/sagaflow/internal/eventbus"
	"github.com/holomush/sagaflow/internal/plugin"
	"github.com/holomush/sagaflow/internal/runtime"
	"github.com/holomush/sagaflow/internal/saga"
	"github.com/holomush/sagaflow/internal/xdg"
)

// NewRegistry creates a registry holding Go and process collectors plus
// every sagaflow metric. A fresh registry avoids polluting the global one.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	eventbus.RegisterMetrics(reg)
	plugin.RegisterMetrics(reg)
	saga.RegisterMetrics(reg)
	runtime.RegisterMetrics(reg)
	return reg
}

// WriteTextfile writes the registry in text exposition format, suitable
// for the node_exporter textfile collector. The parent directory is created
// when missing and the file is replaced atomically.
func WriteTextfile(reg prometheus.Gatherer, path string) error {
	if path == "" {
		return oops.Errorf("metrics textfile path is empty")
	}
	if err := xdg.EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	if err := prometheus.WriteToTextfile(path, reg); err != nil {
		return oops.With("path", path).Wrapf(err, "write metrics textfile")
	}
	return nil
}
