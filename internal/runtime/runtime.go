// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package runtime wires a plugin registry, an event bus and a saga engine
// together for each run.
package runtime

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/holomush/sagaflow/internal/adapter"
	"github.com/holomush/sagaflow/internal/core"
	"github.com/holomush/sagaflow/internal/eventbus"
	"github.com/holomush/sagaflow/internal/logging"
	"github.com/holomush/sagaflow/internal/plugin"
	"github.com/holomush/sagaflow/internal/saga"
	"github.com/holomush/sagaflow/internal/scope"
	"github.com/holomush/sagaflow/pkg/errutil"
)

var tracer = otel.Tracer("sagaflow/runtime")

// DefaultNamespace is used when neither the payload nor the runtime names one.
const DefaultNamespace = "saga"

// Error codes returned by the runtime.
const (
	CodeRuntimeClosed = "RUNTIME_CLOSED"
	CodeRuntimeBusy   = "RUNTIME_BUSY"
)

// State is the lifecycle label of a runtime snapshot.
type State string

// Snapshot states.
const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateDone    State = "done"
	StateFailed  State = "failed"
)

// Snapshot is the read-only record of a runtime's latest run.
type Snapshot struct {
	RunID    string          `json:"runId"`
	State    State           `json:"state"`
	Phase    core.Phase      `json:"phase,omitempty"`
	Progress int             `json:"progress"`
	Events   []core.Envelope `json:"events"`
	Error    string          `json:"error,omitempty"`
}

// Clone returns a copy that shares no slices with s.
func (s Snapshot) Clone() Snapshot {
	s.Events = slices.Clone(s.Events)
	if s.Events == nil {
		s.Events = []core.Envelope{}
	}
	return s
}

// Result is the outcome of Run.
type Result struct {
	OK       bool
	Snapshot Snapshot
	Err      error
	// CleanupErr reports failed releases. It never flips OK.
	CleanupErr error
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithNamespace sets the namespace used when a payload does not name one.
func WithNamespace(ns string) Option {
	return func(r *Runtime) {
		if ns != "" {
			r.namespace = ns
		}
	}
}

// WithParser replaces the payload parser.
func WithParser(p adapter.Parser) Option {
	return func(r *Runtime) {
		if p != nil {
			r.parser = p
		}
	}
}

// WithPlugins replaces the plugin set. Plugins are bootstrapped in the order
// the factory returns them.
func WithPlugins(f PluginFactory) Option {
	return func(r *Runtime) {
		if f != nil {
			r.plugins = f
		}
	}
}

// WithSteps replaces the engine pipeline.
func WithSteps(steps ...saga.Step) Option {
	return func(r *Runtime) {
		r.steps = slices.Clone(steps)
	}
}

// WithBusCapacity bounds each run's event history.
func WithBusCapacity(n int) Option {
	return func(r *Runtime) {
		r.busCapacity = n
	}
}

// WithPluginTimeout sets the timeout handed to plugin Setup.
func WithPluginTimeout(d time.Duration) Option {
	return func(r *Runtime) {
		r.pluginTimeout = d
	}
}

// WithCleanupTimeout bounds each per-run cleanup.
func WithCleanupTimeout(d time.Duration) Option {
	return func(r *Runtime) {
		r.cleanupTimeout = d
	}
}

// WithLogger sets the runtime logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.logger = l
		}
	}
}

// Runtime executes payloads. Each Run builds its own registry, bus and
// engine and releases them before returning.
type Runtime struct {
	id             string
	namespace      string
	parser         adapter.Parser
	plugins        PluginFactory
	steps          []saga.Step
	busCapacity    int
	pluginTimeout  time.Duration
	cleanupTimeout time.Duration
	logger         *slog.Logger

	mu       sync.Mutex
	snapshot Snapshot
	history  []core.Envelope
	running  bool
	closed   bool
}

// New creates a runtime.
func New(id string, opts ...Option) *Runtime {
	r := &Runtime{
		id:          id,
		namespace:   DefaultNamespace,
		parser:      adapter.DefaultParser(),
		plugins:     BuiltinPlugins,
		steps:       saga.DefaultSteps(),
		busCapacity: eventbus.DefaultCapacity,
		logger:      slog.Default(),
		snapshot:    Snapshot{State: StateIdle, Events: []core.Envelope{}},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("runtime", id)
	return r
}

// ID returns the runtime id.
func (r *Runtime) ID() string { return r.id }

// Namespace returns the default namespace.
func (r *Runtime) Namespace() string { return r.namespace }

// Snapshot returns a copy of the latest snapshot.
func (r *Runtime) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot.Clone()
}

// History returns the events plugins emitted through their sink during
// the latest run.
func (r *Runtime) History() []core.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.history)
}

// Close marks the runtime closed. Later runs fail with RUNTIME_CLOSED.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Run parses payload and executes it. Every failure is reported in the
// result; Run itself never panics on bad input.
func (r *Runtime) Run(ctx context.Context, payload any) Result {
	ctx, span := tracer.Start(ctx, "runtime.run",
		trace.WithAttributes(attribute.String("runtime.id", r.id)),
	)
	defer span.End()

	r.mu.Lock()
	switch {
	case r.closed:
		r.mu.Unlock()
		err := oops.Code(CodeRuntimeClosed).With("runtime", r.id).Errorf("runtime %s is closed", r.id)
		return Result{Snapshot: r.Snapshot(), Err: err}
	case r.running:
		r.mu.Unlock()
		err := oops.Code(CodeRuntimeBusy).With("runtime", r.id).Errorf("runtime %s is already running", r.id)
		return Result{Snapshot: r.Snapshot(), Err: err}
	}
	r.running = true
	r.history = nil
	r.snapshot = Snapshot{State: StateRunning, Events: []core.Envelope{}}
	r.mu.Unlock()

	start := time.Now()
	res := r.execute(ctx, payload)
	res.Snapshot = res.Snapshot.Clone()

	r.mu.Lock()
	r.snapshot = res.Snapshot.Clone()
	r.running = false
	r.mu.Unlock()

	recordRun(r.id, res.Snapshot.State, time.Since(start))
	span.SetAttributes(
		attribute.String("runtime.state", string(res.Snapshot.State)),
		attribute.Int("runtime.events", len(res.Snapshot.Events)),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
		errutil.LogErrorContext(ctx, r.logger, "saga run failed", res.Err)
	} else {
		r.logger.InfoContext(logging.WithRunID(ctx, res.Snapshot.RunID), "saga run completed",
			"events", len(res.Snapshot.Events),
			"progress", res.Snapshot.Progress)
	}
	return res
}

func (r *Runtime) execute(ctx context.Context, payload any) Result {
	in, err := r.parser.Parse(payload)
	if err != nil {
		return failed(Snapshot{}, err, nil)
	}
	if in.Run.Namespace == "" {
		in.Run.Namespace = r.namespace
	}
	ctx = logging.WithRunID(ctx, in.Run.ID)
	logger := r.logger.With("run_id", in.Run.ID, "namespace", in.Run.Namespace)
	snap := Snapshot{RunID: in.Run.ID}
	if err := saga.ValidateSteps(r.steps); err != nil {
		return failed(snap, err, nil)
	}

	bus := eventbus.New(in.Run.Namespace,
		eventbus.WithCapacity(r.busCapacity),
		eventbus.WithLogger(logger),
	)
	reg := plugin.NewRegistry(plugin.WithLogger(logger))

	var drained []core.Envelope
	cleanups := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"bus.close", bus.Close},
		{"bus.drain", func(context.Context) error {
			drained = append(drained, bus.Drain()...)
			return nil
		}},
		{"registry.shutdown", reg.Shutdown},
	}

	pctx := &plugin.Context{
		RunID:     in.Run.ID,
		Namespace: in.Run.Namespace,
		Logger:    logger,
		Emit: func(phase core.Phase, payload any, tags ...string) error {
			receipt, err := bus.Publish(bus.Kind(phase), payload, eventbus.Meta{RunID: in.Run.ID}, tags...)
			if err != nil {
				return err
			}
			r.mu.Lock()
			r.history = append(r.history, receipt.Envelope)
			r.mu.Unlock()
			return nil
		},
	}

	// release runs the cleanups when the engine never gets to own them.
	release := func() error {
		scopeOpts := []scope.AsyncOption{scope.WithCleanupTimeout(r.cleanupTimeout)}
		for _, c := range cleanups {
			scopeOpts = append(scopeOpts, scope.WithCleanup(c.name, c.fn))
		}
		return scope.NewAsync(scopeOpts...).Close(ctx)
	}

	if err := r.bootstrap(ctx, reg, pctx, in); err != nil {
		cleanupErr := release()
		return failed(snap, err, cleanupErr, drained...)
	}

	opts := []saga.Option{saga.WithLogger(logger), saga.WithCleanupTimeout(r.cleanupTimeout)}
	for _, c := range cleanups {
		opts = append(opts, saga.WithCleanup(c.name, c.fn))
	}
	engine, err := saga.NewEngine(in, bus, r.steps, opts...)
	if err != nil {
		cleanupErr := release()
		return failed(snap, err, cleanupErr, drained...)
	}

	res := engine.Execute(ctx)
	snap.Phase = res.State.Phase
	snap.Progress = res.State.Progress
	if !res.OK {
		return failed(snap, res.Err, res.CleanupErr, drained...)
	}
	snap.State = StateDone
	snap.Events = slices.Clone(drained)
	return Result{OK: true, Snapshot: snap, CleanupErr: res.CleanupErr}
}

// bootstrap activates every plugin in factory order, then shuts the
// registry down so no plugin stays warm across runs.
func (r *Runtime) bootstrap(ctx context.Context, reg *plugin.Registry, pctx *plugin.Context, in saga.Input) error {
	defs := r.plugins(in)
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	for _, def := range defs {
		if _, err := reg.Bootstrap(ctx, def.Name, pctx, plugin.Options{Timeout: r.pluginTimeout}); err != nil {
			return err
		}
	}
	return reg.Shutdown(ctx)
}

func failed(snap Snapshot, err, cleanupErr error, events ...core.Envelope) Result {
	snap.State = StateFailed
	snap.Error = err.Error()
	snap.Events = slices.Clone(events)
	return Result{Snapshot: snap, Err: err, CleanupErr: cleanupErr}
}
