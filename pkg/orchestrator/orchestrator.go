// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package orchestrator is the public entry point for running sagas.
//
// An Orchestrator wraps one runtime and reduces each run to a boolean, a
// JSON summary and a snapshot of the emitted events:
//
//	orch := orchestrator.New(orchestrator.Config{RuntimeID: "primary"})
//	if !orch.Run(ctx, payload) {
//		log.Println(orch.Summary(), orch.LastError())
//	}
package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/holomush/sagaflow/internal/core"
	"github.com/holomush/sagaflow/internal/runtime"
)

// StoppedSuffix is appended to the idle state label by Stop.
const StoppedSuffix = "-stopped"

// Snapshot is the read-only record of the latest run.
type Snapshot = runtime.Snapshot

// State labels a snapshot.
type State = runtime.State

// Snapshot states.
const (
	StateIdle    = runtime.StateIdle
	StateRunning = runtime.StateRunning
	StateDone    = runtime.StateDone
	StateFailed  = runtime.StateFailed
)

// Config configures the wrapped runtime.
type Config struct {
	RuntimeID      string
	Namespace      string
	BusCapacity    int
	PluginTimeout  time.Duration
	CleanupTimeout time.Duration
}

// Summary is the serialized form returned by Orchestrator.Summary.
type Summary struct {
	RuntimeID string     `json:"runtimeId"`
	Namespace string     `json:"namespace"`
	State     string     `json:"state"`
	Phase     core.Phase `json:"phase,omitempty"`
	Events    int        `json:"events"`
	RunID     string     `json:"runId,omitempty"`
}

// Option configures an Orchestrator.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	runtime []runtime.Option
}

// WithLogger sets the logger for the orchestrator and its runtime.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithRuntimeOptions passes extra options to the wrapped runtime, such as
// a custom parser, plugin set or step pipeline.
func WithRuntimeOptions(opts ...runtime.Option) Option {
	return func(o *options) {
		o.runtime = append(o.runtime, opts...)
	}
}

// Orchestrator runs payloads one at a time on a single runtime.
type Orchestrator struct {
	rt     *runtime.Runtime
	logger *slog.Logger

	mu       sync.Mutex
	snapshot *Snapshot
	state    string
	lastErr  error
	cancel   context.CancelFunc
}

// New creates an orchestrator.
func New(cfg Config, opts ...Option) *Orchestrator {
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	if cfg.RuntimeID == "" {
		cfg.RuntimeID = "default"
	}

	rtOpts := []runtime.Option{
		runtime.WithNamespace(cfg.Namespace),
		runtime.WithLogger(o.logger),
		runtime.WithPluginTimeout(cfg.PluginTimeout),
		runtime.WithCleanupTimeout(cfg.CleanupTimeout),
	}
	if cfg.BusCapacity > 0 {
		rtOpts = append(rtOpts, runtime.WithBusCapacity(cfg.BusCapacity))
	}
	rtOpts = append(rtOpts, o.runtime...)

	return &Orchestrator{
		rt:     runtime.New(cfg.RuntimeID, rtOpts...),
		logger: o.logger,
		state:  string(StateIdle),
	}
}

// Run executes payload and reports whether the run succeeded. The error
// behind a false result is available from LastError.
//
// A call made while another run is in flight returns false and leaves the
// state, snapshot, last error and cancel hook of that run untouched.
func (o *Orchestrator) Run(ctx context.Context, payload any) bool {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	if o.cancel != nil {
		o.mu.Unlock()
		o.logger.WarnContext(ctx, "run rejected while another run is in flight",
			"runtime", o.rt.ID(),
			"code", runtime.CodeRuntimeBusy)
		return false
	}
	o.cancel = cancel
	o.state = string(StateRunning)
	o.mu.Unlock()

	res := o.rt.Run(ctx, payload)

	o.mu.Lock()
	defer o.mu.Unlock()
	snap := res.Snapshot.Clone()
	o.snapshot = &snap
	o.state = string(snap.State)
	o.lastErr = res.Err
	o.cancel = nil
	return res.OK
}

// Cancel stops an in-flight run before its next step. It is a no-op when
// nothing is running.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}
}

// Stop discards the latest snapshot and resets to idle. It does not
// interrupt a run in flight; use Cancel for that.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.snapshot = nil
	o.lastErr = nil
	o.state = string(StateIdle) + StoppedSuffix
}

// Snapshot returns a copy of the latest snapshot, or an idle placeholder.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.snapshot == nil {
		return Snapshot{State: StateIdle, Events: []core.Envelope{}}
	}
	return o.snapshot.Clone()
}

// State returns the current state label, including "running" while a run
// is in flight.
func (o *Orchestrator) State() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// LastError returns the error of the latest run, if it failed.
func (o *Orchestrator) LastError() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

// Summary returns a JSON record of the runtime and its latest run.
func (o *Orchestrator) Summary() string {
	o.mu.Lock()
	s := Summary{
		RuntimeID: o.rt.ID(),
		Namespace: o.rt.Namespace(),
		State:     o.state,
	}
	if o.snapshot != nil {
		s.Phase = o.snapshot.Phase
		s.Events = len(o.snapshot.Events)
		s.RunID = o.snapshot.RunID
	}
	o.mu.Unlock()

	data, err := json.Marshal(s)
	if err != nil {
		o.logger.Error("failed to marshal summary", "error", err)
		return "{}"
	}
	return string(data)
}

// Close releases the runtime. Later runs fail.
func (o *Orchestrator) Close() error {
	return o.rt.Close()
}
