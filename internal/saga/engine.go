// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/holomush/sagaflow/internal/core"
	"github.com/holomush/sagaflow/internal/eventbus"
	"github.com/holomush/sagaflow/internal/scope"
)

var tracer = otel.Tracer("sagaflow/saga")

// MaxProgress is the ceiling for aggregated progress.
const MaxProgress = 100

// Publisher is the part of the event bus the engine needs.
type Publisher interface {
	Namespace() string
	Publish(kind core.Kind, payload any, meta eventbus.Meta, tags ...string) (eventbus.Receipt, error)
}

// StepFunc performs one step and reports its contribution.
type StepFunc func(ctx context.Context, sc *StepContext) (Delta, error)

// Step is one entry of the engine pipeline.
type Step struct {
	ID    string
	Phase core.Phase
	Run   StepFunc
}

// StepContext is handed to each step.
type StepContext struct {
	Input  Input
	StepID string
	Logger *slog.Logger

	state ExecutionState
	pub   Publisher
}

// State returns a copy of the aggregate left by earlier steps.
func (sc *StepContext) State() ExecutionState {
	return sc.state.Clone()
}

// Emit publishes an event in the run's namespace and returns its envelope
// so the step can report it in its Delta.
func (sc *StepContext) Emit(phase core.Phase, payload any, tags ...string) (core.Envelope, error) {
	kind := core.NewKind(sc.pub.Namespace(), phase)
	receipt, err := sc.pub.Publish(kind, payload, eventbus.Meta{RunID: sc.Input.Run.ID}, append(slices.Clone(tags), "step:"+sc.StepID)...)
	if err != nil {
		return core.Envelope{}, err
	}
	return receipt.Envelope, nil
}

// Cursor is the engine's position in its pipeline.
type Cursor struct {
	Index     int
	Total     int
	Current   string
	Completed int
	Phase     core.Phase
}

// Result is the outcome of Execute.
type Result struct {
	OK    bool
	RunID string
	State ExecutionState
	// Err is set when a step failed or the run was canceled.
	Err error
	// CleanupErr aggregates cleanup failures. It never flips OK.
	CleanupErr error
	Duration   time.Duration
}

type cleanup struct {
	name string
	fn   func(context.Context) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithCleanup registers a cleanup run when Execute returns. Cleanups run in
// reverse registration order on every exit path.
func WithCleanup(name string, fn func(context.Context) error) Option {
	return func(e *Engine) {
		e.cleanups = append(e.cleanups, cleanup{name: name, fn: fn})
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithCleanupTimeout bounds each cleanup.
func WithCleanupTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.cleanupTimeout = d
	}
}

// WithClock overrides the time source used for error records.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine runs a fixed step list once.
type Engine struct {
	input          Input
	pub            Publisher
	steps          []Step
	cleanups       []cleanup
	cleanupTimeout time.Duration
	logger         *slog.Logger
	now            func() time.Time

	mu     sync.Mutex
	cursor Cursor
}

// ValidateSteps reports whether the engine would accept steps. Step phases
// start at prepare and advance one phase at a time, never backward, and the
// engine never drives the retire phase.
func ValidateSteps(steps []Step) error {
	seen := make(map[string]bool, len(steps))
	last := -1
	for _, s := range steps {
		switch {
		case s.ID == "":
			return ErrInvalidPipeline(s.ID, "step id is required")
		case seen[s.ID]:
			return ErrInvalidPipeline(s.ID, "duplicate step id")
		case s.Run == nil:
			return ErrInvalidPipeline(s.ID, "step has no run function")
		case !s.Phase.Known():
			return ErrInvalidPipeline(s.ID, "unknown phase "+s.Phase.String())
		case s.Phase == core.PhaseRetire:
			return ErrInvalidPipeline(s.ID, "retire is a plugin lifecycle phase")
		case s.Phase.Ordinal() < last:
			return ErrInvalidPipeline(s.ID, "phase "+s.Phase.String()+" moves backward")
		case s.Phase.Ordinal() > last+1:
			return ErrInvalidPipeline(s.ID, "phase "+s.Phase.String()+" skips "+core.Phases()[last+1].String())
		}
		seen[s.ID] = true
		last = s.Phase.Ordinal()
	}
	return nil
}

// NewEngine validates steps with ValidateSteps and builds an engine.
func NewEngine(input Input, pub Publisher, steps []Step, opts ...Option) (*Engine, error) {
	if pub == nil {
		return nil, oops.Code(CodeInvalidPipeline).Errorf("engine requires a publisher")
	}
	if err := ValidateSteps(steps); err != nil {
		return nil, err
	}

	e := &Engine{
		input:  input,
		pub:    pub,
		steps:  slices.Clone(steps),
		logger: slog.Default(),
		now:    time.Now,
		cursor: Cursor{Total: len(steps)},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// With calls fn with a copy of the engine's cursor.
func With[T any](e *Engine, fn func(Cursor) T) T {
	e.mu.Lock()
	c := e.cursor
	e.mu.Unlock()
	return fn(c)
}

// Execute runs every step in order, stopping at the first failure, then
// runs the registered cleanups.
func (e *Engine) Execute(ctx context.Context) (res Result) {
	ctx, span := tracer.Start(ctx, "saga.execute",
		trace.WithAttributes(
			attribute.String("saga.run_id", e.input.Run.ID),
			attribute.String("saga.namespace", e.pub.Namespace()),
			attribute.Int("saga.steps", len(e.steps)),
		),
	)
	start := time.Now()

	scopeOpts := []scope.AsyncOption{scope.WithCleanupTimeout(e.cleanupTimeout)}
	for _, c := range e.cleanups {
		scopeOpts = append(scopeOpts, scope.WithCleanup(c.name, c.fn))
	}
	s := scope.NewAsync(scopeOpts...)

	defer func() {
		res.CleanupErr = s.Close(ctx)
		if res.CleanupErr != nil {
			e.logger.WarnContext(ctx, "saga cleanup failed",
				"run_id", e.input.Run.ID,
				"error", res.CleanupErr)
		}
		res.Duration = time.Since(start)
		recordRun(res)
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
		}
		span.SetAttributes(attribute.Int("saga.progress", res.State.Progress))
		span.End()
	}()

	res = e.run(ctx)
	return res
}

func (e *Engine) run(ctx context.Context) Result {
	res := Result{RunID: e.input.Run.ID}
	state := ExecutionState{Errors: []ErrorRecord{}, Events: []core.Envelope{}}

	for i, step := range e.steps {
		e.mu.Lock()
		e.cursor.Index = i
		e.cursor.Current = step.ID
		e.mu.Unlock()

		if err := ctx.Err(); err != nil {
			state.Errors = append(state.Errors, ErrorRecord{
				Code:    RecordCanceled,
				StepID:  step.ID,
				Phase:   step.Phase,
				Message: err.Error(),
				At:      e.now(),
			})
			res.State = state
			res.Err = ErrRunCanceled(step.ID, err)
			e.logger.InfoContext(ctx, "saga canceled", "run_id", e.input.Run.ID, "step", step.ID)
			return res
		}

		sc := &StepContext{
			Input:  e.input,
			StepID: step.ID,
			Logger: e.logger.With("step", step.ID),
			state:  state,
			pub:    e.pub,
		}
		stepStart := time.Now()
		delta, err := e.runStep(ctx, step, sc)
		recordStep(step, time.Since(stepStart), err)
		if err != nil {
			state.Errors = append(state.Errors, ErrorRecord{
				Code:    RecordStepError,
				StepID:  step.ID,
				Phase:   core.PhaseAudit,
				Message: err.Error(),
				At:      e.now(),
			})
			res.State = state
			res.Err = ErrStepFailed(step.ID, err)
			e.logger.WarnContext(ctx, "saga step failed",
				"run_id", e.input.Run.ID,
				"step", step.ID,
				"error", err)
			return res
		}

		state = fold(state, step, delta)
		e.mu.Lock()
		e.cursor.Completed++
		e.cursor.Phase = state.Phase
		e.mu.Unlock()
	}

	e.mu.Lock()
	e.cursor.Index = len(e.steps)
	e.cursor.Current = ""
	e.mu.Unlock()

	state.Progress = min(state.Progress, MaxProgress)
	res.State = state
	res.OK = true
	return res
}

func (e *Engine) runStep(ctx context.Context, step Step, sc *StepContext) (delta Delta, err error) {
	ctx, span := tracer.Start(ctx, "saga.step",
		trace.WithAttributes(
			attribute.String("saga.step_id", step.ID),
			attribute.String("saga.phase", step.Phase.String()),
		),
	)
	defer func() {
		if r := recover(); r != nil {
			if rerr, ok := r.(error); ok {
				err = rerr
			} else {
				err = errors.New(fmt.Sprint(r))
			}
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	return step.Run(ctx, sc)
}

func fold(state ExecutionState, step Step, d Delta) ExecutionState {
	state.Progress += d.Progress
	state.Errors = append(state.Errors, d.Errors...)
	state.Events = append(state.Events, d.Events...)
	// A reported phase may lag the step's own phase but never passes it
	// and never moves the aggregate backward.
	phase := step.Phase
	if d.Phase.Known() && d.Phase.Ordinal() < phase.Ordinal() && d.Phase.Ordinal() >= state.Phase.Ordinal() {
		phase = d.Phase
	}
	state.Phase = phase
	return state
}
