// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"context"
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
	"github.com/holomush/sagaflow/pkg/errutil"
)

var tracer = otel.Tracer("sagaflow/plugin")

// AliasPrefix is prepended to a plugin name to form its output alias.
const AliasPrefix = "plugins/"

// Registry activates plugins in dependency order and tears them down in reverse.
//
// A Registry has a single owner. Setup and Teardown are invoked without the
// lock held, so a plugin may read registry state from inside its hooks, but
// concurrent Bootstrap calls are not supported.
type Registry struct {
	logger *slog.Logger

	mu        sync.Mutex
	defs      map[string]Definition
	regOrder  []string
	outputs   map[string]Output
	aliases   map[string]string
	bootOrder []string
	stack     []string
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		logger:  slog.Default(),
		defs:    make(map[string]Definition),
		outputs: make(map[string]Output),
		aliases: make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a definition. Names are unique per registry.
func (r *Registry) Register(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.defs[def.Name]; ok {
		return ErrDuplicatePlugin(def.Name)
	}
	def.Dependencies = slices.Clone(def.Dependencies)
	r.defs[def.Name] = def
	r.regOrder = append(r.regOrder, def.Name)
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(defs ...Definition) {
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			panic(err)
		}
	}
}

// Bootstrap activates key and, first, each of its registered dependencies.
// An already activated plugin returns its cached output without running Setup again.
func (r *Registry) Bootstrap(ctx context.Context, key string, pctx *Context, opts Options) (Output, error) {
	ctx, span := tracer.Start(ctx, "plugin.bootstrap",
		trace.WithAttributes(attribute.String("plugin.name", key)),
	)
	defer span.End()

	if pctx == nil {
		pctx = &Context{Logger: r.logger, Emit: func(core.Phase, any, ...string) error { return nil }}
	}

	out, err := r.bootstrap(ctx, key, pctx, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Output{}, err
	}
	return out, nil
}

func (r *Registry) bootstrap(ctx context.Context, key string, pctx *Context, opts Options) (Output, error) {
	r.mu.Lock()
	if out, ok := r.outputs[key]; ok {
		r.mu.Unlock()
		return out, nil
	}
	def, ok := r.defs[key]
	if !ok {
		r.mu.Unlock()
		return Output{}, ErrPluginNotFound(key)
	}
	if i := slices.Index(r.stack, key); i >= 0 {
		path := append(slices.Clone(r.stack[i:]), key)
		r.mu.Unlock()
		return Output{}, ErrCycleDetected(path)
	}
	r.stack = append(r.stack, key)
	r.mu.Unlock()
	defer r.pop()

	for _, dep := range def.Dependencies {
		r.mu.Lock()
		depDef, known := r.defs[dep]
		r.mu.Unlock()
		if !known {
			r.logger.Debug("plugin dependency not registered, assuming external",
				"plugin", key,
				"dependency", dep)
			continue
		}
		if err := def.checkRequirement(depDef); err != nil {
			return Output{}, err
		}
		if _, err := r.bootstrap(ctx, dep, pctx, opts); err != nil {
			return Output{}, err
		}
	}

	start := time.Now()
	out, err := runSetup(ctx, def, pctx, opts)
	recordSetup(key, time.Since(start), err)
	if err != nil {
		r.logger.Warn("plugin setup failed", "plugin", key, "error", err)
		return Output{}, ErrSetupFailed(key, err)
	}
	if out.ID == "" {
		out.ID = key
	}
	if out.StartedAt.IsZero() {
		out.StartedAt = start
	}

	r.mu.Lock()
	r.outputs[key] = out
	r.aliases[AliasPrefix+key] = key
	r.bootOrder = append(r.bootOrder, key)
	r.mu.Unlock()

	r.logger.Debug("plugin activated", "plugin", key, "version", def.Version)
	return out, nil
}

func (r *Registry) pop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stack = r.stack[:len(r.stack)-1]
}

func runSetup(ctx context.Context, def Definition, pctx *Context, opts Options) (out Output, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = oops.With("panic", fmt.Sprint(rec)).Errorf("setup panicked: %v", rec)
		}
	}()
	return def.Setup(ctx, pctx, opts)
}

func runTeardown(ctx context.Context, def Definition, out Output) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = oops.With("panic", fmt.Sprint(rec)).Errorf("teardown panicked: %v", rec)
		}
	}()
	return def.Teardown(ctx, out)
}

// Shutdown tears down activated plugins in reverse boot order and clears
// activation state. Every teardown runs even when an earlier one fails.
// Definitions stay registered so the registry can be bootstrapped again.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	order := r.bootOrder
	outputs := r.outputs
	defs := r.defs
	r.bootOrder = nil
	r.outputs = make(map[string]Output)
	r.aliases = make(map[string]string)
	r.mu.Unlock()

	if len(order) == 0 {
		return nil
	}

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		def := defs[name]
		if def.Teardown == nil {
			continue
		}
		if err := runTeardown(ctx, def, outputs[name]); err != nil {
			recordTeardownFailure(name)
			r.logger.Warn("plugin teardown failed", "plugin", name, "error", err)
			errs = append(errs, ErrTeardownFailed(name, err))
		}
	}
	if len(errs) > 0 {
		return errutil.WrapAll(oops.Code(CodeTeardownFailed).With("failures", len(errs)), errs,
			"%d plugin teardowns failed", len(errs))
	}
	return nil
}

// Plugins lists registered plugins with dependencies before dependents,
// otherwise in registration order. A cycle does not fail the listing;
// the walk stops at the back edge. Use Validate to detect cycles.
func (r *Registry) Plugins() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	visited := make(map[string]bool, len(r.defs))
	visiting := make(map[string]bool)
	out := make([]string, 0, len(r.defs))

	var visit func(string)
	visit = func(name string) {
		def, ok := r.defs[name]
		if !ok || visited[name] || visiting[name] {
			return
		}
		visiting[name] = true
		for _, dep := range def.Dependencies {
			visit(dep)
		}
		visiting[name] = false
		visited[name] = true
		out = append(out, name)
	}
	for _, name := range r.regOrder {
		visit(name)
	}
	return out
}

// Validate reports the first dependency cycle among registered plugins,
// checking plugins in registration order.
func (r *Registry) Validate() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	visited := make(map[string]bool, len(r.defs))
	onStack := make(map[string]bool)
	var path []string

	var visit func(string) []string
	visit = func(name string) []string {
		visited[name] = true
		onStack[name] = true
		path = append(path, name)
		for _, dep := range r.defs[name].Dependencies {
			if _, ok := r.defs[dep]; !ok {
				continue
			}
			if onStack[dep] {
				start := slices.Index(path, dep)
				return append(slices.Clone(path[start:]), dep)
			}
			if !visited[dep] {
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		onStack[name] = false
		path = path[:len(path)-1]
		return nil
	}

	for _, name := range r.regOrder {
		if visited[name] {
			continue
		}
		if cycle := visit(name); cycle != nil {
			return ErrCycleDetected(cycle)
		}
	}
	return nil
}

// Outputs returns a snapshot view of activated plugin outputs.
func (r *Registry) Outputs() OutputView {
	r.mu.Lock()
	defer r.mu.Unlock()

	outputs := make(map[string]Output, len(r.outputs))
	for k, v := range r.outputs {
		outputs[k] = v
	}
	aliases := make(map[string]string, len(r.aliases))
	for k, v := range r.aliases {
		aliases[k] = v
	}
	return OutputView{outputs: outputs, aliases: aliases, order: slices.Clone(r.bootOrder)}
}

// BootOrder returns plugin names in the order their Setup completed.
func (r *Registry) BootOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.bootOrder)
}

// Activated reports whether key (or its alias) has a recorded output.
func (r *Registry) Activated(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if canonical, ok := r.aliases[key]; ok {
		key = canonical
	}
	_, ok := r.outputs[key]
	return ok
}

// Definition returns the registered definition for name.
func (r *Registry) Definition(name string) (Definition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	def, ok := r.defs[name]
	return def, ok
}
