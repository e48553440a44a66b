// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package eventbus provides the per-run publish/subscribe bus and its bounded history queue.
package eventbus

import (
	"context"
	"iter"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/samber/oops"

	"github.com/holomush/sagaflow/internal/core"
)

// DefaultCapacity is the history queue bound used when none is configured.
const DefaultCapacity = 1024

// Error codes returned by the bus.
const (
	CodeBusClosed      = "BUS_CLOSED"
	CodeInvalidPattern = "INVALID_PATTERN"
)

// Listener receives published envelopes synchronously.
type Listener func(core.Envelope)

// Meta carries per-publish context.
type Meta struct {
	RunID string
}

// Receipt reports the outcome of a publish.
type Receipt struct {
	Envelope    core.Envelope
	Notified    int
	QueueBefore int
	QueueAfter  int
}

type listenerEntry struct {
	id int
	fn Listener
}

type patternEntry struct {
	id      int
	pattern string
	glob    glob.Glob
	fn      Listener
}

// Bus fans envelopes out to listeners and keeps them in an ordered queue.
//
// A Bus belongs to a single run. Listeners are invoked outside the lock,
// so a listener may publish or subscribe without deadlocking.
type Bus struct {
	namespace string
	capacity  int
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	queue    []core.Envelope
	byKind   map[core.Kind][]listenerEntry
	patterns []patternEntry
	all      []listenerEntry
	nextID   int
	closed   bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithCapacity bounds the history queue. Values below one are ignored.
func WithCapacity(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.capacity = n
		}
	}
}

// WithLogger sets the logger used for drop and panic warnings.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

// New creates a bus for namespace.
func New(namespace string, opts ...Option) *Bus {
	b := &Bus{
		namespace: namespace,
		capacity:  DefaultCapacity,
		logger:    slog.Default(),
		now:       time.Now,
		byKind:    make(map[core.Kind][]listenerEntry),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Namespace returns the namespace the bus was created for.
func (b *Bus) Namespace() string {
	return b.namespace
}

// Kind builds a kind in the bus namespace.
func (b *Bus) Kind(phase core.Phase) core.Kind {
	return core.NewKind(b.namespace, phase)
}

// Publish enqueues an envelope and notifies exact, pattern and catch-all
// listeners, each group in registration order. It returns once every
// listener has been called.
func (b *Bus) Publish(kind core.Kind, payload any, meta Meta, tags ...string) (Receipt, error) {
	ns, phase, err := core.ParseKind(string(kind))
	if err != nil {
		return Receipt{}, err
	}

	ts := b.now()
	env := core.Envelope{
		ID:        core.NewEventID(meta.RunID, kind, ts),
		Namespace: ns,
		Kind:      kind,
		Phase:     phase,
		RunID:     meta.RunID,
		Payload:   payload,
		Timestamp: ts,
		Tags:      core.TagSet(append(slices.Clone(tags), core.PhaseTag(phase))...),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Receipt{}, oops.Code(CodeBusClosed).
			With("kind", string(kind)).
			Errorf("publish on closed bus %s", b.namespace)
	}
	before := len(b.queue)
	if before >= b.capacity {
		dropped := b.queue[0]
		b.queue = slices.Delete(b.queue, 0, 1)
		recordDropped(b.namespace)
		b.logger.Warn("event dropped: history queue full",
			"namespace", b.namespace,
			"event_id", dropped.ID,
			"kind", string(dropped.Kind),
			"capacity", b.capacity,
		)
	}
	b.queue = append(b.queue, env)
	after := len(b.queue)
	targets := b.listenersFor(kind)
	b.mu.Unlock()

	recordPublished(ns, phase)
	for _, fn := range targets {
		b.notify(fn, env)
	}

	return Receipt{
		Envelope:    env,
		Notified:    len(targets),
		QueueBefore: before,
		QueueAfter:  after,
	}, nil
}

// listenersFor snapshots the listeners for kind. Callers hold b.mu.
func (b *Bus) listenersFor(kind core.Kind) []Listener {
	var out []Listener
	for _, l := range b.byKind[kind] {
		out = append(out, l.fn)
	}
	for _, p := range b.patterns {
		if p.glob.Match(string(kind)) {
			out = append(out, p.fn)
		}
	}
	for _, l := range b.all {
		out = append(out, l.fn)
	}
	return out
}

func (b *Bus) notify(fn Listener, env core.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			recordListenerPanic(b.namespace)
			b.logger.Error("event listener panicked",
				"namespace", b.namespace,
				"event_id", env.ID,
				"kind", string(env.Kind),
				"panic", r,
			)
		}
	}()
	fn(env)
}

// Subscribe registers a listener for one exact kind.
func (b *Bus) Subscribe(kind core.Kind, fn Listener) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.allocID()
	b.byKind[kind] = append(b.byKind[kind], listenerEntry{id: id, fn: fn})
	return b.once(func() {
		b.byKind[kind] = slices.DeleteFunc(b.byKind[kind], func(e listenerEntry) bool { return e.id == id })
		if len(b.byKind[kind]) == 0 {
			delete(b.byKind, kind)
		}
	})
}

// SubscribeAll registers a listener for every kind.
func (b *Bus) SubscribeAll(fn Listener) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.allocID()
	b.all = append(b.all, listenerEntry{id: id, fn: fn})
	return b.once(func() {
		b.all = slices.DeleteFunc(b.all, func(e listenerEntry) bool { return e.id == id })
	})
}

// SubscribePattern registers a listener for kinds matching a glob such as
// "recovery::*" or "*::audit". '*' matches any run of characters.
func (b *Bus) SubscribePattern(pattern string, fn Listener) (unsubscribe func(), err error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, oops.Code(CodeInvalidPattern).
			With("pattern", pattern).
			Wrapf(err, "compile pattern %q", pattern)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.allocID()
	b.patterns = append(b.patterns, patternEntry{id: id, pattern: pattern, glob: g, fn: fn})
	return b.once(func() {
		b.patterns = slices.DeleteFunc(b.patterns, func(e patternEntry) bool { return e.id == id })
	}), nil
}

func (b *Bus) allocID() int {
	b.nextID++
	return b.nextID
}

// once wraps remove so it runs at most once under the bus lock.
func (b *Bus) once(remove func()) func() {
	var o sync.Once
	return func() {
		o.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			remove()
		})
	}
}

// Drain returns every queued envelope and empties the queue.
func (b *Bus) Drain() []core.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.queue
	b.queue = nil
	if out == nil {
		return []core.Envelope{}
	}
	return out
}

// Collect returns queued envelopes in the given phases without draining.
// No phases means all envelopes.
func (b *Bus) Collect(phases ...core.Phase) []core.Envelope {
	return filter(b.snapshot(), phases)
}

// Stream yields the envelopes queued at call time, optionally filtered by
// phase. Envelopes published after Stream returns are never yielded. The
// sequence yields the processor between elements and ends early when ctx
// is done.
func (b *Bus) Stream(ctx context.Context, phases ...core.Phase) iter.Seq[core.Envelope] {
	items := filter(b.snapshot(), phases)
	return func(yield func(core.Envelope) bool) {
		for i, env := range items {
			if i > 0 {
				runtime.Gosched()
			}
			if ctx.Err() != nil {
				return
			}
			if !yield(env) {
				return
			}
		}
	}
}

// Len returns the queue length.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Closed reports whether Close has been called.
func (b *Bus) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close drops queued envelopes and listeners. Further publishes fail.
func (b *Bus) Close(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	b.queue = nil
	b.byKind = make(map[core.Kind][]listenerEntry)
	b.patterns = nil
	b.all = nil
	return nil
}

func (b *Bus) snapshot() []core.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.queue)
}

func filter(envs []core.Envelope, phases []core.Phase) []core.Envelope {
	out := make([]core.Envelope, 0, len(envs))
	for _, env := range envs {
		if env.MatchesPhase(phases) {
			out = append(out, env)
		}
	}
	return out
}
