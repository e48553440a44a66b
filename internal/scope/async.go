// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package scope

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/samber/oops"
)

// AsyncCloser is a resource released with a context.
type AsyncCloser interface {
	Close(ctx context.Context) error
}

type asyncEntry struct {
	name string
	fn   func(context.Context) error
}

// AsyncOption configures an AsyncScope.
type AsyncOption func(*AsyncScope)

// WithCleanup registers a cleanup when the scope is built.
// Cleanups added this way run in option order, reversed, like Defer.
func WithCleanup(name string, fn func(context.Context) error) AsyncOption {
	return func(s *AsyncScope) {
		if fn != nil {
			s.entries = append(s.entries, asyncEntry{name: name, fn: fn})
		}
	}
}

// WithCleanupTimeout bounds each individual cleanup. Zero means no bound.
func WithCleanupTimeout(d time.Duration) AsyncOption {
	return func(s *AsyncScope) {
		s.timeout = d
	}
}

// AsyncScope is a stack of context-aware cleanups.
type AsyncScope struct {
	mu      sync.Mutex
	entries []asyncEntry
	closed  bool
	timeout time.Duration
}

// NewAsync creates an empty async scope.
func NewAsync(opts ...AsyncOption) *AsyncScope {
	s := &AsyncScope{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Use registers a resource whose own Close(ctx) releases it.
// See Defer for the returned error.
func (s *AsyncScope) Use(c AsyncCloser) error {
	if c == nil {
		return nil
	}
	return s.Defer(fmt.Sprintf("%T", c), c.Close)
}

// Defer registers a named cleanup.
// Registering on a closed scope runs the cleanup immediately and returns
// its error; otherwise Defer returns nil.
func (s *AsyncScope) Defer(name string, fn func(context.Context) error) error {
	if fn == nil {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return aggregate([]error{s.runOne(context.Background(), asyncEntry{name: name, fn: fn})})
	}
	s.entries = append(s.entries, asyncEntry{name: name, fn: fn})
	s.mu.Unlock()
	return nil
}

// Len returns the number of pending cleanups.
func (s *AsyncScope) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close awaits every cleanup in reverse registration order.
// Cleanups run even if ctx is already cancelled; ctx values are preserved.
func (s *AsyncScope) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	entries := s.entries
	s.entries = nil
	s.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	var failures []error
	for i := len(entries) - 1; i >= 0; i-- {
		if err := s.runOne(ctx, entries[i]); err != nil {
			failures = append(failures, err)
		}
	}
	return aggregate(failures)
}

func (s *AsyncScope) runOne(ctx context.Context, e asyncEntry) (err error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = oops.With("cleanup", e.name).Errorf("cleanup panicked: %v", r)
		}
	}()
	if err := e.fn(ctx); err != nil {
		return oops.With("cleanup", e.name).Wrapf(err, "release %s", e.name)
	}
	return nil
}

// RunAsync calls fn with a fresh async scope and closes it however fn exits.
// If fn panics the cleanups still run and the panic is re-raised.
func RunAsync(ctx context.Context, fn func(ctx context.Context, s *AsyncScope) error, opts ...AsyncOption) (err error) {
	s := NewAsync(opts...)
	defer func() {
		r := recover()
		closeErr := s.Close(ctx)
		if r != nil {
			panic(r)
		}
		err = combine(err, closeErr)
	}()
	return fn(ctx, s)
}
