// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package scope releases registered resources in reverse order on every exit path.
//
// Scope handles synchronous cleanups. AsyncScope handles cleanups that take
// a context and may block; each one finishes before the next starts.
//
// Every registered cleanup runs exactly once. Failures do not stop later
// cleanups: they are collected into a single CLEANUP_FAILED error whose
// Unwrap() exposes each individual failure. The aggregate keeps its code
// even when a failure carries one of its own.
package scope

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/samber/oops"

	"github.com/holomush/sagaflow/pkg/errutil"
)

// CodeCleanupFailed marks the aggregate error returned when cleanups fail.
const CodeCleanupFailed = "CLEANUP_FAILED"

type syncEntry struct {
	name string
	fn   func() error
}

// Scope is a stack of synchronous cleanups.
// The zero value is ready to use.
type Scope struct {
	mu      sync.Mutex
	entries []syncEntry
	closed  bool
}

// New creates an empty scope.
func New() *Scope {
	return &Scope{}
}

// Use registers a resource whose own Close releases it.
// See Defer for the returned error.
func (s *Scope) Use(c io.Closer) error {
	if c == nil {
		return nil
	}
	return s.Defer(fmt.Sprintf("%T", c), c.Close)
}

// Defer registers a named cleanup function.
// Registering on a closed scope runs the cleanup immediately and returns its
// error; otherwise Defer returns nil.
func (s *Scope) Defer(name string, fn func() error) error {
	if fn == nil {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return aggregate([]error{runSync(syncEntry{name: name, fn: fn})})
	}
	s.entries = append(s.entries, syncEntry{name: name, fn: fn})
	s.mu.Unlock()
	return nil
}

// Adopt registers release for v and returns v unchanged.
// The error is the one Defer reports.
func Adopt[T any](s *Scope, v T, release func(T) error) (T, error) {
	err := s.Defer(fmt.Sprintf("%T", v), func() error { return release(v) })
	return v, err
}

// Len returns the number of pending cleanups.
func (s *Scope) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close runs every cleanup in reverse registration order.
// Calling Close again is a no-op.
func (s *Scope) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	entries := s.entries
	s.entries = nil
	s.mu.Unlock()

	var failures []error
	for i := len(entries) - 1; i >= 0; i-- {
		if err := runSync(entries[i]); err != nil {
			failures = append(failures, err)
		}
	}
	return aggregate(failures)
}

// Run calls fn with a fresh scope and closes it however fn exits.
// If fn panics the cleanups still run and the panic is re-raised.
func Run(fn func(s *Scope) error) (err error) {
	s := New()
	defer func() {
		r := recover()
		closeErr := s.Close()
		if r != nil {
			panic(r)
		}
		err = combine(err, closeErr)
	}()
	return fn(s)
}

func runSync(e syncEntry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = oops.With("cleanup", e.name).Errorf("cleanup panicked: %v", r)
		}
	}()
	if err := e.fn(); err != nil {
		return oops.With("cleanup", e.name).Wrapf(err, "release %s", e.name)
	}
	return nil
}

func aggregate(failures []error) error {
	failures = slices.DeleteFunc(failures, func(err error) bool { return err == nil })
	if len(failures) == 0 {
		return nil
	}
	return errutil.WrapAll(oops.Code(CodeCleanupFailed).With("failures", len(failures)), failures,
		"%d cleanups failed", len(failures))
}

func combine(opErr, cleanupErr error) error {
	switch {
	case cleanupErr == nil:
		return opErr
	case opErr == nil:
		return cleanupErr
	default:
		return errors.Join(opErr, cleanupErr)
	}
}
