// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package plugin provides the dependency-ordered plugin registry used by each saga run.
package plugin

import (
	"context"
	"log/slog"
	"regexp"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/holomush/sagaflow/internal/core"
)

// maxNameLength is the maximum allowed length for plugin names.
const maxNameLength = 64

// namePattern validates plugin names: must start with lowercase letter,
// followed by lowercase letters, digits, or hyphens.
// Cannot end with a hyphen. Single character names are allowed.
var namePattern = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

// Output is what a plugin's Setup produces.
type Output struct {
	ID        string    `json:"id"`
	Ready     bool      `json:"ready"`
	StartedAt time.Time `json:"startedAt"`
	Payload   any       `json:"payload,omitempty"`
}

// Options are passed through to Setup.
type Options struct {
	// Timeout is advisory. The registry never enforces it; a Setup may.
	Timeout time.Duration
}

// EmitFunc publishes a plugin event into the run.
type EmitFunc func(phase core.Phase, payload any, tags ...string) error

// Context is the per-run environment handed to plugins.
type Context struct {
	RunID     string
	Namespace string
	Logger    *slog.Logger
	Emit      EmitFunc
}

// SetupFunc activates a plugin.
type SetupFunc func(ctx context.Context, pctx *Context, opts Options) (Output, error)

// TeardownFunc releases a plugin given the output its Setup produced.
type TeardownFunc func(ctx context.Context, out Output) error

// Definition describes a plugin and its dependencies.
type Definition struct {
	Name         string
	Version      string
	Dependencies []string
	// Requires optionally constrains dependency versions, e.g. {"validation": "^1.0"}.
	Requires map[string]string
	Setup    SetupFunc
	Teardown TeardownFunc
}

// Validate checks definition constraints.
func (d Definition) Validate() error {
	if d.Name == "" || !namePattern.MatchString(d.Name) {
		return ErrInvalidDefinition(d.Name, "name must start with a-z, contain only a-z, 0-9, hyphens, and not end with a hyphen")
	}
	if len(d.Name) > maxNameLength {
		return ErrInvalidDefinition(d.Name, "name must be 64 characters or less")
	}
	if d.Version != "" {
		if _, err := semver.NewVersion(d.Version); err != nil {
			return ErrInvalidDefinition(d.Name, "version is not valid semver")
		}
	}
	if d.Setup == nil {
		return ErrInvalidDefinition(d.Name, "setup is required")
	}
	for _, dep := range d.Dependencies {
		if dep == d.Name {
			return ErrInvalidDefinition(d.Name, "plugin cannot depend on itself")
		}
	}
	for dep, c := range d.Requires {
		if _, err := semver.NewConstraint(c); err != nil {
			return ErrInvalidDefinition(d.Name, "invalid version constraint for "+dep)
		}
	}
	return nil
}

// checkRequirement verifies dep's version against the constraint d declares for it.
func (d Definition) checkRequirement(dep Definition) error {
	constraint, ok := d.Requires[dep.Name]
	if !ok {
		return nil
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return ErrInvalidDefinition(d.Name, "invalid version constraint for "+dep.Name)
	}
	v, err := semver.NewVersion(dep.Version)
	if err != nil || !c.Check(v) {
		return ErrVersionConflict(d.Name, dep.Name, dep.Version, constraint)
	}
	return nil
}
