// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"strings"

	"github.com/samber/oops"

	"github.com/holomush/sagaflow/pkg/errutil"
)

// Error codes for registry failures.
const (
	CodeInvalidDefinition = "INVALID_DEFINITION"
	CodeDuplicatePlugin   = "DUPLICATE_PLUGIN"
	CodePluginNotFound    = "PLUGIN_NOT_FOUND"
	CodeCycleDetected     = "CYCLE_DETECTED"
	CodeVersionConflict   = "VERSION_CONFLICT"
	CodeSetupFailed       = "SETUP_FAILED"
	CodeTeardownFailed    = "TEARDOWN_FAILED"
)

// ErrInvalidDefinition creates an error for a definition that fails validation.
func ErrInvalidDefinition(name, reason string) error {
	return oops.Code(CodeInvalidDefinition).
		With("plugin", name).
		With("reason", reason).
		Errorf("invalid plugin definition %q: %s", name, reason)
}

// ErrDuplicatePlugin creates an error for a second registration under one name.
func ErrDuplicatePlugin(name string) error {
	return oops.Code(CodeDuplicatePlugin).
		With("plugin", name).
		Errorf("plugin %s already registered", name)
}

// ErrPluginNotFound creates an error for bootstrapping an unregistered key.
func ErrPluginNotFound(name string) error {
	return oops.Code(CodePluginNotFound).
		With("plugin", name).
		Errorf("plugin %s is not registered", name)
}

// ErrCycleDetected creates an error describing a dependency cycle.
func ErrCycleDetected(path []string) error {
	return oops.Code(CodeCycleDetected).
		With("cycle", strings.Join(path, " -> ")).
		Errorf("circular plugin dependency detected: %s", strings.Join(path, " -> "))
}

// ErrVersionConflict creates an error for a dependency outside its required version range.
func ErrVersionConflict(plugin, dep, version, constraint string) error {
	return oops.Code(CodeVersionConflict).
		With("plugin", plugin).
		With("dependency", dep).
		With("version", version).
		With("constraint", constraint).
		Errorf("plugin %s requires %s %s, have %q", plugin, dep, constraint, version)
}

// ErrSetupFailed reports a Setup failure. The result always carries
// SETUP_FAILED; a coded cause shows up as "cause_code".
func ErrSetupFailed(name string, cause error) error {
	return errutil.Wrap(oops.Code(CodeSetupFailed).With("plugin", name), cause, "setup %s", name)
}

// ErrTeardownFailed reports a Teardown failure with code TEARDOWN_FAILED.
func ErrTeardownFailed(name string, cause error) error {
	return errutil.Wrap(oops.Code(CodeTeardownFailed).With("plugin", name), cause, "teardown %s", name)
}
