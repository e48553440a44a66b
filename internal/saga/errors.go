// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package saga

import (
	"github.com/samber/oops"

	"github.com/holomush/sagaflow/pkg/errutil"
)

// Error codes returned by the engine.
const (
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeInvalidPipeline  = "INVALID_PIPELINE"
	CodeStepFailed       = "STEP_FAILED"
	CodeRunCanceled      = "RUN_CANCELED"
)

// Codes written to ErrorRecord.Code.
const (
	RecordStepError = "E_STEP"
	RecordCanceled  = "E_CANCELED"
)

// ErrInvalidPlan creates a validation error for a plan that cannot be ordered.
func ErrInvalidPlan(reason, key string, value any) error {
	return oops.Code(CodeValidationFailed).
		With("reason", reason).
		With(key, value).
		Errorf("invalid plan: %s", reason)
}

// ErrInvalidPipeline creates an error for a step list the engine refuses to run.
func ErrInvalidPipeline(stepID, reason string) error {
	return oops.Code(CodeInvalidPipeline).
		With("step", stepID).
		With("reason", reason).
		Errorf("invalid step %q: %s", stepID, reason)
}

// ErrStepFailed reports the error a step returned or the value it panicked
// with. The code stays STEP_FAILED even when the cause has its own.
func ErrStepFailed(stepID string, cause error) error {
	return errutil.Wrap(oops.Code(CodeStepFailed).With("step", stepID), cause, "step %s failed", stepID)
}

// ErrRunCanceled reports the context error observed before a step.
func ErrRunCanceled(stepID string, cause error) error {
	return errutil.Wrap(oops.Code(CodeRunCanceled).With("step", stepID), cause, "run canceled before step %s", stepID)
}
