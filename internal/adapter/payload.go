// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package adapter normalizes raw run payloads into validated saga input.
package adapter

// Payload is the document submitted to a runtime.
type Payload struct {
	Input   InputDoc `json:"input" yaml:"input" jsonschema:"description=The saga run to execute"`
	Runtime string   `json:"runtime,omitempty" yaml:"runtime,omitempty" jsonschema:"description=Runtime the payload is addressed to"`
	// Topology pairs are [from, to] edges. When non-empty they replace the
	// edges derived from step dependencies.
	Topology [][]string `json:"topology,omitempty" yaml:"topology,omitempty" jsonschema:"description=Explicit step ordering edges as [from to] pairs"`
}

// InputDoc describes one saga run.
type InputDoc struct {
	RunID     string    `json:"runId" yaml:"runId"`
	Namespace string    `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	Policy    PolicyDoc `json:"policy" yaml:"policy"`
	Steps     []StepDoc `json:"steps" yaml:"steps"`
}

// PolicyDoc constrains execution.
type PolicyDoc struct {
	ID         string `json:"id" yaml:"id"`
	MaxRetries int    `json:"maxRetries" yaml:"maxRetries" jsonschema:"minimum=0"`
	TimeoutMs  int64  `json:"timeoutMs" yaml:"timeoutMs" jsonschema:"minimum=0"`
	FailFast   bool   `json:"failFast,omitempty" yaml:"failFast,omitempty"`
}

// StepDoc is one plan step.
type StepDoc struct {
	ID        string   `json:"id" yaml:"id"`
	Action    string   `json:"action" yaml:"action"`
	Retries   int      `json:"retries,omitempty" yaml:"retries,omitempty" jsonschema:"minimum=0"`
	DependsOn []string `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty"`
}
