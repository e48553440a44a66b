// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package saga runs multi-phase recovery workflows as a sequential step pipeline.
package saga

import (
	"slices"
	"strings"
	"time"

	"github.com/holomush/sagaflow/internal/core"
)

// StepDescriptor is one unit of work in a run's plan.
type StepDescriptor struct {
	ID        string   `json:"id"`
	Action    string   `json:"action"`
	Retries   int      `json:"retries"`
	DependsOn []string `json:"dependsOn,omitempty"`
}

// Run identifies a saga and its ordered steps.
type Run struct {
	ID        string           `json:"runId"`
	Namespace string           `json:"namespace"`
	PolicyID  string           `json:"policyId"`
	Steps     []StepDescriptor `json:"steps"`
}

// Edge orders two plan steps: From runs before To.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Plan is the ordered step list of a run plus its dependency edges.
type Plan struct {
	RunID string           `json:"runId"`
	Steps []StepDescriptor `json:"steps"`
	Edges []Edge           `json:"edges,omitempty"`
}

// Policy constrains how a plan may execute. It is carried to steps and
// reported in telemetry; the engine itself never retries.
type Policy struct {
	ID         string        `json:"id"`
	MaxRetries int           `json:"maxRetries"`
	Timeout    time.Duration `json:"timeout"`
	FailFast   bool          `json:"failFast"`
}

// Input is the validated triple a run executes.
type Input struct {
	Run    Run
	Plan   Plan
	Policy Policy
	// Runtime names the runtime the payload was addressed to.
	Runtime string
}

// Order returns step ids in a dependency-respecting order. Among steps
// whose dependencies are satisfied, plan order wins, so the result is stable.
func (p Plan) Order() ([]string, error) {
	pos := make(map[string]int, len(p.Steps))
	for i, s := range p.Steps {
		if _, dup := pos[s.ID]; dup {
			return nil, ErrInvalidPlan("duplicate step id "+s.ID, "step", s.ID)
		}
		pos[s.ID] = i
	}

	indegree := make([]int, len(p.Steps))
	next := make([][]int, len(p.Steps))
	for _, e := range p.Edges {
		from, ok := pos[e.From]
		if !ok {
			return nil, ErrInvalidPlan("edge references unknown step "+e.From, "step", e.From)
		}
		to, ok := pos[e.To]
		if !ok {
			return nil, ErrInvalidPlan("edge references unknown step "+e.To, "step", e.To)
		}
		next[from] = append(next[from], to)
		indegree[to]++
	}

	done := make([]bool, len(p.Steps))
	order := make([]string, 0, len(p.Steps))
	for len(order) < len(p.Steps) {
		picked := -1
		for i := range p.Steps {
			if !done[i] && indegree[i] == 0 {
				picked = i
				break
			}
		}
		if picked < 0 {
			var stuck []string
			for i, s := range p.Steps {
				if !done[i] {
					stuck = append(stuck, s.ID)
				}
			}
			return nil, ErrInvalidPlan("plan edges form a cycle", "steps", strings.Join(stuck, ","))
		}
		done[picked] = true
		order = append(order, p.Steps[picked].ID)
		for _, to := range next[picked] {
			indegree[to]--
		}
	}
	return order, nil
}

// Step returns the descriptor with id.
func (p Plan) Step(id string) (StepDescriptor, bool) {
	i := slices.IndexFunc(p.Steps, func(s StepDescriptor) bool { return s.ID == id })
	if i < 0 {
		return StepDescriptor{}, false
	}
	return p.Steps[i], true
}

// ErrorRecord is a structured failure captured during execution.
type ErrorRecord struct {
	Code    string     `json:"code"`
	StepID  string     `json:"stepId"`
	Phase   core.Phase `json:"phase"`
	Message string     `json:"message"`
	At      time.Time  `json:"at"`
}

// ExecutionState is the aggregate folded from step deltas.
type ExecutionState struct {
	Progress int             `json:"progress"`
	Errors   []ErrorRecord   `json:"errors"`
	Events   []core.Envelope `json:"events"`
	Phase    core.Phase      `json:"phase"`
}

// Clone returns a copy that shares no slices with s.
func (s ExecutionState) Clone() ExecutionState {
	s.Errors = slices.Clone(s.Errors)
	s.Events = slices.Clone(s.Events)
	return s
}

// Delta is what one step contributes to the aggregate.
type Delta struct {
	Progress int
	Errors   []ErrorRecord
	Events   []core.Envelope
	// Phase, when set, is the phase the step reached. Defaults to the step's phase.
	Phase core.Phase
}
