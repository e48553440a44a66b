// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package saga

import (
	"context"

	"github.com/holomush/sagaflow/internal/core"
)

// Progress contributed by each default step.
const (
	PrepareProgress  = 10
	ActivateProgress = 25
	ExecuteProgress  = 40
	AuditProgress    = 25
)

// PreparePayload is emitted by the prepare step.
type PreparePayload struct {
	RunID    string `json:"runId"`
	PolicyID string `json:"policyId"`
	Steps    int    `json:"steps"`
}

// ActivatePayload describes the plan size.
type ActivatePayload struct {
	PlanSize int `json:"planSize"`
	Edges    int `json:"edges"`
}

// ExecutePayload is emitted once per plan step.
type ExecutePayload struct {
	StepID   string `json:"stepId"`
	Action   string `json:"action"`
	Retries  int    `json:"retries"`
	Position int    `json:"position"`
}

// AuditPayload carries retry telemetry.
type AuditPayload struct {
	PolicyID   string `json:"policyId"`
	Retries    int    `json:"retries"`
	MaxRetries int    `json:"maxRetries"`
	Steps      int    `json:"steps"`
	FailFast   bool   `json:"failFast"`
}

// DefaultSteps returns the four-step pipeline: prepare, activate, execute, audit.
func DefaultSteps() []Step {
	return []Step{
		{ID: "prepare", Phase: core.PhasePrepare, Run: prepareStep},
		{ID: "activate", Phase: core.PhaseActivate, Run: activateStep},
		{ID: "execute", Phase: core.PhaseExecute, Run: executeStep},
		{ID: "audit", Phase: core.PhaseAudit, Run: auditStep},
	}
}

func prepareStep(_ context.Context, sc *StepContext) (Delta, error) {
	env, err := sc.Emit(core.PhasePrepare, PreparePayload{
		RunID:    sc.Input.Run.ID,
		PolicyID: sc.Input.Policy.ID,
		Steps:    len(sc.Input.Plan.Steps),
	})
	if err != nil {
		return Delta{}, err
	}
	return Delta{Progress: PrepareProgress, Events: []core.Envelope{env}}, nil
}

func activateStep(_ context.Context, sc *StepContext) (Delta, error) {
	env, err := sc.Emit(core.PhaseActivate, ActivatePayload{
		PlanSize: len(sc.Input.Plan.Steps),
		Edges:    len(sc.Input.Plan.Edges),
	})
	if err != nil {
		return Delta{}, err
	}
	return Delta{Progress: ActivateProgress, Events: []core.Envelope{env}}, nil
}

func executeStep(ctx context.Context, sc *StepContext) (Delta, error) {
	order, err := sc.Input.Plan.Order()
	if err != nil {
		return Delta{}, err
	}
	events := make([]core.Envelope, 0, len(order))
	for i, id := range order {
		if err := ctx.Err(); err != nil {
			return Delta{}, err
		}
		desc, _ := sc.Input.Plan.Step(id)
		env, err := sc.Emit(core.PhaseExecute, ExecutePayload{
			StepID:   desc.ID,
			Action:   desc.Action,
			Retries:  desc.Retries,
			Position: i,
		}, "plan-step:"+desc.ID)
		if err != nil {
			return Delta{}, err
		}
		events = append(events, env)
	}
	return Delta{Progress: ExecuteProgress, Events: events}, nil
}

func auditStep(_ context.Context, sc *StepContext) (Delta, error) {
	retries := 0
	for _, s := range sc.Input.Plan.Steps {
		retries += s.Retries
	}
	env, err := sc.Emit(core.PhaseAudit, AuditPayload{
		PolicyID:   sc.Input.Policy.ID,
		Retries:    retries,
		MaxRetries: sc.Input.Policy.MaxRetries,
		Steps:      len(sc.Input.Plan.Steps),
		FailFast:   sc.Input.Policy.FailFast,
	}, "telemetry:retries")
	if err != nil {
		return Delta{}, err
	}
	return Delta{Progress: AuditProgress, Events: []core.Envelope{env}}, nil
}
