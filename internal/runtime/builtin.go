// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package runtime

import (
	"context"
	"math"
	"slices"
	"time"

	"github.com/holomush/sagaflow/internal/core"
	"github.com/holomush/sagaflow/internal/plugin"
	"github.com/holomush/sagaflow/internal/saga"
)

// Built-in plugin names, in the order a run bootstraps them.
const (
	PluginValidation = "validation"
	PluginDispatch   = "dispatch"
	PluginReplay     = "replay"
)

// Tags on events plugins emit from setup and teardown.
const (
	TagLifecycleSetup  = "lifecycle:setup"
	TagLifecycleRetire = "lifecycle:retire"
)

// PluginFactory builds the plugin set for one run. Definitions are built
// fresh per run so plugins never share state across runs.
type PluginFactory func(in saga.Input) []plugin.Definition

// ValidationReport is the validation plugin's output payload.
type ValidationReport struct {
	Steps int      `json:"steps"`
	Edges int      `json:"edges"`
	Order []string `json:"order"`
}

// DispatchTable is the dispatch plugin's output payload.
type DispatchTable struct {
	Actions []string `json:"actions"`
}

// ReplayLedger is the replay plugin's output payload.
type ReplayLedger struct {
	PolicyID   string `json:"policyId"`
	Replayable bool   `json:"replayable"`
	Budget     int    `json:"budget"`
}

// RetirePayload is emitted when a plugin is torn down.
type RetirePayload struct {
	Plugin   string        `json:"plugin"`
	OutputID string        `json:"outputId"`
	Uptime   time.Duration `json:"uptime"`
}

// BuiltinPlugins returns validation, dispatch and replay. Each emits one
// event from Setup and one retire event from Teardown.
func BuiltinPlugins(in saga.Input) []plugin.Definition {
	var emit plugin.EmitFunc
	capture := func(pctx *plugin.Context) {
		if emit == nil {
			emit = pctx.Emit
		}
	}
	retire := func(name string) plugin.TeardownFunc {
		return func(_ context.Context, out plugin.Output) error {
			if emit == nil {
				return nil
			}
			return emit(core.PhaseRetire, RetirePayload{
				Plugin:   name,
				OutputID: out.ID,
				Uptime:   time.Since(out.StartedAt),
			}, "plugin:"+name, TagLifecycleRetire)
		}
	}

	return []plugin.Definition{
		{
			Name:    PluginValidation,
			Version: "1.2.0",
			Setup: func(ctx context.Context, pctx *plugin.Context, _ plugin.Options) (plugin.Output, error) {
				capture(pctx)
				if err := ctx.Err(); err != nil {
					return plugin.Output{}, err
				}
				order, err := in.Plan.Order()
				if err != nil {
					return plugin.Output{}, err
				}
				report := ValidationReport{Steps: len(in.Plan.Steps), Edges: len(in.Plan.Edges), Order: order}
				if err := pctx.Emit(core.PhasePrepare, report, "plugin:"+PluginValidation, TagLifecycleSetup); err != nil {
					return plugin.Output{}, err
				}
				return plugin.Output{Ready: true, Payload: report}, nil
			},
			Teardown: retire(PluginValidation),
		},
		{
			Name:    PluginDispatch,
			Version: "1.0.0",
			Setup: func(ctx context.Context, pctx *plugin.Context, _ plugin.Options) (plugin.Output, error) {
				capture(pctx)
				if err := ctx.Err(); err != nil {
					return plugin.Output{}, err
				}
				var actions []string
				for _, s := range in.Plan.Steps {
					actions = append(actions, s.Action)
				}
				slices.Sort(actions)
				table := DispatchTable{Actions: slices.Compact(actions)}
				if err := pctx.Emit(core.PhaseActivate, table, "plugin:"+PluginDispatch, TagLifecycleSetup); err != nil {
					return plugin.Output{}, err
				}
				return plugin.Output{Ready: true, Payload: table}, nil
			},
			Teardown: retire(PluginDispatch),
		},
		{
			Name:         PluginReplay,
			Version:      "1.0.0",
			Dependencies: []string{PluginValidation},
			Requires:     map[string]string{PluginValidation: "^1.0"},
			Setup: func(ctx context.Context, pctx *plugin.Context, _ plugin.Options) (plugin.Output, error) {
				capture(pctx)
				if err := ctx.Err(); err != nil {
					return plugin.Output{}, err
				}
				ledger := ReplayLedger{
					PolicyID:   in.Policy.ID,
					Replayable: !in.Policy.FailFast,
					Budget:     retryBudget(in.Policy.MaxRetries, len(in.Plan.Steps)),
				}
				if err := pctx.Emit(core.PhaseAudit, ledger, "plugin:"+PluginReplay, TagLifecycleSetup); err != nil {
					return plugin.Output{}, err
				}
				return plugin.Output{Ready: true, Payload: ledger}, nil
			},
			Teardown: retire(PluginReplay),
		},
	}
}

// retryBudget is maxRetries per step across the plan, saturating at
// math.MaxInt instead of wrapping negative.
func retryBudget(maxRetries, steps int) int {
	if maxRetries <= 0 || steps <= 0 {
		return 0
	}
	if maxRetries > math.MaxInt/steps {
		return math.MaxInt
	}
	return maxRetries * steps
}
