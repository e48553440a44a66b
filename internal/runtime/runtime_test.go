// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package runtime_test

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/holomush/sagaflow/internal/adapter"
	"github.com/holomush/sagaflow/internal/core"
	"github.com/holomush/sagaflow/internal/plugin"
	"github.com/holomush/sagaflow/internal/runtime"
	"github.com/holomush/sagaflow/internal/saga"
	"github.com/holomush/sagaflow/pkg/errutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const payload = `{
	"runtime": "primary",
	"input": {
		"runId": "run-100",
		"namespace": "recovery",
		"policy": {"id": "strict", "maxRetries": 2, "timeoutMs": 1000},
		"steps": [
			{"id": "snapshot", "action": "db.snapshot", "retries": 1},
			{"id": "restore", "action": "db.restore", "retries": 2, "dependsOn": ["snapshot"]},
			{"id": "verify", "action": "db.verify", "dependsOn": ["restore"]}
		]
	}
}`

func phasesOf(envs []core.Envelope) []core.Phase {
	out := make([]core.Phase, len(envs))
	for i, e := range envs {
		out[i] = e.Phase
	}
	return out
}

func TestRuntime_RunSuccess(t *testing.T) {
	rt := runtime.New("primary")
	before := testutil.ToFloat64(runtime.RunsTotal.WithLabelValues("primary", "done"))

	res := rt.Run(context.Background(), payload)
	require.True(t, res.OK, "err: %v", res.Err)
	require.NoError(t, res.Err)
	require.NoError(t, res.CleanupErr)

	snap := rt.Snapshot()
	assert.Equal(t, runtime.StateDone, snap.State)
	assert.Equal(t, "run-100", snap.RunID)
	assert.Equal(t, 100, snap.Progress)
	assert.Equal(t, core.PhaseAudit, snap.Phase)
	assert.Empty(t, snap.Error)

	// three setup events, three retire events in reverse boot order, then
	// the engine pipeline with one execute event per plan step
	assert.Equal(t, []core.Phase{
		core.PhasePrepare, core.PhaseActivate, core.PhaseAudit,
		core.PhaseRetire, core.PhaseRetire, core.PhaseRetire,
		core.PhasePrepare, core.PhaseActivate,
		core.PhaseExecute, core.PhaseExecute, core.PhaseExecute,
		core.PhaseAudit,
	}, phasesOf(snap.Events))

	for _, env := range snap.Events {
		assert.Equal(t, core.Kind("recovery::"+string(env.Phase)), env.Kind)
		assert.Equal(t, "run-100", env.RunID)
	}
	assert.Equal(t, before+1, testutil.ToFloat64(runtime.RunsTotal.WithLabelValues("primary", "done")))
}

func TestRuntime_SnapshotEventsMatchSinkPlusEngine(t *testing.T) {
	rt := runtime.New("primary")
	res := rt.Run(context.Background(), payload)
	require.True(t, res.OK)

	engineEvents := 3 + 3 // prepare, activate, audit plus one execute per plan step
	history := rt.History()
	assert.Len(t, history, 6)
	assert.Len(t, rt.Snapshot().Events, len(history)+engineEvents)
}

func TestRuntime_RetireEventsFollowReverseBootOrder(t *testing.T) {
	rt := runtime.New("primary")
	require.True(t, rt.Run(context.Background(), payload).OK)

	var retired []string
	for _, env := range rt.History() {
		if env.Phase == core.PhaseRetire {
			assert.True(t, env.HasTag(runtime.TagLifecycleRetire))
			retired = append(retired, env.Payload.(runtime.RetirePayload).Plugin)
		}
	}
	// setup completion order is validation, dispatch, replay
	assert.Equal(t, []string{runtime.PluginReplay, runtime.PluginDispatch, runtime.PluginValidation}, retired)
}

func TestRuntime_ValidationFailure(t *testing.T) {
	rt := runtime.New("primary")
	res := rt.Run(context.Background(), `{"input": {"runId": "", "policy": {"id": "p", "maxRetries": 0, "timeoutMs": 0}, "steps": [{"id": "a", "action": "x"}]}}`)

	assert.False(t, res.OK)
	errutil.AssertErrorCode(t, res.Err, adapter.CodeValidationFailed)
	snap := rt.Snapshot()
	assert.Equal(t, runtime.StateFailed, snap.State)
	assert.NotEmpty(t, snap.Error)
	assert.Empty(t, snap.Events)
	assert.NotNil(t, snap.Events)
}

func TestRuntime_PluginSetupFailure(t *testing.T) {
	var tornDown []string
	factory := func(in saga.Input) []plugin.Definition {
		defs := runtime.BuiltinPlugins(in)
		for i := range defs {
			name := defs[i].Name
			inner := defs[i].Teardown
			defs[i].Teardown = func(ctx context.Context, out plugin.Output) error {
				tornDown = append(tornDown, name)
				return inner(ctx, out)
			}
		}
		defs[1].Setup = func(context.Context, *plugin.Context, plugin.Options) (plugin.Output, error) {
			return plugin.Output{}, errors.New("no dispatcher")
		}
		return defs
	}
	rt := runtime.New("primary", runtime.WithPlugins(factory))

	res := rt.Run(context.Background(), payload)
	assert.False(t, res.OK)
	errutil.AssertErrorCode(t, res.Err, plugin.CodeSetupFailed)
	assert.Equal(t, []string{runtime.PluginValidation}, tornDown, "only plugins whose setup completed are torn down")

	snap := rt.Snapshot()
	assert.Equal(t, runtime.StateFailed, snap.State)
	assert.Equal(t, "run-100", snap.RunID)
	// validation's setup event and its retire event were drained
	assert.Equal(t, []core.Phase{core.PhasePrepare, core.PhaseRetire}, phasesOf(snap.Events))
}

func TestRuntime_StepFailureStillDrains(t *testing.T) {
	steps := saga.DefaultSteps()
	steps[2].Run = func(context.Context, *saga.StepContext) (saga.Delta, error) {
		return saga.Delta{}, errors.New("executor offline")
	}
	rt := runtime.New("primary", runtime.WithSteps(steps...))

	res := rt.Run(context.Background(), payload)
	assert.False(t, res.OK)
	errutil.AssertErrorCode(t, res.Err, saga.CodeStepFailed)

	snap := rt.Snapshot()
	assert.Equal(t, runtime.StateFailed, snap.State)
	assert.Equal(t, 35, snap.Progress)
	assert.Len(t, snap.Events, 6+2, "plugin events plus prepare and activate")
	assert.Contains(t, snap.Error, "executor offline")
}

func TestRuntime_InvalidPipelineFailsBeforeBootstrap(t *testing.T) {
	noop := func(context.Context, *saga.StepContext) (saga.Delta, error) { return saga.Delta{}, nil }
	rt := runtime.New("primary", runtime.WithSteps(
		saga.Step{ID: "drain", Phase: core.PhasePrepare, Run: noop},
		saga.Step{ID: "failover", Phase: core.PhaseExecute, Run: noop},
	))

	res := rt.Run(context.Background(), payload)
	assert.False(t, res.OK)
	errutil.AssertErrorCode(t, res.Err, saga.CodeInvalidPipeline)
	errutil.AssertErrorContext(t, res.Err, "step", "failover")
	require.NoError(t, res.CleanupErr)
	assert.Empty(t, rt.History(), "no plugin was bootstrapped")

	snap := rt.Snapshot()
	assert.Equal(t, runtime.StateFailed, snap.State)
	assert.Equal(t, "run-100", snap.RunID)
	assert.Empty(t, snap.Events)
}

func TestRuntime_NamespaceDefault(t *testing.T) {
	rt := runtime.New("primary", runtime.WithNamespace("ops"))
	res := rt.Run(context.Background(), `{"input": {"runId": "r", "policy": {"id": "p", "maxRetries": 0, "timeoutMs": 0}, "steps": [{"id": "a", "action": "x"}]}}`)
	require.True(t, res.OK, "err: %v", res.Err)
	for _, env := range res.Snapshot.Events {
		assert.Equal(t, "ops", env.Namespace)
	}
}

func TestRuntime_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rt := runtime.New("primary")
	res := rt.Run(ctx, payload)
	assert.False(t, res.OK)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, runtime.StateFailed, rt.Snapshot().State)
}

func TestRuntime_SnapshotIsDefensiveCopy(t *testing.T) {
	rt := runtime.New("primary")
	require.True(t, rt.Run(context.Background(), payload).OK)

	snap := rt.Snapshot()
	snap.Events[0].RunID = "tampered"
	snap.Events = snap.Events[:1]

	again := rt.Snapshot()
	assert.Equal(t, "run-100", again.Events[0].RunID)
	assert.Len(t, again.Events, 12)
}

func TestRuntime_RunsAreIsolated(t *testing.T) {
	rt := runtime.New("primary")
	require.True(t, rt.Run(context.Background(), payload).OK)
	require.True(t, rt.Run(context.Background(), payload).OK)

	assert.Len(t, rt.Snapshot().Events, 12, "second run starts from an empty bus")
	assert.Len(t, rt.History(), 6)
}

func TestRuntime_IdleSnapshotAndClose(t *testing.T) {
	rt := runtime.New("primary")
	snap := rt.Snapshot()
	assert.Equal(t, runtime.StateIdle, snap.State)
	assert.NotNil(t, snap.Events)
	assert.Equal(t, "primary", rt.ID())
	assert.Equal(t, runtime.DefaultNamespace, rt.Namespace())

	require.NoError(t, rt.Close())
	res := rt.Run(context.Background(), payload)
	assert.False(t, res.OK)
	errutil.AssertErrorCode(t, res.Err, runtime.CodeRuntimeClosed)
}

// mockParser is a mock for adapter.Parser.
type mockParser struct {
	mock.Mock
}

func (m *mockParser) Parse(raw any) (saga.Input, error) {
	args := m.Called(raw)
	return args.Get(0).(saga.Input), args.Error(1)
}

func TestRuntime_CustomParser(t *testing.T) {
	t.Run("delegates parsing", func(t *testing.T) {
		in, err := adapter.Parse(payload)
		require.NoError(t, err)

		parser := new(mockParser)
		parser.On("Parse", "raw-token").Return(in, nil).Once()

		rt := runtime.New("primary", runtime.WithParser(parser))
		res := rt.Run(context.Background(), "raw-token")
		require.True(t, res.OK)
		assert.Equal(t, "run-100", res.Snapshot.RunID)
		parser.AssertExpectations(t)
	})

	t.Run("parser error fails the run before bootstrap", func(t *testing.T) {
		parser := new(mockParser)
		parser.On("Parse", mock.Anything).Return(saga.Input{}, errors.New("unsupported format")).Once()

		rt := runtime.New("primary", runtime.WithParser(parser))
		res := rt.Run(context.Background(), []byte("<xml/>"))
		require.False(t, res.OK)
		assert.ErrorContains(t, res.Err, "unsupported format")
		assert.Equal(t, runtime.StateFailed, res.Snapshot.State)
		assert.Empty(t, res.Snapshot.Events)
		assert.Empty(t, rt.History())
		parser.AssertExpectations(t)
	})
}
