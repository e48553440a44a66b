// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/sagaflow/internal/adapter"
	"github.com/holomush/sagaflow/internal/runtime"
	"github.com/holomush/sagaflow/pkg/errutil"
	"github.com/holomush/sagaflow/pkg/orchestrator"
)

const payloadJSON = `{
	"input": {
		"runId": "run-cli",
		"namespace": "recovery",
		"policy": {"id": "default", "maxRetries": 2, "timeoutMs": 1000},
		"steps": [
			{"id": "drain", "action": "lb.drain"},
			{"id": "failover", "action": "db.failover", "retries": 1, "dependsOn": ["drain"]}
		]
	}
}`

const payloadYAML = `
input:
  runId: run-yaml
  policy:
    id: default
    maxRetries: 0
    timeoutMs: 100
  steps:
    - id: only
      action: noop
`

// execute runs the root command with an isolated config directory.
func execute(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cmd := NewRootCmd()
	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)

	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writePayload(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestRootCommand_HasExpectedSubcommands(t *testing.T) {
	out, _, err := execute(t, "", "--help")
	require.NoError(t, err)

	for _, sub := range []string{"run", "validate", "schema"} {
		assert.Contains(t, out, sub, "Help missing %q command", sub)
	}
}

func TestRootCommand_PersistentFlags(t *testing.T) {
	out, _, err := execute(t, "", "run", "--help")
	require.NoError(t, err)

	for _, flag := range []string{
		"--config",
		"--log-format",
		"--log-level",
		"--runtime-id",
		"--namespace",
		"--bus-capacity",
		"--plugin-timeout",
		"--cleanup-timeout",
		"--metrics-file",
		"--metrics-addr",
		"--events",
	} {
		assert.Contains(t, out, flag, "Help missing %q flag", flag)
	}
}

func TestRootCommand_ConfigFlag(t *testing.T) {
	cmd := NewRootCmd()
	require.NoError(t, cmd.PersistentFlags().Parse([]string{"--config", "/path/to/config.yaml"}))
	assert.Equal(t, "/path/to/config.yaml", configFile)

	// A fresh root command resets the flag.
	NewRootCmd()
	assert.Empty(t, configFile)
}

func TestRunCommand_FromFile(t *testing.T) {
	out, _, err := execute(t, "", "run", "--runtime-id", "cli", writePayload(t, payloadJSON))
	require.NoError(t, err)

	var summary orchestrator.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, orchestrator.Summary{
		RuntimeID: "cli",
		Namespace: "saga",
		State:     "done",
		Phase:     "audit",
		Events:    11,
		RunID:     "run-cli",
	}, summary)
}

func TestRunCommand_FromStdinYAML(t *testing.T) {
	out, _, err := execute(t, payloadYAML, "run", "-")
	require.NoError(t, err)

	var summary orchestrator.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, "done", summary.State)
	assert.Equal(t, "run-yaml", summary.RunID)
	assert.Equal(t, 10, summary.Events)
}

func TestRunCommand_Events(t *testing.T) {
	out, _, err := execute(t, "", "run", "--events", writePayload(t, payloadJSON))
	require.NoError(t, err)

	var snap runtime.Snapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	assert.Equal(t, runtime.StateDone, snap.State)
	assert.Equal(t, 100, snap.Progress)
	require.Len(t, snap.Events, 11)
	assert.Equal(t, "recovery", snap.Events[0].Namespace)
}

func TestRunCommand_InvalidPayload(t *testing.T) {
	out, stderr, err := execute(t, `{"input": {"runId": "", "policy": {"id": "p", "maxRetries": 0, "timeoutMs": 0}, "steps": []}}`, "run")
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, CodeRunFailed)
	errutil.AssertErrorContext(t, err, "cause_code", adapter.CodeValidationFailed)
	errutil.AssertErrorContext(t, err, "state", runtime.StateFailed)

	var summary orchestrator.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, "failed", summary.State)
	assert.Zero(t, summary.Events)
	assert.Contains(t, stderr, "Error:")
}

func TestRunCommand_MissingFile(t *testing.T) {
	_, _, err := execute(t, "", "run", filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, CodeReadPayload)
}

func TestRunCommand_InvalidConfig(t *testing.T) {
	_, _, err := execute(t, "", "run", "--log-format", "xml", writePayload(t, payloadJSON))
	require.Error(t, err)
	errutil.AssertErrorContext(t, err, "key", "log-format")
}

func TestRunCommand_ConfigFile(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("runtime-id: from-file\nlog-format: text\n"), 0o600))

	out, _, err := execute(t, "", "run", "--config", cfgPath, writePayload(t, payloadJSON))
	require.NoError(t, err)

	var summary orchestrator.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, "from-file", summary.RuntimeID)
}

func TestRunCommand_WritesMetricsFile(t *testing.T) {
	metrics := filepath.Join(t.TempDir(), "out", "sagaflow.prom")

	_, _, err := execute(t, "", "run", "--metrics-file", metrics, writePayload(t, payloadJSON))
	require.NoError(t, err)

	data, err := os.ReadFile(metrics)
	require.NoError(t, err)
	assert.Contains(t, string(data), "sagaflow_runtime_runs_total")
	assert.Contains(t, string(data), "sagaflow_bus_events_published_total")
}

func TestRunCommand_MetricsServer(t *testing.T) {
	_, _, err := execute(t, "", "run", "--metrics-addr", "127.0.0.1:0", writePayload(t, payloadJSON))
	require.NoError(t, err)
}

func TestValidateCommand(t *testing.T) {
	out, _, err := execute(t, "", "validate", writePayload(t, payloadJSON))
	require.NoError(t, err)

	var report validation
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, validation{
		RunID:      "run-cli",
		Namespace:  "recovery",
		PolicyID:   "default",
		Steps:      2,
		Edges:      1,
		Order:      []string{"drain", "failover"},
		MaxRetries: 2,
	}, report)
}

func TestValidateCommand_Rejects(t *testing.T) {
	bad := `{"input": {"runId": "r", "policy": {"id": "p", "maxRetries": 0, "timeoutMs": 0},
		"steps": [{"id": "a", "action": "x", "retries": 3}]}}`

	_, _, err := execute(t, bad, "validate")
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, adapter.CodeValidationFailed)
	errutil.AssertErrorContext(t, err, "reason", "step retries exceed policy max retries")
}

func TestSchemaCommand_Stdout(t *testing.T) {
	out, _, err := execute(t, "", "schema")
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	assert.Equal(t, "sagaflow run payload", doc["title"])
}

func TestSchemaCommand_OutputFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schemas", "payload.schema.json")

	out, _, err := execute(t, "", "schema", "-o", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Generated "+path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, json.Valid(data))
}
