// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/sagaflow/pkg/errutil"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(flags)
	require.NoError(t, flags.Parse(args))
	return flags
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load("", newFlags(t))
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
}

func TestLoad_NilFlags(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
log-format: text
namespace: recovery
bus-capacity: 64
plugin-timeout: 2s
`)

	cfg, err := Load(path, newFlags(t))
	require.NoError(t, err)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, "recovery", cfg.Namespace)
	assert.Equal(t, 64, cfg.BusCapacity)
	assert.Equal(t, 2*time.Second, cfg.PluginTimeout)
	assert.Equal(t, "info", cfg.LogLevel, "unset keys keep flag defaults")
	assert.Equal(t, 5*time.Second, cfg.CleanupTimeout)
}

func TestLoad_ExplicitFlagsOverrideFile(t *testing.T) {
	path := writeFile(t, `
namespace: recovery
log-level: warn
`)

	cfg, err := Load(path, newFlags(t, "--namespace", "billing", "--cleanup-timeout", "1s"))
	require.NoError(t, err)
	assert.Equal(t, "billing", cfg.Namespace)
	assert.Equal(t, time.Second, cfg.CleanupTimeout)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoad_XDGConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sagaflow"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sagaflow", "config.yaml"), []byte("runtime-id: ops\n"), 0o600))

	cfg, err := Load("", newFlags(t))
	require.NoError(t, err)
	assert.Equal(t, "ops", cfg.RuntimeID)
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), newFlags(t))
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, CodeInvalidConfig)
}

func TestLoad_MalformedFile(t *testing.T) {
	path := writeFile(t, "namespace: [unterminated\n")
	_, err := Load(path, newFlags(t))
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, CodeInvalidConfig)
}

func TestLoad_InvalidValue(t *testing.T) {
	path := writeFile(t, "log-format: xml\n")
	_, err := Load(path, newFlags(t))
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, CodeInvalidConfig)
	errutil.AssertErrorContext(t, err, "key", "log-format")
}

func TestConfig_Validate(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name   string
		modify func(*Config)
		key    string
	}{
		{"defaults", func(*Config) {}, ""},
		{"text format", func(c *Config) { c.LogFormat = "text" }, ""},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }, "log-format"},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "log-level"},
		{"empty runtime id", func(c *Config) { c.RuntimeID = " " }, "runtime-id"},
		{"empty namespace", func(c *Config) { c.Namespace = "" }, "namespace"},
		{"negative capacity", func(c *Config) { c.BusCapacity = -1 }, "bus-capacity"},
		{"negative plugin timeout", func(c *Config) { c.PluginTimeout = -time.Second }, "plugin-timeout"},
		{"zero cleanup timeout", func(c *Config) { c.CleanupTimeout = 0 }, "cleanup-timeout"},
		{"metrics file is dir", func(c *Config) { c.MetricsFile = dir }, "metrics-file"},
		{"metrics file new", func(c *Config) { c.MetricsFile = filepath.Join(dir, "m.prom") }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.key == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			errutil.AssertErrorCode(t, err, CodeInvalidConfig)
			errutil.AssertErrorContext(t, err, "key", tt.key)
		})
	}
}
