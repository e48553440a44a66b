// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package config loads sagaflow settings from flags and an optional YAML file.
package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/holomush/sagaflow/internal/logging"
	"github.com/holomush/sagaflow/internal/xdg"
)

// CodeInvalidConfig is returned when loading or validating configuration fails.
const CodeInvalidConfig = "INVALID_CONFIG"

// Default values for configuration options.
const (
	defaultLogFormat      = "json"
	defaultLogLevel       = "info"
	defaultRuntimeID      = "default"
	defaultNamespace      = "saga"
	defaultBusCapacity    = 0
	defaultPluginTimeout  = 5 * time.Second
	defaultCleanupTimeout = 5 * time.Second
)

// Config holds everything the CLI needs to build an orchestrator.
// Keys match flag names so a YAML file and the command line share one vocabulary.
type Config struct {
	LogFormat      string        `koanf:"log-format"`
	LogLevel       string        `koanf:"log-level"`
	RuntimeID      string        `koanf:"runtime-id"`
	Namespace      string        `koanf:"namespace"`
	BusCapacity    int           `koanf:"bus-capacity"`
	PluginTimeout  time.Duration `koanf:"plugin-timeout"`
	CleanupTimeout time.Duration `koanf:"cleanup-timeout"`
	MetricsFile    string        `koanf:"metrics-file"`
	MetricsAddr    string        `koanf:"metrics-addr"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		LogFormat:      defaultLogFormat,
		LogLevel:       defaultLogLevel,
		RuntimeID:      defaultRuntimeID,
		Namespace:      defaultNamespace,
		BusCapacity:    defaultBusCapacity,
		PluginTimeout:  defaultPluginTimeout,
		CleanupTimeout: defaultCleanupTimeout,
	}
}

// RegisterFlags adds one flag per Config key.
func RegisterFlags(flags *pflag.FlagSet) {
	d := Defaults()
	flags.String("log-format", d.LogFormat, "log format (json, text)")
	flags.String("log-level", d.LogLevel, "log level (debug, info, warn, error)")
	flags.String("runtime-id", d.RuntimeID, "runtime identifier used in logs and metrics")
	flags.String("namespace", d.Namespace, "default event namespace when the payload names none")
	flags.Int("bus-capacity", d.BusCapacity, "event history capacity per run (0 = bus default)")
	flags.Duration("plugin-timeout", d.PluginTimeout, "advisory timeout passed to plugin setup")
	flags.Duration("cleanup-timeout", d.CleanupTimeout, "deadline for releasing run resources")
	flags.String("metrics-file", d.MetricsFile, "write a Prometheus textfile here after each run")
	flags.String("metrics-addr", d.MetricsAddr, "serve /metrics and health probes here while running")
}

// Load layers configuration: flag defaults, then the YAML file, then flags
// set explicitly on the command line.
//
// An empty path falls back to the XDG config file, which may be absent.
// An explicit path must exist.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		path = xdg.ConfigFile()
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return Config{}, oops.Code(CodeInvalidConfig).
				With("path", path).
				Wrapf(err, "load config file")
		}
	}

	if flags != nil {
		// Passing k makes posflag skip defaults for keys the file already set.
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return Config{}, oops.Code(CodeInvalidConfig).Wrapf(err, "load flags")
		}
	}

	cfg := Defaults()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Config{}, oops.Code(CodeInvalidConfig).
			With("path", path).
			Wrapf(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks configuration values.
func (c Config) Validate() error {
	switch c.LogFormat {
	case "json", "text":
	default:
		return invalid("log-format", c.LogFormat, "must be json or text")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return invalid("log-level", c.LogLevel, "must be debug, info, warn or error")
	}
	if strings.TrimSpace(c.RuntimeID) == "" {
		return invalid("runtime-id", c.RuntimeID, "must not be empty")
	}
	if strings.TrimSpace(c.Namespace) == "" {
		return invalid("namespace", c.Namespace, "must not be empty")
	}
	if c.BusCapacity < 0 {
		return invalid("bus-capacity", c.BusCapacity, "must not be negative")
	}
	if c.PluginTimeout < 0 {
		return invalid("plugin-timeout", c.PluginTimeout, "must not be negative")
	}
	if c.CleanupTimeout <= 0 {
		return invalid("cleanup-timeout", c.CleanupTimeout, "must be positive")
	}
	if c.MetricsFile != "" {
		if info, err := os.Stat(c.MetricsFile); err == nil && info.IsDir() {
			return invalid("metrics-file", c.MetricsFile, "is a directory")
		}
	}
	return nil
}

func invalid(key string, value any, reason string) error {
	return oops.Code(CodeInvalidConfig).
		With("key", key).
		With("value", value).
		Errorf("%s %s", key, reason)
}
