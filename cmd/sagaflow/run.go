// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/sagaflow/internal/config"
	"github.com/holomush/sagaflow/internal/logging"
	"github.com/holomush/sagaflow/internal/observability"
	"github.com/holomush/sagaflow/pkg/errutil"
	"github.com/holomush/sagaflow/pkg/orchestrator"
)

// CodeRunFailed is returned when a saga run does not complete.
const CodeRunFailed = "RUN_FAILED"

// CodeMetricsServer is returned when the metrics server cannot start.
const CodeMetricsServer = "METRICS_SERVER_FAILED"

// NewRunCmd creates the run subcommand.
func NewRunCmd() *cobra.Command {
	var events bool

	cmd := &cobra.Command{
		Use:   "run [payload-file]",
		Short: "Execute a saga run payload",
		Long: `Execute one saga run. The payload is read from the named file, or
from stdin when the file is omitted or "-". JSON and YAML are accepted.

A summary of the run is printed to stdout. SIGINT or SIGTERM cancels the
run before its next step; resources are still released.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSaga(cmd, args, events)
		},
	}

	cmd.Flags().BoolVar(&events, "events", false, "print the full snapshot, events included, instead of the summary")

	return cmd
}

func runSaga(cmd *cobra.Command, args []string, events bool) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := logging.Setup("sagaflow", version, cfg.LogFormat, cfg.LogLevel, cmd.ErrOrStderr())

	payload, err := readPayload(cmd, args)
	if err != nil {
		return err
	}

	reg := observability.NewRegistry()
	orch := orchestrator.New(orchestratorConfig(cfg), orchestrator.WithLogger(logger))
	defer func() {
		if closeErr := orch.Close(); closeErr != nil {
			logger.Warn("failed to close orchestrator", "error", closeErr)
		}
	}()

	if cfg.MetricsAddr != "" {
		srv := observability.NewServer(cfg.MetricsAddr, reg, func() bool {
			return orch.State() != string(orchestrator.StateRunning)
		})
		if _, err := srv.Start(); err != nil {
			return oops.Code(CodeMetricsServer).With("addr", cfg.MetricsAddr).Wrap(err)
		}
		defer stopServer(cmd.Context(), srv, cfg, logger)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ok := orch.Run(ctx, payload)

	if err := writeResult(cmd.OutOrStdout(), orch, events); err != nil {
		return err
	}

	if cfg.MetricsFile != "" {
		if err := observability.WriteTextfile(reg, cfg.MetricsFile); err != nil {
			errutil.LogError(logger, "failed to write metrics textfile", err)
		}
	}

	if !ok {
		snap := orch.Snapshot()
		b := oops.Code(CodeRunFailed).With("run_id", snap.RunID).With("state", snap.State)
		if lastErr := orch.LastError(); lastErr != nil {
			return errutil.Wrap(b, lastErr, "saga run failed")
		}
		return b.Errorf("saga run failed")
	}
	return nil
}

func orchestratorConfig(cfg config.Config) orchestrator.Config {
	return orchestrator.Config{
		RuntimeID:      cfg.RuntimeID,
		Namespace:      cfg.Namespace,
		BusCapacity:    cfg.BusCapacity,
		PluginTimeout:  cfg.PluginTimeout,
		CleanupTimeout: cfg.CleanupTimeout,
	}
}

func stopServer(ctx context.Context, srv *observability.Server, cfg config.Config, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.CleanupTimeout)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		logger.Warn("failed to stop metrics server", "error", err)
	}
}

func writeResult(w io.Writer, orch *orchestrator.Orchestrator, events bool) error {
	if !events {
		_, err := fmt.Fprintln(w, orch.Summary())
		return oops.Wrap(err)
	}

	data, err := json.MarshalIndent(orch.Snapshot(), "", "  ")
	if err != nil {
		return oops.Wrapf(err, "marshal snapshot")
	}
	_, err = fmt.Fprintln(w, string(data))
	return oops.Wrap(err)
}
