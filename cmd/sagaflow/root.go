// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"io"
	"os"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/sagaflow/internal/config"
)

// CodeReadPayload is returned when the payload source cannot be read.
const CodeReadPayload = "READ_PAYLOAD_FAILED"

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the sagaflow CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sagaflow",
		Short: "sagaflow - saga orchestration engine",
		Long: `sagaflow runs multi-phase recovery workflows. Each run bootstraps
its plugins in dependency order, executes the saga pipeline, and releases
every resource on the way out.`,
		SilenceUsage: true,
	}

	// Global flag for config file path
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (default $XDG_CONFIG_HOME/sagaflow/config.yaml)")
	config.RegisterFlags(cmd.PersistentFlags())

	// Add subcommands
	cmd.AddCommand(NewRunCmd())
	cmd.AddCommand(NewValidateCmd())
	cmd.AddCommand(NewSchemaCmd())

	return cmd
}

// loadConfig resolves configuration for cmd. Persistent flags are merged
// into cmd.Flags() once cobra has parsed the command line.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	return config.Load(configFile, cmd.Flags())
}

// readPayload reads the payload named by args, or stdin when args is empty or "-".
func readPayload(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, oops.Code(CodeReadPayload).With("source", "stdin").Wrapf(err, "read payload")
		}
		return data, nil
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return nil, oops.Code(CodeReadPayload).With("source", args[0]).Wrapf(err, "read payload")
	}
	return data, nil
}
