// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"encoding/json"
	"fmt"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/sagaflow/internal/adapter"
)

// validation is the report printed by the validate subcommand.
type validation struct {
	RunID      string   `json:"runId"`
	Namespace  string   `json:"namespace,omitempty"`
	PolicyID   string   `json:"policyId"`
	Steps      int      `json:"steps"`
	Edges      int      `json:"edges"`
	Order      []string `json:"order"`
	MaxRetries int      `json:"maxRetries"`
}

// NewValidateCmd creates the validate subcommand.
func NewValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [payload-file]",
		Short: "Check a run payload without executing it",
		Long: `Parse and normalize a run payload exactly as run would, then print
the resolved execution order. Nothing is bootstrapped and no events are
published.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(cmd, args)
			if err != nil {
				return err
			}

			in, err := adapter.Parse(payload)
			if err != nil {
				return err
			}
			order, err := in.Plan.Order()
			if err != nil {
				return err
			}

			report := validation{
				RunID:      in.Run.ID,
				Namespace:  in.Run.Namespace,
				PolicyID:   in.Policy.ID,
				Steps:      len(in.Plan.Steps),
				Edges:      len(in.Plan.Edges),
				Order:      order,
				MaxRetries: in.Policy.MaxRetries,
			}

			data, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return oops.Wrapf(err, "marshal validation report")
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return oops.Wrap(err)
		},
	}
}
