// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianInvoke/services/invoke/config"
)

// rootOptions holds flags shared by every subcommand.
type rootOptions struct {
	configPath string
	cfg        config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "invoke",
		Short: "Route utterances to tools and govern tool invocations",
		Long: `invoke classifies user input into tool categories through three tiers
(exact match, rules, local model with cloud fallback) and assembles streamed
tool invocations behind an approval gate.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "invoke.yaml",
		"path to the YAML config; a missing file means defaults")

	root.AddCommand(
		newServeCmd(opts),
		newClassifyCmd(opts),
		newReplayCmd(opts),
		newStatsCmd(opts),
	)
	return root
}
