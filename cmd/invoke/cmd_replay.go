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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianInvoke/pkg/logging"
	"github.com/AleutianAI/AleutianInvoke/pkg/ux"
	"github.com/AleutianAI/AleutianInvoke/services/invoke"
	"github.com/AleutianAI/AleutianInvoke/services/invoke/invocation"
)

func newReplayCmd(opts *rootOptions) *cobra.Command {
	var approveAll bool
	cmd := &cobra.Command{
		Use:   "replay <file.jsonl>...",
		Short: "Replay recorded generation streams through the aggregator and gate",
		Long: `replay feeds each file, one turn per file, through the invocation
aggregator concurrently. Each line is a raw generation event. Nothing is
executed: approved invocations go to a dry-run executor that echoes the call.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd.Context(), opts, args, approveAll, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&approveAll, "approve-all", false, "approve every pending invocation after replay")
	return cmd
}

// replaySummary counts invocations by final state.
type replaySummary map[invocation.State]int

func runReplay(ctx context.Context, opts *rootOptions, files []string, approveAll bool, out io.Writer) error {
	logger := logging.New(logging.Config{Level: logging.LevelWarn, Service: "invoke"})
	defer logger.Close()
	log := logger.Slog()

	agg := invocation.NewAggregator(
		invocation.WithLogger(log),
		invocation.WithTurnWideDedup(opts.cfg.Gate.TurnWideDedup),
	)
	gate, err := invocation.NewGate(agg, invoke.DryRunExecutor{},
		invocation.WithGateLogger(log),
		invocation.WithAutoApproveLocal(opts.cfg.Gate.AutoApproveLocal),
	)
	if err != nil {
		return err
	}

	sources := make(map[string]invocation.GenerationSource, len(files))
	for _, path := range files {
		turnID := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		if _, dup := sources[turnID]; dup {
			return fmt.Errorf("two files map to turn %q", turnID)
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		sources[turnID] = invocation.NewJSONLSource(f, log)
	}

	if err := agg.PumpAll(ctx, sources); err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	if approveAll {
		for _, turnID := range agg.Turns() {
			invs, _ := agg.Invocations(turnID)
			for _, inv := range invs {
				if inv.State == invocation.StatePending {
					if _, err := gate.Approve(ctx, turnID, inv.ID); err != nil {
						return err
					}
				}
			}
		}
	}
	if err := gate.Wait(ctx); err != nil {
		return err
	}

	p := ux.NewPrinter(out)
	summary := replaySummary{}
	for _, turnID := range agg.Turns() {
		invs, err := agg.Invocations(turnID)
		if err != nil {
			return err
		}
		text, _ := agg.Text(turnID)
		p.Title("turn " + turnID)
		if text != "" {
			p.KeyValue("text", text)
		}
		for _, inv := range invs {
			summary[inv.State]++
			args, _ := json.Marshal(inv.Args)
			detail := inv.State.String()
			if inv.Result != "" {
				detail += ": " + inv.Result
			}
			p.Status(ux.StateIcon(inv.State.String()),
				fmt.Sprintf("%s/%s %s%s", turnID, inv.ID, inv.Tool, args), detail)
		}
	}
	p.KeyValue("turns", len(agg.Turns()))
	for _, st := range []invocation.State{
		invocation.StatePending, invocation.StateCompleted, invocation.StateFailed, invocation.StateRejected,
	} {
		if n := summary[st]; n > 0 {
			p.KeyValue(st.String(), n)
		}
	}
	return nil
}
