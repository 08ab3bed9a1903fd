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
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianInvoke/pkg/ux"
	"github.com/AleutianAI/AleutianInvoke/services/invoke/classifier"
	"github.com/AleutianAI/AleutianInvoke/services/invoke/feedback"
	"github.com/AleutianAI/AleutianInvoke/services/invoke/storage/badger"
)

func newStatsCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize recorded classification feedback",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(cmd.Context(), opts, asJSON, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the statistics as JSON")
	return cmd
}

func runStats(ctx context.Context, opts *rootOptions, asJSON bool, out io.Writer) error {
	if opts.cfg.Feedback.InMemory {
		return errors.New("feedback is configured in memory; nothing is persisted to summarize")
	}
	db, err := badger.Open(badger.DefaultConfig(opts.cfg.Feedback.Path))
	if err != nil {
		return fmt.Errorf("open feedback store: %w", err)
	}
	defer db.Close()

	ledger := feedback.NewLedger(feedback.WithStore(feedback.NewBadgerStore(db)))
	n, err := ledger.Restore(ctx)
	if err != nil {
		return err
	}
	stats := ledger.Stats()

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	p := ux.NewPrinter(out)
	p.Title("Feedback")
	p.KeyValue("records", n)
	p.KeyValue("correct", stats.CorrectCount)
	p.KeyValue("accuracy", p.Bar(stats.AccuracyRate, 20))

	p.Title("By tier")
	tiers := make([]string, 0, len(stats.ByTier))
	for tier := range stats.ByTier {
		tiers = append(tiers, tier)
	}
	sort.Strings(tiers)
	for _, tier := range tiers {
		b := stats.ByTier[tier]
		p.KeyValue(tier, fmt.Sprintf("%d/%d %s", b.Correct, b.Total, p.Bar(b.AccuracyRate, 20)))
	}

	p.Title("By category")
	for _, cat := range classifier.AllCategories() {
		b := stats.ByCategory[cat]
		if b.Total == 0 {
			continue
		}
		p.KeyValue(string(cat), fmt.Sprintf("%d/%d %s", b.Correct, b.Total, p.Bar(b.AccuracyRate, 20)))
	}
	return nil
}
