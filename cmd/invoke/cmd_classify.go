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
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianInvoke/pkg/logging"
	"github.com/AleutianAI/AleutianInvoke/pkg/ux"
	"github.com/AleutianAI/AleutianInvoke/services/invoke"
	"github.com/AleutianAI/AleutianInvoke/services/invoke/classifier"
)

func newClassifyCmd(opts *rootOptions) *cobra.Command {
	var asJSON, batch bool
	cmd := &cobra.Command{
		Use:   "classify <text...>",
		Short: "Classify one utterance and print the routing decision",
		Long: `classify routes the arguments, joined by spaces, as one utterance.
With --batch every argument is a separate utterance and the results are
printed in argument order.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if batch {
				return runClassifyBatch(cmd.Context(), opts, args, asJSON, cmd.OutOrStdout())
			}
			return runClassify(cmd.Context(), opts, strings.Join(args, " "), asJSON, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	cmd.Flags().BoolVar(&batch, "batch", false, "classify each argument as its own utterance")
	return cmd
}

// newOneShotService builds a service for a single CLI invocation: nothing
// is persisted and only warnings reach the console.
func newOneShotService(ctx context.Context, opts *rootOptions) (*invoke.Service, func(), error) {
	cfg := opts.cfg
	cfg.Feedback.InMemory = true
	logger := logging.New(logging.Config{Level: logging.LevelWarn, Service: "invoke"})

	svc, err := invoke.New(ctx, cfg, invoke.WithLogger(logger))
	if err != nil {
		logger.Close()
		return nil, nil, err
	}
	return svc, func() {
		svc.Close()
		logger.Close()
	}, nil
}

func runClassify(ctx context.Context, opts *rootOptions, input string, asJSON bool, out io.Writer) error {
	svc, done, err := newOneShotService(ctx, opts)
	if err != nil {
		return err
	}
	defer done()

	res, err := svc.Router().Classify(ctx, input)
	if err != nil {
		return err
	}
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	printResult(ux.NewPrinter(out), res)
	return nil
}

func printResult(p *ux.Printer, res *classifier.Result) {
	p.Title("Classification")
	p.KeyValue("category", res.Category)
	if res.Tool != "" {
		p.KeyValue("tool", res.Tool)
	}
	p.KeyValue("tier", res.Tier)
	p.KeyValue("source", res.Source)
	p.KeyValue("confidence", fmt.Sprintf("%.2f", res.Confidence))
	if res.MatchType != "" {
		p.KeyValue("match", res.MatchType)
	}
	p.KeyValue("latency_ms", fmt.Sprintf("%.2f", res.LatencyMs))
	if res.FallbackReason != "" {
		p.Warning("fell back to cloud: " + res.FallbackReason)
	}
}

type batchOutput struct {
	Results        []batchOutputItem `json:"results"`
	TotalLatencyMs float64           `json:"total_latency_ms"`
}

type batchOutputItem struct {
	Input  string             `json:"input"`
	Result *classifier.Result `json:"result,omitempty"`
	Error  string             `json:"error,omitempty"`
}

func runClassifyBatch(ctx context.Context, opts *rootOptions, inputs []string, asJSON bool, out io.Writer) error {
	svc, done, err := newOneShotService(ctx, opts)
	if err != nil {
		return err
	}
	defer done()

	batch, err := svc.Router().ClassifyBatch(ctx, inputs)
	if err != nil {
		return err
	}

	if asJSON {
		doc := batchOutput{
			Results:        make([]batchOutputItem, len(batch.Items)),
			TotalLatencyMs: batch.TotalLatencyMs,
		}
		for i, it := range batch.Items {
			doc.Results[i] = batchOutputItem{Input: it.Input, Result: it.Result}
			if it.Err != nil {
				doc.Results[i].Error = it.Err.Error()
			}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	}

	p := ux.NewPrinter(out)
	p.Title("Batch classification")
	for _, it := range batch.Items {
		if it.Err != nil {
			p.Status(ux.IconError, it.Input, it.Err.Error())
			continue
		}
		detail := fmt.Sprintf("%s %s %.2f", it.Result.Category, it.Result.Tier, it.Result.Confidence)
		if it.Result.Tool != "" {
			detail += " tool=" + it.Result.Tool
		}
		p.Status(ux.IconSuccess, it.Input, detail)
	}
	p.KeyValue("total_latency_ms", fmt.Sprintf("%.2f", batch.TotalLatencyMs))
	if n := batch.Failed(); n > 0 {
		return fmt.Errorf("%d of %d inputs could not be routed", n, len(batch.Items))
	}
	return nil
}
