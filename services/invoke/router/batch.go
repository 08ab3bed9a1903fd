// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package router

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianInvoke/services/invoke/classifier"
)

// DefaultBatchConcurrency bounds how many inputs of one batch are classified
// at once.
const DefaultBatchConcurrency = 4

// BatchItem is the outcome for one input of a batch.
type BatchItem struct {
	Input  string
	Result *classifier.Result
	Err    error
}

// BatchResult holds per-input outcomes in input order.
type BatchResult struct {
	Items          []BatchItem
	TotalLatencyMs float64
}

// Failed counts items whose classification failed.
func (b *BatchResult) Failed() int {
	n := 0
	for _, it := range b.Items {
		if it.Err != nil {
			n++
		}
	}
	return n
}

// ClassifyBatch classifies several independent inputs.
//
// Description:
//
//	Each input goes through Classify exactly as a single call would, so
//	tier precedence and telemetry are per input. Inputs run concurrently,
//	at most WithBatchConcurrency at a time. A failed input is reported in
//	its BatchItem and does not affect the others.
//
// Inputs:
//
//	ctx - Bounds the whole batch.
//	inputs - Utterances to classify. May be empty.
//
// Outputs:
//
//	*BatchResult - One item per input, same order.
//	error - ctx.Err() if the caller gave up before every input finished.
//
// Thread Safety: This method is safe for concurrent use.
func (r *Router) ClassifyBatch(ctx context.Context, inputs []string) (*BatchResult, error) {
	ctx, span := otel.Tracer("router").Start(ctx, "router.Router.ClassifyBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("batch_size", len(inputs)))

	start := r.now()
	out := &BatchResult{Items: make([]BatchItem, len(inputs))}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.batchConcurrency)
	for i, input := range inputs {
		out.Items[i].Input = input
		g.Go(func() error {
			res, err := r.Classify(gctx, input)
			out.Items[i].Result = res
			out.Items[i].Err = err
			return nil
		})
	}
	_ = g.Wait()

	out.TotalLatencyMs = msSince(r.now(), start)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("failed", out.Failed()))
	return out, nil
}
