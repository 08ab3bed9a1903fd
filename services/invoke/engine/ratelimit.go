// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"context"
	"fmt"

	"github.com/AleutianAI/AleutianInvoke/services/invoke/classifier"
	"golang.org/x/time/rate"
)

// RateLimitedClient bounds cloud spend with a token bucket.
//
// Description:
//
//	Each call waits for a token, but never past the caller's deadline. When
//	no token can be had in time the call fails with ErrCloudUnavailable
//	without touching the network.
//
// Thread Safety: This type is safe for concurrent use.
type RateLimitedClient struct {
	next    classifier.CloudFallbackClient
	limiter *rate.Limiter
}

// NewRateLimitedClient wraps next with a limiter allowing rps requests per
// second and bursts of burst.
func NewRateLimitedClient(next classifier.CloudFallbackClient, rps float64, burst int) *RateLimitedClient {
	return &RateLimitedClient{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// SetLimit changes the rate and burst for subsequent calls.
func (r *RateLimitedClient) SetLimit(rps float64, burst int) {
	r.limiter.SetLimit(rate.Limit(rps))
	r.limiter.SetBurst(burst)
}

// Classify waits for a token then delegates.
func (r *RateLimitedClient) Classify(ctx context.Context, input string) (*classifier.Result, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", classifier.ErrCloudUnavailable, err)
	}
	return r.next.Classify(ctx, input)
}
