// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianInvoke/services/invoke/classifier"
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultAnthropicModel is used when no model is configured.
const DefaultAnthropicModel = "claude-3-5-haiku-latest"

// AnthropicConfig configures the Anthropic cloud fallback.
type AnthropicConfig struct {
	APIKey  string
	Model   string
	BaseURL string // optional, for proxies and tests
}

// AnthropicClient implements classifier.CloudFallbackClient with the
// Messages API.
//
// Thread Safety: This type is safe for concurrent use.
type AnthropicClient struct {
	client anthropic.Client
	model  string
}

// NewAnthropicClient creates a cloud client.
//
// Outputs:
//
//	*AnthropicClient - Ready to use.
//	error - If the API key is empty.
func NewAnthropicClient(cfg AnthropicConfig) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultAnthropicModel
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicClient{
		client: anthropic.NewClient(opts...),
		model:  cfg.Model,
	}, nil
}

// Classify asks Claude for a category.
func (a *AnthropicClient) Classify(ctx context.Context, input string) (*classifier.Result, error) {
	ctx, span := tracer.Start(ctx, "AnthropicClient.Classify")
	defer span.End()
	span.SetAttributes(attribute.String("model", a.model))

	message, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: 16,
		System: []anthropic.TextBlockParam{
			{Text: SystemPrompt()},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(input)),
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "anthropic call failed")
		return nil, fmt.Errorf("anthropic API error: %w", err)
	}

	for _, block := range message.Content {
		if block.Type == "text" {
			return ParseAnswer(block.Text, input, classifier.MatchCloudModel), nil
		}
	}
	return nil, errors.New("no text content in anthropic response")
}
