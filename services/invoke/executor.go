// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package invoke

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/AleutianInvoke/services/invoke/config"
	"github.com/AleutianAI/AleutianInvoke/services/invoke/invocation"
)

// maxWebhookResponse caps how much of a webhook reply is read.
const maxWebhookResponse = 1 << 20

// DryRunExecutor reports what would have run without running it.
type DryRunExecutor struct{}

// Execute returns a description of the call and success.
func (DryRunExecutor) Execute(_ context.Context, tool string, args *invocation.Args) (string, bool) {
	body, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("dry-run: %s: %v", tool, err), false
	}
	return fmt.Sprintf("dry-run: %s %s", tool, body), true
}

// webhookCall is the body POSTed to the webhook.
type webhookCall struct {
	Tool string           `json:"tool"`
	Args *invocation.Args `json:"args"`
}

// webhookReply is the expected response body.
type webhookReply struct {
	Result  string `json:"result"`
	Success bool   `json:"success"`
}

// WebhookExecutor hands approved invocations to an external HTTP endpoint.
//
// Description:
//
//	POSTs {"tool", "args"} and expects {"result", "success"} back. Transport
//	errors, non-2xx statuses and undecodable replies count as failures with
//	the error text as the result. Cancellation of the turn aborts the
//	request.
//
// Thread Safety: This type is safe for concurrent use.
type WebhookExecutor struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewWebhookExecutor creates an executor posting to url.
func NewWebhookExecutor(url string, timeout time.Duration, logger *slog.Logger) *WebhookExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookExecutor{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Execute implements invocation.Executor.
func (w *WebhookExecutor) Execute(ctx context.Context, tool string, args *invocation.Args) (string, bool) {
	body, err := json.Marshal(webhookCall{Tool: tool, Args: args})
	if err != nil {
		return fmt.Sprintf("encode call: %v", err), false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Sprintf("build request: %v", err), false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "cancelled", false
		}
		w.logger.Warn("webhook executor request failed",
			slog.String("tool", tool),
			slog.String("error", err.Error()))
		return fmt.Sprintf("webhook: %v", err), false
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookResponse))
	if err != nil {
		return fmt.Sprintf("read reply: %v", err), false
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Sprintf("webhook returned %d: %s", resp.StatusCode, bytes.TrimSpace(raw)), false
	}
	var reply webhookReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return fmt.Sprintf("decode reply: %v", err), false
	}
	return reply.Result, reply.Success
}

// newExecutor builds the executor named by cfg.
func newExecutor(cfg config.ExecutorConfig, logger *slog.Logger) (invocation.Executor, error) {
	switch cfg.Mode {
	case "", "dry_run":
		return DryRunExecutor{}, nil
	case "webhook":
		return NewWebhookExecutor(cfg.URL, cfg.Timeout, logger), nil
	default:
		return nil, fmt.Errorf("unknown executor mode %q", cfg.Mode)
	}
}
