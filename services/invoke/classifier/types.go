// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package classifier

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// Category
// =============================================================================

// Category is the capability family an utterance is routed to.
type Category string

const (
	CategoryFileOperations   Category = "file_operations"
	CategoryCodeGeneration   Category = "code_generation"
	CategoryCodeAnalysis     Category = "code_analysis"
	CategoryTerminalCommands Category = "terminal_commands"
	CategoryAIChat           Category = "ai_chat"
	CategorySearchOperations Category = "search_operations"
	CategoryNoToolNeeded     Category = "no_tool_needed"
)

// categoryDescriptions doubles as the set of valid categories and as the
// category list rendered into inference prompts. Order is prompt order.
var categoryDescriptions = []struct {
	Category    Category
	Description string
}{
	{CategoryFileOperations, "read, write, create, delete, rename or move files and directories"},
	{CategoryCodeGeneration, "generate, write, refactor or optimize code"},
	{CategoryCodeAnalysis, "explain, analyze, review or debug existing code"},
	{CategoryTerminalCommands, "run shell, build, test, package manager or version control commands"},
	{CategoryAIChat, "general questions and conversation that need no tool"},
	{CategorySearchOperations, "find or locate files, symbols, references or definitions"},
	{CategoryNoToolNeeded, "greetings, acknowledgements or empty input"},
}

// AllCategories returns every category in canonical order.
func AllCategories() []Category {
	out := make([]Category, len(categoryDescriptions))
	for i, d := range categoryDescriptions {
		out[i] = d.Category
	}
	return out
}

// Valid reports whether c is one of the seven known categories.
func (c Category) Valid() bool {
	for _, d := range categoryDescriptions {
		if d.Category == c {
			return true
		}
	}
	return false
}

// Description returns a one-line human description of c.
func (c Category) Description() string {
	for _, d := range categoryDescriptions {
		if d.Category == c {
			return d.Description
		}
	}
	return ""
}

// ParseCategory parses a category name, tolerating case and surrounding
// whitespace.
func ParseCategory(s string) (Category, bool) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", false
	}
	return c, true
}

// =============================================================================
// Tier and Source
// =============================================================================

// Tier identifies which classification strategy produced a result.
type Tier int

const (
	// TierExact is deterministic table lookup. Always confidence 1.0.
	TierExact Tier = 1

	// TierRule is ordered keyword and phrase rules. Always confidence 0.9.
	TierRule Tier = 2

	// TierInference is local model inference with cloud fallback.
	TierInference Tier = 3
)

// String returns "tier1", "tier2", "tier3" or "unknown". Used as a metric label.
func (t Tier) String() string {
	switch t {
	case TierExact:
		return "tier1"
	case TierRule:
		return "tier2"
	case TierInference:
		return "tier3"
	default:
		return "unknown"
	}
}

// Source records where a classification was computed.
type Source string

const (
	SourceLocal Source = "local"
	SourceCloud Source = "cloud"
)

// =============================================================================
// Confidence constants
// =============================================================================

const (
	// ConfidenceExact is reserved for Tier 1.
	ConfidenceExact = 1.0

	// ConfidenceRule is the fixed confidence of any Tier 2 match.
	ConfidenceRule = 0.9

	// ConfidenceLocalBase and ConfidenceLocalSpan scale a local model's
	// certainty c in [0,1] to ConfidenceLocalBase + ConfidenceLocalSpan*c.
	ConfidenceLocalBase = 0.8
	ConfidenceLocalSpan = 0.1

	// ConfidenceCloud is the fixed confidence of a cloud fallback result.
	ConfidenceCloud = 0.8

	// ConfidenceEmpty is returned for empty input at Tier 3.
	ConfidenceEmpty = 0.5
)

// Match types reported in Result.MatchType.
const (
	MatchSlashCommand   = "slash_command"
	MatchCallExpression = "call_expression"
	MatchExactCommand   = "exact_command"

	MatchCompoundPhrase = "compound_phrase"
	MatchExplainCode    = "explain_code"
	MatchDefinitional   = "definitional"
	MatchConversational = "conversational"
	MatchKeywordSearch  = "keyword_search"
	MatchKeywordTerm    = "keyword_terminal"
	MatchKeywordCodegen = "keyword_code_generation"
	MatchKeywordAnalyze = "keyword_code_analysis"
	MatchKeywordFileOps = "keyword_file_operations"

	MatchEmptyInput = "empty_input"
	MatchLocalModel = "local_model"
	MatchCloudModel = "cloud_model"
	MatchHeuristic  = "heuristic"
)

// =============================================================================
// Result
// =============================================================================

// Result is the outcome of classifying one utterance.
//
// Invariant: Confidence == 1.0 if and only if Tier == TierExact.
//
// Thread Safety: Treat as immutable once returned. Cached results are
// copied on the way in and out.
type Result struct {
	// Category is the capability family.
	Category Category `json:"category"`

	// Tool is the concrete tool, when the tier can name one.
	Tool string `json:"tool,omitempty"`

	// Confidence in [0,1].
	Confidence float64 `json:"confidence"`

	// Tier that produced the result.
	Tier Tier `json:"tier"`

	// Source is local or cloud.
	Source Source `json:"source"`

	// MatchType names the rule or path that matched.
	MatchType string `json:"match_type,omitempty"`

	// LatencyMs is wall time spent classifying, set by the Router.
	LatencyMs float64 `json:"latency_ms"`

	// FallbackReason is set when Tier 3 fell over to the cloud client.
	FallbackReason string `json:"fallback_reason,omitempty"`

	// Cached is true when the Tier 3 result was served from cache.
	Cached bool `json:"cached,omitempty"`
}

// Clone returns a copy of r. Result has no reference fields, so a value
// copy is deep.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

// String renders a compact description for logs and the CLI.
func (r *Result) String() string {
	if r == nil {
		return "<nil>"
	}
	s := fmt.Sprintf("%s tier=%d source=%s confidence=%.2f", r.Category, r.Tier, r.Source, r.Confidence)
	if r.Tool != "" {
		s += " tool=" + r.Tool
	}
	if r.FallbackReason != "" {
		s += fmt.Sprintf(" fallback_reason=%q", r.FallbackReason)
	}
	return s
}

// =============================================================================
// Collaborator interfaces
// =============================================================================

// LocalInferenceEngine is the on-device model.
//
// Classify returns the model's answer with Confidence set to the model's
// own certainty in [0,1]; the InferenceClassifier rescales it. Classify
// must return promptly once ctx is done.
type LocalInferenceEngine interface {
	IsLoaded(ctx context.Context) bool
	Classify(ctx context.Context, input string, timeout time.Duration) (*Result, error)
}

// CloudFallbackClient is the remote classifier used when local inference
// cannot complete. Only Category and Tool of the returned Result are used.
type CloudFallbackClient interface {
	Classify(ctx context.Context, input string) (*Result, error)
}
