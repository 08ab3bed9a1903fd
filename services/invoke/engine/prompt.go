// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"bytes"
	"strings"
	"text/template"
	"unicode"

	"github.com/AleutianAI/AleutianInvoke/services/invoke/classifier"
)

// classificationPromptTemplate is a few-shot prompt that asks for exactly one
// category name on the first line.
const classificationPromptTemplate = `You route requests for a coding assistant.
Reply with exactly one category name from the list below and nothing else.

Categories:
{{range .Categories}}- {{.Name}}: {{.Description}}
{{end}}
Examples:
Input: 打开 main.go 看看
Output: file_operations
Input: write a function that parses ISO dates
Output: code_generation
Input: why does this loop never terminate
Output: code_analysis
Input: run the linter on the whole repo
Output: terminal_commands
Input: what is dependency injection
Output: ai_chat
Input: where is the retry policy defined
Output: search_operations
Input: thanks, that's all
Output: no_tool_needed
{{if .Input}}
Input: {{.Input}}
Output:{{end}}`

var promptTemplate = template.Must(template.New("classify").Parse(classificationPromptTemplate))

type categoryBrief struct {
	Name        string
	Description string
}

// SystemPrompt returns the instructions and examples without a trailing
// input line, for chat-style APIs that take the input as a user message.
func SystemPrompt() string {
	return renderPrompt("")
}

// BuildPrompt returns the full completion-style prompt ending in "Output:".
func BuildPrompt(input string) string {
	return renderPrompt(strings.Join(strings.Fields(input), " "))
}

func renderPrompt(input string) string {
	cats := classifier.AllCategories()
	briefs := make([]categoryBrief, len(cats))
	for i, c := range cats {
		briefs[i] = categoryBrief{Name: string(c), Description: c.Description()}
	}
	var buf bytes.Buffer
	// The template is static and its data is always well formed.
	_ = promptTemplate.Execute(&buf, struct {
		Categories []categoryBrief
		Input      string
	}{briefs, input})
	return buf.String()
}

// Certainty reported for parsed answers.
const (
	certaintyExact     = 1.0
	certaintyMultiline = 0.4
)

// ParseAnswer turns raw model output into a Result carrying the model's
// certainty in Confidence.
//
// Description:
//
//	The first non-empty line, trimmed and lower-cased, must name a category.
//	Trailing punctuation and an "Output:" echo are tolerated. A single-line
//	exact answer has certainty 1.0; extra lines reduce it to 0.4. When no
//	category can be read the constrained-context heuristic is applied with
//	certainty 0.
//
// Inputs:
//
//	text - Raw model output.
//	input - The utterance that was classified, for the heuristic.
//	matchType - Match type to report on success.
//
// Outputs:
//
//	*classifier.Result - Never nil.
func ParseAnswer(text, input, matchType string) *classifier.Result {
	lines := nonEmptyLines(text)
	if len(lines) > 0 {
		first := strings.ToLower(lines[0])
		first = strings.TrimPrefix(first, "output:")
		first = strings.TrimFunc(first, func(r rune) bool {
			return unicode.IsSpace(r) || unicode.IsPunct(r) && r != '_'
		})
		if cat, ok := classifier.ParseCategory(first); ok {
			certainty := certaintyExact
			if len(lines) > 1 {
				certainty = certaintyMultiline
			}
			return &classifier.Result{Category: cat, Confidence: certainty, MatchType: matchType}
		}
	}
	return &classifier.Result{
		Category:   classifier.HeuristicCategory(input),
		Confidence: 0,
		MatchType:  classifier.MatchHeuristic,
	}
}

func nonEmptyLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, strings.TrimSpace(line))
		}
	}
	return out
}
