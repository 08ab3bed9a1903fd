// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package classifier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExactMatchClassifier_Matches(t *testing.T) {
	c := NewExactMatchClassifier()

	tests := []struct {
		name      string
		input     string
		category  Category
		tool      string
		matchType string
	}{
		{"slash read", "/read file.txt", CategoryFileOperations, "agent_read_file", MatchSlashCommand},
		{"slash read upper", "/READ main.go", CategoryFileOperations, "agent_read_file", MatchSlashCommand},
		{"slash explore", "/explore", CategoryFileOperations, "agent_list_dir", MatchSlashCommand},
		{"slash scan", "  /scan src ", CategoryFileOperations, "agent_list_dir", MatchSlashCommand},
		{"slash find", "/find TODO", CategorySearchOperations, "agent_search", MatchSlashCommand},
		{"slash help", "/help", CategoryAIChat, "help", MatchSlashCommand},
		{"call read", `agent_read_file("main.go")`, CategoryFileOperations, "agent_read_file", MatchCallExpression},
		{"call spaced", `agent_find_definition ( "Router" )`, CategorySearchOperations, "agent_find_definition", MatchCallExpression},
		{"call empty args", "agent_list_dir()", CategoryFileOperations, "agent_list_dir", MatchCallExpression},
		{"git status", "git status", CategoryTerminalCommands, "bash", MatchExactCommand},
		{"git commit", "git commit -m 'x'", CategoryTerminalCommands, "bash", MatchExactCommand},
		{"ls bare", "ls", CategoryTerminalCommands, "bash", MatchExactCommand},
		{"ls args", "ls -la /tmp", CategoryTerminalCommands, "bash", MatchExactCommand},
		{"pwd", "pwd", CategoryTerminalCommands, "bash", MatchExactCommand},
		{"npm run", "npm run dev", CategoryTerminalCommands, "bash", MatchExactCommand},
		{"pnpm install", "pnpm install", CategoryTerminalCommands, "bash", MatchExactCommand},
		{"cargo build", "cargo build --release", CategoryTerminalCommands, "bash", MatchExactCommand},
		{"python script", "python3 main.py", CategoryTerminalCommands, "bash", MatchExactCommand},
		{"go test", "go test ./...", CategoryTerminalCommands, "bash", MatchExactCommand},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := c.Classify(tt.input)
			require.True(t, ok, "expected a Tier 1 match for %q", tt.input)
			assert.Equal(t, tt.category, got.Category)
			assert.Equal(t, tt.tool, got.Tool)
			assert.Equal(t, tt.matchType, got.MatchType)
			assert.Equal(t, ConfidenceExact, got.Confidence)
			assert.Equal(t, TierExact, got.Tier)
			assert.Equal(t, SourceLocal, got.Source)
		})
	}
}

func TestExactMatchClassifier_Misses(t *testing.T) {
	c := NewExactMatchClassifier()

	inputs := []string{
		"",
		"   ",
		"/unknown verb",
		"/",
		"read file.txt",
		"yarnball install",
		"git",
		"git gud",
		"python",
		"unknown_tool(1)",
		"agent_read_file",
		"what does git status do?",
		"读取文件",
	}
	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			got, ok := c.Classify(in)
			assert.False(t, ok)
			assert.Nil(t, got)
		})
	}
}

func TestExactMatchClassifier_Latency(t *testing.T) {
	c := NewExactMatchClassifier()
	inputs := []string{"/read a.txt", "git status", "hello there", `agent_search("x")`}

	samples := make([]time.Duration, 0, 200)
	for i := 0; i < 200; i++ {
		start := time.Now()
		c.Classify(inputs[i%len(inputs)])
		samples = append(samples, time.Since(start))
	}
	assert.Less(t, percentile(samples, 0.95), 5*time.Millisecond)
}

// percentile returns the p-th percentile of samples (nearest rank).
func percentile(samples []time.Duration, p float64) time.Duration {
	sorted := append([]time.Duration(nil), samples...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j] < sorted[j-1]; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	idx := int(p*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
