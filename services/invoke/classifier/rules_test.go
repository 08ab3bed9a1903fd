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

func TestRuleClassifier_Matches(t *testing.T) {
	c := NewRuleClassifier()

	tests := []struct {
		name      string
		input     string
		category  Category
		matchType string
	}{
		{"cjk read file", "读取文件", CategoryFileOperations, MatchKeywordFileOps},
		{"cjk delete", "删除这个", CategoryFileOperations, MatchKeywordFileOps},
		{"find bug compound", "find bug in parser", CategoryCodeAnalysis, MatchCompoundPhrase},
		{"cjk find error", "查找错误", CategoryCodeAnalysis, MatchCompoundPhrase},
		{"create file compound", "create a new file", CategoryFileOperations, MatchCompoundPhrase},
		{"cjk new dir", "新建目录", CategoryFileOperations, MatchCompoundPhrase},
		{"write file compound", "write to the file", CategoryFileOperations, MatchCompoundPhrase},
		{"run tests compound", "run the tests", CategoryTerminalCommands, MatchCompoundPhrase},
		{"explain code", "explain this code", CategoryCodeAnalysis, MatchExplainCode},
		{"explain generic", "explain closures", CategoryAIChat, MatchDefinitional},
		{"what is", "what is a monad?", CategoryAIChat, MatchDefinitional},
		{"cjk why", "为什么会这样", CategoryAIChat, MatchDefinitional},
		{"greeting", "hello", CategoryAIChat, MatchConversational},
		{"search", "search for Router", CategorySearchOperations, MatchKeywordSearch},
		{"cjk search", "搜索配置", CategorySearchOperations, MatchKeywordSearch},
		{"build", "build the project", CategoryTerminalCommands, MatchKeywordTerm},
		{"cjk compile", "编译", CategoryTerminalCommands, MatchKeywordTerm},
		{"generate", "generate a parser", CategoryCodeGeneration, MatchKeywordCodegen},
		{"cjk refactor", "重构模块", CategoryCodeGeneration, MatchKeywordCodegen},
		{"cjk write class", "写一个类", CategoryCodeGeneration, MatchKeywordCodegen},
		{"cjk write file compound", "写入文件", CategoryFileOperations, MatchCompoundPhrase},
		{"review", "review my change", CategoryCodeAnalysis, MatchKeywordAnalyze},
		{"open", "open main.go", CategoryFileOperations, MatchKeywordFileOps},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := c.Classify(tt.input)
			require.True(t, ok, "expected a Tier 2 match for %q", tt.input)
			assert.Equal(t, tt.category, got.Category)
			assert.Equal(t, tt.matchType, got.MatchType)
			assert.Equal(t, ConfidenceRule, got.Confidence)
			assert.Equal(t, TierRule, got.Tier)
			assert.Equal(t, SourceLocal, got.Source)
		})
	}
}

func TestRuleClassifier_CompoundBeatsConstituent(t *testing.T) {
	c := NewRuleClassifier()

	plain, ok := c.Classify("find Router")
	require.True(t, ok)
	assert.Equal(t, CategorySearchOperations, plain.Category)

	compound, ok := c.Classify("find the bug")
	require.True(t, ok)
	assert.Equal(t, CategoryCodeAnalysis, compound.Category)
}

func TestRuleClassifier_DefersToInference(t *testing.T) {
	c := NewRuleClassifier()

	inputs := []string{
		"please read the configuration file and summarize it",
		"帮我看一下",
		"这段代码",
		"项目的依赖",
		"read a, edit b, save c",
	}
	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			assert.True(t, NeedsInference(in))
			_, ok := c.Classify(in)
			assert.False(t, ok)
		})
	}
}

func TestRuleClassifier_WordBoundaries(t *testing.T) {
	c := NewRuleClassifier()

	// "thread" contains "read"; "reopened" contains "open".
	for _, in := range []string{"thread pools", "reopened"} {
		_, ok := c.Classify(in)
		assert.False(t, ok, "%q should not match a keyword inside a word", in)
	}
}

func TestRuleClassifier_Misses(t *testing.T) {
	c := NewRuleClassifier()
	for _, in := range []string{"", "  ", "banana", "42"} {
		_, ok := c.Classify(in)
		assert.False(t, ok, in)
	}
}

func TestRuleClassifier_Latency(t *testing.T) {
	c := NewRuleClassifier()
	inputs := []string{"读取文件", "find the bug", "banana", "explain this code", "a much longer sentence that defers"}

	samples := make([]time.Duration, 0, 200)
	for i := 0; i < 200; i++ {
		start := time.Now()
		c.Classify(inputs[i%len(inputs)])
		samples = append(samples, time.Since(start))
	}
	assert.Less(t, percentile(samples, 0.95), 20*time.Millisecond)
}

func TestHeuristicCategory(t *testing.T) {
	tests := []struct {
		input string
		want  Category
	}{
		{"summarize the design document", CategoryFileOperations},
		{"这个文件里有什么", CategoryFileOperations},
		{"why does it crash on startup", CategoryCodeAnalysis},
		{"程序报错了", CategoryCodeAnalysis},
		{"tell me a story", CategoryAIChat},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, HeuristicCategory(tt.input))
		})
	}
}

func TestParseCategory(t *testing.T) {
	c, ok := ParseCategory("  Code_Analysis ")
	require.True(t, ok)
	assert.Equal(t, CategoryCodeAnalysis, c)

	_, ok = ParseCategory("weather")
	assert.False(t, ok)

	assert.Len(t, AllCategories(), 7)
	for _, cat := range AllCategories() {
		assert.NotEmpty(t, cat.Description(), cat)
	}
}
