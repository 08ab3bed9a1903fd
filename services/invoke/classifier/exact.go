// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package classifier

import (
	"regexp"
	"strings"
)

// =============================================================================
// Tier 1 tables
// =============================================================================

type toolRoute struct {
	Tool     string
	Category Category
}

// slashCommands maps a leading command marker plus verb to a fixed tool.
var slashCommands = map[string]toolRoute{
	"/read":    {"agent_read_file", CategoryFileOperations},
	"/explore": {"agent_list_dir", CategoryFileOperations},
	"/list":    {"agent_list_dir", CategoryFileOperations},
	"/scan":    {"agent_list_dir", CategoryFileOperations},
	"/search":  {"agent_search", CategorySearchOperations},
	"/find":    {"agent_search", CategorySearchOperations},
	"/help":    {"help", CategoryAIChat},
}

// capabilities are the tool names that may be invoked directly in call form,
// e.g. agent_read_file("main.go").
var capabilities = map[string]Category{
	"agent_read_file":       CategoryFileOperations,
	"agent_list_dir":        CategoryFileOperations,
	"agent_write_file":      CategoryFileOperations,
	"agent_create_file":     CategoryFileOperations,
	"agent_delete_file":     CategoryFileOperations,
	"agent_rename_file":     CategoryFileOperations,
	"agent_search":          CategorySearchOperations,
	"agent_find_references": CategorySearchOperations,
	"agent_find_definition": CategorySearchOperations,
}

// immediateCommands match with or without arguments.
var immediateCommands = map[string]bool{
	"ls": true, "pwd": true, "cd": true, "clear": true, "exit": true, "env": true,
}

var (
	packageManagerVerbs = set("run", "test", "install", "i", "start", "build", "add", "remove",
		"uninstall", "init", "ci", "update", "exec", "dlx", "publish", "audit")

	// subcommandFamilies require a recognised subcommand after the program.
	subcommandFamilies = map[string]map[string]bool{
		"git": set("status", "log", "diff", "add", "commit", "push", "pull", "branch",
			"checkout", "merge", "stash", "reset", "rm", "mv", "clone", "fetch", "rebase", "tag", "show", "init"),
		"npm":  packageManagerVerbs,
		"yarn": packageManagerVerbs,
		"pnpm": packageManagerVerbs,
		"cargo": set("build", "test", "run", "check", "clean", "doc", "bench", "publish",
			"install", "update", "fmt", "clippy", "new", "add"),
		"go": set("build", "test", "run", "vet", "fmt", "mod", "get", "install", "generate"),
	}

	// interpreterCommands require at least one argument.
	interpreterCommands = set("node", "python", "python3", "pip", "pip3")

	callExpression = regexp.MustCompile(`(?s)^([A-Za-z_][A-Za-z0-9_]*)\s*\((.*)\)\s*;?$`)
)

const terminalTool = "bash"

func set(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

// =============================================================================
// ExactMatchClassifier
// =============================================================================

// ExactMatchClassifier is Tier 1: deterministic table lookup, no I/O.
//
// Description:
//
//	Recognizes, in priority order:
//	  1. A leading "/" plus a known verb ("/read file.txt").
//	  2. A call-like invocation of a known capability ("agent_search(\"foo\")").
//	  3. A shell, VCS or package-manager command prefix ("git status").
//	Every match has confidence 1.0. Anything else is a miss.
//
// Thread Safety: Stateless; safe for concurrent use.
type ExactMatchClassifier struct{}

// NewExactMatchClassifier returns a Tier 1 classifier.
func NewExactMatchClassifier() *ExactMatchClassifier {
	return &ExactMatchClassifier{}
}

// Classify looks input up in the Tier 1 tables.
//
// Outputs:
//
//	*Result - The match, nil on miss.
//	bool - True on match. A miss is not an error.
func (c *ExactMatchClassifier) Classify(input string) (*Result, bool) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return nil, false
	}

	if strings.HasPrefix(trimmed, "/") {
		verb := strings.ToLower(firstField(trimmed))
		if route, ok := slashCommands[verb]; ok {
			return exactResult(route.Category, route.Tool, MatchSlashCommand), true
		}
		return nil, false
	}

	if m := callExpression.FindStringSubmatch(trimmed); m != nil {
		name := strings.ToLower(m[1])
		if category, ok := capabilities[name]; ok {
			return exactResult(category, name, MatchCallExpression), true
		}
	}

	if isCommandPrefix(trimmed) {
		return exactResult(CategoryTerminalCommands, terminalTool, MatchExactCommand), true
	}
	return nil, false
}

// isCommandPrefix reports whether input starts with a recognised command.
// Matching is per whitespace-separated word, so "yarnball" is not "yarn".
func isCommandPrefix(input string) bool {
	fields := strings.Fields(input)
	if len(fields) == 0 {
		return false
	}
	program := strings.ToLower(fields[0])

	if immediateCommands[program] {
		return true
	}
	if verbs, ok := subcommandFamilies[program]; ok {
		return len(fields) > 1 && verbs[strings.ToLower(fields[1])]
	}
	if interpreterCommands[program] {
		return len(fields) > 1
	}
	return false
}

func firstField(s string) string {
	if i := strings.IndexFunc(s, isSpace); i >= 0 {
		return s[:i]
	}
	return s
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '　'
}

func exactResult(category Category, tool, matchType string) *Result {
	return &Result{
		Category:   category,
		Tool:       tool,
		Confidence: ConfidenceExact,
		Tier:       TierExact,
		Source:     SourceLocal,
		MatchType:  matchType,
	}
}
