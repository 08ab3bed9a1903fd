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
	"unicode/utf8"
)

// =============================================================================
// Keyword sets
// =============================================================================

// keywordSet matches English words on word boundaries and CJK terms as
// substrings, since CJK text has no spaces to anchor on.
type keywordSet struct {
	english *regexp.Regexp
	cjk     []string
}

func keywords(cjk []string, english ...string) keywordSet {
	ks := keywordSet{cjk: cjk}
	if len(english) > 0 {
		quoted := make([]string, len(english))
		for i, w := range english {
			quoted[i] = strings.ReplaceAll(regexp.QuoteMeta(w), " ", `\s+`)
		}
		ks.english = regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
	}
	return ks
}

func (k keywordSet) match(s string) bool {
	for _, term := range k.cjk {
		if strings.Contains(s, term) {
			return true
		}
	}
	return k.english != nil && k.english.MatchString(s)
}

func cn(terms ...string) []string { return terms }

var (
	kwFind     = keywords(cn("查找", "找"), "find", "locate")
	kwProblem  = keywords(cn("错误", "问题", "异常", "报错"), "bug", "bugs", "error", "errors", "issue", "issues", "exception")
	kwCreate   = keywords(cn("新建", "创建"), "create", "new", "make")
	kwFileNoun = keywords(cn("文件", "目录", "文件夹"), "file", "files", "folder", "directory", "dir")
	kwWrite    = keywords(cn("写入", "保存"), "write", "save")
	kwRun      = keywords(cn("执行", "运行", "跑"), "run", "execute")
	kwTests    = keywords(cn("测试"), "test", "tests", "unit tests", "specs")

	kwExplain  = keywords(cn("解释"), "explain")
	kwCodeNoun = keywords(cn("代码", "函数", "方法", "这个", "这段"), "code", "function", "method", "this", "class", "snippet")

	kwDefinitional   = keywords(cn("什么是", "是什么", "怎么", "如何", "为什么"), "what is", "what's", "what are", "how to", "how do", "how does", "why", "explain")
	kwConversational = keywords(cn("你好", "谢谢", "再见"), "hi", "hello", "hey", "thanks", "thank you", "bye")

	kwSearch   = keywords(cn("查找", "搜索", "定位", "寻找", "找"), "find", "search", "locate", "look for", "grep", "where is")
	kwTerminal = keywords(cn("执行", "运行", "构建", "编译", "测试"),
		"run", "build", "compile", "test", "install", "deploy",
		"git", "npm", "yarn", "pnpm", "cargo", "pip", "python", "node")
	kwCodegen = keywords(cn("生成", "创建", "编写", "写", "重构", "优化"),
		"generate", "create", "write", "refactor", "optimize", "implement", "develop", "scaffold")
	kwAnalysis = keywords(cn("解释", "分析", "审查", "理解", "检查"),
		"explain", "analyze", "analyse", "review", "understand", "inspect", "examine", "debug")
	kwFileOps = keywords(cn("读取", "打开", "查看", "保存", "写入", "删除", "重命名", "移动", "复制", "编辑", "修改"),
		"read", "open", "view", "save", "delete", "remove", "rename", "move", "copy", "edit", "modify", "cat")

	// complexMarkers flag descriptive CJK requests that need real inference.
	complexMarkers = []string{"一下", "这段", "项目的", "原理", "架构"}

	clauseSeparators = []string{",", "，", ";", "；", "。", " then ", "然后"}
)

// maxRuleInputRunes is the longest input Tier 2 will try to classify.
const maxRuleInputRunes = 20

// =============================================================================
// Rules
// =============================================================================

type rule struct {
	name      string
	category  Category
	matchType string
	match     func(string) bool
}

func both(a, b keywordSet) func(string) bool {
	return func(s string) bool { return a.match(s) && b.match(s) }
}

// rules are evaluated in order; the first match wins. The order is part of
// the contract: compound phrases shadow their constituent keywords,
// code-specific explanation shadows generic definitional phrasing, and the
// broad file-operation verbs are checked last.
var rules = []rule{
	// Compound phrases.
	{"find_problem", CategoryCodeAnalysis, MatchCompoundPhrase, both(kwFind, kwProblem)},
	{"create_file", CategoryFileOperations, MatchCompoundPhrase, both(kwCreate, kwFileNoun)},
	{"write_file", CategoryFileOperations, MatchCompoundPhrase, both(kwWrite, kwFileNoun)},
	{"run_tests", CategoryTerminalCommands, MatchCompoundPhrase, both(kwRun, kwTests)},

	// Explain existing code.
	{"explain_code", CategoryCodeAnalysis, MatchExplainCode, both(kwExplain, kwCodeNoun)},

	// Definitional and conversational.
	{"definitional", CategoryAIChat, MatchDefinitional, kwDefinitional.match},
	{"conversational", CategoryAIChat, MatchConversational, kwConversational.match},

	// Single-keyword families.
	{"search", CategorySearchOperations, MatchKeywordSearch, kwSearch.match},
	{"terminal", CategoryTerminalCommands, MatchKeywordTerm, kwTerminal.match},
	{"code_generation", CategoryCodeGeneration, MatchKeywordCodegen, kwCodegen.match},
	{"code_analysis", CategoryCodeAnalysis, MatchKeywordAnalyze, kwAnalysis.match},
	{"file_operations", CategoryFileOperations, MatchKeywordFileOps, kwFileOps.match},
}

// =============================================================================
// RuleClassifier
// =============================================================================

// RuleClassifier is Tier 2: ordered keyword and phrase rules.
//
// Description:
//
//	Verbose, multi-clause or descriptive input is left for Tier 3 before any
//	keyword is considered. Otherwise the first matching rule wins with a
//	fixed confidence of 0.9. Pure computation, no I/O.
//
// Thread Safety: Stateless; safe for concurrent use.
type RuleClassifier struct{}

// NewRuleClassifier returns a Tier 2 classifier.
func NewRuleClassifier() *RuleClassifier {
	return &RuleClassifier{}
}

// Classify applies the rules to input.
//
// Outputs:
//
//	*Result - The first matching rule's result, nil on miss.
//	bool - True on match. Deferral to Tier 3 is reported as a miss.
func (c *RuleClassifier) Classify(input string) (*Result, bool) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" || NeedsInference(trimmed) {
		return nil, false
	}

	lower := strings.ToLower(trimmed)
	for _, r := range rules {
		if r.match(lower) {
			return &Result{
				Category:   r.category,
				Confidence: ConfidenceRule,
				Tier:       TierRule,
				Source:     SourceLocal,
				MatchType:  r.matchType,
			}, true
		}
	}
	return nil, false
}

// NeedsInference reports whether input is too long, too descriptive or has
// too many clauses for keyword rules to be trusted.
func NeedsInference(input string) bool {
	if utf8.RuneCountInString(input) > maxRuleInputRunes {
		return true
	}
	for _, m := range complexMarkers {
		if strings.Contains(input, m) {
			return true
		}
	}
	clauses := 0
	lower := strings.ToLower(input)
	for _, sep := range clauseSeparators {
		clauses += strings.Count(lower, sep)
	}
	return clauses >= 2
}
