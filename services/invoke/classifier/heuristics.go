// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package classifier

import "strings"

var (
	heuristicFileNouns = keywords(cn("文件", "文档", "目录", "文件夹"),
		"file", "files", "document", "documents", "doc", "docs", "folder", "directory", "path")
	heuristicProblemNouns = keywords(cn("错误", "问题", "异常", "报错", "崩溃", "故障"),
		"bug", "bugs", "error", "errors", "problem", "problems", "issue", "issues", "crash", "exception", "panic", "failure")
)

// HeuristicCategory picks a category when a model answer cannot be used.
//
// Description:
//
//	Biases toward file_operations on file or document nouns, then
//	code_analysis on problem nouns, and otherwise ai_chat. Used by inference
//	engines when model output does not name a category.
//
// Inputs:
//
//	input - The user utterance.
//
// Outputs:
//
//	Category - Never empty.
func HeuristicCategory(input string) Category {
	lower := strings.ToLower(input)
	switch {
	case heuristicFileNouns.match(lower):
		return CategoryFileOperations
	case heuristicProblemNouns.match(lower):
		return CategoryCodeAnalysis
	default:
		return CategoryAIChat
	}
}
