// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package invocation

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Signature identifies an invocation by tool and argument content.
//
// Description:
//
//	The argument part is canonical JSON: object keys are sorted at every
//	depth and there is no insignificant whitespace, so two argument sets
//	differing only in key order or JSON formatting share a signature.
//	String values are compared exactly. Numbers compare by value after
//	decoding, so 1 and 1.0 are equal.
//
// Outputs:
//
//	string - "tool\x00{canonical json}".
func Signature(tool string, args *Args) string {
	var buf bytes.Buffer
	buf.WriteString(tool)
	buf.WriteByte(0)

	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	canonical := canonicalValue(args)
	if err := enc.Encode(canonical); err != nil {
		// Unencodable values only come from programmatic Args. fmt prints
		// maps with sorted keys, so identical inputs still collide.
		buf.Reset()
		fmt.Fprintf(&buf, "%s\x00%v", tool, canonical)
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n"))
}

// canonicalValue converts Args to plain maps, which encoding/json writes
// with sorted keys.
func canonicalValue(v any) any {
	switch t := v.(type) {
	case *Args:
		if t == nil {
			return map[string]any{}
		}
		m := make(map[string]any, len(t.keys))
		for _, k := range t.keys {
			m[k] = canonicalValue(t.values[k])
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, inner := range t {
			m[k] = canonicalValue(inner)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, inner := range t {
			s[i] = canonicalValue(inner)
		}
		return s
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}
