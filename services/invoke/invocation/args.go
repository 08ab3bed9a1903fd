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
	"errors"
	"fmt"
)

// Args is an insertion-ordered argument map.
//
// Keys keep the position of their first insertion; a later Set replaces
// the value in place. The zero value is ready to use. Args is not safe for
// concurrent mutation; the Aggregator only mutates it under a turn lock
// and hands out clones.
type Args struct {
	keys   []string
	values map[string]any
}

// NewArgs builds Args from alternating key, value pairs.
//
// NewArgs("path", "a.txt", "mode", 0644) panics on an odd count or a
// non-string key. It is meant for literals in code and tests.
func NewArgs(kv ...any) *Args {
	if len(kv)%2 != 0 {
		panic("invocation.NewArgs: odd number of arguments")
	}
	a := &Args{}
	for i := 0; i < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			panic(fmt.Sprintf("invocation.NewArgs: key %v is not a string", kv[i]))
		}
		a.Set(k, kv[i+1])
	}
	return a
}

// Set stores v under k.
func (a *Args) Set(k string, v any) {
	if a.values == nil {
		a.values = make(map[string]any)
	}
	if _, ok := a.values[k]; !ok {
		a.keys = append(a.keys, k)
	}
	a.values[k] = v
}

// Get returns the value under k.
func (a *Args) Get(k string) (any, bool) {
	if a == nil {
		return nil, false
	}
	v, ok := a.values[k]
	return v, ok
}

// Keys returns keys in insertion order.
func (a *Args) Keys() []string {
	if a == nil {
		return nil
	}
	out := make([]string, len(a.keys))
	copy(out, a.keys)
	return out
}

// Len returns the number of keys.
func (a *Args) Len() int {
	if a == nil {
		return 0
	}
	return len(a.keys)
}

// Merge applies other over a, last write wins per key.
func (a *Args) Merge(other *Args) {
	if other == nil {
		return
	}
	for _, k := range other.keys {
		a.Set(k, cloneValue(other.values[k]))
	}
}

// Clone returns a deep copy.
func (a *Args) Clone() *Args {
	out := &Args{}
	if a == nil {
		return out
	}
	out.Merge(a)
	return out
}

// Map returns a deep copy as a plain map.
func (a *Args) Map() map[string]any {
	out := make(map[string]any, a.Len())
	if a == nil {
		return out
	}
	for _, k := range a.keys {
		out[k] = cloneValue(a.values[k])
	}
	return out
}

// MarshalJSON writes keys in insertion order.
func (a *Args) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	if a != nil {
		for i, k := range a.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := json.Marshal(a.values[k])
			if err != nil {
				return nil, fmt.Errorf("marshal arg %q: %w", k, err)
			}
			buf.Write(vb)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object, keeping document key order. A
// repeated key keeps its first position and its last value.
func (a *Args) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return errors.New("args must be a JSON object")
	}
	a.keys = nil
	a.values = nil
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		k, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected args key %v", tok)
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("decode arg %q: %w", k, err)
		}
		a.Set(k, v)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}

// ParseArgs decodes a JSON object into Args.
func ParseArgs(data []byte) (*Args, error) {
	a := &Args{}
	if err := a.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return a, nil
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, inner := range t {
			m[k] = cloneValue(inner)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, inner := range t {
			s[i] = cloneValue(inner)
		}
		return s
	case *Args:
		return t.Clone()
	default:
		return v
	}
}
