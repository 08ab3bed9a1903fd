// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package invocation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArgs_KeepsDocumentOrder(t *testing.T) {
	a, err := ParseArgs([]byte(`{"zeta": 1, "alpha": {"b": 2, "a": 1}, "mid": [1, "x"]}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, a.Keys())

	out, err := json.Marshal(a)
	require.NoError(t, err)
	assert.Equal(t, `{"zeta":1,"alpha":{"a":1,"b":2},"mid":[1,"x"]}`, string(out))
}

func TestParseArgs_RepeatedKey(t *testing.T) {
	a, err := ParseArgs([]byte(`{"k": 1, "other": true, "k": 2}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"k", "other"}, a.Keys())
	v, _ := a.Get("k")
	assert.Equal(t, float64(2), v)
}

func TestParseArgs_Rejects(t *testing.T) {
	for _, in := range []string{`[]`, `"x"`, `{"a":}`, ``} {
		_, err := ParseArgs([]byte(in))
		assert.Error(t, err, in)
	}
}

func TestArgs_MergeLastWriteWins(t *testing.T) {
	a := NewArgs("path", "a.txt", "mode", 1)
	a.Merge(NewArgs("mode", 2, "content", "hi"))
	a.Merge(nil)

	assert.Equal(t, []string{"path", "mode", "content"}, a.Keys())
	v, _ := a.Get("mode")
	assert.Equal(t, 2, v)
	assert.Equal(t, 3, a.Len())
}

func TestArgs_CloneIsDeep(t *testing.T) {
	nested := map[string]any{"x": []any{"a"}}
	a := NewArgs("opts", nested)
	c := a.Clone()

	nested["x"].([]any)[0] = "changed"
	nested["y"] = true

	v, _ := c.Get("opts")
	assert.Equal(t, map[string]any{"x": []any{"a"}}, v)
}

func TestArgs_NilSafe(t *testing.T) {
	var a *Args
	assert.Equal(t, 0, a.Len())
	assert.Nil(t, a.Keys())
	_, ok := a.Get("x")
	assert.False(t, ok)
	assert.Equal(t, 0, a.Clone().Len())
	out, err := a.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, "{}", string(out))
}

func TestSignature(t *testing.T) {
	parse := func(s string) *Args {
		a, err := ParseArgs([]byte(s))
		require.NoError(t, err)
		return a
	}
	base := Signature("agent_write_file", parse(`{"path":"a.txt","content":"hi"}`))

	tests := []struct {
		name  string
		tool  string
		args  *Args
		equal bool
	}{
		{"key order", "agent_write_file", parse(`{"content":"hi","path":"a.txt"}`), true},
		{"json whitespace", "agent_write_file", parse("{ \"path\" :\n \"a.txt\", \"content\": \"hi\" }"), true},
		{"programmatic", "agent_write_file", NewArgs("content", "hi", "path", "a.txt"), true},
		{"string contents differ", "agent_write_file", parse(`{"path":"a.txt","content":"hi "}`), false},
		{"other tool", "agent_create_file", parse(`{"path":"a.txt","content":"hi"}`), false},
		{"extra key", "agent_write_file", parse(`{"path":"a.txt","content":"hi","mode":1}`), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Signature(tt.tool, tt.args)
			if tt.equal {
				assert.Equal(t, base, got)
			} else {
				assert.NotEqual(t, base, got)
			}
		})
	}
}

func TestSignature_NestedAndNumeric(t *testing.T) {
	a, err := ParseArgs([]byte(`{"opts":{"b":1,"a":[{"y":1,"x":2}]}}`))
	require.NoError(t, err)
	b, err := ParseArgs([]byte(`{"opts":{"a":[{"x":2.0,"y":1}],"b":1.0}}`))
	require.NoError(t, err)
	assert.Equal(t, Signature("t", a), Signature("t", b))
	assert.Equal(t, Signature("t", NewArgs("n", 1)), Signature("t", NewArgs("n", 1.0)))
	assert.Equal(t, Signature("t", nil), Signature("t", &Args{}))
}

func TestStateMachine(t *testing.T) {
	allowed := [][2]State{
		{StateConstructing, StatePending},
		{StateConstructing, StateRejected},
		{StatePending, StateApproved},
		{StatePending, StateRejected},
		{StateApproved, StateRunning},
		{StateRunning, StateCompleted},
		{StateRunning, StateFailed},
	}
	for _, e := range allowed {
		assert.True(t, CanTransition(e[0], e[1]), "%s -> %s", e[0], e[1])
		assert.NoError(t, checkTransition(e[0], e[1]))
	}

	assert.False(t, CanTransition(StateConstructing, StateApproved))
	assert.False(t, CanTransition(StatePending, StateRunning))
	assert.False(t, CanTransition(StateRunning, StateRejected))
	assert.ErrorIs(t, checkTransition(StateConstructing, StateApproved), ErrInvalidTransition)

	for _, terminal := range []State{StateCompleted, StateFailed, StateRejected} {
		assert.True(t, terminal.Terminal())
		for s := StateConstructing; s <= StateRejected; s++ {
			assert.False(t, CanTransition(terminal, s), "%s -> %s", terminal, s)
		}
	}
}

func TestState_Text(t *testing.T) {
	b, err := StatePending.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "pending", string(b))

	var s State
	require.NoError(t, s.UnmarshalText([]byte("rejected")))
	assert.Equal(t, StateRejected, s)
	assert.Error(t, s.UnmarshalText([]byte("bogus")))
	assert.Equal(t, "state(42)", State(42).String())
}

func TestFragment_Validate(t *testing.T) {
	assert.NoError(t, TextDelta("x").Validate())
	assert.NoError(t, InvocationStart("", "bash", false).Validate())
	assert.NoError(t, InvocationEnd("a", nil).Validate())
	assert.ErrorIs(t, InvocationStart("a", "", false).Validate(), ErrMalformedFragment)
	assert.ErrorIs(t, InvocationArgDelta("a", nil).Validate(), ErrMalformedFragment)
	assert.ErrorIs(t, Fragment{Kind: "bogus"}.Validate(), ErrMalformedFragment)
}

func TestFragment_JSON(t *testing.T) {
	var f Fragment
	require.NoError(t, json.Unmarshal([]byte(
		`{"kind":"invocation_arg_delta","provisional_id":"c1","args":{"b":1,"a":2}}`), &f))
	assert.Equal(t, KindInvocationArgDelta, f.Kind)
	assert.Equal(t, []string{"b", "a"}, f.Args.Keys())
}
