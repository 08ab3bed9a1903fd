// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewPrinter_BufferIsPlain(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)
	assert.True(t, p.Plain())
	assert.False(t, IsTerminal(&buf))
}

func TestIsTerminal_DevNull(t *testing.T) {
	f, err := os.Open(os.DevNull)
	if err != nil {
		t.Skip("no null device")
	}
	defer f.Close()
	assert.False(t, IsTerminal(f))
}

func TestPrinter_PlainOutput(t *testing.T) {
	var buf bytes.Buffer
	p := NewPlainPrinter(&buf)

	p.Title("ignored in plain mode")
	p.Success("saved")
	p.Warning("slow")
	p.Error("broken")
	p.KeyValue("tier", 3)
	p.Status(IconSuccess, "c1", "completed")
	p.Box("Result", "ai_chat")

	want := "OK: saved\n" +
		"WARN: slow\n" +
		"ERROR: broken\n" +
		"tier=3\n" +
		"✓\tc1\tcompleted\n" +
		"Result: ai_chat\n"
	assert.Equal(t, want, buf.String())
}

func TestPrinter_StyledOutputContainsText(t *testing.T) {
	var buf bytes.Buffer
	p := &Printer{w: &buf}

	p.Title("Stats")
	p.KeyValue("accuracy", "90%")
	p.Status(IconError, "c2", "failed")

	out := buf.String()
	assert.Contains(t, out, "Stats")
	assert.Contains(t, out, "accuracy")
	assert.Contains(t, out, "(failed)")
}

func TestPrinter_Bar(t *testing.T) {
	plain := NewPlainPrinter(&bytes.Buffer{})
	assert.Equal(t, "75.0%", plain.Bar(0.75, 10))
	assert.Equal(t, "100.0%", plain.Bar(3, 10))
	assert.Equal(t, "0.0%", plain.Bar(-1, 10))

	styled := &Printer{w: &bytes.Buffer{}}
	assert.Contains(t, styled.Bar(0.5, 10), "50.0%")
}

func TestStateIcon(t *testing.T) {
	tests := map[string]Icon{
		"completed":    IconSuccess,
		"failed":       IconError,
		"rejected":     IconWarning,
		"running":      IconArrow,
		"approved":     IconArrow,
		"pending":      IconPending,
		"constructing": IconPending,
	}
	for state, want := range tests {
		assert.Equal(t, want, StateIcon(state), state)
	}
}
