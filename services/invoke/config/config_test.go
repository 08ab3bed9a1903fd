// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 300*time.Millisecond, cfg.Classifier.LocalTimeout)
	assert.Equal(t, 5*time.Second, cfg.Classifier.CloudTimeout)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.True(t, cfg.Gate.AutoApproveLocal)
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Classifier, cfg.Classifier)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "invoke.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
classifier:
  local_timeout: 150ms
  cloud_timeout: 2s
cloud:
  provider: openai
  model: gpt-4o-mini
  api_key_env: MY_OPENAI_KEY
gate:
  auto_approve_local: false
feedback:
  in_memory: true
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 150*time.Millisecond, cfg.Classifier.LocalTimeout)
	assert.Equal(t, 2*time.Second, cfg.Classifier.CloudTimeout)
	assert.Equal(t, "openai", cfg.Cloud.Provider)
	assert.False(t, cfg.Gate.AutoApproveLocal)
	assert.True(t, cfg.Feedback.InMemory)
	// Unset keys keep defaults.
	assert.Equal(t, 1000, cfg.Classifier.CacheMaxSize)
	assert.Equal(t, 2.0, cfg.Cloud.RPS)

	t.Setenv("MY_OPENAI_KEY", "sk-from-env")
	assert.Equal(t, "sk-from-env", cfg.CloudAPIKey())
}

func TestLoad_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	_, err := Load(path)
	assert.NoError(t, err)
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown field", "server:\n  prot: 1\n"},
		{"bad port", "server:\n  port: 70000\n"},
		{"bad level", "logging:\n  level: loud\n"},
		{"zero timeout", "classifier:\n  local_timeout: 0s\n"},
		{"bad provider", "cloud:\n  provider: azure\n"},
		{"otlp without endpoint", "telemetry:\n  traces: otlp\n"},
		{"bad url", "local:\n  base_url: not a url\n"},
		{"enabled without url", "local:\n  base_url: \"\"\n"},
		{"webhook without url", "executor:\n  mode: webhook\n"},
		{"bad executor mode", "executor:\n  mode: shell\n"},
		{"malformed", "server: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "c.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o600))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvPrefix + "PORT":               "7000",
		EnvPrefix + "LOCAL_TIMEOUT":      "250ms",
		EnvPrefix + "CLOUD_RPS":          "0.5",
		EnvPrefix + "AUTO_APPROVE_LOCAL": "false",
		EnvPrefix + "OLLAMA_MODEL":       "llama3.2:1b",
		EnvPrefix + "CACHE_MAX_SIZE":     "not-a-number",
	}
	cfg := Default()
	applyEnv(&cfg, func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.Classifier.LocalTimeout)
	assert.Equal(t, 0.5, cfg.Cloud.RPS)
	assert.False(t, cfg.Gate.AutoApproveLocal)
	assert.Equal(t, "llama3.2:1b", cfg.Local.Model)
	assert.Equal(t, 1000, cfg.Classifier.CacheMaxSize, "unparseable values are ignored")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "invoke.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0o600))
	t.Setenv(EnvPrefix+"PORT", "9191")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Server.Port)
}

func TestWatch_Reloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "invoke.yaml")
	require.NoError(t, os.WriteFile(path, []byte("classifier:\n  local_timeout: 300ms\n"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	changes := make(chan Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(c Config) { changes <- c }, slog.New(slog.NewTextHandler(io.Discard, nil)))
	}()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	// Give the watcher time to register before writing.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(path, []byte("classifier:\n  local_timeout: 0s\n"), 0o600))
	time.Sleep(3 * DefaultDebounce)
	require.NoError(t, os.WriteFile(path, []byte("classifier:\n  local_timeout: 120ms\n"), 0o600))

	select {
	case c := <-changes:
		assert.Equal(t, 120*time.Millisecond, c.Classifier.LocalTimeout)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}
}
