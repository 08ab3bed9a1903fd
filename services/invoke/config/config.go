// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the service configuration from YAML, applies
// ALEUTIAN_INVOKE_* environment overrides and validates the result.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ALEUTIAN_INVOKE_"

// Config is the full service configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Local      LocalConfig      `yaml:"local"`
	Cloud      CloudConfig      `yaml:"cloud"`
	Gate       GateConfig       `yaml:"gate"`
	Executor   ExecutorConfig   `yaml:"executor"`
	Feedback   FeedbackConfig   `yaml:"feedback"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port" validate:"gte=1,lte=65535"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// ClassifierConfig configures Tier 3.
type ClassifierConfig struct {
	LocalTimeout time.Duration `yaml:"local_timeout" validate:"gt=0"`
	CloudTimeout time.Duration `yaml:"cloud_timeout" validate:"gt=0"`
	CacheTTL     time.Duration `yaml:"cache_ttl" validate:"gte=0"`
	CacheMaxSize int           `yaml:"cache_max_size" validate:"gte=0"`
}

// LocalConfig configures the on-device engine.
type LocalConfig struct {
	Enabled   bool          `yaml:"enabled"`
	BaseURL   string        `yaml:"base_url" validate:"omitempty,url"`
	Model     string        `yaml:"model" validate:"required_if=Enabled true"`
	LoadedTTL time.Duration `yaml:"loaded_ttl" validate:"gte=0"`
}

// CloudConfig configures the cloud fallback.
type CloudConfig struct {
	Provider string `yaml:"provider" validate:"oneof=anthropic openai none"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url" validate:"omitempty,url"`

	// APIKeyEnv names the environment variable holding the key. Keys are
	// never read from the file.
	APIKeyEnv string  `yaml:"api_key_env"`
	RPS       float64 `yaml:"rps" validate:"gt=0"`
	Burst     int     `yaml:"burst" validate:"gte=1"`
}

// GateConfig configures the approval gate.
type GateConfig struct {
	// AutoApproveLocal lets locally sourced invocations skip human
	// approval. Subject to policy review.
	AutoApproveLocal bool `yaml:"auto_approve_local"`

	// TurnWideDedup also collapses repeats of completed invocations.
	TurnWideDedup bool `yaml:"turn_wide_dedup"`
}

// ExecutorConfig selects what runs approved invocations. "dry_run" echoes
// the call back as its result; "webhook" POSTs it to URL.
type ExecutorConfig struct {
	Mode    string        `yaml:"mode" validate:"oneof=dry_run webhook"`
	URL     string        `yaml:"url" validate:"omitempty,url"`
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
}

// FeedbackConfig configures feedback persistence.
type FeedbackConfig struct {
	Path     string `yaml:"path" validate:"required_unless=InMemory true"`
	InMemory bool   `yaml:"in_memory"`
}

// TelemetryConfig configures tracing and metrics export.
type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name" validate:"required"`
	Traces       string `yaml:"traces" validate:"oneof=none stdout otlp"`
	OTLPEndpoint string `yaml:"otlp_endpoint" validate:"required_if=Traces otlp"`
	Metrics      string `yaml:"metrics" validate:"oneof=none stdout prometheus"`
}

// Default returns the built-in configuration.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Server:  ServerConfig{Host: "0.0.0.0", Port: 8080},
		Logging: LoggingConfig{Level: "info"},
		Classifier: ClassifierConfig{
			LocalTimeout: 300 * time.Millisecond,
			CloudTimeout: 5 * time.Second,
			CacheTTL:     10 * time.Minute,
			CacheMaxSize: 1000,
		},
		Local: LocalConfig{
			Enabled:   true,
			BaseURL:   "http://localhost:11434",
			Model:     "qwen2.5:0.5b",
			LoadedTTL: 2 * time.Second,
		},
		Cloud: CloudConfig{
			Provider:  "anthropic",
			APIKeyEnv: "ANTHROPIC_API_KEY",
			RPS:       2,
			Burst:     4,
		},
		Gate:     GateConfig{AutoApproveLocal: true},
		Executor: ExecutorConfig{Mode: "dry_run", Timeout: 30 * time.Second},
		Feedback: FeedbackConfig{
			Path: home + "/.aleutian/invoke/feedback",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "aleutian-invoke",
			Traces:      "none",
			Metrics:     "prometheus",
		},
	}
}

// Load builds a Config from defaults, the file at path and the environment.
//
// Description:
//
//	A missing file is not an error; an empty path skips the file. The
//	merged result is validated.
//
// Outputs:
//
//	Config - The merged configuration.
//	error - Unreadable or malformed file, or validation failure.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}
	applyEnv(&cfg, os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays ALEUTIAN_INVOKE_* variables. Unparseable values are
// ignored so a typo cannot take the service down; Validate still runs.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			if i, err := strconv.Atoi(v); err == nil {
				*dst = i
			}
		}
	}
	float := func(name string, dst *float64) {
		if v, ok := lookup(EnvPrefix + name); ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	str("HOST", &cfg.Server.Host)
	integer("PORT", &cfg.Server.Port)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_DIR", &cfg.Logging.Dir)
	boolean("LOG_JSON", &cfg.Logging.JSON)

	duration("LOCAL_TIMEOUT", &cfg.Classifier.LocalTimeout)
	duration("CLOUD_TIMEOUT", &cfg.Classifier.CloudTimeout)
	duration("CACHE_TTL", &cfg.Classifier.CacheTTL)
	integer("CACHE_MAX_SIZE", &cfg.Classifier.CacheMaxSize)

	boolean("LOCAL_ENABLED", &cfg.Local.Enabled)
	str("OLLAMA_URL", &cfg.Local.BaseURL)
	str("OLLAMA_MODEL", &cfg.Local.Model)

	str("CLOUD_PROVIDER", &cfg.Cloud.Provider)
	str("CLOUD_MODEL", &cfg.Cloud.Model)
	str("CLOUD_BASE_URL", &cfg.Cloud.BaseURL)
	str("CLOUD_API_KEY_ENV", &cfg.Cloud.APIKeyEnv)
	float("CLOUD_RPS", &cfg.Cloud.RPS)
	integer("CLOUD_BURST", &cfg.Cloud.Burst)

	boolean("AUTO_APPROVE_LOCAL", &cfg.Gate.AutoApproveLocal)
	boolean("TURN_WIDE_DEDUP", &cfg.Gate.TurnWideDedup)

	str("EXECUTOR_MODE", &cfg.Executor.Mode)
	str("EXECUTOR_URL", &cfg.Executor.URL)
	duration("EXECUTOR_TIMEOUT", &cfg.Executor.Timeout)

	str("FEEDBACK_PATH", &cfg.Feedback.Path)
	boolean("FEEDBACK_IN_MEMORY", &cfg.Feedback.InMemory)

	str("TRACES", &cfg.Telemetry.Traces)
	str("OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)
	str("METRICS", &cfg.Telemetry.Metrics)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Local.Enabled && c.Local.BaseURL == "" {
		return errors.New("invalid config: local.base_url is required when local inference is enabled")
	}
	if c.Executor.Mode == "webhook" && c.Executor.URL == "" {
		return errors.New("invalid config: executor.url is required for the webhook executor")
	}
	return nil
}

// CloudAPIKey returns the cloud API key from the environment.
func (c Config) CloudAPIKey() string {
	if c.Cloud.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Cloud.APIKeyEnv)
}

// Addr returns host:port for the HTTP listener.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
