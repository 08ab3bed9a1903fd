// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package invoke wires the tool invocation subsystem into an HTTP service.
//
// # Description
//
// Service owns one instance of every component: the three-tier Router
// with its engines, the invocation Aggregator and approval Gate, and the
// feedback Ledger on top of its BadgerDB store. Handlers expose them under
// /v1/invoke, and a websocket endpoint streams raw generation events in
// and lifecycle transitions out.
//
// # Thread Safety
//
// Service is safe for concurrent use. ApplyConfig may be called while
// requests are in flight.
package invoke

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianInvoke/pkg/logging"
	"github.com/AleutianAI/AleutianInvoke/services/invoke/classifier"
	"github.com/AleutianAI/AleutianInvoke/services/invoke/config"
	"github.com/AleutianAI/AleutianInvoke/services/invoke/engine"
	"github.com/AleutianAI/AleutianInvoke/services/invoke/feedback"
	"github.com/AleutianAI/AleutianInvoke/services/invoke/invocation"
	"github.com/AleutianAI/AleutianInvoke/services/invoke/router"
	"github.com/AleutianAI/AleutianInvoke/services/invoke/storage/badger"
	"github.com/AleutianAI/AleutianInvoke/services/invoke/telemetry"
)

const shutdownTimeout = 10 * time.Second

// =============================================================================
// Options
// =============================================================================

// Option overrides a component New would otherwise build from config.
type Option func(*options)

type options struct {
	logger   *logging.Logger
	local    classifier.LocalInferenceEngine
	localSet bool
	cloud    classifier.CloudFallbackClient
	cloudSet bool
	executor invocation.Executor
}

// WithLogger uses l instead of building one from cfg.Logging. The caller
// keeps ownership.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithLocalEngine replaces the Ollama engine. A nil engine disables local
// inference.
func WithLocalEngine(e classifier.LocalInferenceEngine) Option {
	return func(o *options) {
		o.local = e
		o.localSet = true
	}
}

// WithCloudClient replaces the configured cloud client. It is still
// wrapped in the configured rate limit. A nil client disables the cloud
// path.
func WithCloudClient(c classifier.CloudFallbackClient) Option {
	return func(o *options) {
		o.cloud = c
		o.cloudSet = true
	}
}

// WithExecutor replaces the configured executor.
func WithExecutor(e invocation.Executor) Option {
	return func(o *options) { o.executor = e }
}

// =============================================================================
// Service
// =============================================================================

// Service is the assembled subsystem.
type Service struct {
	mu  sync.RWMutex
	cfg config.Config

	logger     *logging.Logger
	ownsLogger bool

	hasLocal bool
	tier3    *classifier.InferenceClassifier
	cloud    *engine.RateLimitedClient
	router   *router.Router
	latency  *router.LatencyRecorder

	hub        *hub
	aggregator *invocation.Aggregator
	gate       *invocation.Gate

	db     *badger.DB
	ledger *feedback.Ledger

	engine    *gin.Engine
	startedAt time.Time
}

// New assembles a Service from cfg.
//
// Description:
//
//	Builds the engines (Ollama locally, Anthropic or OpenAI in the cloud
//	behind a rate limiter), Tier 3, the Router, the Aggregator and Gate,
//	opens the feedback store and replays it into the Ledger, and registers
//	the HTTP routes. A cloud client that cannot be built, for example for
//	lack of an API key, is logged and skipped as long as local inference
//	remains.
//
// Inputs:
//
//	ctx - Bounds the feedback replay.
//	cfg - Validated configuration.
//	opts - Component overrides, mainly for tests.
//
// Outputs:
//
//	*Service - Ready to serve. Call Close when done.
//	error - If a component cannot be built.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Service, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s := &Service{cfg: cfg, logger: o.logger, startedAt: time.Now()}
	if s.logger == nil {
		level, err := logging.ParseLevel(cfg.Logging.Level)
		if err != nil {
			return nil, err
		}
		s.logger = logging.New(logging.Config{
			Level:   level,
			LogDir:  cfg.Logging.Dir,
			Service: "invoke",
			JSON:    cfg.Logging.JSON,
		})
		s.ownsLogger = true
	}
	log := s.logger.Slog()

	if err := s.initClassification(cfg, o, log); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.initInvocation(cfg, o, log); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.initFeedback(ctx, cfg, log); err != nil {
		s.Close()
		return nil, err
	}
	s.initRouter(cfg)

	log.Info("invoke service assembled",
		slog.Bool("local", s.hasLocal),
		slog.Bool("cloud", s.cloud != nil),
		slog.String("executor", cfg.Executor.Mode),
		slog.Bool("auto_approve_local", cfg.Gate.AutoApproveLocal))
	return s, nil
}

func (s *Service) initClassification(cfg config.Config, o options, log *slog.Logger) error {
	var local classifier.LocalInferenceEngine
	switch {
	case o.localSet:
		local = o.local
	case cfg.Local.Enabled:
		ollama, err := engine.NewOllamaEngine(engine.OllamaConfig{
			BaseURL:   cfg.Local.BaseURL,
			Model:     cfg.Local.Model,
			LoadedTTL: cfg.Local.LoadedTTL,
		}, log)
		if err != nil {
			return fmt.Errorf("local engine: %w", err)
		}
		local = ollama
	}

	s.hasLocal = local != nil

	var base classifier.CloudFallbackClient
	if o.cloudSet {
		base = o.cloud
	} else {
		c, err := newCloudClient(cfg)
		if err != nil {
			if local == nil {
				return fmt.Errorf("cloud client: %w", err)
			}
			log.Warn("cloud fallback disabled", slog.String("error", err.Error()))
		}
		base = c
	}

	var cloud classifier.CloudFallbackClient
	if base != nil {
		s.cloud = engine.NewRateLimitedClient(base, cfg.Cloud.RPS, cfg.Cloud.Burst)
		cloud = s.cloud
	}

	tier3, err := classifier.NewInferenceClassifier(local, cloud, classifier.InferenceConfig{
		LocalTimeout: cfg.Classifier.LocalTimeout,
		CloudTimeout: cfg.Classifier.CloudTimeout,
		CacheTTL:     cfg.Classifier.CacheTTL,
		CacheMaxSize: cfg.Classifier.CacheMaxSize,
	}, classifier.WithInferenceLogger(log))
	if err != nil {
		return fmt.Errorf("inference classifier: %w", err)
	}
	s.tier3 = tier3

	s.latency = router.NewLatencyRecorder(router.DefaultLatencyWindow)
	r, err := router.New(
		classifier.NewExactMatchClassifier(),
		classifier.NewRuleClassifier(),
		tier3,
		router.WithSink(router.MultiSink{router.NewPrometheusSink(), router.LogSink{Logger: log}, s.latency}),
		router.WithLogger(log),
	)
	if err != nil {
		return err
	}
	s.router = r
	return nil
}

// newCloudClient returns nil, nil when the provider is "none".
func newCloudClient(cfg config.Config) (classifier.CloudFallbackClient, error) {
	switch cfg.Cloud.Provider {
	case "anthropic":
		c, err := engine.NewAnthropicClient(engine.AnthropicConfig{
			APIKey:  cfg.CloudAPIKey(),
			Model:   cfg.Cloud.Model,
			BaseURL: cfg.Cloud.BaseURL,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	case "openai":
		c, err := engine.NewOpenAIClient(engine.OpenAIConfig{
			APIKey:  cfg.CloudAPIKey(),
			Model:   cfg.Cloud.Model,
			BaseURL: cfg.Cloud.BaseURL,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	case "", "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown cloud provider %q", cfg.Cloud.Provider)
	}
}

func (s *Service) initInvocation(cfg config.Config, o options, log *slog.Logger) error {
	s.hub = newHub(log)
	s.aggregator = invocation.NewAggregator(
		invocation.WithLogger(log),
		invocation.WithObserver(s.hub.publish),
		invocation.WithTurnWideDedup(cfg.Gate.TurnWideDedup),
	)

	exec := o.executor
	if exec == nil {
		var err error
		if exec, err = newExecutor(cfg.Executor, log); err != nil {
			return err
		}
	}
	gate, err := invocation.NewGate(s.aggregator, exec,
		invocation.WithGateLogger(log),
		invocation.WithAutoApproveLocal(cfg.Gate.AutoApproveLocal),
	)
	if err != nil {
		return fmt.Errorf("approval gate: %w", err)
	}
	s.gate = gate
	return nil
}

func (s *Service) initFeedback(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	dbCfg := badger.InMemoryConfig()
	if !cfg.Feedback.InMemory {
		dbCfg = badger.DefaultConfig(cfg.Feedback.Path)
	}
	dbCfg.Logger = log
	db, err := badger.Open(dbCfg)
	if err != nil {
		return fmt.Errorf("open feedback store: %w", err)
	}
	s.db = db
	s.ledger = feedback.NewLedger(
		feedback.WithStore(feedback.NewBadgerStore(db)),
		feedback.WithLogger(log),
	)
	n, err := s.ledger.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore feedback: %w", err)
	}
	if n > 0 {
		log.Info("feedback restored", slog.Int("records", n))
	}
	return nil
}

func (s *Service) initRouter(cfg config.Config) {
	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), otelgin.Middleware(cfg.Telemetry.ServiceName), s.requestLogger())

	metrics := telemetry.MetricsHandler()
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	s.engine.GET("/metrics", gin.WrapH(metrics))

	RegisterRoutes(s.engine.Group("/v1/invoke"), NewHandlers(s))
}

// requestLogger logs one line per request at Debug, and at Warn for 5xx.
func (s *Service) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		level := slog.LevelDebug
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.logger.Slog().LogAttrs(c.Request.Context(), level, "http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)))
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

// Run serves HTTP on cfg.Server until ctx ends, then shuts down gracefully
// and waits for in-flight executors.
func (s *Service) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Config().Addr(),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting invoke server", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	s.logger.Info("shutting down invoke server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := s.gate.Wait(shutdownCtx); err != nil {
		s.logger.Warn("executors still running at shutdown", "error", err)
	}
	return nil
}

// Close releases the feedback store and, when New built it, the logger.
// Safe to call on a partially built Service.
func (s *Service) Close() error {
	var errs []error
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	if s.ownsLogger && s.logger != nil {
		errs = append(errs, s.logger.Close())
	}
	return errors.Join(errs...)
}

// ApplyConfig applies the settings that can change without a restart: the
// local inference timeout, the cloud rate limit and the log level. Other
// changes are logged and take effect on the next start.
func (s *Service) ApplyConfig(cfg config.Config) {
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	s.mu.Unlock()

	s.tier3.SetLocalTimeout(cfg.Classifier.LocalTimeout)
	if s.cloud != nil {
		s.cloud.SetLimit(cfg.Cloud.RPS, cfg.Cloud.Burst)
	}
	if level, err := logging.ParseLevel(cfg.Logging.Level); err == nil {
		s.logger.SetLevel(level)
	}
	if prev.Server != cfg.Server || prev.Local != cfg.Local || prev.Cloud.Provider != cfg.Cloud.Provider ||
		prev.Executor != cfg.Executor || prev.Feedback != cfg.Feedback {
		s.logger.Warn("configuration change requires a restart to take full effect")
	}
	s.logger.Info("configuration applied",
		"local_timeout", cfg.Classifier.LocalTimeout,
		"cloud_rps", cfg.Cloud.RPS,
		"log_level", cfg.Logging.Level)
}

// =============================================================================
// Accessors
// =============================================================================

// Config returns the configuration currently applied.
func (s *Service) Config() config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Engine returns the gin engine.
func (s *Service) Engine() *gin.Engine { return s.engine }

// Router returns the classification router.
func (s *Service) Router() *router.Router { return s.router }

// Aggregator returns the invocation aggregator.
func (s *Service) Aggregator() *invocation.Aggregator { return s.aggregator }

// Gate returns the approval gate.
func (s *Service) Gate() *invocation.Gate { return s.gate }

// Ledger returns the feedback ledger.
func (s *Service) Ledger() *feedback.Ledger { return s.ledger }

// Logger returns the service logger.
func (s *Service) Logger() *logging.Logger { return s.logger }
