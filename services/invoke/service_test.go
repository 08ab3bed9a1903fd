// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package invoke

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianInvoke/pkg/logging"
	"github.com/AleutianAI/AleutianInvoke/services/invoke/classifier"
	"github.com/AleutianAI/AleutianInvoke/services/invoke/config"
	"github.com/AleutianAI/AleutianInvoke/services/invoke/invocation"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// Fixtures
// =============================================================================

type cloudFunc func(ctx context.Context, input string) (*classifier.Result, error)

func (f cloudFunc) Classify(ctx context.Context, input string) (*classifier.Result, error) {
	return f(ctx, input)
}

func chatCloud(context.Context, string) (*classifier.Result, error) {
	return &classifier.Result{Category: classifier.CategoryAIChat, Confidence: 0.8}, nil
}

type recordingExecutor struct {
	mu    sync.Mutex
	calls []string
}

func (e *recordingExecutor) Execute(_ context.Context, tool string, args *invocation.Args) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, tool)
	return "ran " + tool, true
}

func (e *recordingExecutor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Local.Enabled = false
	cfg.Cloud.Provider = "none"
	cfg.Feedback.InMemory = true
	cfg.Cloud.RPS = 1000
	cfg.Cloud.Burst = 1000
	return cfg
}

func newTestService(t *testing.T, cloud classifier.CloudFallbackClient, exec invocation.Executor) *Service {
	t.Helper()
	opts := []Option{
		WithLogger(logging.New(logging.Config{Quiet: true})),
		WithCloudClient(cloud),
	}
	if exec != nil {
		opts = append(opts, WithExecutor(exec))
	}
	svc, err := New(context.Background(), testConfig(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Gate().Wait(ctx)
		_ = svc.Close()
	})
	return svc
}

func do(t *testing.T, svc *Service, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	svc.Engine().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func waitExecutors(t *testing.T, svc *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, svc.Gate().Wait(ctx))
}

// fullCall returns the fragments of one complete invocation.
func fullCall(id, tool string, kv ...any) []invocation.Fragment {
	return []invocation.Fragment{
		invocation.InvocationStart(id, tool, false),
		invocation.InvocationEnd(id, invocation.NewArgs(kv...)),
	}
}

// =============================================================================
// Construction
// =============================================================================

func TestNew_RequiresAnInferencePath(t *testing.T) {
	cfg := testConfig()
	_, err := New(context.Background(), cfg, WithLogger(logging.New(logging.Config{Quiet: true})))
	assert.Error(t, err)
}

func TestNew_UnknownExecutorMode(t *testing.T) {
	cfg := testConfig()
	cfg.Executor.Mode = "shell"
	_, err := New(context.Background(), cfg,
		WithLogger(logging.New(logging.Config{Quiet: true})),
		WithCloudClient(cloudFunc(chatCloud)))
	assert.Error(t, err)
}

func TestNew_MissingCloudKeyFallsBackToLocalOnly(t *testing.T) {
	cfg := testConfig()
	cfg.Cloud.Provider = "anthropic"
	cfg.Cloud.APIKeyEnv = "ALEUTIAN_INVOKE_TEST_UNSET_KEY"
	cfg.Local.Enabled = true

	svc, err := New(context.Background(), cfg, WithLogger(logging.New(logging.Config{Quiet: true})))
	require.NoError(t, err)
	defer svc.Close()
	assert.True(t, svc.hasLocal)
	assert.Nil(t, svc.cloud)
}

// =============================================================================
// Classification
// =============================================================================

func TestHandleClassify_Tier1(t *testing.T) {
	svc := newTestService(t, cloudFunc(chatCloud), nil)

	w := do(t, svc, http.MethodPost, "/v1/invoke/classify", ClassifyRequest{Input: "/read main.go"})
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[classifier.Result](t, w)
	assert.Equal(t, classifier.TierExact, res.Tier)
	assert.Equal(t, classifier.CategoryFileOperations, res.Category)
	assert.Equal(t, 1.0, res.Confidence)
}

func TestHandleClassify_Tier3Cloud(t *testing.T) {
	svc := newTestService(t, cloudFunc(chatCloud), nil)

	w := do(t, svc, http.MethodPost, "/v1/invoke/classify",
		ClassifyRequest{Input: "could you walk me through the architecture of this service"})
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[classifier.Result](t, w)
	assert.Equal(t, classifier.TierInference, res.Tier)
	assert.Equal(t, classifier.SourceCloud, res.Source)
	assert.Equal(t, classifier.CategoryAIChat, res.Category)
}

func TestHandleClassify_FallbackExhaustedIsGeneric(t *testing.T) {
	svc := newTestService(t, cloudFunc(func(context.Context, string) (*classifier.Result, error) {
		return nil, errors.New("secret upstream detail")
	}), nil)

	w := do(t, svc, http.MethodPost, "/v1/invoke/classify",
		ClassifyRequest{Input: "could you walk me through the architecture of this service"})
	assert.Equal(t, http.StatusBadGateway, w.Code)
	resp := decode[ErrorResponse](t, w)
	assert.Equal(t, "could not route request", resp.Error)
	assert.Equal(t, CodeRoutingFailed, resp.Code)
	assert.NotContains(t, w.Body.String(), "secret")
}

func TestHandleClassify_BadRequest(t *testing.T) {
	svc := newTestService(t, cloudFunc(chatCloud), nil)

	w := do(t, svc, http.MethodPost, "/v1/invoke/classify", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, CodeInvalidRequest, decode[ErrorResponse](t, w).Code)
}

func TestHandleClassifyBatch(t *testing.T) {
	svc := newTestService(t, cloudFunc(func(ctx context.Context, input string) (*classifier.Result, error) {
		if strings.Contains(input, "unroutable") {
			return nil, errors.New("secret upstream detail")
		}
		return chatCloud(ctx, input)
	}), nil)

	w := do(t, svc, http.MethodPost, "/v1/invoke/classify/batch", BatchClassifyRequest{Inputs: []string{
		"/read main.go",
		"this unroutable question about the whole deployment goes nowhere",
		"could you walk me through the architecture of this service",
	}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[BatchClassifyResponse](t, w)
	require.Len(t, resp.Results, 3)

	require.NotNil(t, resp.Results[0].Result)
	assert.Equal(t, "agent_read_file", resp.Results[0].Result.Tool)
	assert.Empty(t, resp.Results[0].Error)

	assert.Nil(t, resp.Results[1].Result)
	assert.Equal(t, "could not route request", resp.Results[1].Error)
	assert.Equal(t, CodeRoutingFailed, resp.Results[1].Code)

	require.NotNil(t, resp.Results[2].Result)
	assert.Equal(t, classifier.SourceCloud, resp.Results[2].Result.Source)
	assert.GreaterOrEqual(t, resp.TotalLatencyMs, 0.0)
	assert.NotContains(t, w.Body.String(), "secret")
}

func TestHandleClassifyBatch_BadRequest(t *testing.T) {
	svc := newTestService(t, cloudFunc(chatCloud), nil)

	for _, body := range []any{map[string]any{}, BatchClassifyRequest{Inputs: []string{}}} {
		w := do(t, svc, http.MethodPost, "/v1/invoke/classify/batch", body)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	}
}

// =============================================================================
// Turns and invocations
// =============================================================================

func TestTurnLifecycle_ApproveRunsExecutor(t *testing.T) {
	exec := &recordingExecutor{}
	svc := newTestService(t, cloudFunc(chatCloud), exec)

	w := do(t, svc, http.MethodPost, "/v1/invoke/turns", BeginTurnRequest{TurnID: "t1"})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "t1", decode[BeginTurnResponse](t, w).TurnID)

	w = do(t, svc, http.MethodPost, "/v1/invoke/turns", BeginTurnRequest{TurnID: "t1"})
	assert.Equal(t, http.StatusConflict, w.Code)

	frags := append([]invocation.Fragment{invocation.TextDelta("Reading it now. ")},
		fullCall("c1", "agent_read_file", "path", "main.go")...)
	w = do(t, svc, http.MethodPost, "/v1/invoke/turns/t1/fragments", FragmentsRequest{Fragments: frags})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 3, decode[FragmentsResponse](t, w).Applied)

	w = do(t, svc, http.MethodGet, "/v1/invoke/turns/t1/invocations", nil)
	require.Equal(t, http.StatusOK, w.Code)
	turn := decode[TurnResponse](t, w)
	assert.Equal(t, "Reading it now. ", turn.Text)
	assert.Zero(t, turn.Subscribers)
	require.Len(t, turn.Invocations, 1)
	assert.Equal(t, invocation.StatePending, turn.Invocations[0].State)
	path, _ := turn.Invocations[0].Args.Get("path")
	assert.Equal(t, "main.go", path)

	w = do(t, svc, http.MethodPost, "/v1/invoke/turns/t1/invocations/c1/approve", nil)
	require.Equal(t, http.StatusOK, w.Code)
	waitExecutors(t, svc)

	inv, err := svc.Aggregator().Lookup("t1", "c1")
	require.NoError(t, err)
	assert.Equal(t, invocation.StateCompleted, inv.State)
	assert.Equal(t, "ran agent_read_file", inv.Result)

	// Approving again is a no-op.
	w = do(t, svc, http.MethodPost, "/v1/invoke/turns/t1/invocations/c1/approve", nil)
	require.Equal(t, http.StatusOK, w.Code)
	waitExecutors(t, svc)
	assert.Equal(t, 1, exec.count())
}

func TestBeginTurn_AssignsID(t *testing.T) {
	svc := newTestService(t, cloudFunc(chatCloud), nil)

	w := do(t, svc, http.MethodPost, "/v1/invoke/turns", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.NotEmpty(t, decode[BeginTurnResponse](t, w).TurnID)
}

func TestApprove_Errors(t *testing.T) {
	exec := &recordingExecutor{}
	svc := newTestService(t, cloudFunc(chatCloud), exec)
	require.NoError(t, svc.Aggregator().BeginTurn(context.Background(), "t1"))
	require.NoError(t, svc.Aggregator().OnFragment(context.Background(), "t1",
		invocation.InvocationStart("partial", "agent_write_file", false)))

	tests := []struct {
		name   string
		path   string
		status int
		code   string
	}{
		{"constructing", "/v1/invoke/turns/t1/invocations/partial/approve", http.StatusConflict, CodeInvalidTransition},
		{"unknown id", "/v1/invoke/turns/t1/invocations/nope/approve", http.StatusNotFound, CodeNotFound},
		{"unknown turn", "/v1/invoke/turns/t9/invocations/partial/approve", http.StatusNotFound, CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, svc, http.MethodPost, tt.path, nil)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, decode[ErrorResponse](t, w).Code)
		})
	}
	assert.Zero(t, exec.count())
}

func TestReject(t *testing.T) {
	exec := &recordingExecutor{}
	svc := newTestService(t, cloudFunc(chatCloud), exec)

	do(t, svc, http.MethodPost, "/v1/invoke/turns", BeginTurnRequest{TurnID: "t1"})
	do(t, svc, http.MethodPost, "/v1/invoke/turns/t1/fragments",
		FragmentsRequest{Fragments: fullCall("c1", "bash", "cmd", "rm -rf build")})

	w := do(t, svc, http.MethodPost, "/v1/invoke/turns/t1/invocations/c1/reject", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, invocation.StateRejected, decode[invocation.Invocation](t, w).State)

	// Rejected is terminal; approve must not run it.
	w = do(t, svc, http.MethodPost, "/v1/invoke/turns/t1/invocations/c1/approve", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, invocation.StateRejected, decode[invocation.Invocation](t, w).State)
	waitExecutors(t, svc)
	assert.Zero(t, exec.count())
}

func TestHandleFragments_ReportsMalformed(t *testing.T) {
	svc := newTestService(t, cloudFunc(chatCloud), nil)
	do(t, svc, http.MethodPost, "/v1/invoke/turns", BeginTurnRequest{TurnID: "t1"})

	frags := []invocation.Fragment{
		{Kind: invocation.KindInvocationStart},
		invocation.TextDelta("ok"),
		{Kind: "bogus"},
	}
	w := do(t, svc, http.MethodPost, "/v1/invoke/turns/t1/fragments", FragmentsRequest{Fragments: frags})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[FragmentsResponse](t, w)
	assert.Equal(t, 1, resp.Applied)
	require.Len(t, resp.Rejected, 2)
	assert.True(t, strings.HasPrefix(resp.Rejected[0], "0:"))
	assert.True(t, strings.HasPrefix(resp.Rejected[1], "2:"))
}

func TestHandleFragments_UnknownTurn(t *testing.T) {
	svc := newTestService(t, cloudFunc(chatCloud), nil)

	w := do(t, svc, http.MethodPost, "/v1/invoke/turns/missing/fragments",
		FragmentsRequest{Fragments: []invocation.Fragment{invocation.TextDelta("x")}})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDiscardTurn(t *testing.T) {
	svc := newTestService(t, cloudFunc(chatCloud), nil)
	do(t, svc, http.MethodPost, "/v1/invoke/turns", BeginTurnRequest{TurnID: "t1"})
	do(t, svc, http.MethodPost, "/v1/invoke/turns/t1/fragments",
		FragmentsRequest{Fragments: fullCall("c1", "bash", "cmd", "make")})

	w := do(t, svc, http.MethodDelete, "/v1/invoke/turns/t1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	turn := decode[TurnResponse](t, w)
	assert.True(t, turn.Discarded)
	require.Len(t, turn.Invocations, 1)
	assert.Equal(t, invocation.StateRejected, turn.Invocations[0].State)

	// Late fragments are accepted and dropped.
	w = do(t, svc, http.MethodPost, "/v1/invoke/turns/t1/fragments",
		FragmentsRequest{Fragments: fullCall("c2", "bash", "cmd", "make")})
	require.Equal(t, http.StatusOK, w.Code)
	invs, err := svc.Aggregator().Invocations("t1")
	require.NoError(t, err)
	assert.Len(t, invs, 1)

	w = do(t, svc, http.MethodDelete, "/v1/invoke/turns/t1?forget=true", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = do(t, svc, http.MethodGet, "/v1/invoke/turns/t1/invocations", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// =============================================================================
// Feedback, health, metrics
// =============================================================================

func TestFeedback(t *testing.T) {
	svc := newTestService(t, cloudFunc(chatCloud), nil)
	result := &classifier.Result{Category: classifier.CategoryCodeAnalysis, Tier: classifier.TierRule, Confidence: 0.9}

	w := do(t, svc, http.MethodPost, "/v1/invoke/feedback",
		FeedbackRequest{Input: "find the bug", Result: result, IsCorrect: true})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	wrong := "Search_Operations"
	w = do(t, svc, http.MethodPost, "/v1/invoke/feedback",
		FeedbackRequest{Input: "where is main", Result: result, CorrectedCategory: &wrong})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	bogus := "astrology"
	w = do(t, svc, http.MethodPost, "/v1/invoke/feedback",
		FeedbackRequest{Input: "x", Result: result, CorrectedCategory: &bogus})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, svc, http.MethodGet, "/v1/invoke/feedback/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats struct {
		TotalCount   int64   `json:"total_count"`
		CorrectCount int64   `json:"correct_count"`
		AccuracyRate float64 `json:"accuracy_rate"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, int64(2), stats.TotalCount)
	assert.Equal(t, int64(1), stats.CorrectCount)
	assert.InDelta(t, 0.5, stats.AccuracyRate, 1e-9)
}

func TestHealthAndMetrics(t *testing.T) {
	svc := newTestService(t, cloudFunc(chatCloud), nil)
	do(t, svc, http.MethodPost, "/v1/invoke/classify", ClassifyRequest{Input: "git status"})

	w := do(t, svc, http.MethodGet, "/v1/invoke/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	health := decode[HealthResponse](t, w)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, ServiceVersion, health.Version)
	assert.Equal(t, int64(1), health.Latency.Tiers["tier1"].Count)

	w = do(t, svc, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "invoke_router")
}

func TestApplyConfig(t *testing.T) {
	svc := newTestService(t, cloudFunc(chatCloud), nil)

	cfg := svc.Config()
	cfg.Classifier.LocalTimeout = 750 * time.Millisecond
	cfg.Logging.Level = "debug"
	cfg.Cloud.RPS = 5
	svc.ApplyConfig(cfg)

	assert.Equal(t, 750*time.Millisecond, svc.tier3.LocalTimeout())
	assert.Equal(t, logging.LevelDebug, svc.Logger().Level())
	assert.Equal(t, 5.0, svc.Config().Cloud.RPS)
}

// =============================================================================
// Websocket stream
// =============================================================================

func readTransition(t *testing.T, ws *websocket.Conn) invocation.TransitionEvent {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg StreamMessage
	require.NoError(t, ws.ReadJSON(&msg))
	require.Equal(t, "transition", msg.Type, msg.Error)
	require.NotNil(t, msg.Transition)
	return *msg.Transition
}

func TestHandleStream(t *testing.T) {
	exec := &recordingExecutor{}
	svc := newTestService(t, cloudFunc(chatCloud), exec)
	srv := httptest.NewServer(svc.Engine())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/invoke/turns/w1/stream"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	// Argument JSON split across deltas, as streaming backends send it.
	events := []invocation.RawEvent{
		{Type: invocation.RawText, Text: "Let me look. "},
		{Type: invocation.RawToolCallStart, ID: "s1", Tool: "agent_search"},
		{Type: invocation.RawToolCallDelta, ID: "s1", ArgsText: `{"query":`},
		{Type: invocation.RawToolCallDelta, ID: "s1", ArgsText: `"Router"}`},
		{Type: invocation.RawToolCallEnd, ID: "s1"},
	}
	for _, ev := range events {
		require.NoError(t, ws.WriteJSON(ev))
	}

	created := readTransition(t, ws)
	assert.Equal(t, "s1", created.InvocationID)
	assert.Equal(t, invocation.StateConstructing, created.To)
	assert.Equal(t, invocation.StatePending, readTransition(t, ws).To)

	inv, err := svc.Aggregator().Lookup("w1", "s1")
	require.NoError(t, err)
	query, _ := inv.Args.Get("query")
	assert.Equal(t, "Router", query)

	w := do(t, svc, http.MethodGet, "/v1/invoke/turns/w1/invocations", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[TurnResponse](t, w).Subscribers)

	w = do(t, svc, http.MethodPost, "/v1/invoke/turns/w1/invocations/s1/approve", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var seen []invocation.State
	for len(seen) < 3 {
		seen = append(seen, readTransition(t, ws).To)
	}
	assert.Equal(t, []invocation.State{invocation.StateApproved, invocation.StateRunning, invocation.StateCompleted}, seen)
	assert.Equal(t, 1, exec.count())
}

func TestHandleStream_ReportsMalformedEvents(t *testing.T) {
	svc := newTestService(t, cloudFunc(chatCloud), nil)
	srv := httptest.NewServer(svc.Engine())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/invoke/turns/w2/stream"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(invocation.RawEvent{Type: "carrier_pigeon"}))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg StreamMessage
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, "error", msg.Type)
	assert.Contains(t, msg.Error, "malformed")
}
