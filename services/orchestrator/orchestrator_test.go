// Aleutian AI - Sitka conversational retrieval service
// Copyright (C) 2025 Aleutian AI
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package orchestrator

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/Sitka/services/orchestrator/config"
	"github.com/AleutianAI/Sitka/services/orchestrator/datatypes"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestService builds a service on the built-in defaults: in-memory
// checkpoints, no manifest, tracing disabled.
func newTestService(t *testing.T) Service {
	t.Helper()

	svc, err := New(config.Default(), testLogger())
	require.NoError(t, err)
	return svc
}

func serveRequest(t *testing.T, svc Service, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	req, err := http.NewRequest(method, path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, req)
	return w
}

// =============================================================================
// Construction Tests
// =============================================================================

// TestNew_Defaults verifies nil arguments fall back to the built-in
// config and default logger.
func TestNew_Defaults(t *testing.T) {
	svc, err := New(nil, nil)

	require.NoError(t, err)
	require.NotNil(t, svc)
	assert.NotNil(t, svc.Router())
}

// TestNew_IsRepeatable verifies two services can be built in one
// process; metric registration must not collide.
func TestNew_IsRepeatable(t *testing.T) {
	first, err := New(config.Default(), testLogger())
	require.NoError(t, err)
	second, err := New(config.Default(), testLogger())
	require.NoError(t, err)

	assert.NotNil(t, first.Router())
	assert.NotNil(t, second.Router())
}

// =============================================================================
// Wiring Tests
// =============================================================================

// TestService_HealthEndpoint verifies the health payload names the
// wired backends.
func TestService_HealthEndpoint(t *testing.T) {
	svc := newTestService(t)

	w := serveRequest(t, svc, http.MethodGet, "/api/v1/health", "")

	require.Equal(t, http.StatusOK, w.Code)

	var resp datatypes.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, Version, resp.Version)
	assert.Equal(t, "memory", resp.Services["conversation_store"])
	assert.Equal(t, "memory", resp.Services["checkpoint_store"], "no Redis configured by default")
	assert.Equal(t, "disabled", resp.Services["kb_manifest"])
}

// TestService_ConversationLifecycle verifies the route table is live
// behind the full middleware stack.
func TestService_ConversationLifecycle(t *testing.T) {
	svc := newTestService(t)

	created := serveRequest(t, svc, http.MethodPost, "/api/v1/conversations",
		`{"user_id":"u1","conversation_id":"conv-1"}`)
	assert.Equal(t, http.StatusCreated, created.Code)

	listed := serveRequest(t, svc, http.MethodGet, "/api/v1/conversations", "")
	assert.Equal(t, http.StatusOK, listed.Code)

	deleted := serveRequest(t, svc, http.MethodDelete, "/api/v1/conversations/conv-1", "")
	assert.Equal(t, http.StatusOK, deleted.Code)

	gone := serveRequest(t, svc, http.MethodDelete, "/api/v1/conversations/conv-1", "")
	assert.Equal(t, http.StatusNotFound, gone.Code)
}

// TestService_MetricsEndpoint verifies the Prometheus surface.
func TestService_MetricsEndpoint(t *testing.T) {
	svc := newTestService(t)

	w := serveRequest(t, svc, http.MethodGet, "/metrics", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "sitka_")
}

// TestService_CORSApplied verifies the default allow-all policy rides
// on every response.
func TestService_CORSApplied(t *testing.T) {
	svc := newTestService(t)

	req, err := http.NewRequest(http.MethodGet, "/api/v1/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, req)

	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

// TestService_Run_StopsOnCancel verifies cancellation drains the server
// and Run returns nil.
func TestService_Run_StopsOnCancel(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Port = 0 // ephemeral port; nothing else binds it

	svc, err := New(cfg, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case runErr := <-done:
		assert.NoError(t, runErr)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
