// Aleutian AI - Sitka conversational retrieval service
// Copyright (C) 2025 Aleutian AI
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/Sitka/services/orchestrator/config"
)

func newTestGraphClient(t *testing.T, handler http.HandlerFunc) *LightRAGClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewLightRAGClient(config.LightRAGConfig{
		BaseURL:     srv.URL,
		APIKey:      "rag-key",
		Timeout:     2 * time.Second,
		DefaultMode: "hybrid",
	}, testLogger())
}

// =============================================================================
// Mode Tests
// =============================================================================

// TestGraphMode_Valid verifies the closed mode set.
func TestGraphMode_Valid(t *testing.T) {
	for _, m := range []GraphMode{GraphModeNaive, GraphModeLocal, GraphModeGlobal, GraphModeHybrid, GraphModeMix} {
		assert.True(t, m.Valid(), "mode %q should be valid", m)
	}
	assert.False(t, GraphMode("quantum").Valid())
	assert.False(t, GraphMode("").Valid())
}

// TestLightRAGClient_InvalidModeRejected verifies an unsupported mode
// fails before any network traffic.
func TestLightRAGClient_InvalidModeRejected(t *testing.T) {
	called := false
	c := newTestGraphClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	_, err := c.Search(context.Background(), "q", "quantum")

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidGraphMode))
	assert.False(t, called, "invalid mode should not reach the engine")
}

// TestLightRAGClient_EmptyModeUsesDefault verifies the configured
// default fills an empty mode.
func TestLightRAGClient_EmptyModeUsesDefault(t *testing.T) {
	var received graphQueryRequest
	c := newTestGraphClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"answer": "hi"}`)
	})

	_, err := c.Search(context.Background(), "q", "")

	require.NoError(t, err)
	assert.Equal(t, "hybrid", received.Mode)
}

// TestNewLightRAGClient_InvalidDefaultModeFallsBack verifies a bad
// configured default degrades to hybrid instead of failing startup.
func TestNewLightRAGClient_InvalidDefaultModeFallsBack(t *testing.T) {
	c := NewLightRAGClient(config.LightRAGConfig{
		BaseURL:     "http://127.0.0.1:1",
		DefaultMode: "bogus",
		Timeout:     time.Second,
	}, testLogger())

	assert.Equal(t, GraphModeHybrid, c.defaultMode)
}

// =============================================================================
// Search Tests
// =============================================================================

// TestLightRAGClient_Search_FlattensResponse verifies answer, contexts,
// and entities land in one ordered result list with per-part sources.
func TestLightRAGClient_Search_FlattensResponse(t *testing.T) {
	c := newTestGraphClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer rag-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"answer": "Alice founded the lab in 2019.",
			"contexts": [
				{"content": "lab charter excerpt", "source": "charter.md"},
				"bare string context"
			],
			"entities": [
				{"name": "Alice", "type": "person", "description": "lab founder"},
				"Lab"
			]
		}`)
	})

	results, err := c.Search(context.Background(), "who founded the lab", GraphModeLocal)

	require.NoError(t, err)
	require.Len(t, results, 5)

	assert.Equal(t, "graph summary", results[0].Title)
	assert.Equal(t, "Alice founded the lab in 2019.", results[0].Content)
	assert.Equal(t, "lightrag", results[0].Source)
	assert.Equal(t, "local", results[0].Metadata["mode"])

	assert.Equal(t, "charter.md", results[1].Title)
	assert.Equal(t, "lightrag_context", results[1].Source)
	assert.Equal(t, "context 2", results[2].Title)
	assert.Equal(t, "bare string context", results[2].Content)

	assert.Equal(t, "Alice", results[3].Title)
	assert.Equal(t, "lab founder", results[3].Content)
	assert.Equal(t, "lightrag_entity", results[3].Source)
	assert.Equal(t, "person", results[3].Metadata["entity_type"])
	assert.Equal(t, "Lab", results[4].Title)
	assert.Equal(t, "Lab", results[4].Content, "entity without description falls back to its name")
}

// TestLightRAGClient_Search_ResponseFieldAlias verifies servers that
// answer under "response" instead of "answer" still flatten.
func TestLightRAGClient_Search_ResponseFieldAlias(t *testing.T) {
	c := newTestGraphClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"response": "aliased answer"}`)
	})

	results, err := c.Search(context.Background(), "q", GraphModeNaive)

	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "aliased answer", results[0].Content)
}

// TestLightRAGClient_Search_EmptyResponse verifies a no-hit engine
// answer is a successful empty result, not an error.
func TestLightRAGClient_Search_EmptyResponse(t *testing.T) {
	c := newTestGraphClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"answer": "", "contexts": [], "entities": []}`)
	})

	results, err := c.Search(context.Background(), "q", GraphModeMix)

	require.NoError(t, err)
	assert.Nil(t, results)
}

// TestLightRAGClient_Search_HTTPError verifies non-200 engine answers
// map to an http_status error.
func TestLightRAGClient_Search_HTTPError(t *testing.T) {
	c := newTestGraphClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "graph store rebuilding")
	})

	_, err := c.Search(context.Background(), "q", GraphModeHybrid)

	require.Error(t, err)
	ae, ok := AsAdapterError(err)
	require.True(t, ok)
	assert.Equal(t, KindHTTPStatus, ae.Kind)
	assert.Equal(t, http.StatusServiceUnavailable, ae.StatusCode)
}

// TestLightRAGClient_Search_Timeout verifies the per-call deadline.
func TestLightRAGClient_Search_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	c := NewLightRAGClient(config.LightRAGConfig{
		BaseURL:     srv.URL,
		Timeout:     50 * time.Millisecond,
		DefaultMode: "hybrid",
	}, testLogger())

	_, err := c.Search(context.Background(), "q", GraphModeHybrid)

	require.Error(t, err)
	ae, ok := AsAdapterError(err)
	require.True(t, ok)
	assert.Equal(t, KindTimeout, ae.Kind)
}
