// Aleutian AI - Sitka conversational retrieval service
// Copyright (C) 2025 Aleutian AI
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/Sitka/services/orchestrator/conversation"
	"github.com/AleutianAI/Sitka/services/orchestrator/datatypes"
)

// =============================================================================
// Test Setup
// =============================================================================

// createTestConversationRouter wires the lifecycle endpoints the way
// the route table does.
func createTestConversationRouter(t *testing.T, store *conversation.Manager) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	handler, err := NewConversationHandler(store, testLogger())
	require.NoError(t, err)

	router := gin.New()
	router.POST("/api/v1/conversations", handler.HandleCreate)
	router.GET("/api/v1/conversations", handler.HandleList)
	router.GET("/api/v1/conversations/:id/history", handler.HandleHistory)
	router.GET("/api/v1/conversations/:id/summary", handler.HandleSummary)
	router.DELETE("/api/v1/conversations/:id", handler.HandleDelete)
	router.GET("/api/v1/statistics", handler.HandleStatistics)
	return router
}

// doRequest runs one request through the router and decodes the
// envelope every lifecycle endpoint answers with.
func doRequest(t *testing.T, router *gin.Engine, method, path string, body any) (*httptest.ResponseRecorder, datatypes.APIResponse) {
	t.Helper()

	var reader *bytes.Buffer
	switch b := body.(type) {
	case nil:
		reader = bytes.NewBuffer(nil)
	case string:
		reader = bytes.NewBufferString(b)
	default:
		payload, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewBuffer(payload)
	}

	req, err := http.NewRequest(method, path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var resp datatypes.APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp),
		"every lifecycle endpoint answers with the envelope")
	return w, resp
}

// envelopeData extracts the envelope's data object.
func envelopeData(t *testing.T, resp datatypes.APIResponse) map[string]any {
	t.Helper()

	data, ok := resp.Data.(map[string]any)
	require.True(t, ok, "envelope data should be an object, got %T", resp.Data)
	return data
}

// =============================================================================
// Create Tests
// =============================================================================

// TestHandleCreate_MintsID verifies the minted-id path and payload.
func TestHandleCreate_MintsID(t *testing.T) {
	store := conversation.NewManager(testLogger())
	router := createTestConversationRouter(t, store)

	w, resp := doRequest(t, router, http.MethodPost, "/api/v1/conversations",
		datatypes.CreateConversationRequest{UserID: "u1"})

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.True(t, resp.Success)
	assert.Equal(t, "conversation created", resp.Message)

	data := envelopeData(t, resp)
	assert.NotEmpty(t, data["conversation_id"])
	assert.Equal(t, "u1", data["user_id"])
	assert.Equal(t, string(datatypes.ModeWorkflow), data["mode"], "mode defaults to workflow")
	assert.Equal(t, false, data["is_custom_id"])
	assert.NotEmpty(t, data["created_at"])
}

// TestHandleCreate_HonoursCustomID verifies a caller-supplied id is
// kept and flagged.
func TestHandleCreate_HonoursCustomID(t *testing.T) {
	store := conversation.NewManager(testLogger())
	router := createTestConversationRouter(t, store)

	w, resp := doRequest(t, router, http.MethodPost, "/api/v1/conversations",
		datatypes.CreateConversationRequest{UserID: "u1", ConversationID: "conv-custom", Mode: "agent"})

	assert.Equal(t, http.StatusCreated, w.Code)
	data := envelopeData(t, resp)
	assert.Equal(t, "conv-custom", data["conversation_id"])
	assert.Equal(t, string(datatypes.ModeAgent), data["mode"])
	assert.Equal(t, true, data["is_custom_id"])
}

// TestHandleCreate_ExistingIDIsIdempotent verifies re-creating an id
// returns the existing conversation with 200 instead of a conflict.
func TestHandleCreate_ExistingIDIsIdempotent(t *testing.T) {
	store := conversation.NewManager(testLogger())
	router := createTestConversationRouter(t, store)

	first, _ := doRequest(t, router, http.MethodPost, "/api/v1/conversations",
		datatypes.CreateConversationRequest{UserID: "u1", ConversationID: "conv-1"})
	require.Equal(t, http.StatusCreated, first.Code)

	second, resp := doRequest(t, router, http.MethodPost, "/api/v1/conversations",
		datatypes.CreateConversationRequest{UserID: "u1", ConversationID: "conv-1"})

	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "conversation already exists", resp.Message)
	assert.Equal(t, 1, store.Count(), "no second entry")
}

// TestHandleCreate_Rejections verifies the envelope and status for the
// admission failures.
func TestHandleCreate_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		body     any
		wantCode int
		wantErr  datatypes.ErrorCode
	}{
		{
			name:     "malformed body",
			body:     "not json",
			wantCode: http.StatusBadRequest,
			wantErr:  datatypes.ErrCodeValidation,
		},
		{
			name:     "missing user id",
			body:     datatypes.CreateConversationRequest{},
			wantCode: http.StatusBadRequest,
			wantErr:  datatypes.ErrCodeValidation,
		},
		{
			name:     "unsupported mode",
			body:     datatypes.CreateConversationRequest{UserID: "u1", Mode: "oracle"},
			wantCode: http.StatusBadRequest,
			wantErr:  datatypes.ErrCodeUnsupportedMode,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := conversation.NewManager(testLogger())
			router := createTestConversationRouter(t, store)

			w, resp := doRequest(t, router, http.MethodPost, "/api/v1/conversations", tt.body)

			assert.Equal(t, tt.wantCode, w.Code)
			assert.False(t, resp.Success)
			assert.Equal(t, string(tt.wantErr), resp.ErrorCode)
			assert.Equal(t, 0, store.Count(), "rejected requests must not create state")
		})
	}
}

// =============================================================================
// History and Summary Tests
// =============================================================================

// TestHandleHistory verifies the transcript payload.
func TestHandleHistory(t *testing.T) {
	store := conversation.NewManager(testLogger())
	task, _, err := store.Create(&datatypes.CreateConversationRequest{UserID: "u1", ConversationID: "conv-1"})
	require.NoError(t, err)
	task.AppendMessage(datatypes.Message{Role: datatypes.RoleUser, Content: "hello", Timestamp: time.Now().UTC()})
	task.AppendMessage(datatypes.Message{Role: datatypes.RoleAssistant, Content: "hi", Timestamp: time.Now().UTC()})

	router := createTestConversationRouter(t, store)
	w, resp := doRequest(t, router, http.MethodGet, "/api/v1/conversations/conv-1/history", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	data := envelopeData(t, resp)
	assert.Equal(t, "conv-1", data["conversation_id"])
	assert.Equal(t, float64(2), data["message_count"])

	messages, ok := data["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 2)
	first, ok := messages[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, datatypes.RoleUser, first["role"])
	assert.Equal(t, "hello", first["content"])
}

// TestHandleHistory_UnknownConversation verifies the 404 envelope.
func TestHandleHistory_UnknownConversation(t *testing.T) {
	router := createTestConversationRouter(t, conversation.NewManager(testLogger()))

	w, resp := doRequest(t, router, http.MethodGet, "/api/v1/conversations/ghost/history", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(datatypes.ErrCodeConversationNotFound), resp.ErrorCode)
}

// TestHandleSummary verifies the summary payload reflects task state.
func TestHandleSummary(t *testing.T) {
	store := conversation.NewManager(testLogger())
	task, _, err := store.Create(&datatypes.CreateConversationRequest{UserID: "u1", ConversationID: "conv-1", Mode: "agent"})
	require.NoError(t, err)
	task.SetStage(datatypes.StageExecutingTasks, 0.4)

	router := createTestConversationRouter(t, store)
	w, resp := doRequest(t, router, http.MethodGet, "/api/v1/conversations/conv-1/summary", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	data := envelopeData(t, resp)
	assert.Equal(t, "conv-1", data["conversation_id"])
	assert.Equal(t, string(datatypes.ModeAgent), data["mode"])
	assert.Equal(t, datatypes.StageExecutingTasks, data["current_stage"])
	assert.Equal(t, 0.4, data["progress"])
	assert.Equal(t, false, data["streaming"])
}

// =============================================================================
// List Tests
// =============================================================================

// TestHandleList verifies the snapshot and its user filter.
func TestHandleList(t *testing.T) {
	store := conversation.NewManager(testLogger())
	for _, c := range []struct{ id, user string }{
		{"conv-1", "u1"}, {"conv-2", "u1"}, {"conv-3", "u2"},
	} {
		_, _, err := store.Create(&datatypes.CreateConversationRequest{UserID: c.user, ConversationID: c.id})
		require.NoError(t, err)
	}
	router := createTestConversationRouter(t, store)

	t.Run("unfiltered returns everything", func(t *testing.T) {
		w, resp := doRequest(t, router, http.MethodGet, "/api/v1/conversations", nil)

		assert.Equal(t, http.StatusOK, w.Code)
		data := envelopeData(t, resp)
		assert.Equal(t, float64(3), data["total"])
	})

	t.Run("user filter narrows the snapshot", func(t *testing.T) {
		w, resp := doRequest(t, router, http.MethodGet, "/api/v1/conversations?user_id=u1", nil)

		assert.Equal(t, http.StatusOK, w.Code)
		data := envelopeData(t, resp)
		assert.Equal(t, float64(2), data["total"])

		conversations, ok := data["conversations"].([]any)
		require.True(t, ok)
		for _, entry := range conversations {
			summary, ok := entry.(map[string]any)
			require.True(t, ok)
			assert.Equal(t, "u1", summary["user_id"])
		}
	})

	t.Run("unknown user yields an empty list", func(t *testing.T) {
		w, resp := doRequest(t, router, http.MethodGet, "/api/v1/conversations?user_id=nobody", nil)

		assert.Equal(t, http.StatusOK, w.Code)
		data := envelopeData(t, resp)
		assert.Equal(t, float64(0), data["total"])
	})
}

// =============================================================================
// Delete Tests
// =============================================================================

// TestHandleDelete verifies the close payload and that the entry is
// gone afterwards: the second delete and any later lookup answer 404.
func TestHandleDelete(t *testing.T) {
	store := conversation.NewManager(testLogger())
	_, _, err := store.Create(&datatypes.CreateConversationRequest{UserID: "u1", ConversationID: "conv-1"})
	require.NoError(t, err)
	router := createTestConversationRouter(t, store)

	w, resp := doRequest(t, router, http.MethodDelete, "/api/v1/conversations/conv-1", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	data := envelopeData(t, resp)
	assert.Equal(t, "conv-1", data["conversation_id"])
	assert.Equal(t, "closed", data["status"])
	assert.Equal(t, 0, store.Count())

	again, resp := doRequest(t, router, http.MethodDelete, "/api/v1/conversations/conv-1", nil)
	assert.Equal(t, http.StatusNotFound, again.Code, "repeat delete reports not found")
	assert.Equal(t, string(datatypes.ErrCodeConversationNotFound), resp.ErrorCode)

	history, _ := doRequest(t, router, http.MethodGet, "/api/v1/conversations/conv-1/history", nil)
	assert.Equal(t, http.StatusNotFound, history.Code)
}

// TestHandleDelete_Unknown verifies deleting a never-created id.
func TestHandleDelete_Unknown(t *testing.T) {
	router := createTestConversationRouter(t, conversation.NewManager(testLogger()))

	w, resp := doRequest(t, router, http.MethodDelete, "/api/v1/conversations/ghost", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.False(t, resp.Success)
}

// =============================================================================
// Statistics Tests
// =============================================================================

// TestHandleStatistics verifies the store-wide counters.
func TestHandleStatistics(t *testing.T) {
	store := conversation.NewManager(testLogger())
	_, _, err := store.Create(&datatypes.CreateConversationRequest{UserID: "u1", ConversationID: "conv-1"})
	require.NoError(t, err)
	_, _, err = store.Create(&datatypes.CreateConversationRequest{UserID: "u2", ConversationID: "conv-2", Mode: "agent"})
	require.NoError(t, err)

	router := createTestConversationRouter(t, store)
	w, resp := doRequest(t, router, http.MethodGet, "/api/v1/statistics", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	data := envelopeData(t, resp)
	assert.Equal(t, float64(2), data["total_conversations"])

	byMode, ok := data["by_mode"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), byMode[string(datatypes.ModeWorkflow)])
	assert.Equal(t, float64(1), byMode[string(datatypes.ModeAgent)])
}
