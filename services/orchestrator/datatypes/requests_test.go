// Aleutian AI - Sitka conversational retrieval service
// Copyright (C) 2025 Aleutian AI
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package datatypes

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// ChatRequest Validation Tests
// =============================================================================

// TestChatRequest_Validate_Message verifies the message field rules: empty
// and whitespace-only messages are rejected, everything else passes.
func TestChatRequest_Validate_Message(t *testing.T) {
	tests := []struct {
		name        string
		message     string
		expectError bool
	}{
		{"empty message returns error", "", true},
		{"whitespace-only message returns error", "   \t\n", true},
		{"valid message passes", "how does X work?", false},
		{"single character is valid", "?", false},
		{"unicode message is valid", "你好世界", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &ChatRequest{Message: tt.message}
			err := req.Validate()
			if tt.expectError {
				require.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestChatRequest_Validate_Mode_NotConstrained(t *testing.T) {
	// Unsupported modes must reach the store and surface as
	// UNSUPPORTED_MODE, so validation cannot reject them here.
	req := &ChatRequest{Message: "hi", Mode: "quantum"}
	assert.NoError(t, req.Validate())
}

func TestChatRequest_Validate_KnowledgeBases(t *testing.T) {
	req := &ChatRequest{
		Message: "hi",
		KnowledgeBases: []KnowledgeBase{
			{Name: "docs", Description: "product docs"},
			{Name: "wiki"},
		},
	}
	assert.NoError(t, req.Validate())

	req.KnowledgeBases = append(req.KnowledgeBases, KnowledgeBase{Name: ""})
	assert.Error(t, req.Validate(), "knowledge base without name should fail")
}

func TestChatRequest_Validate_KnowledgeAPIURL(t *testing.T) {
	req := &ChatRequest{Message: "hi", KnowledgeAPIURL: "http://kb.internal:8080"}
	assert.NoError(t, req.Validate())

	req.KnowledgeAPIURL = "not a url"
	assert.Error(t, req.Validate())
}

func TestChatRequest_BodyToken(t *testing.T) {
	req := &ChatRequest{Message: "hi"}
	assert.Empty(t, req.BodyToken())

	req.User = &UserContext{Token: "tok-123"}
	assert.Equal(t, "tok-123", req.BodyToken())
}

// =============================================================================
// CreateConversationRequest Tests
// =============================================================================

func TestCreateConversationRequest_Validate(t *testing.T) {
	req := &CreateConversationRequest{UserID: "u1"}
	assert.NoError(t, req.Validate())

	req = &CreateConversationRequest{}
	assert.Error(t, req.Validate(), "user_id is required")
}

func TestCreateConversationRequest_EnsureDefaults(t *testing.T) {
	req := &CreateConversationRequest{UserID: "u1"}
	req.EnsureDefaults()
	assert.Equal(t, string(ModeWorkflow), req.Mode)

	req = &CreateConversationRequest{UserID: "u1", Mode: "agent"}
	req.EnsureDefaults()
	assert.Equal(t, "agent", req.Mode, "explicit mode is preserved")
}

func TestCreateConversationRequest_ModeNotConstrained(t *testing.T) {
	req := &CreateConversationRequest{UserID: "u1", Mode: "bogus"}
	assert.NoError(t, req.Validate(),
		"mode must pass validation so the store can report UNSUPPORTED_MODE")
}

// =============================================================================
// Response Envelope Tests
// =============================================================================

func TestNewSuccessResponse(t *testing.T) {
	resp := NewSuccessResponse("created", map[string]string{"id": "c1"})
	assert.True(t, resp.Success)
	assert.Equal(t, "created", resp.Message)
	assert.NotNil(t, resp.Data)
	assert.Empty(t, resp.ErrorCode)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestNewErrorResponse(t *testing.T) {
	resp := NewErrorResponse("conversation not found", "CONVERSATION_NOT_FOUND")
	assert.False(t, resp.Success)
	assert.Equal(t, "CONVERSATION_NOT_FOUND", resp.ErrorCode)
	assert.Nil(t, resp.Data)
}

// =============================================================================
// Mode / Status Tests
// =============================================================================

func TestConversationMode_Valid(t *testing.T) {
	assert.True(t, ModeWorkflow.Valid())
	assert.True(t, ModeAgent.Valid())
	assert.False(t, ConversationMode("chat").Valid())
	assert.False(t, ConversationMode("").Valid())
}

// =============================================================================
// History Tests
// =============================================================================

func TestConversationHistory_Append_MonotonicTimestamps(t *testing.T) {
	h := &ConversationHistory{ConversationID: "c1", UserID: "u1"}

	h.Append(Message{Role: RoleUser, Content: "first"})
	h.Append(Message{Role: RoleAssistant, Content: "second"})
	// A stale explicit timestamp must not move time backwards.
	h.Append(Message{
		Role: RoleUser, Content: "third",
		Timestamp: time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC),
	})

	require.Len(t, h.Messages, 3)
	for i := 1; i < len(h.Messages); i++ {
		assert.False(t, h.Messages[i].Timestamp.Before(h.Messages[i-1].Timestamp),
			"timestamps must be non-decreasing (index %d)", i)
	}
	assert.False(t, h.UpdatedAt.IsZero())
}

func TestConversationHistory_Append_PreservesFutureTimestamp(t *testing.T) {
	h := &ConversationHistory{}
	future := time.Now().UTC().Add(time.Hour)
	h.Append(Message{Role: RoleUser, Content: "x", Timestamp: future})

	require.Len(t, h.Messages, 1)
	assert.Equal(t, future, h.Messages[0].Timestamp)
}
