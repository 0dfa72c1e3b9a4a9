// Aleutian AI - Sitka conversational retrieval service
// Copyright (C) 2025 Aleutian AI
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package datatypes

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// apiValidate is the package-level validator instance. Initialized once;
// validator.Validate is safe for concurrent use.
var apiValidate *validator.Validate

func init() {
	apiValidate = validator.New()
	_ = apiValidate.RegisterValidation("notblank", validateNotBlank)
}

// validateNotBlank rejects strings that are empty or whitespace-only.
// The builtin "required" tag accepts "   ", which is not a usable message.
func validateNotBlank(fl validator.FieldLevel) bool {
	return strings.TrimSpace(fl.Field().String()) != ""
}

// =============================================================================
// Request Types
// =============================================================================

// UserContext carries caller identity alongside a request body. Token is
// the fallback bearer credential when no Authorization header is present.
type UserContext struct {
	UserID string `json:"user_id,omitempty" validate:"omitempty,max=128"`
	Token  string `json:"token,omitempty"`
}

// CreateConversationRequest is the body of POST /api/v1/conversations.
//
// Mode is deliberately not constrained by a validation tag: an unsupported
// mode must surface as UNSUPPORTED_MODE from the store, not as a generic
// validation failure.
type CreateConversationRequest struct {
	UserID          string          `json:"user_id" validate:"required,max=128"`
	Mode            string          `json:"mode,omitempty" validate:"omitempty,max=32"`
	ConversationID  string          `json:"conversation_id,omitempty" validate:"omitempty,max=128"`
	KnowledgeBases  []KnowledgeBase `json:"knowledge_bases,omitempty" validate:"omitempty,max=50,dive"`
	KnowledgeAPIURL string          `json:"knowledge_api_url,omitempty" validate:"omitempty,url"`
	User            *UserContext    `json:"user,omitempty"`
}

// Validate checks structural constraints.
func (r *CreateConversationRequest) Validate() error {
	if err := apiValidate.Struct(r); err != nil {
		return fmt.Errorf("create conversation request validation failed: %w", err)
	}
	return nil
}

// EnsureDefaults fills omitted fields with their documented defaults.
func (r *CreateConversationRequest) EnsureDefaults() {
	if r.Mode == "" {
		r.Mode = string(ModeWorkflow)
	}
}

// ChatRequest is the body of the messages and stream endpoints.
type ChatRequest struct {
	ConversationID  string          `json:"conversation_id,omitempty" validate:"omitempty,max=128"`
	Message         string          `json:"message" validate:"required,notblank"`
	UserID          string          `json:"user_id,omitempty" validate:"omitempty,max=128"`
	Mode            string          `json:"mode,omitempty" validate:"omitempty,max=32"`
	Messages        []Message       `json:"messages,omitempty" validate:"omitempty,max=100,dive"`
	KnowledgeBases  []KnowledgeBase `json:"knowledge_bases,omitempty" validate:"omitempty,max=50,dive"`
	KnowledgeAPIURL string          `json:"knowledge_api_url,omitempty" validate:"omitempty,url"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
	User            *UserContext    `json:"user,omitempty"`
}

// Validate checks structural constraints. An empty or blank message fails
// here and surfaces as VALIDATION_ERROR.
func (r *ChatRequest) Validate() error {
	if err := apiValidate.Struct(r); err != nil {
		return fmt.Errorf("chat request validation failed: %w", err)
	}
	return nil
}

// BodyToken returns the bearer credential embedded in the body, if any.
// The Authorization header takes priority; this is the fallback.
func (r *ChatRequest) BodyToken() string {
	if r.User != nil {
		return r.User.Token
	}
	return ""
}

// =============================================================================
// Response Envelopes
// =============================================================================

// APIResponse is the uniform envelope for all non-streaming endpoints.
type APIResponse struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message,omitempty"`
	Data      any       `json:"data,omitempty"`
	ErrorCode string    `json:"error_code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewSuccessResponse builds a success envelope around data.
func NewSuccessResponse(message string, data any) APIResponse {
	return APIResponse{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// NewErrorResponse builds a failure envelope carrying a taxonomy code.
func NewErrorResponse(message, errorCode string) APIResponse {
	return APIResponse{
		Success:   false,
		Message:   message,
		ErrorCode: errorCode,
		Timestamp: time.Now().UTC(),
	}
}

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services"`
}
