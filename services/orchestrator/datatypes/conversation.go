// Aleutian AI - Sitka conversational retrieval service
// Copyright (C) 2025 Aleutian AI
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package datatypes defines the wire and domain types shared across the
// orchestrator: conversation history, retrieval plans, stream events, and
// the HTTP request/response envelopes.
//
// Types here are plain data. Behaviour (locking, channels, adapters) lives
// in the packages that own it; datatypes stays import-light so every other
// orchestrator package can depend on it without cycles.
package datatypes

import (
	"time"
)

// =============================================================================
// Roles and Modes
// =============================================================================

// Message roles. Only these three are legal on a conversation message.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ConversationMode selects the driver for a conversation.
type ConversationMode string

const (
	// ModeWorkflow runs the five-stage pipeline
	// (expand, analyse, plan, execute, synthesize).
	ModeWorkflow ConversationMode = "workflow"

	// ModeAgent runs the five-node agent graph with optional checkpoints.
	ModeAgent ConversationMode = "agent"
)

// Valid reports whether m is a supported mode.
func (m ConversationMode) Valid() bool {
	return m == ModeWorkflow || m == ModeAgent
}

// ConversationStatus is the lifecycle state of a conversation task.
type ConversationStatus string

const (
	StatusPending   ConversationStatus = "pending"
	StatusRunning   ConversationStatus = "running"
	StatusCompleted ConversationStatus = "completed"
	StatusError     ConversationStatus = "error"
	StatusCancelled ConversationStatus = "cancelled"
)

// =============================================================================
// Core Conversation Types
// =============================================================================

// Message is one turn in a conversation. Immutable once appended to a
// history.
type Message struct {
	// Role is one of RoleUser, RoleAssistant, RoleSystem.
	Role string `json:"role" validate:"required,oneof=user assistant system"`

	// Content is the message text.
	Content string `json:"content" validate:"required"`

	// Timestamp is when the message was appended (UTC).
	Timestamp time.Time `json:"timestamp"`

	// Metadata carries optional per-message annotations (e.g. source
	// labels on a synthesized answer).
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ConversationHistory is the append-only message log for one conversation.
//
// Insertion order is the authoritative ordering: messages grow
// monotonically and timestamps are non-decreasing within one conversation.
// Only the driver that owns the conversation task mutates it.
type ConversationHistory struct {
	ConversationID string         `json:"conversation_id"`
	UserID         string         `json:"user_id"`
	Messages       []Message      `json:"messages"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Append adds a message and advances UpdatedAt. Timestamps never move
// backwards: a message carrying a zero or stale timestamp is stamped with
// the later of now and the previous message's timestamp.
func (h *ConversationHistory) Append(msg Message) {
	now := time.Now().UTC()
	if msg.Timestamp.IsZero() || msg.Timestamp.Before(h.lastTimestamp()) {
		msg.Timestamp = now
		if last := h.lastTimestamp(); msg.Timestamp.Before(last) {
			msg.Timestamp = last
		}
	}
	h.Messages = append(h.Messages, msg)
	h.UpdatedAt = now
}

func (h *ConversationHistory) lastTimestamp() time.Time {
	if len(h.Messages) == 0 {
		return time.Time{}
	}
	return h.Messages[len(h.Messages)-1].Timestamp
}

// KnowledgeBase is a caller-supplied candidate collection for
// knowledge_search sub-tasks. Name doubles as the collection lookup key.
type KnowledgeBase struct {
	Name        string `json:"name" yaml:"name" validate:"required,max=256"`
	Description string `json:"description,omitempty" yaml:"description,omitempty" validate:"max=2048"`
}

// =============================================================================
// Store Snapshots
// =============================================================================

// ConversationSummary is a point-in-time snapshot of one conversation for
// listing endpoints. It never exposes the live task handle.
type ConversationSummary struct {
	ConversationID string             `json:"conversation_id"`
	UserID         string             `json:"user_id"`
	Mode           ConversationMode   `json:"mode"`
	Status         ConversationStatus `json:"status"`
	CurrentStage   string             `json:"current_stage,omitempty"`
	Progress       float64            `json:"progress"`
	MessageCount   int                `json:"message_count"`
	Streaming      bool               `json:"streaming"`
	ErrorCount     int                `json:"error_count"`
	LastError      string             `json:"last_error,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// StoreStatistics aggregates conversation counts by mode and status.
type StoreStatistics struct {
	TotalConversations int            `json:"total_conversations"`
	ByMode             map[string]int `json:"by_mode"`
	ByStatus           map[string]int `json:"by_status"`
}
