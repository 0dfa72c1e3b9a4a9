// Aleutian AI - Sitka conversational retrieval service
// Copyright (C) 2025 Aleutian AI
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package conversation keeps the live state of every conversation the
// service is holding: its history, lifecycle status, the event channel
// its active stream multiplexes, and the guards around it (single
// streamer per conversation, per-user rate limit, upstream circuit
// breaker, idle-TTL sweeping).
//
// # Thread Safety
//
// All types in this package are safe for concurrent use.
package conversation

import (
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/Sitka/services/orchestrator/datatypes"
)

// ===== Sentinel Errors =====

var (
	// ErrConversationNotFound marks lookups of ids the store does not
	// hold. Wire code CONVERSATION_NOT_FOUND.
	ErrConversationNotFound = datatypes.NewCodedError(
		datatypes.ErrCodeConversationNotFound, "conversation not found")

	// ErrConversationClosed marks operations against a closed
	// conversation. It shares CONVERSATION_NOT_FOUND on the wire: a
	// closed conversation is gone as far as callers are concerned.
	ErrConversationClosed = datatypes.NewCodedError(
		datatypes.ErrCodeConversationNotFound, "conversation is closed")

	// ErrUnsupportedMode marks creation requests for modes outside
	// {workflow, agent}. Wire code UNSUPPORTED_MODE.
	ErrUnsupportedMode = datatypes.NewCodedError(
		datatypes.ErrCodeUnsupportedMode, "unsupported conversation mode")

	// ErrStreamBusy marks a second concurrent stream attempt on one
	// conversation. Wire code STREAM_ERROR.
	ErrStreamBusy = datatypes.NewCodedError(
		datatypes.ErrCodeStream, "conversation already has an active stream")
)

// eventBufferSize is the per-stream channel capacity. The multiplexer
// drains continuously, so the buffer only has to absorb bursts between
// its reads.
const eventBufferSize = 256

// ===== ConversationTask =====

// Task is one live conversation.
//
// # Description
//
// A Task owns the conversation's history and lifecycle state and hands
// out one event channel per chat turn. The channel is the seam between
// the answering driver (producer) and the SSE writer (consumer): the
// driver sends StreamEvents into it and closes it when the turn is
// over; the writer drains it onto the wire.
//
// Only one stream may be active per conversation. TryBeginStream is a
// try-lock: a second caller fails immediately with ErrStreamBusy
// instead of queueing behind the first.
//
// # Thread Safety
//
// Safe for concurrent use. All mutable state is protected by mu.
type Task struct {
	id     string
	userID string

	mu              sync.Mutex
	mode            datatypes.ConversationMode
	history         datatypes.ConversationHistory
	status          datatypes.ConversationStatus
	stage           string
	progress        float64
	errorCount      int
	lastError       string
	closed          bool
	streaming       bool
	events          chan datatypes.StreamEvent
	knowledgeBases  []datatypes.KnowledgeBase
	knowledgeAPIURL string
	createdAt       time.Time
	updatedAt       time.Time
	now             func() time.Time
}

// NewTask builds a pending conversation.
func NewTask(id, userID string, mode datatypes.ConversationMode) *Task {
	now := time.Now().UTC()
	return &Task{
		id:     id,
		userID: userID,
		mode:   mode,
		history: datatypes.ConversationHistory{
			ConversationID: id,
			UserID:         userID,
			CreatedAt:      now,
			UpdatedAt:      now,
		},
		status:    datatypes.StatusPending,
		createdAt: now,
		updatedAt: now,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (t *Task) ID() string     { return t.id }
func (t *Task) UserID() string { return t.userID }

// Mode returns the conversation's current driver mode.
func (t *Task) Mode() datatypes.ConversationMode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mode
}

// SetMode switches the driver mode for this and subsequent turns. An
// unsupported mode is rejected and leaves the current mode in place.
func (t *Task) SetMode(mode datatypes.ConversationMode) error {
	if !mode.Valid() {
		return fmt.Errorf("mode %q: %w", mode, ErrUnsupportedMode)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mode = mode
	t.touchLocked()
	return nil
}

// touchLocked advances updatedAt. Caller must hold mu.
func (t *Task) touchLocked() {
	t.updatedAt = t.now()
}

// ===== Stream Lock =====

// TryBeginStream claims the conversation's single stream slot and
// returns a fresh event channel for the turn.
//
// # Outputs
//
// ErrStreamBusy if another stream is active, ErrConversationClosed if
// the conversation was closed. On success the caller owns the turn and
// must call EndStream when done; the driver closes the returned channel
// after its terminal event.
func (t *Task) TryBeginStream() (chan datatypes.StreamEvent, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("conversation %s: %w", t.id, ErrConversationClosed)
	}
	if t.streaming {
		return nil, fmt.Errorf("conversation %s: %w", t.id, ErrStreamBusy)
	}

	t.streaming = true
	t.status = datatypes.StatusRunning
	t.events = make(chan datatypes.StreamEvent, eventBufferSize)
	t.touchLocked()
	return t.events, nil
}

// EndStream releases the stream slot. Idempotent.
func (t *Task) EndStream() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.streaming = false
	t.events = nil
	t.touchLocked()
}

// Streaming reports whether a stream is active.
func (t *Task) Streaming() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streaming
}

// ===== History =====

// SeedHistory replaces the history with a caller-supplied transcript.
// Used when a chat request carries its own message list; an empty seed
// is ignored so a missing field never wipes server-side state.
func (t *Task) SeedHistory(msgs []datatypes.Message) {
	if len(msgs) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.history.Messages = t.history.Messages[:0]
	for _, m := range msgs {
		t.history.Append(m)
	}
	t.touchLocked()
}

// AppendMessage appends one turn to the history.
func (t *Task) AppendMessage(msg datatypes.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.history.Append(msg)
	t.touchLocked()
}

// History returns a copy of the message log.
func (t *Task) History() []datatypes.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]datatypes.Message, len(t.history.Messages))
	copy(out, t.history.Messages)
	return out
}

// MessageCount returns the history length.
func (t *Task) MessageCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.history.Messages)
}

// ===== Knowledge Base Context =====

// SetKnowledgeContext stores the per-conversation retrieval context:
// candidate knowledge bases and an optional store URL override.
func (t *Task) SetKnowledgeContext(kbs []datatypes.KnowledgeBase, apiURL string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(kbs) > 0 {
		t.knowledgeBases = append(t.knowledgeBases[:0], kbs...)
	}
	if apiURL != "" {
		t.knowledgeAPIURL = apiURL
	}
	t.touchLocked()
}

// KnowledgeContext returns the candidate knowledge bases and store URL
// override for this conversation.
func (t *Task) KnowledgeContext() ([]datatypes.KnowledgeBase, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	kbs := make([]datatypes.KnowledgeBase, len(t.knowledgeBases))
	copy(kbs, t.knowledgeBases)
	return kbs, t.knowledgeAPIURL
}

// ===== Lifecycle =====

// SetStage records pipeline progress for listing endpoints.
func (t *Task) SetStage(stage string, progress float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stage = stage
	if progress >= 0 && progress <= 1 {
		t.progress = progress
	}
	t.touchLocked()
}

// RecordError notes a turn failure without closing the conversation; a
// failed turn still leaves the conversation usable.
func (t *Task) RecordError(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errorCount++
	t.lastError = msg
	t.status = datatypes.StatusError
	t.touchLocked()
}

// Complete marks a turn finished.
func (t *Task) Complete() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = datatypes.StatusCompleted
	t.progress = 1.0
	t.touchLocked()
}

// Close marks the conversation closed. In-flight statuses collapse to
// cancelled; terminal statuses are preserved. Idempotent.
func (t *Task) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	if t.status == datatypes.StatusPending || t.status == datatypes.StatusRunning {
		t.status = datatypes.StatusCancelled
	}
	t.touchLocked()
}

// Closed reports whether Close has been called.
func (t *Task) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// LastUpdated returns the most recent mutation time.
func (t *Task) LastUpdated() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.updatedAt
}

// Summary snapshots the task for listing endpoints.
func (t *Task) Summary() datatypes.ConversationSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return datatypes.ConversationSummary{
		ConversationID: t.id,
		UserID:         t.userID,
		Mode:           t.mode,
		Status:         t.status,
		CurrentStage:   t.stage,
		Progress:       t.progress,
		MessageCount:   len(t.history.Messages),
		Streaming:      t.streaming,
		ErrorCount:     t.errorCount,
		LastError:      t.lastError,
		CreatedAt:      t.createdAt,
		UpdatedAt:      t.updatedAt,
	}
}
