// Aleutian AI - Sitka conversational retrieval service
// Copyright (C) 2025 Aleutian AI
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package datatypes

import (
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// Event Types
// =============================================================================

// EventType discriminates the four stream event variants. No other shapes
// are legal on a conversation's event channel.
type EventType string

const (
	EventContent  EventType = "content"
	EventStatus   EventType = "status"
	EventProgress EventType = "progress"
	EventError    EventType = "error"
)

// Valid reports whether t is one of the four legal variants.
func (t EventType) Valid() bool {
	switch t {
	case EventContent, EventStatus, EventProgress, EventError:
		return true
	default:
		return false
	}
}

// =============================================================================
// Stages
// =============================================================================

// Stage identifiers used on status and progress frames.
const (
	StageInitialization     = "initialization"
	StageExpandingQuestion  = "expanding_question"
	StageAnalyzingQuestion  = "analyzing_question"
	StageTaskScheduling     = "task_scheduling"
	StageExecutingTasks     = "executing_tasks"
	StageOnlineSearch       = "online_search"
	StageKnowledgeSearch    = "knowledge_search"
	StageLightRAGQuery      = "lightrag_query"
	StageResponseGeneration = "response_generation"
	StageGeneratingAnswer   = "generating_answer"
	StageCompleted          = "completed"
	StageError              = "error"
)

// stageDescriptions is the fixed rendering table for status frames.
var stageDescriptions = map[string]string{
	StageInitialization:     "initializing conversation",
	StageExpandingQuestion:  "expanding/optimising question",
	StageAnalyzingQuestion:  "analysing question",
	StageTaskScheduling:     "scheduling tasks",
	StageExecutingTasks:     "executing tasks",
	StageOnlineSearch:       "online search running",
	StageKnowledgeSearch:    "knowledge base search running",
	StageLightRAGQuery:      "graph-RAG query running",
	StageResponseGeneration: "generating response",
	StageGeneratingAnswer:   "generating answer",
	StageCompleted:          "processing complete",
	StageError:              "an error occurred",
}

// StageDescription renders the canonical description for a stage. Unknown
// stages fall back to "current stage: <stage>".
func StageDescription(stage string) string {
	if d, ok := stageDescriptions[stage]; ok {
		return d
	}
	return fmt.Sprintf("current stage: %s", stage)
}

// =============================================================================
// Stream Events
// =============================================================================

// StreamEvent is the canonical event record flowing through a
// conversation's internal channel. Exactly one of the four variants; the
// populated fields depend on Type.
//
// ConversationID and Timestamp are set on every event. ConversationID is
// an internal routing field and is not serialized onto the wire; the wire
// form is produced by WireJSON.
type StreamEvent struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"-"`
	Timestamp      time.Time `json:"timestamp"`

	// Content is the text payload of a content event.
	Content string `json:"content,omitempty"`

	// Description is the rendered stage description on a status event.
	Description string `json:"description,omitempty"`

	// Stage tags the event with the pipeline stage that produced it.
	Stage string `json:"stage,omitempty"`

	// Status is the optional sub-state on content/status events
	// (e.g. "completed" on a stage-terminal status).
	Status string `json:"status,omitempty"`

	// Progress ∈ [0,1]. Pointer so absence and zero are distinct.
	Progress *float64 `json:"progress,omitempty"`

	// Code and Message populate error events.
	Code    string `json:"code,omitempty"`
	Message string `json:"error,omitempty"`

	// Metadata carries optional structured extras (e.g. the terminal
	// frame's total_responses / content_received counters).
	Metadata map[string]any `json:"metadata,omitempty"`
}

// clampProgress forces fraction into [0,1].
func clampProgress(fraction float64) float64 {
	if fraction < 0 {
		return 0
	}
	if fraction > 1 {
		return 1
	}
	return fraction
}

// NewContentEvent builds a content event.
func NewContentEvent(conversationID, content string) StreamEvent {
	return StreamEvent{
		Type:           EventContent,
		ConversationID: conversationID,
		Timestamp:      time.Now().UTC(),
		Content:        content,
	}
}

// NewStatusEvent builds a status event with the canonical description for
// stage.
func NewStatusEvent(conversationID, stage string) StreamEvent {
	return StreamEvent{
		Type:           EventStatus,
		ConversationID: conversationID,
		Timestamp:      time.Now().UTC(),
		Stage:          stage,
		Description:    StageDescription(stage),
	}
}

// NewProgressEvent builds a progress event; fraction is clamped to [0,1].
func NewProgressEvent(conversationID, stage string, fraction float64) StreamEvent {
	p := clampProgress(fraction)
	return StreamEvent{
		Type:           EventProgress,
		ConversationID: conversationID,
		Timestamp:      time.Now().UTC(),
		Stage:          stage,
		Progress:       &p,
	}
}

// NewErrorEvent builds an error event carrying a taxonomy code and a
// human-readable message.
func NewErrorEvent(conversationID, code, message string) StreamEvent {
	return StreamEvent{
		Type:           EventError,
		ConversationID: conversationID,
		Timestamp:      time.Now().UTC(),
		Code:           code,
		Message:        message,
	}
}

// NewCompletionEvent builds the multiplexer's terminal status frame:
// stage=completed, status=completed, description "all tasks done", and the
// stream counters in metadata.
func NewCompletionEvent(conversationID string, totalResponses int, contentReceived bool) StreamEvent {
	p := 1.0
	return StreamEvent{
		Type:           EventStatus,
		ConversationID: conversationID,
		Timestamp:      time.Now().UTC(),
		Stage:          StageCompleted,
		Status:         "completed",
		Description:    "all tasks done",
		Progress:       &p,
		Metadata: map[string]any{
			"total_responses":  totalResponses,
			"content_received": contentReceived,
		},
	}
}

// WithStage returns a copy tagged with stage.
func (e StreamEvent) WithStage(stage string) StreamEvent {
	e.Stage = stage
	return e
}

// WithStatus returns a copy carrying the sub-state.
func (e StreamEvent) WithStatus(status string) StreamEvent {
	e.Status = status
	return e
}

// WithProgress returns a copy carrying a clamped progress fraction.
func (e StreamEvent) WithProgress(fraction float64) StreamEvent {
	p := clampProgress(fraction)
	e.Progress = &p
	return e
}

// WithMetadata returns a copy carrying metadata.
func (e StreamEvent) WithMetadata(metadata map[string]any) StreamEvent {
	e.Metadata = metadata
	return e
}

// =============================================================================
// Wire Serialization
// =============================================================================

// wireTime renders the timestamp in the canonical RFC3339Nano UTC form.
func (e StreamEvent) wireTime() string {
	return e.Timestamp.UTC().Format(time.RFC3339Nano)
}

// WireJSON serializes the event into its canonical compact JSON form, the
// payload of one `data: <json>` SSE frame. Field sets and ordering are
// fixed per variant; encoding/json emits no inter-field whitespace.
func (e StreamEvent) WireJSON() ([]byte, error) {
	switch e.Type {
	case EventContent:
		return json.Marshal(struct {
			Type      EventType `json:"type"`
			Content   string    `json:"content"`
			Timestamp string    `json:"timestamp"`
			Stage     string    `json:"stage,omitempty"`
			Status    string    `json:"status,omitempty"`
			Progress  *float64  `json:"progress,omitempty"`
		}{e.Type, e.Content, e.wireTime(), e.Stage, e.Status, e.Progress})

	case EventStatus:
		return json.Marshal(struct {
			Type        EventType      `json:"type"`
			Description string         `json:"description"`
			Stage       string         `json:"stage"`
			Timestamp   string         `json:"timestamp"`
			Status      string         `json:"status,omitempty"`
			Progress    *float64       `json:"progress,omitempty"`
			Metadata    map[string]any `json:"metadata,omitempty"`
		}{e.Type, e.Description, e.Stage, e.wireTime(), e.Status, e.Progress, e.Metadata})

	case EventProgress:
		var p float64
		if e.Progress != nil {
			p = *e.Progress
		}
		return json.Marshal(struct {
			Type      EventType `json:"type"`
			Progress  float64   `json:"progress"`
			Stage     string    `json:"stage"`
			Timestamp string    `json:"timestamp"`
		}{e.Type, p, e.Stage, e.wireTime()})

	case EventError:
		return json.Marshal(struct {
			Type      EventType      `json:"type"`
			Error     string         `json:"error"`
			Code      string         `json:"code"`
			Timestamp string         `json:"timestamp"`
			Metadata  map[string]any `json:"metadata,omitempty"`
		}{e.Type, e.Message, e.Code, e.wireTime(), e.Metadata})

	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
}
