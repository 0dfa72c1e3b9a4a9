// Aleutian AI - Sitka conversational retrieval service
// Copyright (C) 2025 Aleutian AI
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package handlers implements the orchestrator's HTTP surface: the
// conversation REST endpoints, the SSE stream endpoint, and the
// multiplexer that bridges the answering engines onto the wire.
//
// # Description
//
// Both chat endpoints share one admission sequence (parse, validate,
// rate-limit, resolve the conversation, take its stream slot) and one
// driving loop; they differ only in how events reach the client. The
// stream endpoint forwards every event as an SSE frame and reports
// failures on the wire as a single error frame followed by the [DONE]
// sentinel. The messages endpoint collects content events and answers
// with one JSON envelope, mapping failure codes onto HTTP statuses.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/Sitka/services/orchestrator/agent"
	"github.com/AleutianAI/Sitka/services/orchestrator/conversation"
	"github.com/AleutianAI/Sitka/services/orchestrator/datatypes"
	"github.com/AleutianAI/Sitka/services/orchestrator/middleware"
	"github.com/AleutianAI/Sitka/services/orchestrator/observability"
	"github.com/AleutianAI/Sitka/services/orchestrator/pipeline"
)

var handlersTracer = otel.Tracer("sitka.orchestrator.handlers")

// ===== Drivers =====

// Driver answers one chat turn, emitting events onto the channel. The
// driver only sends; the caller closes the channel after Run returns.
type Driver interface {
	Run(ctx context.Context, task *conversation.Task, message, token string, events chan<- datatypes.StreamEvent) error
}

// WorkflowDriver adapts the staged workflow engine to the Driver shape.
func WorkflowDriver(engine *pipeline.Engine) Driver { return workflowDriver{engine} }

type workflowDriver struct{ engine *pipeline.Engine }

func (d workflowDriver) Run(ctx context.Context, task *conversation.Task, message, token string, events chan<- datatypes.StreamEvent) error {
	return d.engine.Run(ctx, pipeline.RunInput{Task: task, Message: message, Token: token, Events: events})
}

// AgentDriver adapts the agent graph engine to the Driver shape.
func AgentDriver(engine *agent.Engine) Driver { return agentDriver{engine} }

type agentDriver struct{ engine *agent.Engine }

func (d agentDriver) Run(ctx context.Context, task *conversation.Task, message, token string, events chan<- datatypes.StreamEvent) error {
	return d.engine.Run(ctx, agent.RunInput{Task: task, Message: message, Token: token, Events: events})
}

// KnowledgeDirectory supplies default knowledge-base candidates for
// conversations whose requests carry none. The manifest watcher
// implements it; nil means no defaults.
type KnowledgeDirectory interface {
	KnowledgeBases() []datatypes.KnowledgeBase
}

// ===== Chat Handler =====

// ChatConfig wires a ChatHandler.
type ChatConfig struct {
	// Store resolves conversation ids to live tasks. Required.
	Store *conversation.Manager

	// Limiter is consulted before any turn is admitted. Required.
	Limiter *conversation.RateLimiter

	// Workflow answers workflow-mode turns. Required.
	Workflow Driver

	// Agent answers agent-mode turns. Required.
	Agent Driver

	// Directory supplies default knowledge bases. Optional.
	Directory KnowledgeDirectory

	// ChunkSize bounds one content frame; zero means the default.
	ChunkSize int

	Logger *slog.Logger
}

// ChatHandler serves the messages and stream endpoints.
//
// # Thread Safety
//
// Safe for concurrent use; per-conversation exclusivity comes from the
// task's stream slot, not from the handler.
type ChatHandler struct {
	store     *conversation.Manager
	limiter   *conversation.RateLimiter
	drivers   map[datatypes.ConversationMode]Driver
	directory KnowledgeDirectory
	chunkSize int
	logger    *slog.Logger
}

// NewChatHandler validates the wiring and builds the handler.
func NewChatHandler(cfg ChatConfig) (*ChatHandler, error) {
	if cfg.Store == nil {
		return nil, errors.New("chat handler: nil store")
	}
	if cfg.Limiter == nil {
		return nil, errors.New("chat handler: nil rate limiter")
	}
	if cfg.Workflow == nil || cfg.Agent == nil {
		return nil, errors.New("chat handler: both mode drivers are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatHandler{
		store:   cfg.Store,
		limiter: cfg.Limiter,
		drivers: map[datatypes.ConversationMode]Driver{
			datatypes.ModeWorkflow: cfg.Workflow,
			datatypes.ModeAgent:    cfg.Agent,
		},
		directory: cfg.Directory,
		chunkSize: cfg.ChunkSize,
		logger:    logger,
	}, nil
}

// ===== Turn Admission =====

// turn is one admitted chat turn: the locked conversation, the parsed
// request, the resolved credential, and the engine that will answer it.
type turn struct {
	task   *conversation.Task
	req    datatypes.ChatRequest
	token  string
	events chan datatypes.StreamEvent
	driver Driver
}

// beginTurn runs the shared admission sequence for both chat endpoints:
// parse, validate, rate-limit, resolve the conversation, apply a
// requested mode switch, seed history and knowledge context, resolve
// the bearer credential, and take the stream slot. On success the
// caller owns the turn and must EndStream when done with it.
func (h *ChatHandler) beginTurn(c *gin.Context, conversationID string) (*turn, error) {
	var req datatypes.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, datatypes.WrapCode(datatypes.ErrCodeValidation,
			fmt.Errorf("malformed request body: %w", err))
	}
	// The path id is authoritative; a body id is ignored.
	req.ConversationID = conversationID

	if err := req.Validate(); err != nil {
		return nil, err
	}

	if err := h.limiter.Allow(req.UserID); err != nil {
		return nil, err
	}

	task, err := h.store.GetOpen(conversationID)
	if err != nil {
		return nil, err
	}

	if req.Mode != "" && datatypes.ConversationMode(req.Mode) != task.Mode() {
		if err := task.SetMode(datatypes.ConversationMode(req.Mode)); err != nil {
			return nil, err
		}
	}
	driver, ok := h.drivers[task.Mode()]
	if !ok {
		return nil, fmt.Errorf("mode %q: %w", task.Mode(), conversation.ErrUnsupportedMode)
	}

	task.SeedHistory(req.Messages)

	if len(req.KnowledgeBases) > 0 {
		task.SetKnowledgeContext(req.KnowledgeBases, req.KnowledgeAPIURL)
	} else if h.directory != nil {
		if kbs, _ := task.KnowledgeContext(); len(kbs) == 0 {
			if defaults := h.directory.KnowledgeBases(); len(defaults) > 0 {
				task.SetKnowledgeContext(defaults, req.KnowledgeAPIURL)
			}
		}
	}

	token := middleware.BearerToken(c)
	if token == "" {
		token = req.BodyToken()
	}

	events, err := task.TryBeginStream()
	if err != nil {
		return nil, err
	}

	return &turn{task: task, req: req, token: token, events: events, driver: driver}, nil
}

// drive runs the turn's driver on its own goroutine and feeds every
// event it emits to sink, in order. Returns the driver's error once the
// event channel has fully drained. A panic that escapes the driver is
// converted to a RUNTIME_ERROR instead of killing the process.
func (h *ChatHandler) drive(ctx context.Context, t *turn, sink eventSink) error {
	done := make(chan error, 1)
	go func() {
		defer close(t.events)
		defer func() {
			if rec := recover(); rec != nil {
				done <- datatypes.NewCodedError(datatypes.ErrCodeRuntime,
					fmt.Sprintf("driver panic: %v", rec))
			}
		}()
		done <- t.driver.Run(ctx, t.task, t.req.Message, t.token, t.events)
	}()

	for ev := range t.events {
		sink.consume(ev)
	}
	return <-done
}

// ===== Stream Endpoint =====

// HandleStream serves POST /conversations/:id/stream.
//
// # Description
//
// The response is an SSE stream from the first byte. Every failure past
// routing (malformed body, validation, rate limit, unknown
// conversation, unsupported mode, busy stream, or a dead turn) is
// reported as a single error frame and the stream still ends with
// exactly one [DONE] sentinel.
func (h *ChatHandler) HandleStream(c *gin.Context) {
	start := time.Now()
	const endpoint = observability.EndpointStream

	ctx, span := handlersTracer.Start(c.Request.Context(), "HandleStream")
	defer span.End()

	if m := observability.DefaultMetrics; m != nil {
		m.StreamStarted(endpoint)
		defer m.StreamEnded(endpoint)
	}
	success := false
	defer func() {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordRequest(endpoint, success)
			m.RecordStreamDuration(endpoint, time.Since(start).Seconds(), success)
		}
	}()

	conversationID := c.Param("id")
	span.SetAttributes(attribute.String("conversation.id", conversationID))

	// Step 1: Become a stream before anything can fail.
	SetSSEHeaders(c.Writer)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		h.logger.Error("sse not supported by response writer", "error", err)
		c.JSON(http.StatusInternalServerError,
			datatypes.NewErrorResponse(err.Error(), string(datatypes.ErrCodeStream)))
		return
	}
	mux := newMultiplexer(writer, conversationID, h.chunkSize)

	// Step 2: Admit the turn; failures go out on the wire.
	t, err := h.beginTurn(c, conversationID)
	if err != nil {
		code, msg := datatypes.ClassifiedMessage(err)
		h.reportError(endpoint, code)
		span.RecordError(err)
		h.logger.Warn("stream rejected",
			"conversation_id", conversationID, "code", code, "error", msg)
		_ = mux.fail(code, msg)
		return
	}
	defer t.task.EndStream()

	// Step 3: Drive the turn and forward its events.
	runErr := h.drive(ctx, t, mux)
	if m := observability.DefaultMetrics; m != nil {
		m.RecordContentFrames(endpoint, mux.responses)
	}
	if runErr != nil {
		code, msg := datatypes.ClassifiedMessage(runErr)
		h.reportError(endpoint, code)
		span.RecordError(runErr)
		t.task.RecordError(msg)
		h.logger.Error("stream turn failed",
			"conversation_id", conversationID, "code", code, "error", msg)
		_ = mux.fail(code, msg)
		return
	}

	// Step 4: Terminal framing and bookkeeping.
	t.task.Complete()
	if err := mux.finish(); err != nil {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordClientDisconnect(endpoint)
		}
		h.logger.Warn("client went away mid-stream",
			"conversation_id", conversationID, "error", err)
		return
	}
	success = true
}

// ===== Messages Endpoint =====

// chatTurnData is the non-streaming payload: the assistant's reply plus
// each content frame in emission order.
type chatTurnData struct {
	Message   string    `json:"message"`
	Responses []string  `json:"responses"`
	Timestamp time.Time `json:"timestamp"`
}

// responseCollector aggregates a turn's events for the non-streaming
// endpoint. Only content carries user-visible text; status and progress
// frames are dropped.
type responseCollector struct {
	responses []string
}

func (rc *responseCollector) consume(ev datatypes.StreamEvent) {
	if ev.Type == datatypes.EventContent {
		rc.responses = append(rc.responses, ev.Content)
	}
}

var _ eventSink = (*responseCollector)(nil)

// answer prefers the assistant message the engine appended to history;
// advisory lines in the content stream make naive concatenation
// unreliable.
func (rc *responseCollector) answer(task *conversation.Task) string {
	history := task.History()
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == datatypes.RoleAssistant {
			return history[i].Content
		}
	}
	return strings.Join(rc.responses, "")
}

// HandleMessages serves POST /conversations/:id/messages.
//
// # Description
//
// Runs the same turn the stream endpoint would run, but buffers the
// events and answers once with the aggregated result. Failure codes map
// onto HTTP statuses instead of SSE error frames.
func (h *ChatHandler) HandleMessages(c *gin.Context) {
	start := time.Now()
	const endpoint = observability.EndpointMessages

	ctx, span := handlersTracer.Start(c.Request.Context(), "HandleMessages")
	defer span.End()

	if m := observability.DefaultMetrics; m != nil {
		m.StreamStarted(endpoint)
		defer m.StreamEnded(endpoint)
	}
	success := false
	defer func() {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordRequest(endpoint, success)
			m.RecordStreamDuration(endpoint, time.Since(start).Seconds(), success)
		}
	}()

	conversationID := c.Param("id")
	span.SetAttributes(attribute.String("conversation.id", conversationID))

	t, err := h.beginTurn(c, conversationID)
	if err != nil {
		code, msg := datatypes.ClassifiedMessage(err)
		h.reportError(endpoint, code)
		span.RecordError(err)
		c.JSON(httpStatusFor(code), datatypes.NewErrorResponse(msg, string(code)))
		return
	}
	defer t.task.EndStream()

	collector := &responseCollector{}
	runErr := h.drive(ctx, t, collector)
	if m := observability.DefaultMetrics; m != nil {
		m.RecordContentFrames(endpoint, len(collector.responses))
	}
	if runErr != nil {
		code, msg := datatypes.ClassifiedMessage(runErr)
		h.reportError(endpoint, code)
		span.RecordError(runErr)
		t.task.RecordError(msg)
		h.logger.Error("message turn failed",
			"conversation_id", conversationID, "code", code, "error", msg)
		c.JSON(httpStatusFor(code), datatypes.NewErrorResponse(msg, string(code)))
		return
	}

	t.task.Complete()
	success = true
	c.JSON(http.StatusOK, datatypes.NewSuccessResponse("message processed", chatTurnData{
		Message:   collector.answer(t.task),
		Responses: collector.responses,
		Timestamp: time.Now().UTC(),
	}))
}

// ===== Shared Helpers =====

func (h *ChatHandler) reportError(endpoint observability.Endpoint, code datatypes.ErrorCode) {
	if m := observability.DefaultMetrics; m != nil {
		m.RecordError(endpoint, code)
	}
}

// httpStatusFor maps taxonomy codes onto REST statuses for the
// non-streaming endpoints.
func httpStatusFor(code datatypes.ErrorCode) int {
	switch code {
	case datatypes.ErrCodeValidation, datatypes.ErrCodeUnsupportedMode:
		return http.StatusBadRequest
	case datatypes.ErrCodeConversationNotFound:
		return http.StatusNotFound
	case datatypes.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case datatypes.ErrCodeStream:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
