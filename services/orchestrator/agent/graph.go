// Aleutian AI - Sitka conversational retrieval service
// Copyright (C) 2025 Aleutian AI
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package agent drives conversations in agent mode: instead of the
// workflow's fixed stage sequence, a directed graph of five nodes
// (master, query_optimizer, parallel_search, summary, final_output)
// loops over shared state until the gathered context is sufficient or
// the iteration cap fires.
//
// Nodes never fail a turn: a node that cannot do its job degrades
// (forced routing decision, question-as-query, mechanical summaries,
// basic answer) and the graph keeps moving. Only a dead context or a
// panic ends a run early. Checkpointing is optional; with a store
// configured the graph snapshots its state after every node.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/Sitka/services/orchestrator/checkpoint"
	"github.com/AleutianAI/Sitka/services/orchestrator/conversation"
	"github.com/AleutianAI/Sitka/services/orchestrator/datatypes"
	"github.com/AleutianAI/Sitka/services/orchestrator/services"
)

var agentTracer = otel.Tracer("sitka.orchestrator.agent")

// ===== Graph Vocabulary =====

// Node names. They double as the stage tag on the events a node emits.
const (
	nodeMaster         = "master"
	nodeQueryOptimizer = "query_optimizer"
	nodeParallelSearch = "parallel_search"
	nodeSummary        = "summary"
	nodeFinalOutput    = "final_output"

	// nodeTerminate is the loop's exit sentinel, never executed.
	nodeTerminate = ""
)

// Master routing verdicts.
const (
	decisionContinue = "continue"
	decisionFinish   = "finish"
)

// maxIterations caps master visits. The graph cannot loop forever: at
// the cap, master terminates and summary routes straight to
// final_output.
const maxIterations = 5

// ===== Node Temperatures =====

// Sampling temperatures pinned per JSON node. Routing wants
// near-deterministic output; query rewriting tolerates variety.
const (
	tempMaster    float32 = 0.2
	tempOptimizer float32 = 0.4
	tempSummary   float32 = 0.3
)

// defaultFinalTemperature is used when Deps leaves it unset.
const defaultFinalTemperature float32 = 0.7

// agentTopK is how many documents the knowledge backend is asked for
// per search round.
const agentTopK = 5

// ===== Engine =====

// Deps carries the adapters and tuning the engine needs. Chat, Search,
// Documents, and Graph are required; Checkpoints may be nil to disable
// checkpointing.
type Deps struct {
	Chat      services.ChatClient
	Search    services.WebSearcher
	Documents services.DocumentStore
	Graph     services.GraphSearcher

	// Checkpoints persists graph state after each node. Nil disables.
	Checkpoints checkpoint.Store

	// FinalTemperature is the sampling temperature for the final
	// answer. Zero means defaultFinalTemperature.
	FinalTemperature float32

	Logger *slog.Logger
}

// Engine executes the graph for conversations in agent mode.
//
// # Description
//
// One Engine serves every conversation; per-turn state lives in a
// graphRun, never on the Engine. Each external adapter sits behind its
// own circuit breaker, labelled separately from the workflow engine's
// so either driver's upstream trouble is visible on its own.
//
// # Thread Safety
//
// Safe for concurrent use. Run may be called from any number of
// goroutines at once.
type Engine struct {
	chat      services.ChatClient
	search    services.WebSearcher
	documents services.DocumentStore
	graph     services.GraphSearcher

	checkpoints checkpoint.Store
	finalTemp   float32
	logger      *slog.Logger

	chatBreaker   *conversation.CircuitBreaker
	searchBreaker *conversation.CircuitBreaker
	docBreaker    *conversation.CircuitBreaker
	graphBreaker  *conversation.CircuitBreaker
}

// New builds an Engine over deps.
func New(deps Deps) (*Engine, error) {
	switch {
	case deps.Chat == nil:
		return nil, datatypes.NewCodedError(datatypes.ErrCodeValidation, "agent: nil chat client")
	case deps.Search == nil:
		return nil, datatypes.NewCodedError(datatypes.ErrCodeValidation, "agent: nil web searcher")
	case deps.Documents == nil:
		return nil, datatypes.NewCodedError(datatypes.ErrCodeValidation, "agent: nil document store")
	case deps.Graph == nil:
		return nil, datatypes.NewCodedError(datatypes.ErrCodeValidation, "agent: nil graph searcher")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	finalTemp := deps.FinalTemperature
	if finalTemp <= 0 {
		finalTemp = defaultFinalTemperature
	}
	return &Engine{
		chat:          deps.Chat,
		search:        deps.Search,
		documents:     deps.Documents,
		graph:         deps.Graph,
		checkpoints:   deps.Checkpoints,
		finalTemp:     finalTemp,
		logger:        logger,
		chatBreaker:   newAdapterBreaker("agent_chat"),
		searchBreaker: newAdapterBreaker("agent_web_search"),
		docBreaker:    newAdapterBreaker("agent_document_store"),
		graphBreaker:  newAdapterBreaker("agent_graph_rag"),
	}, nil
}

// newAdapterBreaker builds a breaker that opens on infrastructure
// failures only.
func newAdapterBreaker(name string) *conversation.CircuitBreaker {
	return conversation.NewCircuitBreaker(name,
		conversation.WithFailurePredicate(isBreakerFailure))
}

// isBreakerFailure reports whether err says anything about upstream
// health.
func isBreakerFailure(err error) bool {
	if err == nil {
		return false
	}
	switch datatypes.ClassifyError(err) {
	case datatypes.ErrCodeTimeout,
		datatypes.ErrCodeConnection,
		datatypes.ErrCodeHTTP,
		datatypes.ErrCodeRuntime,
		datatypes.ErrCodeUnknown:
		return true
	default:
		return false
	}
}

// ===== Run =====

// RunInput carries one chat turn into the engine.
type RunInput struct {
	// Task is the conversation being answered. The engine appends the
	// user and assistant messages and keeps the task's stage current.
	Task *conversation.Task

	// Message is the user's question for this turn.
	Message string

	// Token is the caller's bearer credential, forwarded to the
	// document store. Empty when the caller sent none.
	Token string

	// Events receives the turn's stream events. The engine only sends;
	// closing the channel is the caller's job, after Run returns.
	Events chan<- datatypes.StreamEvent
}

// Run executes the agent graph for one turn.
//
// # Description
//
// Emits an initialization status, then one or more content events per
// graph node as it executes, then the streamed (or fallback) answer,
// then the terminal status{completed, progress=1.0}. The user message
// and the final answer are appended to the task history. A non-nil
// return means the turn died (context gone, or a panic in the graph)
// and the caller should emit a terminal error event.
func (e *Engine) Run(ctx context.Context, in RunInput) (err error) {
	defer func() {
		outcome := "completed"
		if err != nil {
			outcome = "failed"
		}
		graphRuns.WithLabelValues(outcome).Inc()
	}()

	if in.Task == nil {
		return datatypes.NewCodedError(datatypes.ErrCodeValidation, "agent: nil task")
	}
	if in.Events == nil {
		return datatypes.NewCodedError(datatypes.ErrCodeValidation, "agent: nil events channel")
	}
	if strings.TrimSpace(in.Message) == "" {
		return datatypes.NewCodedError(datatypes.ErrCodeValidation, "agent: empty message")
	}

	r := &graphRun{
		engine:   e,
		task:     in.Task,
		events:   in.Events,
		token:    in.Token,
		question: in.Message,
	}
	return r.drive(ctx)
}

// ===== Per-Turn State =====

// graphRun is the per-turn workspace. It lives for one Run call and is
// only touched by that call's goroutine plus the search workers it
// spawns.
type graphRun struct {
	engine *Engine
	task   *conversation.Task
	events chan<- datatypes.StreamEvent
	token  string

	question string
	state    *AgentState
}

// drive loops the graph from master until a node terminates it. Node
// helpers never return errors; they degrade internally. The only early
// exits are a dead context between nodes and a panic.
func (r *graphRun) drive(ctx context.Context) (err error) {
	ctx, span := agentTracer.Start(ctx, "agent.graph")
	defer span.End()
	span.SetAttributes(attribute.String("conversation.id", r.task.ID()))

	defer func() {
		if rec := recover(); rec != nil {
			err = datatypes.WrapCode(datatypes.ErrCodeRuntime,
				fmt.Errorf("agent graph panic: %v", rec))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	r.task.SetStage(datatypes.StageInitialization, -1)
	r.emit(ctx, datatypes.NewStatusEvent(r.task.ID(), datatypes.StageInitialization))
	prior := r.task.History()
	r.task.AppendMessage(datatypes.Message{Role: datatypes.RoleUser, Content: r.question})
	r.state = newAgentState(r.question, prior)

	for node := nodeMaster; node != nodeTerminate; {
		if err = ctx.Err(); err != nil {
			return err
		}
		node = r.step(ctx, node)
	}
	if err = ctx.Err(); err != nil {
		return err
	}

	// A graph that terminated without reaching final_output (master
	// hit the iteration cap with nothing to show) still owes the turn
	// an answer.
	if r.state.FinalAnswer == "" {
		r.state.FinalAnswer = fallbackAnswer(r.state)
		r.emit(ctx, datatypes.NewContentEvent(r.task.ID(), r.state.FinalAnswer).
			WithStage(datatypes.StageGeneratingAnswer))
	}
	r.appendAssistant(r.state.FinalAnswer)

	r.task.SetStage(datatypes.StageCompleted, 1.0)
	r.emit(ctx, datatypes.NewStatusEvent(r.task.ID(), datatypes.StageCompleted).
		WithStatus("completed").
		WithProgress(1.0))

	graphIterations.Observe(float64(r.state.Iteration))
	span.SetAttributes(
		attribute.Int("agent.iterations", r.state.Iteration),
		attribute.StringSlice("agent.path", r.state.ExecutionPath),
		attribute.Int("agent.answer_chars", len(r.state.FinalAnswer)),
	)
	return nil
}

// step executes one node and returns the next, checkpointing the state
// on the way out.
func (r *graphRun) step(ctx context.Context, node string) string {
	defer nodeTimer(node)()
	r.state.enterNode(node)
	r.task.SetStage(node, -1)

	var next string
	switch node {
	case nodeMaster:
		next = r.runMaster(ctx)
	case nodeQueryOptimizer:
		next = r.runQueryOptimizer(ctx)
	case nodeParallelSearch:
		next = r.runParallelSearch(ctx)
	case nodeSummary:
		next = r.runSummary(ctx)
	case nodeFinalOutput:
		next = r.runFinalOutput(ctx)
	}

	r.saveCheckpoint(ctx, node)
	return next
}

// saveCheckpoint snapshots the state after a node. Best-effort: a
// store failure is logged and the turn continues.
func (r *graphRun) saveCheckpoint(ctx context.Context, node string) {
	if r.engine.checkpoints == nil {
		return
	}
	snap, err := r.state.snapshot()
	if err != nil {
		r.engine.logger.Warn("agent state snapshot failed",
			"conversation_id", r.task.ID(), "node", node, "error", err)
		return
	}
	cp := &checkpoint.Checkpoint{
		ThreadID:  r.task.ID(),
		Node:      node,
		Iteration: r.state.Iteration,
		State:     snap,
	}
	if err := r.engine.checkpoints.Save(ctx, cp); err != nil {
		r.engine.logger.Warn("agent checkpoint save failed",
			"conversation_id", r.task.ID(), "node", node, "error", err)
	}
}

// ===== Event Helpers =====

// emit delivers ev unless the turn's context is gone.
func (r *graphRun) emit(ctx context.Context, ev datatypes.StreamEvent) {
	select {
	case r.events <- ev:
	case <-ctx.Done():
	}
}

// say emits a node-level content line tagged with the node as stage.
func (r *graphRun) say(ctx context.Context, node, line string) {
	r.emit(ctx, datatypes.NewContentEvent(r.task.ID(), line).WithStage(node))
}

// appendAssistant appends the final answer to the history, tagged with
// the distinct source labels of everything retrieved.
func (r *graphRun) appendAssistant(answer string) {
	msg := datatypes.Message{Role: datatypes.RoleAssistant, Content: answer}
	if labels := sourceLabels(r.state.allResults()); len(labels) > 0 {
		msg.Metadata = map[string]any{"sources": labels}
	}
	r.task.AppendMessage(msg)
}

// sourceLabels renders distinct "Source: Title (URL)" labels in result
// order.
func sourceLabels(results []datatypes.SearchResult) []string {
	seen := make(map[string]struct{}, len(results))
	var labels []string
	for _, res := range results {
		label := res.Source
		if res.Title != "" {
			if label != "" {
				label += ": "
			}
			label += res.Title
		}
		if res.URL != "" {
			label += " (" + res.URL + ")"
		}
		if label == "" {
			continue
		}
		if _, dup := seen[label]; dup {
			continue
		}
		seen[label] = struct{}{}
		labels = append(labels, label)
	}
	return labels
}
