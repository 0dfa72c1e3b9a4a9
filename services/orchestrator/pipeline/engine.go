// Aleutian AI - Sitka conversational retrieval service
// Copyright (C) 2025 Aleutian AI
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package pipeline runs the five-stage retrieval workflow that answers
// one chat turn: expand the question in dialog context, analyse it,
// plan retrieval, execute the plan as parallel sub-tasks, and
// synthesize the answer from whatever retrieval produced.
//
// Every stage reports onto the conversation's event channel as it runs,
// so a client watching the stream sees the turn take shape. Stage
// failures degrade instead of aborting: a stage that cannot do its job
// falls back (original question, generic analysis, default plan, basic
// answer) and the turn still completes. Only a dead context or a panic
// ends a run early.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/Sitka/services/orchestrator/conversation"
	"github.com/AleutianAI/Sitka/services/orchestrator/datatypes"
	"github.com/AleutianAI/Sitka/services/orchestrator/services"
)

var pipelineTracer = otel.Tracer("sitka.orchestrator.pipeline")

// ===== Stage Temperatures =====

// Sampling temperatures pinned per stage. Planning and selection want
// near-deterministic output; expansion tolerates a little variety.
const (
	tempExpand   float32 = 0.4
	tempAnalyse  float32 = 0.3
	tempPlan     float32 = 0.2
	tempSelector float32 = 0.1
)

// defaultSynthesisTemperature is used when Deps leaves it unset.
const defaultSynthesisTemperature float32 = 0.7

// ===== Stage Progress =====

// Cumulative progress reported as each stage completes. The terminal
// completed frame always carries 1.0.
const (
	progressExpand  = 0.2
	progressAnalyse = 0.35
	progressPlan    = 0.45
	progressExecute = 0.8
)

// defaultTopK is how many documents a knowledge_search sub-task requests.
const defaultTopK = 5

// ===== Advisory Lines =====

// Content lines emitted when a stage falls back. The stream stays
// conversational: the client sees why the turn degraded.
const (
	expansionFallbackNotice = "Question expansion is unavailable; continuing with the original question.\n"
	analysisFallbackNotice  = "Expert analysis is unavailable; continuing with a general reading of the question.\n"
	planFallbackNotice      = "Task planning did not produce a usable plan; running the default retrieval plan.\n"
)

// ===== Engine =====

// Deps carries the adapters and tuning the engine needs. Chat, Search,
// Documents, and Graph are required.
type Deps struct {
	Chat      services.ChatClient
	Search    services.WebSearcher
	Documents services.DocumentStore
	Graph     services.GraphSearcher

	// MaxConcurrentTasks overrides each plan's concurrency bound when
	// positive.
	MaxConcurrentTasks int

	// SynthesisTemperature is the sampling temperature for the final
	// answer. Zero means defaultSynthesisTemperature; the earlier
	// stages pin their own.
	SynthesisTemperature float32

	Logger *slog.Logger
}

// Engine executes the workflow for conversations in workflow mode.
//
// # Description
//
// One Engine serves every conversation; per-turn state lives in a run,
// never on the Engine. Each external adapter sits behind its own
// circuit breaker so a dead upstream fails fast without poisoning the
// others. Breakers only count infrastructure failures (timeouts,
// connection errors, HTTP failures); validation and parse errors pass
// through without opening them.
//
// # Thread Safety
//
// Safe for concurrent use. Run may be called from any number of
// goroutines at once; the adapters are required to be concurrency-safe
// and the breakers lock internally.
type Engine struct {
	chat      services.ChatClient
	search    services.WebSearcher
	documents services.DocumentStore
	graph     services.GraphSearcher

	maxConcurrent int
	synthTemp     float32
	logger        *slog.Logger

	chatBreaker   *conversation.CircuitBreaker
	searchBreaker *conversation.CircuitBreaker
	docBreaker    *conversation.CircuitBreaker
	graphBreaker  *conversation.CircuitBreaker
}

// New builds an Engine over deps.
//
// # Input Validation
//
// All four adapters must be non-nil; a nil Logger falls back to
// slog.Default().
func New(deps Deps) (*Engine, error) {
	switch {
	case deps.Chat == nil:
		return nil, datatypes.NewCodedError(datatypes.ErrCodeValidation, "pipeline: nil chat client")
	case deps.Search == nil:
		return nil, datatypes.NewCodedError(datatypes.ErrCodeValidation, "pipeline: nil web searcher")
	case deps.Documents == nil:
		return nil, datatypes.NewCodedError(datatypes.ErrCodeValidation, "pipeline: nil document store")
	case deps.Graph == nil:
		return nil, datatypes.NewCodedError(datatypes.ErrCodeValidation, "pipeline: nil graph searcher")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	synthTemp := deps.SynthesisTemperature
	if synthTemp <= 0 {
		synthTemp = defaultSynthesisTemperature
	}
	return &Engine{
		chat:          deps.Chat,
		search:        deps.Search,
		documents:     deps.Documents,
		graph:         deps.Graph,
		maxConcurrent: deps.MaxConcurrentTasks,
		synthTemp:     synthTemp,
		logger:        logger,
		chatBreaker:   newAdapterBreaker("chat"),
		searchBreaker: newAdapterBreaker("web_search"),
		docBreaker:    newAdapterBreaker("document_store"),
		graphBreaker:  newAdapterBreaker("graph_rag"),
	}, nil
}

// newAdapterBreaker builds a breaker that opens on infrastructure
// failures only.
func newAdapterBreaker(name string) *conversation.CircuitBreaker {
	return conversation.NewCircuitBreaker(name,
		conversation.WithFailurePredicate(isBreakerFailure))
}

// isBreakerFailure reports whether err says anything about upstream
// health. Validation, parse, and not-found failures are the caller's
// problem, not the service's.
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

// Run executes the five-stage workflow for one turn.
//
// # Description
//
// Emits status, progress, and content events onto in.Events as the
// stages run, appends the user message and the synthesized assistant
// message to the task history, and leaves the task's stage at
// completed. Degraded stages fall back and the turn still completes;
// a non-nil return means the turn died (context gone, or a panic in
// the workflow) and the caller should emit a terminal error event.
//
// # Outputs
//
// nil on a completed turn, the context error when ctx ended the run,
// or a RUNTIME_ERROR-coded error on panic.
func (e *Engine) Run(ctx context.Context, in RunInput) (err error) {
	defer func() {
		outcome := "completed"
		if err != nil {
			outcome = "failed"
		}
		workflowRuns.WithLabelValues(outcome).Inc()
	}()

	if in.Task == nil {
		return datatypes.NewCodedError(datatypes.ErrCodeValidation, "pipeline: nil task")
	}
	if in.Events == nil {
		return datatypes.NewCodedError(datatypes.ErrCodeValidation, "pipeline: nil events channel")
	}
	if strings.TrimSpace(in.Message) == "" {
		return datatypes.NewCodedError(datatypes.ErrCodeValidation, "pipeline: empty message")
	}

	r := &run{
		engine:   e,
		task:     in.Task,
		events:   in.Events,
		token:    in.Token,
		question: in.Message,
	}
	return r.workflow(ctx)
}

// ===== Per-Turn State =====

// run is the per-turn workspace. It lives for one Run call and is only
// touched by that call's goroutine plus the fan-out workers it spawns.
type run struct {
	engine *Engine
	task   *conversation.Task
	events chan<- datatypes.StreamEvent
	token  string

	// question is the raw user message this turn.
	question string

	// priorHistory is the dialog before this turn's user message was
	// appended. Stage prompts replay it as text.
	priorHistory []datatypes.Message

	// expanded and analysis accumulate as stages 0 and 1 complete.
	expanded string
	analysis string
}

// workflow drives the stages in order. Stage helpers never return
// errors; they fall back internally. The only early exits are a dead
// context between stages and a panic.
func (r *run) workflow(ctx context.Context) (err error) {
	ctx, span := pipelineTracer.Start(ctx, "pipeline.workflow")
	defer span.End()
	span.SetAttributes(attribute.String("conversation.id", r.task.ID()))

	defer func() {
		if rec := recover(); rec != nil {
			err = datatypes.WrapCode(datatypes.ErrCodeRuntime,
				fmt.Errorf("workflow panic: %v", rec))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	r.stageStart(ctx, datatypes.StageInitialization)
	r.priorHistory = r.task.History()
	r.task.AppendMessage(datatypes.Message{Role: datatypes.RoleUser, Content: r.question})

	// Stage 0: rewrite the question in dialog context.
	r.stageStart(ctx, datatypes.StageExpandingQuestion)
	r.expanded = r.stageExpand(ctx)
	if err = ctx.Err(); err != nil {
		return err
	}
	r.stageDone(ctx, datatypes.StageExpandingQuestion, progressExpand)

	// Stage 1: expert analysis of the expanded question.
	r.stageStart(ctx, datatypes.StageAnalyzingQuestion)
	r.analysis = r.stageAnalyse(ctx)
	if err = ctx.Err(); err != nil {
		return err
	}
	r.stageDone(ctx, datatypes.StageAnalyzingQuestion, progressAnalyse)

	// Stage 2: plan the retrieval.
	r.stageStart(ctx, datatypes.StageTaskScheduling)
	plan := r.stagePlan(ctx)
	if err = ctx.Err(); err != nil {
		return err
	}
	r.stageDone(ctx, datatypes.StageTaskScheduling, progressPlan)

	// Stage 3: fan the plan out across the retrieval backends.
	r.stageStart(ctx, datatypes.StageExecutingTasks)
	outcomes := r.executePlan(ctx, plan)
	if err = ctx.Err(); err != nil {
		return err
	}
	r.stageDone(ctx, datatypes.StageExecutingTasks, progressExecute)

	// Stage 4: synthesize and stream the answer.
	r.stageStart(ctx, datatypes.StageResponseGeneration)
	answer := r.stageSynthesize(ctx, outcomes)
	if err = ctx.Err(); err != nil {
		return err
	}
	r.appendAssistant(answer, outcomes)
	r.stageDone(ctx, datatypes.StageCompleted, 1.0)

	span.SetAttributes(
		attribute.Int("pipeline.tasks", len(plan.Tasks)),
		attribute.Int("pipeline.answer_chars", len(answer)),
	)
	return nil
}

// ===== Event Helpers =====

// emit delivers ev unless the turn's context is gone. The channel is
// buffered and drained by the stream writer; a blocked send means the
// consumer died, so the context guard is the escape hatch.
func (r *run) emit(ctx context.Context, ev datatypes.StreamEvent) {
	select {
	case r.events <- ev:
	case <-ctx.Done():
	}
}

// stageStart marks the task as entering stage and announces it on the
// stream. Progress is left where the previous stage put it.
func (r *run) stageStart(ctx context.Context, stage string) {
	r.task.SetStage(stage, -1)
	r.emit(ctx, datatypes.NewStatusEvent(r.task.ID(), stage))
}

// stageDone emits the stage-terminal status frame carrying the
// cumulative progress.
func (r *run) stageDone(ctx context.Context, stage string, progress float64) {
	r.task.SetStage(stage, progress)
	r.emit(ctx, datatypes.NewStatusEvent(r.task.ID(), stage).
		WithStatus("completed").
		WithProgress(progress))
}

// advise emits a fallback notice as a content line on the stream.
func (r *run) advise(ctx context.Context, stage, notice string) {
	r.emit(ctx, datatypes.NewContentEvent(r.task.ID(), notice).WithStage(stage))
}

// ===== Stage 0: Expansion =====

// stageExpand rewrites the question into a standalone one. On any
// failure it advises the stream and returns the original question.
func (r *run) stageExpand(ctx context.Context) string {
	defer stageTimer(datatypes.StageExpandingQuestion)()
	ctx, span := pipelineTracer.Start(ctx, "pipeline.stage.expand")
	defer span.End()

	var out expandResponse
	err := r.engine.chatBreaker.Do(ctx, func(ctx context.Context) error {
		return r.engine.chat.CompleteJSON(ctx, services.CompletionRequest{
			System:      expandSystem,
			Prompt:      buildExpandPrompt(r.question, r.priorHistory),
			Temperature: tempExpand,
		}, &out)
	})
	if err != nil || strings.TrimSpace(out.ExpandedQuestion) == "" {
		r.engine.logger.Warn("question expansion failed, using original",
			"conversation_id", r.task.ID(), "error", err)
		span.SetAttributes(attribute.Bool("pipeline.fallback", true))
		r.advise(ctx, datatypes.StageExpandingQuestion, expansionFallbackNotice)
		return r.question
	}

	span.SetAttributes(attribute.String("pipeline.context_relevance", out.ContextRelevance))
	r.engine.logger.Debug("question expanded",
		"conversation_id", r.task.ID(),
		"context_relevance", out.ContextRelevance,
		"reasoning", out.ExpansionReasoning)
	return strings.TrimSpace(out.ExpandedQuestion)
}

// ===== Stage 1: Analysis =====

// stageAnalyse produces the expert reading of the expanded question. On
// failure it advises the stream and returns a generic analysis so the
// planner still has something to work from.
func (r *run) stageAnalyse(ctx context.Context) string {
	defer stageTimer(datatypes.StageAnalyzingQuestion)()
	ctx, span := pipelineTracer.Start(ctx, "pipeline.stage.analyse")
	defer span.End()

	var out analysisResponse
	err := r.engine.chatBreaker.Do(ctx, func(ctx context.Context) error {
		return r.engine.chat.CompleteJSON(ctx, services.CompletionRequest{
			System:      analysisSystem,
			Prompt:      buildAnalysisPrompt(r.expanded, r.priorHistory),
			Temperature: tempAnalyse,
		}, &out)
	})
	if err != nil || strings.TrimSpace(out.ExpertAnalysis) == "" {
		r.engine.logger.Warn("question analysis failed, using generic analysis",
			"conversation_id", r.task.ID(), "error", err)
		span.SetAttributes(attribute.Bool("pipeline.fallback", true))
		r.advise(ctx, datatypes.StageAnalyzingQuestion, analysisFallbackNotice)
		return genericAnalysis(r.expanded)
	}
	return strings.TrimSpace(out.ExpertAnalysis)
}

// genericAnalysis is the Stage-1 fallback: a neutral reading that keeps
// the planner and synthesiser fed when the model is unavailable.
func genericAnalysis(question string) string {
	return fmt.Sprintf("The question %q should be answered from retrieved background "+
		"and directly relevant facts. Cover definitions, current state, and "+
		"authoritative sources where they apply.", question)
}

// ===== Stage 2: Planning =====

// stagePlan asks the model for a retrieval plan and hardens it:
// unknown task types and empty queries are dropped, and a plan with
// nothing left falls back to the default one-task-per-backend plan.
func (r *run) stagePlan(ctx context.Context) datatypes.TaskPlan {
	defer stageTimer(datatypes.StageTaskScheduling)()
	ctx, span := pipelineTracer.Start(ctx, "pipeline.stage.plan")
	defer span.End()

	var out planResponse
	err := r.engine.chatBreaker.Do(ctx, func(ctx context.Context) error {
		return r.engine.chat.CompleteJSON(ctx, services.CompletionRequest{
			System:      planSystem,
			Prompt:      buildPlanPrompt(r.expanded, r.analysis),
			Temperature: tempPlan,
		}, &out)
	})

	valid := make([]datatypes.SearchTask, 0, len(out.Tasks))
	for _, task := range out.Tasks {
		task.Query = strings.TrimSpace(task.Query)
		if task.Type.Valid() && task.Query != "" {
			valid = append(valid, task)
		}
	}

	var plan datatypes.TaskPlan
	if err != nil || len(valid) == 0 {
		r.engine.logger.Warn("task planning failed, using default plan",
			"conversation_id", r.task.ID(),
			"error", err,
			"planned", len(out.Tasks))
		span.SetAttributes(attribute.Bool("pipeline.fallback", true))
		r.advise(ctx, datatypes.StageTaskScheduling, planFallbackNotice)
		plan = datatypes.DefaultTaskPlan(r.expanded)
	} else {
		plan = datatypes.NewTaskPlan(valid)
	}
	if r.engine.maxConcurrent > 0 {
		plan.MaxConcurrency = r.engine.maxConcurrent
	}

	names := make([]string, len(plan.Tasks))
	for i, task := range plan.Tasks {
		names[i] = string(task.Type)
	}
	r.emit(ctx, datatypes.NewContentEvent(r.task.ID(),
		fmt.Sprintf("Scheduled %d retrieval task(s): %s.\n",
			len(plan.Tasks), strings.Join(names, ", "))).
		WithStage(datatypes.StageTaskScheduling))

	span.SetAttributes(attribute.Int("pipeline.tasks", len(plan.Tasks)))
	return plan
}
