// Aleutian AI - Sitka conversational retrieval service
// Copyright (C) 2025 Aleutian AI
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package pipeline

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/Sitka/services/orchestrator/datatypes"
)

// subTaskStage maps a task type to the stage label its stream frames
// carry.
func subTaskStage(t datatypes.TaskType) string {
	switch t {
	case datatypes.TaskOnlineSearch:
		return datatypes.StageOnlineSearch
	case datatypes.TaskKnowledgeSearch:
		return datatypes.StageKnowledgeSearch
	case datatypes.TaskLightRAGSearch:
		return datatypes.StageLightRAGQuery
	default:
		return datatypes.StageExecutingTasks
	}
}

// executePlan fans the plan out across the retrieval backends.
//
// # Description
//
// Sub-tasks run concurrently, at most plan.MaxConcurrency at once,
// under one shared deadline of plan.Timeout. Each outcome lands in the
// slot matching its task's position in the plan, while completion
// events hit the stream in the order sub-tasks actually finish. A
// sub-task failure, timeout, or panic is recorded in its own slot and
// never cancels a sibling.
//
// # Outputs
//
// One outcome per planned task, in plan order. Failures are encoded in
// the outcome's Err field as "CODE: message"; executePlan itself cannot
// fail.
func (r *run) executePlan(ctx context.Context, plan datatypes.TaskPlan) []datatypes.TaskOutcome {
	defer stageTimer(datatypes.StageExecutingTasks)()
	ctx, span := pipelineTracer.Start(ctx, "pipeline.stage.execute")
	defer span.End()
	span.SetAttributes(
		attribute.Int("pipeline.tasks", len(plan.Tasks)),
		attribute.Int("pipeline.max_concurrency", plan.MaxConcurrency),
	)

	outcomes := make([]datatypes.TaskOutcome, len(plan.Tasks))
	if len(plan.Tasks) == 0 {
		return outcomes
	}

	execCtx, cancel := context.WithTimeout(ctx, plan.Timeout)
	defer cancel()

	// completionMu serializes the per-completion stream frames so the
	// content line and its progress frame stay adjacent and the
	// completed counter stays in step with what the client has seen.
	var completionMu sync.Mutex
	completed := 0

	var g errgroup.Group
	g.SetLimit(plan.MaxConcurrency)
	for i, st := range plan.Tasks {
		g.Go(func() error {
			// Failures land in the outcome slot, never in the group
			// error: returning non-nil would let one bad backend
			// abort its siblings.
			outcomes[i] = r.runSubTask(execCtx, st)

			completionMu.Lock()
			completed++
			r.emitSubTaskResult(execCtx, outcomes[i])
			r.emit(execCtx, datatypes.NewProgressEvent(r.task.ID(),
				datatypes.StageExecutingTasks,
				executeProgress(completed, len(plan.Tasks))))
			completionMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// executeProgress interpolates sub-task completions into the workflow's
// progress axis, so progress frames never step backwards across stages.
func executeProgress(completed, total int) float64 {
	return progressPlan + (progressExecute-progressPlan)*float64(completed)/float64(total)
}

// runSubTask executes one planned retrieval task against its backend.
// It always returns an outcome; errors and panics are folded into it.
func (r *run) runSubTask(ctx context.Context, st datatypes.SearchTask) (out datatypes.TaskOutcome) {
	out = datatypes.TaskOutcome{Type: st.Type, Query: st.Query}

	defer func() {
		if rec := recover(); rec != nil {
			out.Results = nil
			out.Err = failureMessage(datatypes.WrapCode(datatypes.ErrCodeRuntime,
				fmt.Errorf("sub-task panic: %v", rec)))
		}
		subTasksTotal.WithLabelValues(string(st.Type), outcomeLabel(out)).Inc()
	}()

	// Queued behind SetLimit past the deadline: record the timeout
	// without touching the backend.
	if err := ctx.Err(); err != nil {
		out.Err = failureMessage(err)
		return out
	}

	r.emit(ctx, datatypes.NewStatusEvent(r.task.ID(), subTaskStage(st.Type)))

	var (
		results []datatypes.SearchResult
		err     error
	)
	switch st.Type {
	case datatypes.TaskOnlineSearch:
		err = r.engine.searchBreaker.Do(ctx, func(ctx context.Context) error {
			var callErr error
			results, callErr = r.engine.search.Search(ctx, st.Query, 0)
			return callErr
		})

	case datatypes.TaskKnowledgeSearch:
		out.CollectionName = r.selectCollection(ctx, st.Query)
		err = r.engine.docBreaker.Do(ctx, func(ctx context.Context) error {
			res, used, callErr := r.engine.documents.QueryByName(
				ctx, r.token, out.CollectionName, st.Query, defaultTopK)
			if callErr != nil {
				return callErr
			}
			out.CollectionName = used
			results = res.Flatten(used)
			return nil
		})

	case datatypes.TaskLightRAGSearch:
		err = r.engine.graphBreaker.Do(ctx, func(ctx context.Context) error {
			var callErr error
			results, callErr = r.engine.graph.Search(ctx, st.Query, "")
			return callErr
		})

	default:
		err = datatypes.WrapCode(datatypes.ErrCodeValidation,
			fmt.Errorf("unknown task type %q", st.Type))
	}

	if err != nil {
		r.engine.logger.Warn("sub-task failed",
			"conversation_id", r.task.ID(),
			"task_type", st.Type,
			"error", err)
		out.Err = failureMessage(err)
		return out
	}
	out.Results = results
	return out
}

// emitSubTaskResult streams one completion line for a finished sub-task.
func (r *run) emitSubTaskResult(ctx context.Context, out datatypes.TaskOutcome) {
	var line string
	switch {
	case out.Failed():
		line = fmt.Sprintf("%s failed: %s\n", out.Type, out.Err)
	case out.Type == datatypes.TaskKnowledgeSearch && out.CollectionName != "":
		line = fmt.Sprintf("%s (collection %q) finished with %d result(s).\n",
			out.Type, out.CollectionName, len(out.Results))
	case len(out.Results) == 0:
		line = fmt.Sprintf("%s finished with no results.\n", out.Type)
	default:
		line = fmt.Sprintf("%s finished with %d result(s).\n", out.Type, len(out.Results))
	}
	r.emit(ctx, datatypes.NewContentEvent(r.task.ID(), line).WithStage(subTaskStage(out.Type)))
}

// failureMessage renders an error as "CODE: message" for outcome slots.
func failureMessage(err error) string {
	code, msg := datatypes.ClassifiedMessage(err)
	return fmt.Sprintf("%s: %s", code, msg)
}
