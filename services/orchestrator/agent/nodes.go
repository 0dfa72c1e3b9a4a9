// Aleutian AI - Sitka conversational retrieval service
// Copyright (C) 2025 Aleutian AI
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package agent

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/Sitka/services/orchestrator/datatypes"
	"github.com/AleutianAI/Sitka/services/orchestrator/services"
)

// fallbackAnswerMaxItems bounds the raw results folded into a fallback
// answer.
const fallbackAnswerMaxItems = 6

// ===== Master =====

// runMaster decides the next step: gather more, or answer. At the
// iteration cap it terminates the graph instead.
func (r *graphRun) runMaster(ctx context.Context) string {
	ctx, span := agentTracer.Start(ctx, "agent.node.master")
	defer span.End()

	if r.state.Iteration >= maxIterations {
		r.say(ctx, nodeMaster, fmt.Sprintf(
			"Iteration limit reached after %d round(s); stopping retrieval.\n",
			r.state.Iteration))
		return nodeTerminate
	}
	r.state.Iteration++
	span.SetAttributes(attribute.Int("agent.iteration", r.state.Iteration))

	var out masterResponse
	err := r.engine.chatBreaker.Do(ctx, func(ctx context.Context) error {
		return r.engine.chat.CompleteJSON(ctx, services.CompletionRequest{
			System:      masterSystem,
			Prompt:      buildMasterPrompt(r.state),
			Temperature: tempMaster,
		}, &out)
	})

	decision := strings.ToLower(strings.TrimSpace(out.Decision))
	reasoning := strings.TrimSpace(out.Reasoning)
	if err != nil || (decision != decisionContinue && decision != decisionFinish) {
		// Forced verdict: answer if there is anything to answer from,
		// otherwise go gather.
		if r.state.sufficientInfo() {
			decision = decisionFinish
		} else {
			decision = decisionContinue
		}
		reasoning = "routing decision unavailable, decided from gathered context"
		r.engine.logger.Warn("master decision failed, forcing verdict",
			"conversation_id", r.task.ID(),
			"iteration", r.state.Iteration,
			"decision", decision,
			"error", err)
	}

	r.state.MasterDecision = decision
	r.state.NeedMoreInfo = decision == decisionContinue
	r.state.recordOutput(nodeMaster, reasoning)
	span.SetAttributes(attribute.String("agent.decision", decision))

	line := fmt.Sprintf("Master decided to %s.\n", decision)
	if reasoning != "" {
		line = fmt.Sprintf("Master decided to %s: %s\n", decision, reasoning)
	}
	r.say(ctx, nodeMaster, line)

	if decision == decisionFinish {
		return nodeFinalOutput
	}
	return nodeQueryOptimizer
}

// ===== Query Optimizer =====

// runQueryOptimizer rewrites the question into focused retrieval
// queries. Failure degrades to searching with the question verbatim.
func (r *graphRun) runQueryOptimizer(ctx context.Context) string {
	ctx, span := agentTracer.Start(ctx, "agent.node.query_optimizer")
	defer span.End()

	var out optimizerResponse
	err := r.engine.chatBreaker.Do(ctx, func(ctx context.Context) error {
		return r.engine.chat.CompleteJSON(ctx, services.CompletionRequest{
			System:      optimizerSystem,
			Prompt:      buildOptimizerPrompt(r.state),
			Temperature: tempOptimizer,
		}, &out)
	})

	queries := make([]string, 0, maxOptimizedQueries)
	if err == nil {
		for _, q := range out.Queries {
			q = strings.TrimSpace(q)
			if q == "" {
				continue
			}
			queries = append(queries, q)
			if len(queries) == maxOptimizedQueries {
				break
			}
		}
	}
	if len(queries) == 0 {
		if err != nil {
			r.engine.logger.Warn("query optimization failed, using the question verbatim",
				"conversation_id", r.task.ID(), "error", err)
		}
		queries = []string{r.state.UserQuestion}
		r.say(ctx, nodeQueryOptimizer,
			"Query optimization is unavailable; searching with the question as-is.\n")
	} else {
		r.say(ctx, nodeQueryOptimizer, fmt.Sprintf(
			"Optimized retrieval: %s.\n", strings.Join(queries, "; ")))
	}

	r.state.OptimizedQueries = queries
	r.state.recordOutput(nodeQueryOptimizer, strings.Join(queries, "; "))
	span.SetAttributes(attribute.Int("agent.queries", len(queries)))
	return nodeParallelSearch
}

// ===== Parallel Search =====

// runParallelSearch fans the optimized queries across all three
// retrieval backends at once. Backend failures are isolated: they cost
// that backend's results, never the node.
func (r *graphRun) runParallelSearch(ctx context.Context) string {
	ctx, span := agentTracer.Start(ctx, "agent.node.parallel_search")
	defer span.End()

	queries := r.state.OptimizedQueries
	if len(queries) == 0 {
		queries = []string{r.state.UserQuestion}
	}

	callCtx, cancel := context.WithTimeout(ctx, datatypes.DefaultPlanTimeout)
	defer cancel()

	var g errgroup.Group
	g.Go(func() error {
		r.searchWorker(ctx, datatypes.StageOnlineSearch, "online_search",
			&r.state.OnlineResults, func() ([]datatypes.SearchResult, error) {
				var results []datatypes.SearchResult
				err := r.engine.searchBreaker.Do(callCtx, func(ctx context.Context) error {
					var searchErr error
					results, searchErr = r.engine.search.Search(ctx, pickQuery(queries, 0), 0)
					return searchErr
				})
				return results, err
			})
		return nil
	})
	g.Go(func() error {
		r.searchWorker(ctx, datatypes.StageKnowledgeSearch, "knowledge_search",
			&r.state.KnowledgeResults, func() ([]datatypes.SearchResult, error) {
				var results []datatypes.SearchResult
				err := r.engine.docBreaker.Do(callCtx, func(ctx context.Context) error {
					res, used, queryErr := r.engine.documents.QueryByName(
						ctx, r.token, r.knowledgeCollection(), pickQuery(queries, 1), agentTopK)
					if queryErr != nil {
						return queryErr
					}
					results = res.Flatten(used)
					return nil
				})
				return results, err
			})
		return nil
	})
	g.Go(func() error {
		r.searchWorker(ctx, datatypes.StageLightRAGQuery, "lightrag_search",
			&r.state.LightRAGResults, func() ([]datatypes.SearchResult, error) {
				var results []datatypes.SearchResult
				err := r.engine.graphBreaker.Do(callCtx, func(ctx context.Context) error {
					var searchErr error
					results, searchErr = r.engine.graph.Search(ctx, pickQuery(queries, 2), "")
					return searchErr
				})
				return results, err
			})
		return nil
	})
	_ = g.Wait()

	span.SetAttributes(
		attribute.Int("agent.online_results", len(r.state.OnlineResults)),
		attribute.Int("agent.knowledge_results", len(r.state.KnowledgeResults)),
		attribute.Int("agent.lightrag_results", len(r.state.LightRAGResults)),
	)

	if r.state.hasResults() {
		return nodeSummary
	}
	r.say(ctx, nodeParallelSearch, "No backend returned results; re-planning.\n")
	return nodeMaster
}

// searchWorker runs one backend call, appends its results to sink, and
// reports the outcome on the stream. Panics and failures stay inside
// the worker.
func (r *graphRun) searchWorker(emitCtx context.Context, stage, label string,
	sink *[]datatypes.SearchResult, fn func() ([]datatypes.SearchResult, error)) {

	defer func() {
		if rec := recover(); rec != nil {
			err := datatypes.WrapCode(datatypes.ErrCodeRuntime,
				fmt.Errorf("%s panic: %v", label, rec))
			r.say(emitCtx, stage, fmt.Sprintf("%s failed: %s\n", label, failureMessage(err)))
		}
	}()

	results, err := fn()
	switch {
	case err != nil:
		r.engine.logger.Warn("agent search backend failed",
			"conversation_id", r.task.ID(), "backend", label, "error", err)
		r.say(emitCtx, stage, fmt.Sprintf("%s failed: %s\n", label, failureMessage(err)))
	case len(results) == 0:
		r.say(emitCtx, stage, fmt.Sprintf("%s returned no results.\n", label))
	default:
		*sink = append(*sink, results...)
		r.say(emitCtx, stage, fmt.Sprintf("%s returned %d result(s).\n", label, len(results)))
	}
}

// pickQuery assigns the i-th optimized query to the i-th backend,
// reusing the last query when the optimizer produced fewer.
func pickQuery(queries []string, i int) string {
	if i < len(queries) {
		return queries[i]
	}
	return queries[len(queries)-1]
}

// knowledgeCollection names the document collection agent searches
// query: the conversation's first candidate, or empty to let the store
// fall back to its sentinel.
func (r *graphRun) knowledgeCollection() string {
	candidates, _ := r.task.KnowledgeContext()
	if len(candidates) == 0 {
		return ""
	}
	return candidates[0].Name
}

// failureMessage renders err as "CODE: message" for outcome lines.
func failureMessage(err error) string {
	code, msg := datatypes.ClassifiedMessage(err)
	return fmt.Sprintf("%s: %s", code, msg)
}

// ===== Summary =====

// runSummary condenses the gathered results into per-backend
// summaries, then routes: answer when the context is sufficient (or the
// cap forces it), otherwise back to master.
func (r *graphRun) runSummary(ctx context.Context) string {
	ctx, span := agentTracer.Start(ctx, "agent.node.summary")
	defer span.End()

	var out summaryResponse
	err := r.engine.chatBreaker.Do(ctx, func(ctx context.Context) error {
		return r.engine.chat.CompleteJSON(ctx, services.CompletionRequest{
			System:      summarySystem,
			Prompt:      buildSummaryPrompt(r.state),
			Temperature: tempSummary,
		}, &out)
	})
	if err != nil {
		r.engine.logger.Warn("summarization failed, keeping mechanical summaries",
			"conversation_id", r.task.ID(), "error", err)
		out = mechanicalSummaries(r.state)
		r.say(ctx, nodeSummary,
			"Summarization is unavailable; keeping raw result counts.\n")
	}

	// A summary only counts for a backend that retrieved something; the
	// model cannot talk a missing group into existence. An empty answer
	// never erases an earlier round's summary.
	applySummary(&r.state.OnlineSummary, out.OnlineSummary, r.state.OnlineResults)
	applySummary(&r.state.KnowledgeSummary, out.KnowledgeSummary, r.state.KnowledgeResults)
	applySummary(&r.state.LightRAGSummary, out.LightRAGSummary, r.state.LightRAGResults)

	r.state.NeedMoreInfo = !r.state.sufficientInfo()
	r.state.recordOutput(nodeSummary, renderGathered(r.state))

	summarized := 0
	for _, s := range []string{r.state.OnlineSummary, r.state.KnowledgeSummary, r.state.LightRAGSummary} {
		if s != "" {
			summarized++
		}
	}
	r.say(ctx, nodeSummary, fmt.Sprintf(
		"Summarized retrieval from %d source group(s).\n", summarized))
	span.SetAttributes(attribute.Int("agent.summaries", summarized))

	if r.state.sufficientInfo() || r.state.Iteration >= maxIterations {
		return nodeFinalOutput
	}
	return nodeMaster
}

// applySummary installs a model summary for one backend, guarded by
// that backend having results.
func applySummary(dst *string, candidate string, results []datatypes.SearchResult) {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" || len(results) == 0 {
		return
	}
	*dst = candidate
}

// mechanicalSummaries builds count-based summaries for every backend
// with results, so a dead chat upstream cannot strand the graph in its
// loop.
func mechanicalSummaries(s *AgentState) summaryResponse {
	return summaryResponse{
		OnlineSummary:    countSummary(s.OnlineResults),
		KnowledgeSummary: countSummary(s.KnowledgeResults),
		LightRAGSummary:  countSummary(s.LightRAGResults),
	}
}

func countSummary(results []datatypes.SearchResult) string {
	if len(results) == 0 {
		return ""
	}
	title := results[0].Title
	if title == "" {
		title = "(untitled)"
	}
	return fmt.Sprintf("%d result(s) retrieved; leading: %s", len(results), title)
}

// ===== Final Output =====

// runFinalOutput streams the answer over the gathered context. Any
// failure degrades to a bounded basic answer assembled from the state.
func (r *graphRun) runFinalOutput(ctx context.Context) string {
	ctx, span := agentTracer.Start(ctx, "agent.node.final_output")
	defer span.End()

	req := services.CompletionRequest{
		System:      finalSystem,
		Prompt:      buildFinalPrompt(r.state),
		Temperature: r.engine.finalTemp,
	}
	var stream <-chan services.StreamChunk
	err := r.engine.chatBreaker.Do(ctx, func(ctx context.Context) error {
		var streamErr error
		stream, streamErr = r.engine.chat.Stream(ctx, req)
		return streamErr
	})
	if err != nil {
		return r.finalFallback(ctx, err)
	}

	var b strings.Builder
	wroteAny := false
	for chunk := range stream {
		if chunk.Err != nil {
			// Terminal by contract: the channel closes after this.
			return r.finalFallback(ctx, chunk.Err)
		}
		if chunk.Content == "" {
			continue
		}
		if !wroteAny && chunk.Content == services.EmptyCompletionPlaceholder {
			continue
		}
		b.WriteString(chunk.Content)
		wroteAny = true
		r.emit(ctx, datatypes.NewContentEvent(r.task.ID(), chunk.Content).
			WithStage(datatypes.StageGeneratingAnswer))
	}

	answer := strings.TrimSpace(b.String())
	if answer == "" {
		return r.finalFallback(ctx, fmt.Errorf("model produced no answer"))
	}
	r.state.FinalAnswer = answer
	r.state.recordOutput(nodeFinalOutput, truncate(answer, snippetLimit))
	span.SetAttributes(attribute.Int("agent.answer_chars", len(answer)))
	return nodeTerminate
}

// finalFallback assembles the degraded answer, advises the stream, and
// terminates the graph.
func (r *graphRun) finalFallback(ctx context.Context, cause error) string {
	code, msg := datatypes.ClassifiedMessage(cause)
	r.engine.logger.Warn("final answer generation failed, assembling basic answer",
		"conversation_id", r.task.ID(), "code", code, "error", msg)

	advisory := datatypes.NewStatusEvent(r.task.ID(), datatypes.StageResponseGeneration).
		WithStatus("fallback")
	advisory.Description = "answer generation failed; assembling a basic answer from retrieved context"
	r.emit(ctx, advisory)

	answer := fallbackAnswer(r.state)
	r.state.FinalAnswer = answer
	r.state.recordOutput(nodeFinalOutput, truncate(answer, snippetLimit))
	r.emit(ctx, datatypes.NewContentEvent(r.task.ID(), answer).
		WithStage(datatypes.StageGeneratingAnswer))
	return nodeTerminate
}

// fallbackAnswer builds the degraded answer from whatever the graph
// gathered: summaries first, raw results second, an apology last.
func fallbackAnswer(s *AgentState) string {
	if s.hasSummary() {
		var b strings.Builder
		if s.OnlineSummary != "" {
			fmt.Fprintf(&b, "- online_search: %s\n", s.OnlineSummary)
		}
		if s.KnowledgeSummary != "" {
			fmt.Fprintf(&b, "- knowledge_search: %s\n", s.KnowledgeSummary)
		}
		if s.LightRAGSummary != "" {
			fmt.Fprintf(&b, "- lightrag_search: %s\n", s.LightRAGSummary)
		}
		return fmt.Sprintf("I could not generate a full answer for %q, but research found:\n%s",
			s.UserQuestion, b.String())
	}

	results := s.allResults()
	if len(results) == 0 {
		return fmt.Sprintf("I could not answer %q: answer generation is unavailable and research returned nothing usable.",
			s.UserQuestion)
	}
	var b strings.Builder
	for i, res := range results {
		if i >= fallbackAnswerMaxItems {
			break
		}
		title := res.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(&b, "- [%s] %s: %s\n", res.Source, title, truncate(res.Content, snippetLimit))
	}
	return fmt.Sprintf("I could not generate a full answer for %q, but research found:\n%s",
		s.UserQuestion, b.String())
}
