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
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/Sitka/services/orchestrator/datatypes"
	"github.com/AleutianAI/Sitka/services/orchestrator/services"
)

// basicAnswerMaxItems bounds the extract list in a fallback answer.
const basicAnswerMaxItems = 6

// stageSynthesize streams the final answer.
//
// # Description
//
// Builds the synthesis prompt over every sub-task outcome, streams the
// model's answer token-by-token onto the event channel, and returns the
// assembled answer. Tokens accumulate in locked memory until the stream
// completes, so partial answers never sit in swappable heap.
//
// Any failure (no secure memory, stream establishment, a mid-stream
// error, an empty completion) advises the stream and degrades to a
// basic answer assembled from the retrieved context.
func (r *run) stageSynthesize(ctx context.Context, outcomes []datatypes.TaskOutcome) string {
	defer stageTimer(datatypes.StageResponseGeneration)()
	ctx, span := pipelineTracer.Start(ctx, "pipeline.stage.synthesize")
	defer span.End()

	acc, err := NewTokenAccumulator()
	if err != nil {
		span.SetAttributes(attribute.Bool("pipeline.fallback", true))
		return r.synthesisFallback(ctx, outcomes, err)
	}
	// Idempotent; a no-op after a successful Finalize.
	defer acc.Destroy()

	req := services.CompletionRequest{
		System:      synthesisSystem,
		Prompt:      buildSynthesisPrompt(r.expanded, r.analysis, outcomes, r.priorHistory),
		Temperature: r.engine.synthTemp,
	}
	var stream <-chan services.StreamChunk
	err = r.engine.chatBreaker.Do(ctx, func(ctx context.Context) error {
		s, callErr := r.engine.chat.Stream(ctx, req)
		if callErr != nil {
			return callErr
		}
		stream = s
		return nil
	})
	if err != nil {
		span.SetAttributes(attribute.Bool("pipeline.fallback", true))
		return r.synthesisFallback(ctx, outcomes, err)
	}

	var wroteAny bool
	for chunk := range stream {
		if chunk.Err != nil {
			// Terminal by contract: the channel closes after this.
			span.SetAttributes(attribute.Bool("pipeline.fallback", true))
			return r.synthesisFallback(ctx, outcomes, chunk.Err)
		}
		if chunk.Content == "" {
			continue
		}
		if !wroteAny && chunk.Content == services.EmptyCompletionPlaceholder {
			// The adapter's empty-stream placeholder is not an answer.
			continue
		}
		if writeErr := acc.Write(chunk.Content); writeErr != nil {
			drainStream(stream)
			span.SetAttributes(attribute.Bool("pipeline.fallback", true))
			return r.synthesisFallback(ctx, outcomes, writeErr)
		}
		wroteAny = true
		r.emit(ctx, datatypes.NewContentEvent(r.task.ID(), chunk.Content).
			WithStage(datatypes.StageGeneratingAnswer))
	}

	answer, digest, err := acc.Finalize()
	if err != nil || strings.TrimSpace(answer) == "" {
		if err == nil {
			err = fmt.Errorf("model produced no answer")
		}
		span.SetAttributes(attribute.Bool("pipeline.fallback", true))
		return r.synthesisFallback(ctx, outcomes, err)
	}

	span.SetAttributes(attribute.Int("pipeline.answer_chars", len(answer)))
	r.engine.logger.Debug("answer synthesized",
		"conversation_id", r.task.ID(),
		"answer_chars", len(answer),
		"answer_hash", digest[:16])
	return answer
}

// synthesisFallback advises the stream and emits a basic answer built
// from whatever retrieval produced.
func (r *run) synthesisFallback(ctx context.Context, outcomes []datatypes.TaskOutcome, cause error) string {
	code, msg := datatypes.ClassifiedMessage(cause)
	r.engine.logger.Warn("answer synthesis failed, assembling basic answer",
		"conversation_id", r.task.ID(),
		"code", code,
		"error", msg)

	advisory := datatypes.NewStatusEvent(r.task.ID(), datatypes.StageResponseGeneration).
		WithStatus("fallback")
	advisory.Description = "answer generation failed; assembling a basic answer from retrieved context"
	r.emit(ctx, advisory)

	answer := basicAnswer(r.question, outcomes)
	r.emit(ctx, datatypes.NewContentEvent(r.task.ID(), answer).
		WithStage(datatypes.StageGeneratingAnswer))
	return answer
}

// basicAnswer assembles the degraded answer: the user's question plus an
// extract list of the top retrieval hits, bounded by
// basicAnswerMaxItems.
func basicAnswer(question string, outcomes []datatypes.TaskOutcome) string {
	var b strings.Builder
	n := 0
	for _, out := range outcomes {
		if out.Failed() {
			continue
		}
		for _, res := range out.Results {
			if n == basicAnswerMaxItems {
				break
			}
			title := res.Title
			if title == "" {
				title = "(untitled)"
			}
			fmt.Fprintf(&b, "- [%s] %s: %s\n", res.Source, title, truncate(res.Content, resultSnippetLimit))
			n++
		}
	}
	if n == 0 {
		return fmt.Sprintf("I could not answer %q: answer generation is unavailable "+
			"and retrieval returned nothing usable.", question)
	}
	return fmt.Sprintf("I could not generate a full answer for %q, but retrieval found:\n%s",
		question, b.String())
}

// appendAssistant records the answer on the conversation history,
// annotated with the retrieval sources that fed it.
func (r *run) appendAssistant(answer string, outcomes []datatypes.TaskOutcome) {
	msg := datatypes.Message{Role: datatypes.RoleAssistant, Content: answer}
	if labels := sourceLabels(outcomes); len(labels) > 0 {
		msg.Metadata = map[string]any{"sources": labels}
	}
	r.task.AppendMessage(msg)
}

// sourceLabels collects distinct source labels from successful outcomes,
// in outcome order.
func sourceLabels(outcomes []datatypes.TaskOutcome) []string {
	seen := make(map[string]bool)
	var labels []string
	for _, out := range outcomes {
		for _, res := range out.Results {
			label := res.Source
			if res.Title != "" {
				label += ": " + res.Title
			}
			if res.URL != "" {
				label += " (" + res.URL + ")"
			}
			if label != "" && !seen[label] {
				seen[label] = true
				labels = append(labels, label)
			}
		}
	}
	return labels
}

// drainStream unblocks a chunk producer after its consumer gives up.
func drainStream(stream <-chan services.StreamChunk) {
	go func() {
		for range stream {
		}
	}()
}
