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

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/Sitka/services/orchestrator/services"
)

// selectCollection picks which document collection a knowledge_search
// sub-task queries.
//
// # Description
//
// The conversation's knowledge context drives the choice: no candidates
// means the sentinel collection, one candidate is taken as-is, and two
// or more go through a low-temperature model pick constrained to the
// candidate list. A selector answer naming anything outside the list,
// or any selector failure, falls back to the first candidate. The
// document store applies its own sentinel fallback if the chosen name
// turns out not to exist.
func (r *run) selectCollection(ctx context.Context, query string) string {
	candidates, _ := r.task.KnowledgeContext()
	switch len(candidates) {
	case 0:
		return services.DefaultCollectionName
	case 1:
		return candidates[0].Name
	}

	ctx, span := pipelineTracer.Start(ctx, "pipeline.select_collection")
	defer span.End()
	span.SetAttributes(attribute.Int("pipeline.candidates", len(candidates)))

	var out selectorResponse
	err := r.engine.chatBreaker.Do(ctx, func(ctx context.Context) error {
		return r.engine.chat.CompleteJSON(ctx, services.CompletionRequest{
			System:      selectorSystem,
			Prompt:      buildSelectorPrompt(query, candidates),
			Temperature: tempSelector,
		}, &out)
	})
	if err != nil {
		r.engine.logger.Warn("collection selection failed, using first candidate",
			"conversation_id", r.task.ID(), "error", err)
		return candidates[0].Name
	}

	for _, kb := range candidates {
		if kb.Name == out.CollectionName {
			r.engine.logger.Debug("collection selected",
				"conversation_id", r.task.ID(),
				"collection", kb.Name,
				"reason", out.Reason)
			return kb.Name
		}
	}
	r.engine.logger.Warn("selector chose an unknown collection, using first candidate",
		"conversation_id", r.task.ID(), "chosen", out.CollectionName)
	return candidates[0].Name
}
