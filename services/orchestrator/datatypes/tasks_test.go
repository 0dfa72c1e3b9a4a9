// Aleutian AI - Sitka conversational retrieval service
// Copyright (C) 2025 Aleutian AI
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package datatypes

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskType_Valid(t *testing.T) {
	assert.True(t, TaskOnlineSearch.Valid())
	assert.True(t, TaskKnowledgeSearch.Valid())
	assert.True(t, TaskLightRAGSearch.Valid())
	assert.False(t, TaskType("bogus").Valid())
	assert.False(t, TaskType("").Valid())
}

func TestNewTaskPlan_Defaults(t *testing.T) {
	plan := NewTaskPlan([]SearchTask{{Type: TaskOnlineSearch, Query: "q"}})
	assert.Equal(t, 3, plan.MaxConcurrency)
	assert.Equal(t, 60*time.Second, plan.Timeout)
	assert.Len(t, plan.Tasks, 1)
}

// TestDefaultTaskPlan verifies the Stage-2 fallback: three tasks, one per
// type, each carrying the expanded question verbatim.
func TestDefaultTaskPlan(t *testing.T) {
	plan := DefaultTaskPlan("what is the airspeed of an unladen swallow?")

	require.Len(t, plan.Tasks, 3, "one task per type")

	seen := map[TaskType]bool{}
	for _, task := range plan.Tasks {
		assert.True(t, task.Type.Valid())
		assert.Equal(t, "what is the airspeed of an unladen swallow?", task.Query,
			"each task uses the expanded question verbatim")
		seen[task.Type] = true
	}
	assert.Len(t, seen, 3, "all three types present")
}

func TestTaskOutcome_Failed(t *testing.T) {
	ok := TaskOutcome{Type: TaskOnlineSearch, Query: "q", Results: []SearchResult{{Title: "t"}}}
	assert.False(t, ok.Failed())

	empty := TaskOutcome{Type: TaskOnlineSearch, Query: "q"}
	assert.False(t, empty.Failed(), "empty results is a success, not a failure")

	failed := TaskOutcome{Type: TaskOnlineSearch, Query: "q", Err: "connection refused"}
	assert.True(t, failed.Failed())
}

// =============================================================================
// Document Wire Shape Tests
// =============================================================================

func TestDocumentQueryResult_Flatten(t *testing.T) {
	res := &DocumentQueryResult{
		IDs:       [][]string{{"id1", "id2"}},
		Documents: [][]string{{"first chunk text", "second chunk text"}},
		Metadatas: [][]map[string]any{{
			{"filename": "guide.pdf", "page": 3},
			{"source": "handbook.md"},
		}},
		Distances: [][]float64{{0.1, 0.4}},
	}

	results := res.Flatten("product_docs")
	require.Len(t, results, 2)

	assert.Equal(t, "guide.pdf", results[0].Title)
	assert.Equal(t, "first chunk text", results[0].Content)
	assert.InDelta(t, 0.9, results[0].Score, 1e-9)
	assert.Equal(t, "product_docs", results[0].Source)
	assert.Equal(t, 3, results[0].Metadata["page"])

	assert.Equal(t, "handbook.md", results[1].Title, "source is the title fallback")
	assert.InDelta(t, 0.6, results[1].Score, 1e-9)
}

func TestDocumentQueryResult_Flatten_Empty(t *testing.T) {
	res := &DocumentQueryResult{}
	assert.Nil(t, res.Flatten("kb"))
	assert.Equal(t, 0, res.Hits())
}

func TestDocumentQueryResult_Flatten_MissingParallelArrays(t *testing.T) {
	// Metadatas and distances shorter than documents must not panic.
	res := &DocumentQueryResult{
		Documents: [][]string{{"a", "b", "c"}},
		Metadatas: [][]map[string]any{{{"filename": "only-first.txt"}}},
		Distances: [][]float64{{0.2}},
	}

	results := res.Flatten("")
	require.Len(t, results, 3)
	assert.Equal(t, "only-first.txt", results[0].Title)
	assert.Equal(t, "document 2", results[1].Title, "index fallback title")
	assert.Equal(t, 0.0, results[2].Score, "missing distance scores zero")
	assert.Equal(t, "knowledge_base", results[0].Source, "empty collection name falls back")
}

func TestDocumentQueryResult_Flatten_DistanceAboveOne(t *testing.T) {
	res := &DocumentQueryResult{
		Documents: [][]string{{"far away"}},
		Distances: [][]float64{{1.7}},
	}
	results := res.Flatten("kb")
	require.Len(t, results, 1)
	assert.Equal(t, 0.0, results[0].Score, "score floors at zero")
}
