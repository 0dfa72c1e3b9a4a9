// Aleutian AI - Sitka conversational retrieval service
// Copyright (C) 2025 Aleutian AI
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package datatypes

import "time"

// =============================================================================
// Retrieval Plan Types
// =============================================================================

// TaskType identifies which retrieval backend a sub-task targets.
type TaskType string

const (
	// TaskOnlineSearch queries the web-search backend.
	TaskOnlineSearch TaskType = "online_search"

	// TaskKnowledgeSearch queries the document store.
	TaskKnowledgeSearch TaskType = "knowledge_search"

	// TaskLightRAGSearch queries the graph-RAG backend.
	TaskLightRAGSearch TaskType = "lightrag_search"
)

// Valid reports whether t is a recognised task type. Planner output with
// unknown types is dropped rather than executed.
func (t TaskType) Valid() bool {
	switch t {
	case TaskOnlineSearch, TaskKnowledgeSearch, TaskLightRAGSearch:
		return true
	default:
		return false
	}
}

// AllTaskTypes lists the recognised task types in default-plan order.
func AllTaskTypes() []TaskType {
	return []TaskType{TaskOnlineSearch, TaskKnowledgeSearch, TaskLightRAGSearch}
}

// SearchTask is one planned retrieval action.
type SearchTask struct {
	Type  TaskType `json:"type"`
	Query string   `json:"query"`
}

// Defaults applied when building a TaskPlan.
const (
	// DefaultMaxConcurrency bounds how many sub-tasks run at once.
	DefaultMaxConcurrency = 3

	// DefaultPlanTimeout is the total deadline for one fan-out execution,
	// independent of per-adapter timeouts.
	DefaultPlanTimeout = 60 * time.Second
)

// TaskPlan is the Stage-2 output handed to the fan-out executor.
type TaskPlan struct {
	Tasks          []SearchTask  `json:"tasks"`
	MaxConcurrency int           `json:"max_concurrency"`
	Timeout        time.Duration `json:"-"`
}

// NewTaskPlan builds a plan over tasks with the default concurrency bound
// and deadline.
func NewTaskPlan(tasks []SearchTask) TaskPlan {
	return TaskPlan{
		Tasks:          tasks,
		MaxConcurrency: DefaultMaxConcurrency,
		Timeout:        DefaultPlanTimeout,
	}
}

// DefaultTaskPlan is the Stage-2 fallback: one task of each type, each
// carrying the expanded question verbatim.
func DefaultTaskPlan(expandedQuestion string) TaskPlan {
	types := AllTaskTypes()
	tasks := make([]SearchTask, 0, len(types))
	for _, t := range types {
		tasks = append(tasks, SearchTask{Type: t, Query: expandedQuestion})
	}
	return NewTaskPlan(tasks)
}

// =============================================================================
// Retrieval Results
// =============================================================================

// SearchResult is one normalized retrieval hit, regardless of backend.
type SearchResult struct {
	Title    string         `json:"title"`
	Content  string         `json:"content"`
	URL      string         `json:"url,omitempty"`
	Score    float64        `json:"score,omitempty"`
	Source   string         `json:"source"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TaskOutcome records the result of one sub-task in its plan-order slot.
// Exactly one of Results / Err is populated: a sub-task either contributes
// typed results or is recorded as a failure, and its failure never aborts
// siblings.
type TaskOutcome struct {
	Type  TaskType `json:"type"`
	Query string   `json:"query"`

	// Results holds the retrieval hits on success. May be empty (a
	// successful search with nothing found).
	Results []SearchResult `json:"results,omitempty"`

	// Err is the failure message when the sub-task failed or timed out.
	Err string `json:"error,omitempty"`

	// CollectionName is set for knowledge_search outcomes: the collection
	// actually queried after selector and fallback resolution.
	CollectionName string `json:"collection_name,omitempty"`
}

// Failed reports whether this outcome records a failure.
func (o TaskOutcome) Failed() bool {
	return o.Err != ""
}
