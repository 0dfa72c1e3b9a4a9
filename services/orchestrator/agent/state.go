// Aleutian AI - Sitka conversational retrieval service
// Copyright (C) 2025 Aleutian AI
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package agent

import (
	"encoding/json"

	"github.com/AleutianAI/Sitka/services/orchestrator/datatypes"
)

// AgentState is the shared mutable state the graph nodes read and
// write. One instance lives for one turn; checkpoints snapshot it
// after every node.
//
// Results accumulate across iterations: a backend that produced hits
// in round one keeps them even if round two finds nothing, so the
// sufficient-info predicate can only gain ground.
type AgentState struct {
	UserQuestion string              `json:"user_question"`
	History      []datatypes.Message `json:"history,omitempty"`

	// Stage is the node currently (or last) executing.
	Stage string `json:"stage"`

	// Iteration counts master visits; the graph hard-stops at
	// maxIterations.
	Iteration int `json:"iteration"`

	OnlineResults    []datatypes.SearchResult `json:"online_results,omitempty"`
	KnowledgeResults []datatypes.SearchResult `json:"knowledge_results,omitempty"`
	LightRAGResults  []datatypes.SearchResult `json:"lightrag_results,omitempty"`

	OptimizedQueries []string `json:"optimized_queries,omitempty"`

	OnlineSummary    string `json:"online_summary,omitempty"`
	KnowledgeSummary string `json:"knowledge_summary,omitempty"`
	LightRAGSummary  string `json:"lightrag_summary,omitempty"`

	// MasterDecision is the latest routing verdict: "continue" or
	// "finish".
	MasterDecision string `json:"master_decision,omitempty"`
	NeedMoreInfo   bool   `json:"need_more_info"`

	// ExecutionPath lists every node entered, in order.
	ExecutionPath []string `json:"execution_path,omitempty"`

	// AgentOutputs keeps each node's latest salient output, keyed by
	// node name.
	AgentOutputs map[string]string `json:"agent_outputs,omitempty"`

	FinalAnswer string `json:"final_answer,omitempty"`
}

// newAgentState opens a turn's state over the question and the dialog
// before it.
func newAgentState(question string, history []datatypes.Message) *AgentState {
	return &AgentState{
		UserQuestion: question,
		History:      history,
		AgentOutputs: make(map[string]string),
	}
}

// enterNode records the node in the execution path and marks it as the
// current stage.
func (s *AgentState) enterNode(node string) {
	s.Stage = node
	s.ExecutionPath = append(s.ExecutionPath, node)
}

// recordOutput keeps a node's latest salient output.
func (s *AgentState) recordOutput(node, output string) {
	if s.AgentOutputs == nil {
		s.AgentOutputs = make(map[string]string)
	}
	s.AgentOutputs[node] = output
}

// hasResults reports whether any backend has produced at least one
// result so far.
func (s *AgentState) hasResults() bool {
	return len(s.OnlineResults) > 0 ||
		len(s.KnowledgeResults) > 0 ||
		len(s.LightRAGResults) > 0
}

// hasSummary reports whether any per-backend summary is non-empty.
func (s *AgentState) hasSummary() bool {
	return s.OnlineSummary != "" ||
		s.KnowledgeSummary != "" ||
		s.LightRAGSummary != ""
}

// sufficientInfo is the graph's exit predicate: something was
// retrieved and something was summarized.
func (s *AgentState) sufficientInfo() bool {
	return s.hasResults() && s.hasSummary()
}

// allResults concatenates the per-backend result sets, online first.
// Fallback answers and source labels read from this.
func (s *AgentState) allResults() []datatypes.SearchResult {
	out := make([]datatypes.SearchResult, 0,
		len(s.OnlineResults)+len(s.KnowledgeResults)+len(s.LightRAGResults))
	out = append(out, s.OnlineResults...)
	out = append(out, s.KnowledgeResults...)
	out = append(out, s.LightRAGResults...)
	return out
}

// snapshot serializes the state for a checkpoint.
func (s *AgentState) snapshot() (json.RawMessage, error) {
	return json.Marshal(s)
}
