// Aleutian AI - Sitka conversational retrieval service
// Copyright (C) 2025 Aleutian AI
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package agent

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/Sitka/services/orchestrator/datatypes"
)

// ===== Prompt Limits =====

const (
	// promptHistoryTail is how many trailing messages node prompts
	// replay.
	promptHistoryTail = 6

	// snippetLimit bounds each replayed message and each retrieved
	// document rendered into a prompt.
	snippetLimit = 300

	// maxOptimizedQueries caps how many queries the optimizer node may
	// hand to the search node.
	maxOptimizedQueries = 3

	// summaryResultCap is how many results per backend the summary
	// prompt renders.
	summaryResultCap = 5
)

// ===== System Prompts =====

const (
	masterSystem    = "You route a research agent: decide whether more retrieval is needed. Respond only with JSON."
	optimizerSystem = "You rewrite questions into focused retrieval queries. Respond only with JSON."
	summarySystem   = "You condense retrieved documents into faithful summaries. Respond only with JSON."
	finalSystem     = "You are a helpful assistant that answers questions from researched context."
)

// ===== Node Response Shapes =====

// masterResponse is the master node's expected model output.
type masterResponse struct {
	Decision  string `json:"decision"`
	Reasoning string `json:"reasoning"`
}

// optimizerResponse is the query-optimizer node's expected model
// output.
type optimizerResponse struct {
	Queries []string `json:"queries"`
}

// summaryResponse is the summary node's expected model output. Empty
// fields are legal where a backend retrieved nothing.
type summaryResponse struct {
	OnlineSummary    string `json:"online_summary"`
	KnowledgeSummary string `json:"knowledge_summary"`
	LightRAGSummary  string `json:"lightrag_summary"`
}

// ===== Prompt Builders =====

// buildMasterPrompt asks for the continue/finish routing decision.
func buildMasterPrompt(s *AgentState) string {
	return fmt.Sprintf(`Decide the next step for a research agent answering a question. Decide
"continue" when another round of retrieval would materially improve the
answer, and "finish" when the gathered context is enough to answer
well. Round %d of %d.

Question: %s

Conversation so far:
%s
Gathered so far:
%s
Format your response as JSON:
{
  "decision": "continue or finish",
  "reasoning": "one or two sentences on why"
}`,
		s.Iteration, maxIterations,
		s.UserQuestion,
		renderHistory(s.History, promptHistoryTail),
		renderGathered(s))
}

// buildOptimizerPrompt asks for focused retrieval queries.
func buildOptimizerPrompt(s *AgentState) string {
	return fmt.Sprintf(`Rewrite the question into at most %d focused retrieval queries. The
queries feed a live web search, a private document store, and a
knowledge graph; order them most general first. Resolve references
against the conversation and keep each query self-contained.

Question: %s

Conversation so far:
%s
Format your response as JSON:
{
  "queries": ["first query", "second query"]
}`,
		maxOptimizedQueries,
		s.UserQuestion,
		renderHistory(s.History, promptHistoryTail))
}

// buildSummaryPrompt asks for one faithful summary per backend that
// retrieved anything.
func buildSummaryPrompt(s *AgentState) string {
	var ctx strings.Builder
	writeResultSection(&ctx, "online_search", s.OnlineResults)
	writeResultSection(&ctx, "knowledge_search", s.KnowledgeResults)
	writeResultSection(&ctx, "lightrag_search", s.LightRAGResults)

	return fmt.Sprintf(`Summarize the retrieved documents below, a few sentences per source
group. Keep only facts relevant to the question, with enough precision
that the summaries alone could answer it. Leave a group's summary empty
when it retrieved nothing.

Question: %s

Retrieved documents:
%s
Format your response as JSON:
{
  "online_summary": "summary of the online_search group, or empty",
  "knowledge_summary": "summary of the knowledge_search group, or empty",
  "lightrag_summary": "summary of the lightrag_search group, or empty"
}`,
		s.UserQuestion, ctx.String())
}

// buildFinalPrompt asks for the answer over the gathered context.
func buildFinalPrompt(s *AgentState) string {
	return fmt.Sprintf(`Answer the user's question using the researched context below. Prefer
facts from the context over your own knowledge, say plainly when the
context does not cover part of the question, and answer in the language
of the question.

Conversation so far:
%s
Question: %s

Researched context:
%s
Write the answer now.`,
		renderHistory(s.History, promptHistoryTail),
		s.UserQuestion,
		renderGathered(s))
}

// ===== Rendering Helpers =====

// renderGathered renders the per-backend summaries, falling back to raw
// result listings for backends that have results but no summary yet.
func renderGathered(s *AgentState) string {
	var b strings.Builder
	writeGatheredGroup(&b, "online_search", s.OnlineSummary, s.OnlineResults)
	writeGatheredGroup(&b, "knowledge_search", s.KnowledgeSummary, s.KnowledgeResults)
	writeGatheredGroup(&b, "lightrag_search", s.LightRAGSummary, s.LightRAGResults)
	if b.Len() == 0 {
		return "(nothing retrieved yet)\n"
	}
	return b.String()
}

func writeGatheredGroup(b *strings.Builder, label, summary string, results []datatypes.SearchResult) {
	switch {
	case summary != "":
		fmt.Fprintf(b, "%s: %s\n", label, summary)
	case len(results) > 0:
		fmt.Fprintf(b, "%s: %d unsummarized result(s)\n", label, len(results))
	}
}

// writeResultSection renders one backend's results for the summary
// prompt. Backends with nothing are skipped entirely.
func writeResultSection(b *strings.Builder, label string, results []datatypes.SearchResult) {
	if len(results) == 0 {
		return
	}
	fmt.Fprintf(b, "## %s\n", label)
	for i, res := range results {
		if i >= summaryResultCap {
			fmt.Fprintf(b, "(%d more omitted)\n", len(results)-summaryResultCap)
			break
		}
		title := res.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(b, "%d. %s\n   %s\n", i+1, title, truncate(res.Content, snippetLimit))
	}
	b.WriteString("\n")
}

// renderHistory renders the last tail messages as "Role: content"
// lines.
func renderHistory(history []datatypes.Message, tail int) string {
	if len(history) == 0 {
		return "(no prior messages)\n"
	}
	if len(history) > tail {
		history = history[len(history)-tail:]
	}
	var b strings.Builder
	for _, m := range history {
		b.WriteString(roleLabel(m.Role))
		b.WriteString(": ")
		b.WriteString(truncate(m.Content, snippetLimit))
		b.WriteByte('\n')
	}
	return b.String()
}

func roleLabel(role string) string {
	switch role {
	case datatypes.RoleUser:
		return "User"
	case datatypes.RoleAssistant:
		return "Assistant"
	case datatypes.RoleSystem:
		return "System"
	}
	return role
}

// truncate cuts s to max runes, marking the cut with "...".
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}
