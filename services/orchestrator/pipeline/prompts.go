// Aleutian AI - Sitka conversational retrieval service
// Copyright (C) 2025 Aleutian AI
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package pipeline

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/Sitka/services/orchestrator/datatypes"
)

// ===== Prompt Limits =====

const (
	// promptHistoryTail is how many trailing messages the stage prompts
	// replay.
	promptHistoryTail = 6

	// promptUserTurns is how many previous user questions the expansion
	// prompt lists separately.
	promptUserTurns = 3

	// historySnippetLimit bounds each replayed message.
	historySnippetLimit = 300

	// resultSnippetLimit bounds each retrieved document rendered into
	// the synthesis prompt.
	resultSnippetLimit = 300
)

// ===== System Prompts =====

// Short role lines; the real instructions live in the stage prompts.
const (
	expandSystem    = "You rewrite conversational questions into precise standalone questions. Respond only with JSON."
	analysisSystem  = "You are a careful research analyst. Respond only with JSON."
	planSystem      = "You plan retrieval tasks for a question-answering pipeline. Respond only with JSON."
	selectorSystem  = "You route queries to document collections. Respond only with JSON."
	synthesisSystem = "You are a helpful assistant that answers questions from retrieved context."
)

// ===== Stage Response Shapes =====

// expandResponse is Stage 0's expected model output.
type expandResponse struct {
	ExpandedQuestion   string `json:"expanded_question"`
	ExpansionReasoning string `json:"expansion_reasoning"`
	ContextRelevance   string `json:"context_relevance"`
	OriginalIntent     string `json:"original_intent"`
}

// analysisResponse is Stage 1's expected model output.
type analysisResponse struct {
	ExpertAnalysis string `json:"expert_analysis"`
}

// planResponse is Stage 2's expected model output.
type planResponse struct {
	Tasks []datatypes.SearchTask `json:"tasks"`
}

// selectorResponse is the collection selector's expected model output.
type selectorResponse struct {
	CollectionName string `json:"collection_name"`
	Reason         string `json:"reason"`
}

// ===== Prompt Builders =====

// buildExpandPrompt asks the model to rewrite the current question into a
// standalone one, given the dialog so far.
func buildExpandPrompt(question string, history []datatypes.Message) string {
	return fmt.Sprintf(`Rewrite the current question so it can be understood with no other
context: resolve pronouns and references against the conversation, keep
the user's intent, and phrase it as a self-contained, search-ready
question. If the question is already standalone, tighten it without
changing its meaning.

Conversation so far:
%s
Previous user questions:
%s
Current question: %s

Format your response as JSON:
{
  "expanded_question": "the rewritten standalone question",
  "expansion_reasoning": "why it was rewritten this way",
  "context_relevance": "high, medium, or low",
  "original_intent": "what the user is really asking for"
}`,
		renderHistory(history, promptHistoryTail),
		renderUserTurns(history, promptUserTurns),
		question)
}

// buildAnalysisPrompt asks for an expert reading of the expanded question
// before any retrieval happens.
func buildAnalysisPrompt(question string, history []datatypes.Message) string {
	return fmt.Sprintf(`Analyse the question below as a domain expert. Describe what it is
really asking, which facts would settle it, what background a good
answer needs, and any ambiguity retrieval should resolve. Be concise.

Conversation so far:
%s
Question: %s

Format your response as JSON:
{
  "expert_analysis": "your analysis in a few sentences"
}`,
		renderHistory(history, promptHistoryTail),
		question)
}

// buildPlanPrompt asks the model to schedule retrieval tasks for the
// expanded question.
func buildPlanPrompt(question, analysis string) string {
	return fmt.Sprintf(`Plan the retrieval needed to answer a question.

Question: %s

Expert analysis: %s

Available task types:
- "online_search": live web search, for current events and public facts
- "knowledge_search": the user's private document collections
- "lightrag_search": a knowledge graph, for entity and relationship questions

Produce the retrieval tasks needed to answer the question. Use only the
task types above, give each task one focused query, and skip types that
cannot help.

Format your response as JSON:
{
  "tasks": [
    {"type": "online_search", "query": "a focused search query"}
  ]
}`,
		question, analysis)
}

// buildSelectorPrompt asks the model to pick one collection for a
// knowledge_search query.
func buildSelectorPrompt(query string, candidates []datatypes.KnowledgeBase) string {
	var list strings.Builder
	for _, kb := range candidates {
		if kb.Description != "" {
			fmt.Fprintf(&list, "- %s: %s\n", kb.Name, truncate(kb.Description, historySnippetLimit))
		} else {
			fmt.Fprintf(&list, "- %s\n", kb.Name)
		}
	}
	return fmt.Sprintf(`Pick the document collection best suited to answer a query.

Query: %s

Collections:
%s
Choose exactly one collection from the list.

Format your response as JSON:
{
  "collection_name": "the chosen collection",
  "reason": "one line on why"
}`,
		query, list.String())
}

// buildSynthesisPrompt interleaves every sub-task outcome into one
// answer-generation prompt. Failed and empty outcomes are rendered as
// such so the model knows what retrieval could not provide.
func buildSynthesisPrompt(question, analysis string, outcomes []datatypes.TaskOutcome, history []datatypes.Message) string {
	var ctx strings.Builder
	for _, out := range outcomes {
		fmt.Fprintf(&ctx, "## %s results for %q\n", out.Type, out.Query)
		switch {
		case out.Failed():
			fmt.Fprintf(&ctx, "(failed: %s)\n\n", out.Err)
		case len(out.Results) == 0:
			ctx.WriteString("(no results)\n\n")
		default:
			for i, res := range out.Results {
				title := res.Title
				if title == "" {
					title = "(untitled)"
				}
				fmt.Fprintf(&ctx, "%d. %s\n", i+1, title)
				if res.URL != "" {
					fmt.Fprintf(&ctx, "   url: %s\n", res.URL)
				}
				fmt.Fprintf(&ctx, "   source: %s\n", res.Source)
				fmt.Fprintf(&ctx, "   %s\n", truncate(res.Content, resultSnippetLimit))
			}
			ctx.WriteString("\n")
		}
	}
	return fmt.Sprintf(`Answer the user's question using the retrieved context below. Prefer
facts from the context over your own knowledge, attribute claims to
their sources where it reads naturally, and say plainly when the
context does not cover part of the question. Answer in the language of
the question.

Conversation so far:
%s
Question: %s

Expert analysis: %s

Retrieved context:
%s
Write the answer now.`,
		renderHistory(history, promptHistoryTail),
		question,
		analysis,
		ctx.String())
}

// ===== Rendering Helpers =====

// renderHistory renders the last tail messages as "Role: content" lines,
// each bounded by historySnippetLimit.
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
		b.WriteString(truncate(m.Content, historySnippetLimit))
		b.WriteByte('\n')
	}
	return b.String()
}

// renderUserTurns lists the last n user questions, oldest first.
func renderUserTurns(history []datatypes.Message, n int) string {
	var turns []string
	for _, m := range history {
		if m.Role == datatypes.RoleUser {
			turns = append(turns, m.Content)
		}
	}
	if len(turns) == 0 {
		return "(none)\n"
	}
	if len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	var b strings.Builder
	for _, turn := range turns {
		b.WriteString("- ")
		b.WriteString(truncate(turn, historySnippetLimit))
		b.WriteByte('\n')
	}
	return b.String()
}

// roleLabel renders a message role for prompt text.
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
