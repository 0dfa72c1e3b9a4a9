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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/Sitka/services/orchestrator/datatypes"
)

// =============================================================================
// Rendering Helpers
// =============================================================================

// TestTruncate covers the rune-safe cut and its edge lengths.
func TestTruncate(t *testing.T) {
	cases := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"short stays", "leak", 10, "leak"},
		{"exact stays", "leak", 4, "leak"},
		{"long gets ellipsis", "goroutine leak", 10, "gorouti..."},
		{"tiny max cuts plain", "abcdef", 2, "ab"},
		{"empty", "", 4, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, truncate(tc.in, tc.max))
		})
	}

	// Multibyte content cuts on rune boundaries, never mid-codepoint.
	out := truncate(strings.Repeat("ü", 50), 8)
	assert.Equal(t, strings.Repeat("ü", 5)+"...", out)
}

// TestRenderHistory keeps the trailing tail, labels each role, and
// bounds each replayed message.
func TestRenderHistory(t *testing.T) {
	assert.Equal(t, "(no prior messages)\n", renderHistory(nil, promptHistoryTail))

	history := []datatypes.Message{
		{Role: datatypes.RoleUser, Content: "dropped"},
		{Role: datatypes.RoleSystem, Content: "be terse"},
		{Role: datatypes.RoleUser, Content: "first kept"},
		{Role: datatypes.RoleAssistant, Content: "second kept"},
	}
	out := renderHistory(history, 3)
	assert.NotContains(t, out, "dropped")
	assert.Equal(t, "System: be terse\nUser: first kept\nAssistant: second kept\n", out)

	// Unknown roles pass through verbatim.
	out = renderHistory([]datatypes.Message{{Role: "tool", Content: "payload"}}, 2)
	assert.Equal(t, "tool: payload\n", out)

	long := strings.Repeat("x", snippetLimit+50)
	out = renderHistory([]datatypes.Message{{Role: datatypes.RoleUser, Content: long}}, 2)
	assert.Contains(t, out, "...")
	assert.NotContains(t, out, long)
}

// TestRenderGathered prefers summaries, counts unsummarized results,
// and renders a placeholder when the graph has nothing yet.
func TestRenderGathered(t *testing.T) {
	s := newAgentState("q", nil)
	assert.Equal(t, "(nothing retrieved yet)\n", renderGathered(s))

	s.OnlineResults = []datatypes.SearchResult{{Title: "a"}, {Title: "b"}}
	assert.Equal(t, "online_search: 2 unsummarized result(s)\n", renderGathered(s))

	s.OnlineSummary = "web guidance on leaks"
	s.LightRAGResults = []datatypes.SearchResult{{Title: "c"}}
	out := renderGathered(s)
	assert.Equal(t, "online_search: web guidance on leaks\nlightrag_search: 1 unsummarized result(s)\n", out)
}

// =============================================================================
// Node Prompts
// =============================================================================

// TestBuildMasterPrompt carries the round counter, the question, the
// dialog, and the gathered context into the routing request.
func TestBuildMasterPrompt(t *testing.T) {
	s := newAgentState("how do I find goroutine leaks?", []datatypes.Message{
		{Role: datatypes.RoleUser, Content: "our checkout service eats memory"},
	})
	s.Iteration = 2
	s.OnlineSummary = "web guidance"
	s.OnlineResults = []datatypes.SearchResult{{Title: "hit"}}

	prompt := buildMasterPrompt(s)
	assert.Contains(t, prompt, fmt.Sprintf("Round 2 of %d", maxIterations))
	assert.Contains(t, prompt, "Question: how do I find goroutine leaks?")
	assert.Contains(t, prompt, "User: our checkout service eats memory")
	assert.Contains(t, prompt, "online_search: web guidance")
	assert.Contains(t, prompt, `"decision"`)
	assert.Contains(t, prompt, `"reasoning"`)
}

// TestBuildOptimizerPrompt states the query budget and replays the
// dialog so references resolve.
func TestBuildOptimizerPrompt(t *testing.T) {
	s := newAgentState("how do I find them?", []datatypes.Message{
		{Role: datatypes.RoleUser, Content: "our checkout service eats memory"},
	})

	prompt := buildOptimizerPrompt(s)
	assert.Contains(t, prompt, fmt.Sprintf("at most %d", maxOptimizedQueries))
	assert.Contains(t, prompt, "Question: how do I find them?")
	assert.Contains(t, prompt, "checkout service eats memory")
	assert.Contains(t, prompt, `"queries"`)
}

// TestBuildSummaryPrompt renders one section per backend with results
// and caps each section's listing.
func TestBuildSummaryPrompt(t *testing.T) {
	s := newAgentState("how do I find goroutine leaks?", nil)
	for i := 0; i < summaryResultCap+2; i++ {
		s.OnlineResults = append(s.OnlineResults, datatypes.SearchResult{
			Title:   fmt.Sprintf("web doc %d", i+1),
			Content: "passage",
		})
	}
	s.LightRAGResults = []datatypes.SearchResult{{Content: "untitled graph passage"}}

	prompt := buildSummaryPrompt(s)
	assert.Contains(t, prompt, "## online_search")
	assert.Contains(t, prompt, fmt.Sprintf("web doc %d", summaryResultCap))
	assert.NotContains(t, prompt, fmt.Sprintf("web doc %d", summaryResultCap+1))
	assert.Contains(t, prompt, "(2 more omitted)")

	// A backend with nothing gets no section; untitled results get a
	// placeholder title.
	assert.NotContains(t, prompt, "## knowledge_search")
	assert.Contains(t, prompt, "## lightrag_search")
	assert.Contains(t, prompt, "(untitled)")

	assert.Contains(t, prompt, `"online_summary"`)
	assert.Contains(t, prompt, `"knowledge_summary"`)
	assert.Contains(t, prompt, `"lightrag_summary"`)
}

// TestBuildFinalPrompt assembles dialog, question, and researched
// context, closing with the answer instruction.
func TestBuildFinalPrompt(t *testing.T) {
	s := newAgentState("how do I find them?", []datatypes.Message{
		{Role: datatypes.RoleUser, Content: "our checkout service eats memory"},
		{Role: datatypes.RoleAssistant, Content: "that smells like a goroutine leak"},
	})
	s.OnlineSummary = "web guidance on leak detection"
	s.OnlineResults = []datatypes.SearchResult{{Title: "hit"}}

	prompt := buildFinalPrompt(s)
	assert.Contains(t, prompt, "User: our checkout service eats memory")
	assert.Contains(t, prompt, "Assistant: that smells like a goroutine leak")
	assert.Contains(t, prompt, "Question: how do I find them?")
	assert.Contains(t, prompt, "online_search: web guidance on leak detection")
	require.True(t, strings.HasSuffix(prompt, "Write the answer now."))
}
