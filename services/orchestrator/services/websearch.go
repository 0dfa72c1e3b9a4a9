// Aleutian AI - Sitka conversational retrieval service
// Copyright (C) 2025 Aleutian AI
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/Sitka/services/orchestrator/config"
	"github.com/AleutianAI/Sitka/services/orchestrator/datatypes"
)

var webSearchTracer = otel.Tracer("sitka.orchestrator.services.websearch")

const (
	serviceWebSearch = "web_search"

	// SourceWebSearch labels results from a live search engine.
	SourceWebSearch = "web_search"

	// SourceMockSearch labels deterministic placeholder results served
	// when no engine credential is configured.
	SourceMockSearch = "mock_search"
)

// ===== WebSearcher =====

// WebSearcher answers online-search retrieval tasks.
//
// # Description
//
// Search runs one query and returns up to maxResults ranked results.
// Implementations never retry; a failed call is reported once as an
// *AdapterError.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type WebSearcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]datatypes.SearchResult, error)
}

// ===== HTTPWebSearch =====

// HTTPWebSearch implements WebSearcher against a JSON search-engine
// endpoint. Without a credential it degrades to deterministic mock
// results so the rest of the pipeline stays exercisable in development.
type HTTPWebSearch struct {
	apiKey     string
	engineURL  string
	maxResults int
	timeout    time.Duration
	client     *http.Client
	logger     *slog.Logger

	mockNotice sync.Once
}

var _ WebSearcher = (*HTTPWebSearch)(nil)

// NewHTTPWebSearch builds the adapter from configuration.
func NewHTTPWebSearch(cfg config.SearchConfig, logger *slog.Logger) *HTTPWebSearch {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPWebSearch{
		apiKey:     cfg.APIKey,
		engineURL:  cfg.EngineURL,
		maxResults: cfg.MaxResults,
		timeout:    cfg.Timeout,
		client:     &http.Client{},
		logger:     logger,
	}
}

// searchRequest is the engine's query payload.
type searchRequest struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

// searchResponse is the engine's result payload.
type searchResponse struct {
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

// Search runs one web search.
//
// # Description
//
// With no credential or engine URL configured, returns mock results
// labelled SourceMockSearch; the degradation is logged once per
// process, not per query. Otherwise POSTs the query to the engine and
// maps its results, labelled SourceWebSearch.
func (s *HTTPWebSearch) Search(ctx context.Context, query string, maxResults int) (results []datatypes.SearchResult, err error) {
	ctx, span := webSearchTracer.Start(ctx, "HTTPWebSearch.Search")
	defer span.End()
	defer instrument(serviceWebSearch, "Search", time.Now(), &err)

	if maxResults <= 0 {
		maxResults = s.maxResults
	}
	span.SetAttributes(
		attribute.Int("search.max_results", maxResults),
		attribute.Int("search.query_len", len(query)),
	)

	// Step 1: Degrade to mock results when unconfigured.
	if s.apiKey == "" || s.engineURL == "" {
		s.mockNotice.Do(func() {
			s.logger.Warn("web search engine not configured, serving mock results",
				"hint", "set SEARCH_ENGINE_API_KEY and SEARCH_ENGINE_URL")
		})
		span.SetAttributes(attribute.Bool("search.mock", true))
		return mockSearchResults(query, maxResults), nil
	}

	// Step 2: Bound and send the engine query.
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	payload, err := json.Marshal(searchRequest{Query: query, MaxResults: maxResults})
	if err != nil {
		return nil, NewDecodeError(serviceWebSearch, "Search", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.engineURL, bytes.NewReader(payload))
	if err != nil {
		return nil, NewConnectionError(serviceWebSearch, "Search", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		aerr := classifyTransportError(serviceWebSearch, "Search", err)
		span.RecordError(aerr)
		span.SetStatus(codes.Error, string(aerr.Kind))
		return nil, aerr
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewConnectionError(serviceWebSearch, "Search", err)
	}

	// Step 3: Check status, decode, map.
	if resp.StatusCode != http.StatusOK {
		aerr := NewHTTPStatusError(serviceWebSearch, "Search", resp.StatusCode, body)
		span.RecordError(aerr)
		span.SetStatus(codes.Error, string(aerr.Kind))
		return nil, aerr
	}

	var decoded searchResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, NewDecodeError(serviceWebSearch, "Search", err)
	}

	results = make([]datatypes.SearchResult, 0, len(decoded.Results))
	for _, r := range decoded.Results {
		results = append(results, datatypes.SearchResult{
			Title:   r.Title,
			Content: r.Content,
			URL:     r.URL,
			Score:   r.Score,
			Source:  SourceWebSearch,
		})
	}
	span.SetAttributes(attribute.Int("search.result_count", len(results)))
	return results, nil
}

// mockSearchResults fabricates a stable, credential-free result set.
// Identical queries yield identical results, which keeps development
// and test runs reproducible.
func mockSearchResults(query string, n int) []datatypes.SearchResult {
	if n < 1 {
		n = 1
	}
	out := make([]datatypes.SearchResult, 0, n)
	for i := 1; i <= n; i++ {
		score := 1.0 - float64(i)*0.1
		if score < 0.1 {
			score = 0.1
		}
		out = append(out, datatypes.SearchResult{
			Title:   fmt.Sprintf("Mock result %d for %q", i, query),
			Content: fmt.Sprintf("Placeholder result %d for the query %q. Configure SEARCH_ENGINE_API_KEY to receive live web results.", i, query),
			URL:     fmt.Sprintf("https://example.com/search?q=%s&rank=%d", url.QueryEscape(query), i),
			Score:   score,
			Source:  SourceMockSearch,
		})
	}
	return out
}
