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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/Sitka/services/orchestrator/config"
	"github.com/AleutianAI/Sitka/services/orchestrator/datatypes"
)

var graphTracer = otel.Tracer("sitka.orchestrator.services.graphrag")

const serviceGraphRAG = "graphrag"

// ErrInvalidGraphMode marks a query with a mode outside the supported
// set. Reachable through errors.Is.
var ErrInvalidGraphMode = errors.New("invalid graph query mode")

// ===== Modes =====

// GraphMode selects the traversal strategy of a graph-RAG query.
type GraphMode string

const (
	GraphModeNaive  GraphMode = "naive"
	GraphModeLocal  GraphMode = "local"
	GraphModeGlobal GraphMode = "global"
	GraphModeHybrid GraphMode = "hybrid"
	GraphModeMix    GraphMode = "mix"
)

// supportedGraphModes is the closed set of modes the engine accepts.
var supportedGraphModes = map[GraphMode]bool{
	GraphModeNaive:  true,
	GraphModeLocal:  true,
	GraphModeGlobal: true,
	GraphModeHybrid: true,
	GraphModeMix:    true,
}

// Valid reports whether m is a supported mode.
func (m GraphMode) Valid() bool { return supportedGraphModes[m] }

// ===== GraphSearcher =====

// GraphSearcher answers graph-RAG retrieval tasks.
//
// # Description
//
// Search runs one query in the given mode and returns the engine's
// answer, supporting contexts, and entities flattened into one ranked
// result list. An empty mode uses the configured default; an
// unsupported mode fails with ErrInvalidGraphMode before any network
// traffic.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type GraphSearcher interface {
	Search(ctx context.Context, query string, mode GraphMode) ([]datatypes.SearchResult, error)
}

// ===== LightRAGClient =====

// LightRAGClient implements GraphSearcher against a LightRAG server.
type LightRAGClient struct {
	baseURL     string
	apiKey      string
	defaultMode GraphMode
	timeout     time.Duration
	client      *http.Client
	logger      *slog.Logger
}

var _ GraphSearcher = (*LightRAGClient)(nil)

// NewLightRAGClient builds the adapter from configuration. An invalid
// configured default mode is replaced with hybrid and logged, not
// fatal: a bad default should not take the whole retrieval lane down.
func NewLightRAGClient(cfg config.LightRAGConfig, logger *slog.Logger) *LightRAGClient {
	if logger == nil {
		logger = slog.Default()
	}
	mode := GraphMode(cfg.DefaultMode)
	if !mode.Valid() {
		logger.Warn("invalid LIGHTRAG_DEFAULT_MODE, using hybrid", "mode", cfg.DefaultMode)
		mode = GraphModeHybrid
	}
	return &LightRAGClient{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		defaultMode: mode,
		timeout:     cfg.Timeout,
		client:      &http.Client{},
		logger:      logger,
	}
}

// graphQueryRequest is the engine's query payload.
type graphQueryRequest struct {
	Query string `json:"query"`
	Mode  string `json:"mode"`
}

// graphQueryResponse is the engine's result payload. Deployments differ
// on the answer field name, so both spellings decode.
type graphQueryResponse struct {
	Answer   string         `json:"answer"`
	Response string         `json:"response"`
	Contexts []graphContext `json:"contexts"`
	Entities []graphEntity  `json:"entities"`
}

func (r *graphQueryResponse) answer() string {
	if r.Answer != "" {
		return r.Answer
	}
	return r.Response
}

// graphContext is one supporting passage. Upstreams emit either a bare
// string or an object, so decoding accepts both.
type graphContext struct {
	Content string `json:"content"`
	Source  string `json:"source"`
}

func (c *graphContext) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		c.Content = s
		return nil
	}
	type alias graphContext
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*c = graphContext(a)
	return nil
}

// graphEntity is one extracted entity. Accepts bare strings too.
type graphEntity struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

func (e *graphEntity) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		e.Name = s
		return nil
	}
	type alias graphEntity
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*e = graphEntity(a)
	return nil
}

// Search runs one graph-RAG query.
func (c *LightRAGClient) Search(ctx context.Context, query string, mode GraphMode) (results []datatypes.SearchResult, err error) {
	ctx, span := graphTracer.Start(ctx, "LightRAGClient.Search")
	defer span.End()
	defer instrument(serviceGraphRAG, "Search", time.Now(), &err)

	// Step 1: Settle and validate the mode.
	if mode == "" {
		mode = c.defaultMode
	}
	if !mode.Valid() {
		return nil, datatypes.WrapCode(datatypes.ErrCodeValidation,
			fmt.Errorf("graph mode %q not in {naive, local, global, hybrid, mix}: %w",
				mode, ErrInvalidGraphMode))
	}
	span.SetAttributes(
		attribute.String("graphrag.mode", string(mode)),
		attribute.Int("graphrag.query_len", len(query)),
	)

	// Step 2: Bound and send.
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(graphQueryRequest{Query: query, Mode: string(mode)})
	if err != nil {
		return nil, NewDecodeError(serviceGraphRAG, "Search", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/query", bytes.NewReader(payload))
	if err != nil {
		return nil, NewConnectionError(serviceGraphRAG, "Search", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		aerr := classifyTransportError(serviceGraphRAG, "Search", err)
		span.RecordError(aerr)
		span.SetStatus(codes.Error, string(aerr.Kind))
		return nil, aerr
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewConnectionError(serviceGraphRAG, "Search", err)
	}
	if resp.StatusCode != http.StatusOK {
		aerr := NewHTTPStatusError(serviceGraphRAG, "Search", resp.StatusCode, body)
		span.RecordError(aerr)
		span.SetStatus(codes.Error, string(aerr.Kind))
		return nil, aerr
	}

	// Step 3: Decode and flatten.
	var decoded graphQueryResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, NewDecodeError(serviceGraphRAG, "Search", err)
	}

	results = flattenGraphResponse(&decoded, mode)
	span.SetAttributes(attribute.Int("graphrag.result_count", len(results)))
	return results, nil
}

// flattenGraphResponse maps the engine's three-part response onto the
// pipeline's uniform result shape: the synthesized answer first, then
// supporting contexts, then entities. An empty response flattens to
// nothing, which downstream treats as a successful no-hit task.
func flattenGraphResponse(r *graphQueryResponse, mode GraphMode) []datatypes.SearchResult {
	out := make([]datatypes.SearchResult, 0, 1+len(r.Contexts)+len(r.Entities))

	if ans := r.answer(); strings.TrimSpace(ans) != "" {
		out = append(out, datatypes.SearchResult{
			Title:    "graph summary",
			Content:  ans,
			Score:    1.0,
			Source:   "lightrag",
			Metadata: map[string]any{"mode": string(mode)},
		})
	}
	for i, c := range r.Contexts {
		if strings.TrimSpace(c.Content) == "" {
			continue
		}
		title := c.Source
		if title == "" {
			title = fmt.Sprintf("context %d", i+1)
		}
		out = append(out, datatypes.SearchResult{
			Title:   title,
			Content: c.Content,
			Source:  "lightrag_context",
		})
	}
	for _, e := range r.Entities {
		if e.Name == "" {
			continue
		}
		content := e.Description
		if content == "" {
			content = e.Name
		}
		res := datatypes.SearchResult{
			Title:   e.Name,
			Content: content,
			Source:  "lightrag_entity",
		}
		if e.Type != "" {
			res.Metadata = map[string]any{"entity_type": e.Type}
		}
		out = append(out, res)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
