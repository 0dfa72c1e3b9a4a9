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

var docStoreTracer = otel.Tracer("sitka.orchestrator.services.docstore")

const serviceDocStore = "doc_store"

// DefaultCollectionName is the sentinel collection queried when a
// requested knowledge base cannot be resolved or no longer exists.
const DefaultCollectionName = "test"

// ErrCollectionNotFound marks a query against a collection the store
// does not know. Reachable through errors.Is on the returned
// *AdapterError.
var ErrCollectionNotFound = errors.New("collection not found")

// ===== Types =====

// CollectionInfo is one entry from the knowledge-base directory.
type CollectionInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// DocumentStore answers knowledge-base retrieval tasks.
//
// # Description
//
// ListCollections enumerates the knowledge bases visible to the caller.
// QueryCollection runs a similarity query against one collection by id.
// QueryByName resolves a human-readable name through the directory
// first, falling back to DefaultCollectionName when the name is unknown
// or the directory is unreachable; if the resolved collection turns out
// not to exist either, it retries once against the sentinel and, should
// that also fail, surfaces the original error.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type DocumentStore interface {
	ListCollections(ctx context.Context, token string) ([]CollectionInfo, error)
	QueryCollection(ctx context.Context, token, collection, query string, topK int) (*datatypes.DocumentQueryResult, error)
	QueryByName(ctx context.Context, token, name, query string, topK int) (*datatypes.DocumentQueryResult, string, error)
}

// ===== HTTPDocumentStore =====

// HTTPDocumentStore implements DocumentStore against an OpenWebUI-style
// backend: the directory lives on one base URL, the retrieval endpoint
// on another (they are usually the same host).
type HTTPDocumentStore struct {
	queryURL     string
	directoryURL string
	apiKey       string
	timeout      time.Duration
	client       *http.Client
	logger       *slog.Logger
}

var _ DocumentStore = (*HTTPDocumentStore)(nil)

// NewHTTPDocumentStore builds the adapter from configuration.
func NewHTTPDocumentStore(cfg config.KnowledgeConfig, logger *slog.Logger) *HTTPDocumentStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPDocumentStore{
		queryURL:     strings.TrimRight(cfg.QueryURL, "/"),
		directoryURL: strings.TrimRight(cfg.DirectoryURL, "/"),
		apiKey:       cfg.APIKey,
		timeout:      cfg.Timeout,
		client:       &http.Client{},
		logger:       logger,
	}
}

// bearer picks the caller's token when present, else the service key.
func (s *HTTPDocumentStore) bearer(token string) string {
	if token != "" {
		return token
	}
	return s.apiKey
}

// ListCollections enumerates the knowledge-base directory.
func (s *HTTPDocumentStore) ListCollections(ctx context.Context, token string) (cols []CollectionInfo, err error) {
	ctx, span := docStoreTracer.Start(ctx, "HTTPDocumentStore.ListCollections")
	defer span.End()
	defer instrument(serviceDocStore, "ListCollections", time.Now(), &err)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.directoryURL+"/api/v1/knowledge/list", nil)
	if err != nil {
		return nil, NewConnectionError(serviceDocStore, "ListCollections", err)
	}
	if b := s.bearer(token); b != "" {
		req.Header.Set("Authorization", "Bearer "+b)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		aerr := classifyTransportError(serviceDocStore, "ListCollections", err)
		span.RecordError(aerr)
		span.SetStatus(codes.Error, string(aerr.Kind))
		return nil, aerr
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewConnectionError(serviceDocStore, "ListCollections", err)
	}
	if resp.StatusCode != http.StatusOK {
		aerr := NewHTTPStatusError(serviceDocStore, "ListCollections", resp.StatusCode, body)
		span.RecordError(aerr)
		span.SetStatus(codes.Error, string(aerr.Kind))
		return nil, aerr
	}

	if err := json.Unmarshal(body, &cols); err != nil {
		return nil, NewDecodeError(serviceDocStore, "ListCollections", err)
	}
	span.SetAttributes(attribute.Int("docstore.collections", len(cols)))
	return cols, nil
}

// collectionQueryRequest is the retrieval endpoint's payload.
type collectionQueryRequest struct {
	CollectionName string `json:"collection_name"`
	Query          string `json:"query"`
	K              int    `json:"k"`
}

// QueryCollection runs one similarity query against a collection.
//
// # Outputs
//
// On a missing collection the returned *AdapterError wraps
// ErrCollectionNotFound, so callers can branch with errors.Is without
// inspecting status codes.
func (s *HTTPDocumentStore) QueryCollection(ctx context.Context, token, collection, query string, topK int) (res *datatypes.DocumentQueryResult, err error) {
	ctx, span := docStoreTracer.Start(ctx, "HTTPDocumentStore.QueryCollection")
	defer span.End()
	defer instrument(serviceDocStore, "QueryCollection", time.Now(), &err)

	span.SetAttributes(
		attribute.String("docstore.collection", collection),
		attribute.Int("docstore.top_k", topK),
	)
	if topK < 1 {
		topK = 5
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	payload, err := json.Marshal(collectionQueryRequest{
		CollectionName: collection,
		Query:          query,
		K:              topK,
	})
	if err != nil {
		return nil, NewDecodeError(serviceDocStore, "QueryCollection", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.queryURL+"/api/v1/retrieval/query/doc", bytes.NewReader(payload))
	if err != nil {
		return nil, NewConnectionError(serviceDocStore, "QueryCollection", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b := s.bearer(token); b != "" {
		req.Header.Set("Authorization", "Bearer "+b)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		aerr := classifyTransportError(serviceDocStore, "QueryCollection", err)
		span.RecordError(aerr)
		span.SetStatus(codes.Error, string(aerr.Kind))
		return nil, aerr
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewConnectionError(serviceDocStore, "QueryCollection", err)
	}
	if resp.StatusCode != http.StatusOK {
		aerr := NewHTTPStatusError(serviceDocStore, "QueryCollection", resp.StatusCode, body)
		if collectionMissing(resp.StatusCode, body) {
			aerr.Err = ErrCollectionNotFound
		}
		span.RecordError(aerr)
		span.SetStatus(codes.Error, string(aerr.Kind))
		return nil, aerr
	}

	res = &datatypes.DocumentQueryResult{}
	if err := json.Unmarshal(body, res); err != nil {
		return nil, NewDecodeError(serviceDocStore, "QueryCollection", err)
	}
	span.SetAttributes(attribute.Int("docstore.hits", res.Hits()))
	return res, nil
}

// QueryByName resolves a knowledge-base name and queries it.
//
// # Description
//
// Resolution and querying each degrade one step rather than failing the
// task outright:
//
//	Step 1: resolve name -> collection id via the directory. Unknown
//	        name or unreachable directory falls back to
//	        DefaultCollectionName.
//	Step 2: query the resolved collection.
//	Step 3: if the store says the collection does not exist and we were
//	        not already on the sentinel, query DefaultCollectionName.
//	        A fallback failure reports the original error, never the
//	        fallback's.
//
// The returned string is the collection actually queried, so result
// provenance stays truthful after a fallback.
func (s *HTTPDocumentStore) QueryByName(ctx context.Context, token, name, query string, topK int) (*datatypes.DocumentQueryResult, string, error) {
	ctx, span := docStoreTracer.Start(ctx, "HTTPDocumentStore.QueryByName")
	defer span.End()

	span.SetAttributes(attribute.String("docstore.name", name))

	target := DefaultCollectionName
	if name != "" && name != DefaultCollectionName {
		cols, err := s.ListCollections(ctx, token)
		switch {
		case err != nil:
			s.logger.Warn("knowledge directory unavailable, using sentinel collection",
				"name", name, "error", err)
		default:
			if id, ok := resolveCollection(cols, name); ok {
				target = id
			} else {
				s.logger.Warn("knowledge base not in directory, using sentinel collection",
					"name", name)
			}
		}
	}

	res, err := s.QueryCollection(ctx, token, target, query, topK)
	if err == nil {
		return res, target, nil
	}
	if target == DefaultCollectionName || !errors.Is(err, ErrCollectionNotFound) {
		return nil, target, err
	}

	span.AddEvent("falling back to sentinel collection")
	s.logger.Warn("collection vanished after resolution, retrying sentinel",
		"collection", target, "error", err)
	res2, err2 := s.QueryCollection(ctx, token, DefaultCollectionName, query, topK)
	if err2 != nil {
		return nil, target, err
	}
	return res2, DefaultCollectionName, nil
}

// resolveCollection matches name against directory entries, by display
// name first and then by id, so callers holding a raw id still resolve.
func resolveCollection(cols []CollectionInfo, name string) (string, bool) {
	for _, c := range cols {
		if c.Name == name {
			return c.ID, true
		}
	}
	for _, c := range cols {
		if c.ID == name {
			return c.ID, true
		}
	}
	return "", false
}

// collectionMissing recognises the store's "no such collection" answers
// across backends: a plain 404, or a 4xx whose body names the problem.
func collectionMissing(status int, body []byte) bool {
	if status == http.StatusNotFound {
		return true
	}
	if status < 400 || status >= 500 {
		return false
	}
	lower := strings.ToLower(string(body))
	return strings.Contains(lower, "not found") || strings.Contains(lower, "does not exist")
}
