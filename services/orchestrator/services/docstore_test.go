// Aleutian AI - Sitka conversational retrieval service
// Copyright (C) 2025 Aleutian AI
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/Sitka/services/orchestrator/config"
)

// =============================================================================
// Test Harness
// =============================================================================

// docStoreFixture runs a fake OpenWebUI exposing the directory and the
// retrieval endpoint, recording what was queried.
type docStoreFixture struct {
	store *HTTPDocumentStore

	// directoryStatus lets tests break the directory independently.
	directoryStatus int

	// missing collections answer 404 from the retrieval endpoint.
	missing map[string]bool

	// queried records collection names in request order.
	queried []string

	// lastAuth records the Authorization header of the last query.
	lastAuth string
}

func newDocStoreFixture(t *testing.T) *docStoreFixture {
	t.Helper()
	f := &docStoreFixture{
		directoryStatus: http.StatusOK,
		missing:         map[string]bool{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/knowledge/list", func(w http.ResponseWriter, r *http.Request) {
		if f.directoryStatus != http.StatusOK {
			w.WriteHeader(f.directoryStatus)
			fmt.Fprint(w, "directory down")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[
			{"id": "col-42", "name": "employee handbook", "description": "HR docs"},
			{"id": "col-77", "name": "runbooks", "description": "ops"}
		]`)
	})
	mux.HandleFunc("/api/v1/retrieval/query/doc", func(w http.ResponseWriter, r *http.Request) {
		var req collectionQueryRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.queried = append(f.queried, req.CollectionName)
		f.lastAuth = r.Header.Get("Authorization")

		if f.missing[req.CollectionName] {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprintf(w, `{"detail": "Collection %s does not exist."}`, req.CollectionName)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{
			"ids": [["d1", "d2"]],
			"documents": [["first passage", "second passage"]],
			"metadatas": [[{"filename": "guide.pdf", "page": 1}, {"source": "wiki"}]],
			"distances": [[0.1, 0.4]]
		}`)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	f.store = NewHTTPDocumentStore(config.KnowledgeConfig{
		QueryURL:     srv.URL,
		DirectoryURL: srv.URL,
		APIKey:       "service-key",
		Timeout:      2 * time.Second,
	}, testLogger())
	return f
}

// =============================================================================
// ListCollections Tests
// =============================================================================

// TestHTTPDocumentStore_ListCollections verifies directory decoding and
// the caller-token-over-service-key auth priority.
func TestHTTPDocumentStore_ListCollections(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"id": "c1", "name": "notes", "description": ""}]`)
	}))
	t.Cleanup(srv.Close)

	store := NewHTTPDocumentStore(config.KnowledgeConfig{
		QueryURL:     srv.URL,
		DirectoryURL: srv.URL,
		APIKey:       "service-key",
		Timeout:      2 * time.Second,
	}, testLogger())

	cols, err := store.ListCollections(context.Background(), "caller-token")
	require.NoError(t, err)
	require.Len(t, cols, 1)
	assert.Equal(t, "c1", cols[0].ID)
	assert.Equal(t, "notes", cols[0].Name)
	assert.Equal(t, "Bearer caller-token", gotAuth, "caller token should win over service key")

	_, err = store.ListCollections(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "Bearer service-key", gotAuth, "service key should back an absent caller token")
}

// =============================================================================
// QueryCollection Tests
// =============================================================================

// TestHTTPDocumentStore_QueryCollection_Success verifies the parallel
// array response decodes intact.
func TestHTTPDocumentStore_QueryCollection_Success(t *testing.T) {
	f := newDocStoreFixture(t)

	res, err := f.store.QueryCollection(context.Background(), "tok", "col-42", "vacation policy", 2)

	require.NoError(t, err)
	assert.Equal(t, 2, res.Hits())
	assert.Equal(t, "first passage", res.Documents[0][0])
	assert.InDelta(t, 0.1, res.Distances[0][0], 1e-9)
	assert.Equal(t, []string{"col-42"}, f.queried)
	assert.Equal(t, "Bearer tok", f.lastAuth)
}

// TestHTTPDocumentStore_QueryCollection_NotFound verifies missing
// collections are detectable with errors.Is.
func TestHTTPDocumentStore_QueryCollection_NotFound(t *testing.T) {
	f := newDocStoreFixture(t)
	f.missing["ghost"] = true

	_, err := f.store.QueryCollection(context.Background(), "tok", "ghost", "q", 2)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCollectionNotFound))
	ae, ok := AsAdapterError(err)
	require.True(t, ok)
	assert.Equal(t, KindHTTPStatus, ae.Kind)
	assert.Equal(t, http.StatusNotFound, ae.StatusCode)
}

// TestCollectionMissing verifies the cross-backend detection table.
func TestCollectionMissing(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   bool
	}{
		{"plain 404", http.StatusNotFound, "", true},
		{"400 with does-not-exist detail", http.StatusBadRequest, `{"detail": "Collection x does not exist"}`, true},
		{"400 with not-found detail", http.StatusBadRequest, `{"detail": "collection Not Found"}`, true},
		{"400 unrelated", http.StatusBadRequest, `{"detail": "bad query"}`, false},
		{"500 with not-found text", http.StatusInternalServerError, "not found", false},
		{"200", http.StatusOK, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, collectionMissing(tt.status, []byte(tt.body)))
		})
	}
}

// =============================================================================
// QueryByName Tests
// =============================================================================

// TestHTTPDocumentStore_QueryByName_ResolvesName verifies directory
// resolution by display name.
func TestHTTPDocumentStore_QueryByName_ResolvesName(t *testing.T) {
	f := newDocStoreFixture(t)

	res, used, err := f.store.QueryByName(context.Background(), "tok", "employee handbook", "vacation", 2)

	require.NoError(t, err)
	assert.Equal(t, "col-42", used)
	assert.Equal(t, []string{"col-42"}, f.queried)
	assert.Equal(t, 2, res.Hits())
}

// TestHTTPDocumentStore_QueryByName_ResolvesID verifies a caller holding
// a raw collection id resolves without a name match.
func TestHTTPDocumentStore_QueryByName_ResolvesID(t *testing.T) {
	f := newDocStoreFixture(t)

	_, used, err := f.store.QueryByName(context.Background(), "tok", "col-77", "deploy", 2)

	require.NoError(t, err)
	assert.Equal(t, "col-77", used)
}

// TestHTTPDocumentStore_QueryByName_UnknownFallsBack verifies an unknown
// name degrades to the sentinel collection.
func TestHTTPDocumentStore_QueryByName_UnknownFallsBack(t *testing.T) {
	f := newDocStoreFixture(t)

	_, used, err := f.store.QueryByName(context.Background(), "tok", "no such kb", "q", 2)

	require.NoError(t, err)
	assert.Equal(t, DefaultCollectionName, used)
	assert.Equal(t, []string{DefaultCollectionName}, f.queried)
}

// TestHTTPDocumentStore_QueryByName_DirectoryDownFallsBack verifies an
// unreachable directory degrades to the sentinel instead of failing.
func TestHTTPDocumentStore_QueryByName_DirectoryDownFallsBack(t *testing.T) {
	f := newDocStoreFixture(t)
	f.directoryStatus = http.StatusBadGateway

	_, used, err := f.store.QueryByName(context.Background(), "tok", "employee handbook", "q", 2)

	require.NoError(t, err)
	assert.Equal(t, DefaultCollectionName, used)
}

// TestHTTPDocumentStore_QueryByName_VanishedRetriesSentinel verifies the
// second-chance query when a resolved collection answers not-found.
func TestHTTPDocumentStore_QueryByName_VanishedRetriesSentinel(t *testing.T) {
	f := newDocStoreFixture(t)
	f.missing["col-42"] = true

	res, used, err := f.store.QueryByName(context.Background(), "tok", "employee handbook", "q", 2)

	require.NoError(t, err)
	assert.Equal(t, DefaultCollectionName, used)
	assert.Equal(t, []string{"col-42", DefaultCollectionName}, f.queried)
	assert.Equal(t, 2, res.Hits())
}

// TestHTTPDocumentStore_QueryByName_FallbackFailureKeepsOriginal
// verifies a failed sentinel retry surfaces the original error, naming
// the collection the caller actually asked about.
func TestHTTPDocumentStore_QueryByName_FallbackFailureKeepsOriginal(t *testing.T) {
	f := newDocStoreFixture(t)
	f.missing["col-42"] = true
	f.missing[DefaultCollectionName] = true

	_, used, err := f.store.QueryByName(context.Background(), "tok", "employee handbook", "q", 2)

	require.Error(t, err)
	assert.Equal(t, "col-42", used)
	ae, ok := AsAdapterError(err)
	require.True(t, ok)
	assert.Contains(t, ae.Body, "col-42", "error should describe the originally resolved collection")
	assert.Equal(t, []string{"col-42", DefaultCollectionName}, f.queried)
}

// TestHTTPDocumentStore_QueryByName_NonMissingErrorNoRetry verifies only
// not-found errors trigger the sentinel retry.
func TestHTTPDocumentStore_QueryByName_NonMissingErrorNoRetry(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/knowledge/list", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"id": "col-1", "name": "kb", "description": ""}]`)
	})
	var queries int
	mux.HandleFunc("/api/v1/retrieval/query/doc", func(w http.ResponseWriter, r *http.Request) {
		queries++
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "boom")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	store := NewHTTPDocumentStore(config.KnowledgeConfig{
		QueryURL:     srv.URL,
		DirectoryURL: srv.URL,
		Timeout:      2 * time.Second,
	}, testLogger())

	_, _, err := store.QueryByName(context.Background(), "tok", "kb", "q", 2)

	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrCollectionNotFound))
	assert.Equal(t, 1, queries, "a 500 should not trigger the sentinel retry")
}

// TestResolveCollection verifies name-first, id-second matching.
func TestResolveCollection(t *testing.T) {
	cols := []CollectionInfo{
		{ID: "a", Name: "alpha"},
		{ID: "b", Name: "beta"},
	}

	id, ok := resolveCollection(cols, "beta")
	assert.True(t, ok)
	assert.Equal(t, "b", id)

	id, ok = resolveCollection(cols, "a")
	assert.True(t, ok)
	assert.Equal(t, "a", id)

	_, ok = resolveCollection(cols, "gamma")
	assert.False(t, ok)
}
