// Aleutian AI - Sitka conversational retrieval service
// Copyright (C) 2025 Aleutian AI
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestNewKBManifest_InitialLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kb.yaml")
	writeManifest(t, path, `
knowledge_bases:
  - name: product_docs
    description: Product documentation
  - name: runbooks
`)

	m, err := NewKBManifest(path)
	require.NoError(t, err)
	defer m.Stop()

	kbs := m.KnowledgeBases()
	require.Len(t, kbs, 2)
	assert.Equal(t, "product_docs", kbs[0].Name)
	assert.Equal(t, "Product documentation", kbs[0].Description)
	assert.Equal(t, "runbooks", kbs[1].Name)
}

func TestNewKBManifest_MissingFile(t *testing.T) {
	_, err := NewKBManifest("/does/not/exist/kb.yaml")
	require.Error(t, err)
}

func TestNewKBManifest_DropsUnnamedEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kb.yaml")
	writeManifest(t, path, `
knowledge_bases:
  - name: valid
  - description: no name here
`)

	m, err := NewKBManifest(path)
	require.NoError(t, err)
	defer m.Stop()

	kbs := m.KnowledgeBases()
	require.Len(t, kbs, 1)
	assert.Equal(t, "valid", kbs[0].Name)
}

func TestKBManifest_HotReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kb.yaml")
	writeManifest(t, path, "knowledge_bases:\n  - name: before\n")

	m, err := NewKBManifest(path)
	require.NoError(t, err)
	defer m.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	writeManifest(t, path, "knowledge_bases:\n  - name: after\n  - name: second\n")

	require.Eventually(t, func() bool {
		kbs := m.KnowledgeBases()
		return len(kbs) == 2 && kbs[0].Name == "after"
	}, 3*time.Second, 20*time.Millisecond, "manifest should hot-reload")
}

func TestKBManifest_ReloadFailureKeepsSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kb.yaml")
	writeManifest(t, path, "knowledge_bases:\n  - name: stable\n")

	m, err := NewKBManifest(path)
	require.NoError(t, err)
	defer m.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	writeManifest(t, path, "knowledge_bases: [broken")

	// The watcher needs a moment to observe and reject the bad file.
	time.Sleep(500 * time.Millisecond)

	kbs := m.KnowledgeBases()
	require.Len(t, kbs, 1)
	assert.Equal(t, "stable", kbs[0].Name, "previous snapshot survives a bad reload")
}

func TestKBManifest_StopIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kb.yaml")
	writeManifest(t, path, "knowledge_bases: []\n")

	m, err := NewKBManifest(path)
	require.NoError(t, err)

	m.Stop()
	m.Stop()
}

func TestKBManifest_CopyIsolation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kb.yaml")
	writeManifest(t, path, "knowledge_bases:\n  - name: original\n")

	m, err := NewKBManifest(path)
	require.NoError(t, err)
	defer m.Stop()

	kbs := m.KnowledgeBases()
	kbs[0].Name = "mutated"

	assert.Equal(t, "original", m.KnowledgeBases()[0].Name,
		"callers get a copy, not shared state")
}
