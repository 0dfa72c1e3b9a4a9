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
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/Sitka/services/orchestrator/datatypes"
)

// manifestDebounce batches rapid editor write events into one reload.
const manifestDebounce = 200 * time.Millisecond

// kbManifest is the YAML shape of the knowledge-base manifest file:
//
//	knowledge_bases:
//	  - name: product_docs
//	    description: Product documentation
//	  - name: runbooks
//	    description: Operational runbooks
type kbManifest struct {
	KnowledgeBases []datatypes.KnowledgeBase `yaml:"knowledge_bases"`
}

// KBManifest serves the default knowledge-base candidates used when a
// request carries none, hot-reloading the backing YAML file on change so
// a stale directory never requires a restart.
//
// # Thread Safety
//
// Safe for concurrent use. Reads take a read lock; reloads happen on a
// single watcher goroutine.
type KBManifest struct {
	path    string
	watcher *fsnotify.Watcher

	mu  sync.RWMutex
	kbs []datatypes.KnowledgeBase

	done     chan struct{}
	stopOnce sync.Once
}

// NewKBManifest loads the manifest at path. The initial load must
// succeed; later reload failures keep the previous snapshot and log a
// warning.
func NewKBManifest(path string) (*KBManifest, error) {
	kbs, err := loadManifest(path)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create manifest watcher: %w", err)
	}
	// Watch the parent directory: editors typically replace the file
	// (rename + create), which drops a watch on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch manifest directory: %w", err)
	}

	return &KBManifest{
		path:    path,
		watcher: watcher,
		kbs:     kbs,
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching for manifest changes. Returns immediately; the
// watch loop runs until Stop or context cancellation.
func (m *KBManifest) Start(ctx context.Context) {
	go m.watchLoop(ctx)
}

// Stop ends the watch loop and releases the watcher. Idempotent.
func (m *KBManifest) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		m.watcher.Close()
	})
}

// KnowledgeBases returns the current snapshot. The returned slice is a
// copy; callers may not mutate shared state through it.
func (m *KBManifest) KnowledgeBases() []datatypes.KnowledgeBase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]datatypes.KnowledgeBase, len(m.kbs))
	copy(out, m.kbs)
	return out
}

// watchLoop debounces write/create/rename events on the manifest path and
// reloads after the window closes.
func (m *KBManifest) watchLoop(ctx context.Context) {
	var timer *time.Timer
	var timerC <-chan time.Time

	reload := func() {
		kbs, err := loadManifest(m.path)
		if err != nil {
			slog.Warn("knowledge-base manifest reload failed, keeping previous snapshot",
				"path", m.path, "error", err)
			return
		}
		m.mu.Lock()
		m.kbs = kbs
		m.mu.Unlock()
		slog.Info("knowledge-base manifest reloaded", "path", m.path, "count", len(kbs))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(m.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(manifestDebounce)
				timerC = timer.C
			} else {
				timer.Reset(manifestDebounce)
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("knowledge-base manifest watcher error", "error", err)
		case <-timerC:
			timer = nil
			timerC = nil
			reload()
		}
	}
}

// loadManifest reads and parses the manifest file. Entries without a name
// are dropped with a warning.
func loadManifest(path string) ([]datatypes.KnowledgeBase, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	if info.Size() > MaxConfigFileSize {
		return nil, fmt.Errorf("manifest %s exceeds %d bytes", path, MaxConfigFileSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}

	var manifest kbManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}

	kbs := make([]datatypes.KnowledgeBase, 0, len(manifest.KnowledgeBases))
	for _, kb := range manifest.KnowledgeBases {
		if kb.Name == "" {
			slog.Warn("dropping manifest entry without a name", "path", path)
			continue
		}
		kbs = append(kbs, kb)
	}
	return kbs, nil
}
