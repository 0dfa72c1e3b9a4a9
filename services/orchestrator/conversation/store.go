// Aleutian AI - Sitka conversational retrieval service
// Copyright (C) 2025 Aleutian AI
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package conversation

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/Sitka/services/orchestrator/datatypes"
)

// ===== Store Metrics =====

var (
	storeConversations = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sitka",
		Subsystem: "store",
		Name:      "conversations",
		Help:      "Conversations currently held in the store.",
	})

	storeCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sitka",
		Subsystem: "store",
		Name:      "conversations_created_total",
		Help:      "Conversations created since process start.",
	})

	storeSwept = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sitka",
		Subsystem: "store",
		Name:      "conversations_swept_total",
		Help:      "Conversations evicted by the TTL sweeper.",
	})
)

// ===== Manager =====

// Manager is the in-memory conversation registry.
//
// # Description
//
// Conversations live in process memory for the lifetime of the service;
// there is no persistence. Close cancels the conversation and removes
// its entry, so a repeat close reports not found. The sweeper evicts
// idle conversations on a timer.
//
// # Thread Safety
//
// Safe for concurrent use.
type Manager struct {
	mu     sync.RWMutex
	tasks  map[string]*Task
	logger *slog.Logger
}

// NewManager builds an empty registry.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		tasks:  make(map[string]*Task),
		logger: logger,
	}
}

// Create registers a conversation.
//
// # Description
//
// The mode defaults to workflow and must be workflow or agent;
// anything else fails with ErrUnsupportedMode before any state is
// touched. A caller-supplied id is honoured; re-creating an existing id
// returns the existing conversation unchanged with created=false, so
// retried create calls are harmless.
func (m *Manager) Create(req *datatypes.CreateConversationRequest) (task *Task, created bool, err error) {
	req.EnsureDefaults()

	mode := datatypes.ConversationMode(req.Mode)
	if !mode.Valid() {
		return nil, false, fmt.Errorf("mode %q: %w", req.Mode, ErrUnsupportedMode)
	}

	id := req.ConversationID
	if id == "" {
		id = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.tasks[id]; ok {
		return existing, false, nil
	}

	task = NewTask(id, req.UserID, mode)
	task.SetKnowledgeContext(req.KnowledgeBases, req.KnowledgeAPIURL)
	m.tasks[id] = task

	storeConversations.Set(float64(len(m.tasks)))
	storeCreated.Inc()
	m.logger.Info("conversation created",
		"conversation_id", id, "user_id", req.UserID, "mode", mode)
	return task, true, nil
}

// Get returns the conversation for id.
func (m *Manager) Get(id string) (*Task, error) {
	m.mu.RLock()
	task, ok := m.tasks[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrConversationNotFound)
	}
	return task, nil
}

// GetOpen returns the conversation for id, rejecting tasks that were
// closed underneath the lookup. Chat and stream paths use this.
func (m *Manager) GetOpen(id string) (*Task, error) {
	task, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if task.Closed() {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrConversationClosed)
	}
	return task, nil
}

// Close cancels a conversation and removes it from the registry.
//
// # Outputs
//
// ErrConversationNotFound for unknown ids. The entry is gone after the
// first success, so a repeat Close reports not found too.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	task, ok := m.tasks[id]
	if ok {
		delete(m.tasks, id)
		storeConversations.Set(float64(len(m.tasks)))
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("conversation %s: %w", id, ErrConversationNotFound)
	}
	task.Close()
	m.logger.Info("conversation closed", "conversation_id", id)
	return nil
}

// List snapshots every conversation, ordered by creation time then id
// so pagination stays stable.
func (m *Manager) List() []datatypes.ConversationSummary {
	m.mu.RLock()
	out := make([]datatypes.ConversationSummary, 0, len(m.tasks))
	for _, task := range m.tasks {
		out = append(out, task.Summary())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ConversationID < out[j].ConversationID
	})
	return out
}

// Statistics aggregates counts by mode and status.
func (m *Manager) Statistics() datatypes.StoreStatistics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := datatypes.StoreStatistics{
		TotalConversations: len(m.tasks),
		ByMode:             make(map[string]int),
		ByStatus:           make(map[string]int),
	}
	for _, task := range m.tasks {
		s := task.Summary()
		stats.ByMode[string(s.Mode)]++
		stats.ByStatus[string(s.Status)]++
	}
	return stats
}

// Count returns the number of held conversations.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tasks)
}

// Sweep evicts closed stragglers and, when ttl is positive,
// conversations idle longer than ttl. Streaming conversations are never
// evicted regardless of age. Returns the eviction count.
func (m *Manager) Sweep(now time.Time, ttl time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for id, task := range m.tasks {
		if task.Streaming() {
			continue
		}
		idle := now.Sub(task.LastUpdated())
		if task.Closed() || (ttl > 0 && idle > ttl) {
			delete(m.tasks, id)
			evicted++
			m.logger.Debug("conversation evicted",
				"conversation_id", id, "closed", task.Closed(), "idle", idle)
		}
	}
	if evicted > 0 {
		storeConversations.Set(float64(len(m.tasks)))
		storeSwept.Add(float64(evicted))
	}
	return evicted
}
