// Aleutian AI - Sitka conversational retrieval service
// Copyright (C) 2025 Aleutian AI
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package checkpoint persists agent-graph state between node steps.
//
// A checkpoint is an opaque snapshot of the agent's shared state, keyed
// by (thread id, checkpoint id). The graph saves one after each node it
// executes and can resume a thread from the latest snapshot. Two
// interchangeable backends exist: MemoryStore for single-process
// deployments and RedisStore for anything that must survive a restart.
// The graph never depends on which one is configured, and a nil Store
// disables checkpointing entirely.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/Sitka/services/orchestrator/datatypes"
)

// ===== Sentinel Errors =====

var (
	// ErrCheckpointNotFound is returned when the (thread, checkpoint)
	// key has no snapshot, either because it never existed or because
	// its TTL fired.
	ErrCheckpointNotFound = datatypes.NewCodedError(datatypes.ErrCodeMissingKey, "checkpoint not found")

	// ErrThreadNotFound is returned by Latest and DeleteThread when the
	// thread has no checkpoints at all.
	ErrThreadNotFound = datatypes.NewCodedError(datatypes.ErrCodeMissingKey, "thread has no checkpoints")

	// ErrInvalidCheckpoint is returned when a checkpoint or key fails
	// basic validation before touching the backend.
	ErrInvalidCheckpoint = datatypes.NewCodedError(datatypes.ErrCodeValidation, "invalid checkpoint")
)

// ===== Checkpoint =====

// Checkpoint is one snapshot of agent graph state. State carries the
// serialized AgentState; the store never looks inside it.
type Checkpoint struct {
	ThreadID     string          `json:"thread_id"`
	CheckpointID string          `json:"checkpoint_id"`
	Node         string          `json:"node,omitempty"`
	Iteration    int             `json:"iteration,omitempty"`
	State        json.RawMessage `json:"state,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Clone returns a copy of the checkpoint. State shares its backing
// array with the original; treat it as immutable.
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// Statistics summarises store contents for the health surface.
type Statistics struct {
	Backend     string `json:"backend"`
	Threads     int    `json:"threads"`
	Checkpoints int    `json:"checkpoints"`
}

// ===== Store =====

// Store is the persistence contract for agent-graph checkpoints.
//
// # Description
//
// Save validates the checkpoint, assigns CheckpointID and CreatedAt
// when the caller left them zero (the assigned values are written back
// into the passed struct), and persists a snapshot. Re-saving an
// existing (thread, checkpoint) key replaces the snapshot and makes it
// the thread's latest.
//
// Load and Latest return ErrCheckpointNotFound / ErrThreadNotFound for
// missing keys. List returns a thread's checkpoints oldest first, and
// an empty slice for an unknown thread: listing nothing is not an
// error, resuming from nothing is.
//
// # Thread Safety
//
// All implementations are safe for concurrent use. Every call takes a
// context; backend round-trips honour its deadline and cancellation.
type Store interface {
	Save(ctx context.Context, cp *Checkpoint) error
	Load(ctx context.Context, threadID, checkpointID string) (*Checkpoint, error)
	List(ctx context.Context, threadID string) ([]*Checkpoint, error)
	Latest(ctx context.Context, threadID string) (*Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, threadID, checkpointID string) error
	DeleteThread(ctx context.Context, threadID string) error
	Statistics(ctx context.Context) (Statistics, error)
}

// normalizeForSave validates cp and fills generated fields. Shared by
// both backends so Save means the same thing everywhere.
func normalizeForSave(cp *Checkpoint) error {
	if cp == nil {
		return fmt.Errorf("nil checkpoint: %w", ErrInvalidCheckpoint)
	}
	if cp.ThreadID == "" {
		return fmt.Errorf("checkpoint missing thread id: %w", ErrInvalidCheckpoint)
	}
	if cp.CheckpointID == "" {
		cp.CheckpointID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	return nil
}

// ===== Metrics =====

var (
	checkpointOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sitka",
		Subsystem: "checkpoint",
		Name:      "operations_total",
		Help:      "Checkpoint store operations by backend.",
	}, []string{"backend", "operation"})

	checkpointErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sitka",
		Subsystem: "checkpoint",
		Name:      "errors_total",
		Help:      "Checkpoint store failures by backend. Not-found lookups are a routine outcome and are not counted.",
	}, []string{"backend", "operation"})
)

// observe records one store operation. Meant for defer with a named
// return error.
func observe(backend, op string, errp *error) {
	checkpointOps.WithLabelValues(backend, op).Inc()
	if errp == nil || *errp == nil {
		return
	}
	if errors.Is(*errp, ErrCheckpointNotFound) || errors.Is(*errp, ErrThreadNotFound) {
		return
	}
	checkpointErrors.WithLabelValues(backend, op).Inc()
}
