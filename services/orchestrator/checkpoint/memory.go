// Aleutian AI - Sitka conversational retrieval service
// Copyright (C) 2025 Aleutian AI
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package checkpoint

import (
	"context"
	"fmt"
	"sync"
)

const backendMemory = "memory"

// MemoryStore keeps checkpoints in process memory. Threads stay short
// (the graph caps iterations, so a thread holds at most a few dozen
// snapshots), so each thread is a plain slice in save order and lookups
// scan it.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string][]*Checkpoint
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{threads: make(map[string][]*Checkpoint)}
}

// Save stores a copy of cp, assigning CheckpointID and CreatedAt if
// unset. Re-saving an existing id moves the snapshot to the tail.
func (s *MemoryStore) Save(ctx context.Context, cp *Checkpoint) (err error) {
	defer observe(backendMemory, "save", &err)

	if err = normalizeForSave(cp); err != nil {
		return err
	}
	if err = ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.threads[cp.ThreadID]
	for i, existing := range chain {
		if existing.CheckpointID == cp.CheckpointID {
			chain = append(chain[:i], chain[i+1:]...)
			break
		}
	}
	s.threads[cp.ThreadID] = append(chain, cp.Clone())
	return nil
}

// Load returns a copy of the checkpoint at (threadID, checkpointID).
func (s *MemoryStore) Load(ctx context.Context, threadID, checkpointID string) (_ *Checkpoint, err error) {
	defer observe(backendMemory, "load", &err)

	if threadID == "" || checkpointID == "" {
		return nil, fmt.Errorf("empty checkpoint key: %w", ErrInvalidCheckpoint)
	}
	if err = ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, cp := range s.threads[threadID] {
		if cp.CheckpointID == checkpointID {
			return cp.Clone(), nil
		}
	}
	return nil, fmt.Errorf("thread %s checkpoint %s: %w", threadID, checkpointID, ErrCheckpointNotFound)
}

// List returns the thread's checkpoints oldest first. An unknown
// thread yields an empty slice, not an error.
func (s *MemoryStore) List(ctx context.Context, threadID string) (_ []*Checkpoint, err error) {
	defer observe(backendMemory, "list", &err)

	if threadID == "" {
		return nil, fmt.Errorf("empty thread id: %w", ErrInvalidCheckpoint)
	}
	if err = ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.threads[threadID]
	out := make([]*Checkpoint, 0, len(chain))
	for _, cp := range chain {
		out = append(out, cp.Clone())
	}
	return out, nil
}

// Latest returns the most recently saved checkpoint of the thread.
func (s *MemoryStore) Latest(ctx context.Context, threadID string) (_ *Checkpoint, err error) {
	defer observe(backendMemory, "latest", &err)

	if threadID == "" {
		return nil, fmt.Errorf("empty thread id: %w", ErrInvalidCheckpoint)
	}
	if err = ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.threads[threadID]
	if len(chain) == 0 {
		return nil, fmt.Errorf("thread %s: %w", threadID, ErrThreadNotFound)
	}
	return chain[len(chain)-1].Clone(), nil
}

// DeleteCheckpoint removes one snapshot.
func (s *MemoryStore) DeleteCheckpoint(ctx context.Context, threadID, checkpointID string) (err error) {
	defer observe(backendMemory, "delete_checkpoint", &err)

	if threadID == "" || checkpointID == "" {
		return fmt.Errorf("empty checkpoint key: %w", ErrInvalidCheckpoint)
	}
	if err = ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.threads[threadID]
	for i, cp := range chain {
		if cp.CheckpointID == checkpointID {
			chain = append(chain[:i], chain[i+1:]...)
			if len(chain) == 0 {
				delete(s.threads, threadID)
			} else {
				s.threads[threadID] = chain
			}
			return nil
		}
	}
	return fmt.Errorf("thread %s checkpoint %s: %w", threadID, checkpointID, ErrCheckpointNotFound)
}

// DeleteThread removes the thread and every snapshot under it.
func (s *MemoryStore) DeleteThread(ctx context.Context, threadID string) (err error) {
	defer observe(backendMemory, "delete_thread", &err)

	if threadID == "" {
		return fmt.Errorf("empty thread id: %w", ErrInvalidCheckpoint)
	}
	if err = ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.threads[threadID]; !ok {
		return fmt.Errorf("thread %s: %w", threadID, ErrThreadNotFound)
	}
	delete(s.threads, threadID)
	return nil
}

// Statistics counts threads and checkpoints.
func (s *MemoryStore) Statistics(ctx context.Context) (_ Statistics, err error) {
	defer observe(backendMemory, "statistics", &err)

	if err = ctx.Err(); err != nil {
		return Statistics{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Statistics{Backend: backendMemory, Threads: len(s.threads)}
	for _, chain := range s.threads {
		stats.Checkpoints += len(chain)
	}
	return stats, nil
}
