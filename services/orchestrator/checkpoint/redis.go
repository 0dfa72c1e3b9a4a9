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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	backendRedis = "redis"

	defaultTTL    = 24 * time.Hour
	defaultPrefix = "sitka"
)

// RedisStore persists checkpoints in Redis with a per-key TTL. Each
// snapshot lives in its own string key; a per-thread list tracks save
// order so Latest and List work without sorting.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

var _ Store = (*RedisStore)(nil)

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithTTL sets the snapshot time-to-live. Zero disables expiry.
// Default is 24 hours.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) { s.ttl = ttl }
}

// WithPrefix sets the Redis key prefix. Default is "sitka".
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// NewRedisStore creates a Redis-backed checkpoint store on an existing
// client. The caller owns the client's lifecycle.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		ttl:    defaultTTL,
		prefix: defaultPrefix,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ===== Keys =====

func (s *RedisStore) checkpointKey(threadID, checkpointID string) string {
	return fmt.Sprintf("%s:checkpoint:%s:%s", s.prefix, threadID, checkpointID)
}

func (s *RedisStore) threadKey(threadID string) string {
	return fmt.Sprintf("%s:thread:%s:checkpoints", s.prefix, threadID)
}

// ===== Store implementation =====

// Save persists cp in a single pipelined round-trip: snapshot SET plus
// thread-index update. Re-saving an existing id moves it to the tail
// of the index, making it the thread's latest.
func (s *RedisStore) Save(ctx context.Context, cp *Checkpoint) (err error) {
	defer observe(backendRedis, "save", &err)

	if err = normalizeForSave(cp); err != nil {
		return err
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	listKey := s.threadKey(cp.ThreadID)
	pipe := s.client.Pipeline()
	pipe.LRem(ctx, listKey, 0, cp.CheckpointID)
	pipe.RPush(ctx, listKey, cp.CheckpointID)
	pipe.Set(ctx, s.checkpointKey(cp.ThreadID, cp.CheckpointID), data, s.ttl)
	if s.ttl > 0 {
		pipe.Expire(ctx, listKey, s.ttl)
	}
	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

// Load retrieves one snapshot.
func (s *RedisStore) Load(ctx context.Context, threadID, checkpointID string) (_ *Checkpoint, err error) {
	defer observe(backendRedis, "load", &err)

	if threadID == "" || checkpointID == "" {
		return nil, fmt.Errorf("empty checkpoint key: %w", ErrInvalidCheckpoint)
	}

	data, err := s.client.Get(ctx, s.checkpointKey(threadID, checkpointID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("thread %s checkpoint %s: %w", threadID, checkpointID, ErrCheckpointNotFound)
		}
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var cp Checkpoint
	if err = json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

// List returns the thread's checkpoints oldest first.
//
// Index ids can outlive their snapshots when the per-key TTL fires
// between saves; stale ids are dropped from the index as they are
// noticed.
func (s *RedisStore) List(ctx context.Context, threadID string) (_ []*Checkpoint, err error) {
	defer observe(backendRedis, "list", &err)

	if threadID == "" {
		return nil, fmt.Errorf("empty thread id: %w", ErrInvalidCheckpoint)
	}

	ids, err := s.client.LRange(ctx, s.threadKey(threadID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange failed: %w", err)
	}
	if len(ids) == 0 {
		return []*Checkpoint{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.checkpointKey(threadID, id))
	}
	if _, err = pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis pipeline failed: %w", err)
	}

	out := make([]*Checkpoint, 0, len(ids))
	var stale []string
	for i, cmd := range cmds {
		data, getErr := cmd.Bytes()
		if getErr != nil {
			if errors.Is(getErr, redis.Nil) {
				stale = append(stale, ids[i])
				continue
			}
			return nil, fmt.Errorf("redis get failed: %w", getErr)
		}
		var cp Checkpoint
		if err = json.Unmarshal(data, &cp); err != nil {
			return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
		}
		out = append(out, &cp)
	}

	if len(stale) > 0 {
		s.pruneIndex(ctx, threadID, stale)
	}
	return out, nil
}

// pruneIndex removes expired snapshot ids from the thread index.
// Best effort: a failed prune only means the next List repeats it.
func (s *RedisStore) pruneIndex(ctx context.Context, threadID string, ids []string) {
	pipe := s.client.Pipeline()
	for _, id := range ids {
		pipe.LRem(ctx, s.threadKey(threadID), 0, id)
	}
	_, _ = pipe.Exec(ctx)
}

// Latest returns the thread's most recently saved checkpoint. Threads
// are short, so this rides on List rather than maintaining a separate
// head pointer.
func (s *RedisStore) Latest(ctx context.Context, threadID string) (_ *Checkpoint, err error) {
	defer observe(backendRedis, "latest", &err)

	chain, err := s.List(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("thread %s: %w", threadID, ErrThreadNotFound)
	}
	return chain[len(chain)-1], nil
}

// DeleteCheckpoint removes one snapshot and its index entry.
func (s *RedisStore) DeleteCheckpoint(ctx context.Context, threadID, checkpointID string) (err error) {
	defer observe(backendRedis, "delete_checkpoint", &err)

	if threadID == "" || checkpointID == "" {
		return fmt.Errorf("empty checkpoint key: %w", ErrInvalidCheckpoint)
	}

	pipe := s.client.Pipeline()
	delCmd := pipe.Del(ctx, s.checkpointKey(threadID, checkpointID))
	pipe.LRem(ctx, s.threadKey(threadID), 0, checkpointID)
	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	if delCmd.Val() == 0 {
		return fmt.Errorf("thread %s checkpoint %s: %w", threadID, checkpointID, ErrCheckpointNotFound)
	}
	return nil
}

// DeleteThread removes the thread index and every snapshot under it.
func (s *RedisStore) DeleteThread(ctx context.Context, threadID string) (err error) {
	defer observe(backendRedis, "delete_thread", &err)

	if threadID == "" {
		return fmt.Errorf("empty thread id: %w", ErrInvalidCheckpoint)
	}

	listKey := s.threadKey(threadID)
	ids, err := s.client.LRange(ctx, listKey, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("redis lrange failed: %w", err)
	}
	if len(ids) == 0 {
		return fmt.Errorf("thread %s: %w", threadID, ErrThreadNotFound)
	}

	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, s.checkpointKey(threadID, id))
	}
	keys = append(keys, listKey)
	if err = s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// Statistics counts thread indexes and snapshots by key scan.
func (s *RedisStore) Statistics(ctx context.Context) (_ Statistics, err error) {
	defer observe(backendRedis, "statistics", &err)

	stats := Statistics{Backend: backendRedis}

	threads, err := s.countKeys(ctx, fmt.Sprintf("%s:thread:*:checkpoints", s.prefix))
	if err != nil {
		return Statistics{}, err
	}
	checkpoints, err := s.countKeys(ctx, fmt.Sprintf("%s:checkpoint:*", s.prefix))
	if err != nil {
		return Statistics{}, err
	}

	stats.Threads = threads
	stats.Checkpoints = checkpoints
	return stats, nil
}

func (s *RedisStore) countKeys(ctx context.Context, pattern string) (int, error) {
	var n int
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("redis scan failed: %w", err)
	}
	return n, nil
}
