// Aleutian AI - Sitka conversational retrieval service
// Copyright (C) 2025 Aleutian AI
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/Sitka/services/orchestrator/datatypes"
)

// TestNewSweeper_Validation verifies required configuration.
func TestNewSweeper_Validation(t *testing.T) {
	_, err := NewSweeper(SweeperConfig{Interval: time.Minute})
	assert.Error(t, err, "store is required")

	_, err = NewSweeper(SweeperConfig{Store: NewManager(testLogger())})
	assert.Error(t, err, "interval is required")

	s, err := NewSweeper(SweeperConfig{
		Store:    NewManager(testLogger()),
		Interval: time.Minute,
		Logger:   testLogger(),
	})
	require.NoError(t, err)
	assert.NotNil(t, s)
}

// TestSweeper_RunNow verifies idle and closed eviction through the
// injected clock, without touching streaming conversations.
func TestSweeper_RunNow(t *testing.T) {
	m := NewManager(testLogger())
	clock := &fakeClock{t: time.Now().UTC()}

	closed, _, err := m.Create(&datatypes.CreateConversationRequest{UserID: "u1", ConversationID: "closed"})
	require.NoError(t, err)
	closed.Close()

	_, _, err = m.Create(&datatypes.CreateConversationRequest{UserID: "u1", ConversationID: "idle"})
	require.NoError(t, err)

	streaming, _, err := m.Create(&datatypes.CreateConversationRequest{UserID: "u1", ConversationID: "active"})
	require.NoError(t, err)
	_, err = streaming.TryBeginStream()
	require.NoError(t, err)

	limiter := NewRateLimiter(WithLimit(5, time.Minute), WithLimiterClock(clock))
	require.NoError(t, limiter.Allow("departed"))

	s, err := NewSweeper(SweeperConfig{
		Store:    m,
		Limiter:  limiter,
		TTL:      30 * time.Minute,
		Interval: time.Minute,
		Clock:    clock,
		Logger:   testLogger(),
	})
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	evicted := s.RunNow()

	assert.Equal(t, 2, evicted)
	assert.Equal(t, 1, m.Count())
	assert.Equal(t, 0, limiter.BucketCount(), "limiter buckets swept on the same cadence")
}

// TestSweeper_StartStop verifies lifecycle guards: double start fails,
// double stop is safe.
func TestSweeper_StartStop(t *testing.T) {
	s, err := NewSweeper(SweeperConfig{
		Store:    NewManager(testLogger()),
		Interval: 50 * time.Millisecond,
		Logger:   testLogger(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx))
	assert.Error(t, s.Start(ctx), "second start must fail")

	s.Stop()
	s.Stop()

	require.NoError(t, s.Start(ctx), "restart after stop should work")
	s.Stop()
}

// TestSweeper_LoopEvicts verifies the background loop actually sweeps.
func TestSweeper_LoopEvicts(t *testing.T) {
	m := NewManager(testLogger())
	closed, _, err := m.Create(&datatypes.CreateConversationRequest{UserID: "u1", ConversationID: "closed"})
	require.NoError(t, err)
	closed.Close()

	s, err := NewSweeper(SweeperConfig{
		Store:    m,
		Interval: 20 * time.Millisecond,
		Logger:   testLogger(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	require.Eventually(t, func() bool {
		return m.Count() == 0
	}, 2*time.Second, 10*time.Millisecond, "loop should evict the closed conversation")
}
