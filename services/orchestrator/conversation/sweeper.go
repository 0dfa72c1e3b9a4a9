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
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ===== Clock =====

// Clock abstracts time.Now so TTL behaviour is testable without real
// waits.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock is the production clock.
var SystemClock Clock = systemClock{}

// ===== Sweeper =====

// limiterIdleFactor widens the limiter-bucket TTL relative to the
// conversation TTL: a bucket must outlive its conversations, or a
// close-then-recreate cycle would reset the user's budget.
const limiterIdleFactor = 2

// Sweeper periodically evicts closed and idle conversations, and stale
// rate-limit buckets with them.
//
// # Description
//
// Uses the ticker + done channel pattern for graceful shutdown. An
// initial sweep runs immediately on Start so a restart with a shorter
// TTL takes effect without waiting a full interval. A TTL of zero
// evicts only closed stragglers, never idle-but-open conversations.
//
// # Thread Safety
//
// All public methods are safe for concurrent use.
type Sweeper struct {
	store    *Manager
	limiter  *RateLimiter
	ttl      time.Duration
	interval time.Duration
	clock    Clock
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

// SweeperConfig assembles a Sweeper.
type SweeperConfig struct {
	// Store is the conversation registry to sweep. Required.
	Store *Manager

	// Limiter, when set, has its idle buckets swept on the same cadence.
	Limiter *RateLimiter

	// TTL is the idle age after which an open conversation is evicted.
	// Zero means closed stragglers only.
	TTL time.Duration

	// Interval between sweeps. Required positive.
	Interval time.Duration

	// Clock defaults to SystemClock.
	Clock Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// NewSweeper builds a stopped sweeper.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("sweeper requires a store")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("sweeper interval must be positive, got %v", cfg.Interval)
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Sweeper{
		store:    cfg.Store,
		limiter:  cfg.Limiter,
		ttl:      cfg.TTL,
		interval: cfg.Interval,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		done:     make(chan struct{}),
	}, nil
}

// Start launches the sweep loop. Fails if already running.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("sweeper already running")
	}
	s.running = true
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("conversation sweeper starting",
		"interval", s.interval.String(), "ttl", s.ttl.String())
	go s.runLoop(ctx)
	return nil
}

// Stop signals the loop to exit. Safe to call multiple times.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	close(s.done)
	s.running = false
	s.logger.Info("conversation sweeper stopped")
}

// RunNow performs one sweep immediately and returns the number of
// conversations evicted.
func (s *Sweeper) RunNow() int {
	now := s.clock.Now()
	evicted := s.store.Sweep(now, s.ttl)
	if s.limiter != nil {
		maxIdle := s.ttl * limiterIdleFactor
		if maxIdle <= 0 {
			maxIdle = time.Hour
		}
		s.limiter.Sweep(now, maxIdle)
	}
	if evicted > 0 {
		s.logger.Info("sweep evicted conversations", "count", evicted)
	}
	return evicted
}

func (s *Sweeper) runLoop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunNow()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.RunNow()
		}
	}
}
