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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/Sitka/services/orchestrator/datatypes"
)

// ErrBreakerOpen marks calls rejected while the breaker is open. It
// carries CONNECTION_ERROR on the wire: from the caller's side the
// upstream is unreachable, whether by network or by policy.
var ErrBreakerOpen = datatypes.NewCodedError(
	datatypes.ErrCodeConnection, "circuit breaker open: upstream calls suspended")

// defaultFailureThreshold is how many consecutive failures open the
// breaker.
const defaultFailureThreshold = 5

// defaultCooldown is how long the breaker stays open before allowing a
// probe.
const defaultCooldown = 60 * time.Second

// ===== State =====

// BreakerState is the breaker's position.
type BreakerState int

const (
	// BreakerClosed passes calls through and counts failures.
	BreakerClosed BreakerState = iota

	// BreakerOpen rejects calls until the cooldown elapses.
	BreakerOpen

	// BreakerHalfOpen admits exactly one probe call; its outcome
	// decides between closing and reopening.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	}
	return "unknown"
}

var breakerStateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "sitka",
	Subsystem: "breaker",
	Name:      "state",
	Help:      "Circuit breaker position: 0 closed, 1 open, 2 half-open.",
}, []string{"name"})

// ===== CircuitBreaker =====

// CircuitBreaker guards calls into external services.
//
// # Description
//
// A consecutive-failure breaker: defaultFailureThreshold failures in a
// row open it, rejecting further calls for the cooldown. After the
// cooldown one probe call is admitted; success closes the breaker,
// failure reopens it for another cooldown. Any success resets the
// failure count, so intermittent failures never accumulate to an open.
//
// # Thread Safety
//
// Safe for concurrent use. All mutable state is protected by mu.
type CircuitBreaker struct {
	mu sync.Mutex

	name      string
	state     BreakerState
	failures  int
	openedAt  time.Time
	probing   bool
	threshold int
	cooldown  time.Duration
	clock     Clock
	logger    *slog.Logger

	// isFailure decides whether an error counts toward opening.
	// Defaults to any non-nil error.
	isFailure func(error) bool
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithFailureThreshold overrides the consecutive-failure threshold.
func WithFailureThreshold(n int) BreakerOption {
	return func(b *CircuitBreaker) {
		if n > 0 {
			b.threshold = n
		}
	}
}

// WithCooldown overrides the open-state cooldown.
func WithCooldown(d time.Duration) BreakerOption {
	return func(b *CircuitBreaker) {
		if d > 0 {
			b.cooldown = d
		}
	}
}

// WithBreakerClock injects a clock for tests.
func WithBreakerClock(c Clock) BreakerOption {
	return func(b *CircuitBreaker) {
		if c != nil {
			b.clock = c
		}
	}
}

// WithFailurePredicate overrides what counts as a breaker-relevant
// failure. Validation failures, for example, say nothing about upstream
// health and should not open the breaker.
func WithFailurePredicate(fn func(error) bool) BreakerOption {
	return func(b *CircuitBreaker) {
		if fn != nil {
			b.isFailure = fn
		}
	}
}

// NewCircuitBreaker builds a closed breaker named for its metrics
// label.
func NewCircuitBreaker(name string, opts ...BreakerOption) *CircuitBreaker {
	b := &CircuitBreaker{
		name:      name,
		state:     BreakerClosed,
		threshold: defaultFailureThreshold,
		cooldown:  defaultCooldown,
		clock:     SystemClock,
		logger:    slog.Default(),
		isFailure: func(err error) bool { return err != nil },
	}
	for _, opt := range opts {
		opt(b)
	}
	breakerStateGauge.WithLabelValues(name).Set(float64(BreakerClosed))
	return b
}

// Allow reports whether a call may proceed right now.
//
// # Outputs
//
// nil when the call is admitted (including the half-open probe);
// ErrBreakerOpen otherwise. An admitted call must be followed by
// RecordSuccess or RecordFailure, or use Do which pairs them.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil

	case BreakerOpen:
		if b.clock.Now().Sub(b.openedAt) < b.cooldown {
			return fmt.Errorf("%s: %w", b.name, ErrBreakerOpen)
		}
		b.setStateLocked(BreakerHalfOpen)
		b.probing = true
		b.logger.Info("circuit breaker admitting probe", "breaker", b.name)
		return nil

	case BreakerHalfOpen:
		if b.probing {
			return fmt.Errorf("%s: %w", b.name, ErrBreakerOpen)
		}
		b.probing = true
		return nil
	}
	return nil
}

// RecordSuccess reports a successful admitted call.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probing = false
	if b.state != BreakerClosed {
		b.setStateLocked(BreakerClosed)
		b.logger.Info("circuit breaker closed", "breaker", b.name)
	}
}

// RecordFailure reports a failed admitted call.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		// Probe failed: back to a full cooldown.
		b.probing = false
		b.openedAt = b.clock.Now()
		b.setStateLocked(BreakerOpen)
		b.logger.Warn("circuit breaker reopened after failed probe", "breaker", b.name)

	case BreakerClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.openedAt = b.clock.Now()
			b.setStateLocked(BreakerOpen)
			b.logger.Warn("circuit breaker opened",
				"breaker", b.name, "consecutive_failures", b.failures)
		}
	}
}

// Do runs fn under the breaker: Allow, call, record. Errors from fn
// pass through unwrapped; only the failure predicate sees them.
func (b *CircuitBreaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	if b.isFailure(err) {
		b.RecordFailure()
	} else {
		b.RecordSuccess()
	}
	return err
}

// State returns the current position.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker closed and clears counters.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
	b.setStateLocked(BreakerClosed)
}

// setStateLocked transitions state and mirrors it to the gauge. Caller
// must hold mu.
func (b *CircuitBreaker) setStateLocked(s BreakerState) {
	b.state = s
	breakerStateGauge.WithLabelValues(b.name).Set(float64(s))
}
