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
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/Sitka/services/orchestrator/datatypes"
)

// ErrRateLimited marks requests rejected by the per-user token bucket.
// Wire code RATE_LIMITED.
var ErrRateLimited = datatypes.NewCodedError(
	datatypes.ErrCodeRateLimited, "rate limit exceeded, retry later")

// rateLimitTokens is the bucket capacity and the refill amount per
// window: a user gets 100 requests per rolling minute.
const rateLimitTokens = 100

// rateLimitWindow is the refill window.
const rateLimitWindow = time.Minute

// anonymousUser buckets requests that carry no user id. They all share
// one bucket; anonymity is not a way around the limit.
const anonymousUser = "anonymous"

var rateLimitDenials = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "sitka",
	Subsystem: "ratelimit",
	Name:      "denials_total",
	Help:      "Chat requests rejected by the per-user rate limit.",
})

// ===== RateLimiter =====

// RateLimiter enforces a per-user token bucket over chat requests.
//
// # Thread Safety
//
// Safe for concurrent use.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*userBucket
	tokens  int
	window  time.Duration
	clock   Clock
}

type userBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LimiterOption configures a RateLimiter.
type LimiterOption func(*RateLimiter)

// WithLimit overrides the tokens-per-window budget.
func WithLimit(tokens int, window time.Duration) LimiterOption {
	return func(l *RateLimiter) {
		if tokens > 0 && window > 0 {
			l.tokens = tokens
			l.window = window
		}
	}
}

// WithLimiterClock injects a clock for tests.
func WithLimiterClock(c Clock) LimiterOption {
	return func(l *RateLimiter) {
		if c != nil {
			l.clock = c
		}
	}
}

// NewRateLimiter builds a limiter with the standard 100-per-minute
// budget.
func NewRateLimiter(opts ...LimiterOption) *RateLimiter {
	l := &RateLimiter{
		buckets: make(map[string]*userBucket),
		tokens:  rateLimitTokens,
		window:  rateLimitWindow,
		clock:   SystemClock,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow consumes one token from userID's bucket.
//
// # Outputs
//
// ErrRateLimited (wrapped with the user id) when the bucket is empty.
func (l *RateLimiter) Allow(userID string) error {
	if userID == "" {
		userID = anonymousUser
	}

	l.mu.Lock()
	b, ok := l.buckets[userID]
	if !ok {
		b = &userBucket{
			limiter: rate.NewLimiter(rate.Limit(float64(l.tokens)/l.window.Seconds()), l.tokens),
		}
		l.buckets[userID] = b
	}
	b.lastSeen = l.clock.Now()
	l.mu.Unlock()

	if !b.limiter.Allow() {
		rateLimitDenials.Inc()
		return fmt.Errorf("user %s: %w", userID, ErrRateLimited)
	}
	return nil
}

// Sweep drops buckets idle longer than maxIdle; a full bucket for a
// departed user is just memory. Returns the eviction count.
func (l *RateLimiter) Sweep(now time.Time, maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for id, b := range l.buckets {
		if now.Sub(b.lastSeen) > maxIdle {
			delete(l.buckets, id)
			evicted++
		}
	}
	return evicted
}

// BucketCount returns the number of live buckets.
func (l *RateLimiter) BucketCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
