// Aleutian AI - Sitka conversational retrieval service
// Copyright (C) 2025 Aleutian AI
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package agent

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	graphRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sitka",
		Subsystem: "agent",
		Name:      "runs_total",
		Help:      "Agent graph runs by terminal outcome.",
	}, []string{"outcome"})

	nodeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sitka",
		Subsystem: "agent",
		Name:      "node_duration_seconds",
		Help:      "Wall time per graph node execution.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"node"})

	graphIterations = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sitka",
		Subsystem: "agent",
		Name:      "iterations",
		Help:      "Master iterations per run; the cap is 5.",
		Buckets:   []float64{1, 2, 3, 4, 5},
	})
)

// nodeTimer starts timing a node; the returned func records the
// duration. Use as: defer nodeTimer(node)().
func nodeTimer(node string) func() {
	start := time.Now()
	return func() {
		nodeDuration.WithLabelValues(node).Observe(time.Since(start).Seconds())
	}
}
