// Aleutian AI - Sitka conversational retrieval service
// Copyright (C) 2025 Aleutian AI
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/Sitka/services/orchestrator/datatypes"
)

var (
	workflowRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sitka",
		Subsystem: "pipeline",
		Name:      "runs_total",
		Help:      "Workflow runs by terminal outcome.",
	}, []string{"outcome"})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sitka",
		Subsystem: "pipeline",
		Name:      "stage_duration_seconds",
		Help:      "Wall time per pipeline stage.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"stage"})

	subTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sitka",
		Subsystem: "pipeline",
		Name:      "subtasks_total",
		Help:      "Retrieval sub-tasks by type and outcome.",
	}, []string{"type", "outcome"})
)

// stageTimer starts timing a stage; the returned func records the
// duration. Use as: defer stageTimer(stage)().
func stageTimer(stage string) func() {
	start := time.Now()
	return func() {
		stageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}
}

// outcomeLabel buckets a sub-task outcome for the counter.
func outcomeLabel(out datatypes.TaskOutcome) string {
	switch {
	case out.Failed():
		return "failed"
	case len(out.Results) == 0:
		return "empty"
	default:
		return "ok"
	}
}
