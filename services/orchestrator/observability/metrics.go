// Aleutian AI - Sitka conversational retrieval service
// Copyright (C) 2025 Aleutian AI
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package observability provides Prometheus metrics for the
// conversation endpoints.
//
// # Description
//
// Request counters, stream-duration histograms, active-stream gauges,
// and error counters labelled with the stable error taxonomy. The
// engines and stores register their own metrics; this package covers
// the HTTP surface. Everything is exposed on /metrics.
//
// # Thread Safety
//
// All metric operations are safe for concurrent use via Prometheus's
// internal locking.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/Sitka/services/orchestrator/datatypes"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const metricsNamespace = "sitka"

const streamingSubsystem = "streaming"

// StreamingMetrics holds the Prometheus metrics for the chat endpoints.
//
// # Description
//
// Initialized once at startup via InitMetrics. Handlers record through
// the helper methods rather than touching the vectors directly, so the
// label sets stay closed.
type StreamingMetrics struct {
	// RequestsTotal counts chat requests by endpoint and outcome.
	// Labels: endpoint (stream, messages), status (success, error)
	RequestsTotal *prometheus.CounterVec

	// StreamDurationSeconds measures how long one turn takes end to end.
	// Labels: endpoint, status
	StreamDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks turns currently being driven.
	// Labels: endpoint
	ActiveStreams *prometheus.GaugeVec

	// ErrorsTotal counts failures by taxonomy code.
	// Labels: endpoint, error_code (VALIDATION_ERROR, TIMEOUT_ERROR, ...)
	ErrorsTotal *prometheus.CounterVec

	// ContentFramesTotal counts content frames written to clients,
	// after chunk splitting. Labels: endpoint
	ContentFramesTotal *prometheus.CounterVec

	// ClientDisconnectsTotal counts streams whose client went away
	// before the sentinel. Labels: endpoint
	ClientDisconnectsTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance, set by InitMetrics.
var DefaultMetrics *StreamingMetrics

var initOnce sync.Once

// InitMetrics registers the streaming metrics on the default registry
// and installs the singleton. Idempotent, so repeated service
// construction in tests cannot trip duplicate registration.
func InitMetrics() *StreamingMetrics {
	initOnce.Do(func() {
		DefaultMetrics = &StreamingMetrics{
			RequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: streamingSubsystem,
					Name:      "requests_total",
					Help:      "Chat requests by endpoint and outcome.",
				},
				[]string{"endpoint", "status"},
			),

			StreamDurationSeconds: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: metricsNamespace,
					Subsystem: streamingSubsystem,
					Name:      "stream_duration_seconds",
					Help:      "End-to-end turn duration in seconds.",
					Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
				},
				[]string{"endpoint", "status"},
			),

			ActiveStreams: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: metricsNamespace,
					Subsystem: streamingSubsystem,
					Name:      "active_streams",
					Help:      "Turns currently being driven.",
				},
				[]string{"endpoint"},
			),

			ErrorsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: streamingSubsystem,
					Name:      "errors_total",
					Help:      "Failures by endpoint and taxonomy code.",
				},
				[]string{"endpoint", "error_code"},
			),

			ContentFramesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: streamingSubsystem,
					Name:      "content_frames_total",
					Help:      "Content frames written to clients, after chunk splitting.",
				},
				[]string{"endpoint"},
			),

			ClientDisconnectsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: streamingSubsystem,
					Name:      "client_disconnects_total",
					Help:      "Streams whose client went away before the sentinel.",
				},
				[]string{"endpoint"},
			),
		}
	})
	return DefaultMetrics
}

// =============================================================================
// Endpoint Names
// =============================================================================

// Endpoint labels a chat endpoint for metrics.
type Endpoint string

const (
	// EndpointStream is the SSE streaming endpoint.
	EndpointStream Endpoint = "stream"

	// EndpointMessages is the non-streaming aggregation endpoint.
	EndpointMessages Endpoint = "messages"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRequest records one completed request.
func (m *StreamingMetrics) RecordRequest(endpoint Endpoint, success bool) {
	m.RequestsTotal.WithLabelValues(string(endpoint), statusLabel(success)).Inc()
}

// RecordError records a failure under its taxonomy code.
func (m *StreamingMetrics) RecordError(endpoint Endpoint, code datatypes.ErrorCode) {
	m.ErrorsTotal.WithLabelValues(string(endpoint), string(code)).Inc()
}

// StreamStarted increments the active-turn gauge.
func (m *StreamingMetrics) StreamStarted(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Inc()
}

// StreamEnded decrements the active-turn gauge.
func (m *StreamingMetrics) StreamEnded(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Dec()
}

// RecordStreamDuration records one turn's end-to-end duration.
func (m *StreamingMetrics) RecordStreamDuration(endpoint Endpoint, seconds float64, success bool) {
	m.StreamDurationSeconds.WithLabelValues(string(endpoint), statusLabel(success)).Observe(seconds)
}

// RecordContentFrames adds the content frames one turn produced.
func (m *StreamingMetrics) RecordContentFrames(endpoint Endpoint, frames int) {
	if frames <= 0 {
		return
	}
	m.ContentFramesTotal.WithLabelValues(string(endpoint)).Add(float64(frames))
}

// RecordClientDisconnect counts a client that vanished mid-stream.
func (m *StreamingMetrics) RecordClientDisconnect(endpoint Endpoint) {
	m.ClientDisconnectsTotal.WithLabelValues(string(endpoint)).Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
