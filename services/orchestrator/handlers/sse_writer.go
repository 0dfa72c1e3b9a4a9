// Aleutian AI - Sitka conversational retrieval service
// Copyright (C) 2025 Aleutian AI
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/AleutianAI/Sitka/services/orchestrator/datatypes"
)

// ===== SSE Writer =====

// doneSentinel terminates every stream, success or failure.
const doneSentinel = "[DONE]"

// ErrStreamingUnsupported means the ResponseWriter cannot flush, so SSE
// frames would sit in a buffer until the handler returned.
var ErrStreamingUnsupported = errors.New("response writer does not support streaming")

// SSEWriter serializes stream events onto an HTTP response as
// server-sent events.
//
// # Description
//
// Each event becomes one "data: <json>\n\n" frame, flushed immediately
// so proxies and clients see tokens as they are produced. WriteDone
// emits the literal [DONE] sentinel that tells clients the stream is
// finished; exactly one sentinel ends every stream.
//
// # Thread Safety
//
// Safe for concurrent use. Writes are serialized by an internal mutex
// so interleaved goroutines cannot tear a frame.
type SSEWriter interface {
	// WriteEvent serializes one event as an SSE data frame and flushes.
	WriteEvent(ev datatypes.StreamEvent) error

	// WriteDone emits the [DONE] sentinel frame and flushes.
	WriteDone() error
}

// SetSSEHeaders stamps the response headers required before the first
// frame: event-stream content type, no caching, and the anti-buffering
// hint for reverse proxies.
func SetSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// NewSSEWriter wraps an http.ResponseWriter for SSE output. Fails with
// ErrStreamingUnsupported when the writer cannot flush.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

func (s *sseWriter) WriteEvent(ev datatypes.StreamEvent) error {
	data, err := ev.WireJSON()
	if err != nil {
		return fmt.Errorf("marshal stream event: %w", err)
	}
	return s.writeFrame(data)
}

func (s *sseWriter) WriteDone() error {
	return s.writeFrame([]byte(doneSentinel))
}

func (s *sseWriter) writeFrame(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.writer, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("write sse frame: %w", err)
	}
	s.flusher.Flush()
	return nil
}

var _ SSEWriter = (*sseWriter)(nil)
