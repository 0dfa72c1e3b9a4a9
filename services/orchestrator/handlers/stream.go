// Aleutian AI - Sitka conversational retrieval service
// Copyright (C) 2025 Aleutian AI
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package handlers

import (
	"github.com/AleutianAI/Sitka/services/orchestrator/datatypes"
)

// ===== Stream Multiplexer =====

// noOutputWarning is the fixed content frame injected when a turn
// finishes without emitting any content.
const noOutputWarning = "Warning: no output was produced for this request."

// defaultChunkSize bounds one content frame's payload when the caller
// passes no explicit size.
const defaultChunkSize = 1024

// eventSink consumes the events of one turn in emission order.
type eventSink interface {
	consume(ev datatypes.StreamEvent)
}

// multiplexer bridges one turn's event channel onto an SSE writer.
//
// # Description
//
// Every event is forwarded in order. Content longer than the chunk size
// is split across frames on rune boundaries so a chunk never tears a
// UTF-8 sequence. The multiplexer tracks how many content frames it
// forwarded; finish appends the authoritative completion frame carrying
// those counters (injecting the fixed no-output warning first when the
// turn produced no content), fail appends a single error frame instead,
// and both end the stream with exactly one [DONE] sentinel.
//
// A write failure means the client is gone. The multiplexer remembers
// the first one, stops writing, and keeps draining so the producing
// goroutine can finish and release the conversation's stream slot.
//
// # Thread Safety
//
// Not safe for concurrent use; one goroutine owns a multiplexer.
type multiplexer struct {
	writer         SSEWriter
	conversationID string
	chunkSize      int

	responses   int
	contentSeen bool
	writeErr    error
}

func newMultiplexer(writer SSEWriter, conversationID string, chunkSize int) *multiplexer {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	return &multiplexer{
		writer:         writer,
		conversationID: conversationID,
		chunkSize:      chunkSize,
	}
}

// consume forwards one event to the wire, splitting oversized content.
func (m *multiplexer) consume(ev datatypes.StreamEvent) {
	if m.writeErr != nil {
		return
	}
	if ev.Type != datatypes.EventContent {
		m.write(ev)
		return
	}
	for _, part := range splitContent(ev.Content, m.chunkSize) {
		chunk := ev
		chunk.Content = part
		m.write(chunk)
		if m.writeErr != nil {
			return
		}
		m.responses++
		m.contentSeen = true
	}
}

// finish ends a successful turn: the no-output warning when nothing was
// produced, the completion frame with the turn's counters, then the
// sentinel.
func (m *multiplexer) finish() error {
	if !m.contentSeen {
		m.write(datatypes.NewContentEvent(m.conversationID, noOutputWarning))
	}
	m.write(datatypes.NewCompletionEvent(m.conversationID, m.responses, m.contentSeen))
	return m.done()
}

// fail ends a dead turn: one error frame, then the sentinel.
func (m *multiplexer) fail(code datatypes.ErrorCode, message string) error {
	m.write(datatypes.NewErrorEvent(m.conversationID, string(code), message))
	return m.done()
}

func (m *multiplexer) write(ev datatypes.StreamEvent) {
	if m.writeErr != nil {
		return
	}
	if err := m.writer.WriteEvent(ev); err != nil {
		m.writeErr = err
	}
}

func (m *multiplexer) done() error {
	if m.writeErr != nil {
		return m.writeErr
	}
	if err := m.writer.WriteDone(); err != nil {
		m.writeErr = err
	}
	return m.writeErr
}

var _ eventSink = (*multiplexer)(nil)

// splitContent cuts s into chunks of at most size runes, preserving
// order. Content at or under the size passes through untouched.
func splitContent(s string, size int) []string {
	runes := []rune(s)
	if size <= 0 || len(runes) <= size {
		return []string{s}
	}
	parts := make([]string, 0, (len(runes)+size-1)/size)
	for start := 0; start < len(runes); start += size {
		end := min(start+size, len(runes))
		parts = append(parts, string(runes[start:end]))
	}
	return parts
}
