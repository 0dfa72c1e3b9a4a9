// Aleutian AI - Sitka conversational retrieval service
// Copyright (C) 2025 Aleutian AI
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package logging provides structured logging for Sitka components.
//
// This package implements a layered logging architecture designed for
// both interactive CLI usage and long-running service deployment:
//
//   - Default: stderr output for CLI compatibility (follows Unix conventions)
//   - Optional: rotating file logging via lumberjack
//   - Enterprise: extensible via LogExporter interface for cloud upload
//
// # Architecture
//
// The logging system is built on Go's standard library slog package,
// with extensions for multi-destination output and enterprise export:
//
//	┌─────────────────────────────────────────────────────────────┐
//	│                         Logger                              │
//	│  ┌─────────────┐  ┌─────────────┐  ┌─────────────────────┐ │
//	│  │   stderr    │  │ rotating    │  │   LogExporter       │ │
//	│  │  (default)  │  │ file (opt)  │  │   (enterprise)      │ │
//	│  └─────────────┘  └─────────────┘  └─────────────────────┘ │
//	└─────────────────────────────────────────────────────────────┘
//
// # Basic Usage
//
// For simple usage with stderr output:
//
//	logger := logging.Default()
//	logger.Info("starting stream", "conversation_id", convID)
//	logger.Error("request failed", "error", err)
//
// # Output Format
//
// The stderr format is chosen automatically: human-readable text when
// stderr is a terminal, JSON when it is redirected (e.g. under a process
// supervisor or container runtime). Set Config.Format to force either.
//
// # File Logging
//
// To enable rotating file logging alongside stderr:
//
//	logger := logging.New(logging.Config{
//	    Level:      logging.LevelInfo,
//	    FilePath:   "~/.sitka/logs/orchestrator.log", // Supports ~ expansion
//	    MaxSizeMB:  50,
//	    MaxBackups: 5,
//	    Service:    "orchestrator",
//	})
//	defer logger.Close() // Important: flushes and closes the file
//
// File output is always JSON, rotated by lumberjack when the file
// exceeds MaxSizeMB megabytes.
//
// # Enterprise Export
//
// For enterprise deployments, implement LogExporter to send logs
// to external systems (GCS, Loki, Datadog, etc.):
//
//	logger := logging.New(logging.Config{
//	    Level:    logging.LevelInfo,
//	    Service:  "orchestrator",
//	    Exporter: exporter,
//	})
//
// The exporter receives LogEntry structs asynchronously and should
// buffer internally for efficiency.
//
// # Log Levels
//
// Four levels are supported, matching slog conventions:
//
//   - Debug: Development troubleshooting, verbose output
//   - Info: Normal operations (request start/end, state changes)
//   - Warn: Recoverable issues (retry attempts, degraded mode)
//   - Error: Operation failures (but system continues)
//
// # Thread Safety
//
// Logger is safe for concurrent use. Internal state is protected
// by a mutex, and the underlying slog.Logger is thread-safe.
//
// # Security Considerations
//
// This package does NOT automatically redact sensitive data.
// Callers must ensure PII, tokens, and secrets are not logged:
//
//	// BAD: logs sensitive data
//	logger.Info("auth", "token", authToken)
//
//	// GOOD: log metadata only
//	logger.Info("auth", "token_present", authToken != "")
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"
)

// =============================================================================
// Log Levels
// =============================================================================

// Level represents log severity levels.
//
// Levels follow the slog convention and are ordered by severity:
// Debug < Info < Warn < Error
//
// Setting a minimum level filters out all logs below that level.
// For example, LevelWarn filters out Debug and Info messages.
type Level int

const (
	// LevelDebug is for development troubleshooting.
	// Use for verbose output that helps trace execution flow.
	LevelDebug Level = iota

	// LevelInfo is for normal operational messages.
	// Use for request lifecycle, state transitions, startup/shutdown.
	LevelInfo

	// LevelWarn is for recoverable issues.
	// Use for retries, fallbacks, and degraded-mode operation.
	LevelWarn

	// LevelError is for operation failures.
	// Use when an operation failed but the system continues running.
	LevelError
)

// String returns the human-readable name of the level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a string level name to a Level.
//
// Matching is case-insensitive. Unrecognized names return LevelInfo,
// which keeps a misconfigured deployment observable rather than silent.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "INFO":
		return LevelInfo
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

// toSlogLevel converts our Level to the slog equivalent.
func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// =============================================================================
// Output Formats
// =============================================================================

// Format selects the encoding used for stderr output.
type Format int

const (
	// FormatAuto picks text when stderr is a terminal, JSON otherwise.
	FormatAuto Format = iota

	// FormatText forces human-readable key=value output.
	FormatText

	// FormatJSON forces one JSON object per line.
	FormatJSON
)

// ParseFormat converts a string format name to a Format.
//
// Matching is case-insensitive. Unrecognized names return FormatAuto.
func ParseFormat(s string) Format {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text":
		return FormatText
	case "json":
		return FormatJSON
	default:
		return FormatAuto
	}
}

// stderrIsTerminal reports whether stderr is attached to an interactive
// terminal. Used by FormatAuto to choose between text and JSON output.
func stderrIsTerminal() bool {
	fd := os.Stderr.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds logger configuration.
//
// Zero value is usable: Info level, auto format, stderr only, service
// name "sitka".
type Config struct {
	// Level is the minimum severity to log. Defaults to LevelInfo.
	Level Level

	// Format selects the stderr encoding. Defaults to FormatAuto.
	Format Format

	// FilePath, when set, enables rotating JSON file logging at this
	// path. Supports ~ expansion. Parent directories are created.
	FilePath string

	// MaxSizeMB is the maximum size in megabytes a log file may reach
	// before rotation. Defaults to 50 when FilePath is set.
	MaxSizeMB int

	// MaxBackups is the number of rotated files to retain.
	// Defaults to 5 when FilePath is set.
	MaxBackups int

	// Service identifies the component in log output (e.g.
	// "orchestrator"). Defaults to "sitka".
	Service string

	// Quiet suppresses stderr output. File and exporter destinations
	// still receive logs. Useful for tests.
	Quiet bool

	// Exporter, when set, receives every log entry asynchronously.
	Exporter LogExporter
}

// =============================================================================
// Log Export (Enterprise Extension Point)
// =============================================================================

// LogEntry is the normalized form of a single log record handed to a
// LogExporter.
type LogEntry struct {
	// Timestamp is when the log was created (UTC).
	Timestamp time.Time `json:"timestamp"`

	// Level is the severity.
	Level Level `json:"level"`

	// Message is the log message.
	Message string `json:"message"`

	// Service identifies the originating component.
	Service string `json:"service"`

	// Attrs holds the structured key-value attributes.
	Attrs map[string]any `json:"attrs,omitempty"`
}

// LogExporter sends log entries to an external system.
//
// Implementations must be safe for concurrent use. Export is called
// asynchronously with a bounded-timeout context; slow implementations
// should buffer internally and ship in Flush.
type LogExporter interface {
	// Export receives a single log entry. Implementations should not
	// block; buffer and return quickly.
	Export(ctx context.Context, entry LogEntry) error

	// Flush forces any buffered entries to be sent.
	Flush(ctx context.Context) error

	// Close releases resources. Flush is called before Close during
	// Logger.Close.
	Close() error
}

// =============================================================================
// Logger
// =============================================================================

// Logger wraps slog with multi-destination output and optional export.
//
// Create with New or Default. Call Close when file logging or an
// exporter is configured.
type Logger struct {
	slog     *slog.Logger
	config   Config
	file     io.WriteCloser
	exporter LogExporter
	mu       sync.Mutex
	closed   bool
}

// New creates a Logger from the given configuration.
//
// Destinations are assembled in order: stderr (unless Quiet), rotating
// file (when FilePath is set), exporter (when Exporter is set). A file
// that cannot be opened degrades to stderr-only with a warning rather
// than failing startup.
func New(config Config) *Logger {
	if config.Service == "" {
		config.Service = "sitka"
	}

	opts := &slog.HandlerOptions{Level: config.Level.toSlogLevel()}

	var handlers []slog.Handler

	if !config.Quiet {
		useJSON := config.Format == FormatJSON ||
			(config.Format == FormatAuto && !stderrIsTerminal())
		if useJSON {
			handlers = append(handlers, slog.NewJSONHandler(os.Stderr, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(os.Stderr, opts))
		}
	}

	var file io.WriteCloser
	if config.FilePath != "" {
		path, err := expandPath(config.FilePath)
		if err == nil {
			err = os.MkdirAll(filepath.Dir(path), 0o755)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "logging: file output disabled: %v\n", err)
		} else {
			if config.MaxSizeMB <= 0 {
				config.MaxSizeMB = 50
			}
			if config.MaxBackups <= 0 {
				config.MaxBackups = 5
			}
			lj := &lumberjack.Logger{
				Filename:   path,
				MaxSize:    config.MaxSizeMB,
				MaxBackups: config.MaxBackups,
				Compress:   true,
			}
			file = lj
			handlers = append(handlers, slog.NewJSONHandler(lj, opts))
		}
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(io.Discard, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}

	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", config.Service),
	})

	return &Logger{
		slog:     slog.New(handler),
		config:   config,
		file:     file,
		exporter: config.Exporter,
	}
}

// Default returns a Logger with default configuration: Info level,
// auto-format stderr output, no file, no exporter.
func Default() *Logger {
	return New(Config{})
}

// Debug logs at debug level with optional key-value attributes.
func (l *Logger) Debug(msg string, args ...any) {
	l.log(LevelDebug, msg, args...)
}

// Info logs at info level with optional key-value attributes.
func (l *Logger) Info(msg string, args ...any) {
	l.log(LevelInfo, msg, args...)
}

// Warn logs at warn level with optional key-value attributes.
func (l *Logger) Warn(msg string, args ...any) {
	l.log(LevelWarn, msg, args...)
}

// Error logs at error level with optional key-value attributes.
func (l *Logger) Error(msg string, args ...any) {
	l.log(LevelError, msg, args...)
}

// With returns a Logger that includes the given attributes on every
// record. The child shares the parent's file and exporter; closing
// either closes the shared resources.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		slog:     l.slog.With(args...),
		config:   l.config,
		file:     l.file,
		exporter: l.exporter,
	}
}

// Slog exposes the underlying slog.Logger for libraries that accept
// one directly.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Close flushes the exporter and closes the log file. Safe to call on
// a logger without file or exporter, and safe to call more than once.
// Returns the first error encountered.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	var firstErr error

	if l.exporter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := l.exporter.Flush(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("flush exporter: %w", err)
		}
		cancel()
		if err := l.exporter.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close exporter: %w", err)
		}
	}

	if l.file != nil {
		if err := l.file.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close log file: %w", err)
		}
	}

	return firstErr
}

// log writes the record to slog and hands a copy to the exporter.
//
// Export runs on a goroutine with a 1-second timeout so a slow or
// stuck exporter can never stall the caller.
func (l *Logger) log(level Level, msg string, args ...any) {
	switch level {
	case LevelDebug:
		l.slog.Debug(msg, args...)
	case LevelInfo:
		l.slog.Info(msg, args...)
	case LevelWarn:
		l.slog.Warn(msg, args...)
	case LevelError:
		l.slog.Error(msg, args...)
	}

	if l.exporter != nil {
		entry := LogEntry{
			Timestamp: time.Now().UTC(),
			Level:     level,
			Message:   msg,
			Service:   l.config.Service,
			Attrs:     argsToMap(args),
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = l.exporter.Export(ctx, entry)
		}()
	}
}

// =============================================================================
// Multi-Destination Handler
// =============================================================================

// multiHandler fans a record out to multiple slog handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, record slog.Record) error {
	var firstErr error
	for _, h := range m.handlers {
		if h.Enabled(ctx, record.Level) {
			if err := h.Handle(ctx, record.Clone()); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// =============================================================================
// Helpers
// =============================================================================

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand home directory: %w", err)
		}
		if path == "~" {
			return home, nil
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}

// argsToMap converts slog-style variadic key-value args to a map for
// export. Odd trailing keys map to nil; non-string keys are stringified.
func argsToMap(args []any) map[string]any {
	if len(args) == 0 {
		return nil
	}
	attrs := make(map[string]any, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", args[i])
		}
		if i+1 < len(args) {
			attrs[key] = args[i+1]
		} else {
			attrs[key] = nil
		}
	}
	return attrs
}

// =============================================================================
// Exporter Implementations
// =============================================================================

// NopExporter discards all entries. Useful as a default or in tests.
type NopExporter struct{}

// Export discards the entry.
func (NopExporter) Export(context.Context, LogEntry) error { return nil }

// Flush is a no-op.
func (NopExporter) Flush(context.Context) error { return nil }

// Close is a no-op.
func (NopExporter) Close() error { return nil }

// BufferedExporter collects entries in memory. Intended for tests that
// assert on logged output.
type BufferedExporter struct {
	mu      sync.Mutex
	entries []LogEntry
}

// Export appends the entry to the buffer.
func (b *BufferedExporter) Export(_ context.Context, entry LogEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, entry)
	return nil
}

// Flush is a no-op; entries stay buffered until read.
func (b *BufferedExporter) Flush(context.Context) error { return nil }

// Close is a no-op.
func (b *BufferedExporter) Close() error { return nil }

// Entries returns a copy of the buffered entries.
func (b *BufferedExporter) Entries() []LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]LogEntry, len(b.entries))
	copy(out, b.entries)
	return out
}

// WriterExporter writes entries as single-line text to an io.Writer.
type WriterExporter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterExporter creates a WriterExporter targeting w.
func NewWriterExporter(w io.Writer) *WriterExporter {
	return &WriterExporter{w: w}
}

// Export writes the entry as a single formatted line.
func (e *WriterExporter) Export(_ context.Context, entry LogEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := fmt.Fprintf(e.w, "%s [%s] %s: %s %v\n",
		entry.Timestamp.Format(time.RFC3339),
		entry.Level, entry.Service, entry.Message, entry.Attrs)
	return err
}

// Flush is a no-op.
func (e *WriterExporter) Flush(context.Context) error { return nil }

// Close is a no-op.
func (e *WriterExporter) Close() error { return nil }
