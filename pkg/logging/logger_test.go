// Aleutian AI - Sitka conversational retrieval service
// Copyright (C) 2025 Aleutian AI
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package logging

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
		{Level(-1), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got := tt.level.String()
			if got != tt.want {
				t.Errorf("Level.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{" ERROR ", LevelError},
		{"", LevelInfo},
		{"bogus", LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := ParseLevel(tt.in)
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestLevel_toSlogLevel(t *testing.T) {
	tests := []struct {
		level Level
		want  slog.Level
	}{
		{LevelDebug, slog.LevelDebug},
		{LevelInfo, slog.LevelInfo},
		{LevelWarn, slog.LevelWarn},
		{LevelError, slog.LevelError},
		{Level(99), slog.LevelInfo}, // Unknown defaults to Info
		{Level(-1), slog.LevelInfo}, // Unknown defaults to Info
	}

	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			got := tt.level.toSlogLevel()
			if got != tt.want {
				t.Errorf("Level.toSlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLevel_Constants(t *testing.T) {
	// Verify ordering: Debug < Info < Warn < Error
	if LevelDebug >= LevelInfo {
		t.Error("LevelDebug should be < LevelInfo")
	}
	if LevelInfo >= LevelWarn {
		t.Error("LevelInfo should be < LevelWarn")
	}
	if LevelWarn >= LevelError {
		t.Error("LevelWarn should be < LevelError")
	}
}

// =============================================================================
// Format Tests
// =============================================================================

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in   string
		want Format
	}{
		{"text", FormatText},
		{"TEXT", FormatText},
		{"json", FormatJSON},
		{"JSON", FormatJSON},
		{"auto", FormatAuto},
		{"", FormatAuto},
		{"bogus", FormatAuto},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := ParseFormat(tt.in)
			if got != tt.want {
				t.Errorf("ParseFormat(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

// =============================================================================
// Logger Constructor Tests
// =============================================================================

func TestNew_DefaultConfig(t *testing.T) {
	logger := New(Config{})
	if logger == nil {
		t.Fatal("New() returned nil")
	}
	if logger.slog == nil {
		t.Error("logger.slog is nil")
	}
	if logger.config.Service != "sitka" {
		t.Errorf("Service = %v, want sitka", logger.config.Service)
	}
	defer logger.Close()
}

func TestNew_AllLevels(t *testing.T) {
	levels := []Level{LevelDebug, LevelInfo, LevelWarn, LevelError}
	for _, level := range levels {
		t.Run(level.String(), func(t *testing.T) {
			logger := New(Config{Level: level, Quiet: true})
			if logger == nil {
				t.Fatal("New() returned nil")
			}
			defer logger.Close()
		})
	}
}

func TestNew_WithService(t *testing.T) {
	logger := New(Config{
		Service: "test-service",
		Quiet:   true,
	})
	if logger == nil {
		t.Fatal("New() returned nil")
	}
	if logger.config.Service != "test-service" {
		t.Errorf("Service = %v, want test-service", logger.config.Service)
	}
	defer logger.Close()
}

func TestNew_QuietMode(t *testing.T) {
	logger := New(Config{Quiet: true})
	if logger == nil {
		t.Fatal("New() returned nil")
	}
	if logger.slog == nil {
		t.Error("logger.slog is nil in quiet mode")
	}
	defer logger.Close()
}

func TestNew_WithFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logs", "test.log")

	logger := New(Config{
		FilePath: path,
		Service:  "filetest",
		Quiet:    true,
	})
	defer logger.Close()

	logger.Info("hello file", "k", "v")

	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "hello file") {
		t.Errorf("log file missing message, got: %s", data)
	}
	if !strings.Contains(string(data), `"service":"filetest"`) {
		t.Errorf("log file missing service attr, got: %s", data)
	}
}

func TestNew_FileDefaults(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{
		FilePath: filepath.Join(dir, "d.log"),
		Quiet:    true,
	})
	defer logger.Close()

	if logger.config.MaxSizeMB != 50 {
		t.Errorf("MaxSizeMB = %d, want 50", logger.config.MaxSizeMB)
	}
	if logger.config.MaxBackups != 5 {
		t.Errorf("MaxBackups = %d, want 5", logger.config.MaxBackups)
	}
}

func TestDefault(t *testing.T) {
	logger := Default()
	if logger == nil {
		t.Fatal("Default() returned nil")
	}
	defer logger.Close()
}

// =============================================================================
// Logging Method Tests
// =============================================================================

func TestLogger_Levels(t *testing.T) {
	exporter := &BufferedExporter{}
	logger := New(Config{
		Level:    LevelDebug,
		Quiet:    true,
		Exporter: exporter,
	})
	defer logger.Close()

	logger.Debug("d-msg")
	logger.Info("i-msg")
	logger.Warn("w-msg")
	logger.Error("e-msg")

	waitForEntries(t, exporter, 4)

	entries := exporter.Entries()
	wantLevels := []Level{LevelDebug, LevelInfo, LevelWarn, LevelError}
	for i, want := range wantLevels {
		if entries[i].Level != want {
			t.Errorf("entries[%d].Level = %v, want %v", i, entries[i].Level, want)
		}
	}
}

func TestLogger_With(t *testing.T) {
	exporter := &BufferedExporter{}
	logger := New(Config{Quiet: true, Exporter: exporter})
	defer logger.Close()

	child := logger.With("conversation_id", "abc")
	if child == nil {
		t.Fatal("With() returned nil")
	}
	if child == logger {
		t.Error("With() should return a new logger")
	}

	child.Info("from child")
	waitForEntries(t, exporter, 1)
}

func TestLogger_Close_Idempotent(t *testing.T) {
	logger := New(Config{Quiet: true})
	if err := logger.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

// =============================================================================
// Exporter Tests
// =============================================================================

func TestLogger_ExporterReceivesEntries(t *testing.T) {
	exporter := &BufferedExporter{}
	logger := New(Config{
		Quiet:    true,
		Service:  "exp-test",
		Exporter: exporter,
	})
	defer logger.Close()

	logger.Info("exported", "key", "value", "n", 42)
	waitForEntries(t, exporter, 1)

	entries := exporter.Entries()
	entry := entries[0]
	if entry.Message != "exported" {
		t.Errorf("Message = %q, want %q", entry.Message, "exported")
	}
	if entry.Service != "exp-test" {
		t.Errorf("Service = %q, want %q", entry.Service, "exp-test")
	}
	if entry.Attrs["key"] != "value" {
		t.Errorf("Attrs[key] = %v, want value", entry.Attrs["key"])
	}
	if entry.Attrs["n"] != 42 {
		t.Errorf("Attrs[n] = %v, want 42", entry.Attrs["n"])
	}
	if entry.Timestamp.IsZero() {
		t.Error("Timestamp should not be zero")
	}
}

func TestNopExporter(t *testing.T) {
	var e NopExporter
	if err := e.Export(context.Background(), LogEntry{}); err != nil {
		t.Errorf("Export() error = %v", err)
	}
	if err := e.Flush(context.Background()); err != nil {
		t.Errorf("Flush() error = %v", err)
	}
	if err := e.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestBufferedExporter_Concurrent(t *testing.T) {
	exporter := &BufferedExporter{}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = exporter.Export(context.Background(), LogEntry{Message: "m"})
			}
		}()
	}
	wg.Wait()

	if got := len(exporter.Entries()); got != 1000 {
		t.Errorf("Entries() length = %d, want 1000", got)
	}
}

func TestWriterExporter(t *testing.T) {
	var buf bytes.Buffer
	e := NewWriterExporter(&buf)

	entry := LogEntry{
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Level:     LevelWarn,
		Message:   "disk almost full",
		Service:   "orchestrator",
		Attrs:     map[string]any{"pct": 91},
	}
	if err := e.Export(context.Background(), entry); err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "WARN") {
		t.Errorf("output missing level: %s", out)
	}
	if !strings.Contains(out, "disk almost full") {
		t.Errorf("output missing message: %s", out)
	}
	if !strings.Contains(out, "orchestrator") {
		t.Errorf("output missing service: %s", out)
	}
}

// =============================================================================
// Helper Tests
// =============================================================================

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}

	tests := []struct {
		in   string
		want string
	}{
		{"~", home},
		{"~/logs/app.log", filepath.Join(home, "logs/app.log")},
		{"/var/log/app.log", "/var/log/app.log"},
		{"relative/path.log", "relative/path.log"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := expandPath(tt.in)
			if err != nil {
				t.Fatalf("expandPath(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("expandPath(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestArgsToMap(t *testing.T) {
	tests := []struct {
		name string
		args []any
		want map[string]any
	}{
		{"nil args", nil, nil},
		{"empty args", []any{}, nil},
		{"pairs", []any{"a", 1, "b", "two"}, map[string]any{"a": 1, "b": "two"}},
		{"odd trailing key", []any{"a", 1, "dangling"}, map[string]any{"a": 1, "dangling": nil}},
		{"non-string key", []any{42, "v"}, map[string]any{"42": "v"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := argsToMap(tt.args)
			if len(got) != len(tt.want) {
				t.Fatalf("argsToMap() = %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("argsToMap()[%q] = %v, want %v", k, got[k], v)
				}
			}
		})
	}
}

// waitForEntries polls the exporter until n entries arrive or the
// deadline passes. Export runs on a goroutine, so tests must wait.
func waitForEntries(t *testing.T, e *BufferedExporter, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(e.Entries()) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d entries, have %d", n, len(e.Entries()))
}
