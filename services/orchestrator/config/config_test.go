// Aleutian AI - Sitka conversational retrieval service
// Copyright (C) 2025 Aleutian AI
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, 1024, cfg.Stream.ChunkSize)
	assert.Equal(t, 3, cfg.Stream.MaxConcurrentTasks)
	assert.Equal(t, 60*time.Second, cfg.LightRAG.Timeout)
	assert.Equal(t, "hybrid", cfg.LightRAG.DefaultMode)
	assert.Equal(t, 5, cfg.Search.MaxResults)
	assert.Equal(t, time.Duration(0), cfg.Conversation.TTL, "sweeper disabled by default")
	assert.False(t, cfg.Redis.Enabled())
	assert.NoError(t, cfg.Validate())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("API_PORT", "9191")
	t.Setenv("OPENAI_MODEL", "local-model")
	t.Setenv("MAX_CONCURRENT_TASKS", "5")
	t.Setenv("KNOWLEDGE_TIMEOUT", "45")
	t.Setenv("LIGHTRAG_TIMEOUT", "2m")
	t.Setenv("DEBUG", "true")
	t.Setenv("REDIS_HOST", "cache.internal")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "local-model", cfg.OpenAI.Model)
	assert.Equal(t, 5, cfg.Stream.MaxConcurrentTasks)
	assert.Equal(t, 45*time.Second, cfg.Knowledge.Timeout, "plain seconds accepted")
	assert.Equal(t, 2*time.Minute, cfg.LightRAG.Timeout, "duration syntax accepted")
	assert.True(t, cfg.Debug)
	assert.True(t, cfg.Redis.Enabled())
	assert.Equal(t, "cache.internal:6379", cfg.Redis.Addr())
}

func TestLoad_FileThenEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sitka.yaml")
	yaml := `
server:
  port: 7070
openai:
  model: file-model
  temperature: 0.3
stream:
  chunk_size: 512
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	t.Setenv("OPENAI_MODEL", "env-model")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port, "file overrides default")
	assert.Equal(t, "env-model", cfg.OpenAI.Model, "env overrides file")
	assert.Equal(t, 0.3, cfg.OpenAI.Temperature)
	assert.Equal(t, 512, cfg.Stream.ChunkSize)
}

func TestLoad_MissingFileFails(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	require.Error(t, err)
}

func TestLoad_MalformedFileFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate_Bounds(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port too low", func(c *Config) { c.Server.Port = 0 }},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }},
		{"negative temperature", func(c *Config) { c.OpenAI.Temperature = -0.1 }},
		{"temperature above 2", func(c *Config) { c.OpenAI.Temperature = 2.5 }},
		{"zero max tokens", func(c *Config) { c.OpenAI.MaxTokens = 0 }},
		{"zero chunk size", func(c *Config) { c.Stream.ChunkSize = 0 }},
		{"zero concurrency", func(c *Config) { c.Stream.MaxConcurrentTasks = 0 }},
		{"zero search results", func(c *Config) { c.Search.MaxResults = 0 }},
		{"ttl without sweep interval", func(c *Config) {
			c.Conversation.TTL = time.Hour
			c.Conversation.SweepInterval = 0
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("D_SECONDS", "30")
	t.Setenv("D_GO", "90s")
	t.Setenv("D_BAD", "soon")

	assert.Equal(t, 30*time.Second, getEnvDuration("D_SECONDS", time.Minute))
	assert.Equal(t, 90*time.Second, getEnvDuration("D_GO", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("D_BAD", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("D_UNSET", time.Minute))
}

func TestGetEnvBool(t *testing.T) {
	t.Setenv("B_TRUE", "true")
	t.Setenv("B_ONE", "1")
	t.Setenv("B_BAD", "yep")

	assert.True(t, getEnvBool("B_TRUE", false))
	assert.True(t, getEnvBool("B_ONE", false))
	assert.False(t, getEnvBool("B_BAD", false))
	assert.True(t, getEnvBool("B_UNSET", true))
}
