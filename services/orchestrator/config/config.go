// Aleutian AI - Sitka conversational retrieval service
// Copyright (C) 2025 Aleutian AI
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package config loads orchestrator configuration.
//
// Precedence, lowest to highest: built-in defaults, optional YAML config
// file, environment variables. A `.env` file is loaded into the
// environment first when present (never fatal when absent).
//
// # Environment Variables
//
// The recognised surface (defaults in parentheses):
//
//	ENVIRONMENT (development), DEBUG (false), CONFIG_FILE
//	API_HOST (0.0.0.0), API_PORT (8080), REQUEST_TIMEOUT (300s)
//	LOG_LEVEL (info), LOG_FORMAT (auto), LOG_FILE_PATH,
//	LOG_MAX_SIZE (50), LOG_BACKUP_COUNT (5)
//	OPENAI_API_KEY, OPENAI_BASE_URL, OPENAI_MODEL (gpt-4o-mini),
//	OPENAI_TEMPERATURE (0.7), OPENAI_MAX_TOKENS (2048), OPENAI_TIMEOUT (60s)
//	KNOWLEDGE_API_URL, KNOWLEDGE_API_KEY, KNOWLEDGE_TIMEOUT (30s),
//	OPENWEBUI_BASE_URL
//	LIGHTRAG_API_URL, LIGHTRAG_API_KEY, LIGHTRAG_TIMEOUT (60s),
//	LIGHTRAG_DEFAULT_MODE (hybrid)
//	SEARCH_ENGINE_API_KEY, SEARCH_ENGINE_URL, SEARCH_TIMEOUT (30s),
//	SEARCH_MAX_RESULTS (5)
//	REDIS_HOST, REDIS_PORT (6379), REDIS_DB (0), REDIS_PASSWORD,
//	REDIS_TIMEOUT (5s)
//	STREAM_CHUNK_SIZE (1024), MAX_CONCURRENT_TASKS (3)
//	CORS_ORIGINS (*), CORS_METHODS, CORS_HEADERS
//	OTEL_EXPORTER_OTLP_ENDPOINT, KB_MANIFEST_PATH,
//	CONVERSATION_TTL (0 = sweeper disabled), SWEEP_INTERVAL (60s)
//
// Timeout variables accept plain seconds ("30") or Go duration syntax
// ("30s", "2m").
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// MaxConfigFileSize caps the YAML config file at 1MB.
const MaxConfigFileSize = 1024 * 1024

// =============================================================================
// Configuration Sections
// =============================================================================

// ServerConfig holds the HTTP listener options.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Addr returns the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LogConfig holds logging options consumed by pkg/logging.
type LogConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	FilePath    string `yaml:"file_path"`
	MaxSizeMB   int    `yaml:"max_size_mb"`
	BackupCount int    `yaml:"backup_count"`
}

// OpenAIConfig holds the chat-completion backend options. BaseURL
// overrides the upstream for OpenAI-compatible local gateways.
type OpenAIConfig struct {
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
}

// KnowledgeConfig holds the document-store backend options. QueryURL is
// the retrieval endpoint base; DirectoryURL is the collection directory
// (OpenWebUI-compatible) used to resolve names to collection ids.
type KnowledgeConfig struct {
	QueryURL     string        `yaml:"query_url"`
	DirectoryURL string        `yaml:"directory_url"`
	APIKey       string        `yaml:"api_key"`
	Timeout      time.Duration `yaml:"timeout"`
}

// LightRAGConfig holds the graph-RAG backend options.
type LightRAGConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Timeout     time.Duration `yaml:"timeout"`
	DefaultMode string        `yaml:"default_mode"`
}

// SearchConfig holds the web-search backend options. Without an APIKey
// the adapter serves deterministic mock results.
type SearchConfig struct {
	APIKey     string        `yaml:"api_key"`
	EngineURL  string        `yaml:"engine_url"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxResults int           `yaml:"max_results"`
}

// RedisConfig holds the agent-mode checkpoint store options. An empty
// Host means the in-memory store is used.
type RedisConfig struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	DB       int           `yaml:"db"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Addr returns the Redis address in host:port form.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Enabled reports whether a Redis endpoint is configured.
func (r RedisConfig) Enabled() bool {
	return r.Host != ""
}

// StreamConfig holds streaming-pipeline tunables.
type StreamConfig struct {
	// ChunkSize bounds the content length of one SSE frame; longer
	// content is split across frames.
	ChunkSize int `yaml:"chunk_size"`

	// MaxConcurrentTasks bounds Stage-3 fan-out concurrency.
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks"`
}

// CORSConfig holds the CORS middleware options. Comma-separated lists.
type CORSConfig struct {
	Origins string `yaml:"origins"`
	Methods string `yaml:"methods"`
	Headers string `yaml:"headers"`
}

// ObservabilityConfig holds tracing options. Metrics need no options;
// they are always served at /metrics.
type ObservabilityConfig struct {
	// OTLPEndpoint is the OTLP/gRPC collector address. Empty disables
	// the collector exporter; with DEBUG set, spans go to stdout instead.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// ConversationConfig holds conversation-store housekeeping options.
type ConversationConfig struct {
	// TTL closes conversations idle longer than this. Zero disables the
	// sweeper.
	TTL time.Duration `yaml:"ttl"`

	// SweepInterval is how often the sweeper scans the store.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// KBManifestPath points at an optional YAML manifest of default
	// knowledge bases, hot-reloaded on change.
	KBManifestPath string `yaml:"kb_manifest_path"`
}

// Config aggregates every orchestrator option.
type Config struct {
	Environment string `yaml:"environment"`
	Debug       bool   `yaml:"debug"`

	Server        ServerConfig        `yaml:"server"`
	Log           LogConfig           `yaml:"log"`
	OpenAI        OpenAIConfig        `yaml:"openai"`
	Knowledge     KnowledgeConfig     `yaml:"knowledge"`
	LightRAG      LightRAGConfig      `yaml:"lightrag"`
	Search        SearchConfig        `yaml:"search"`
	Redis         RedisConfig         `yaml:"redis"`
	Stream        StreamConfig        `yaml:"stream"`
	CORS          CORSConfig          `yaml:"cors"`
	Observability ObservabilityConfig `yaml:"observability"`
	Conversation  ConversationConfig  `yaml:"conversation"`
}

// =============================================================================
// Loading
// =============================================================================

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			RequestTimeout: 300 * time.Second,
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "auto",
			MaxSizeMB:   50,
			BackupCount: 5,
		},
		OpenAI: OpenAIConfig{
			Model:       "gpt-4o-mini",
			Temperature: 0.7,
			MaxTokens:   2048,
			Timeout:     60 * time.Second,
		},
		Knowledge: KnowledgeConfig{
			Timeout: 30 * time.Second,
		},
		LightRAG: LightRAGConfig{
			Timeout:     60 * time.Second,
			DefaultMode: "hybrid",
		},
		Search: SearchConfig{
			Timeout:    30 * time.Second,
			MaxResults: 5,
		},
		Redis: RedisConfig{
			Port:    6379,
			Timeout: 5 * time.Second,
		},
		Stream: StreamConfig{
			ChunkSize:          1024,
			MaxConcurrentTasks: 3,
		},
		CORS: CORSConfig{
			Origins: "*",
			Methods: "GET,POST,PUT,DELETE,OPTIONS",
			Headers: "Authorization,Content-Type",
		},
		Conversation: ConversationConfig{
			SweepInterval: 60 * time.Second,
		},
	}
}

// Load assembles the effective configuration. configFile may be empty;
// CONFIG_FILE is the fallback. A named file that cannot be read or parsed
// is a bootstrap failure; environment variables then override file values.
func Load(configFile string) (*Config, error) {
	// Optional .env bootstrap. Absence is the normal case.
	if err := godotenv.Load(); err == nil {
		slog.Debug("loaded .env file")
	}

	cfg := Default()

	if configFile == "" {
		configFile = os.Getenv("CONFIG_FILE")
	}
	if configFile != "" {
		if err := cfg.applyFile(configFile); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyFile overlays YAML file values onto cfg.
func (c *Config) applyFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	if info.Size() > MaxConfigFileSize {
		return fmt.Errorf("config file %s exceeds %d bytes", path, MaxConfigFileSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays environment variables onto cfg.
func (c *Config) applyEnv() {
	c.Environment = getEnvString("ENVIRONMENT", c.Environment)
	c.Debug = getEnvBool("DEBUG", c.Debug)

	c.Server.Host = getEnvString("API_HOST", c.Server.Host)
	c.Server.Port = getEnvInt("API_PORT", c.Server.Port)
	c.Server.RequestTimeout = getEnvDuration("REQUEST_TIMEOUT", c.Server.RequestTimeout)

	c.Log.Level = getEnvString("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnvString("LOG_FORMAT", c.Log.Format)
	c.Log.FilePath = getEnvString("LOG_FILE_PATH", c.Log.FilePath)
	c.Log.MaxSizeMB = getEnvInt("LOG_MAX_SIZE", c.Log.MaxSizeMB)
	c.Log.BackupCount = getEnvInt("LOG_BACKUP_COUNT", c.Log.BackupCount)

	c.OpenAI.APIKey = getEnvString("OPENAI_API_KEY", c.OpenAI.APIKey)
	c.OpenAI.BaseURL = getEnvString("OPENAI_BASE_URL", c.OpenAI.BaseURL)
	c.OpenAI.Model = getEnvString("OPENAI_MODEL", c.OpenAI.Model)
	c.OpenAI.Temperature = getEnvFloat("OPENAI_TEMPERATURE", c.OpenAI.Temperature)
	c.OpenAI.MaxTokens = getEnvInt("OPENAI_MAX_TOKENS", c.OpenAI.MaxTokens)
	c.OpenAI.Timeout = getEnvDuration("OPENAI_TIMEOUT", c.OpenAI.Timeout)

	c.Knowledge.QueryURL = getEnvString("KNOWLEDGE_API_URL", c.Knowledge.QueryURL)
	c.Knowledge.DirectoryURL = getEnvString("OPENWEBUI_BASE_URL", c.Knowledge.DirectoryURL)
	c.Knowledge.APIKey = getEnvString("KNOWLEDGE_API_KEY", c.Knowledge.APIKey)
	c.Knowledge.Timeout = getEnvDuration("KNOWLEDGE_TIMEOUT", c.Knowledge.Timeout)

	c.LightRAG.BaseURL = getEnvString("LIGHTRAG_API_URL", c.LightRAG.BaseURL)
	c.LightRAG.APIKey = getEnvString("LIGHTRAG_API_KEY", c.LightRAG.APIKey)
	c.LightRAG.Timeout = getEnvDuration("LIGHTRAG_TIMEOUT", c.LightRAG.Timeout)
	c.LightRAG.DefaultMode = getEnvString("LIGHTRAG_DEFAULT_MODE", c.LightRAG.DefaultMode)

	c.Search.APIKey = getEnvString("SEARCH_ENGINE_API_KEY", c.Search.APIKey)
	c.Search.EngineURL = getEnvString("SEARCH_ENGINE_URL", c.Search.EngineURL)
	c.Search.Timeout = getEnvDuration("SEARCH_TIMEOUT", c.Search.Timeout)
	c.Search.MaxResults = getEnvInt("SEARCH_MAX_RESULTS", c.Search.MaxResults)

	c.Redis.Host = getEnvString("REDIS_HOST", c.Redis.Host)
	c.Redis.Port = getEnvInt("REDIS_PORT", c.Redis.Port)
	c.Redis.DB = getEnvInt("REDIS_DB", c.Redis.DB)
	c.Redis.Password = getEnvString("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.Timeout = getEnvDuration("REDIS_TIMEOUT", c.Redis.Timeout)

	c.Stream.ChunkSize = getEnvInt("STREAM_CHUNK_SIZE", c.Stream.ChunkSize)
	c.Stream.MaxConcurrentTasks = getEnvInt("MAX_CONCURRENT_TASKS", c.Stream.MaxConcurrentTasks)

	c.CORS.Origins = getEnvString("CORS_ORIGINS", c.CORS.Origins)
	c.CORS.Methods = getEnvString("CORS_METHODS", c.CORS.Methods)
	c.CORS.Headers = getEnvString("CORS_HEADERS", c.CORS.Headers)

	c.Observability.OTLPEndpoint = getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", c.Observability.OTLPEndpoint)

	c.Conversation.TTL = getEnvDuration("CONVERSATION_TTL", c.Conversation.TTL)
	c.Conversation.SweepInterval = getEnvDuration("SWEEP_INTERVAL", c.Conversation.SweepInterval)
	c.Conversation.KBManifestPath = getEnvString("KB_MANIFEST_PATH", c.Conversation.KBManifestPath)
}

// Validate checks cross-field constraints that would otherwise surface as
// confusing runtime failures.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid API_PORT %d: must be 1-65535", c.Server.Port)
	}
	if c.OpenAI.Temperature < 0 || c.OpenAI.Temperature > 2 {
		return fmt.Errorf("invalid OPENAI_TEMPERATURE %v: must be 0-2", c.OpenAI.Temperature)
	}
	if c.OpenAI.MaxTokens < 1 {
		return fmt.Errorf("invalid OPENAI_MAX_TOKENS %d: must be positive", c.OpenAI.MaxTokens)
	}
	if c.OpenAI.Timeout <= 0 {
		return fmt.Errorf("invalid OPENAI_TIMEOUT %v: must be positive", c.OpenAI.Timeout)
	}
	if c.Stream.ChunkSize < 1 {
		return fmt.Errorf("invalid STREAM_CHUNK_SIZE %d: must be positive", c.Stream.ChunkSize)
	}
	if c.Stream.MaxConcurrentTasks < 1 {
		return fmt.Errorf("invalid MAX_CONCURRENT_TASKS %d: must be at least 1", c.Stream.MaxConcurrentTasks)
	}
	if c.Search.MaxResults < 1 {
		return fmt.Errorf("invalid SEARCH_MAX_RESULTS %d: must be positive", c.Search.MaxResults)
	}
	if c.Conversation.TTL > 0 && c.Conversation.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive when CONVERSATION_TTL is set")
	}
	return nil
}

// =============================================================================
// Environment Helpers
// =============================================================================

// getEnvString returns an environment variable, or defaultVal if not set.
func getEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// getEnvInt returns an environment variable as int, or defaultVal if not
// set or invalid.
func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
		slog.Warn("ignoring invalid integer environment variable", "key", key, "value", val)
	}
	return defaultVal
}

// getEnvFloat returns an environment variable as float64, or defaultVal
// if not set or invalid.
func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
		slog.Warn("ignoring invalid float environment variable", "key", key, "value", val)
	}
	return defaultVal
}

// getEnvBool returns an environment variable as bool, or defaultVal if
// not set or invalid. Accepts strconv.ParseBool forms.
func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(strings.ToLower(val)); err == nil {
			return b
		}
		slog.Warn("ignoring invalid boolean environment variable", "key", key, "value", val)
	}
	return defaultVal
}

// getEnvDuration returns an environment variable as a duration. Accepts
// plain seconds ("30") or Go duration syntax ("30s", "2m").
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	slog.Warn("ignoring invalid duration environment variable", "key", key, "value", val)
	return defaultVal
}
