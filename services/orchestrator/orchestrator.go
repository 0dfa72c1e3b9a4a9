// Aleutian AI - Sitka conversational retrieval service
// Copyright (C) 2025 Aleutian AI
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package orchestrator assembles the Sitka conversational retrieval
// service.
//
// # Description
//
// New wires every component from one Config: the chat, document,
// graph, and search adapters; the in-memory conversation store with its
// rate limiter and TTL sweeper; the workflow and agent engines; the
// agent checkpoint store (Redis when configured, in-memory otherwise);
// the optional knowledge-base manifest watcher; and the Gin router with
// tracing, metrics, and CORS middleware.
//
// # Usage
//
//	cfg, err := config.Load(configFile)
//	if err != nil { ... }
//	svc, err := orchestrator.New(cfg, logger)
//	if err != nil { ... }
//	err = svc.Run(ctx) // blocks; cancel ctx for graceful shutdown
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/Sitka/services/orchestrator/agent"
	"github.com/AleutianAI/Sitka/services/orchestrator/checkpoint"
	"github.com/AleutianAI/Sitka/services/orchestrator/config"
	"github.com/AleutianAI/Sitka/services/orchestrator/conversation"
	"github.com/AleutianAI/Sitka/services/orchestrator/handlers"
	"github.com/AleutianAI/Sitka/services/orchestrator/middleware"
	"github.com/AleutianAI/Sitka/services/orchestrator/observability"
	"github.com/AleutianAI/Sitka/services/orchestrator/pipeline"
	"github.com/AleutianAI/Sitka/services/orchestrator/routes"
	"github.com/AleutianAI/Sitka/services/orchestrator/services"
)

// Version is reported by the health endpoint and the version command.
const Version = "0.1.0"

const serviceName = "sitka-orchestrator"

// shutdownTimeout bounds how long in-flight requests may take to drain
// once shutdown begins.
const shutdownTimeout = 10 * time.Second

// =============================================================================
// Interface Definition
// =============================================================================

// Service is the orchestrator lifecycle contract.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run blocks and is
// called at most once per instance.
type Service interface {
	// Run starts the background loops and the HTTP server, blocking
	// until ctx is cancelled or the listener fails. On cancellation the
	// server drains in-flight requests before returning nil.
	Run(ctx context.Context) error

	// Router returns the configured engine for tests.
	Router() *gin.Engine
}

// =============================================================================
// Implementation
// =============================================================================

// service wires the production components.
type service struct {
	cfg    *config.Config
	logger *slog.Logger

	router      *gin.Engine
	store       *conversation.Manager
	limiter     *conversation.RateLimiter
	sweeper     *conversation.Sweeper
	manifest    *config.KBManifest // nil unless KB_MANIFEST_PATH is set
	checkpoints checkpoint.Store
	redisClient *redis.Client // nil unless Redis is configured

	tracerCleanup func(context.Context)
}

// New builds a ready-to-run service from cfg.
//
// # Description
//
// Construction order: tracing, metrics, adapters, conversation store
// with limiter and sweeper, optional manifest watcher, checkpoint
// store, engines, handlers, router. Any failure tears down what was
// already built and returns the error; nothing keeps running after a
// failed New.
func New(cfg *config.Config, logger *slog.Logger) (Service, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &service{cfg: cfg, logger: logger}

	// Step 1: Tracing and metrics.
	cleanup, err := s.initTracer()
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}
	s.tracerCleanup = cleanup
	observability.InitMetrics()

	// Step 2: External adapters.
	chatClient := services.NewOpenAIChat(cfg.OpenAI, logger)
	documents := services.NewHTTPDocumentStore(cfg.Knowledge, logger)
	graphClient := services.NewLightRAGClient(cfg.LightRAG, logger)
	webSearch := services.NewHTTPWebSearch(cfg.Search, logger)

	// Step 3: Conversation store, rate limiter, sweeper.
	s.store = conversation.NewManager(logger)
	s.limiter = conversation.NewRateLimiter()
	s.sweeper, err = conversation.NewSweeper(conversation.SweeperConfig{
		Store:    s.store,
		Limiter:  s.limiter,
		TTL:      cfg.Conversation.TTL,
		Interval: cfg.Conversation.SweepInterval,
		Logger:   logger,
	})
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("init sweeper: %w", err)
	}

	// Step 4: Optional knowledge-base manifest.
	var directory handlers.KnowledgeDirectory
	if path := cfg.Conversation.KBManifestPath; path != "" {
		s.manifest, err = config.NewKBManifest(path)
		if err != nil {
			s.cleanup()
			return nil, fmt.Errorf("load kb manifest: %w", err)
		}
		directory = s.manifest
		logger.Info("knowledge-base manifest loaded", "path", path)
	}

	// Step 5: Agent checkpoint store.
	checkpointBackend := "memory"
	if cfg.Redis.Enabled() {
		s.redisClient = redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr(),
			DB:           cfg.Redis.DB,
			Password:     cfg.Redis.Password,
			DialTimeout:  cfg.Redis.Timeout,
			ReadTimeout:  cfg.Redis.Timeout,
			WriteTimeout: cfg.Redis.Timeout,
		})
		s.checkpoints = checkpoint.NewRedisStore(s.redisClient)
		checkpointBackend = "redis"
		logger.Info("checkpoint store: redis", "addr", cfg.Redis.Addr())
	} else {
		s.checkpoints = checkpoint.NewMemoryStore()
		logger.Info("checkpoint store: memory")
	}

	// Step 6: Answering engines.
	workflow, err := pipeline.New(pipeline.Deps{
		Chat:                 chatClient,
		Search:               webSearch,
		Documents:            documents,
		Graph:                graphClient,
		MaxConcurrentTasks:   cfg.Stream.MaxConcurrentTasks,
		SynthesisTemperature: float32(cfg.OpenAI.Temperature),
		Logger:               logger,
	})
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("init workflow engine: %w", err)
	}
	agentEngine, err := agent.New(agent.Deps{
		Chat:             chatClient,
		Search:           webSearch,
		Documents:        documents,
		Graph:            graphClient,
		Checkpoints:      s.checkpoints,
		FinalTemperature: float32(cfg.OpenAI.Temperature),
		Logger:           logger,
	})
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("init agent engine: %w", err)
	}

	// Step 7: Handlers and router.
	chatHandler, err := handlers.NewChatHandler(handlers.ChatConfig{
		Store:     s.store,
		Limiter:   s.limiter,
		Workflow:  handlers.WorkflowDriver(workflow),
		Agent:     handlers.AgentDriver(agentEngine),
		Directory: directory,
		ChunkSize: cfg.Stream.ChunkSize,
		Logger:    logger,
	})
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("init chat handler: %w", err)
	}
	convHandler, err := handlers.NewConversationHandler(s.store, logger)
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("init conversation handler: %w", err)
	}

	manifestState := "disabled"
	if s.manifest != nil {
		manifestState = "loaded"
	}
	health := handlers.Health(Version, map[string]string{
		"conversation_store": "memory",
		"checkpoint_store":   checkpointBackend,
		"kb_manifest":        manifestState,
	})

	s.initRouter(chatHandler, convHandler, health)
	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts the sweeper, the manifest watcher, and the HTTP server,
// then blocks. Cancelling ctx triggers a graceful drain bounded by
// shutdownTimeout; a clean drain returns nil.
func (s *service) Run(ctx context.Context) error {
	defer s.cleanup()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := s.sweeper.Start(runCtx); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}
	if s.manifest != nil {
		s.manifest.Start(runCtx)
	}

	srv := &http.Server{
		Addr:    s.cfg.Server.Addr(),
		Handler: s.router,
		// No write timeout: SSE streams stay open for the full turn.
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.Server.RequestTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("orchestrator listening",
			"addr", srv.Addr, "environment", s.cfg.Environment, "version", Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down", "timeout", shutdownTimeout)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

// Router returns the configured engine for tests.
func (s *service) Router() *gin.Engine {
	return s.router
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// initTracer installs the global tracer provider.
//
// # Description
//
// With a collector endpoint configured, spans export over OTLP/gRPC.
// Without one, DEBUG routes spans to stdout for local work; otherwise
// no provider is installed and the instrumentation stays no-op.
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	var exporter sdktrace.SpanExporter
	switch {
	case s.cfg.Observability.OTLPEndpoint != "":
		conn, err := grpc.NewClient(s.cfg.Observability.OTLPEndpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("otlp grpc client: %w", err)
		}
		exporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			return nil, fmt.Errorf("otlp exporter: %w", err)
		}
	case s.cfg.Debug:
		var err error
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("stdout exporter: %w", err)
		}
	default:
		s.logger.Debug("tracing disabled: no collector endpoint and DEBUG unset")
		return nil, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("trace resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter)))

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			s.logger.Error("tracer shutdown failed", "error", err)
		}
	}, nil
}

// initRouter builds the Gin engine with recovery, CORS, and tracing
// middleware, then registers the route table.
func (s *service) initRouter(chat *handlers.ChatHandler,
	conversations *handlers.ConversationHandler, health gin.HandlerFunc) {

	if !s.cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(s.cfg.CORS))
	router.Use(otelgin.Middleware(serviceName))

	routes.SetupRoutes(router, chat, conversations, health)
	s.router = router
}

// cleanup releases everything Run started and New built. Safe to call
// with partially built state and safe to call twice.
func (s *service) cleanup() {
	if s.sweeper != nil {
		s.sweeper.Stop()
	}
	if s.manifest != nil {
		s.manifest.Stop()
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Warn("redis close failed", "error", err)
		}
		s.redisClient = nil
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
		s.tracerCleanup = nil
	}
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
