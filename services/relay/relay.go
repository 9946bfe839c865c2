// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package relay assembles the real-time AI message relay service.
//
// The relay sits between browser clients and the AI inference service:
// clients hold a websocket to the relay, the relay holds one persistent
// websocket to the AI service, and every message round trip is correlated,
// bounded by a timeout, and answered with either an ai_response or a typed
// ai_error.
//
//	browser ⇄ relay (this service) ⇄ AI service
//
// # Components
//
//   - registry: live client connections
//   - correlation: pending round trips and their timeouts
//   - upstream: the persistent AI service link
//   - business: the orchestrator tying them together
//   - store: chat transcript persistence (optional)
//   - handlers/routes: the HTTP and websocket surface
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/AleutianRelay/pkg/validation"
	"github.com/AleutianAI/AleutianRelay/services/relay/business"
	"github.com/AleutianAI/AleutianRelay/services/relay/correlation"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
	"github.com/AleutianAI/AleutianRelay/services/relay/registry"
	"github.com/AleutianAI/AleutianRelay/services/relay/routes"
	"github.com/AleutianAI/AleutianRelay/services/relay/store"
	"github.com/AleutianAI/AleutianRelay/services/relay/upstream"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service is the relay lifecycle contract.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run blocks and must be
// called at most once per instance.
type Service interface {
	// Run starts the server and the upstream link, then blocks until a
	// shutdown signal or a fatal server error.
	Run() error

	// Router returns the underlying Gin engine for integration tests.
	// Callers must not modify it.
	Router() *gin.Engine
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service for production use.
type service struct {
	config Config
	log    *slog.Logger

	router    *gin.Engine
	gateway   *upstream.Gateway
	orch      *business.Orchestrator
	chatStore store.ChatStore

	tracerCleanup func(context.Context)
}

var _ Service = (*service)(nil)

// New creates a relay Service with the given configuration.
//
// Initialization order matters: metrics and tracing first (everything logs
// through them), then the store, then the correlation machinery, then the
// gateway whose callbacks are bound to the orchestrator before anything can
// connect.
func New(cfg Config, logger *slog.Logger) (Service, error) {
	cfg = applyConfigDefaults(cfg)
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.GinMode != "" {
		gin.SetMode(cfg.GinMode)
	}

	s := &service{
		config: cfg,
		log:    logger.With("component", "relay"),
	}

	if cfg.EnableTracing {
		cleanup, err := s.initTracer()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
		s.tracerCleanup = cleanup
	}

	var metrics *observability.RelayMetrics
	if cfg.EnableMetrics {
		metrics = observability.InitMetrics()
		s.log.Info("Prometheus metrics initialized")
	}

	// Chat persistence is optional; a failed open degrades to no history
	// rather than refusing to relay.
	if cfg.StorePath != "" {
		chatStore, err := store.Open(store.DefaultConfig(cfg.StorePath))
		if err != nil {
			s.log.Warn("chat store unavailable, running without history",
				"path", cfg.StorePath, "error", err)
		} else {
			s.chatStore = chatStore
		}
	}

	reg := registry.New()
	tracker := correlation.NewTracker(cfg.MaxInFlight)

	s.gateway = upstream.New(upstream.Config{
		URL:               cfg.UpstreamURL,
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectDelay:    cfg.ReconnectDelay,
	}, logger)

	orchOpts := business.Options{
		Registry:        reg,
		Tracker:         tracker,
		Upstream:        s.gateway,
		Metrics:         metrics,
		ResponseTimeout: cfg.ResponseTimeout,
		Logger:          logger,
	}
	if s.chatStore != nil {
		orchOpts.Store = s.chatStore
	}
	s.orch = business.New(orchOpts)

	// Callbacks must be bound before the gateway starts dialing.
	s.gateway.OnResponse(s.orch.HandleUpstreamResponse)
	s.gateway.OnStatus(s.orch.HandleUpstreamStatus)

	s.initRouter()
	return s, nil
}

// Run starts the upstream link and the HTTP server, blocking until a
// termination signal arrives or the server fails.
func (s *service) Run() error {
	defer s.cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s.gateway.Start(ctx)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info("starting relay server",
		"port", s.config.Port,
		"upstream", s.config.UpstreamURL,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	s.log.Info("relay server stopped")
	return err
}

// Router returns the underlying Gin engine for testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// initRouter builds the Gin engine and registers the route table.
func (s *service) initRouter() {
	s.router = gin.Default()
	if s.config.EnableTracing {
		s.router.Use(otelgin.Middleware("relay-service"))
	}

	routes.SetupRoutes(s.router, routes.Options{
		Orchestrator: s.orch,
		Upstream:     s.gateway,
		Store:        s.chatStore,
		CheckOrigin:  validation.NewOriginChecker(s.config.AllowedOrigins),
		NewsFeedURL:  s.config.NewsFeedURL,
		NewsCacheTTL: s.config.NewsCacheTTL,
		Logger:       s.log,
	})
}

// initTracer wires OTLP trace export to the configured collector.
// Uses an insecure gRPC connection, appropriate for internal networks.
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("relay-service")))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

// cleanup releases everything Run started.
func (s *service) cleanup() {
	s.orch.Shutdown()
	s.gateway.Close()

	if s.chatStore != nil {
		if err := s.chatStore.Close(); err != nil {
			s.log.Warn("chat store close error", "error", err)
		}
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}
