// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vigil assembles the Vigil service.
//
// The service owns the stores, the coordinator, the three scheduled loops,
// the host event hub and the HTTP API. Everything runs under one errgroup;
// cancelling the Run context stops the loops, drains the server and leaves
// the stores ready to Close.
package vigil

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/Vigil/services/llm"
	"github.com/AleutianAI/Vigil/services/vigil/capture"
	"github.com/AleutianAI/Vigil/services/vigil/compliance"
	"github.com/AleutianAI/Vigil/services/vigil/config"
	"github.com/AleutianAI/Vigil/services/vigil/coordinator"
	"github.com/AleutianAI/Vigil/services/vigil/events"
	"github.com/AleutianAI/Vigil/services/vigil/guard"
	"github.com/AleutianAI/Vigil/services/vigil/handlers"
	"github.com/AleutianAI/Vigil/services/vigil/history"
	"github.com/AleutianAI/Vigil/services/vigil/incentives"
	"github.com/AleutianAI/Vigil/services/vigil/intervention"
	"github.com/AleutianAI/Vigil/services/vigil/middleware"
	"github.com/AleutianAI/Vigil/services/vigil/observability"
	"github.com/AleutianAI/Vigil/services/vigil/redact"
	"github.com/AleutianAI/Vigil/services/vigil/routes"
	"github.com/AleutianAI/Vigil/services/vigil/schedule"
	"github.com/AleutianAI/Vigil/services/vigil/storage"
	"github.com/AleutianAI/Vigil/services/vigil/strikes"
	"github.com/AleutianAI/Vigil/services/vigil/tasks"
)

// InMemory as Storage.StateDir keeps enforcement state in memory.
const InMemory = ":memory:"

// shutdownTimeout bounds the HTTP drain on shutdown.
const shutdownTimeout = 5 * time.Second

// Capabilities is every model-backed operation the service needs.
// *llm.Client implements it.
type Capabilities interface {
	coordinator.Judge
	coordinator.Summarizer
	coordinator.Decider
	coordinator.Extractor
	coordinator.Synthesizer
	compliance.Assessor
	capture.Transcriber
}

// Options override parts of the assembly. The zero value builds the
// production service.
type Options struct {
	// ConfigPath is watched for live changes when set.
	ConfigPath string

	// Capabilities replaces the OpenAI client.
	Capabilities Capabilities

	// Clock replaces the wall clock.
	Clock schedule.Clock

	Logger *slog.Logger
}

// Service is the assembled Vigil process.
type Service struct {
	config  config.Config
	opts    Options
	logger  *slog.Logger
	tracing func(context.Context)

	db       *storage.DB
	state    *storage.StateStore
	history  *history.Store
	hub      *events.Hub
	devices  *capture.HostProvider
	coord    *coordinator.Coordinator
	sched    *schedule.Scheduler
	jitter   *schedule.UniformJitter
	frames   *rate.Limiter
	registry *prometheus.Registry
	router   *gin.Engine
}

// =============================================================================
// Assembly
// =============================================================================

// New builds the service and recovers persisted state.
//
// # Description
//
// Opens the state database and the history database, builds the
// enforcement components on top of them, restores the ledger, tasks,
// balance and any unacknowledged intervention, and registers the HTTP
// routes. Nothing runs until Run.
//
// # Inputs
//
//   - ctx: Bounds recovery reads.
//   - cfg: Validated configuration.
//   - opts: Optional overrides.
//
// # Outputs
//
//   - *Service: Ready to Run. Always Close it.
//   - error: Non-nil if a store could not open, the API key is missing or
//     recovery failed.
func New(ctx context.Context, cfg config.Config, opts Options) (_ *Service, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = schedule.RealClock()
	}

	s := &Service{config: cfg, opts: opts, logger: logger, tracing: func(context.Context) {}}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	shutdownTracing, err := initTracer(ctx, cfg.Tracing, logger)
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}
	s.tracing = shutdownTracing

	caps := opts.Capabilities
	if caps == nil {
		key, err := llm.LoadAPIKey(llm.DefaultSecretPath)
		if err != nil {
			return nil, err
		}
		client, err := llm.NewClient(key, cfg.LLM, logger)
		if err != nil {
			return nil, err
		}
		caps = client
	}

	dbConfig := storage.DefaultConfig(cfg.Storage.StateDir)
	if cfg.Storage.StateDir == InMemory {
		dbConfig = storage.InMemoryConfig()
	}
	dbConfig.Logger = logger
	if s.db, err = storage.Open(dbConfig); err != nil {
		return nil, err
	}
	s.state = storage.NewStateStore(s.db)

	if s.history, err = history.Open(ctx, cfg.Storage.HistoryPath); err != nil {
		return nil, err
	}

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(s.registry)

	redactor, err := redact.New()
	if err != nil {
		return nil, err
	}

	s.hub = events.NewHub(logger)
	s.devices = capture.NewHostProvider(s.hub, cfg.Capture.AttemptTimeout)

	g := guard.New()
	s.coord, err = coordinator.New(coordinator.Deps{
		Clock:   clock,
		Guard:   g,
		Session: intervention.NewSession(g, logger),
		Ledger:  strikes.NewLedger(clock.Now(), strikes.WithStore(s.state), strikes.WithLogger(logger)),
		Tasks:   tasks.NewSet(s.state, logger),
		Wallet:  incentives.NewWallet(cfg.Incentives, s.state, logger),
		Capture: capture.New(s.devices, caps, capture.Config{
			RetryDelay: cfg.Capture.RetryDelay,
			SampleRate: cfg.Capture.SampleRate,
		}, capture.WithRecorder(metrics), capture.WithLogger(logger)),
		Evaluator:  compliance.NewEvaluator(caps, logger),
		Store:      s.state,
		History:    s.history,
		Judge:      caps,
		Summarizer: caps,
		Decider:    caps,
		Extractor:  caps,
		Speaker:    coordinator.NewHostSpeaker(caps, s.hub, cfg.Intervention.PlaybackTimeout, logger),
		Events:     s.hub,
		Redactor:   redactor,
		Recorder:   metrics,
		Logger:     logger,
	}, coordinator.Config{
		ContextObservations: cfg.Intervention.ContextObservations,
		DefaultMessage:      cfg.Intervention.DefaultMessage,
	})
	if err != nil {
		return nil, err
	}
	if err := s.coord.Recover(ctx); err != nil {
		return nil, fmt.Errorf("recover state: %w", err)
	}

	seed := cfg.Schedule.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if s.jitter, err = schedule.NewUniformJitter(cfg.Schedule.ManagerMin, cfg.Schedule.ManagerMax, seed); err != nil {
		return nil, err
	}
	s.sched = schedule.New(clock, schedule.Config{
		ObserverInterval:   cfg.Schedule.ObserverInterval,
		CompactionInterval: cfg.Schedule.CompactionInterval,
		ManagerIntervals:   s.jitter,
	}, s.coord, schedule.WithRecorder(metrics), schedule.WithLogger(logger))

	s.frames = rate.NewLimiter(rate.Limit(cfg.Ingest.FramesPerSecond), cfg.Ingest.Burst)
	s.router = s.initRouter()
	return s, nil
}

// initTracer exports spans over OTLP/gRPC. An empty endpoint leaves the
// global no-op provider in place.
func initTracer(ctx context.Context, cfg config.TracingConfig, logger *slog.Logger) (func(context.Context), error) {
	if cfg.OTLPEndpoint == "" {
		return func(context.Context) {}, nil
	}
	conn, err := grpc.NewClient(cfg.OTLPEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(cfg.ServiceName)))
	if err != nil {
		return nil, err
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))
	logger.Info("tracing enabled", "endpoint", cfg.OTLPEndpoint)

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			logger.Error("failed to shutdown tracer provider", "error", err)
		}
	}, nil
}

func (s *Service) initRouter() *gin.Engine {
	gin.SetMode(s.config.Server.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(s.config.Tracing.ServiceName))
	router.Use(middleware.RequestLogger(s.logger))

	routes.SetupRoutes(router, handlers.Deps{
		Coordinator: s.coord,
		Scheduler:   s.sched,
		Devices:     s.devices,
		History:     s.history,
		Frames:      s.frames,
		Logger:      s.logger,
	}, s.hub.ServeWS, s.registry, middleware.TokenAuth(s.config.Server.AuthToken))
	return router
}

// Handler returns the HTTP API.
func (s *Service) Handler() http.Handler {
	return s.router
}

// =============================================================================
// Lifecycle
// =============================================================================

// Run listens on the configured port and serves until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.config.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs every component on ln until ctx is done or one fails.
//
// # Outputs
//
//   - error: The first component failure. nil on cancellation.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	if err := s.sched.Start(gctx); err != nil {
		ln.Close()
		return err
	}
	g.Go(func() error {
		<-gctx.Done()
		s.sched.Stop()
		return nil
	})

	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	g.Go(func() error {
		s.logger.Info("vigil listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// Websocket connections are hijacked and not drained by Shutdown.
		s.hub.Close()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	g.Go(func() error { return s.db.RunGC(gctx) })

	if s.opts.ConfigPath != "" {
		g.Go(func() error {
			err := config.Watch(gctx, s.opts.ConfigPath, 0, s.applyConfig, s.logger)
			if err != nil {
				s.logger.Warn("config watch disabled", "error", err)
			}
			return nil
		})
	}

	return g.Wait()
}

// applyConfig takes the settings that can change without a restart: the
// manager jitter bounds and the frame rate limit.
func (s *Service) applyConfig(cfg config.Config) {
	if err := s.jitter.SetBounds(cfg.Schedule.ManagerMin, cfg.Schedule.ManagerMax); err != nil {
		s.logger.Warn("manager interval not updated", "error", err)
	} else {
		s.logger.Info("manager interval updated",
			"min", cfg.Schedule.ManagerMin, "max", cfg.Schedule.ManagerMax)
	}
	s.frames.SetLimit(rate.Limit(cfg.Ingest.FramesPerSecond))
	s.frames.SetBurst(cfg.Ingest.Burst)

	if cfg.Schedule.ObserverInterval != s.config.Schedule.ObserverInterval ||
		cfg.Schedule.CompactionInterval != s.config.Schedule.CompactionInterval {
		s.logger.Warn("observer and compaction intervals apply after restart")
	}
}

// Close releases the stores. Call after Run returns.
func (s *Service) Close() {
	if s.coord != nil {
		s.coord.Close()
	}
	if s.hub != nil {
		s.hub.Close()
	}
	if s.history != nil {
		if err := s.history.Close(); err != nil {
			s.logger.Error("close history", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("close state database", "error", err)
		}
	}
	s.tracing(context.Background())
}
