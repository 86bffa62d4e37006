package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/validator/internal/config"
	"github.com/ehr/validator/internal/domain/grouping"
	"github.com/ehr/validator/internal/domain/queue"
	"github.com/ehr/validator/internal/domain/settings"
	"github.com/ehr/validator/internal/domain/validation"
	"github.com/ehr/validator/internal/platform/connectivity"
	"github.com/ehr/validator/internal/platform/db"
	"github.com/ehr/validator/internal/platform/metrics"
	"github.com/ehr/validator/internal/platform/middleware"
	"github.com/ehr/validator/internal/platform/telemetry"
	"github.com/ehr/validator/internal/platform/websocket"
)

func runServer(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:   "fhir-validator",
		Environment:   cfg.Env,
		TraceExporter: cfg.TraceExporter,
		OTLPEndpoint:  cfg.OTLPEndpoint,
		OTLPInsecure:  !cfg.IsProduction(),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise tracing")
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Error().Err(err).Msg("tracing shutdown failed")
		}
	}()

	// Result store
	var (
		results validation.ResultStore
		pinger  db.Pinger
	)
	if cfg.UsesPostgres() {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		logger.Info().Msg("connected to database")
		results = validation.NewPGStore(pool)
		pinger = pool
	} else {
		logger.Warn().Msg("DATABASE_URL not set, keeping results in memory")
		results = validation.NewMemoryStore()
	}

	// Progress push
	hub := websocket.NewHub(logger)
	var natsPublisher queue.Publisher
	if cfg.NATSURL != "" {
		nc, err := queue.ConnectNATS(cfg.NATSURL, "validation-server")
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to nats")
		}
		defer nc.Drain()
		natsPublisher = queue.NewNATSPublisher(nc)
		logger.Info().Str("url", cfg.NATSURL).Msg("publishing progress to nats")
	}
	publisher := queue.Publishers(natsPublisher, queue.PublisherFunc(func(_ context.Context, prog queue.Progress) error {
		return hub.Publish(websocket.BatchTopic(prog.BatchID), "progress", prog)
	}))

	p, err := buildPipeline(cfg, logger, pipelineOpts{results: results, publisher: publisher})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build validation pipeline")
	}

	p.monitor.OnModeChange(func(ch connectivity.ModeChange) {
		if ch.To == connectivity.ModeOffline {
			logger.Warn().Str("server", ch.Server).Msg("upstream offline, dependent aspects will be skipped")
		}
		err := hub.Publish(websocket.TopicConnectivity, "mode-change", map[string]string{
			"server":     ch.Server,
			"from":       string(ch.From),
			"to":         string(ch.To),
			"transition": ch.Transition.String(),
		})
		if err != nil {
			logger.Warn().Err(err).Msg("failed to publish mode change")
		}
	})
	go p.monitor.Start(ctx)
	p.proc.Start(ctx)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(telemetry.TracingMiddleware())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.BodyLimit("1M", "20M"))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":       "ok",
			"connectivity": p.monitor.HealthSummary().Overall,
		})
	})
	e.GET("/health/db", db.HealthHandler(pinger))
	e.GET("/metrics", metrics.Handler())

	api := e.Group("/api")
	queue.NewHandler(ctx, p.proc, p.orch, p.settings).RegisterRoutes(api)
	grouping.NewHandler(p.groups).RegisterRoutes(api)
	settings.NewHandler(p.settings).RegisterRoutes(api)
	connectivity.NewHandler(p.monitor).RegisterRoutes(api)
	websocket.NewHandler(hub).RegisterRoutes(api)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	p.proc.Stop()
	logger.Info().Msg("server stopped")
	return nil
}
