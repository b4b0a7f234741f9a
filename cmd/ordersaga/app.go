package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/goclaw/ordersaga/config"
	"github.com/goclaw/ordersaga/pkg/api"
	"github.com/goclaw/ordersaga/pkg/api/events"
	"github.com/goclaw/ordersaga/pkg/api/handlers"
	"github.com/goclaw/ordersaga/pkg/engine"
	"github.com/goclaw/ordersaga/pkg/logger"
	"github.com/goclaw/ordersaga/pkg/metrics"
	"github.com/goclaw/ordersaga/pkg/telemetry/tracing"
)

// app wires the saga engine to the HTTP surface.
type app struct {
	cfg    *config.Config
	log    logger.Logger
	engine *engine.Engine
	server *api.HTTPServer

	metrics         *metrics.Manager
	broadcaster     *events.Broadcaster
	websocket       *handlers.WebSocketHandler
	shutdownTracing tracing.ShutdownFunc
	cancelRun       context.CancelFunc
}

func newApp(ctx context.Context, cfg *config.Config, log logger.Logger) (*app, error) {
	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, cfg.App)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	// Initialize metrics manager
	metricsCfg := metrics.DefaultConfig()
	metricsCfg.Enabled = cfg.Metrics.Enabled
	metricsCfg.Port = cfg.Metrics.Port
	metricsCfg.Path = cfg.Metrics.Path
	metricsManager := metrics.NewManager(metricsCfg)

	broadcaster := events.NewBroadcaster()

	opts := []engine.Option{engine.WithObserver(broadcaster)}
	if metricsManager.Enabled() {
		opts = append(opts, engine.WithMetrics(metricsManager))
	}
	eng, err := engine.New(cfg, log, opts...)
	if err != nil {
		_ = shutdownTracing(ctx)
		return nil, fmt.Errorf("create engine: %w", err)
	}

	wsHandler := handlers.NewWebSocketHandler(log, handlers.WebSocketConfig{
		AllowedOrigins: cfg.Server.CORS.AllowedOrigins,
	})
	apiHandlers := &api.Handlers{
		Saga:       handlers.NewSagaHandler(eng.Machine(), eng.Sender(), cfg.Broker.OrdersChannel, log),
		DeadLetter: handlers.NewDeadLetterHandler(eng.DeadLetters()),
		Events:     wsHandler,
		Health:     handlers.NewHealthHandler(eng),
	}
	if metricsManager.Enabled() {
		apiHandlers.Metrics = metricsManager
	}

	return &app{
		cfg:             cfg,
		log:             log,
		engine:          eng,
		server:          api.NewHTTPServer(cfg, log, apiHandlers),
		metrics:         metricsManager,
		broadcaster:     broadcaster,
		websocket:       wsHandler,
		shutdownTracing: shutdownTracing,
	}, nil
}

// Start starts the metrics server, the engine and the HTTP server. HTTP serve errors arrive on
// the returned channel.
func (a *app) Start(ctx context.Context) (<-chan error, error) {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancelRun = cancel

	// Start metrics server if enabled
	if a.metrics.Enabled() {
		go func() {
			a.log.Info("Starting metrics server", "port", a.cfg.Metrics.Port, "path", a.cfg.Metrics.Path)
			if err := a.metrics.StartServer(runCtx, a.cfg.Metrics.Port, a.cfg.Metrics.Path); err != nil {
				a.log.Error("Metrics server error", "error", err)
			}
		}()
	}

	if err := a.engine.Start(runCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("start engine: %w", err)
	}

	go a.websocket.Run(runCtx, a.broadcaster)

	serverErrChan := make(chan error, 1)
	if !a.cfg.Server.Enabled {
		a.log.Info("HTTP server disabled")
		return serverErrChan, nil
	}
	go func() {
		if err := a.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrChan <- err
		}
	}()
	return serverErrChan, nil
}

// Shutdown stops the HTTP server first so no new commands arrive, then drains the engine.
func (a *app) Shutdown(ctx context.Context) {
	if a.cfg.Server.Enabled {
		if err := a.server.Shutdown(ctx); err != nil {
			a.log.Error("Error shutting down HTTP server", "error", err)
		}
	}
	a.websocket.Close()

	a.log.Info("Stopping engine")
	if err := a.engine.Stop(ctx); err != nil {
		a.log.Error("Error during engine shutdown", "error", err)
	}
	if a.cancelRun != nil {
		a.cancelRun()
	}
	a.broadcaster.Close()

	if err := a.shutdownTracing(ctx); err != nil {
		a.log.Error("Error shutting down tracing", "error", err)
	}
}
