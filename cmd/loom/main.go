package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loomworks/loom/internal/api"
	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/credential"
	"github.com/loomworks/loom/internal/events"
	"github.com/loomworks/loom/internal/handler"
	"github.com/loomworks/loom/internal/handler/builtin"
	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/internal/schedule"
	"github.com/loomworks/loom/internal/storage"
	"github.com/loomworks/loom/internal/supervisor"
	"github.com/loomworks/loom/internal/tracing"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracingCleanup, err := tracing.Init(ctx, tracing.Config{
		Enabled:     cfg.Observability.TracingEnabled,
		Endpoint:    cfg.Observability.TracingEndpoint,
		ServiceName: cfg.Observability.TracingServiceName,
		SampleRate:  cfg.Observability.TracingSampleRate,
		Stdout:      cfg.Observability.TracingStdout,
	})
	if err != nil {
		slog.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer tracingCleanup()

	registry := handler.NewRegistry()
	builtin.Register(registry)

	hub := events.NewHub(logger)
	go hub.Run()

	var store storage.Store
	var credStore credential.Store
	if cfg.Database.Enabled {
		pg, err := storage.NewPostgres(ctx, cfg.Database.ConnectionString())
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		store = pg
		credStore = pg
	} else {
		mem := storage.NewMemory()
		store = mem
		credStore = mem
		slog.Warn("running with in-memory storage; nothing survives a restart")
	}

	sup, err := supervisor.New(registry, credStore, hub, logger)
	if err != nil {
		slog.Error("failed to create supervisor", "error", err)
		os.Exit(1)
	}
	sup.WithStore(store).
		WithMaxPerUser(cfg.Engine.MaxExecutionsPerUser).
		WithGrace(time.Duration(cfg.Engine.CancelGraceSeconds) * time.Second).
		WithPlanCacheSize(cfg.Engine.PlanCacheSize)

	if cfg.Observability.MetricsEnabled {
		m := metrics.New()
		if err := m.Register(prometheus.DefaultRegisterer); err != nil {
			slog.Error("failed to register metrics", "error", err)
			os.Exit(1)
		}
		sup.WithMetrics(m)
	}

	scheduler := schedule.New(sup, store, logger)
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr: cfg.Server.Address,
		Handler: api.NewServer(sup, hub, cfg.Server.SystemToken, logger).
			WithScheduler(scheduler).
			Router(),
	}

	go func() {
		slog.Info("control surface listening", "address", cfg.Server.Address, "env", cfg.Server.Env)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", "error", err)
	}
	if err := sup.Shutdown(shutdownCtx); err != nil {
		slog.Error("supervisor shutdown incomplete", "error", err)
	}
}
