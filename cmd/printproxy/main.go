package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/printbridge/printproxy/internal/audit"
	"github.com/printbridge/printproxy/internal/broadcast"
	"github.com/printbridge/printproxy/internal/config"
	"github.com/printbridge/printproxy/internal/environment"
	"github.com/printbridge/printproxy/internal/metrics"
	"github.com/printbridge/printproxy/internal/printapi"
	"github.com/printbridge/printproxy/internal/probe"
	"github.com/printbridge/printproxy/internal/server"
	"github.com/printbridge/printproxy/internal/telemetry"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	shutdownTracer, err := telemetry.InitTracer("printproxy", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	registry, err := environment.NewRegistry(cfg.EnvironmentConfigs()...)
	if err != nil {
		log.Fatalf("Failed to build environment registry: %v", err)
	}

	collector := metrics.NewCollector(cfg.Metrics.Namespace)

	hub := broadcast.NewHub(logger,
		broadcast.WithSubscriberGauge(collector.SetSubscribers),
		broadcast.WithDeliveryCounter(collector.RecordDelivery),
	)

	var auditor *audit.Recorder
	if cfg.Storage.Path != "" {
		auditor, err = audit.Open(cfg.Storage.Path)
		if err != nil {
			log.Fatalf("Failed to open audit store: %v", err)
		}
		defer auditor.Close()
		logger.Info("audit store opened", slog.String("path", cfg.Storage.Path))
	}

	client := printapi.New(registry,
		printapi.WithLogger(logger),
		printapi.WithEvents(hub),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prober := probe.New(client, registry, logger)
	if err := prober.Start(ctx, cfg.Probe.Schedule); err != nil {
		log.Fatalf("Failed to start prober: %v", err)
	}

	srv := server.New(cfg.Server.Port, cfg.Server.AllowedOrigins, server.Deps{
		Logger:   logger,
		Registry: registry,
		Client:   client,
		Hub:      hub,
		Audit:    auditor,
		Prober:   prober,
		Metrics:  collector,
	})

	for _, id := range registry.IDs() {
		env, _ := registry.Resolve(id)
		check := environment.CheckCredentials(env)
		logger.Info("environment configured",
			slog.String("environment", id),
			slog.String("base_url", env.BaseURL),
			slog.String("auth_mode", string(env.AuthMode)),
			slog.Bool("credentials_complete", check.Valid),
		)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	case sig := <-sigCh:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
