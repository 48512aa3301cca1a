// Package main provides the webhook and API server for the reward settlement service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/reward-settler/internal/api"
	"github.com/reward-settler/internal/app"
	"github.com/reward-settler/internal/config"
	"github.com/reward-settler/internal/ingest"
	"github.com/reward-settler/internal/logging"
	"github.com/reward-settler/internal/notify"
	"github.com/reward-settler/internal/storage"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logging
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	defer func() { _ = logger.Sync() }()

	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Reward settlement API server starting")

	ctx, cancel := context.WithCancel(logging.WithLogger(context.Background(), logger))
	defer cancel()

	// Connect to Postgres
	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	// Connect to Redis
	redis, err := storage.NewRedisCache(&cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer func() { _ = redis.Close() }()

	health := map[string]api.Pinger{
		"postgres": postgres,
		"redis":    redis,
	}

	// ClickHouse is optional; without it evaluated events are not archived
	var archive ingest.Archive
	if cfg.Database.ClickHouse.Host != "" {
		clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to ClickHouse")
		}
		defer func() { _ = clickhouse.Close() }()

		eventArchive := storage.NewEventArchive(clickhouse, cfg.Database.ClickHouse.ArchiveBatchSize)
		go eventArchive.Run(ctx, cfg.Database.ClickHouse.ArchiveFlushInterval)
		logger.WithField("table", clickhouse.ArchiveTable()).Info("Event archive enabled")
		archive = eventArchive
		health["clickhouse"] = clickhouse
	} else {
		logger.Info("CLICKHOUSE_HOST not set, event archive disabled")
	}

	logger.Info("Database connections established")

	policy, err := app.Policy(cfg)
	if err != nil {
		logger.WithError(err).Fatal("Invalid reward policy")
	}

	// Initialize repositories
	ledgerRepo := storage.NewLedgerRepository(postgres)
	configRepo := storage.NewConfigRepository(postgres)
	notificationRepo := storage.NewNotificationRepository(postgres)
	profileRepo := storage.NewProfileRepository(postgres)

	resolver := app.Resolver(cfg, redis, profileRepo)

	dispatcher := notify.NewDispatcher(notificationRepo, resolver, app.Tokens(cfg), notify.Config{
		AppURL:         cfg.Notify.AppURL,
		RequestTimeout: cfg.Notify.RequestTimeout,
		MaxAttempts:    cfg.Notify.MaxAttempts,
		InitialDelay:   cfg.Notify.InitialDelay,
		MaxDelay:       cfg.Notify.MaxDelay,
		Concurrency:    cfg.Notify.Concurrency,
	})

	ingestor := ingest.NewIngestor(resolver, configRepo, ledgerRepo, dispatcher, archive, ingest.Config{
		Workers:      cfg.Ingest.Workers,
		QueueSize:    cfg.Ingest.QueueSize,
		EventTimeout: cfg.Ingest.EventTimeout,
		Policy:       policy,
	})
	ingestor.Start(ctx)

	if cfg.Ingest.WebhookSecret == "" {
		logger.Warn("NEYNAR_WEBHOOK_SECRET not set, webhook signatures are not verified")
	}

	server := api.NewServer(&api.ServerConfig{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ShutdownTimeout:   30 * time.Second,
		WebhookSecret:     cfg.Ingest.WebhookSecret,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
	}, ingestor, dispatcher, ledgerRepo, health)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig.String()).Info("Received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			logger.WithError(err).Error("API server stopped")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server shutdown failed")
	}
	// Accepted events are finished before the workers exit
	if err := ingestor.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Ingest workers did not drain")
	}
	dispatcher.Wait()
	cancel()

	logger.Info("Server stopped")
}
