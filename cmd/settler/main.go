// Package main provides the settlement worker entry point. It batches pending
// ledger entries per token and settles them through the tip contract.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/reward-settler/internal/app"
	"github.com/reward-settler/internal/config"
	"github.com/reward-settler/internal/logging"
	"github.com/reward-settler/internal/metrics"
	"github.com/reward-settler/internal/notify"
	"github.com/reward-settler/internal/ratelimit"
	"github.com/reward-settler/internal/settlement"
	"github.com/reward-settler/internal/storage"
	"github.com/reward-settler/internal/worker"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger().WithField("component", "settler")
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(logging.WithLogger(context.Background(), logger))
	defer cancel()

	logger.WithFields(map[string]interface{}{
		"interval":   cfg.Settlement.Interval.String(),
		"batch_size": cfg.Settlement.BatchSize,
		"chain_mode": cfg.Chain.Mode,
	}).Info("Settlement worker starting")

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	redis, err := storage.NewRedisCache(&cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer func() { _ = redis.Close() }()

	gate, err := app.RPCGate(cfg.Chain, redis, ratelimit.PriorityHigh)
	if err != nil {
		logger.WithError(err).Fatal("Invalid RPC budget configuration")
	}

	chain, err := app.NewChain(ctx, cfg.Chain, gate)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to settlement contract")
	}
	defer chain.Close()

	ledgerRepo := storage.NewLedgerRepository(postgres)
	batchRepo := storage.NewBatchRepository(postgres)

	hostname, _ := os.Hostname()
	lockOwner := fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.New().String()[:8])
	lock := storage.NewTokenLock(redis, lockOwner, cfg.Settlement.LockTTL)

	// Settlement notifications need no identity lookups
	dispatcher := notify.NewDispatcher(storage.NewNotificationRepository(postgres), nil, app.Tokens(cfg), notify.Config{
		AppURL:         cfg.Notify.AppURL,
		RequestTimeout: cfg.Notify.RequestTimeout,
		MaxAttempts:    cfg.Notify.MaxAttempts,
		InitialDelay:   cfg.Notify.InitialDelay,
		MaxDelay:       cfg.Notify.MaxDelay,
		Concurrency:    cfg.Notify.Concurrency,
	})

	service := settlement.NewService(ledgerRepo, batchRepo, chain.Executor, lock, dispatcher, settlement.Config{
		BatchSize:      cfg.Settlement.BatchSize,
		MaxRetries:     cfg.Settlement.MaxRetries,
		ConfirmTimeout: cfg.Settlement.ConfirmTimeout,
		Contract:       chain.Contract,
	})

	settlementWorker, err := worker.NewSettlementWorker(&worker.SettlementWorkerConfig{
		Settler:  service,
		Interval: cfg.Settlement.Interval,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create settlement worker")
	}
	if err := settlementWorker.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start settlement worker")
	}

	statusServer := newStatusServer(cfg.Settlement.MetricsPort, settlementWorker, postgres, redis)
	go func() {
		if err := statusServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Status server stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info("Shutdown signal received, stopping settlement worker")

	// A cycle waiting on a receipt is left for reconciliation on the next start
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := settlementWorker.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Settlement worker did not stop cleanly")
	}
	_ = statusServer.Shutdown(shutdownCtx)
	dispatcher.Wait()

	logger.Info("Settlement worker stopped")
}

type pinger interface {
	Ping(ctx context.Context) error
}

func newStatusServer(port string, w *worker.SettlementWorker, deps ...pinger) *http.Server {
	router := mux.NewRouter()
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/health", func(rw http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		code := http.StatusOK
		for _, d := range deps {
			if err := d.Ping(ctx); err != nil {
				code = http.StatusServiceUnavailable
				break
			}
		}
		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(code)
		_ = json.NewEncoder(rw).Encode(map[string]interface{}{
			"success": code == http.StatusOK,
			"worker":  w.GetStatus(),
		})
	}).Methods(http.MethodGet)

	return &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
