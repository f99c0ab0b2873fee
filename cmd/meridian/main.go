package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/meridian-cbs/meridian/internal/app"
	"github.com/meridian-cbs/meridian/internal/eod"
	eodhttp "github.com/meridian-cbs/meridian/internal/eod/http"
	"github.com/meridian-cbs/meridian/internal/ledger"
	ledgerhttp "github.com/meridian-cbs/meridian/internal/ledger/http"
	"github.com/meridian-cbs/meridian/internal/platform/cache"
	"github.com/meridian-cbs/meridian/internal/platform/db"
	"github.com/meridian-cbs/meridian/internal/shared"
	"github.com/meridian-cbs/meridian/jobs"
	"github.com/meridian-cbs/meridian/report"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, status cache disabled", slog.Any("error", err))
		redisClient = nil
	}
	defer func() {
		if redisClient == nil {
			return
		}
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := asynqClient.Close(); err != nil {
			logger.Warn("asynq close", slog.Any("error", err))
		}
	}()

	auditLogger := shared.NewAuditLogger(pool)
	idempotencyStore := shared.NewIdempotencyStore(pool)

	ledgerRepo := ledger.NewRepository(pool)
	ledgerService := ledger.NewService(ledgerRepo, auditLogger, logger)
	ledgerHandler := ledgerhttp.NewHandler(logger, ledgerService)

	store := eod.NewStore(pool)
	dates := eod.NewDateController(store, auditLogger, logger)
	executors := jobs.NewExecutors(pool, logger)
	orchestrator := eod.NewOrchestrator(eod.OrchestratorConfig{
		Store:           store,
		Dates:           dates,
		Executors:       executors.Map(),
		Reports:         jobs.NewScheduler(asynqClient),
		Audit:           auditLogger,
		Logger:          logger,
		ExecutorTimeout: cfg.EODExecutorTimeout,
	})

	statusCache := cache.NewSnapshot(redisClient, cfg.EODStatusCacheTTL)
	eodHandler := eodhttp.NewHandler(logger, orchestrator, statusCache, idempotencyStore)
	reportHandler := report.NewHandler(pool, logger)

	go reapStaleRuns(ctx, orchestrator, cfg.EODStaleRunThreshold, logger)
	go cleanupIdempotencyKeys(ctx, idempotencyStore, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:        logger,
		Config:        cfg,
		EODHandler:    eodHandler,
		LedgerHandler: ledgerHandler,
		ReportHandler: reportHandler,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}

// cleanupIdempotencyKeys drops request keys past the retention window.
func cleanupIdempotencyKeys(ctx context.Context, store *shared.IdempotencyStore, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.Cleanup(ctx, 24*time.Hour); err != nil {
				logger.Warn("cleanup idempotency keys", slog.Any("error", err))
			}
		}
	}
}

// reapStaleRuns periodically fails RUNNING rows whose executor died without
// reporting back, so operators can retry the job.
func reapStaleRuns(ctx context.Context, orchestrator *eod.Orchestrator, threshold time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reaped, err := orchestrator.ReapStale(ctx, threshold)
			if err != nil {
				logger.Warn("reap stale runs", slog.Any("error", err))
				continue
			}
			if reaped > 0 {
				logger.Info("reaped stale job runs", slog.Int64("count", reaped))
			}
		}
	}
}
