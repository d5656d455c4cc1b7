package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/stockpile-erp/stockpile/internal/app"
	"github.com/stockpile-erp/stockpile/internal/catalog"
	jobmetrics "github.com/stockpile-erp/stockpile/internal/jobs"
	"github.com/stockpile-erp/stockpile/internal/ledger"
	"github.com/stockpile-erp/stockpile/internal/platform/cache"
	"github.com/stockpile-erp/stockpile/internal/platform/db"
	"github.com/stockpile-erp/stockpile/internal/shared"
	"github.com/stockpile-erp/stockpile/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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
		logger.Warn("redis unavailable, projection marker disabled", slog.Any("error", err))
	}
	defer func() {
		if redisClient != nil {
			_ = redisClient.Close()
		}
	}()

	catalogReader := catalog.NewRepository(pool)
	ledgerRepo := ledger.NewRepository(pool)

	var marker ledger.AsOfMarker
	if redisClient != nil {
		marker = ledger.NewRedisMarker(redisClient)
	}
	projector := ledger.NewProjector(ledgerRepo, logger, ledger.ProjectorConfig{
		Store:  ledgerRepo,
		Marker: marker,
	})
	if err := projector.Rebuild(ctx); err != nil {
		logger.Error("initial projection rebuild", slog.Any("error", err))
		os.Exit(1)
	}
	queryService := ledger.NewQueryService(projector, catalogReader, logger)
	idempotency := shared.NewIdempotencyStore(pool)

	metrics := jobmetrics.NewMetrics(nil)

	integrityTask, err := jobs.NewIntegrityCheckTask(time.Now().UTC())
	if err != nil {
		logger.Error("build integrity task", slog.Any("error", err))
		os.Exit(1)
	}
	sweepTask, err := jobs.NewExpirySweepTask(time.Now().UTC())
	if err != nil {
		logger.Error("build expiry sweep task", slog.Any("error", err))
		os.Exit(1)
	}
	cleanupTask, err := jobs.NewIdempotencyCleanupTask(time.Now().UTC())
	if err != nil {
		logger.Error("build idempotency cleanup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskProjectionCatchUp, Handler: jobs.NewProjectionCatchUpHandler(projector, metrics, logger)},
			{Type: jobs.TaskIntegrityCheck, Handler: jobs.NewIntegrityCheckHandler(projector, metrics, logger)},
			{Type: jobs.TaskExpirySweep, Handler: jobs.NewExpirySweepHandler(queryService, metrics, logger)},
			{Type: jobs.TaskIdempotencyCleanup, Handler: jobs.NewIdempotencyCleanupHandler(idempotency, metrics, logger)},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "0 2 * * *", Task: integrityTask},
			{Spec: "0 6 * * *", Task: sweepTask},
			{Spec: "0 4 * * 0", Task: cleanupTask},
		},
	})
	if err != nil {
		logger.Error("build worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("worker started", slog.String("redis", cfg.RedisAddr))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker exited", slog.Any("error", err))
		os.Exit(1)
	}
}
