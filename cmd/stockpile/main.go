package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/stockpile-erp/stockpile/internal/app"
	"github.com/stockpile-erp/stockpile/internal/catalog"
	"github.com/stockpile-erp/stockpile/internal/ledger"
	"github.com/stockpile-erp/stockpile/internal/observability"
	"github.com/stockpile-erp/stockpile/internal/platform/cache"
	"github.com/stockpile-erp/stockpile/internal/platform/db"
	"github.com/stockpile-erp/stockpile/internal/shared"
	"github.com/stockpile-erp/stockpile/jobs"
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
		logger.Warn("redis unavailable, projection marker disabled", slog.Any("error", err))
	}
	defer func() {
		if redisClient != nil {
			_ = redisClient.Close()
		}
	}()

	metrics := observability.NewMetrics()

	catalogReader := catalog.NewRepository(pool)
	ledgerRepo := ledger.NewRepository(pool)

	var marker ledger.AsOfMarker
	if redisClient != nil {
		marker = ledger.NewRedisMarker(redisClient)
	}
	projector := ledger.NewProjector(ledgerRepo, logger, ledger.ProjectorConfig{
		Store:   ledgerRepo,
		Marker:  marker,
		Metrics: metrics,
	})
	if err := projector.Rebuild(ctx); err != nil {
		logger.Error("initial projection rebuild", slog.Any("error", err))
		os.Exit(1)
	}

	var enqueuer ledger.Enqueuer
	gatewayCfg := cfg.GatewayConfig()
	if gatewayCfg.Mode == ledger.ModeAsync {
		client := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		defer func() {
			_ = client.Close()
		}()
		enqueuer = client
	}

	idempotency := shared.NewIdempotencyStore(pool)
	audit := shared.NewAuditLogger(pool)

	gateway := ledger.NewGateway(ledgerRepo, catalogReader, projector, idempotency, audit, enqueuer, metrics, logger, gatewayCfg)
	queryService := ledger.NewQueryService(projector, catalogReader, logger)
	ledgerHandler := ledger.NewHandler(logger, gateway, queryService)

	jobHandler := jobs.NewHandler(asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr}), logger)

	router := app.NewRouter(app.RouterParams{
		Logger:        logger,
		Config:        cfg,
		LedgerHandler: ledgerHandler,
		JobHandler:    jobHandler,
		Metrics:       metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("stockpile listening", slog.String("addr", cfg.AppAddr), slog.String("policy", cfg.StockPolicy), slog.String("projection_mode", cfg.ProjectionMode))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server exited", slog.Any("error", err))
		os.Exit(1)
	}
}
