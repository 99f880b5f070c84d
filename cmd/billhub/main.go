package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/billhub/billhub/internal/app"
	"github.com/billhub/billhub/internal/auth"
	"github.com/billhub/billhub/internal/ledger"
	"github.com/billhub/billhub/internal/observability"
	"github.com/billhub/billhub/internal/platform/cache"
	"github.com/billhub/billhub/internal/platform/db"
	"github.com/billhub/billhub/internal/shared"
	"github.com/billhub/billhub/jobs"
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
	slog.SetDefault(logger)

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PoolOptions("billhub-api"))
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	store := ledger.NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		logger.Error("apply ledger schema", slog.Any("error", err))
		os.Exit(1)
	}

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	tokens, err := auth.NewTokens(cfg.JWTSecret, auth.DefaultTTL)
	if err != nil {
		logger.Error("init tokens", slog.Any("error", err))
		os.Exit(1)
	}

	metrics := observability.NewMetrics()
	services, err := app.NewServices(cfg, store, metrics, logger)
	if err != nil {
		logger.Error("init services", slog.Any("error", err))
		os.Exit(1)
	}

	inspector := asynq.NewInspector(cache.QueueOptions(cfg.RedisAddr))
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	params := app.RouterParams{
		Logger:      logger,
		Config:      cfg,
		Tokens:      tokens,
		Idempotency: shared.NewIdempotencyStore(redisClient, cfg.IdempotencyTTL),
		Metrics:     metrics,
		JobHandler:  jobs.NewHandler(inspector, logger),
	}
	services.Handlers(&params)

	if err := app.Serve(ctx, cfg.AppAddr, cfg, app.NewRouter(params), logger); err != nil {
		logger.Error("http server", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
