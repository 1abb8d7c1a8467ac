package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/agrinova/agrinova/internal/app"
	"github.com/agrinova/agrinova/internal/authz"
	"github.com/agrinova/agrinova/internal/platform/cache"
	"github.com/agrinova/agrinova/internal/platform/db"
	"github.com/agrinova/agrinova/jobs"
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
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

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

	authzRepo := authz.NewRepository(pool)
	catalog, err := authz.NewCatalog(ctx, authzRepo)
	if err != nil {
		logger.Error("load authorization catalogue", slog.Any("error", err))
		os.Exit(1)
	}
	resolver := authz.NewResolver(catalog, authzRepo)
	resolver.SetTTL(cfg.FeatureSetTTL)
	featureCache := authz.NewFeatureSetCache(redisClient, resolver)

	sweepJob := jobs.NewOverrideSweepJob(authzRepo, logger, nil, cfg.OverrideRetention)
	warmupJob := jobs.NewFeatureSetWarmupJob(authzRepo, featureCache, logger, nil, cfg.WarmupWindow, cfg.WarmupBatchSize)

	sweepTask, err := jobs.NewOverrideSweepTask(jobs.OverrideSweepPayload{})
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}
	warmupTask, err := jobs.NewFeatureSetWarmupTask(jobs.FeatureSetWarmupPayload{})
	if err != nil {
		logger.Error("build warmup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskAuthzSweepExpired, Handler: sweepJob.Handle},
			{Type: jobs.TaskAuthzWarmup, Handler: warmupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "15 1 * * *", Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "45 1 * * *", Task: warmupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
