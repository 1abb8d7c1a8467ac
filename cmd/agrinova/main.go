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

	"github.com/agrinova/agrinova/internal/app"
	"github.com/agrinova/agrinova/internal/auth"
	"github.com/agrinova/agrinova/internal/authz"
	"github.com/agrinova/agrinova/internal/observability"
	"github.com/agrinova/agrinova/internal/platform/cache"
	"github.com/agrinova/agrinova/internal/platform/db"
	"github.com/agrinova/agrinova/internal/shared"
	"github.com/agrinova/agrinova/jobs"
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

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

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

	sessionManager := shared.NewSessionManager(redisClient, "agrinova_session", cfg.SessionTTL, cfg.IsProduction())

	authRepo := auth.NewRepository(dbpool)
	authService := auth.NewService(authRepo)
	authHandler := auth.NewHandler(logger, authService, sessionManager)

	auditLogger := shared.NewAuditLogger(dbpool)

	authzRepo := authz.NewRepository(dbpool)
	catalog, err := authz.NewCatalog(ctx, authzRepo)
	if err != nil {
		logger.Error("load authorization catalogue", slog.Any("error", err))
		os.Exit(1)
	}
	resolver := authz.NewResolver(catalog, authzRepo)
	resolver.SetTTL(cfg.FeatureSetTTL)
	featureCache := authz.NewFeatureSetCache(redisClient, resolver)
	authzService := authz.NewService(authzRepo, catalog, featureCache, auditLogger)
	authzHandler := authz.NewHandler(logger, authzService, resolver, featureCache)
	authzMiddleware := authz.Middleware{Cache: featureCache, Logger: logger}

	metrics := observability.NewMetrics()
	featureCache.SetObserver(metrics)
	authzHandler.SetObserver(metrics)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		SessionManager:  sessionManager,
		AuthHandler:     authHandler,
		AuthzHandler:    authzHandler,
		AuthzMiddleware: authzMiddleware,
		JobHandler:      jobHandler,
		Pool:            dbpool,
		Metrics:         metrics,
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
