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

	"github.com/tammerofficial/workshop01-sub008/internal/app"
	"github.com/tammerofficial/workshop01-sub008/internal/audit"
	"github.com/tammerofficial/workshop01-sub008/internal/auth"
	"github.com/tammerofficial/workshop01-sub008/internal/dashboard"
	"github.com/tammerofficial/workshop01-sub008/internal/observability"
	"github.com/tammerofficial/workshop01-sub008/internal/platform/cache"
	"github.com/tammerofficial/workshop01-sub008/internal/platform/db"
	"github.com/tammerofficial/workshop01-sub008/internal/rbac"
	"github.com/tammerofficial/workshop01-sub008/internal/roles"
	"github.com/tammerofficial/workshop01-sub008/internal/security"
	"github.com/tammerofficial/workshop01-sub008/internal/shared"
	"github.com/tammerofficial/workshop01-sub008/internal/users"
	"github.com/tammerofficial/workshop01-sub008/jobs"
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

	logger := app.NewLogger(cfg, "workshop-api")

	dbpool, err := db.New(ctx, cfg.PGDSN, cfg.DBOptions("workshop-api"))
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisOptions())
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	redisOpts := cfg.AsynqRedis()
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	auditRepo := audit.NewRepository(dbpool)
	auditLogger := audit.NewLogger(auditRepo, audit.LoggerOptions{
		Timeout:  cfg.AuditWriteTimeout,
		Retry:    jobClient,
		Failures: metrics,
		Logger:   logger,
	})
	auditService := audit.NewService(auditRepo)

	securityRepo := security.NewRepository(dbpool)
	recorder := security.NewRecorder(securityRepo, security.RecorderOptions{
		Metrics:             metrics,
		Gate:                security.NewRedisGate(redisClient, ""),
		BruteForceThreshold: cfg.BruteForceThreshold,
		BruteForceWindow:    cfg.BruteForceWindow,
		Logger:              logger,
	})
	securityService := security.NewService(securityRepo)
	detector := security.NewDetector(securityRepo)

	rolesRepo := roles.NewRepository(dbpool)
	hierarchy := roles.NewCache(rolesRepo, redisClient, cfg.HierarchyCacheTTL, logger)
	if err := hierarchy.ListenForInvalidation(ctx); err != nil {
		logger.Warn("hierarchy invalidation listener", slog.Any("error", err))
	}
	rolesService := roles.NewService(rolesRepo, roles.Options{
		StrictConditions: cfg.PolicyStrictConditions,
		Invalidator:      hierarchy,
		Logger:           logger,
	})

	usersService := users.NewService(users.NewRepository(dbpool), rolesService)

	rbacService := rbac.NewService(hierarchy, usersService, rbac.Options{
		Timeout:           cfg.PolicyTimeout,
		AdministratorRole: cfg.AdministratorRole,
		Audit:             auditLogger,
		Metrics:           metrics,
		Logger:            logger,
	})
	rbacMiddleware := rbac.Middleware{Service: rbacService, Violations: recorder, Logger: logger}

	dashboardCache := dashboard.NewCache(redisClient, cfg.DashboardCacheTTL)
	if err := dashboardCache.ListenForInvalidation(ctx, func(version int64) {
		logger.Debug("dashboard cache bumped", slog.Int64("version", version))
	}); err != nil {
		logger.Warn("dashboard invalidation listener", slog.Any("error", err))
	}
	dashboardService := dashboard.NewService(auditService, securityService, detector, dashboardCache, logger)

	sessionManager := shared.NewSessionManager(redisClient, "workshop_session", cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())
	authService := auth.NewService(auth.NewRepository(dbpool))

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		SessionManager:   sessionManager,
		AuthHandler:      auth.NewHandler(logger, authService, sessionManager, recorder, cfg.LoginRate),
		RolesHandler:     roles.NewHandler(logger, rolesService, rbacMiddleware),
		UsersHandler:     users.NewHandler(logger, usersService, rbacService, rbacMiddleware),
		RBACHandler:      rbac.NewHandler(logger, rbacService, rbacMiddleware),
		DashboardHandler: dashboard.NewHandler(logger, dashboardService, rbacMiddleware),
		JobHandler:       jobs.NewHandler(inspector, logger),
		Metrics:          metrics,
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
