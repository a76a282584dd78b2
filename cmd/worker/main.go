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
	"github.com/tammerofficial/workshop01-sub008/internal/observability"
	"github.com/tammerofficial/workshop01-sub008/internal/platform/db"
	"github.com/tammerofficial/workshop01-sub008/internal/security"
	"github.com/tammerofficial/workshop01-sub008/jobs"
)

const metricsAddr = ":9091"

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

	logger := app.NewLogger(cfg, "workshop-worker")

	pool, err := db.New(ctx, cfg.PGDSN, cfg.DBOptions("workshop-worker"))
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	metrics := observability.NewMetrics()
	jobMetrics := metrics.Jobs()

	auditRepo := audit.NewRepository(pool)
	securityRepo := security.NewRepository(pool)
	recorder := security.NewRecorder(securityRepo, security.RecorderOptions{
		Metrics: metrics,
		Logger:  logger,
	})

	auditWriteJob := jobs.NewAuditWriteJob(auditRepo, logger, jobMetrics)
	retentionJob := jobs.NewRetentionJob(audit.NewService(auditRepo), securityRepo, logger, jobMetrics)
	patternJob := jobs.NewPatternScanJob(security.NewDetector(securityRepo), recorder, logger, jobMetrics)

	retentionTask, err := jobs.NewRetentionTask(cfg.AuditRetentionDays, cfg.EventsRetentionDays)
	if err != nil {
		logger.Error("build retention task", slog.Any("error", err))
		os.Exit(1)
	}
	patternTask, err := jobs.NewPatternScanTask()
	if err != nil {
		logger.Error("build pattern scan task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   cfg.AsynqRedis(),
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskAuditWrite, Handler: auditWriteJob.Handle},
			{Type: jobs.TaskRetentionPurge, Handler: retentionJob.Handle},
			{Type: jobs.TaskSecurityPatternScan, Handler: patternJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.RetentionCron, Task: retentionTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.PatternScanCron, Task: patternTask, Options: []asynq.Option{asynq.MaxRetry(1), asynq.Unique(10 * time.Minute)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	metricsServer := &http.Server{Addr: metricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("worker metrics server", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
