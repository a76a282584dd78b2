package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/tammerofficial/workshop01-sub008/internal/audit"
	jobmetrics "github.com/tammerofficial/workshop01-sub008/internal/jobs"
)

// AuditWriteJob stores audit entries whose inline write failed.
type AuditWriteJob struct {
	Writer  audit.Writer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewAuditWriteJob initialises the audit write handler.
func NewAuditWriteJob(writer audit.Writer, logger *slog.Logger, metrics *jobmetrics.Metrics) *AuditWriteJob {
	return &AuditWriteJob{Writer: writer, Logger: logger, Metrics: metrics}
}

// Handle inserts the carried entry. Errors are returned so asynq retries.
func (j *AuditWriteJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Writer == nil {
		return errors.New("audit write: handler not configured")
	}
	var payload AuditWritePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	tracker := metricsOrDefault(j.Metrics).Track(TaskAuditWrite)
	defer func() { err = tracker.End(err) }()

	id, err := j.Writer.Insert(ctx, payload.Entry)
	if err != nil {
		loggerFor(j.Logger, TaskAuditWrite).Warn("audit write retry failed",
			slog.String("permission", payload.Entry.PermissionName),
			slog.Any("error", err))
		return err
	}
	loggerFor(j.Logger, TaskAuditWrite).Info("audit entry stored on retry",
		slog.Int64("id", id),
		slog.String("permission", payload.Entry.PermissionName))
	return nil
}

func loggerFor(logger *slog.Logger, job string) *slog.Logger {
	if logger != nil {
		return logger.With(slog.String("job", job))
	}
	return slog.Default().With(slog.String("job", job))
}

func metricsOrDefault(m *jobmetrics.Metrics) *jobmetrics.Metrics {
	if m != nil {
		return m
	}
	return defaultJobMetrics
}
