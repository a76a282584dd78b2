package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/tammerofficial/workshop01-sub008/internal/jobs"
)

// Default retention windows in days.
const (
	DefaultAuditRetentionDays  = 365
	DefaultEventsRetentionDays = 180
)

// AuditPurger deletes audit rows older than the given age.
type AuditPurger interface {
	Purge(ctx context.Context, olderThan time.Duration) (int64, error)
}

// ResolvedEventPurger deletes resolved security events created before cutoff.
type ResolvedEventPurger interface {
	DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionJob trims the permission audit log and resolved security events.
// Open and investigated events are never removed.
type RetentionJob struct {
	Audit   AuditPurger
	Events  ResolvedEventPurger
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewRetentionJob initialises the retention handler.
func NewRetentionJob(auditPurger AuditPurger, events ResolvedEventPurger, logger *slog.Logger, metrics *jobmetrics.Metrics) *RetentionJob {
	return &RetentionJob{
		Audit:   auditPurger,
		Events:  events,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes one retention pass.
func (j *RetentionJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Audit == nil {
		return errors.New("retention: handler not configured")
	}
	var payload RetentionPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.AuditDays <= 0 {
		payload.AuditDays = DefaultAuditRetentionDays
	}
	if payload.EventsDays <= 0 {
		payload.EventsDays = DefaultEventsRetentionDays
	}

	metrics := metricsOrDefault(j.Metrics)
	tracker := metrics.Track(TaskRetentionPurge)
	defer func() { err = tracker.End(err) }()

	logger := loggerFor(j.Logger, TaskRetentionPurge).With(
		slog.Int("audit_days", payload.AuditDays),
		slog.Int("events_days", payload.EventsDays),
	)
	start := j.now()

	auditRows, err := j.Audit.Purge(ctx, days(payload.AuditDays))
	if err != nil {
		logger.Error("audit purge failed", slog.Any("error", err))
		return err
	}
	metrics.AddPurged("permission_audit_logs", auditRows)

	var eventRows int64
	if j.Events != nil {
		eventRows, err = j.Events.DeleteResolvedBefore(ctx, start.Add(-days(payload.EventsDays)))
		if err != nil {
			logger.Error("security event purge failed", slog.Any("error", err))
			return err
		}
		metrics.AddPurged("security_events", eventRows)
	}

	logger.Info("retention completed",
		slog.Int64("audit_rows", auditRows),
		slog.Int64("event_rows", eventRows),
		slog.Duration("duration", j.now().Sub(start)),
	)
	return nil
}

func (j *RetentionJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
