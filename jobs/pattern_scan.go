package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/tammerofficial/workshop01-sub008/internal/jobs"
	"github.com/tammerofficial/workshop01-sub008/internal/security"
)

// PatternDetector summarises recent security events.
type PatternDetector interface {
	DetectPatterns(ctx context.Context) (security.Patterns, error)
}

// SuspiciousActivityRecorder stores a suspicious_activity event.
type SuspiciousActivityRecorder interface {
	LogSuspiciousActivity(ctx context.Context, activity string, details map[string]any, userID *int64) (security.Event, error)
}

// PatternScanJob runs the detector on a schedule, exports the counts and
// raises a suspicious_activity event when hot IPs show up.
type PatternScanJob struct {
	Detector PatternDetector
	Recorder SuspiciousActivityRecorder
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewPatternScanJob initialises the pattern scan handler.
func NewPatternScanJob(detector PatternDetector, recorder SuspiciousActivityRecorder, logger *slog.Logger, metrics *jobmetrics.Metrics) *PatternScanJob {
	return &PatternScanJob{Detector: detector, Recorder: recorder, Logger: logger, Metrics: metrics}
}

// Handle executes one scan.
func (j *PatternScanJob) Handle(ctx context.Context, _ *asynq.Task) (err error) {
	if j == nil || j.Detector == nil {
		return errors.New("pattern scan: handler not configured")
	}
	metrics := metricsOrDefault(j.Metrics)
	tracker := metrics.Track(TaskSecurityPatternScan)
	defer func() { err = tracker.End(err) }()

	logger := loggerFor(j.Logger, TaskSecurityPatternScan)
	start := time.Now()

	patterns, err := j.Detector.DetectPatterns(ctx)
	if err != nil {
		logger.Error("pattern detection failed", slog.Any("error", err))
		return err
	}
	metrics.AddPatterns("repeated_failures", patterns.RepeatedFailures)
	metrics.AddPatterns("suspicious_ips", patterns.SuspiciousIPs)
	metrics.AddPatterns("unusual_activities", patterns.UnusualActivities)

	if len(patterns.HotIPs) > 0 && j.Recorder != nil {
		for _, ip := range patterns.HotIPs {
			logger.Warn("suspicious ip detected", slog.String("ip", ip))
		}
		details := map[string]any{
			"ips":          patterns.HotIPs,
			"window_start": patterns.WindowStart,
		}
		if _, err := j.Recorder.LogSuspiciousActivity(ctx, "suspicious ip activity", details, nil); err != nil {
			logger.Error("record suspicious activity", slog.Any("error", err))
			return err
		}
	}

	logger.Info("completed pattern scan",
		slog.Int("repeated_failures", patterns.RepeatedFailures),
		slog.Int("suspicious_ips", patterns.SuspiciousIPs),
		slog.Int("unusual_activities", patterns.UnusualActivities),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}
