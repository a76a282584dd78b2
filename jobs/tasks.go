package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"

	"github.com/tammerofficial/workshop01-sub008/internal/audit"
	jobmetrics "github.com/tammerofficial/workshop01-sub008/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueCritical carries audit write retries ahead of scheduled work.
	QueueCritical = "critical"

	// TaskAuditWrite retries a permission audit entry that could not be stored inline.
	TaskAuditWrite = "audit:write"
	// TaskRetentionPurge removes audit rows and resolved security events past retention.
	TaskRetentionPurge = "audit:retention"
	// TaskSecurityPatternScan runs the security pattern detector.
	TaskSecurityPatternScan = "security:pattern_scan"
)

// AuditWriteMaxRetry bounds how often a failed audit write is retried.
const AuditWriteMaxRetry = 10

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// AuditWritePayload carries one audit entry.
type AuditWritePayload struct {
	Entry audit.Entry `json:"entry"`
}

// RetentionPayload configures a retention run. Zero values use job defaults.
type RetentionPayload struct {
	AuditDays  int `json:"audit_days"`
	EventsDays int `json:"events_days"`
}

// PatternScanPayload is currently empty; the scan always covers the detector window.
type PatternScanPayload struct{}

// NewAuditWriteTask constructs an audit write retry task.
func NewAuditWriteTask(entry audit.Entry) (*asynq.Task, error) {
	data, err := json.Marshal(AuditWritePayload{Entry: entry})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuditWrite, data), nil
}

// NewRetentionTask constructs a retention purge task.
func NewRetentionTask(auditDays, eventsDays int) (*asynq.Task, error) {
	data, err := json.Marshal(RetentionPayload{AuditDays: auditDays, EventsDays: eventsDays})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRetentionPurge, data), nil
}

// NewPatternScanTask constructs a security pattern scan task.
func NewPatternScanTask() (*asynq.Task, error) {
	data, err := json.Marshal(PatternScanPayload{})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSecurityPatternScan, data), nil
}
