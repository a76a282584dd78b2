package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tammerofficial/workshop01-sub008/internal/audit"
	jobmetrics "github.com/tammerofficial/workshop01-sub008/internal/jobs"
	"github.com/tammerofficial/workshop01-sub008/internal/security"
)

type capturingEnqueuer struct {
	tasks []*asynq.Task
	opts  [][]asynq.Option
}

func (c *capturingEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	c.tasks = append(c.tasks, task)
	c.opts = append(c.opts, opts)
	return &asynq.TaskInfo{}, nil
}

func (c *capturingEnqueuer) Close() error { return nil }

type flakyWriter struct {
	fail    bool
	entries []audit.Entry
}

func (w *flakyWriter) Insert(ctx context.Context, e audit.Entry) (int64, error) {
	if w.fail {
		return 0, errors.New("connection reset")
	}
	w.entries = append(w.entries, e)
	return int64(len(w.entries)), nil
}

func newMetrics() *jobmetrics.Metrics {
	return jobmetrics.NewMetrics(prometheus.NewRegistry())
}

func TestAuditWriteRoundTrip(t *testing.T) {
	enq := &capturingEnqueuer{}
	client := &Client{client: enq}
	uid := int64(12)
	entry := audit.Entry{
		UserID:         &uid,
		PermissionName: "orders.refund",
		Action:         "refund",
		ResourceType:   "orders",
		Result:         audit.ResultDenied,
		Reason:         "permission not found in role or ancestors",
		IPAddress:      "10.0.0.9",
		CreatedAt:      time.Date(2024, 3, 11, 9, 30, 0, 0, time.UTC),
	}
	require.NoError(t, client.EnqueueAuditWrite(context.Background(), entry))
	require.Len(t, enq.tasks, 1)
	assert.Equal(t, TaskAuditWrite, enq.tasks[0].Type())
	assert.Len(t, enq.opts[0], 2)

	writer := &flakyWriter{fail: true}
	job := NewAuditWriteJob(writer, nil, newMetrics())
	err := job.Handle(context.Background(), enq.tasks[0])
	require.Error(t, err, "failure must surface so the task is retried")

	writer.fail = false
	require.NoError(t, job.Handle(context.Background(), enq.tasks[0]))
	require.Len(t, writer.entries, 1)
	stored := writer.entries[0]
	assert.Equal(t, entry.PermissionName, stored.PermissionName)
	assert.Equal(t, audit.ResultDenied, stored.Result)
	assert.Equal(t, uid, *stored.UserID)
	assert.True(t, entry.CreatedAt.Equal(stored.CreatedAt))
}

func TestAuditWriteSkipsMalformedPayload(t *testing.T) {
	job := NewAuditWriteJob(&flakyWriter{}, nil, newMetrics())
	err := job.Handle(context.Background(), asynq.NewTask(TaskAuditWrite, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

type stubAuditPurger struct {
	olderThan time.Duration
	rows      int64
	err       error
}

func (s *stubAuditPurger) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.olderThan = olderThan
	return s.rows, s.err
}

type stubEventPurger struct {
	cutoff time.Time
	rows   int64
}

func (s *stubEventPurger) DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.cutoff = cutoff
	return s.rows, nil
}

func TestRetentionJobUsesDefaults(t *testing.T) {
	now := time.Date(2024, 6, 1, 2, 0, 0, 0, time.UTC)
	auditPurger := &stubAuditPurger{rows: 40}
	events := &stubEventPurger{rows: 3}
	job := NewRetentionJob(auditPurger, events, nil, newMetrics())
	job.clock = func() time.Time { return now }

	task, err := NewRetentionTask(0, 0)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	assert.Equal(t, DefaultAuditRetentionDays*24*time.Hour, auditPurger.olderThan)
	assert.Equal(t, now.AddDate(0, 0, -DefaultEventsRetentionDays), events.cutoff)
}

func TestRetentionJobStopsOnAuditFailure(t *testing.T) {
	auditPurger := &stubAuditPurger{err: errors.New("lock timeout")}
	events := &stubEventPurger{}
	job := NewRetentionJob(auditPurger, events, nil, newMetrics())

	task, err := NewRetentionTask(30, 30)
	require.NoError(t, err)
	require.Error(t, job.Handle(context.Background(), task))
	assert.True(t, events.cutoff.IsZero())
}

type stubDetector struct {
	patterns security.Patterns
	err      error
}

func (s stubDetector) DetectPatterns(ctx context.Context) (security.Patterns, error) {
	return s.patterns, s.err
}

type recordingSuspicious struct {
	activity string
	details  map[string]any
}

func (r *recordingSuspicious) LogSuspiciousActivity(ctx context.Context, activity string, details map[string]any, userID *int64) (security.Event, error) {
	r.activity = activity
	r.details = details
	return security.Event{EventType: security.EventSuspiciousActivity}, nil
}

func TestPatternScanRecordsHotIPs(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(registry)
	recorder := &recordingSuspicious{}
	job := NewPatternScanJob(stubDetector{patterns: security.Patterns{
		RepeatedFailures:  2,
		SuspiciousIPs:     1,
		HotIPs:            []string{"203.0.113.7"},
		UnusualActivities: 9,
	}}, recorder, nil, metrics)

	task, err := NewPatternScanTask()
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	assert.Equal(t, "suspicious ip activity", recorder.activity)
	assert.Equal(t, []string{"203.0.113.7"}, recorder.details["ips"])

	families, err := registry.Gather()
	require.NoError(t, err)
	series := 0
	for _, mf := range families {
		if mf.GetName() == "workshop_security_patterns_total" {
			series = len(mf.GetMetric())
		}
	}
	assert.Equal(t, 3, series)
}

func TestPatternScanQuietWhenNothingFound(t *testing.T) {
	recorder := &recordingSuspicious{}
	job := NewPatternScanJob(stubDetector{}, recorder, nil, newMetrics())
	require.NoError(t, job.Handle(context.Background(), nil))
	assert.Empty(t, recorder.activity)

	failing := NewPatternScanJob(stubDetector{err: errors.New("db down")}, recorder, nil, newMetrics())
	assert.Error(t, failing.Handle(context.Background(), nil))
}

func TestJobsHealthWithoutInspector(t *testing.T) {
	router := chi.NewRouter()
	router.Route("/jobs", NewHandler(nil, nil).MountRoutes)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Queues []queueHealth `json:"queues"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Queues, 2)
	assert.Equal(t, QueueCritical, body.Queues[0].Queue)
}

func TestTaskErrorLoggerEscalatesExhaustedTasks(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	handler := taskErrorLogger(logger)

	handler.HandleError(context.Background(), asynq.NewTask(TaskAuditWrite, nil), errors.New("insert failed"))
	out := buf.String()
	assert.Contains(t, out, "level=ERROR")
	assert.Contains(t, out, "task="+TaskAuditWrite)
	assert.Contains(t, out, "insert failed")
}
