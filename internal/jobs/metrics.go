package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs     *prometheus.CounterVec
	failures *prometheus.CounterVec
	duration *prometheus.HistogramVec
	patterns *prometheus.CounterVec
	purged   *prometheus.CounterVec
	success  *prometheus.GaugeVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	if err != nil {
		t.metrics.runs.WithLabelValues(t.job, "failure").Inc()
		t.metrics.failures.WithLabelValues(t.job).Inc()
		return err
	}
	t.metrics.runs.WithLabelValues(t.job, "success").Inc()
	t.metrics.success.WithLabelValues(t.job).SetToCurrentTime()
	return nil
}

// AddPatterns increments the detected security pattern counter for kind.
func (m *Metrics) AddPatterns(kind string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.patterns.WithLabelValues(kind).Add(float64(count))
}

// AddPurged records audit rows removed by retention.
func (m *Metrics) AddPurged(table string, rows int64) {
	if m == nil || rows <= 0 {
		return
	}
	m.purged.WithLabelValues(table).Add(float64(rows))
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "workshop_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "workshop_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "workshop_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	patterns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "workshop_security_patterns_total",
		Help: "Security patterns flagged by the scheduled scan grouped by kind.",
	}, []string{"kind"})
	purged := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "workshop_retention_purged_rows_total",
		Help: "Rows removed by retention jobs grouped by table.",
	}, []string{"table"})
	success := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "workshop_job_last_success_timestamp_seconds",
		Help: "Unix time of the last successful run per job.",
	}, []string{"job"})
	registerer.MustRegister(runs, failures, duration, patterns, purged, success)
	return &Metrics{runs: runs, failures: failures, duration: duration, patterns: patterns, purged: purged, success: success}
}
