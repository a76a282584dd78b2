package security

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/tammerofficial/workshop01-sub008/internal/shared"
)

// Brute-force escalation defaults.
const (
	DefaultBruteForceThreshold = 5
	DefaultBruteForceWindow    = 15 * time.Minute
)

// Store persists events and answers the counting query used for escalation.
type Store interface {
	Insert(ctx context.Context, e Event) (Event, error)
	CountByIP(ctx context.Context, eventType EventType, ip string, since time.Time) (int, error)
}

// EventCounter is told about every recorded event.
type EventCounter interface {
	SecurityEventRecorded(eventType, severity string)
}

// RecorderOptions tune the Recorder.
type RecorderOptions struct {
	Provider            shared.RequestContextProvider
	Metrics             EventCounter
	Gate                EscalationGate
	BruteForceThreshold int
	BruteForceWindow    time.Duration
	Clock               func() time.Time
	Logger              *slog.Logger
}

// Recorder writes security events. Recording never influences a permission decision.
type Recorder struct {
	store     Store
	provider  shared.RequestContextProvider
	metrics   EventCounter
	gate      EscalationGate
	threshold int
	window    time.Duration
	clock     func() time.Time
	logger    *slog.Logger
}

// NewRecorder builds a Recorder.
func NewRecorder(store Store, opts RecorderOptions) *Recorder {
	r := &Recorder{
		store:     store,
		provider:  opts.Provider,
		metrics:   opts.Metrics,
		gate:      opts.Gate,
		threshold: opts.BruteForceThreshold,
		window:    opts.BruteForceWindow,
		clock:     opts.Clock,
		logger:    opts.Logger,
	}
	if r.provider == nil {
		r.provider = shared.ContextProvider{}
	}
	if r.threshold <= 0 {
		r.threshold = DefaultBruteForceThreshold
	}
	if r.window <= 0 {
		r.window = DefaultBruteForceWindow
	}
	if r.clock == nil {
		r.clock = time.Now
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// LogEvent validates and persists one event enriched with request metadata.
func (r *Recorder) LogEvent(ctx context.Context, eventType EventType, severity Severity, data map[string]any, userID *int64, actionTaken string) (Event, error) {
	if !eventType.Valid() {
		return Event{}, fmt.Errorf("%w: %q", ErrInvalidEventType, eventType)
	}
	if !severity.Valid() {
		return Event{}, fmt.Errorf("%w: %q", ErrInvalidSeverity, severity)
	}
	rc := r.provider.RequestContext(ctx)
	e := Event{
		EventType:   eventType,
		Severity:    severity,
		IPAddress:   rc.IPAddress,
		UserAgent:   rc.UserAgent,
		EventData:   maps.Clone(data),
		ActionTaken: strings.TrimSpace(actionTaken),
		CreatedAt:   r.clock().UTC(),
	}
	if userID != nil {
		id := *userID
		e.UserID = &id
	}
	saved, err := r.store.Insert(ctx, e)
	if err != nil {
		return Event{}, fmt.Errorf("security: record %s: %w", eventType, err)
	}
	if r.metrics != nil {
		r.metrics.SecurityEventRecorded(string(saved.EventType), string(saved.Severity))
	}
	if saved.RequiresImmediateAction() {
		r.logger.Warn("security event requires immediate action",
			slog.Int64("event_id", saved.ID),
			slog.String("event_type", string(saved.EventType)),
			slog.String("severity", string(saved.Severity)),
			slog.String("ip", saved.IPAddress))
	}
	return saved, nil
}

// LogFailedLogin records a failed login and escalates to brute_force when the
// same address fails more than the threshold inside the window. With a Gate
// one escalation is recorded per address and window; without one the check
// against stored events is best effort and concurrent failures may both escalate.
func (r *Recorder) LogFailedLogin(ctx context.Context, email, reason string) (Event, error) {
	data := map[string]any{"email": strings.TrimSpace(email), "reason": reason}
	e, err := r.LogEvent(ctx, EventFailedLogin, SeverityMedium, data, nil, "")
	if err != nil {
		return Event{}, err
	}
	if e.IPAddress == "" {
		return e, nil
	}
	since := e.CreatedAt.Add(-r.window)
	attempts, err := r.store.CountByIP(ctx, EventFailedLogin, e.IPAddress, since)
	if err != nil {
		r.logger.Error("count failed logins", slog.String("ip", e.IPAddress), slog.Any("error", err))
		return e, nil
	}
	if attempts <= r.threshold || !r.claimEscalation(ctx, e.IPAddress, since) {
		return e, nil
	}
	escalation := map[string]any{"email": data["email"], "attempts": attempts, "window": r.window.String()}
	if _, err := r.LogEvent(ctx, EventBruteForce, SeverityCritical, escalation, nil, "flagged for lockout review"); err != nil {
		r.logger.Error("record brute force", slog.Any("error", err))
	}
	return e, nil
}

// claimEscalation decides whether this failure raises the brute_force event
// for ip. The gate is authoritative; stored events are the fallback.
func (r *Recorder) claimEscalation(ctx context.Context, ip string, since time.Time) bool {
	if r.gate != nil {
		claimed, err := r.gate.Claim(ctx, "brute_force:"+ip, r.window)
		if err == nil {
			return claimed
		}
		r.logger.Warn("escalation gate unavailable", slog.String("ip", ip), slog.Any("error", err))
	}
	flagged, err := r.store.CountByIP(ctx, EventBruteForce, ip, since)
	if err != nil {
		r.logger.Error("count brute force events", slog.String("ip", ip), slog.Any("error", err))
		return false
	}
	return flagged == 0
}

// LogPermissionViolation records a rejected authorization attempt.
func (r *Recorder) LogPermissionViolation(ctx context.Context, userID *int64, permission string, data map[string]any) (Event, error) {
	payload := maps.Clone(data)
	if payload == nil {
		payload = map[string]any{}
	}
	payload["permission"] = permission
	return r.LogEvent(ctx, EventPermissionViolation, SeverityHigh, payload, userID, "access denied")
}

// LogSuspiciousActivity records behaviour flagged by a caller or a scan.
func (r *Recorder) LogSuspiciousActivity(ctx context.Context, activity string, details map[string]any, userID *int64) (Event, error) {
	payload := maps.Clone(details)
	if payload == nil {
		payload = map[string]any{}
	}
	payload["activity"] = activity
	return r.LogEvent(ctx, EventSuspiciousActivity, SeverityHigh, payload, userID, "")
}
