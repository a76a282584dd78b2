package audit

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/tammerofficial/workshop01-sub008/internal/shared"
)

// DefaultWriteTimeout membatasi satu penulisan audit sinkron.
const DefaultWriteTimeout = 2 * time.Second

// Writer adalah penyimpanan append-only untuk entri audit.
type Writer interface {
	Insert(ctx context.Context, e Entry) (int64, error)
}

// RetryEnqueuer menjadwalkan ulang penulisan yang gagal ke antrean job.
type RetryEnqueuer interface {
	EnqueueAuditWrite(ctx context.Context, e Entry) error
}

// FailureCounter menerima sinyal kegagalan penulisan audit.
type FailureCounter interface {
	AuditWriteFailed()
}

// LoggerOptions mengatur perilaku Logger.
type LoggerOptions struct {
	Timeout  time.Duration
	Provider shared.RequestContextProvider
	Retry    RetryEnqueuer
	Failures FailureCounter
	Logger   *slog.Logger
}

// Logger mencatat setiap pemeriksaan izin. Kegagalan penulisan tidak pernah
// memengaruhi keputusan pemanggil.
type Logger struct {
	writer   Writer
	timeout  time.Duration
	provider shared.RequestContextProvider
	retry    RetryEnqueuer
	failures FailureCounter
	log      *slog.Logger
	now      func() time.Time
}

// NewLogger membuat Logger audit baru.
func NewLogger(writer Writer, opts LoggerOptions) *Logger {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	provider := opts.Provider
	if provider == nil {
		provider = shared.ContextProvider{}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Logger{
		writer:   writer,
		timeout:  timeout,
		provider: provider,
		retry:    opts.Retry,
		failures: opts.Failures,
		log:      log,
		now:      time.Now,
	}
}

// LogPermissionCheck membangun dan menulis satu entri untuk satu pemeriksaan.
func (l *Logger) LogPermissionCheck(ctx context.Context, userID *int64, permission string, allowed bool, d Details) {
	if l == nil {
		return
	}
	entry := l.buildEntry(ctx, userID, permission, allowed, d)
	if err := l.Write(ctx, entry); err != nil {
		l.reportFailure(ctx, entry, err)
	}
}

// Write menyimpan entri dengan batas waktu. Pembatalan ctx pemanggil tidak
// menggugurkan penulisan yang sedang berjalan.
func (l *Logger) Write(ctx context.Context, e Entry) error {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
	defer cancel()
	_, err := l.writer.Insert(writeCtx, e)
	return err
}

func (l *Logger) buildEntry(ctx context.Context, userID *int64, permission string, allowed bool, d Details) Entry {
	perm := strings.ToLower(strings.TrimSpace(permission))
	rc := l.provider.RequestContext(ctx)
	entry := Entry{
		PermissionName: perm,
		Action:         strings.TrimSpace(d.Action),
		ResourceType:   strings.TrimSpace(d.ResourceType),
		ResourceID:     d.ResourceID,
		Scope:          d.Scope,
		Context:        d.Context,
		Result:         ResultOf(allowed),
		Reason:         d.Reason,
		IPAddress:      rc.IPAddress,
		UserAgent:      rc.UserAgent,
		SessionID:      rc.SessionID,
		CreatedAt:      l.now().UTC(),
	}
	if userID != nil {
		id := *userID
		entry.UserID = &id
	}
	if entry.Action == "" {
		entry.Action = actionOf(perm)
	}
	if entry.ResourceType == "" {
		entry.ResourceType = resourceOf(perm)
	}
	return entry
}

func (l *Logger) reportFailure(ctx context.Context, e Entry, err error) {
	l.log.Error("audit write failed",
		slog.String("permission", e.PermissionName),
		slog.String("result", string(e.Result)),
		slog.Any("error", err))
	if l.failures != nil {
		l.failures.AuditWriteFailed()
	}
	if l.retry == nil {
		return
	}
	if qerr := l.retry.EnqueueAuditWrite(context.WithoutCancel(ctx), e); qerr != nil {
		l.log.Error("audit retry enqueue failed", slog.Any("error", qerr))
	}
}

func actionOf(permission string) string {
	if idx := strings.LastIndex(permission, "."); idx >= 0 {
		return permission[idx+1:]
	}
	return permission
}

func resourceOf(permission string) string {
	if idx := strings.LastIndex(permission, "."); idx > 0 {
		return permission[:idx]
	}
	return permission
}
