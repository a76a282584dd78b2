package dashboard

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/tammerofficial/workshop01-sub008/internal/audit"
	"github.com/tammerofficial/workshop01-sub008/internal/security"
)

// AuditReader exposes the audit reporting queries.
type AuditReader interface {
	GetPermissionStats(ctx context.Context, period string) ([]audit.PermissionStat, error)
	GetTopActiveUsers(ctx context.Context, limit int) ([]audit.UserActivity, error)
	Entries(ctx context.Context, filters audit.Filters) (audit.Page, error)
}

// EventService exposes security events and their investigation lifecycle.
type EventService interface {
	List(ctx context.Context, f security.ListFilters) (security.Page, error)
	MarkAsInvestigated(ctx context.Context, id int64, notes string) (security.Event, error)
	Resolve(ctx context.Context, id int64, notes string) (security.Event, error)
}

// PatternSource runs the pattern detector.
type PatternSource interface {
	DetectPatterns(ctx context.Context) (security.Patterns, error)
}

// Overview is the landing summary of the security dashboard.
type Overview struct {
	Period          string                 `json:"period"`
	PermissionStats []audit.PermissionStat `json:"permission_stats"`
	TopUsers        []audit.UserActivity   `json:"top_users"`
	Patterns        security.Patterns      `json:"patterns"`
	OpenCritical    []security.Event       `json:"open_critical"`
	Totals          map[audit.Result]int64 `json:"totals"`
	GeneratedAt     time.Time              `json:"generated_at"`
}

// Service assembles read-only projections over audit and security data.
type Service struct {
	audit    AuditReader
	events   EventService
	patterns PatternSource
	cache    *Cache
	logger   *slog.Logger
	now      func() time.Time
}

// NewService builds a Service. A nil cache disables caching.
func NewService(auditReader AuditReader, events EventService, patterns PatternSource, cache *Cache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{audit: auditReader, events: events, patterns: patterns, cache: cache, logger: logger, now: time.Now}
}

// PermissionStats returns cached per-permission aggregates for period.
func (s *Service) PermissionStats(ctx context.Context, period string) ([]audit.PermissionStat, error) {
	if _, err := audit.ParsePeriod(period); err != nil {
		return nil, err
	}
	var out []audit.PermissionStat
	err := s.cached(ctx, &out, func(ctx context.Context) (any, error) {
		return s.audit.GetPermissionStats(ctx, period)
	}, "stats", period)
	return out, err
}

// TopUsers returns the most active actors over the last day.
func (s *Service) TopUsers(ctx context.Context, limit int) ([]audit.UserActivity, error) {
	var out []audit.UserActivity
	err := s.cached(ctx, &out, func(ctx context.Context) (any, error) {
		return s.audit.GetTopActiveUsers(ctx, limit)
	}, "top_users", strconv.Itoa(limit))
	return out, err
}

// Patterns returns the detector summary.
func (s *Service) Patterns(ctx context.Context) (security.Patterns, error) {
	var out security.Patterns
	err := s.cached(ctx, &out, func(ctx context.Context) (any, error) {
		return s.patterns.DetectPatterns(ctx)
	}, "patterns")
	return out, err
}

// Overview combines the day's statistics, top users, patterns and open critical events.
func (s *Service) Overview(ctx context.Context) (Overview, error) {
	var out Overview
	err := s.cached(ctx, &out, func(ctx context.Context) (any, error) {
		stats, err := s.audit.GetPermissionStats(ctx, "24h")
		if err != nil {
			return nil, err
		}
		top, err := s.audit.GetTopActiveUsers(ctx, 0)
		if err != nil {
			return nil, err
		}
		patterns, err := s.patterns.DetectPatterns(ctx)
		if err != nil {
			return nil, err
		}
		critical, err := s.events.List(ctx, security.ListFilters{Severity: security.SeverityCritical, Status: "open"})
		if err != nil {
			return nil, err
		}
		totals := map[audit.Result]int64{audit.ResultSuccess: 0, audit.ResultDenied: 0}
		for _, st := range stats {
			totals[st.Result] += st.Count
		}
		return Overview{
			Period:          "24h",
			PermissionStats: stats,
			TopUsers:        top,
			Patterns:        patterns,
			OpenCritical:    critical.Rows,
			Totals:          totals,
			GeneratedAt:     s.now().UTC(),
		}, nil
	}, "overview")
	return out, err
}

// AuditEntries lists audit entries without caching.
func (s *Service) AuditEntries(ctx context.Context, filters audit.Filters) (audit.Page, error) {
	return s.audit.Entries(ctx, filters)
}

// Events lists security events without caching.
func (s *Service) Events(ctx context.Context, f security.ListFilters) (security.Page, error) {
	return s.events.List(ctx, f)
}

// Investigate marks an event investigated and invalidates cached projections.
func (s *Service) Investigate(ctx context.Context, id int64, notes string) (security.Event, error) {
	e, err := s.events.MarkAsInvestigated(ctx, id, notes)
	if err != nil {
		return security.Event{}, err
	}
	s.bump(ctx)
	return e, nil
}

// Resolve closes an event and invalidates cached projections.
func (s *Service) Resolve(ctx context.Context, id int64, notes string) (security.Event, error) {
	e, err := s.events.Resolve(ctx, id, notes)
	if err != nil {
		return security.Event{}, err
	}
	s.bump(ctx)
	return e, nil
}

func (s *Service) cached(ctx context.Context, dest any, loader func(context.Context) (any, error), parts ...string) error {
	key, err := s.cache.BuildKey(ctx, parts...)
	if err != nil {
		s.logger.Warn("dashboard cache key", slog.Any("error", err))
		value, lerr := loader(ctx)
		if lerr != nil {
			return lerr
		}
		return roundTrip(value, dest)
	}
	return s.cache.FetchJSON(ctx, key, dest, loader)
}

func (s *Service) bump(ctx context.Context) {
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.Warn("dashboard cache bump", slog.Any("error", err))
	}
}
