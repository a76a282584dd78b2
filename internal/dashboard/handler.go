package dashboard

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/tammerofficial/workshop01-sub008/internal/audit"
	"github.com/tammerofficial/workshop01-sub008/internal/platform/httpx"
	"github.com/tammerofficial/workshop01-sub008/internal/security"
	"github.com/tammerofficial/workshop01-sub008/internal/shared"
)

const (
	defaultDateRange  = 7 * 24 * time.Hour
	maxDateRangeHours = 24 * 90
)

// Authorizer guards routes by permission.
type Authorizer interface {
	RequireAny(perms ...string) func(http.Handler) http.Handler
	RequireAll(perms ...string) func(http.Handler) http.Handler
}

// Handler menangani endpoint dashboard keamanan.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	rbac      Authorizer
	validator *validator.Validate
	now       func() time.Time
}

// NewHandler membuat handler dashboard baru.
func NewHandler(logger *slog.Logger, service *Service, rbac Authorizer) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac, validator: validator.New(), now: time.Now}
}

type notesRequest struct {
	Notes string `json:"notes" validate:"max=2000"`
}

func (h *Handler) handleOverview(w http.ResponseWriter, r *http.Request) {
	overview, err := h.service.Overview(r.Context())
	if err != nil {
		h.handleServerError(w, "load overview", err)
		return
	}
	httpx.JSON(w, http.StatusOK, overview)
}

func (h *Handler) handlePermissionStats(w http.ResponseWriter, r *http.Request) {
	period := strings.TrimSpace(r.URL.Query().Get("period"))
	if period == "" {
		period = "24h"
	}
	stats, err := h.service.PermissionStats(r.Context(), period)
	if err != nil {
		if errors.Is(err, audit.ErrInvalidPeriod) {
			httpx.RespondError(w, httpx.Wrap(httpx.ErrValidation, err))
			return
		}
		h.handleServerError(w, "load permission stats", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"period": period, "stats": nonNil(stats)})
}

func (h *Handler) handleTopUsers(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			h.handleFilterError(w, validationError{field: "limit"})
			return
		}
		limit = parsed
	}
	users, err := h.service.TopUsers(r.Context(), limit)
	if err != nil {
		h.handleServerError(w, "load top users", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"users": nonNil(users)})
}

func (h *Handler) handlePatterns(w http.ResponseWriter, r *http.Request) {
	patterns, err := h.service.Patterns(r.Context())
	if err != nil {
		h.handleServerError(w, "detect patterns", err)
		return
	}
	httpx.JSON(w, http.StatusOK, patterns)
}

func (h *Handler) handleAuditEntries(w http.ResponseWriter, r *http.Request) {
	filters, err := h.parseAuditFilters(r)
	if err != nil {
		h.handleFilterError(w, err)
		return
	}
	page, err := h.service.AuditEntries(r.Context(), filters)
	if err != nil {
		h.handleServerError(w, "load audit entries", err)
		return
	}
	httpx.JSON(w, http.StatusOK, page)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, pageSize, err := parsePaging(r)
	if err != nil {
		h.handleFilterError(w, err)
		return
	}
	filters := security.ListFilters{
		EventType: security.EventType(strings.TrimSpace(q.Get("type"))),
		Severity:  security.Severity(strings.TrimSpace(q.Get("severity"))),
		Status:    strings.TrimSpace(q.Get("status")),
		Page:      page,
		PageSize:  pageSize,
	}
	result, err := h.service.Events(r.Context(), filters)
	if err != nil {
		h.respondEventError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleInvestigate(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Investigate)
}

func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Resolve)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn func(context.Context, int64, string) (security.Event, error)) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		h.handleFilterError(w, validationError{field: "id"})
		return
	}
	var req notesRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	event, err := fn(r.Context(), id, req.Notes)
	if err != nil {
		h.respondEventError(w, err)
		return
	}
	h.logger.Info("security event updated",
		slog.Int64("event_id", event.ID),
		slog.String("status", event.Status()),
		slog.String("actor", sessionUser(r)))
	httpx.JSON(w, http.StatusOK, event)
}

func (h *Handler) parseAuditFilters(r *http.Request) (audit.Filters, error) {
	q := r.URL.Query()
	now := h.now().UTC()
	toTime := now
	if v := strings.TrimSpace(q.Get("to")); v != "" {
		parsed, err := time.Parse("2006-01-02", v)
		if err != nil {
			return audit.Filters{}, validationError{field: "to"}
		}
		toTime = parsed.Add(24 * time.Hour)
	}
	fromTime := toTime.Add(-defaultDateRange)
	if v := strings.TrimSpace(q.Get("from")); v != "" {
		parsed, err := time.Parse("2006-01-02", v)
		if err != nil {
			return audit.Filters{}, validationError{field: "from"}
		}
		fromTime = parsed
	}
	if fromTime.After(toTime) {
		return audit.Filters{}, validationError{field: "range"}
	}
	if toTime.Sub(fromTime) > maxDateRangeHours*time.Hour {
		return audit.Filters{}, validationError{field: "range"}
	}
	filters := audit.Filters{
		From:       fromTime,
		To:         toTime,
		Permission: strings.TrimSpace(q.Get("permission")),
	}
	if v := strings.TrimSpace(q.Get("user_id")); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			return audit.Filters{}, validationError{field: "user_id"}
		}
		filters.UserID = &id
	}
	switch res := audit.Result(strings.TrimSpace(q.Get("result"))); res {
	case "", audit.ResultSuccess, audit.ResultDenied:
		filters.Result = res
	default:
		return audit.Filters{}, validationError{field: "result"}
	}
	page, pageSize, err := parsePaging(r)
	if err != nil {
		return audit.Filters{}, err
	}
	filters.Page, filters.PageSize = page, pageSize
	return filters, nil
}

// maxPage bounds deep paging; past it the offset scan is never worth it.
const maxPage = 10000

func parsePaging(r *http.Request) (int, int, error) {
	page, pageSize := 1, 0
	if v := strings.TrimSpace(r.URL.Query().Get("page")); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 || parsed > maxPage {
			return 0, 0, validationError{field: "page"}
		}
		page = parsed
	}
	if v := strings.TrimSpace(r.URL.Query().Get("page_size")); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			return 0, 0, validationError{field: "page_size"}
		}
		pageSize = parsed
	}
	return page, pageSize, nil
}

func (h *Handler) respondEventError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, security.ErrNotFound):
		httpx.RespondError(w, httpx.Wrap(httpx.ErrNotFound, err))
	case errors.Is(err, security.ErrAlreadyResolved):
		httpx.RespondError(w, httpx.Wrap(httpx.ErrConflict, err))
	case errors.Is(err, security.ErrInvalidEventType), errors.Is(err, security.ErrInvalidSeverity),
		errors.Is(err, security.ErrInvalidStatus):
		httpx.RespondError(w, httpx.Wrap(httpx.ErrValidation, err))
	default:
		var v validationError
		if errors.As(err, &v) {
			h.handleFilterError(w, err)
			return
		}
		h.handleServerError(w, "security events", err)
	}
}

func (h *Handler) handleFilterError(w http.ResponseWriter, err error) {
	var v validationError
	if errors.As(err, &v) {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid "+v.field)
		return
	}
	h.handleServerError(w, "validate filters", err)
}

func (h *Handler) handleServerError(w http.ResponseWriter, message string, err error) {
	if h.logger != nil {
		h.logger.Error(message, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func sessionUser(r *http.Request) string {
	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		return sess.User()
	}
	return ""
}

func nonNil[T any](rows []T) []T {
	if rows == nil {
		return []T{}
	}
	return rows
}

type validationError struct {
	field string
}

func (validationError) Error() string {
	return "validation failed"
}
