package rbac

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/tammerofficial/workshop01-sub008/internal/platform/httpx"
	"github.com/tammerofficial/workshop01-sub008/internal/policy"
	"github.com/tammerofficial/workshop01-sub008/internal/shared"
	"github.com/tammerofficial/workshop01-sub008/internal/users"
)

// Middleware wires RBAC authorization helpers for HTTP handlers.
type Middleware struct {
	Service    *Service
	Violations ViolationRecorder
	Logger     *slog.Logger
}

// RequireAny ensures the current user has at least one of the required permissions.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	return m.require(normalizePermissions(perms), m.Service.HasAnyPermission)
}

// RequireAll ensures the current user has all required permissions.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	return m.require(normalizePermissions(perms), m.Service.HasAllPermissions)
}

type checkFunc func(ctx context.Context, user *users.User, perms []string, resource *policy.Resource, reqCtx map[string]any) (bool, error)

func (m Middleware) require(perms []string, check checkFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(perms) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			userID, ok := m.currentUserID(r)
			if !ok {
				httpx.RespondError(w, httpx.ErrUnauthorized)
				return
			}
			user, err := m.Service.User(r.Context(), userID)
			if err != nil && !errors.Is(err, users.ErrNotFound) {
				m.logError("rbac load user", err)
				httpx.RespondError(w, err)
				return
			}
			granted, err := check(r.Context(), user, perms, nil, map[string]any{"method": r.Method, "path": r.URL.Path})
			if err != nil {
				m.logError("rbac check", err)
				httpx.RespondError(w, err)
				return
			}
			if !granted {
				m.recordViolation(r, userID, perms)
				httpx.RespondError(w, httpx.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m Middleware) recordViolation(r *http.Request, userID int64, perms []string) {
	if m.Violations == nil {
		return
	}
	data := map[string]any{"method": r.Method, "path": r.URL.Path, "required": perms}
	if _, err := m.Violations.LogPermissionViolation(r.Context(), &userID, strings.Join(perms, ","), data); err != nil {
		m.logError("rbac record violation", err)
	}
}

func (m Middleware) logError(msg string, err error) {
	if m.Logger != nil {
		m.Logger.Error(msg, slog.Any("error", err))
	}
}

func (m Middleware) currentUserID(r *http.Request) (int64, bool) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		return 0, false
	}
	raw := strings.TrimSpace(sess.User())
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		if m.Logger != nil {
			m.Logger.Error("rbac parse user id", slog.String("value", raw))
		}
		return 0, false
	}
	return id, true
}

func normalizePermissions(perms []string) []string {
	seen := make(map[string]struct{}, len(perms))
	normalized := make([]string, 0, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		normalized = append(normalized, p)
	}
	return normalized
}
