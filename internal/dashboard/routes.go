package dashboard

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/tammerofficial/workshop01-sub008/internal/platform/httpx"
	"github.com/tammerofficial/workshop01-sub008/internal/shared"
)

const rateLimit = 30
const rateWindow = time.Minute

// MountRoutes mendaftarkan endpoint dashboard keamanan.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(rateLimit, rateWindow,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.Problem(w, http.StatusTooManyRequests, "Too Many Requests", "")
		}),
	)
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermSecurityView, shared.PermAuditView))
		r.Get("/overview", h.handleOverview)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermAuditView))
		r.Get("/permission-stats", h.handlePermissionStats)
		r.Get("/top-users", h.handleTopUsers)
		r.With(limiter).Get("/audit", h.handleAuditEntries)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermSecurityPatternsView, shared.PermSecurityView))
		r.Get("/patterns", h.handlePatterns)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermSecurityView))
		r.With(limiter).Get("/events", h.handleEvents)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermSecurityInvestigate))
		r.Post("/events/{id}/investigate", h.handleInvestigate)
		r.Post("/events/{id}/resolve", h.handleResolve)
	})
}

func rateLimitKey(r *http.Request) (string, error) {
	sess := shared.SessionFromContext(r.Context())
	if sess != nil {
		if user := strings.TrimSpace(sess.User()); user != "" {
			return "user:" + user, nil
		}
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}
