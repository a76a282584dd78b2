package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/tammerofficial/workshop01-sub008/internal/platform/httpx"
	"github.com/tammerofficial/workshop01-sub008/internal/security"
	"github.com/tammerofficial/workshop01-sub008/internal/shared"
)

// DefaultLoginRate bounds login attempts per IP per minute.
const DefaultLoginRate = 10

// FailedLoginRecorder receives every rejected login.
type FailedLoginRecorder interface {
	LogFailedLogin(ctx context.Context, email, reason string) (security.Event, error)
}

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger         *slog.Logger
	service        *Service
	sessionManager *shared.SessionManager
	failures       FailedLoginRecorder
	validator      *validator.Validate
	loginRate      int
}

// NewHandler constructs a Handler instance. loginRate <= 0 uses DefaultLoginRate.
func NewHandler(logger *slog.Logger, service *Service, sessions *shared.SessionManager, failures FailedLoginRecorder, loginRate int) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if loginRate <= 0 {
		loginRate = DefaultLoginRate
	}
	return &Handler{
		logger:         logger,
		service:        service,
		sessionManager: sessions,
		failures:       failures,
		validator:      validator.New(),
		loginRate:      loginRate,
	}
}

// MountRoutes registers auth routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(httprate.Limit(h.loginRate, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP))).
		Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	ctx := r.Context()
	user, reason, err := h.service.Authenticate(ctx, req.Email, req.Password)
	if err != nil && !errors.Is(err, shared.ErrInvalidCredentials) {
		h.logger.Error("authenticate", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if err != nil {
		if h.failures != nil {
			if _, logErr := h.failures.LogFailedLogin(ctx, req.Email, reason); logErr != nil {
				h.logger.Warn("record failed login", slog.Any("error", logErr))
			}
		}
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", shared.UserSafeMessage(err))
		return
	}

	sess := shared.SessionFromContext(ctx)
	if sess == nil {
		h.logger.Error("session missing during login")
		httpx.RespondError(w, shared.ErrUnauthenticated)
		return
	}
	if err := h.sessionManager.Renew(ctx, sess); err != nil {
		h.logger.Error("renew session", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	sess.SetUser(strconv.FormatInt(user.ID, 10))
	rc := shared.RequestFromContext(ctx)
	expiresAt, err := h.service.StartSession(ctx, sess.ID, user.ID, h.sessionManager.TTL(), rc.IPAddress, rc.UserAgent)
	if err != nil {
		h.logger.Warn("start session", slog.Int64("user_id", user.ID), slog.Any("error", err))
	}
	h.logger.Info("user logged in", slog.Int64("user_id", user.ID))
	httpx.JSON(w, http.StatusOK, map[string]any{"user_id": user.ID, "name": user.Name, "expires_at": expiresAt})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess != nil {
		if sess.User() != "" {
			if err := h.service.RemoveSession(r.Context(), sess.ID); err != nil {
				h.logger.Warn("remove session", slog.Any("error", err))
			}
		}
		h.sessionManager.Destroy(sess)
	}
	w.WriteHeader(http.StatusNoContent)
}
