package users

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/tammerofficial/workshop01-sub008/internal/platform/httpx"
	"github.com/tammerofficial/workshop01-sub008/internal/shared"
)

// Authorizer guards routes by permission.
type Authorizer interface {
	RequireAny(perms ...string) func(http.Handler) http.Handler
	RequireAll(perms ...string) func(http.Handler) http.Handler
}

// ManageChecker decides whether one user may administer another and which
// roles the actor may hand out.
type ManageChecker interface {
	CanManageUserByID(ctx context.Context, actorID, targetID int64) (bool, error)
	CanGrantRole(ctx context.Context, actorID, roleID int64) (bool, error)
}

// Handler manages user management endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	manage    ManageChecker
	validator *validator.Validate
	rbac      Authorizer
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, manage ManageChecker, rbac Authorizer) *Handler {
	return &Handler{logger: logger, service: service, manage: manage, validator: validator.New(), rbac: rbac}
}

// MountRoutes registers user routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermUsersView, shared.PermUsersManage))
		r.Get("/", h.listUsers)
		r.Get("/{id}", h.getUser)
		r.Get("/{id}/manageable", h.manageable)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermUsersManage))
		r.Put("/{id}/role", h.assignRole)
	})
}

type assignRoleRequest struct {
	RoleID *int64 `json:"role_id" validate:"omitempty,gt=0"`
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.ListUsers(r.Context())
	if err != nil {
		h.logger.Error("list users failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"users": list})
}

func (h *Handler) getUser(w http.ResponseWriter, r *http.Request) {
	id, ok := userIDParam(w, r)
	if !ok {
		return
	}
	user, err := h.service.GetUser(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, user)
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	targetID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	var req assignRoleRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	actorID, ok := sessionUserID(r)
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	allowed, err := h.manage.CanManageUserByID(r.Context(), actorID, targetID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if allowed && req.RoleID != nil {
		allowed, err = h.manage.CanGrantRole(r.Context(), actorID, *req.RoleID)
		if err != nil {
			h.respondError(w, err)
			return
		}
	}
	if !allowed {
		httpx.RespondError(w, httpx.ErrForbidden)
		return
	}
	user, err := h.service.AssignRole(r.Context(), targetID, req.RoleID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.logger.Info("user role assigned", slog.Int64("actor_id", actorID), slog.Int64("user_id", targetID))
	httpx.JSON(w, http.StatusOK, user)
}

func (h *Handler) manageable(w http.ResponseWriter, r *http.Request) {
	targetID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	actorID, ok := sessionUserID(r)
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	allowed, err := h.manage.CanManageUserByID(r.Context(), actorID, targetID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"user_id": targetID, "manageable": allowed})
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.RespondError(w, httpx.Wrap(httpx.ErrNotFound, err))
	case errors.Is(err, ErrRoleUnavailable):
		httpx.RespondError(w, httpx.Wrap(httpx.ErrValidation, err))
	default:
		h.logger.Error("users handler", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func userIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid user id")
		return 0, false
	}
	return id, true
}

func sessionUserID(r *http.Request) (int64, bool) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimSpace(sess.User()), 10, 64)
	return id, err == nil && id > 0
}
