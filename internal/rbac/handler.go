package rbac

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/tammerofficial/workshop01-sub008/internal/platform/httpx"
	"github.com/tammerofficial/workshop01-sub008/internal/policy"
	"github.com/tammerofficial/workshop01-sub008/internal/shared"
	"github.com/tammerofficial/workshop01-sub008/internal/users"
)

// Handler exposes the resolver to clients building menus and guards.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	rbac      Middleware
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbac Middleware) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbac, validator: validator.New()}
}

// MountRoutes registers permission routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/me/permissions", h.myPermissions)
	r.Post("/permissions/check", h.checkPermission)
	r.With(h.rbac.RequireAny(shared.PermPermissionsView, shared.PermRolesManage)).
		Get("/permissions", h.catalog)
}

func (h *Handler) catalog(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": shared.PermissionCatalog()})
}

type resourceRequest struct {
	Type       string         `json:"type" validate:"max=64"`
	ID         string         `json:"id" validate:"max=128"`
	OwnerID    *int64         `json:"owner_id"`
	Department string         `json:"department" validate:"max=64"`
	Attributes map[string]any `json:"attributes"`
}

type checkRequest struct {
	Permission string           `json:"permission" validate:"required,max=128"`
	Resource   *resourceRequest `json:"resource"`
	Context    map[string]any   `json:"context"`
}

func (h *Handler) myPermissions(w http.ResponseWriter, r *http.Request) {
	user, ok := h.sessionUser(w, r)
	if !ok {
		return
	}
	perms, err := h.service.EffectivePermissions(r.Context(), user)
	if err != nil {
		h.logger.Error("effective permissions", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"user_id": user.ID, "permissions": perms})
}

func (h *Handler) checkPermission(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	user, ok := h.sessionUser(w, r)
	if !ok {
		return
	}
	var resource *policy.Resource
	if req.Resource != nil {
		resource = &policy.Resource{
			Type:       req.Resource.Type,
			ID:         req.Resource.ID,
			OwnerID:    req.Resource.OwnerID,
			Department: req.Resource.Department,
			Attributes: req.Resource.Attributes,
		}
	}
	decision, err := h.service.Check(r.Context(), user, req.Permission, resource, req.Context)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, checkResponse{Permission: decision.Permission, Allowed: decision.Allowed})
}

// checkResponse omits the decision reason; it stays in the audit trail.
type checkResponse struct {
	Permission string `json:"permission"`
	Allowed    bool   `json:"allowed"`
}

func (h *Handler) sessionUser(w http.ResponseWriter, r *http.Request) (*users.User, bool) {
	id, ok := h.rbac.currentUserID(r)
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return nil, false
	}
	user, err := h.service.User(r.Context(), id)
	if err != nil {
		if errors.Is(err, users.ErrNotFound) {
			httpx.RespondError(w, httpx.ErrUnauthorized)
			return nil, false
		}
		h.logger.Error("load session user", slog.Any("error", err))
		httpx.RespondError(w, err)
		return nil, false
	}
	return user, true
}
