package roles

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/tammerofficial/workshop01-sub008/internal/platform/httpx"
	"github.com/tammerofficial/workshop01-sub008/internal/policy"
	"github.com/tammerofficial/workshop01-sub008/internal/shared"
)

// Authorizer guards routes by permission.
type Authorizer interface {
	RequireAny(perms ...string) func(http.Handler) http.Handler
	RequireAll(perms ...string) func(http.Handler) http.Handler
}

// Handler manages role management endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
	rbac      Authorizer
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbac Authorizer) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New(), rbac: rbac}
}

// MountRoutes registers role routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermRolesView, shared.PermRolesManage))
		r.Get("/", h.listRoles)
		r.Get("/{id}", h.getRole)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermRolesManage))
		r.Post("/", h.createRole)
		r.Patch("/{id}", h.updateRole)
		r.Post("/{id}/disable", h.disableRole)
		r.Post("/{id}/enable", h.enableRole)
		r.Put("/{id}/parent", h.setParent)
		r.Post("/{id}/permissions", h.addPermission)
		r.Delete("/{id}/permissions/{permission}", h.removePermission)
		r.Put("/{id}/permissions/{permission}/conditions", h.setConditions)
	})
}

type roleView struct {
	Role
	Effective []string `json:"effective_permissions"`
	Ancestors []string `json:"ancestors"`
	Children  []string `json:"children"`
}

type createRoleRequest struct {
	Name          string                       `json:"name" validate:"required,max=64"`
	DisplayName   string                       `json:"display_name" validate:"max=128"`
	Description   string                       `json:"description" validate:"max=512"`
	ParentID      *int64                       `json:"parent_id" validate:"omitempty,gt=0"`
	Priority      int                          `json:"priority"`
	Department    string                       `json:"department" validate:"max=64"`
	IsInheritable *bool                        `json:"is_inheritable"`
	Permissions   []string                     `json:"permissions" validate:"dive,required"`
	Conditions    map[string]policy.Conditions `json:"conditions"`
	ExpiresAt     *time.Time                   `json:"expires_at"`
}

type updateRoleRequest struct {
	Name          *string    `json:"name" validate:"omitempty,max=64"`
	DisplayName   *string    `json:"display_name" validate:"omitempty,max=128"`
	Description   *string    `json:"description" validate:"omitempty,max=512"`
	Priority      *int       `json:"priority"`
	Department    *string    `json:"department" validate:"omitempty,max=64"`
	IsInheritable *bool      `json:"is_inheritable"`
	ExpiresAt     *time.Time `json:"expires_at"`
	ClearExpiry   bool       `json:"clear_expiry"`
}

type parentRequest struct {
	ParentID *int64 `json:"parent_id" validate:"omitempty,gt=0"`
}

type permissionRequest struct {
	Permission string            `json:"permission" validate:"required"`
	Conditions policy.Conditions `json:"conditions"`
}

type conditionsRequest struct {
	Conditions policy.Conditions `json:"conditions"`
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.List(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": list})
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.roleID(w, r)
	if !ok {
		return
	}
	tree, err := h.service.Hierarchy(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	role, found := tree.Role(id)
	if !found {
		h.respondError(w, ErrNotFound)
		return
	}
	view := roleView{Role: *role, Effective: tree.EffectivePermissions(id)}
	for _, a := range tree.Ancestors(id) {
		view.Ancestors = append(view.Ancestors, a.Name)
	}
	for _, c := range tree.Children(id) {
		view.Children = append(view.Children, c.Name)
	}
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	role, err := h.service.Create(r.Context(), CreateInput{
		Name:          req.Name,
		DisplayName:   req.DisplayName,
		Description:   req.Description,
		ParentID:      req.ParentID,
		Priority:      req.Priority,
		Department:    req.Department,
		IsInheritable: req.IsInheritable,
		Permissions:   req.Permissions,
		Conditions:    req.Conditions,
		ExpiresAt:     req.ExpiresAt,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.logger.Info("role created", slog.Int64("role_id", role.ID), slog.String("name", role.Name))
	httpx.JSON(w, http.StatusCreated, role)
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.roleID(w, r)
	if !ok {
		return
	}
	var req updateRoleRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	role, err := h.service.Update(r.Context(), id, UpdateInput(req))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) disableRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.roleID(w, r)
	if !ok {
		return
	}
	if err := h.service.Disable(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) enableRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.roleID(w, r)
	if !ok {
		return
	}
	if err := h.service.Enable(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setParent(w http.ResponseWriter, r *http.Request) {
	id, ok := h.roleID(w, r)
	if !ok {
		return
	}
	var req parentRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	role, err := h.service.SetParent(r.Context(), id, req.ParentID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) addPermission(w http.ResponseWriter, r *http.Request) {
	id, ok := h.roleID(w, r)
	if !ok {
		return
	}
	var req permissionRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	role, err := h.service.AddPermission(r.Context(), id, req.Permission, req.Conditions)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) removePermission(w http.ResponseWriter, r *http.Request) {
	id, ok := h.roleID(w, r)
	if !ok {
		return
	}
	role, err := h.service.RemovePermission(r.Context(), id, chi.URLParam(r, "permission"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) setConditions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.roleID(w, r)
	if !ok {
		return
	}
	var req conditionsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	role, err := h.service.SetConditions(r.Context(), id, chi.URLParam(r, "permission"), req.Conditions)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) roleID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid role id")
		return 0, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.RespondError(w, httpx.Wrap(httpx.ErrNotFound, err))
	case errors.Is(err, ErrDuplicate):
		httpx.RespondError(w, httpx.Wrap(httpx.ErrDuplicate, err))
	case errors.Is(err, ErrSystemRole):
		httpx.RespondError(w, httpx.Wrap(httpx.ErrConflict, err))
	case errors.Is(err, ErrCyclicHierarchy), errors.Is(err, ErrInvalidParent),
		errors.Is(err, ErrInvalidPermission), errors.Is(err, ErrInvalidName),
		errors.Is(err, ErrPermissionNotGranted), errors.Is(err, policy.ErrUnsupportedCondition):
		httpx.RespondError(w, httpx.Wrap(httpx.ErrValidation, err))
	default:
		h.logger.Error("roles handler", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
