package roles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/tammerofficial/workshop01-sub008/internal/policy"
)

// RepositoryPort defines data access methods for roles.
type RepositoryPort interface {
	ListRoles(ctx context.Context) ([]Role, error)
	GetRole(ctx context.Context, id int64) (Role, error)
	GetRoleByName(ctx context.Context, name string) (Role, error)
	UpdateRole(ctx context.Context, role Role) (Role, error)
	SetActive(ctx context.Context, id int64, active bool) error
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// Invalidator is told about every committed change to the role tree.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// Options tune the Service.
type Options struct {
	// StrictConditions rejects unknown condition kinds when they are attached.
	StrictConditions bool
	Invalidator      Invalidator
	Logger           *slog.Logger
}

// Service handles role business logic.
type Service struct {
	repo   RepositoryPort
	strict bool
	inval  Invalidator
	logger *slog.Logger
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, strict: opts.StrictConditions, inval: opts.Invalidator, logger: logger}
}

// List returns all roles.
func (s *Service) List(ctx context.Context) ([]Role, error) {
	return s.repo.ListRoles(ctx)
}

// Get fetches one role.
func (s *Service) Get(ctx context.Context, id int64) (Role, error) {
	return s.repo.GetRole(ctx, id)
}

// GetByName fetches one role by key.
func (s *Service) GetByName(ctx context.Context, name string) (Role, error) {
	return s.repo.GetRoleByName(ctx, normalizeRoleName(name))
}

// Hierarchy loads the full role tree.
func (s *Service) Hierarchy(ctx context.Context) (*Hierarchy, error) {
	list, err := s.repo.ListRoles(ctx)
	if err != nil {
		return nil, err
	}
	return NewHierarchy(list), nil
}

// Create inserts a role. A parent must exist and be active; the level follows it.
func (s *Service) Create(ctx context.Context, in CreateInput) (Role, error) {
	name := normalizeRoleName(in.Name)
	if name == "" {
		return Role{}, ErrInvalidName
	}
	perms, err := normalizePermissionSet(in.Permissions)
	if err != nil {
		return Role{}, err
	}
	conds, err := s.normalizeConditions(perms, in.Conditions)
	if err != nil {
		return Role{}, err
	}
	role := Role{
		Name:          name,
		DisplayName:   strings.TrimSpace(in.DisplayName),
		Description:   strings.TrimSpace(in.Description),
		Priority:      in.Priority,
		Department:    strings.TrimSpace(in.Department),
		IsInheritable: true,
		IsActive:      true,
		Permissions:   perms,
		Conditions:    conds,
		ExpiresAt:     in.ExpiresAt,
	}
	if in.IsInheritable != nil {
		role.IsInheritable = *in.IsInheritable
	}
	var created Role
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if in.ParentID != nil {
			// The parent level is read under the hierarchy lock so a concurrent
			// move cannot leave the new child one level off.
			if err := tx.LockHierarchy(ctx); err != nil {
				return err
			}
			parent, err := tx.GetRoleForUpdate(ctx, *in.ParentID)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					return fmt.Errorf("parent %d does not exist: %w", *in.ParentID, ErrInvalidParent)
				}
				return err
			}
			if !parent.IsActive {
				return fmt.Errorf("%s is disabled: %w", parent.Name, ErrInvalidParent)
			}
			pid := parent.ID
			role.ParentID = &pid
			role.HierarchyLevel = parent.HierarchyLevel + 1
		}
		out, err := tx.CreateRole(ctx, role)
		created = out
		return err
	})
	if err != nil {
		return Role{}, err
	}
	s.invalidate(ctx)
	return created, nil
}

// Update changes descriptive attributes. System roles cannot be renamed.
func (s *Service) Update(ctx context.Context, id int64, in UpdateInput) (Role, error) {
	role, err := s.repo.GetRole(ctx, id)
	if err != nil {
		return Role{}, err
	}
	if in.Name != nil {
		name := normalizeRoleName(*in.Name)
		if name == "" {
			return Role{}, ErrInvalidName
		}
		if name != role.Name && role.IsSystem {
			return Role{}, fmt.Errorf("rename %s: %w", role.Name, ErrSystemRole)
		}
		role.Name = name
	}
	if in.DisplayName != nil {
		role.DisplayName = strings.TrimSpace(*in.DisplayName)
	}
	if in.Description != nil {
		role.Description = strings.TrimSpace(*in.Description)
	}
	if in.Priority != nil {
		role.Priority = *in.Priority
	}
	if in.Department != nil {
		role.Department = strings.TrimSpace(*in.Department)
	}
	if in.IsInheritable != nil {
		role.IsInheritable = *in.IsInheritable
	}
	switch {
	case in.ClearExpiry:
		role.ExpiresAt = nil
	case in.ExpiresAt != nil:
		exp := *in.ExpiresAt
		role.ExpiresAt = &exp
	}
	updated, err := s.repo.UpdateRole(ctx, role)
	if err != nil {
		return Role{}, err
	}
	s.invalidate(ctx)
	return updated, nil
}

// Disable soft-disables a role. Users keep the reference but resolve nothing through it.
func (s *Service) Disable(ctx context.Context, id int64) error {
	role, err := s.repo.GetRole(ctx, id)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return fmt.Errorf("disable %s: %w", role.Name, ErrSystemRole)
	}
	if err := s.repo.SetActive(ctx, id, false); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

// Enable re-activates a disabled role.
func (s *Service) Enable(ctx context.Context, id int64) error {
	if err := s.repo.SetActive(ctx, id, true); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

// SetParent moves a role under parentID (nil makes it a root). The check, the
// parent write and the level cascade share one transaction holding the
// hierarchy lock; a rejected move writes nothing.
func (s *Service) SetParent(ctx context.Context, id int64, parentID *int64) (Role, error) {
	var moved Role
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockHierarchy(ctx); err != nil {
			return err
		}
		list, err := tx.ListRoles(ctx)
		if err != nil {
			return err
		}
		h := NewHierarchy(list)
		changes, err := h.Reparent(id, parentID)
		if err != nil {
			return err
		}
		if err := tx.UpdateParent(ctx, id, parentID); err != nil {
			return err
		}
		for _, ch := range changes {
			if err := tx.UpdateLevel(ctx, ch.RoleID, ch.To); err != nil {
				return err
			}
		}
		r, _ := h.Role(id)
		moved = r.clone()
		if len(changes) > 0 {
			s.logger.Info("role hierarchy releveled",
				slog.Int64("role_id", id), slog.Int("changed", len(changes)))
		}
		return nil
	})
	if err != nil {
		return Role{}, err
	}
	s.invalidate(ctx)
	return moved, nil
}

// AddPermission grants a permission to a role, optionally with conditions.
func (s *Service) AddPermission(ctx context.Context, id int64, permission string, conds policy.Conditions) (Role, error) {
	perm, err := ValidatePermission(permission)
	if err != nil {
		return Role{}, err
	}
	if err := s.checkConditions(conds); err != nil {
		return Role{}, err
	}
	return s.mutatePermissions(ctx, id, func(role *Role) error {
		if !slices.Contains(role.Permissions, perm) {
			role.Permissions = append(role.Permissions, perm)
			slices.Sort(role.Permissions)
		}
		if len(conds) > 0 {
			if role.Conditions == nil {
				role.Conditions = make(map[string]policy.Conditions)
			}
			role.Conditions[perm] = conds
		}
		return nil
	})
}

// RemovePermission revokes a permission and drops its conditions.
func (s *Service) RemovePermission(ctx context.Context, id int64, permission string) (Role, error) {
	perm := NormalizePermission(permission)
	return s.mutatePermissions(ctx, id, func(role *Role) error {
		idx := slices.Index(role.Permissions, perm)
		if idx < 0 {
			return fmt.Errorf("%s: %w", perm, ErrPermissionNotGranted)
		}
		role.Permissions = slices.Delete(role.Permissions, idx, idx+1)
		delete(role.Conditions, perm)
		return nil
	})
}

// SetConditions replaces the conditions of a granted permission. Empty conds clears them.
func (s *Service) SetConditions(ctx context.Context, id int64, permission string, conds policy.Conditions) (Role, error) {
	perm := NormalizePermission(permission)
	if err := s.checkConditions(conds); err != nil {
		return Role{}, err
	}
	return s.mutatePermissions(ctx, id, func(role *Role) error {
		if !slices.Contains(role.Permissions, perm) {
			return fmt.Errorf("%s: %w", perm, ErrPermissionNotGranted)
		}
		if len(conds) == 0 {
			delete(role.Conditions, perm)
			return nil
		}
		if role.Conditions == nil {
			role.Conditions = make(map[string]policy.Conditions)
		}
		role.Conditions[perm] = conds
		return nil
	})
}

func (s *Service) mutatePermissions(ctx context.Context, id int64, fn func(*Role) error) (Role, error) {
	var out Role
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		role, err := tx.GetRoleForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(&role); err != nil {
			return err
		}
		if err := tx.SavePermissions(ctx, id, role.Permissions, role.Conditions); err != nil {
			return err
		}
		role.UpdatedAt = time.Now()
		out = role
		return nil
	})
	if err != nil {
		return Role{}, err
	}
	s.invalidate(ctx)
	return out, nil
}

func (s *Service) checkConditions(conds policy.Conditions) error {
	if !s.strict {
		return nil
	}
	return conds.Validate()
}

func (s *Service) normalizeConditions(perms []string, in map[string]policy.Conditions) (map[string]policy.Conditions, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[string]policy.Conditions, len(in))
	for perm, conds := range in {
		norm := NormalizePermission(perm)
		if !slices.Contains(perms, norm) {
			return nil, fmt.Errorf("%s: %w", norm, ErrPermissionNotGranted)
		}
		if err := s.checkConditions(conds); err != nil {
			return nil, err
		}
		if len(conds) > 0 {
			out[norm] = conds
		}
	}
	return out, nil
}

func (s *Service) invalidate(ctx context.Context) {
	if s.inval == nil {
		return
	}
	if err := s.inval.Invalidate(ctx); err != nil {
		s.logger.Warn("role cache invalidation failed", slog.Any("error", err))
	}
}

// RoleAssignable reports whether users may be pointed at the role.
func (s *Service) RoleAssignable(ctx context.Context, id int64) (bool, error) {
	role, err := s.repo.GetRole(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return role.IsActive && !role.ExpiredAt(time.Now()), nil
}
