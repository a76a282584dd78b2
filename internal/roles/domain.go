package roles

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/tammerofficial/workshop01-sub008/internal/policy"
)

var (
	ErrNotFound             = errors.New("roles: not found")
	ErrDuplicate            = errors.New("roles: role name already exists")
	ErrCyclicHierarchy      = errors.New("roles: parent assignment would create a cycle")
	ErrInvalidParent        = errors.New("roles: invalid parent role")
	ErrSystemRole           = errors.New("roles: system roles cannot be changed this way")
	ErrInvalidPermission    = errors.New("roles: permission must look like <resource>.<action>")
	ErrPermissionNotGranted = errors.New("roles: permission not granted to role")
	ErrInvalidName          = errors.New("roles: role name required")
)

// Role is a node of the role hierarchy together with its own permission grants.
type Role struct {
	ID             int64                        `json:"id"`
	Name           string                       `json:"name"`
	DisplayName    string                       `json:"display_name"`
	Description    string                       `json:"description"`
	ParentID       *int64                       `json:"parent_id,omitempty"`
	HierarchyLevel int                          `json:"hierarchy_level"`
	Priority       int                          `json:"priority"`
	Department     string                       `json:"department,omitempty"`
	IsSystem       bool                         `json:"is_system"`
	IsInheritable  bool                         `json:"is_inheritable"`
	IsActive       bool                         `json:"is_active"`
	Permissions    []string                     `json:"permissions"`
	Conditions     map[string]policy.Conditions `json:"conditions,omitempty"`
	ExpiresAt      *time.Time                   `json:"expires_at,omitempty"`
	CreatedAt      time.Time                    `json:"created_at"`
	UpdatedAt      time.Time                    `json:"updated_at"`
}

// IsRoot reports whether the role has no parent.
func (r Role) IsRoot() bool { return r.ParentID == nil }

// HasPermission reports whether the permission is in the role's own set.
func (r Role) HasPermission(permission string) bool {
	return slices.Contains(r.Permissions, NormalizePermission(permission))
}

// ConditionsFor returns the clauses attached to a permission of this role.
func (r Role) ConditionsFor(permission string) (policy.Conditions, bool) {
	conds, ok := r.Conditions[NormalizePermission(permission)]
	return conds, ok && len(conds) > 0
}

// ExpiredAt reports whether the role's expiry lies before now.
func (r Role) ExpiredAt(now time.Time) bool {
	return r.ExpiresAt != nil && r.ExpiresAt.Before(now)
}

func (r Role) clone() Role {
	out := r
	out.Permissions = slices.Clone(r.Permissions)
	if r.Conditions != nil {
		out.Conditions = make(map[string]policy.Conditions, len(r.Conditions))
		for k, v := range r.Conditions {
			out.Conditions[k] = slices.Clone(v)
		}
	}
	if r.ParentID != nil {
		id := *r.ParentID
		out.ParentID = &id
	}
	return out
}

// NormalizePermission trims and lower-cases a permission name.
func NormalizePermission(permission string) string {
	return strings.ToLower(strings.TrimSpace(permission))
}

// ValidatePermission normalises a permission and checks its <resource>.<action> shape.
func ValidatePermission(permission string) (string, error) {
	p := NormalizePermission(permission)
	parts := strings.Split(p, ".")
	if len(parts) < 2 {
		return "", fmt.Errorf("%w: %q", ErrInvalidPermission, permission)
	}
	for _, part := range parts {
		if part == "" {
			return "", fmt.Errorf("%w: %q", ErrInvalidPermission, permission)
		}
		for _, ch := range part {
			if !(ch >= 'a' && ch <= 'z' || ch >= '0' && ch <= '9' || ch == '_' || ch == '-') {
				return "", fmt.Errorf("%w: %q", ErrInvalidPermission, permission)
			}
		}
	}
	return p, nil
}

func normalizeRoleName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func normalizePermissionSet(perms []string) ([]string, error) {
	seen := make(map[string]struct{}, len(perms))
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		norm, err := ValidatePermission(p)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[norm]; ok {
			continue
		}
		seen[norm] = struct{}{}
		out = append(out, norm)
	}
	slices.Sort(out)
	return out, nil
}

// CreateInput carries the fields of a new role.
type CreateInput struct {
	Name          string
	DisplayName   string
	Description   string
	ParentID      *int64
	Priority      int
	Department    string
	IsInheritable *bool
	Permissions   []string
	Conditions    map[string]policy.Conditions
	ExpiresAt     *time.Time
}

// UpdateInput carries optional attribute changes. Nil fields are left alone.
type UpdateInput struct {
	Name          *string
	DisplayName   *string
	Description   *string
	Priority      *int
	Department    *string
	IsInheritable *bool
	ExpiresAt     *time.Time
	ClearExpiry   bool
}

// LevelChange records a recomputed hierarchy level.
type LevelChange struct {
	RoleID int64
	From   int
	To     int
}
