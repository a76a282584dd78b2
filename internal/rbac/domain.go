package rbac

import (
	"context"
	"fmt"
	"time"

	"github.com/tammerofficial/workshop01-sub008/internal/audit"
	"github.com/tammerofficial/workshop01-sub008/internal/platform/httpx"
	"github.com/tammerofficial/workshop01-sub008/internal/roles"
	"github.com/tammerofficial/workshop01-sub008/internal/security"
	"github.com/tammerofficial/workshop01-sub008/internal/users"
)

// ErrPolicyUnavailable reports that the role tree could not be loaded in time.
// The accompanying decision is always a denial.
var ErrPolicyUnavailable = fmt.Errorf("rbac: permission policy unavailable: %w", httpx.ErrUnavailable)

// Decision reasons produced by the resolver itself.
const (
	ReasonNoRole      = "user has no active role"
	ReasonRoleMissing = "role not found"
	ReasonDisabled    = "role disabled"
	ReasonNotGranted  = "permission not found in role or ancestors"
	ReasonUnavailable = "permission policy unavailable"
)

// DefaultPolicyTimeout bounds loading the role tree for one check.
const DefaultPolicyTimeout = 500 * time.Millisecond

// HierarchySource provides the current role tree.
type HierarchySource interface {
	Hierarchy(ctx context.Context) (*roles.Hierarchy, error)
}

// UserSource looks up identities by id.
type UserSource interface {
	GetUser(ctx context.Context, id int64) (*users.User, error)
}

// AuditSink receives one record per permission check.
type AuditSink interface {
	LogPermissionCheck(ctx context.Context, userID *int64, permission string, allowed bool, d audit.Details)
}

// DecisionObserver records decision metrics.
type DecisionObserver interface {
	ObserveDecision(permission string, allowed bool, err error, elapsed time.Duration)
}

// ViolationRecorder is told about requests rejected by the middleware.
type ViolationRecorder interface {
	LogPermissionViolation(ctx context.Context, userID *int64, permission string, data map[string]any) (security.Event, error)
}

// Decision is the result of one permission check.
type Decision struct {
	Permission string `json:"permission"`
	Allowed    bool   `json:"allowed"`
	Reason     string `json:"reason"`
	RoleID     *int64 `json:"role_id,omitempty"`
}
