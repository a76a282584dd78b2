package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/tammerofficial/workshop01-sub008/internal/audit"
	"github.com/tammerofficial/workshop01-sub008/internal/policy"
	"github.com/tammerofficial/workshop01-sub008/internal/roles"
	"github.com/tammerofficial/workshop01-sub008/internal/shared"
	"github.com/tammerofficial/workshop01-sub008/internal/users"
)

// Options tune the Service.
type Options struct {
	Timeout           time.Duration
	AdministratorRole string
	Evaluator         *policy.Evaluator
	Audit             AuditSink
	Metrics           DecisionObserver
	Provider          shared.RequestContextProvider
	Clock             func() time.Time
	Logger            *slog.Logger
}

// Service resolves permissions against the role hierarchy.
type Service struct {
	roles     HierarchySource
	users     UserSource
	timeout   time.Duration
	adminRole string
	evaluator *policy.Evaluator
	audit     AuditSink
	metrics   DecisionObserver
	provider  shared.RequestContextProvider
	clock     func() time.Time
	logger    *slog.Logger
}

// NewService constructs a Service.
func NewService(hierarchy HierarchySource, userSource UserSource, opts Options) *Service {
	s := &Service{
		roles:     hierarchy,
		users:     userSource,
		timeout:   opts.Timeout,
		adminRole: strings.ToLower(strings.TrimSpace(opts.AdministratorRole)),
		evaluator: opts.Evaluator,
		audit:     opts.Audit,
		metrics:   opts.Metrics,
		provider:  opts.Provider,
		clock:     opts.Clock,
		logger:    opts.Logger,
	}
	if s.timeout <= 0 {
		s.timeout = DefaultPolicyTimeout
	}
	if s.adminRole == "" {
		s.adminRole = "administrator"
	}
	if s.evaluator == nil {
		s.evaluator = policy.NewEvaluator()
	}
	if s.provider == nil {
		s.provider = shared.ContextProvider{}
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// User loads an identity by id.
func (s *Service) User(ctx context.Context, id int64) (*users.User, error) {
	return s.users.GetUser(ctx, id)
}

// Check decides one permission for user and writes exactly one audit entry.
// When the role tree cannot be loaded the decision is a denial and the error
// is ErrPolicyUnavailable.
func (s *Service) Check(ctx context.Context, user *users.User, permission string, resource *policy.Resource, reqCtx map[string]any) (Decision, error) {
	started := time.Now()
	perm := roles.NormalizePermission(permission)
	decision := Decision{Permission: perm}

	h, err := s.loadHierarchy(ctx)
	if err != nil {
		decision.Reason = ReasonUnavailable
		s.logger.Error("rbac policy unavailable", slog.String("permission", perm), slog.Any("error", err))
	} else {
		decision = s.resolve(ctx, h, user, perm, resource, reqCtx)
	}

	s.record(ctx, user, decision, resource, reqCtx)
	if s.metrics != nil {
		s.metrics.ObserveDecision(perm, decision.Allowed, err, time.Since(started))
	}
	return decision, err
}

// HasPermission reports whether user holds permission, optionally on resource.
func (s *Service) HasPermission(ctx context.Context, user *users.User, permission string, resource *policy.Resource, reqCtx map[string]any) (bool, error) {
	d, err := s.Check(ctx, user, permission, resource, reqCtx)
	return d.Allowed, err
}

// HasAnyPermission stops at the first granted permission. An empty list is a denial.
func (s *Service) HasAnyPermission(ctx context.Context, user *users.User, permissions []string, resource *policy.Resource, reqCtx map[string]any) (bool, error) {
	for _, p := range permissions {
		ok, err := s.HasPermission(ctx, user, p, resource, reqCtx)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// HasAllPermissions stops at the first denied permission. An empty list is a denial.
func (s *Service) HasAllPermissions(ctx context.Context, user *users.User, permissions []string, resource *policy.Resource, reqCtx map[string]any) (bool, error) {
	if len(permissions) == 0 {
		return false, nil
	}
	for _, p := range permissions {
		ok, err := s.HasPermission(ctx, user, p, resource, reqCtx)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// CanManageUser reports whether actor may administer target. The top-level
// administrator manages everyone; otherwise the actor's role must sit strictly
// above the target's.
func (s *Service) CanManageUser(ctx context.Context, actor, target *users.User) (bool, error) {
	if target == nil || !actorHasRole(actor) {
		return false, nil
	}
	h, err := s.loadHierarchy(ctx)
	if err != nil {
		return false, err
	}
	actorRole, ok := h.Role(*actor.RoleID)
	if !ok || !actorRole.IsActive {
		return false, nil
	}
	if actorRole.IsRoot() && actorRole.Name == s.adminRole {
		return true, nil
	}
	if actor.ID == target.ID {
		return false, nil
	}
	if !target.HasRole() {
		return true, nil
	}
	targetRole, ok := h.Role(*target.RoleID)
	if !ok {
		return true, nil
	}
	return actorRole.HierarchyLevel < targetRole.HierarchyLevel, nil
}

// CanManageUserByID loads both users and applies CanManageUser.
func (s *Service) CanManageUserByID(ctx context.Context, actorID, targetID int64) (bool, error) {
	actor, err := s.users.GetUser(ctx, actorID)
	if err != nil {
		if errors.Is(err, users.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	target, err := s.users.GetUser(ctx, targetID)
	if err != nil {
		return false, err
	}
	return s.CanManageUser(ctx, actor, target)
}

// CanGrantRole reports whether actor may hand roleID to someone else. The
// top-level administrator grants any role; other actors only grant roles
// strictly below their own, so nobody can raise a user to or above their
// own authority.
func (s *Service) CanGrantRole(ctx context.Context, actorID, roleID int64) (bool, error) {
	actor, err := s.users.GetUser(ctx, actorID)
	if err != nil {
		if errors.Is(err, users.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if !actorHasRole(actor) {
		return false, nil
	}
	h, err := s.loadHierarchy(ctx)
	if err != nil {
		return false, err
	}
	actorRole, ok := h.Role(*actor.RoleID)
	if !ok || !actorRole.IsActive {
		return false, nil
	}
	if actorRole.IsRoot() && actorRole.Name == s.adminRole {
		return true, nil
	}
	granted, ok := h.Role(roleID)
	if !ok {
		return false, nil
	}
	return actorRole.HierarchyLevel < granted.HierarchyLevel, nil
}

// EffectivePermissions lists what user can hold through its role chain,
// ignoring conditions. Disabled or expired roles end the chain.
func (s *Service) EffectivePermissions(ctx context.Context, user *users.User) ([]string, error) {
	if !actorHasRole(user) {
		return []string{}, nil
	}
	h, err := s.loadHierarchy(ctx)
	if err != nil {
		return nil, err
	}
	now := s.clock()
	set := make(map[string]struct{})
	visited := make(map[int64]bool)
	cur, ok := h.Role(*user.RoleID)
	for ok && !visited[cur.ID] {
		visited[cur.ID] = true
		if !cur.IsActive || cur.ExpiredAt(now) {
			break
		}
		for _, p := range cur.Permissions {
			set[p] = struct{}{}
		}
		if !cur.IsInheritable {
			break
		}
		cur, ok = h.Parent(cur.ID)
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	slices.Sort(out)
	return out, nil
}

func (s *Service) resolve(ctx context.Context, h *roles.Hierarchy, user *users.User, perm string, resource *policy.Resource, reqCtx map[string]any) Decision {
	d := Decision{Permission: perm}
	if user == nil {
		d.Reason = policy.ReasonNoUser
		return d
	}
	if !actorHasRole(user) {
		d.Reason = ReasonNoRole
		return d
	}
	role, ok := h.Role(*user.RoleID)
	if !ok {
		d.Reason = ReasonRoleMissing
		return d
	}
	now := s.clock()
	subject := &policy.Subject{
		UserID:     user.ID,
		RoleName:   role.Name,
		Department: role.Department,
		Attributes: map[string]any{"email": user.Email, "name": user.Name, "role": role.Name},
	}
	env := policy.Environment{Now: now, IPAddress: s.provider.RequestContext(ctx).IPAddress, Values: reqCtx}

	visited := make(map[int64]bool)
	for cur := role; cur != nil && !visited[cur.ID]; {
		visited[cur.ID] = true
		if !cur.IsActive {
			d.Reason = ReasonDisabled
			return d
		}
		if cur.ExpiredAt(now) {
			d.Reason = policy.ReasonRoleExpired
			return d
		}
		if cur.HasPermission(perm) {
			verdict := s.evaluator.EvaluateConditions(cur, perm, subject, resource, env)
			id := cur.ID
			d.Allowed, d.Reason, d.RoleID = verdict.Allowed, verdict.Reason, &id
			return d
		}
		if !cur.IsInheritable {
			break
		}
		parent, ok := h.Parent(cur.ID)
		if !ok {
			break
		}
		cur = parent
	}
	d.Reason = ReasonNotGranted
	return d
}

// loadHierarchy bounds the tree load by the policy timeout even when the
// source ignores its context.
func (s *Service) loadHierarchy(ctx context.Context) (*roles.Hierarchy, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type result struct {
		h   *roles.Hierarchy
		err error
	}
	done := make(chan result, 1)
	go func() {
		h, err := s.roles.Hierarchy(ctx)
		done <- result{h: h, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPolicyUnavailable, res.err)
		}
		if res.h == nil {
			return nil, ErrPolicyUnavailable
		}
		return res.h, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrPolicyUnavailable, ctx.Err())
	}
}

func (s *Service) record(ctx context.Context, user *users.User, d Decision, resource *policy.Resource, reqCtx map[string]any) {
	if s.audit == nil {
		return
	}
	details := audit.Details{Reason: d.Reason, Context: reqCtx}
	if resource != nil {
		details.ResourceType = resource.Type
		details.ResourceID = resource.ID
		details.Scope = resource.Department
	}
	var uid *int64
	if user != nil {
		id := user.ID
		uid = &id
	}
	s.audit.LogPermissionCheck(ctx, uid, d.Permission, d.Allowed, details)
}

func actorHasRole(u *users.User) bool {
	return u != nil && u.IsActive && u.RoleID != nil
}
