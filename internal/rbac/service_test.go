package rbac

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tammerofficial/workshop01-sub008/internal/audit"
	"github.com/tammerofficial/workshop01-sub008/internal/policy"
	"github.com/tammerofficial/workshop01-sub008/internal/roles"
	"github.com/tammerofficial/workshop01-sub008/internal/users"
)

func ptr[T any](v T) *T { return &v }

var testNow = time.Date(2024, 3, 11, 10, 0, 0, 0, time.UTC)

func workshopTree() []roles.Role {
	return []roles.Role{
		{ID: 1, Name: "administrator", IsSystem: true, IsInheritable: true, IsActive: true,
			Permissions: []string{"roles.manage", "users.manage"}},
		{ID: 2, Name: "manager", ParentID: ptr(int64(1)), HierarchyLevel: 1, IsInheritable: true, IsActive: true,
			Department:  "operations",
			Permissions: []string{"payroll.approve", "reports.view"},
			Conditions: map[string]policy.Conditions{
				"reports.view": {policy.TimeWindow{Start: "08:00", End: "18:00"}},
			}},
		{ID: 3, Name: "supervisor", ParentID: ptr(int64(2)), HierarchyLevel: 2, IsInheritable: true, IsActive: true,
			Permissions: []string{"orders.edit", "sales.refund"}},
		{ID: 4, Name: "cashier", ParentID: ptr(int64(3)), HierarchyLevel: 3, IsInheritable: true, IsActive: true,
			Permissions: []string{"orders.view", "sales.create"}},
		{ID: 5, Name: "auditor", ParentID: ptr(int64(2)), HierarchyLevel: 2, IsInheritable: false, IsActive: true,
			Permissions: []string{"audit.view"}},
		{ID: 6, Name: "seasonal", ParentID: ptr(int64(3)), HierarchyLevel: 3, IsInheritable: true, IsActive: true,
			Permissions: []string{"orders.view"}, ExpiresAt: ptr(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))},
	}
}

type staticTree struct {
	tree *roles.Hierarchy
	err  error
}

func (s staticTree) Hierarchy(ctx context.Context) (*roles.Hierarchy, error) {
	return s.tree, s.err
}

type stuckTree struct{ release chan struct{} }

func (s stuckTree) Hierarchy(ctx context.Context) (*roles.Hierarchy, error) {
	<-s.release
	return nil, nil
}

type userMap map[int64]*users.User

func (m userMap) GetUser(ctx context.Context, id int64) (*users.User, error) {
	u, ok := m[id]
	if !ok {
		return nil, users.ErrNotFound
	}
	return u, nil
}

type auditRecord struct {
	userID     *int64
	permission string
	allowed    bool
	details    audit.Details
}

type recordingAudit struct {
	mu      sync.Mutex
	records []auditRecord
}

func (r *recordingAudit) LogPermissionCheck(ctx context.Context, userID *int64, permission string, allowed bool, d audit.Details) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, auditRecord{userID: userID, permission: permission, allowed: allowed, details: d})
}

type recordingMetrics struct{ allowed, denied, errored int }

func (m *recordingMetrics) ObserveDecision(permission string, allowed bool, err error, elapsed time.Duration) {
	switch {
	case err != nil:
		m.errored++
	case allowed:
		m.allowed++
	default:
		m.denied++
	}
}

func workshopUsers() userMap {
	return userMap{
		1:  {ID: 1, Name: "Aisha", RoleID: ptr(int64(1)), IsActive: true},
		2:  {ID: 2, Name: "Omar", RoleID: ptr(int64(2)), IsActive: true},
		3:  {ID: 3, Name: "Sara", RoleID: ptr(int64(3)), IsActive: true},
		4:  {ID: 4, Name: "Khalid", RoleID: ptr(int64(4)), IsActive: true},
		5:  {ID: 5, Name: "Nora", RoleID: ptr(int64(5)), IsActive: true},
		6:  {ID: 6, Name: "Yousef", RoleID: ptr(int64(6)), IsActive: true},
		7:  {ID: 7, Name: "Layla", IsActive: true},
		8:  {ID: 8, Name: "Hamad", RoleID: ptr(int64(4)), IsActive: false},
		44: {ID: 44, Name: "Fahad", RoleID: ptr(int64(4)), IsActive: true},
	}
}

type fixture struct {
	svc     *Service
	audit   *recordingAudit
	metrics *recordingMetrics
	users   userMap
}

func newFixture(t *testing.T, at time.Time) *fixture {
	t.Helper()
	f := &fixture{audit: &recordingAudit{}, metrics: &recordingMetrics{}, users: workshopUsers()}
	f.svc = NewService(staticTree{tree: roles.NewHierarchy(workshopTree())}, f.users, Options{
		Audit:   f.audit,
		Metrics: f.metrics,
		Clock:   func() time.Time { return at },
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return f
}

func TestCashierInheritsFromSupervisor(t *testing.T) {
	f := newFixture(t, testNow)
	ctx := context.Background()
	cashier := f.users[4]

	ok, err := f.svc.HasPermission(ctx, cashier, "sales.refund", nil, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.svc.HasPermission(ctx, cashier, "sales.delete", nil, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	require.Len(t, f.audit.records, 2)
	last := f.audit.records[1]
	assert.Equal(t, "sales.delete", last.permission)
	assert.False(t, last.allowed)
	assert.Equal(t, ReasonNotGranted, last.details.Reason)
	assert.Equal(t, int64(4), *last.userID)
}

func TestEveryCheckIsAuditedOnce(t *testing.T) {
	f := newFixture(t, testNow)
	ctx := context.Background()
	checks := []struct {
		user *users.User
		perm string
	}{
		{f.users[4], "orders.view"},
		{f.users[4], "users.manage"},
		{f.users[5], "reports.view"},
		{f.users[7], "orders.view"},
		{nil, "orders.view"},
		{f.users[8], "orders.view"},
		{f.users[6], "orders.view"},
	}
	for i, c := range checks {
		ok, err := f.svc.HasPermission(ctx, c.user, c.perm, nil, nil)
		require.NoError(t, err)
		require.Len(t, f.audit.records, i+1)
		assert.Equal(t, ok, f.audit.records[i].allowed, "check %d", i)
	}
	assert.Equal(t, 2, f.metrics.allowed)
	assert.Equal(t, 5, f.metrics.denied)
}

func TestNonInheritableRoleGetsNothingFromAbove(t *testing.T) {
	f := newFixture(t, testNow)
	auditor := f.users[5]

	d, err := f.svc.Check(context.Background(), auditor, "audit.view", nil, nil)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = f.svc.Check(context.Background(), auditor, "payroll.approve", nil, nil)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonNotGranted, d.Reason)
}

func TestExpiredRoleDeniesBeforeEverything(t *testing.T) {
	f := newFixture(t, testNow)

	d, err := f.svc.Check(context.Background(), f.users[6], "orders.view", nil, nil)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, policy.ReasonRoleExpired, d.Reason)
}

func TestDisabledRoleStopsWalk(t *testing.T) {
	tree := workshopTree()
	tree[2].IsActive = false
	svc := NewService(staticTree{tree: roles.NewHierarchy(tree)}, workshopUsers(), Options{Clock: func() time.Time { return testNow }})

	d, err := svc.Check(context.Background(), workshopUsers()[4], "sales.refund", nil, nil)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonDisabled, d.Reason)

	d, err = svc.Check(context.Background(), workshopUsers()[4], "sales.create", nil, nil)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "own permissions are still granted")
}

func TestManagerTimeWindow(t *testing.T) {
	evening := newFixture(t, time.Date(2024, 3, 11, 20, 0, 0, 0, time.UTC))
	d, err := evening.svc.Check(context.Background(), evening.users[2], "reports.view", nil, nil)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "time window")

	morning := newFixture(t, testNow)
	d, err = morning.svc.Check(context.Background(), morning.users[2], "reports.view", nil, nil)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(2), *d.RoleID)
}

func TestConditionsOnInheritedGrantUseGrantingRole(t *testing.T) {
	f := newFixture(t, time.Date(2024, 3, 11, 20, 0, 0, 0, time.UTC))

	ok, err := f.svc.HasPermission(context.Background(), f.users[4], "reports.view", nil, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHasAnyAndAll(t *testing.T) {
	f := newFixture(t, testNow)
	ctx := context.Background()
	cashier := f.users[4]

	ok, err := f.svc.HasAnyPermission(ctx, cashier, []string{"audit.view", "orders.view", "sales.create"}, nil, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, f.audit.records, 2, "stops at first grant")

	ok, err = f.svc.HasAllPermissions(ctx, cashier, []string{"orders.view", "audit.view", "sales.create"}, nil, nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, f.audit.records, 4, "stops at first denial")

	ok, err = f.svc.HasAllPermissions(ctx, cashier, []string{"orders.view", "sales.refund"}, nil, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = f.svc.HasAnyPermission(ctx, cashier, nil, nil, nil)
	assert.False(t, ok)
	ok, _ = f.svc.HasAllPermissions(ctx, cashier, nil, nil, nil)
	assert.False(t, ok)
}

func TestOwnershipUsesResource(t *testing.T) {
	tree := workshopTree()
	tree[3].Conditions = map[string]policy.Conditions{"orders.view": {policy.Ownership{}}}
	svc := NewService(staticTree{tree: roles.NewHierarchy(tree)}, workshopUsers(), Options{Clock: func() time.Time { return testNow }})
	cashier := workshopUsers()[4]

	ok, err := svc.HasPermission(context.Background(), cashier, "orders.view", &policy.Resource{Type: "order", OwnerID: ptr(int64(4))}, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.HasPermission(context.Background(), cashier, "orders.view", &policy.Resource{Type: "order", OwnerID: ptr(int64(9))}, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPolicyUnavailableDenies(t *testing.T) {
	audits := &recordingAudit{}
	metrics := &recordingMetrics{}
	svc := NewService(staticTree{err: errors.New("redis: connection refused")}, workshopUsers(), Options{Audit: audits, Metrics: metrics})

	ok, err := svc.HasPermission(context.Background(), workshopUsers()[1], "users.manage", nil, nil)
	assert.False(t, ok)
	assert.True(t, errors.Is(err, ErrPolicyUnavailable))
	require.Len(t, audits.records, 1)
	assert.False(t, audits.records[0].allowed)
	assert.Equal(t, ReasonUnavailable, audits.records[0].details.Reason)
	assert.Equal(t, 1, metrics.errored)
}

func TestPolicyTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	svc := NewService(stuckTree{release: release}, workshopUsers(), Options{Timeout: 20 * time.Millisecond})

	started := time.Now()
	ok, err := svc.HasPermission(context.Background(), workshopUsers()[1], "users.manage", nil, nil)
	assert.False(t, ok)
	assert.True(t, errors.Is(err, ErrPolicyUnavailable))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(started), 2*time.Second)
}

func TestCanManageUser(t *testing.T) {
	f := newFixture(t, testNow)
	ctx := context.Background()
	cases := []struct {
		name           string
		actor, target  int64
		wantManageable bool
	}{
		{"administrator manages everyone", 1, 4, true},
		{"administrator manages self", 1, 1, true},
		{"manager above cashier", 2, 4, true},
		{"cashier below supervisor", 4, 3, false},
		{"same level", 4, 44, false},
		{"self", 3, 3, false},
		{"target without role", 4, 7, true},
		{"actor without role", 7, 4, false},
		{"inactive actor", 8, 4, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, err := f.svc.CanManageUserByID(ctx, tc.actor, tc.target)
			require.NoError(t, err)
			assert.Equal(t, tc.wantManageable, ok)
		})
	}

	_, err := f.svc.CanManageUserByID(ctx, 1, 99)
	assert.True(t, errors.Is(err, users.ErrNotFound))
}

func TestCanGrantRole(t *testing.T) {
	f := newFixture(t, testNow)
	ctx := context.Background()
	cases := []struct {
		name        string
		actor, role int64
		want        bool
	}{
		{"administrator grants administrator", 1, 1, true},
		{"administrator grants cashier", 1, 4, true},
		{"supervisor grants cashier", 3, 4, true},
		{"supervisor cannot grant administrator", 3, 1, false},
		{"supervisor cannot grant own level", 3, 5, false},
		{"supervisor cannot grant manager", 3, 2, false},
		{"unknown role", 2, 99, false},
		{"actor without role", 7, 4, false},
		{"unknown actor", 99, 4, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, err := f.svc.CanGrantRole(ctx, tc.actor, tc.role)
			require.NoError(t, err)
			assert.Equal(t, tc.want, ok)
		})
	}
}

func TestEffectivePermissions(t *testing.T) {
	f := newFixture(t, testNow)
	ctx := context.Background()

	perms, err := f.svc.EffectivePermissions(ctx, f.users[4])
	require.NoError(t, err)
	assert.Equal(t, []string{
		"orders.edit", "orders.view", "payroll.approve", "reports.view",
		"roles.manage", "sales.create", "sales.refund", "users.manage",
	}, perms)

	perms, err = f.svc.EffectivePermissions(ctx, f.users[5])
	require.NoError(t, err)
	assert.Equal(t, []string{"audit.view"}, perms)

	perms, err = f.svc.EffectivePermissions(ctx, f.users[6])
	require.NoError(t, err)
	assert.Empty(t, perms)

	perms, err = f.svc.EffectivePermissions(ctx, f.users[7])
	require.NoError(t, err)
	assert.Empty(t, perms)
}
