package roles

import (
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

// workshopRoles:
//
//	administrator(1)
//	├── manager(2) ── supervisor(3) ── cashier(4)
//	└── auditor(5, not inheritable) ── intern(6)
func workshopRoles() []Role {
	return []Role{
		{ID: 1, Name: "administrator", HierarchyLevel: 0, IsSystem: true, IsInheritable: true, IsActive: true, Permissions: []string{"users.manage"}},
		{ID: 2, Name: "manager", ParentID: ptr(int64(1)), HierarchyLevel: 1, Priority: 10, IsInheritable: true, IsActive: true, Permissions: []string{"reports.view"}},
		{ID: 3, Name: "supervisor", ParentID: ptr(int64(2)), HierarchyLevel: 2, IsInheritable: true, IsActive: true, Permissions: []string{"sales.refund"}},
		{ID: 4, Name: "cashier", ParentID: ptr(int64(3)), HierarchyLevel: 3, IsInheritable: true, IsActive: true, Permissions: []string{"sales.create"}},
		{ID: 5, Name: "auditor", ParentID: ptr(int64(1)), HierarchyLevel: 1, Priority: 1, IsInheritable: false, IsActive: true, Permissions: []string{"audit.view"}},
		{ID: 6, Name: "intern", ParentID: ptr(int64(5)), HierarchyLevel: 2, IsInheritable: true, IsActive: true, Permissions: []string{"orders.view"}},
	}
}

func TestResolveEffectivePermissionsInherits(t *testing.T) {
	h := NewHierarchy(workshopRoles())
	assert.Equal(t,
		[]string{"reports.view", "sales.create", "sales.refund", "users.manage"},
		ResolveEffectivePermissions(h, 4))
	assert.Equal(t, []string{"reports.view", "users.manage"}, h.EffectivePermissions(2))
}

func TestNonInheritableRoleNeitherReceivesNorPassesThrough(t *testing.T) {
	h := NewHierarchy(workshopRoles())
	assert.Equal(t, []string{"audit.view"}, ResolveEffectivePermissions(h, 5))
	assert.Equal(t, []string{"audit.view", "orders.view"}, ResolveEffectivePermissions(h, 6))
}

func TestResolveEffectivePermissionsUnknownRole(t *testing.T) {
	h := NewHierarchy(workshopRoles())
	assert.Empty(t, ResolveEffectivePermissions(h, 99))
}

func TestHierarchyNavigation(t *testing.T) {
	h := NewHierarchy(workshopRoles())

	parent, ok := h.Parent(4)
	require.True(t, ok)
	assert.Equal(t, "supervisor", parent.Name)

	var names []string
	for _, a := range h.Ancestors(4) {
		names = append(names, a.Name)
	}
	assert.Equal(t, []string{"supervisor", "manager", "administrator"}, names)

	names = names[:0]
	for _, c := range h.Children(1) {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"manager", "auditor"}, names, "children ordered by priority desc")

	assert.Len(t, h.Descendants(1), 5)
	assert.True(t, h.IsDescendantOf(4, 1))
	assert.False(t, h.IsDescendantOf(1, 4))
	assert.False(t, h.IsDescendantOf(6, 2))

	role, ok := h.RoleByName(" Cashier ")
	require.True(t, ok)
	assert.Equal(t, int64(4), role.ID)
}

func TestCanInheritFrom(t *testing.T) {
	h := NewHierarchy(workshopRoles())
	assert.True(t, h.CanInheritFrom(4, 2), "cashier may sit under manager")
	assert.False(t, h.CanInheritFrom(4, 4), "not itself")
	assert.False(t, h.CanInheritFrom(2, 4), "not a descendant")
	assert.False(t, h.CanInheritFrom(5, 2), "not a role at the same level")
	assert.False(t, h.CanInheritFrom(1, 2), "roots stay roots")
}

func TestReparentRejectsCycleAndLeavesTreeUntouched(t *testing.T) {
	h := NewHierarchy(workshopRoles())

	_, err := h.Reparent(2, ptr(int64(4)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCyclicHierarchy))

	_, err = h.Reparent(3, ptr(int64(3)))
	assert.True(t, errors.Is(err, ErrCyclicHierarchy))

	manager, _ := h.Role(2)
	require.NotNil(t, manager.ParentID)
	assert.Equal(t, int64(1), *manager.ParentID)
	assert.Equal(t, 1, manager.HierarchyLevel)
}

func TestReparentCascadesLevels(t *testing.T) {
	h := NewHierarchy(workshopRoles())

	changes, err := h.Reparent(3, ptr(int64(1)))
	require.NoError(t, err)
	assert.ElementsMatch(t, []LevelChange{
		{RoleID: 3, From: 2, To: 1},
		{RoleID: 4, From: 3, To: 2},
	}, changes)

	supervisor, _ := h.Role(3)
	cashier, _ := h.Role(4)
	assert.Equal(t, 1, supervisor.HierarchyLevel)
	assert.Equal(t, 2, cashier.HierarchyLevel)
	assert.Empty(t, h.Children(2))
	assert.Equal(t, []string{"sales.create", "sales.refund", "users.manage"}, ResolveEffectivePermissions(h, 4))

	changes, err = h.Reparent(3, nil)
	require.NoError(t, err)
	assert.Len(t, changes, 2)
	supervisor, _ = h.Role(3)
	cashier, _ = h.Role(4)
	assert.Equal(t, 0, supervisor.HierarchyLevel)
	assert.Equal(t, 1, cashier.HierarchyLevel)
}

func TestReparentRejectsDisabledParent(t *testing.T) {
	list := workshopRoles()
	list[1].IsActive = false
	h := NewHierarchy(list)
	_, err := h.Reparent(4, ptr(int64(2)))
	assert.True(t, errors.Is(err, ErrInvalidParent))
}

func TestCorruptedParentLoopTerminates(t *testing.T) {
	h := NewHierarchy([]Role{
		{ID: 1, Name: "a", ParentID: ptr(int64(2)), IsInheritable: true, IsActive: true, Permissions: []string{"a.read"}},
		{ID: 2, Name: "b", ParentID: ptr(int64(1)), IsInheritable: true, IsActive: true, Permissions: []string{"b.read"}},
	})
	assert.Equal(t, []string{"a.read", "b.read"}, ResolveEffectivePermissions(h, 1))
	assert.Len(t, h.Ancestors(1), 1)
	assert.Len(t, h.Roles(), 2)
}

var permissionPool = []string{"orders.view", "orders.edit", "sales.create", "sales.refund", "reports.view", "users.manage"}

func randomForest(r *rand.Rand, n int) []Role {
	list := make([]Role, 0, n)
	for i := 0; i < n; i++ {
		role := Role{
			ID:            int64(i + 1),
			Name:          fmt.Sprintf("role-%d", i+1),
			IsInheritable: r.Intn(4) != 0,
			IsActive:      true,
		}
		if i > 0 && r.Intn(5) != 0 {
			parent := list[r.Intn(i)]
			pid := parent.ID
			role.ParentID = &pid
			role.HierarchyLevel = parent.HierarchyLevel + 1
		}
		for _, p := range permissionPool {
			if r.Intn(3) == 0 {
				role.Permissions = append(role.Permissions, p)
			}
		}
		list = append(list, role)
	}
	return list
}

func expectedPermissions(h *Hierarchy, id int64) map[string]bool {
	role, _ := h.Role(id)
	out := map[string]bool{}
	for _, p := range role.Permissions {
		out[p] = true
	}
	if role.IsInheritable && role.ParentID != nil {
		for p := range expectedPermissions(h, *role.ParentID) {
			out[p] = true
		}
	}
	return out
}

func TestHierarchyProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("effective = own ∪ parent's effective while inheritable", prop.ForAll(
		func(seed int64, n int) bool {
			h := NewHierarchy(randomForest(rand.New(rand.NewSource(seed)), n))
			for _, role := range h.Roles() {
				want := expectedPermissions(h, role.ID)
				got := ResolveEffectivePermissions(h, role.ID)
				if len(got) != len(want) {
					return false
				}
				for _, p := range got {
					if !want[p] {
						return false
					}
				}
				if !slices.IsSorted(got) {
					return false
				}
			}
			return true
		},
		gen.Int64(),
		gen.IntRange(1, 25),
	))

	properties.Property("reparenting keeps the tree acyclic and levels consistent", prop.ForAll(
		func(seed int64, n int) bool {
			r := rand.New(rand.NewSource(seed))
			h := NewHierarchy(randomForest(r, n))
			for attempt := 0; attempt < 3*n; attempt++ {
				id := int64(r.Intn(n) + 1)
				var parent *int64
				if r.Intn(4) != 0 {
					parent = ptr(int64(r.Intn(n) + 1))
				}
				_, _ = h.Reparent(id, parent)
			}
			for _, role := range h.Roles() {
				if len(h.Ancestors(role.ID)) != role.HierarchyLevel {
					return false
				}
				if h.IsDescendantOf(role.ID, role.ID) {
					return false
				}
				if p, ok := h.Parent(role.ID); ok && role.HierarchyLevel != p.HierarchyLevel+1 {
					return false
				}
			}
			return true
		},
		gen.Int64(),
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}
