package roles

import (
	"fmt"
	"slices"
	"strings"
)

// Hierarchy is an immutable-by-convention index of roles keyed by id. Parent
// links are ids; every walk carries a visited set so corrupted data cannot loop.
// Roles returned by lookups are shared and must not be modified.
type Hierarchy struct {
	byID     map[int64]*Role
	byName   map[string]int64
	children map[int64][]int64
	roots    []int64
}

// NewHierarchy indexes a copy of roles.
func NewHierarchy(list []Role) *Hierarchy {
	h := &Hierarchy{
		byID:     make(map[int64]*Role, len(list)),
		byName:   make(map[string]int64, len(list)),
		children: make(map[int64][]int64),
	}
	for i := range list {
		r := list[i].clone()
		h.byID[r.ID] = &r
		h.byName[normalizeRoleName(r.Name)] = r.ID
	}
	h.reindex()
	return h
}

func (h *Hierarchy) reindex() {
	h.children = make(map[int64][]int64, len(h.byID))
	h.roots = h.roots[:0]
	for id, r := range h.byID {
		if r.ParentID == nil {
			h.roots = append(h.roots, id)
			continue
		}
		if _, ok := h.byID[*r.ParentID]; !ok {
			// Dangling parent; treat as a root so it stays reachable.
			h.roots = append(h.roots, id)
			continue
		}
		h.children[*r.ParentID] = append(h.children[*r.ParentID], id)
	}
	for parent := range h.children {
		h.sortIDs(h.children[parent])
	}
	h.sortIDs(h.roots)
}

// sortIDs orders by priority desc, then name.
func (h *Hierarchy) sortIDs(ids []int64) {
	slices.SortFunc(ids, func(a, b int64) int {
		ra, rb := h.byID[a], h.byID[b]
		if ra.Priority != rb.Priority {
			return rb.Priority - ra.Priority
		}
		return strings.Compare(ra.Name, rb.Name)
	})
}

// Role looks a role up by id.
func (h *Hierarchy) Role(id int64) (*Role, bool) {
	if h == nil {
		return nil, false
	}
	r, ok := h.byID[id]
	return r, ok
}

// RoleByName looks a role up by its key.
func (h *Hierarchy) RoleByName(name string) (*Role, bool) {
	if h == nil {
		return nil, false
	}
	id, ok := h.byName[normalizeRoleName(name)]
	if !ok {
		return nil, false
	}
	return h.Role(id)
}

// Roles lists every role, roots first in display order, depth first.
func (h *Hierarchy) Roles() []*Role {
	if h == nil {
		return nil
	}
	out := make([]*Role, 0, len(h.byID))
	visited := make(map[int64]bool, len(h.byID))
	var stack []int64
	for i := len(h.roots) - 1; i >= 0; i-- {
		stack = append(stack, h.roots[i])
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[id] {
			continue
		}
		visited[id] = true
		out = append(out, h.byID[id])
		kids := h.children[id]
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, kids[i])
		}
	}
	// Anything unreachable sits on a corrupted cycle; list it last.
	if len(out) < len(h.byID) {
		var rest []int64
		for id := range h.byID {
			if !visited[id] {
				rest = append(rest, id)
			}
		}
		h.sortIDs(rest)
		for _, id := range rest {
			out = append(out, h.byID[id])
		}
	}
	return out
}

// Parent returns the parent of a role.
func (h *Hierarchy) Parent(id int64) (*Role, bool) {
	r, ok := h.Role(id)
	if !ok || r.ParentID == nil {
		return nil, false
	}
	return h.Role(*r.ParentID)
}

// Children returns the direct children ordered by priority desc, then name.
func (h *Hierarchy) Children(id int64) []*Role {
	if h == nil {
		return nil
	}
	ids := h.children[id]
	out := make([]*Role, 0, len(ids))
	for _, cid := range ids {
		out = append(out, h.byID[cid])
	}
	return out
}

// Ancestors returns the parent chain, nearest first.
func (h *Hierarchy) Ancestors(id int64) []*Role {
	var out []*Role
	visited := map[int64]bool{id: true}
	cur, ok := h.Parent(id)
	for ok && !visited[cur.ID] {
		visited[cur.ID] = true
		out = append(out, cur)
		cur, ok = h.Parent(cur.ID)
	}
	return out
}

// Descendants returns every role below id, breadth first.
func (h *Hierarchy) Descendants(id int64) []*Role {
	if h == nil {
		return nil
	}
	var out []*Role
	visited := map[int64]bool{id: true}
	queue := slices.Clone(h.children[id])
	for len(queue) > 0 {
		cid := queue[0]
		queue = queue[1:]
		if visited[cid] {
			continue
		}
		visited[cid] = true
		out = append(out, h.byID[cid])
		queue = append(queue, h.children[cid]...)
	}
	return out
}

// IsDescendantOf reports whether id sits somewhere below ancestorID.
func (h *Hierarchy) IsDescendantOf(id, ancestorID int64) bool {
	for _, a := range h.Ancestors(id) {
		if a.ID == ancestorID {
			return true
		}
	}
	return false
}

// CanInheritFrom reports whether candidate may become the parent of role:
// never itself, never one of its descendants and only from a strictly
// shallower level.
func (h *Hierarchy) CanInheritFrom(roleID, candidateID int64) bool {
	return h.CheckParent(roleID, &candidateID) == nil
}

// CheckParent validates a parent assignment without applying it.
func (h *Hierarchy) CheckParent(roleID int64, parentID *int64) error {
	role, ok := h.Role(roleID)
	if !ok {
		return fmt.Errorf("role %d: %w", roleID, ErrNotFound)
	}
	if parentID == nil {
		return nil
	}
	if *parentID == roleID {
		return fmt.Errorf("role %s cannot be its own parent: %w", role.Name, ErrCyclicHierarchy)
	}
	candidate, ok := h.Role(*parentID)
	if !ok {
		return fmt.Errorf("parent %d does not exist: %w", *parentID, ErrInvalidParent)
	}
	if h.IsDescendantOf(candidate.ID, roleID) {
		return fmt.Errorf("%s is a descendant of %s: %w", candidate.Name, role.Name, ErrCyclicHierarchy)
	}
	if candidate.HierarchyLevel >= role.HierarchyLevel {
		return fmt.Errorf("%s (level %d) is not above %s (level %d): %w",
			candidate.Name, candidate.HierarchyLevel, role.Name, role.HierarchyLevel, ErrInvalidParent)
	}
	if !candidate.IsActive {
		return fmt.Errorf("%s is disabled: %w", candidate.Name, ErrInvalidParent)
	}
	return nil
}

// Reparent validates and applies a parent change to this hierarchy and
// returns the level changes it cascades. On error nothing is modified.
func (h *Hierarchy) Reparent(roleID int64, parentID *int64) ([]LevelChange, error) {
	if err := h.CheckParent(roleID, parentID); err != nil {
		return nil, err
	}
	role := h.byID[roleID]
	if parentID == nil {
		role.ParentID = nil
	} else {
		pid := *parentID
		role.ParentID = &pid
	}
	h.reindex()
	return h.Relevel(roleID), nil
}

// Relevel recomputes the level of a role from its parent and cascades the
// result to every descendant. It returns the roles whose level changed.
func (h *Hierarchy) Relevel(roleID int64) []LevelChange {
	role, ok := h.Role(roleID)
	if !ok {
		return nil
	}
	var changes []LevelChange
	set := func(r *Role, level int) {
		if r.HierarchyLevel != level {
			changes = append(changes, LevelChange{RoleID: r.ID, From: r.HierarchyLevel, To: level})
			r.HierarchyLevel = level
		}
	}
	level := 0
	if parent, ok := h.Parent(roleID); ok {
		level = parent.HierarchyLevel + 1
	}
	set(role, level)

	visited := map[int64]bool{roleID: true}
	queue := []int64{roleID}
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		parentLevel := h.byID[pid].HierarchyLevel
		for _, cid := range h.children[pid] {
			if visited[cid] {
				continue
			}
			visited[cid] = true
			set(h.byID[cid], parentLevel+1)
			queue = append(queue, cid)
		}
	}
	return changes
}

// EffectivePermissions is ResolveEffectivePermissions bound to h.
func (h *Hierarchy) EffectivePermissions(roleID int64) []string {
	return ResolveEffectivePermissions(h, roleID)
}

// ResolveEffectivePermissions returns the role's own permissions plus, while
// the role is inheritable, those of its parent resolved the same way. A
// non-inheritable role neither receives from nor passes through its ancestors.
// The result is sorted and deduplicated.
func ResolveEffectivePermissions(h *Hierarchy, roleID int64) []string {
	seen := make(map[string]struct{})
	visited := make(map[int64]bool)
	cur, ok := h.Role(roleID)
	for ok && !visited[cur.ID] {
		visited[cur.ID] = true
		for _, p := range cur.Permissions {
			seen[p] = struct{}{}
		}
		if !cur.IsInheritable {
			break
		}
		cur, ok = h.Parent(cur.ID)
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}
