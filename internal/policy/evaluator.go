package policy

import (
	"strings"
	"time"
)

// Decision reasons shared with the resolver and the audit trail.
const (
	ReasonNoUser        = "no authenticated user"
	ReasonRoleExpired   = "role expired"
	ReasonNoConditions  = "no conditions to check"
	ReasonConditionsMet = "all conditions satisfied"
)

// Subject is the acting user as seen by the condition evaluator.
type Subject struct {
	UserID     int64
	RoleName   string
	Department string
	Attributes map[string]any
}

// Resource is the optional target of a permission check.
type Resource struct {
	Type       string
	ID         string
	OwnerID    *int64
	Department string
	Attributes map[string]any
}

// Attribute returns a named attribute or nil.
func (r *Resource) Attribute(name string) any {
	v, _ := r.lookup(name)
	return v
}

func (r *Resource) lookup(name string) (any, bool) {
	if r == nil {
		return nil, false
	}
	switch name {
	case "type":
		return r.Type, r.Type != ""
	case "id":
		return r.ID, r.ID != ""
	case "department":
		if r.Department != "" {
			return r.Department, true
		}
	case "owner_id":
		if r.OwnerID != nil {
			return *r.OwnerID, true
		}
	}
	v, ok := r.Attributes[name]
	return v, ok
}

// Environment is the explicit runtime context of one check.
type Environment struct {
	Now       time.Time
	IPAddress string
	Values    map[string]any
}

// Input bundles everything a clause may look at.
type Input struct {
	Subject  *Subject
	Resource *Resource
	Env      Environment
}

// Grant is the role-side view the evaluator needs: expiry and the clauses
// attached to a permission.
type Grant interface {
	ConditionsFor(permission string) (Conditions, bool)
	ExpiredAt(now time.Time) bool
}

// Decision is the outcome of a condition evaluation.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// Evaluator checks role-level conditions attached to a permission.
type Evaluator struct {
	clock func() time.Time
}

// NewEvaluator builds an Evaluator using the wall clock.
func NewEvaluator() *Evaluator {
	return &Evaluator{clock: time.Now}
}

// WithClock returns a copy of the evaluator reading time from clock.
func (e *Evaluator) WithClock(clock func() time.Time) *Evaluator {
	return &Evaluator{clock: clock}
}

func (e *Evaluator) now() time.Time {
	if e == nil || e.clock == nil {
		return time.Now()
	}
	return e.clock()
}

// EvaluateConditions decides whether the conditions grant attaches to
// permission hold. An expired grant denies before anything else is looked at;
// every clause must pass.
func (e *Evaluator) EvaluateConditions(grant Grant, permission string, subject *Subject, resource *Resource, env Environment) Decision {
	if subject == nil {
		return Decision{Allowed: false, Reason: ReasonNoUser}
	}
	if env.Now.IsZero() {
		env.Now = e.now()
	}
	if grant == nil {
		return Decision{Allowed: false, Reason: "no role"}
	}
	if grant.ExpiredAt(env.Now) {
		return Decision{Allowed: false, Reason: ReasonRoleExpired}
	}
	conds, ok := grant.ConditionsFor(strings.ToLower(strings.TrimSpace(permission)))
	if !ok || len(conds) == 0 {
		return Decision{Allowed: true, Reason: ReasonNoConditions}
	}
	in := Input{Subject: subject, Resource: resource, Env: env}
	for _, cond := range conds {
		if cond == nil {
			return Decision{Allowed: false, Reason: "unsupported condition type: <nil>"}
		}
		passed, reason := cond.Evaluate(in)
		if !passed {
			return Decision{Allowed: false, Reason: reason}
		}
	}
	return Decision{Allowed: true, Reason: ReasonConditionsMet}
}
