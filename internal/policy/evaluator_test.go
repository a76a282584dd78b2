package policy

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubGrant struct {
	conditions map[string]Conditions
	expiresAt  *time.Time
}

func (g stubGrant) ConditionsFor(permission string) (Conditions, bool) {
	c, ok := g.conditions[permission]
	return c, ok
}

func (g stubGrant) ExpiredAt(now time.Time) bool {
	return g.expiresAt != nil && g.expiresAt.Before(now)
}

func at(hour, minute int) time.Time {
	return time.Date(2024, 3, 11, hour, minute, 0, 0, time.UTC) // Monday
}

func TestEvaluateConditionsWithoutUserDenies(t *testing.T) {
	d := NewEvaluator().EvaluateConditions(stubGrant{}, "sales.create", nil, nil, Environment{})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonNoUser, d.Reason)
}

func TestEvaluateConditionsWithoutConditionsAllows(t *testing.T) {
	d := NewEvaluator().EvaluateConditions(stubGrant{}, "sales.create", &Subject{UserID: 1}, nil, Environment{Now: at(9, 0)})
	assert.True(t, d.Allowed)
	assert.Equal(t, ReasonNoConditions, d.Reason)
}

func TestEvaluateConditionsExpiredRoleDeniesFirst(t *testing.T) {
	expired := at(8, 0)
	grant := stubGrant{expiresAt: &expired}
	d := NewEvaluator().EvaluateConditions(grant, "sales.create", &Subject{UserID: 1}, nil, Environment{Now: at(9, 0)})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonRoleExpired, d.Reason)
}

func TestTimeWindowManagerScenario(t *testing.T) {
	grant := stubGrant{conditions: map[string]Conditions{
		"reports.view": {TimeWindow{Start: "08:00", End: "18:00"}},
	}}
	subject := &Subject{UserID: 7, RoleName: "manager"}
	eval := NewEvaluator()

	evening := eval.EvaluateConditions(grant, "reports.view", subject, nil, Environment{Now: at(20, 0)})
	assert.False(t, evening.Allowed)
	assert.Contains(t, evening.Reason, "time window")

	morning := eval.EvaluateConditions(grant, "reports.view", subject, nil, Environment{Now: at(10, 0)})
	assert.True(t, morning.Allowed)
}

func TestTimeWindowUsesClockWhenEnvironmentHasNoTime(t *testing.T) {
	grant := stubGrant{conditions: map[string]Conditions{
		"reports.view": {TimeWindow{Start: "08:00", End: "18:00"}},
	}}
	eval := NewEvaluator().WithClock(func() time.Time { return at(20, 30) })
	d := eval.EvaluateConditions(grant, "reports.view", &Subject{UserID: 1}, nil, Environment{})
	assert.False(t, d.Allowed)
}

func TestTimeWindowOvernightAndDays(t *testing.T) {
	night := TimeWindow{Start: "22:00", End: "06:00"}
	ok, _ := night.Evaluate(Input{Env: Environment{Now: at(23, 15)}})
	assert.True(t, ok)
	ok, _ = night.Evaluate(Input{Env: Environment{Now: at(5, 59)}})
	assert.True(t, ok)
	ok, _ = night.Evaluate(Input{Env: Environment{Now: at(12, 0)}})
	assert.False(t, ok)

	weekdaysOnly := TimeWindow{Start: "00:00", End: "23:59", Days: []string{"sat", "sunday"}}
	ok, reason := weekdaysOnly.Evaluate(Input{Env: Environment{Now: at(10, 0)}})
	assert.False(t, ok)
	assert.Contains(t, reason, "mon")
}

func TestTimeWindowTimezone(t *testing.T) {
	w := TimeWindow{Start: "08:00", End: "18:00", Timezone: "Asia/Kuwait"}
	// 06:00 UTC is 09:00 in Kuwait.
	ok, _ := w.Evaluate(Input{Env: Environment{Now: at(6, 0)}})
	assert.True(t, ok)
}

func TestOwnership(t *testing.T) {
	owner := int64(42)
	cond := Ownership{}
	ok, _ := cond.Evaluate(Input{Subject: &Subject{UserID: 42}, Resource: &Resource{OwnerID: &owner}})
	assert.True(t, ok)

	ok, reason := cond.Evaluate(Input{Subject: &Subject{UserID: 7}, Resource: &Resource{OwnerID: &owner}})
	assert.False(t, ok)
	assert.Equal(t, "resource is owned by another user", reason)

	custom := Ownership{Field: "assigned_worker_id"}
	ok, _ = custom.Evaluate(Input{Subject: &Subject{UserID: 9}, Resource: &Resource{Attributes: map[string]any{"assigned_worker_id": float64(9)}}})
	assert.True(t, ok)

	ok, _ = cond.Evaluate(Input{Subject: &Subject{UserID: 9}})
	assert.False(t, ok)
}

func TestAttributeEquals(t *testing.T) {
	res := &Resource{Type: "order", Attributes: map[string]any{"status": "draft", "total": 12}}
	ok, _ := AttributeEquals{Field: "status", Value: "draft"}.Evaluate(Input{Resource: res})
	assert.True(t, ok)
	ok, _ = AttributeEquals{Field: "total", Value: float64(12)}.Evaluate(Input{Resource: res})
	assert.True(t, ok)
	ok, _ = AttributeEquals{Field: "status", Value: "paid"}.Evaluate(Input{Resource: res})
	assert.False(t, ok)

	env := Environment{Values: map[string]any{"channel": "pos"}}
	ok, _ = AttributeEquals{Source: "context", Field: "channel", Value: "pos"}.Evaluate(Input{Env: env})
	assert.True(t, ok)
	ok, reason := AttributeEquals{Source: "context", Field: "branch", Value: "x"}.Evaluate(Input{Env: env})
	assert.False(t, ok)
	assert.Contains(t, reason, "missing")
}

func TestAttributeEqualsComparesLargeIntegersExactly(t *testing.T) {
	res := &Resource{Attributes: map[string]any{"account": int64(9007199254740993)}}

	ok, _ := AttributeEquals{Field: "account", Value: int64(9007199254740992)}.Evaluate(Input{Resource: res})
	assert.False(t, ok)
	ok, _ = AttributeEquals{Field: "account", Value: float64(9007199254740992)}.Evaluate(Input{Resource: res})
	assert.False(t, ok, "a rounded float must not match a distinct integer")
	ok, _ = AttributeEquals{Field: "account", Value: int64(9007199254740993)}.Evaluate(Input{Resource: res})
	assert.True(t, ok)

	cond := DecodeCondition(json.RawMessage(`{"type":"attribute_equals","field":"account","value":9007199254740992}`))
	ok, _ = cond.Evaluate(Input{Resource: res})
	assert.False(t, ok)
	cond = DecodeCondition(json.RawMessage(`{"type":"attribute_equals","field":"account","value":9007199254740993}`))
	ok, reason := cond.Evaluate(Input{Resource: res})
	assert.True(t, ok, reason)
}

func TestDepartmentMatch(t *testing.T) {
	cond := DepartmentMatch{}
	ok, _ := cond.Evaluate(Input{Subject: &Subject{Department: "Tailoring"}, Resource: &Resource{Department: "tailoring"}})
	assert.True(t, ok)
	ok, _ = cond.Evaluate(Input{Subject: &Subject{Department: "tailoring"}, Resource: &Resource{Attributes: map[string]any{"department": "sales"}}})
	assert.False(t, ok)
	ok, _ = cond.Evaluate(Input{Subject: &Subject{}, Resource: &Resource{Department: "sales"}})
	assert.False(t, ok)
}

func TestIPRange(t *testing.T) {
	cond := IPRange{CIDRs: []string{"10.0.0.0/8", "192.168.1.0/24"}}
	ok, _ := cond.Evaluate(Input{Env: Environment{IPAddress: "10.2.3.4"}})
	assert.True(t, ok)
	ok, _ = cond.Evaluate(Input{Env: Environment{IPAddress: "8.8.8.8"}})
	assert.False(t, ok)
	ok, _ = cond.Evaluate(Input{Env: Environment{}})
	assert.False(t, ok)
}

func TestAllClausesMustPass(t *testing.T) {
	owner := int64(3)
	grant := stubGrant{conditions: map[string]Conditions{
		"orders.edit": {Ownership{}, TimeWindow{Start: "08:00", End: "18:00"}},
	}}
	eval := NewEvaluator()
	res := &Resource{OwnerID: &owner}

	d := eval.EvaluateConditions(grant, "orders.edit", &Subject{UserID: 3}, res, Environment{Now: at(9, 0)})
	assert.True(t, d.Allowed)
	assert.Equal(t, ReasonConditionsMet, d.Reason)

	d = eval.EvaluateConditions(grant, "orders.edit", &Subject{UserID: 3}, res, Environment{Now: at(19, 0)})
	assert.False(t, d.Allowed)
}

func TestUnknownConditionFailsClosed(t *testing.T) {
	var conds Conditions
	require.NoError(t, json.Unmarshal([]byte(`[{"type":"geo_fence","radius":5}]`), &conds))
	require.Len(t, conds, 1)

	grant := stubGrant{conditions: map[string]Conditions{"orders.view": conds}}
	d := NewEvaluator().EvaluateConditions(grant, "orders.view", &Subject{UserID: 1}, nil, Environment{Now: at(9, 0)})
	assert.False(t, d.Allowed)
	assert.Equal(t, "unsupported condition type: geo_fence", d.Reason)

	err := conds.Validate()
	assert.True(t, errors.Is(err, ErrUnsupportedCondition))
}

func TestMalformedKnownConditionFailsClosed(t *testing.T) {
	var conds Conditions
	require.NoError(t, json.Unmarshal([]byte(`{"type":"time_window","start":"8am","end":"18:00"}`), &conds))
	require.Len(t, conds, 1)
	ok, reason := conds[0].Evaluate(Input{Env: Environment{Now: at(9, 0)}})
	assert.False(t, ok)
	assert.True(t, strings.HasPrefix(reason, "invalid time_window condition"))
	assert.Error(t, conds.Validate())
}

func TestConditionsJSONPreservesKinds(t *testing.T) {
	in := Conditions{
		Ownership{Field: "created_by"},
		TimeWindow{Start: "08:00", End: "18:00", Days: []string{"mon"}},
		DepartmentMatch{},
	}
	raw, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"ownership"`)

	var out Conditions
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Len(t, out, 3)
	assert.Equal(t, in[0], out[0])
	assert.Equal(t, in[1], out[1])
	assert.Equal(t, KindDepartmentMatch, out[2].Kind())
}

type alwaysDeny struct{}

func (alwaysDeny) Kind() Kind                    { return "always_deny" }
func (alwaysDeny) Evaluate(Input) (bool, string) { return false, "blocked" }

func TestRegisterExtendsDispatch(t *testing.T) {
	Register("always_deny", func(json.RawMessage) (Condition, error) { return alwaysDeny{}, nil })
	assert.Contains(t, RegisteredKinds(), Kind("always_deny"))

	cond := DecodeCondition(json.RawMessage(`{"type":"always_deny"}`))
	ok, reason := cond.Evaluate(Input{})
	assert.False(t, ok)
	assert.Equal(t, "blocked", reason)
}
