package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// Ownership holds when the resource's owning-user field equals the acting user.
type Ownership struct {
	Field string `json:"field,omitempty"`
}

// Kind implements Condition.
func (Ownership) Kind() Kind { return KindOwnership }

func (Ownership) validate() error { return nil }

// Evaluate implements Condition.
func (c Ownership) Evaluate(in Input) (bool, string) {
	if in.Subject == nil {
		return false, "ownership check requires an authenticated user"
	}
	if in.Resource == nil {
		return false, "ownership check requires a resource"
	}
	field := strings.TrimSpace(c.Field)
	if field == "" {
		field = "owner_id"
	}
	var (
		owner int64
		ok    bool
	)
	if field == "owner_id" && in.Resource.OwnerID != nil {
		owner, ok = *in.Resource.OwnerID, true
	} else {
		owner, ok = toInt64(in.Resource.Attribute(field))
	}
	if !ok {
		return false, fmt.Sprintf("resource has no %s", field)
	}
	if owner != in.Subject.UserID {
		return false, "resource is owned by another user"
	}
	return true, "resource owned by user"
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// TimeWindow holds when the check happens inside [Start, End) on one of Days.
// Start after End wraps past midnight. Empty Days means every day.
type TimeWindow struct {
	Start    string   `json:"start"`
	End      string   `json:"end"`
	Days     []string `json:"days,omitempty"`
	Timezone string   `json:"timezone,omitempty"`
}

// Kind implements Condition.
func (TimeWindow) Kind() Kind { return KindTimeWindow }

func (c TimeWindow) validate() error {
	if _, err := parseClock(c.Start); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	if _, err := parseClock(c.End); err != nil {
		return fmt.Errorf("end: %w", err)
	}
	for _, d := range c.Days {
		if _, ok := weekdays[dayKey(d)]; !ok {
			return fmt.Errorf("unknown day %q", d)
		}
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return err
		}
	}
	return nil
}

// Evaluate implements Condition.
func (c TimeWindow) Evaluate(in Input) (bool, string) {
	if err := c.validate(); err != nil {
		return false, fmt.Sprintf("invalid time window: %v", err)
	}
	now := in.Env.Now
	if c.Timezone != "" {
		loc, _ := time.LoadLocation(c.Timezone)
		now = now.In(loc)
	}
	window := fmt.Sprintf("%s-%s", c.Start, c.End)
	if len(c.Days) > 0 && !c.onDay(now.Weekday()) {
		return false, fmt.Sprintf("outside allowed time window %s: %s not permitted", window, strings.ToLower(now.Weekday().String()[:3]))
	}
	start, _ := parseClock(c.Start)
	end, _ := parseClock(c.End)
	minute := now.Hour()*60 + now.Minute()
	var inside bool
	switch {
	case start == end:
		inside = true
	case start < end:
		inside = minute >= start && minute < end
	default:
		inside = minute >= start || minute < end
	}
	if !inside {
		return false, fmt.Sprintf("outside allowed time window %s", window)
	}
	return true, fmt.Sprintf("within time window %s", window)
}

func (c TimeWindow) onDay(day time.Weekday) bool {
	for _, d := range c.Days {
		if weekdays[dayKey(d)] == day {
			return true
		}
	}
	return false
}

func dayKey(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	if len(d) > 3 {
		d = d[:3]
	}
	return d
}

func parseClock(value string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("expected HH:MM, got %q", value)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Attribute sources for AttributeEquals.
const (
	SourceResource = "resource"
	SourceContext  = "context"
	SourceSubject  = "subject"
)

// AttributeEquals holds when a named field equals the configured value.
type AttributeEquals struct {
	Source string `json:"source,omitempty"`
	Field  string `json:"field"`
	Value  any    `json:"value"`
}

// Kind implements Condition.
func (AttributeEquals) Kind() Kind { return KindAttributeEquals }

// UnmarshalJSON keeps numeric values as json.Number so large ids compare exactly.
func (c *AttributeEquals) UnmarshalJSON(data []byte) error {
	type plain AttributeEquals
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out plain
	if err := dec.Decode(&out); err != nil {
		return err
	}
	*c = AttributeEquals(out)
	return nil
}

func (c AttributeEquals) validate() error {
	if strings.TrimSpace(c.Field) == "" {
		return errors.New("field required")
	}
	switch c.source() {
	case SourceResource, SourceContext, SourceSubject:
		return nil
	default:
		return fmt.Errorf("unknown source %q", c.Source)
	}
}

func (c AttributeEquals) source() string {
	if c.Source == "" {
		return SourceResource
	}
	return strings.ToLower(c.Source)
}

// Evaluate implements Condition.
func (c AttributeEquals) Evaluate(in Input) (bool, string) {
	if err := c.validate(); err != nil {
		return false, fmt.Sprintf("invalid attribute condition: %v", err)
	}
	var (
		actual any
		found  bool
	)
	switch c.source() {
	case SourceResource:
		if in.Resource != nil {
			actual, found = in.Resource.lookup(c.Field)
		}
	case SourceContext:
		actual, found = in.Env.Values[c.Field]
	case SourceSubject:
		if in.Subject != nil {
			actual, found = in.Subject.Attributes[c.Field]
		}
	}
	if !found {
		return false, fmt.Sprintf("%s attribute %s missing", c.source(), c.Field)
	}
	if !valuesEqual(actual, c.Value) {
		return false, fmt.Sprintf("%s attribute %s does not match", c.source(), c.Field)
	}
	return true, fmt.Sprintf("%s attribute %s matches", c.source(), c.Field)
}

// DepartmentMatch holds when the user's role department equals the resource department.
type DepartmentMatch struct{}

// Kind implements Condition.
func (DepartmentMatch) Kind() Kind { return KindDepartmentMatch }

func (DepartmentMatch) validate() error { return nil }

// Evaluate implements Condition.
func (DepartmentMatch) Evaluate(in Input) (bool, string) {
	if in.Subject == nil || strings.TrimSpace(in.Subject.Department) == "" {
		return false, "user role has no department"
	}
	if in.Resource == nil {
		return false, "department check requires a resource"
	}
	dept := in.Resource.Department
	if dept == "" {
		if v, ok := in.Resource.Attributes["department"].(string); ok {
			dept = v
		}
	}
	if strings.TrimSpace(dept) == "" {
		return false, "resource has no department"
	}
	if !strings.EqualFold(strings.TrimSpace(dept), strings.TrimSpace(in.Subject.Department)) {
		return false, "department mismatch"
	}
	return true, "department matches"
}

// IPRange holds when the request IP falls inside one of the CIDR blocks.
type IPRange struct {
	CIDRs []string `json:"cidrs"`
}

// Kind implements Condition.
func (IPRange) Kind() Kind { return KindIPRange }

func (c IPRange) validate() error {
	if len(c.CIDRs) == 0 {
		return errors.New("cidrs required")
	}
	for _, cidr := range c.CIDRs {
		if _, err := netip.ParsePrefix(strings.TrimSpace(cidr)); err != nil {
			return err
		}
	}
	return nil
}

// Evaluate implements Condition.
func (c IPRange) Evaluate(in Input) (bool, string) {
	if err := c.validate(); err != nil {
		return false, fmt.Sprintf("invalid ip range: %v", err)
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(in.Env.IPAddress))
	if err != nil {
		return false, "request ip unavailable"
	}
	for _, cidr := range c.CIDRs {
		prefix, _ := netip.ParsePrefix(strings.TrimSpace(cidr))
		if prefix.Contains(addr.Unmap()) {
			return true, "request ip in allowed range"
		}
	}
	return false, "request ip outside allowed ranges"
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case *int64:
		if n == nil {
			return 0, false
		}
		return *n, true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// maxExactFloat is the largest magnitude at which every integer has a float64 form.
const maxExactFloat = 1 << 53

// exactInt reports integral values that can be compared without rounding.
func exactInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int, int32, int64, json.Number:
		return toInt64(n)
	case float64:
		if n != math.Trunc(n) || math.Abs(n) > maxExactFloat {
			return 0, false
		}
		return int64(n), true
	default:
		return 0, false
	}
}

func valuesEqual(actual, expected any) bool {
	ai, aInt := exactInt(actual)
	ei, eInt := exactInt(expected)
	if aInt && eInt {
		return ai == ei
	}
	if a, ok := toFloat(actual); ok {
		if e, ok := toFloat(expected); ok {
			// An integer against a float too large to hold it exactly is ambiguous.
			if (aInt && math.Abs(e) > maxExactFloat) || (eInt && math.Abs(a) > maxExactFloat) {
				return false
			}
			return a == e
		}
	}
	if a, ok := actual.(bool); ok {
		e, ok := expected.(bool)
		return ok && a == e
	}
	if actual == nil || expected == nil {
		return actual == nil && expected == nil
	}
	return fmt.Sprint(actual) == fmt.Sprint(expected)
}
