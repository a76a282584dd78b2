// Package policy evaluates conditional permission grants against a
// subject, an optional resource and the runtime environment of a check.
package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrUnsupportedCondition reports a condition kind no decoder is registered for.
var ErrUnsupportedCondition = errors.New("policy: unsupported condition type")

// Kind names a condition variant. It is the "type" field of the JSON form.
type Kind string

// Built-in condition kinds.
const (
	KindOwnership       Kind = "ownership"
	KindTimeWindow      Kind = "time_window"
	KindAttributeEquals Kind = "attribute_equals"
	KindDepartmentMatch Kind = "department_match"
	KindIPRange         Kind = "ip_range"
)

// Condition is one clause attached to a (role, permission) pair.
type Condition interface {
	Kind() Kind
	// Evaluate reports whether the clause holds and a short explanation.
	Evaluate(in Input) (bool, string)
}

// Decoder builds a Condition from its JSON form.
type Decoder func(raw json.RawMessage) (Condition, error)

var (
	registryMu sync.RWMutex
	registry   = map[Kind]Decoder{}
)

// Register installs the decoder for a condition kind, replacing any previous one.
func Register(kind Kind, dec Decoder) {
	if kind == "" || dec == nil {
		return
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = dec
}

// RegisteredKinds lists the kinds with a decoder, sorted.
func RegisteredKinds() []Kind {
	registryMu.RLock()
	defer registryMu.RUnlock()
	kinds := make([]Kind, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func lookupDecoder(kind Kind) (Decoder, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	dec, ok := registry[kind]
	return dec, ok
}

// Conditions is the AND-combined clause list for one permission.
type Conditions []Condition

// Validate returns ErrUnsupportedCondition when any clause could not be decoded.
func (cs Conditions) Validate() error {
	for _, c := range cs {
		if u, ok := c.(Unsupported); ok {
			if u.Err != nil {
				return fmt.Errorf("%w: %s: %v", ErrUnsupportedCondition, u.Type, u.Err)
			}
			return fmt.Errorf("%w: %s", ErrUnsupportedCondition, u.Type)
		}
	}
	return nil
}

// MarshalJSON encodes the clauses as an array of objects tagged by "type".
func (cs Conditions) MarshalJSON() ([]byte, error) {
	out := make([]json.RawMessage, 0, len(cs))
	for _, c := range cs {
		raw, err := encodeCondition(c)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts either an array of clauses or a single clause object.
// Clauses with an unknown or malformed type decode to Unsupported so that
// evaluation fails closed instead of skipping them.
func (cs *Conditions) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*cs = nil
		return nil
	}
	var raws []json.RawMessage
	if trimmed[0] == '{' {
		raws = []json.RawMessage{trimmed}
	} else if err := json.Unmarshal(trimmed, &raws); err != nil {
		return fmt.Errorf("policy: decode conditions: %w", err)
	}
	out := make(Conditions, 0, len(raws))
	for _, raw := range raws {
		out = append(out, DecodeCondition(raw))
	}
	*cs = out
	return nil
}

// DecodeCondition decodes a single tagged clause. It never fails: anything
// that cannot be understood becomes an Unsupported clause.
func DecodeCondition(raw json.RawMessage) Condition {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return Unsupported{Type: "", Raw: raw, Err: err}
	}
	kind := Kind(strings.ToLower(strings.TrimSpace(head.Type)))
	dec, ok := lookupDecoder(kind)
	if !ok {
		return Unsupported{Type: kind, Raw: raw}
	}
	cond, err := dec(raw)
	if err != nil {
		return Unsupported{Type: kind, Raw: raw, Err: err}
	}
	return cond
}

func encodeCondition(c Condition) (json.RawMessage, error) {
	if u, ok := c.(Unsupported); ok && len(u.Raw) > 0 {
		return u.Raw, nil
	}
	body, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	kind, err := json.Marshal(string(c.Kind()))
	if err != nil {
		return nil, err
	}
	fields["type"] = kind
	return json.Marshal(fields)
}

// Unsupported stands in for a clause the engine cannot evaluate. It always denies.
type Unsupported struct {
	Type Kind            `json:"-"`
	Raw  json.RawMessage `json:"-"`
	Err  error           `json:"-"`
}

// Kind implements Condition.
func (u Unsupported) Kind() Kind { return u.Type }

// Evaluate implements Condition.
func (u Unsupported) Evaluate(Input) (bool, string) {
	if u.Err != nil {
		return false, fmt.Sprintf("invalid %s condition: %v", u.Type, u.Err)
	}
	return false, fmt.Sprintf("unsupported condition type: %s", u.Type)
}

func init() {
	Register(KindOwnership, decodeAs[Ownership])
	Register(KindTimeWindow, decodeAs[TimeWindow])
	Register(KindAttributeEquals, decodeAs[AttributeEquals])
	Register(KindDepartmentMatch, decodeAs[DepartmentMatch])
	Register(KindIPRange, decodeAs[IPRange])
}

type validatable interface {
	Condition
	validate() error
}

func decodeAs[T validatable](raw json.RawMessage) (Condition, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	if err := v.validate(); err != nil {
		return nil, err
	}
	return v, nil
}
