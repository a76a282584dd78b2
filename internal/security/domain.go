package security

import (
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the event does not exist.
	ErrNotFound = errors.New("security: event not found")
	// ErrInvalidEventType rejects an event type outside the known set.
	ErrInvalidEventType = errors.New("security: invalid event type")
	// ErrInvalidSeverity rejects a severity outside low..critical.
	ErrInvalidSeverity = errors.New("security: invalid severity")
	// ErrInvalidStatus rejects a lifecycle filter other than open, investigated or resolved.
	ErrInvalidStatus = errors.New("security: invalid status")
	// ErrAlreadyResolved rejects lifecycle changes to a resolved event.
	ErrAlreadyResolved = errors.New("security: event already resolved")
)

// EventType classifies a security event.
type EventType string

const (
	EventLoginAttempt        EventType = "login_attempt"
	EventFailedLogin         EventType = "failed_login"
	EventPermissionViolation EventType = "permission_violation"
	EventSuspiciousActivity  EventType = "suspicious_activity"
	EventAccountLockout      EventType = "account_lockout"
	EventPrivilegeEscalation EventType = "privilege_escalation"
	EventDataBreachAttempt   EventType = "data_breach_attempt"
	EventUnauthorizedAccess  EventType = "unauthorized_access"
	EventSessionHijack       EventType = "session_hijack"
	EventBruteForce          EventType = "brute_force"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventLoginAttempt, EventFailedLogin, EventPermissionViolation, EventSuspiciousActivity,
		EventAccountLockout, EventPrivilegeEscalation, EventDataBreachAttempt, EventUnauthorizedAccess,
		EventSessionHijack, EventBruteForce:
		return true
	}
	return false
}

// Severity ranks an event.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// AtLeast reports whether s ranks at or above other.
func (s Severity) AtLeast(other Severity) bool {
	return severityRank[s] >= severityRank[other] && s.Valid()
}

// Event is one recorded security signal.
type Event struct {
	ID                 int64          `json:"id"`
	EventType          EventType      `json:"event_type"`
	Severity           Severity       `json:"severity"`
	UserID             *int64         `json:"user_id,omitempty"`
	IPAddress          string         `json:"ip_address,omitempty"`
	UserAgent          string         `json:"user_agent,omitempty"`
	EventData          map[string]any `json:"event_data,omitempty"`
	ActionTaken        string         `json:"action_taken,omitempty"`
	Investigated       bool           `json:"investigated"`
	InvestigationNotes string         `json:"investigation_notes,omitempty"`
	ResolvedAt         *time.Time     `json:"resolved_at,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}

// RequiresImmediateAction reports critical events and the event types that
// always need a human regardless of severity.
func (e Event) RequiresImmediateAction() bool {
	if e.Severity == SeverityCritical {
		return true
	}
	switch e.EventType {
	case EventDataBreachAttempt, EventPrivilegeEscalation, EventSessionHijack:
		return true
	}
	return false
}

// Status names the lifecycle state of the event.
func (e Event) Status() string {
	switch {
	case e.ResolvedAt != nil:
		return "resolved"
	case e.Investigated:
		return "investigated"
	default:
		return "open"
	}
}

// ListFilters narrows an event listing.
type ListFilters struct {
	EventType EventType
	Severity  Severity
	Status    string
	From      time.Time
	To        time.Time
	Page      int
	PageSize  int
}

// PagingInfo carries simple page metadata.
type PagingInfo struct {
	Page     int  `json:"page"`
	PageSize int  `json:"page_size"`
	HasNext  bool `json:"has_next"`
}

// Page wraps one page of events.
type Page struct {
	Rows   []Event    `json:"rows"`
	Paging PagingInfo `json:"paging"`
}
