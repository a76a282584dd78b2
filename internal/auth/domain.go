package auth

import "time"

// Failed login reasons recorded on failed_login security events.
const (
	ReasonUnknownEmail = "unknown email"
	ReasonInactive     = "account inactive"
	ReasonBadPassword  = "invalid password"
)

// User is the credential view of an account. Permissions are resolved
// separately through the user's role.
type User struct {
	ID           int64
	Email        string
	Name         string
	PasswordHash string
	IsActive     bool
	LastLoginAt  *time.Time
}
