package users

import (
	"errors"
	"time"
)

// ErrNotFound indicates the user does not exist.
var ErrNotFound = errors.New("users: not found")

// User is the identity a permission check is made for. Its effective
// permissions come entirely from the referenced role.
type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	RoleID    *int64    `json:"role_id,omitempty"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasRole reports whether the user references a role.
func (u *User) HasRole() bool {
	return u != nil && u.RoleID != nil
}
