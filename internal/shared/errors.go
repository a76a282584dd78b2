package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidCredentials indicates login failure.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUnauthenticated indicates the request carries no authenticated user.
	ErrUnauthenticated = errors.New("unauthenticated")
)

// UserSafeMessage returns a message that can be shown to end users without
// leaking internal details.
func UserSafeMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "Data not found"
	case errors.Is(err, ErrInvalidCredentials):
		return "Invalid email or password"
	case errors.Is(err, ErrUnauthenticated):
		return "Authentication required"
	default:
		return "Something went wrong, please try again"
	}
}
