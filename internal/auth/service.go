package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/tammerofficial/workshop01-sub008/internal/shared"
)

// dummyHash is compared against when the email is unknown so both failure
// paths cost one bcrypt comparison.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("workshop-unknown-account"), bcrypt.DefaultCost)

// Service wraps authentication business rules.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService constructs a new Service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// Authenticate validates email/password credentials. Every credential failure
// is reported as shared.ErrInvalidCredentials; the returned reason says which
// check failed and is meant for security logs only. Storage errors are
// returned as-is.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, string, error) {
	user, err := s.repo.FindByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if !errors.Is(err, shared.ErrNotFound) {
			return nil, "", fmt.Errorf("auth: find user: %w", err)
		}
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, ReasonUnknownEmail, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ReasonBadPassword, shared.ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, ReasonInactive, shared.ErrInvalidCredentials
	}
	return user, "", nil
}

// StartSession persists the session metadata and stamps the user's last login.
func (s *Service) StartSession(ctx context.Context, sessionID string, userID int64, ttl time.Duration, ip, ua string) (time.Time, error) {
	now := s.now().UTC()
	expiresAt := now.Add(ttl)
	if err := s.repo.CreateSession(ctx, sessionID, userID, now, expiresAt, ip, ua); err != nil {
		return expiresAt, fmt.Errorf("auth: create session: %w", err)
	}
	if err := s.repo.TouchLastLogin(ctx, userID, now); err != nil {
		return expiresAt, fmt.Errorf("auth: touch last login: %w", err)
	}
	return expiresAt, nil
}

// RemoveSession deletes a session record from postgres.
func (s *Service) RemoveSession(ctx context.Context, id string) error {
	return s.repo.DeleteSession(ctx, id)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
