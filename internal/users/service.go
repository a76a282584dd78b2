package users

import (
	"context"
	"errors"
	"fmt"
)

// ErrRoleUnavailable reports an assignment to a missing or disabled role.
var ErrRoleUnavailable = errors.New("users: role missing or disabled")

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	GetUser(ctx context.Context, id int64) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)
	AssignRole(ctx context.Context, userID int64, roleID *int64) error
}

// RoleChecker confirms a role can be assigned.
type RoleChecker interface {
	RoleAssignable(ctx context.Context, roleID int64) (bool, error)
}

// Service handles user business logic.
type Service struct {
	repo  RepositoryPort
	roles RoleChecker
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, roles RoleChecker) *Service {
	return &Service{repo: repo, roles: roles}
}

// GetUser returns one user.
func (s *Service) GetUser(ctx context.Context, id int64) (*User, error) {
	return s.repo.GetUser(ctx, id)
}

// ListUsers returns all users.
func (s *Service) ListUsers(ctx context.Context) ([]User, error) {
	return s.repo.ListUsers(ctx)
}

// AssignRole changes the role of a user. A nil role leaves the user without permissions.
func (s *Service) AssignRole(ctx context.Context, userID int64, roleID *int64) (*User, error) {
	if roleID != nil && s.roles != nil {
		ok, err := s.roles.RoleAssignable(ctx, *roleID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("role %d: %w", *roleID, ErrRoleUnavailable)
		}
	}
	if err := s.repo.AssignRole(ctx, userID, roleID); err != nil {
		return nil, err
	}
	return s.repo.GetUser(ctx, userID)
}
