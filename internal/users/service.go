package users

import (
	"context"

	"github.com/google/uuid"
)

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	ListUsers(ctx context.Context) ([]User, error)
	GetUser(ctx context.Context, id uuid.UUID) (User, error)
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
	IsSuperuser(ctx context.Context, id uuid.UUID) (bool, error)
}

// Service handles user directory logic.
type Service struct {
	repo RepositoryPort
}

// NewService builds a Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// ListUsers returns all users.
func (s *Service) ListUsers(ctx context.Context) ([]User, error) {
	return s.repo.ListUsers(ctx)
}

// GetUser returns one user.
func (s *Service) GetUser(ctx context.Context, id uuid.UUID) (User, error) {
	return s.repo.GetUser(ctx, id)
}

// Exists reports whether an active user exists.
func (s *Service) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.repo.Exists(ctx, id)
}

// IsSuperuser reports the directory's superuser flag.
func (s *Service) IsSuperuser(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.repo.IsSuperuser(ctx, id)
}
