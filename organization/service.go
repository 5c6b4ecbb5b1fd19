package organization

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"aidflow/auth"
)

var (
	// ErrForbidden signals a role mismatch.
	ErrForbidden = errors.New("organization: not permitted")
	// ErrInactive signals the organization is suspended or awaiting approval.
	ErrInactive = errors.New("organization: not active")
	// ErrValidation signals malformed input.
	ErrValidation = errors.New("organization: invalid input")
)

// Directory abstracts repository operations for the service.
type Directory interface {
	Create(ctx context.Context, org Organization) (Organization, error)
	GetByID(ctx context.Context, id string) (Organization, error)
	List(ctx context.Context, activeOnly bool, limit int) ([]Organization, error)
	SetActive(ctx context.Context, id string, active bool) (Organization, error)
	IncrementCompleted(ctx context.Context, tx pgx.Tx, id string) error
}

// Service exposes directory operations with role checks.
type Service struct {
	repo Directory
}

func NewService(repo Directory) *Service {
	return &Service{repo: repo}
}

// Register creates an inactive directory entry pending admin approval.
func (s *Service) Register(ctx context.Context, actor auth.Actor, org Organization) (Organization, error) {
	if !actor.Role.Reviewer() {
		return Organization{}, ErrForbidden
	}
	if strings.TrimSpace(org.Name) == "" {
		return Organization{}, fmt.Errorf("%w: name required", ErrValidation)
	}
	if strings.TrimSpace(org.Phone) == "" {
		return Organization{}, fmt.Errorf("%w: phone required", ErrValidation)
	}
	org.Active = false
	return s.repo.Create(ctx, org)
}

// Approve activates an organization. Admin only.
func (s *Service) Approve(ctx context.Context, actor auth.Actor, id string) (Organization, error) {
	if actor.Role != auth.RoleAdmin {
		return Organization{}, ErrForbidden
	}
	return s.repo.SetActive(ctx, id, true)
}

// Suspend deactivates an organization, blocking new pledges. Admin only.
func (s *Service) Suspend(ctx context.Context, actor auth.Actor, id string) (Organization, error) {
	if actor.Role != auth.RoleAdmin {
		return Organization{}, ErrForbidden
	}
	return s.repo.SetActive(ctx, id, false)
}

// GetByID returns one directory entry.
func (s *Service) GetByID(ctx context.Context, id string) (Organization, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns the directory. Non-reviewers only see active entries.
func (s *Service) List(ctx context.Context, actor auth.Actor, limit int) ([]Organization, error) {
	return s.repo.List(ctx, !actor.Role.Reviewer(), limit)
}

// RequireActive loads an organization and fails unless it may operate.
func (s *Service) RequireActive(ctx context.Context, id string) (Organization, error) {
	org, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return Organization{}, err
	}
	if !org.Active {
		return Organization{}, ErrInactive
	}
	return org, nil
}
