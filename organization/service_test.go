package organization

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"

	"aidflow/auth"
)

func TestRegister_StartsInactive(t *testing.T) {
	repo := &fakeDirectory{byID: map[string]Organization{}}
	svc := NewService(repo)

	admin := auth.Actor{UserID: "admin-1", Role: auth.RoleAdmin}
	org, err := svc.Register(context.Background(), admin, Organization{Name: "الهلال", Phone: "0911111111"})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if org.Active {
		t.Errorf("expected new organization to start inactive")
	}

	requester := auth.Actor{UserID: "user-1", Role: auth.RoleRequester}
	if _, err := svc.Register(context.Background(), requester, Organization{Name: "x", Phone: "y"}); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden for requester, got %v", err)
	}
}

func TestRequireActive(t *testing.T) {
	repo := &fakeDirectory{byID: map[string]Organization{
		"org-1": {ID: "org-1", Active: true},
		"org-2": {ID: "org-2", Active: false},
	}}
	svc := NewService(repo)

	if _, err := svc.RequireActive(context.Background(), "org-1"); err != nil {
		t.Errorf("expected active organization to pass, got %v", err)
	}
	if _, err := svc.RequireActive(context.Background(), "org-2"); !errors.Is(err, ErrInactive) {
		t.Errorf("expected ErrInactive, got %v", err)
	}
	if _, err := svc.RequireActive(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestApprove_AdminOnly(t *testing.T) {
	repo := &fakeDirectory{byID: map[string]Organization{
		"org-1": {ID: "org-1", Active: false},
	}}
	svc := NewService(repo)

	inspector := auth.Actor{UserID: "insp-1", Role: auth.RoleInspector}
	if _, err := svc.Approve(context.Background(), inspector, "org-1"); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden for inspector, got %v", err)
	}

	admin := auth.Actor{UserID: "admin-1", Role: auth.RoleAdmin}
	org, err := svc.Approve(context.Background(), admin, "org-1")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !org.Active {
		t.Errorf("expected organization to be active after approval")
	}
}

type fakeDirectory struct {
	byID map[string]Organization
}

func (f *fakeDirectory) Create(ctx context.Context, org Organization) (Organization, error) {
	if org.ID == "" {
		org.ID = "org-generated"
	}
	f.byID[org.ID] = org
	return org, nil
}

func (f *fakeDirectory) GetByID(ctx context.Context, id string) (Organization, error) {
	org, ok := f.byID[id]
	if !ok {
		return Organization{}, ErrNotFound
	}
	return org, nil
}

func (f *fakeDirectory) List(ctx context.Context, activeOnly bool, limit int) ([]Organization, error) {
	orgs := []Organization{}
	for _, org := range f.byID {
		if activeOnly && !org.Active {
			continue
		}
		orgs = append(orgs, org)
	}
	return orgs, nil
}

func (f *fakeDirectory) SetActive(ctx context.Context, id string, active bool) (Organization, error) {
	org, ok := f.byID[id]
	if !ok {
		return Organization{}, ErrNotFound
	}
	org.Active = active
	f.byID[id] = org
	return org, nil
}

func (f *fakeDirectory) IncrementCompleted(ctx context.Context, tx pgx.Tx, id string) error {
	org, ok := f.byID[id]
	if !ok {
		return ErrNotFound
	}
	org.CompletedCount++
	f.byID[id] = org
	return nil
}
