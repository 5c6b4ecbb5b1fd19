package auth

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestService_RegisterAndLogin(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	req := RegisterRequest{
		Phone:    "0912 345 678",
		Password: "supersafe",
		FullName: "Amina Requester",
	}

	ctx := context.Background()
	user, err := svc.Register(ctx, req)
	if err != nil {
		t.Fatalf("register: unexpected error: %v", err)
	}

	if user.Phone != "0912345678" {
		t.Fatalf("expected normalized phone 0912345678 got %q", user.Phone)
	}
	if user.Role != RoleRequester {
		t.Fatalf("register: expected default role %s got %s", RoleRequester, user.Role)
	}

	resp, err := svc.Login(ctx, LoginRequest{Phone: "0912-345-678", Password: req.Password})
	if err != nil {
		t.Fatalf("login: unexpected error: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("login: expected token, got empty string")
	}
	if resp.User.ID != user.ID {
		t.Fatalf("login: expected user id %q got %q", user.ID, resp.User.ID)
	}

	actor, err := svc.VerifyToken(resp.Token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if actor.UserID != user.ID {
		t.Fatalf("verify token: expected %q got %q", user.ID, actor.UserID)
	}
	if actor.Role != RoleRequester {
		t.Fatalf("verify token: expected role %s got %s", RoleRequester, actor.Role)
	}
}

func TestService_TokenCarriesOrgID(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	orgID := "org-77"
	repo.orgIDs["0933222111"] = &orgID

	ctx := context.Background()
	if _, err := svc.Register(ctx, RegisterRequest{
		Phone:    "0933222111",
		Password: "strongpassword",
		FullName: "Relief Org Operator",
		Role:     RoleOrganization,
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	resp, err := svc.Login(ctx, LoginRequest{Phone: "0933222111", Password: "strongpassword"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	actor, err := svc.VerifyToken(resp.Token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if actor.Role != RoleOrganization {
		t.Fatalf("expected role %s got %s", RoleOrganization, actor.Role)
	}
	if actor.OrgID == nil || *actor.OrgID != orgID {
		t.Fatalf("expected org id %q in actor, got %v", orgID, actor.OrgID)
	}
}

func TestService_RegisterValidation(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	_, err := svc.Register(context.Background(), RegisterRequest{
		Phone:    "0912345678",
		Password: "short",
		FullName: "Amina Requester",
	})
	if !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Phone:    "",
		Password: "strongpassword",
		FullName: "",
	}); err == nil {
		t.Fatal("expected validation error for missing fields")
	}
}

func TestService_DuplicatePhone(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	req := RegisterRequest{
		Phone:    "0912345678",
		Password: "strongpassword",
		FullName: "Amina Requester",
	}
	if _, err := svc.Register(context.Background(), req); err != nil {
		t.Fatalf("first register failed: %v", err)
	}

	if _, err := svc.Register(context.Background(), req); !errors.Is(err, ErrDuplicatePhone) {
		t.Fatalf("expected ErrDuplicatePhone, got %v", err)
	}
}

func TestService_LoginInvalidCredentials(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	_, err := svc.Login(context.Background(), LoginRequest{
		Phone:    "0999999999",
		Password: "irrelevant",
	})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestRole_Reviewer(t *testing.T) {
	cases := map[Role]bool{
		RoleRequester:    false,
		RoleOrganization: false,
		RoleInspector:    true,
		RoleAdmin:        true,
	}
	for role, want := range cases {
		if got := role.Reviewer(); got != want {
			t.Errorf("Reviewer(%s) = %v, want %v", role, got, want)
		}
	}
}

type fakeRepository struct {
	usersByPhone map[string]User
	usersByID    map[string]User
	orgIDs       map[string]*string
	nextID       int
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		usersByPhone: make(map[string]User),
		usersByID:    make(map[string]User),
		orgIDs:       make(map[string]*string),
		nextID:       1,
	}
}

func (f *fakeRepository) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	if _, exists := f.usersByPhone[params.Phone]; exists {
		return User{}, ErrDuplicatePhone
	}

	id := fmt.Sprintf("user-%d", f.nextID)
	f.nextID++
	role := params.Role
	if role == "" {
		role = RoleRequester
	}

	user := User{
		ID:           id,
		Phone:        params.Phone,
		FullName:     params.FullName,
		PasswordHash: params.PasswordHash,
		Language:     params.Language,
		Role:         role,
		OrgID:        f.orgIDs[params.Phone],
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}

	f.usersByPhone[user.Phone] = user
	f.usersByID[user.ID] = user

	return user, nil
}

func (f *fakeRepository) GetUserByPhone(ctx context.Context, phone string) (User, error) {
	user, ok := f.usersByPhone[phone]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (f *fakeRepository) GetUserByID(ctx context.Context, userID string) (User, error) {
	user, ok := f.usersByID[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}
