package auth

import "time"

type Role string

const (
	RoleRequester    Role = "requester"
	RoleInspector    Role = "inspector"
	RoleOrganization Role = "organization"
	RoleAdmin        Role = "admin"
)

// Reviewer reports whether the role may review requests: activate, reject,
// approve pledges and merge duplicates.
func (r Role) Reviewer() bool {
	return r == RoleInspector || r == RoleAdmin
}

// Actor identifies who is performing an operation. Services receive it
// explicitly instead of re-deriving permissions per endpoint.
type Actor struct {
	UserID string
	Role   Role
	OrgID  *string
}

// User is the domain representation of an authenticated user.
// It mirrors the users table and should not include JSON annotations so it
// can be reused by different presentation layers.
type User struct {
	ID            string
	Phone         string
	PhoneVerified bool
	FullName      string
	PasswordHash  string
	Language      string
	Role          Role
	OrgID         *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RegisterRequest contains user registration data supplied by callers.
type RegisterRequest struct {
	Phone    string `json:"phone"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Role     Role   `json:"role"`
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Phone    string `json:"phone"`
	Password string `json:"password"`
}
