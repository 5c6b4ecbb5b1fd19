package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrUserNotFound signals that the user does not exist.
	ErrUserNotFound = errors.New("auth: user not found")
	// ErrDuplicatePhone signals that the phone number is already registered.
	ErrDuplicatePhone = errors.New("auth: phone already registered")
)

// Repository handles data access for authentication.
type Repository interface {
	CreateUser(ctx context.Context, params CreateUserParams) (User, error)
	GetUserByPhone(ctx context.Context, phone string) (User, error)
	GetUserByID(ctx context.Context, userID string) (User, error)
}

// CreateUserParams contains write parameters for creating users.
type CreateUserParams struct {
	Phone        string
	FullName     string
	PasswordHash string
	Language     string
	Role         Role
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed auth repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// CreateUser inserts a new user with hashed password.
func (r *PGRepository) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	const insertSQL = `
		INSERT INTO users (phone, full_name, password_hash, language, role)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, phone, phone_verified, full_name, password_hash, language, role, org_id, created_at, updated_at
	`

	user, err := scanUser(r.pool.QueryRow(ctx, insertSQL, params.Phone, params.FullName, params.PasswordHash, params.Language, params.Role))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return User{}, ErrDuplicatePhone
		}
		return User{}, fmt.Errorf("auth: create user: %w", err)
	}

	return user, nil
}

// GetUserByPhone retrieves a user by phone number.
func (r *PGRepository) GetUserByPhone(ctx context.Context, phone string) (User, error) {
	const selectSQL = `
		SELECT id, phone, phone_verified, full_name, password_hash, language, role, org_id, created_at, updated_at
		FROM users
		WHERE phone = $1
	`

	user, err := scanUser(r.pool.QueryRow(ctx, selectSQL, phone))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("auth: get user by phone: %w", err)
	}

	return user, nil
}

// GetUserByID retrieves a user by ID.
func (r *PGRepository) GetUserByID(ctx context.Context, userID string) (User, error) {
	const selectSQL = `
		SELECT id, phone, phone_verified, full_name, password_hash, language, role, org_id, created_at, updated_at
		FROM users
		WHERE id = $1
	`

	user, err := scanUser(r.pool.QueryRow(ctx, selectSQL, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("auth: get user by id: %w", err)
	}

	return user, nil
}

func scanUser(row pgx.Row) (User, error) {
	var (
		user  User
		orgID *string
	)
	err := row.Scan(
		&user.ID,
		&user.Phone,
		&user.PhoneVerified,
		&user.FullName,
		&user.PasswordHash,
		&user.Language,
		&user.Role,
		&orgID,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return User{}, err
	}

	user.OrgID = orgID
	return user, nil
}
