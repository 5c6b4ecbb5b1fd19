package organization

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the organization does not exist.
var ErrNotFound = errors.New("organization: not found")

const orgColumns = `id, name, description, phone, region_code, active, completed_count, created_at, updated_at`

// Repository provides access to the organization directory.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create registers a new organization. New entries start inactive until an
// admin approves them.
func (r *Repository) Create(ctx context.Context, org Organization) (Organization, error) {
	query := `
        INSERT INTO organizations (id, name, description, phone, region_code, active)
        VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6)
        RETURNING ` + orgColumns

	created, err := scanOrganization(r.pool.QueryRow(ctx, query,
		org.ID, org.Name, org.Description, org.Phone, org.RegionCode, org.Active))
	if err != nil {
		return Organization{}, fmt.Errorf("organization: insert: %w", err)
	}
	return created, nil
}

// GetByID fetches an organization by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Organization, error) {
	query := `SELECT ` + orgColumns + ` FROM organizations WHERE id = $1`

	org, err := scanOrganization(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Organization{}, ErrNotFound
		}
		return Organization{}, fmt.Errorf("organization: query by id: %w", err)
	}
	return org, nil
}

// List fetches up to limit organizations ordered by name. When activeOnly is
// set, suspended entries are excluded.
func (r *Repository) List(ctx context.Context, activeOnly bool, limit int) ([]Organization, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	query := `SELECT ` + orgColumns + ` FROM organizations`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY name ASC LIMIT $1`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("organization: list: %w", err)
	}
	defer rows.Close()

	orgs := make([]Organization, 0, limit)
	for rows.Next() {
		org, err := scanOrganization(rows)
		if err != nil {
			return nil, fmt.Errorf("organization: scan: %w", err)
		}
		orgs = append(orgs, org)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("organization: iterate: %w", err)
	}
	return orgs, nil
}

// SetActive flips the directory gate for an organization.
func (r *Repository) SetActive(ctx context.Context, id string, active bool) (Organization, error) {
	query := `
        UPDATE organizations
        SET active = $2, updated_at = get_tx_timestamp()
        WHERE id = $1
        RETURNING ` + orgColumns

	org, err := scanOrganization(r.pool.QueryRow(ctx, query, id, active))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Organization{}, ErrNotFound
		}
		return Organization{}, fmt.Errorf("organization: set active: %w", err)
	}
	return org, nil
}

// IncrementCompleted bumps the delivery counter inside the caller's
// transaction, so the count moves together with the assignment it reflects.
func (r *Repository) IncrementCompleted(ctx context.Context, tx pgx.Tx, id string) error {
	tag, err := tx.Exec(ctx, `
        UPDATE organizations
        SET completed_count = completed_count + 1, updated_at = get_tx_timestamp()
        WHERE id = $1
    `, id)
	if err != nil {
		return fmt.Errorf("organization: increment completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanOrganization(row pgx.Row) (Organization, error) {
	var org Organization
	return org, row.Scan(
		&org.ID,
		&org.Name,
		&org.Description,
		&org.Phone,
		&org.RegionCode,
		&org.Active,
		&org.CompletedCount,
		&org.CreatedAt,
		&org.UpdatedAt,
	)
}
