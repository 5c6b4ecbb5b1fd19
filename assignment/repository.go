package assignment

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals the assignment does not exist.
	ErrNotFound = errors.New("assignment: not found")
	// ErrAlreadyAssigned signals the request already has an active
	// assignment. Raised by the partial unique index when two pledges race.
	ErrAlreadyAssigned = errors.New("assignment: request already has an active assignment")
	// ErrForbidden signals a role or ownership mismatch.
	ErrForbidden = errors.New("assignment: not permitted")
	// ErrValidation signals malformed input.
	ErrValidation = errors.New("assignment: invalid input")
)

const assignmentColumns = `id, request_id, org_id, assigned_by, status, fail_reason, notes,
       proof_ref, estimated_completion,
       allow_phone_access, contact_name, contact_phone, inspector_phone,
       created_at, updated_at, completed_at`

// Repository defines the data access required by the fulfillment service.
type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, a Assignment) (Assignment, error)
	Get(ctx context.Context, id string) (Assignment, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Assignment, error)
	GetActiveForRequest(ctx context.Context, requestID string) (Assignment, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status, failReason, notes, proofRef *string) (Assignment, error)
	SetPhoneAccess(ctx context.Context, tx pgx.Tx, id string, allow bool, contactName, contactPhone, inspectorPhone *string) (Assignment, error)
	ListForOrg(ctx context.Context, orgID string, limit int) ([]Assignment, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Create inserts a pledge. The partial unique index on (request_id) over
// active statuses turns a lost race into ErrAlreadyAssigned, so exactly one
// of N concurrent pledges wins.
func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, a Assignment) (Assignment, error) {
	query := `
        INSERT INTO assignments (id, request_id, org_id, assigned_by, status,
            notes, estimated_completion,
            allow_phone_access, contact_name, contact_phone, inspector_phone)
        VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5,
            $6, $7, $8, $9, $10, $11)
        RETURNING ` + assignmentColumns

	created, err := scanAssignment(tx.QueryRow(ctx, query,
		a.ID, a.RequestID, a.OrgID, a.AssignedBy, a.Status,
		a.Notes, a.EstimatedCompletion,
		a.AllowPhoneAccess, a.ContactName, a.ContactPhone, a.InspectorPhone))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Assignment{}, ErrAlreadyAssigned
		}
		return Assignment{}, fmt.Errorf("assignment: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Assignment, error) {
	query := `SELECT ` + assignmentColumns + ` FROM assignments WHERE id = $1`

	a, err := scanAssignment(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Assignment{}, ErrNotFound
		}
		return Assignment{}, fmt.Errorf("assignment: get: %w", err)
	}
	return a, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Assignment, error) {
	query := `SELECT ` + assignmentColumns + ` FROM assignments WHERE id = $1 FOR UPDATE`

	a, err := scanAssignment(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Assignment{}, ErrNotFound
		}
		return Assignment{}, fmt.Errorf("assignment: get for update: %w", err)
	}
	return a, nil
}

// GetActiveForRequest returns the one active assignment holding a request.
func (r *PGRepository) GetActiveForRequest(ctx context.Context, requestID string) (Assignment, error) {
	query := `SELECT ` + assignmentColumns + `
        FROM assignments
        WHERE request_id = $1 AND status IN ('pledged', 'in_progress')`

	a, err := scanAssignment(r.pool.QueryRow(ctx, query, requestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Assignment{}, ErrNotFound
		}
		return Assignment{}, fmt.Errorf("assignment: active for request: %w", err)
	}
	return a, nil
}

func (r *PGRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status, failReason, notes, proofRef *string) (Assignment, error) {
	query := `
        UPDATE assignments
        SET status = $2,
            fail_reason = COALESCE($3, fail_reason),
            notes = COALESCE($4, notes),
            proof_ref = COALESCE($5, proof_ref),
            completed_at = CASE WHEN $2 = 'completed' THEN get_tx_timestamp() ELSE completed_at END,
            updated_at = get_tx_timestamp()
        WHERE id = $1
        RETURNING ` + assignmentColumns

	a, err := scanAssignment(tx.QueryRow(ctx, query, id, status, failReason, notes, proofRef))
	if err != nil {
		return Assignment{}, fmt.Errorf("assignment: update status: %w", err)
	}
	return a, nil
}

func (r *PGRepository) SetPhoneAccess(ctx context.Context, tx pgx.Tx, id string, allow bool, contactName, contactPhone, inspectorPhone *string) (Assignment, error) {
	query := `
        UPDATE assignments
        SET allow_phone_access = $2,
            contact_name = $3,
            contact_phone = $4,
            inspector_phone = COALESCE($5, inspector_phone),
            updated_at = get_tx_timestamp()
        WHERE id = $1
        RETURNING ` + assignmentColumns

	a, err := scanAssignment(tx.QueryRow(ctx, query, id, allow, contactName, contactPhone, inspectorPhone))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Assignment{}, ErrNotFound
		}
		return Assignment{}, fmt.Errorf("assignment: set phone access: %w", err)
	}
	return a, nil
}

func (r *PGRepository) ListForOrg(ctx context.Context, orgID string, limit int) ([]Assignment, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	query := `SELECT ` + assignmentColumns + `
        FROM assignments
        WHERE org_id = $1
        ORDER BY created_at DESC
        LIMIT $2`

	rows, err := r.pool.Query(ctx, query, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("assignment: list for org: %w", err)
	}
	defer rows.Close()

	list := []Assignment{}
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("assignment: scan: %w", err)
		}
		list = append(list, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("assignment: iterate: %w", err)
	}
	return list, nil
}

func scanAssignment(row pgx.Row) (Assignment, error) {
	var a Assignment
	return a, row.Scan(
		&a.ID,
		&a.RequestID,
		&a.OrgID,
		&a.AssignedBy,
		&a.Status,
		&a.FailReason,
		&a.Notes,
		&a.ProofRef,
		&a.EstimatedCompletion,
		&a.AllowPhoneAccess,
		&a.ContactName,
		&a.ContactPhone,
		&a.InspectorPhone,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.CompletedAt,
	)
}
