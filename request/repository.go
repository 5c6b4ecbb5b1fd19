package request

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals the request does not exist.
	ErrNotFound = errors.New("request: not found")
	// ErrForbidden signals a role or ownership mismatch.
	ErrForbidden = errors.New("request: not permitted")
	// ErrValidation signals malformed input.
	ErrValidation = errors.New("request: invalid input")
)

// DuplicateError is returned when the duplicate engine hard-blocks a
// creation. It carries the colliding request so reviewers can inspect it.
type DuplicateError struct {
	ExistingID string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("request: duplicate of active request %s", e.ExistingID)
}

const requestColumns = `id, created_by, reviewer_id, requester_name, requester_phone,
       category, description, quantity, family_size,
       location_text, latitude, longitude, region_code,
       status, priority_score, is_urgent, special_cases, duplicate_hash, duplicate_of,
       review_notes, created_at, updated_at, completed_at`

// Repository defines the data access required by the lifecycle service.
// Write methods take the caller's transaction so each transition stays a
// single atomic read-modify-write.
type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, req Request) (Request, error)
	Get(ctx context.Context, id string) (Request, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Request, error)
	FindActiveFingerprint(ctx context.Context, tx pgx.Tx, fingerprint string, cutoff time.Time) (string, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status, reviewerID, notes *string) (Request, error)
	UpdateFields(ctx context.Context, tx pgx.Tx, req Request) (Request, error)
	MarkMerged(ctx context.Context, tx pgx.Tx, sourceID, targetID string) (Request, error)
	AddQuantity(ctx context.Context, tx pgx.Tx, id string, delta int) (Request, error)
	Delete(ctx context.Context, tx pgx.Tx, id string) error
	List(ctx context.Context, filters Filters) ([]Request, int, error)
	Market(ctx context.Context, filters Filters) ([]Request, int, error)
	CountByPhone(ctx context.Context, phone string) (int, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, req Request) (Request, error) {
	query := `
        INSERT INTO requests (id, created_by, requester_name, requester_phone,
            category, description, quantity, family_size,
            location_text, latitude, longitude, region_code,
            status, priority_score, is_urgent, special_cases, duplicate_hash)
        VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4,
            $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
        RETURNING ` + requestColumns

	row := tx.QueryRow(ctx, query,
		req.ID,
		req.CreatedBy,
		req.RequesterName,
		req.RequesterPhone,
		req.Category,
		req.Description,
		req.Quantity,
		req.FamilySize,
		req.LocationText,
		req.Latitude,
		req.Longitude,
		req.RegionCode,
		req.Status,
		req.PriorityScore,
		req.Urgent,
		req.SpecialCases,
		req.Fingerprint,
	)
	created, err := scanRequest(row)
	if err != nil {
		return Request{}, fmt.Errorf("request: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests WHERE id = $1`

	req, err := scanRequest(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, fmt.Errorf("request: get: %w", err)
	}
	return req, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests WHERE id = $1 FOR UPDATE`

	req, err := scanRequest(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, fmt.Errorf("request: get for update: %w", err)
	}
	return req, nil
}

// FindActiveFingerprint returns the id of a non-terminal, non-rejected
// request carrying the fingerprint created after cutoff, or "" when none
// exists. An advisory lock on the fingerprint serializes racing creations
// for the whole transaction, so two concurrent lookups cannot both see an
// empty window and insert.
func (r *PGRepository) FindActiveFingerprint(ctx context.Context, tx pgx.Tx, fingerprint string, cutoff time.Time) (string, error) {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, fingerprint); err != nil {
		return "", fmt.Errorf("request: lock fingerprint: %w", err)
	}

	const query = `
		SELECT id
		FROM requests
		WHERE duplicate_hash = $1
		  AND created_at > $2
		  AND status NOT IN ('completed', 'cancelled', 'rejected')
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE
	`

	var id string
	if err := tx.QueryRow(ctx, query, fingerprint, cutoff).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("request: fingerprint lookup: %w", err)
	}
	return id, nil
}

func (r *PGRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status, reviewerID, notes *string) (Request, error) {
	query := `
		UPDATE requests
		SET status = $2,
		    reviewer_id = COALESCE($3::uuid, reviewer_id),
		    review_notes = COALESCE($4, review_notes),
		    completed_at = CASE WHEN $2 = 'completed' THEN get_tx_timestamp() ELSE completed_at END,
		    updated_at = get_tx_timestamp()
		WHERE id = $1
		RETURNING ` + requestColumns

	req, err := scanRequest(tx.QueryRow(ctx, query, id, status, reviewerID, notes))
	if err != nil {
		return Request{}, fmt.Errorf("request: update status: %w", err)
	}
	return req, nil
}

func (r *PGRepository) UpdateFields(ctx context.Context, tx pgx.Tx, req Request) (Request, error) {
	query := `
		UPDATE requests
		SET category = $2,
		    description = $3,
		    quantity = $4,
		    family_size = $5,
		    location_text = $6,
		    latitude = $7,
		    longitude = $8,
		    region_code = $9,
		    is_urgent = $10,
		    priority_score = $11,
		    special_cases = $12,
		    duplicate_hash = $13,
		    updated_at = get_tx_timestamp()
		WHERE id = $1
		RETURNING ` + requestColumns

	updated, err := scanRequest(tx.QueryRow(ctx, query,
		req.ID,
		req.Category,
		req.Description,
		req.Quantity,
		req.FamilySize,
		req.LocationText,
		req.Latitude,
		req.Longitude,
		req.RegionCode,
		req.Urgent,
		req.PriorityScore,
		req.SpecialCases,
		req.Fingerprint,
	))
	if err != nil {
		return Request{}, fmt.Errorf("request: update fields: %w", err)
	}
	return updated, nil
}

// MarkMerged cancels the source request and back-references the target.
func (r *PGRepository) MarkMerged(ctx context.Context, tx pgx.Tx, sourceID, targetID string) (Request, error) {
	query := `
		UPDATE requests
		SET status = 'cancelled',
		    duplicate_of = $2,
		    updated_at = get_tx_timestamp()
		WHERE id = $1
		RETURNING ` + requestColumns

	req, err := scanRequest(tx.QueryRow(ctx, query, sourceID, targetID))
	if err != nil {
		return Request{}, fmt.Errorf("request: mark merged: %w", err)
	}
	return req, nil
}

func (r *PGRepository) AddQuantity(ctx context.Context, tx pgx.Tx, id string, delta int) (Request, error) {
	query := `
		UPDATE requests
		SET quantity = quantity + $2,
		    updated_at = get_tx_timestamp()
		WHERE id = $1
		RETURNING ` + requestColumns

	req, err := scanRequest(tx.QueryRow(ctx, query, id, delta))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, fmt.Errorf("request: add quantity: %w", err)
	}
	return req, nil
}

// Delete removes a request outright. Assignments referencing the row go
// with it through the cascading foreign key.
func (r *PGRepository) Delete(ctx context.Context, tx pgx.Tx, id string) error {
	tag, err := tx.Exec(ctx, `DELETE FROM requests WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("request: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// List is the reviewer queue: pending first, urgent first, then priority.
func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Request, int, error) {
	whereClause, args := buildFilters(filters)

	order := ` ORDER BY CASE WHEN status = 'pending' THEN 0 ELSE 1 END,
	           is_urgent DESC, priority_score DESC, created_at DESC`

	return r.page(ctx, whereClause, order, args, filters)
}

// Market lists open requests for organizations, best candidates first.
// Ties break on age then id so the ordering is total.
func (r *PGRepository) Market(ctx context.Context, filters Filters) ([]Request, int, error) {
	filters.Status = StatusNew
	whereClause, args := buildFilters(filters)

	order := ` ORDER BY priority_score DESC, created_at ASC, id ASC`

	return r.page(ctx, whereClause, order, args, filters)
}

func (r *PGRepository) CountByPhone(ctx context.Context, phone string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM requests WHERE requester_phone = $1`, phone).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("request: count by phone: %w", err)
	}
	return count, nil
}

func (r *PGRepository) page(ctx context.Context, whereClause, order string, args []any, filters Filters) ([]Request, int, error) {
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	pageSize := filters.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}

	query := fmt.Sprintf(`SELECT %s FROM requests%s%s LIMIT %d OFFSET %d`,
		requestColumns, whereClause, order, pageSize, (page-1)*pageSize)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("request: query list: %w", err)
	}
	defer rows.Close()

	list := []Request{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("request: scan list: %w", err)
		}
		list = append(list, req)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("request: iterate list: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM requests%s", whereClause)
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("request: count list: %w", err)
	}

	return list, total, nil
}

func buildFilters(filters Filters) (string, []any) {
	where := []string{"1=1"}
	args := []any{}

	if filters.Status != "" {
		where = append(where, fmt.Sprintf("status=$%d", len(args)+1))
		args = append(args, filters.Status)
	}
	if filters.Category != "" {
		where = append(where, fmt.Sprintf("category=$%d", len(args)+1))
		args = append(args, filters.Category)
	}
	if filters.RegionCode != "" {
		where = append(where, fmt.Sprintf("region_code=$%d", len(args)+1))
		args = append(args, filters.RegionCode)
	}
	if filters.Urgent != nil {
		where = append(where, fmt.Sprintf("is_urgent=$%d", len(args)+1))
		args = append(args, *filters.Urgent)
	}
	if filters.MinScore > 0 {
		where = append(where, fmt.Sprintf("priority_score>=$%d", len(args)+1))
		args = append(args, filters.MinScore)
	}
	if filters.CreatedBy != "" {
		where = append(where, fmt.Sprintf("created_by=$%d", len(args)+1))
		args = append(args, filters.CreatedBy)
	}

	return " WHERE " + strings.Join(where, " AND "), args
}

func scanRequest(row pgx.Row) (Request, error) {
	var req Request
	return req, row.Scan(
		&req.ID,
		&req.CreatedBy,
		&req.ReviewerID,
		&req.RequesterName,
		&req.RequesterPhone,
		&req.Category,
		&req.Description,
		&req.Quantity,
		&req.FamilySize,
		&req.LocationText,
		&req.Latitude,
		&req.Longitude,
		&req.RegionCode,
		&req.Status,
		&req.PriorityScore,
		&req.Urgent,
		&req.SpecialCases,
		&req.Fingerprint,
		&req.DuplicateOf,
		&req.ReviewNotes,
		&req.CreatedAt,
		&req.UpdatedAt,
		&req.CompletedAt,
	)
}
