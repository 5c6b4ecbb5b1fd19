// Package audit records who did what to which entity. Entries are written
// in the same transaction as the mutation they describe, so the trail never
// disagrees with the data.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Entry is one audit record.
type Entry struct {
	ID         string
	ActorID    string
	Action     string
	EntityType string
	EntityID   string
	Payload    map[string]any
	CreatedAt  time.Time
}

// Log writes and reads the audit_log table.
type Log struct {
	pool *pgxpool.Pool
}

func NewLog(pool *pgxpool.Pool) *Log {
	return &Log{pool: pool}
}

// Append inserts an entry using the caller's transaction.
func (l *Log) Append(ctx context.Context, tx pgx.Tx, entry Entry) error {
	_, err := tx.Exec(ctx, `
        INSERT INTO audit_log (actor_id, action, entity_type, entity_id, payload)
        VALUES (NULLIF($1,'')::uuid, $2, $3, $4, $5::jsonb)
    `, entry.ActorID, entry.Action, entry.EntityType, entry.EntityID, toJSON(entry.Payload))
	if err != nil {
		return fmt.Errorf("audit: insert entry: %w", err)
	}
	return nil
}

// ListForEntity returns the trail for one entity, oldest first.
func (l *Log) ListForEntity(ctx context.Context, entityType, entityID string) ([]Entry, error) {
	rows, err := l.pool.Query(ctx, `
        SELECT id, COALESCE(actor_id::text, ''), action, entity_type, entity_id, payload, created_at
        FROM audit_log
        WHERE entity_type = $1 AND entity_id = $2
        ORDER BY created_at ASC, id ASC
    `, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("audit: query trail: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var payload []byte
		if err := rows.Scan(&e.ID, &e.ActorID, &e.Action, &e.EntityType, &e.EntityID, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan entry: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, fmt.Errorf("audit: decode payload: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate trail: %w", err)
	}
	return entries, nil
}

func toJSON(m map[string]any) string {
	if m == nil {
		m = map[string]any{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		panic(err)
	}
	return string(b)
}
