// Package outbox implements transactional event delivery: services enqueue
// messages inside their own transaction, a dispatcher drains them after
// commit. A crashed dispatcher loses nothing, rows stay until delivered.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"aidflow/notify"
)

// Writer enqueues messages. It carries no state of its own; durability
// comes from the caller's transaction.
type Writer struct{}

func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: encode payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `
        INSERT INTO outbox (topic, payload)
        VALUES ($1, $2::jsonb)
    `, topic, string(b)); err != nil {
		return fmt.Errorf("outbox: enqueue: %w", err)
	}
	return nil
}

// Dispatcher drains undelivered messages to a Sender. Multiple dispatcher
// instances may run concurrently; SKIP LOCKED keeps them off each other's
// rows.
type Dispatcher struct {
	pool      *pgxpool.Pool
	sender    notify.Sender
	interval  time.Duration
	batchSize int
}

func NewDispatcher(pool *pgxpool.Pool, sender notify.Sender) *Dispatcher {
	return &Dispatcher{
		pool:      pool,
		sender:    sender,
		interval:  5 * time.Second,
		batchSize: 50,
	}
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.DispatchPending(ctx); err != nil {
				log.Printf("outbox: dispatch round failed: %v", err)
			}
		}
	}
}

// DispatchPending delivers one batch and returns how many messages went out.
// A failed send leaves the row undelivered for the next round.
func (d *Dispatcher) DispatchPending(ctx context.Context) (int, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
        SELECT id, topic, payload
        FROM outbox
        WHERE delivered_at IS NULL
        ORDER BY id
        LIMIT $1
        FOR UPDATE SKIP LOCKED
    `, d.batchSize)
	if err != nil {
		return 0, fmt.Errorf("outbox: query pending: %w", err)
	}

	type pending struct {
		id      int64
		topic   string
		payload []byte
	}
	batch := []pending{}
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.topic, &p.payload); err != nil {
			rows.Close()
			return 0, fmt.Errorf("outbox: scan pending: %w", err)
		}
		batch = append(batch, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("outbox: iterate pending: %w", err)
	}

	delivered := 0
	for _, p := range batch {
		payload := map[string]any{}
		if len(p.payload) > 0 {
			if err := json.Unmarshal(p.payload, &payload); err != nil {
				log.Printf("outbox: message %d has malformed payload: %v", p.id, err)
			}
		}
		if err := d.sender.Send(ctx, p.topic, payload); err != nil {
			log.Printf("outbox: deliver message %d: %v", p.id, err)
			continue
		}
		if _, err := tx.Exec(ctx, `UPDATE outbox SET delivered_at = now() WHERE id = $1`, p.id); err != nil {
			return delivered, fmt.Errorf("outbox: mark delivered: %w", err)
		}
		delivered++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("outbox: commit dispatch: %w", err)
	}
	return delivered, nil
}
