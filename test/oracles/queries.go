// Package oracles holds invariant checks run against the database while the
// actors are busy. Each query returns rows only when its invariant is
// violated.
package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "one_active_assignment_per_request",
			SQL: `SELECT request_id, COUNT(*) FROM assignments
                  WHERE status IN ('pledged', 'in_progress')
                  GROUP BY request_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "assigned_request_has_active_assignment",
			SQL: `SELECT r.id, r.status FROM requests r
                  WHERE r.status IN ('assigned', 'in_progress')
                    AND NOT EXISTS (
                        SELECT 1 FROM assignments a
                        WHERE a.request_id = r.id
                          AND a.status IN ('pledged', 'in_progress'))`,
		},
		{
			Name: "open_request_has_no_active_assignment",
			SQL: `SELECT r.id, r.status FROM requests r
                  JOIN assignments a ON a.request_id = r.id
                  WHERE r.status IN ('pending', 'new')
                    AND a.status IN ('pledged', 'in_progress')`,
		},
		{
			Name: "completed_request_has_completed_assignment",
			SQL: `SELECT r.id FROM requests r
                  WHERE r.status = 'completed'
                    AND NOT EXISTS (
                        SELECT 1 FROM assignments a
                        WHERE a.request_id = r.id AND a.status = 'completed')`,
		},
		{
			Name: "priority_in_bounds",
			SQL:  `SELECT id, priority_score FROM requests WHERE priority_score < 0 OR priority_score > 100`,
		},
		{
			Name: "one_active_request_per_fingerprint",
			SQL: `SELECT duplicate_hash, COUNT(*) FROM requests
                  WHERE status NOT IN ('completed', 'cancelled', 'rejected')
                  GROUP BY duplicate_hash HAVING COUNT(*) > 1`,
		},
		{
			Name: "merge_backreference_valid",
			SQL: `SELECT s.id FROM requests s
                  WHERE s.duplicate_of IS NOT NULL
                    AND (s.duplicate_of = s.id
                         OR s.status <> 'cancelled'
                         OR NOT EXISTS (SELECT 1 FROM requests t WHERE t.id = s.duplicate_of))`,
		},
		{
			Name: "delivery_counter_matches_completions",
			SQL: `SELECT o.id, o.completed_count, COUNT(a.id) FROM organizations o
                  LEFT JOIN assignments a ON a.org_id = o.id AND a.status = 'completed'
                  GROUP BY o.id, o.completed_count
                  HAVING o.completed_count <> COUNT(a.id)`,
		},
		{
			Name: "completed_timestamps_set",
			SQL: `SELECT id FROM requests WHERE status = 'completed' AND completed_at IS NULL
                  UNION ALL
                  SELECT id FROM assignments WHERE status = 'completed' AND completed_at IS NULL`,
		},
		{
			Name: "failed_assignment_has_reason",
			SQL:  `SELECT id FROM assignments WHERE status = 'failed' AND (fail_reason IS NULL OR fail_reason = '')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and a sample
// row) or an empty name when all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
