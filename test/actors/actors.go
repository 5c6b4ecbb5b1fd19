// Package actors holds the concurrent workload for the stress harness. Each
// actor loops through real service calls until the stop channel closes, so
// the invariants are exercised on the same code paths production uses.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"aidflow/assignment"
	"aidflow/auth"
	"aidflow/outbox"
	"aidflow/request"
)

var categories = []request.Category{
	request.CategoryFood,
	request.CategoryWater,
	request.CategoryMedicine,
	request.CategoryBabySupplies,
	request.CategoryOther,
}

var locations = []string{
	"حي الميدان، دمشق",
	"حي التضامن، دمشق",
	"شارع بغداد، حلب",
	"حي الانصاري، حلب",
	"المخيم الشمالي، ادلب",
}

// Requester keeps filing new aid requests. Repeats of the same
// phone/category/location are expected to hard-block as duplicates.
func Requester(ctx context.Context, svc *request.Service, actor auth.Actor, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		_, err := svc.Create(ctx, actor, request.CreateParams{
			RequesterName:  "Stress Family",
			RequesterPhone: fmt.Sprintf("09%08d", rand.Intn(200)),
			Category:       categories[rand.Intn(len(categories))],
			Quantity:       1 + rand.Intn(3),
			FamilySize:     1 + rand.Intn(8),
			LocationText:   locations[rand.Intn(len(locations))],
			Urgent:         rand.Intn(4) == 0,
		})
		if err != nil && !tolerable(err) {
			return fmt.Errorf("requester create: %w", err)
		}
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// Reviewer triages pending requests, mostly activating, sometimes
// rejecting.
func Reviewer(ctx context.Context, svc *request.Service, actor auth.Actor, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		id, err := randomRequest(ctx, pool, "pending")
		if err != nil {
			return err
		}
		if id != "" {
			if rand.Intn(5) == 0 {
				_, err = svc.Reject(ctx, actor, id, "stress rejection")
			} else {
				_, err = svc.Activate(ctx, actor, id, nil)
			}
			if err != nil && !tolerable(err) {
				return fmt.Errorf("reviewer triage: %w", err)
			}
		}
		time.Sleep(time.Duration(15+rand.Intn(30)) * time.Millisecond)
	}
}

// Pledger races other organizations for open requests. Losing with
// ErrAlreadyAssigned or a state error is the expected outcome under
// contention.
func Pledger(ctx context.Context, svc *assignment.Service, actor auth.Actor, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		id, err := randomRequest(ctx, pool, "new")
		if err != nil {
			return err
		}
		if id != "" {
			if _, err := svc.Pledge(ctx, actor, id, assignment.PledgeParams{}); err != nil && !tolerable(err) {
				return fmt.Errorf("pledger: %w", err)
			}
		}
		time.Sleep(time.Duration(10+rand.Intn(25)) * time.Millisecond)
	}
}

// Approver plays the reviewer side of the pledge handshake: it keeps
// turning random pledges into in-progress deliveries. Organizations cannot
// do this themselves.
func Approver(ctx context.Context, svc *assignment.Service, actor auth.Actor, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var id string
		err := pool.QueryRow(ctx, `
            SELECT id FROM assignments WHERE status = 'pledged'
            ORDER BY random() LIMIT 1
        `).Scan(&id)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil && tolerable(err):
		case err != nil:
			return fmt.Errorf("approver pick: %w", err)
		default:
			if _, err := svc.Approve(ctx, actor, id); err != nil && !tolerable(err) {
				return fmt.Errorf("approver: %w", err)
			}
		}
		time.Sleep(time.Duration(15+rand.Intn(30)) * time.Millisecond)
	}
}

// Fulfiller settles its organization's in-progress deliveries and
// occasionally withdraws an unapproved pledge. Failure reopens the request
// for the other pledgers.
func Fulfiller(ctx context.Context, svc *assignment.Service, actor auth.Actor, pool *pgxpool.Pool, stop <-chan struct{}) error {
	if actor.OrgID == nil {
		return errors.New("fulfiller requires an organization actor")
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var id, status string
		err := pool.QueryRow(ctx, `
            SELECT id, status FROM assignments
            WHERE org_id = $1 AND status IN ('pledged', 'in_progress')
            ORDER BY random() LIMIT 1
        `, *actor.OrgID).Scan(&id, &status)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil && tolerable(err):
		case err != nil:
			return fmt.Errorf("fulfiller pick: %w", err)
		case status == "pledged":
			// Waiting on reviewer approval; sometimes withdraw instead.
			if rand.Intn(10) == 0 {
				if _, err := svc.Fail(ctx, actor, id, "stress withdrawal"); err != nil && !tolerable(err) {
					return fmt.Errorf("fulfiller withdraw: %w", err)
				}
			}
		default:
			if rand.Intn(4) == 0 {
				_, err = svc.Fail(ctx, actor, id, "stress failure")
			} else {
				_, err = svc.Complete(ctx, actor, id, nil, nil)
			}
			if err != nil && !tolerable(err) {
				return fmt.Errorf("fulfiller settle: %w", err)
			}
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// OutboxWorker drains the outbox the way the production dispatcher does.
func OutboxWorker(ctx context.Context, dispatcher *outbox.Dispatcher, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := dispatcher.DispatchPending(ctx); err != nil && ctx.Err() == nil && !tolerable(err) {
			return fmt.Errorf("outbox worker: %w", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func randomRequest(ctx context.Context, pool *pgxpool.Pool, status string) (string, error) {
	var id string
	err := pool.QueryRow(ctx, `
        SELECT id FROM requests WHERE status = $1 ORDER BY random() LIMIT 1
    `, status).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) || (err != nil && tolerable(err)) {
		return "", nil
	}
	if err != nil && ctx.Err() != nil {
		return "", ctx.Err()
	}
	if err != nil {
		return "", fmt.Errorf("pick %s request: %w", status, err)
	}
	return id, nil
}

// tolerable reports whether the error is an expected outcome of racing
// actors rather than a bug: lost pledges, stale statuses, duplicate blocks,
// or a connection the chaos actor just killed.
func tolerable(err error) bool {
	var (
		dup   *request.DuplicateError
		reqTE *request.TransitionError
		asgTE *assignment.TransitionError
		pgErr *pgconn.PgError
	)
	switch {
	case errors.Is(err, assignment.ErrAlreadyAssigned),
		errors.Is(err, assignment.ErrNotFound),
		errors.Is(err, request.ErrNotFound),
		errors.As(err, &dup),
		errors.As(err, &reqTE),
		errors.As(err, &asgTE):
		return true
	case errors.As(err, &pgErr):
		// 57P01: terminated by the chaos actor; 40P01: deadlock victim.
		return pgErr.Code == "57P01" || pgErr.Code == "40P01"
	case errors.Is(err, pgx.ErrTxClosed):
		return true
	case strings.Contains(err.Error(), "conn closed"),
		strings.Contains(err.Error(), "unexpected EOF"):
		return true
	}
	return false
}
