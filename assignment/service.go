package assignment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"aidflow/audit"
	"aidflow/auth"
	"aidflow/organization"
	"aidflow/request"
)

// TransitionError reports an action attempted from an incompatible
// assignment state.
type TransitionError struct {
	Current   Status
	Attempted string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("assignment: cannot %s while %s", e.Attempted, e.Current)
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// RequestStore is the slice of the request repository the fulfillment
// lifecycle drives: locking a request and moving its status in lockstep
// with the assignment.
type RequestStore interface {
	Get(ctx context.Context, id string) (request.Request, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (request.Request, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status request.Status, reviewerID, notes *string) (request.Request, error)
}

// OrgGate checks that an organization may operate.
type OrgGate interface {
	RequireActive(ctx context.Context, id string) (organization.Organization, error)
}

// OrgCounter bumps the delivery counter inside the caller's transaction.
type OrgCounter interface {
	IncrementCompleted(ctx context.Context, tx pgx.Tx, id string) error
}

// AuditWriter appends an audit entry inside the caller's transaction.
type AuditWriter interface {
	Append(ctx context.Context, tx pgx.Tx, entry audit.Entry) error
}

// OutboxWriter enqueues a notification message inside the caller's
// transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service drives the fulfillment lifecycle. Request and assignment move in
// one transaction so their statuses never disagree.
type Service struct {
	pool     TxBeginner
	repo     Repository
	requests RequestStore
	orgs     OrgGate
	counter  OrgCounter
	audit    AuditWriter
	outbox   OutboxWriter
	idGen    func() string
}

func NewService(pool TxBeginner, repo Repository, requests RequestStore, orgs OrgGate, counter OrgCounter, auditLog AuditWriter, outbox OutboxWriter) *Service {
	return &Service{
		pool:     pool,
		repo:     repo,
		requests: requests,
		orgs:     orgs,
		counter:  counter,
		audit:    auditLog,
		outbox:   outbox,
		idGen:    func() string { return uuid.NewString() },
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

// PledgeParams carries the optional details of an organization's pledge.
type PledgeParams struct {
	Notes               *string
	EstimatedCompletion *time.Time
}

// Pledge lets an active organization claim an open request from the market.
// The request must be new; pending requests have not passed triage yet.
// When two organizations race, the unique index lets exactly one through.
// A pledge is only a proposal until a reviewer approves it.
func (s *Service) Pledge(ctx context.Context, actor auth.Actor, requestID string, params PledgeParams) (Assignment, error) {
	if actor.Role != auth.RoleOrganization || actor.OrgID == nil {
		return Assignment{}, ErrForbidden
	}
	if _, err := s.orgs.RequireActive(ctx, *actor.OrgID); err != nil {
		return Assignment{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Assignment{}, fmt.Errorf("assignment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.requests.GetForUpdate(ctx, tx, requestID)
	if err != nil {
		return Assignment{}, err
	}
	if req.Status != request.StatusNew {
		return Assignment{}, &TransitionError{Current: Status(req.Status), Attempted: "pledge"}
	}

	created, err := s.repo.Create(ctx, tx, Assignment{
		ID:                  s.idGen(),
		RequestID:           requestID,
		OrgID:               *actor.OrgID,
		Status:              StatusPledged,
		Notes:               params.Notes,
		EstimatedCompletion: params.EstimatedCompletion,
	})
	if err != nil {
		return Assignment{}, err
	}

	if _, err := s.requests.UpdateStatus(ctx, tx, requestID, request.StatusAssigned, nil, nil); err != nil {
		return Assignment{}, err
	}

	if err := s.writeTrail(ctx, tx, actor, "pledge", created, nil, "assignment.pledged"); err != nil {
		return Assignment{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Assignment{}, fmt.Errorf("assignment: commit pledge: %w", err)
	}
	return created, nil
}

// AssignParams carries a reviewer-directed assignment.
type AssignParams struct {
	RequestID           string
	OrgID               string
	Notes               *string
	EstimatedCompletion *time.Time
	AllowPhoneAccess    bool
	ContactName         *string
	ContactPhone        *string
	InspectorPhone      *string
}

// Assign lets a reviewer hand a request to a chosen organization directly,
// including one still in triage. The reviewer decides phone access up front.
func (s *Service) Assign(ctx context.Context, actor auth.Actor, params AssignParams) (Assignment, error) {
	if !actor.Role.Reviewer() {
		return Assignment{}, ErrForbidden
	}
	if _, err := s.orgs.RequireActive(ctx, params.OrgID); err != nil {
		return Assignment{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Assignment{}, fmt.Errorf("assignment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.requests.GetForUpdate(ctx, tx, params.RequestID)
	if err != nil {
		return Assignment{}, err
	}
	if req.Status != request.StatusPending && req.Status != request.StatusNew {
		return Assignment{}, &TransitionError{Current: Status(req.Status), Attempted: "assign"}
	}

	created, err := s.repo.Create(ctx, tx, Assignment{
		ID:                  s.idGen(),
		RequestID:           params.RequestID,
		OrgID:               params.OrgID,
		AssignedBy:          &actor.UserID,
		Status:              StatusPledged,
		Notes:               params.Notes,
		EstimatedCompletion: params.EstimatedCompletion,
		AllowPhoneAccess:    params.AllowPhoneAccess,
		ContactName:         params.ContactName,
		ContactPhone:        params.ContactPhone,
		InspectorPhone:      params.InspectorPhone,
	})
	if err != nil {
		return Assignment{}, err
	}

	if _, err := s.requests.UpdateStatus(ctx, tx, params.RequestID, request.StatusAssigned, &actor.UserID, nil); err != nil {
		return Assignment{}, err
	}

	if err := s.writeTrail(ctx, tx, actor, "assign", created, map[string]any{
		"org_id": params.OrgID,
	}, "assignment.created"); err != nil {
		return Assignment{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Assignment{}, fmt.Errorf("assignment: commit assign: %w", err)
	}
	return created, nil
}

// Approve turns a pledge into a commitment and moves delivery in progress.
// Only a reviewer may approve; the organization cannot self-advance its own
// pledge.
func (s *Service) Approve(ctx context.Context, actor auth.Actor, assignmentID string) (Assignment, error) {
	if !actor.Role.Reviewer() {
		return Assignment{}, ErrForbidden
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Assignment{}, fmt.Errorf("assignment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := s.repo.GetForUpdate(ctx, tx, assignmentID)
	if err != nil {
		return Assignment{}, err
	}
	if a.Status != StatusPledged {
		return Assignment{}, &TransitionError{Current: a.Status, Attempted: "approve"}
	}

	updated, err := s.repo.UpdateStatus(ctx, tx, assignmentID, StatusInProgress, nil, nil, nil)
	if err != nil {
		return Assignment{}, err
	}
	if _, err := s.requests.UpdateStatus(ctx, tx, a.RequestID, request.StatusInProgress, nil, nil); err != nil {
		return Assignment{}, err
	}

	if err := s.writeTrail(ctx, tx, actor, "approve", updated, nil, "assignment.approved"); err != nil {
		return Assignment{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Assignment{}, fmt.Errorf("assignment: commit approve: %w", err)
	}
	return updated, nil
}

// Complete closes a delivery, optionally recording a proof reference. The
// request completes in the same transaction and the organization's counter
// moves with it.
func (s *Service) Complete(ctx context.Context, actor auth.Actor, assignmentID string, notes, proofRef *string) (Assignment, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Assignment{}, fmt.Errorf("assignment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := s.repo.GetForUpdate(ctx, tx, assignmentID)
	if err != nil {
		return Assignment{}, err
	}
	if err := s.requireHolder(actor, a); err != nil {
		return Assignment{}, err
	}
	if a.Status != StatusInProgress {
		return Assignment{}, &TransitionError{Current: a.Status, Attempted: "complete"}
	}

	updated, err := s.repo.UpdateStatus(ctx, tx, assignmentID, StatusCompleted, nil, notes, proofRef)
	if err != nil {
		return Assignment{}, err
	}
	if _, err := s.requests.UpdateStatus(ctx, tx, a.RequestID, request.StatusCompleted, nil, nil); err != nil {
		return Assignment{}, err
	}
	if err := s.counter.IncrementCompleted(ctx, tx, a.OrgID); err != nil {
		return Assignment{}, err
	}

	if err := s.writeTrail(ctx, tx, actor, "complete", updated, nil, "assignment.completed"); err != nil {
		return Assignment{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Assignment{}, fmt.Errorf("assignment: commit complete: %w", err)
	}
	return updated, nil
}

// Fail abandons an active assignment with a reason. The request returns to
// the open pool so another organization can pick it up.
func (s *Service) Fail(ctx context.Context, actor auth.Actor, assignmentID string, reason string) (Assignment, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Assignment{}, fmt.Errorf("%w: failure reason required", ErrValidation)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Assignment{}, fmt.Errorf("assignment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := s.repo.GetForUpdate(ctx, tx, assignmentID)
	if err != nil {
		return Assignment{}, err
	}
	if err := s.requireHolder(actor, a); err != nil {
		return Assignment{}, err
	}
	if !a.Status.Active() {
		return Assignment{}, &TransitionError{Current: a.Status, Attempted: "fail"}
	}

	updated, err := s.repo.UpdateStatus(ctx, tx, assignmentID, StatusFailed, &reason, nil, nil)
	if err != nil {
		return Assignment{}, err
	}
	if _, err := s.requests.UpdateStatus(ctx, tx, a.RequestID, request.StatusNew, nil, nil); err != nil {
		return Assignment{}, err
	}

	if err := s.writeTrail(ctx, tx, actor, "fail", updated, map[string]any{
		"reason": reason,
	}, "assignment.failed"); err != nil {
		return Assignment{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Assignment{}, fmt.Errorf("assignment: commit fail: %w", err)
	}
	return updated, nil
}

// Get returns an assignment readable by the actor.
func (s *Service) Get(ctx context.Context, actor auth.Actor, assignmentID string) (Assignment, error) {
	a, err := s.repo.Get(ctx, assignmentID)
	if err != nil {
		return Assignment{}, err
	}
	if err := s.requireHolder(actor, a); err != nil {
		return Assignment{}, err
	}
	return a, nil
}

// ListForOrg returns an organization's own assignments; reviewers may list
// any organization's.
func (s *Service) ListForOrg(ctx context.Context, actor auth.Actor, orgID string, limit int) ([]Assignment, error) {
	if !actor.Role.Reviewer() {
		if actor.Role != auth.RoleOrganization || actor.OrgID == nil || *actor.OrgID != orgID {
			return nil, ErrForbidden
		}
	}
	return s.repo.ListForOrg(ctx, orgID, limit)
}

// requireHolder admits reviewers and the organization holding the
// assignment.
func (s *Service) requireHolder(actor auth.Actor, a Assignment) error {
	if actor.Role.Reviewer() {
		return nil
	}
	if actor.Role == auth.RoleOrganization && actor.OrgID != nil && *actor.OrgID == a.OrgID {
		return nil
	}
	return ErrForbidden
}

func (s *Service) writeTrail(ctx context.Context, tx pgx.Tx, actor auth.Actor, action string, a Assignment, extra map[string]any, topic string) error {
	if s.audit != nil {
		payload := map[string]any{
			"assignment_id": a.ID,
			"request_id":    a.RequestID,
			"status":        a.Status,
		}
		for k, v := range extra {
			payload[k] = v
		}
		entry := audit.Entry{
			ActorID:    actor.UserID,
			Action:     action,
			EntityType: "assignment",
			EntityID:   a.ID,
			Payload:    payload,
		}
		if err := s.audit.Append(ctx, tx, entry); err != nil {
			return fmt.Errorf("assignment: append audit: %w", err)
		}
	}

	if s.outbox != nil {
		payload := map[string]any{
			"assignment_id": a.ID,
			"request_id":    a.RequestID,
			"org_id":        a.OrgID,
			"status":        a.Status,
		}
		for k, v := range extra {
			payload[k] = v
		}
		if err := s.outbox.Enqueue(ctx, tx, topic, payload); err != nil {
			return fmt.Errorf("assignment: enqueue outbox: %w", err)
		}
	}

	return nil
}
