package request

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"aidflow/audit"
	"aidflow/auth"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// AuditWriter appends an audit entry inside the caller's transaction.
type AuditWriter interface {
	Append(ctx context.Context, tx pgx.Tx, entry audit.Entry) error
}

// OutboxWriter enqueues a notification message inside the caller's
// transaction. Delivery happens after commit and is best-effort.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service owns the request status field. Every transition validates the
// capability table, then executes as one transaction: lock row, check state,
// write status plus side effects, audit, outbox.
type Service struct {
	pool   TxBeginner
	repo   Repository
	audit  AuditWriter
	outbox OutboxWriter
	idGen  func() string
	now    func() time.Time
}

func NewService(pool TxBeginner, repo Repository, auditLog AuditWriter, outbox OutboxWriter) *Service {
	return &Service{
		pool:   pool,
		repo:   repo,
		audit:  auditLog,
		outbox: outbox,
		idGen:  func() string { return uuid.NewString() },
		now:    time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateParams carries a new aid request.
type CreateParams struct {
	RequesterName  string
	RequesterPhone string
	Category       Category
	Description    *string
	Quantity       int
	FamilySize     int
	LocationText   string
	Latitude       *float64
	Longitude      *float64
	RegionCode     *string
	Urgent         bool
	SpecialCases   []string
}

func (p CreateParams) validate() error {
	if strings.TrimSpace(p.RequesterName) == "" {
		return fmt.Errorf("%w: requester name required", ErrValidation)
	}
	if normalizeDigits(p.RequesterPhone) == "" {
		return fmt.Errorf("%w: requester phone required", ErrValidation)
	}
	if !validCategory(p.Category) {
		return fmt.Errorf("%w: unknown category %q", ErrValidation, p.Category)
	}
	if p.Quantity < 1 {
		return fmt.Errorf("%w: quantity must be at least 1", ErrValidation)
	}
	if p.FamilySize < 1 {
		return fmt.Errorf("%w: family size must be at least 1", ErrValidation)
	}
	if strings.TrimSpace(p.LocationText) == "" {
		return fmt.Errorf("%w: location required", ErrValidation)
	}
	return nil
}

// Create registers a new request. Requester-created requests enter pending
// and wait for review; reviewer- or admin-created ones skip straight to new.
// Creation hard-blocks on an active duplicate fingerprint.
func (s *Service) Create(ctx context.Context, actor auth.Actor, params CreateParams) (Request, error) {
	if actor.Role == auth.RoleOrganization {
		return Request{}, ErrForbidden
	}
	if err := params.validate(); err != nil {
		return Request{}, err
	}

	status := StatusPending
	if actor.Role.Reviewer() {
		status = StatusNew
	}

	fingerprint := Fingerprint(params.RequesterPhone, params.Category, params.LocationText)
	score := PriorityScore(PriorityInput{
		Category:     params.Category,
		FamilySize:   params.FamilySize,
		Urgent:       params.Urgent,
		SpecialCases: params.SpecialCases,
	})

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("request: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	existingID, err := s.repo.FindActiveFingerprint(ctx, tx, fingerprint, s.now().Add(-DuplicateWindow))
	if err != nil {
		return Request{}, err
	}
	if existingID != "" {
		return Request{}, &DuplicateError{ExistingID: existingID}
	}

	created, err := s.repo.Create(ctx, tx, Request{
		ID:             s.idGen(),
		CreatedBy:      actor.UserID,
		RequesterName:  strings.TrimSpace(params.RequesterName),
		RequesterPhone: normalizeDigits(params.RequesterPhone),
		Category:       params.Category,
		Description:    params.Description,
		Quantity:       params.Quantity,
		FamilySize:     params.FamilySize,
		LocationText:   strings.TrimSpace(params.LocationText),
		Latitude:       params.Latitude,
		Longitude:      params.Longitude,
		RegionCode:     params.RegionCode,
		Status:         status,
		PriorityScore:  score,
		Urgent:         params.Urgent,
		SpecialCases:   params.SpecialCases,
		Fingerprint:    fingerprint,
	})
	if err != nil {
		return Request{}, err
	}

	if err := s.writeTrail(ctx, tx, actor, "create", created, map[string]any{
		"category": created.Category,
		"priority": created.PriorityScore,
		"status":   created.Status,
	}, "request.created"); err != nil {
		return Request{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("request: commit create: %w", err)
	}
	return created, nil
}

// Activate moves a pending request into the open pool.
func (s *Service) Activate(ctx context.Context, actor auth.Actor, requestID string, notes *string) (Request, error) {
	return s.review(ctx, actor, requestID, ActionActivate, StatusNew, notes, "request.activated")
}

// Reject closes a pending request with a reason.
func (s *Service) Reject(ctx context.Context, actor auth.Actor, requestID string, reason string) (Request, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Request{}, fmt.Errorf("%w: rejection reason required", ErrValidation)
	}
	return s.review(ctx, actor, requestID, ActionReject, StatusRejected, &reason, "request.rejected")
}

func (s *Service) review(ctx context.Context, actor auth.Actor, requestID string, action Action, target Status, notes *string, topic string) (Request, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("request: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.GetForUpdate(ctx, tx, requestID)
	if err != nil {
		return Request{}, err
	}
	if err := CheckTransition(actor, req.Status, action); err != nil {
		return Request{}, err
	}

	updated, err := s.repo.UpdateStatus(ctx, tx, requestID, target, &actor.UserID, notes)
	if err != nil {
		return Request{}, err
	}

	if err := s.writeTrail(ctx, tx, actor, string(action), updated, map[string]any{
		"previous_status": req.Status,
		"status":          updated.Status,
	}, topic); err != nil {
		return Request{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("request: commit %s: %w", action, err)
	}
	return updated, nil
}

// Cancel withdraws a request. Requesters may only cancel their own and only
// before assignment.
func (s *Service) Cancel(ctx context.Context, actor auth.Actor, requestID string) (Request, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("request: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.GetForUpdate(ctx, tx, requestID)
	if err != nil {
		return Request{}, err
	}
	if actor.Role == auth.RoleRequester && req.CreatedBy != actor.UserID {
		return Request{}, ErrForbidden
	}
	if err := CheckTransition(actor, req.Status, ActionCancel); err != nil {
		return Request{}, err
	}

	updated, err := s.repo.UpdateStatus(ctx, tx, requestID, StatusCancelled, nil, nil)
	if err != nil {
		return Request{}, err
	}

	if err := s.writeTrail(ctx, tx, actor, "cancel", updated, map[string]any{
		"previous_status": req.Status,
	}, "request.cancelled"); err != nil {
		return Request{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("request: commit cancel: %w", err)
	}
	return updated, nil
}

// EditParams holds the requester-editable fields. Nil means keep; an
// empty SpecialCases slice clears the stored conditions.
type EditParams struct {
	Category     *Category
	Description  *string
	Quantity     *int
	FamilySize   *int
	LocationText *string
	Latitude     *float64
	Longitude    *float64
	RegionCode   *string
	Urgent       *bool
	SpecialCases []string
}

// Edit updates a request while it is still pending or new. Priority and the
// duplicate fingerprint are recomputed from the merged fields; after
// assignment both are frozen.
func (s *Service) Edit(ctx context.Context, actor auth.Actor, requestID string, params EditParams) (Request, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("request: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.GetForUpdate(ctx, tx, requestID)
	if err != nil {
		return Request{}, err
	}
	if actor.Role == auth.RoleRequester && req.CreatedBy != actor.UserID {
		return Request{}, ErrForbidden
	}
	if err := CheckTransition(actor, req.Status, ActionEdit); err != nil {
		return Request{}, err
	}

	if params.Category != nil {
		if !validCategory(*params.Category) {
			return Request{}, fmt.Errorf("%w: unknown category %q", ErrValidation, *params.Category)
		}
		req.Category = *params.Category
	}
	if params.Description != nil {
		req.Description = params.Description
	}
	if params.Quantity != nil {
		if *params.Quantity < 1 {
			return Request{}, fmt.Errorf("%w: quantity must be at least 1", ErrValidation)
		}
		req.Quantity = *params.Quantity
	}
	if params.FamilySize != nil {
		if *params.FamilySize < 1 {
			return Request{}, fmt.Errorf("%w: family size must be at least 1", ErrValidation)
		}
		req.FamilySize = *params.FamilySize
	}
	if params.LocationText != nil {
		if strings.TrimSpace(*params.LocationText) == "" {
			return Request{}, fmt.Errorf("%w: location required", ErrValidation)
		}
		req.LocationText = strings.TrimSpace(*params.LocationText)
	}
	if params.Latitude != nil {
		req.Latitude = params.Latitude
	}
	if params.Longitude != nil {
		req.Longitude = params.Longitude
	}
	if params.RegionCode != nil {
		req.RegionCode = params.RegionCode
	}
	if params.Urgent != nil {
		req.Urgent = *params.Urgent
	}
	if params.SpecialCases != nil {
		req.SpecialCases = params.SpecialCases
	}

	req.PriorityScore = PriorityScore(PriorityInput{
		Category:     req.Category,
		FamilySize:   req.FamilySize,
		Urgent:       req.Urgent,
		SpecialCases: req.SpecialCases,
	})

	// Category or location edits move the fingerprint; the edited request
	// must not land on another active request's fingerprint, so the window
	// check runs again under the same advisory lock as creation.
	fingerprint := Fingerprint(req.RequesterPhone, req.Category, req.LocationText)
	if fingerprint != req.Fingerprint {
		existingID, err := s.repo.FindActiveFingerprint(ctx, tx, fingerprint, s.now().Add(-DuplicateWindow))
		if err != nil {
			return Request{}, err
		}
		if existingID != "" && existingID != req.ID {
			return Request{}, &DuplicateError{ExistingID: existingID}
		}
	}
	req.Fingerprint = fingerprint

	updated, err := s.repo.UpdateFields(ctx, tx, req)
	if err != nil {
		return Request{}, err
	}

	if err := s.writeTrail(ctx, tx, actor, "edit", updated, map[string]any{
		"priority": updated.PriorityScore,
	}, "request.updated"); err != nil {
		return Request{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("request: commit edit: %w", err)
	}
	return updated, nil
}

// Delete removes a request entirely, cascading over any assignments it
// accumulated. Assigned, in-progress and completed requests are protected
// by the transition table; everything else is fair game for cleanup.
func (s *Service) Delete(ctx context.Context, actor auth.Actor, requestID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("request: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.GetForUpdate(ctx, tx, requestID)
	if err != nil {
		return err
	}
	if err := CheckTransition(actor, req.Status, ActionDelete); err != nil {
		return err
	}

	if err := s.repo.Delete(ctx, tx, requestID); err != nil {
		return err
	}

	if s.audit != nil {
		entry := audit.Entry{
			ActorID:    actor.UserID,
			Action:     "delete",
			EntityType: "request",
			EntityID:   requestID,
			Payload:    map[string]any{"status": req.Status},
		}
		if err := s.audit.Append(ctx, tx, entry); err != nil {
			return fmt.Errorf("request: append audit: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("request: commit delete: %w", err)
	}
	return nil
}

// Merge folds a duplicate source request into target: the source is
// cancelled with a back-reference and its quantity moves to the target.
func (s *Service) Merge(ctx context.Context, actor auth.Actor, sourceID, targetID string) (Request, error) {
	if sourceID == targetID {
		return Request{}, fmt.Errorf("%w: cannot merge a request into itself", ErrValidation)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("request: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock in id order so two opposing merges cannot deadlock.
	firstID, secondID := sourceID, targetID
	if targetID < sourceID {
		firstID, secondID = targetID, sourceID
	}
	first, err := s.repo.GetForUpdate(ctx, tx, firstID)
	if err != nil {
		return Request{}, err
	}
	second, err := s.repo.GetForUpdate(ctx, tx, secondID)
	if err != nil {
		return Request{}, err
	}

	source, target := first, second
	if source.ID != sourceID {
		source, target = second, first
	}

	if err := CheckTransition(actor, source.Status, ActionMerge); err != nil {
		return Request{}, err
	}
	if target.Status.Terminal() {
		return Request{}, &TransitionError{Current: target.Status, Attempted: ActionMerge}
	}

	merged, err := s.repo.MarkMerged(ctx, tx, sourceID, targetID)
	if err != nil {
		return Request{}, err
	}
	if _, err := s.repo.AddQuantity(ctx, tx, targetID, source.Quantity); err != nil {
		return Request{}, err
	}

	if err := s.writeTrail(ctx, tx, actor, "merge", merged, map[string]any{
		"merged_into": targetID,
		"quantity":    source.Quantity,
	}, "request.merged"); err != nil {
		return Request{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("request: commit merge: %w", err)
	}
	return merged, nil
}

// Get returns a request readable by the actor: reviewers and admins see
// everything, requesters only their own, organizations go through the
// market or their assignments.
func (s *Service) Get(ctx context.Context, actor auth.Actor, requestID string) (Request, error) {
	req, err := s.repo.Get(ctx, requestID)
	if err != nil {
		return Request{}, err
	}
	if actor.Role == auth.RoleRequester && req.CreatedBy != actor.UserID {
		return Request{}, ErrForbidden
	}
	if actor.Role == auth.RoleOrganization {
		return Request{}, ErrForbidden
	}
	return req, nil
}

// List is the reviewer triage queue.
func (s *Service) List(ctx context.Context, actor auth.Actor, filters Filters) ([]Request, int, error) {
	if !actor.Role.Reviewer() {
		return nil, 0, ErrForbidden
	}
	return s.repo.List(ctx, filters)
}

// ListMine returns the actor's own requests.
func (s *Service) ListMine(ctx context.Context, actor auth.Actor, filters Filters) ([]Request, int, error) {
	filters.CreatedBy = actor.UserID
	return s.repo.List(ctx, filters)
}

// Market lists open requests for an active organization to pledge against.
func (s *Service) Market(ctx context.Context, actor auth.Actor, filters Filters) ([]Request, int, error) {
	if actor.Role != auth.RoleOrganization && !actor.Role.Reviewer() {
		return nil, 0, ErrForbidden
	}
	return s.repo.Market(ctx, filters)
}

// CountByPhone is a reviewer utility: how many requests share a phone
// number, formatted or not.
func (s *Service) CountByPhone(ctx context.Context, actor auth.Actor, phone string) (int, error) {
	if !actor.Role.Reviewer() {
		return 0, ErrForbidden
	}
	// Stored phones pass through the same normalization on create, so the
	// lookup matches regardless of spacing or digit script in the query.
	return s.repo.CountByPhone(ctx, normalizeDigits(phone))
}

func (s *Service) writeTrail(ctx context.Context, tx pgx.Tx, actor auth.Actor, action string, req Request, extra map[string]any, topic string) error {
	if s.audit != nil {
		payload := map[string]any{"request_id": req.ID}
		for k, v := range extra {
			payload[k] = v
		}
		entry := audit.Entry{
			ActorID:    actor.UserID,
			Action:     action,
			EntityType: "request",
			EntityID:   req.ID,
			Payload:    payload,
		}
		if err := s.audit.Append(ctx, tx, entry); err != nil {
			return fmt.Errorf("request: append audit: %w", err)
		}
	}

	if s.outbox != nil {
		payload := map[string]any{
			"request_id":    req.ID,
			"status":        req.Status,
			"requester_id":  req.CreatedBy,
			"tracking_code": TrackingCode(req.ID),
		}
		for k, v := range extra {
			payload[k] = v
		}
		if err := s.outbox.Enqueue(ctx, tx, topic, payload); err != nil {
			return fmt.Errorf("request: enqueue outbox: %w", err)
		}
	}

	return nil
}
