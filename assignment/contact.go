package assignment

import (
	"context"
	"fmt"

	"aidflow/auth"
)

// ResolveContact returns what the actor may see of the requester behind a
// request. Reviewers see everything. An organization sees the contact only
// through its own active assignment; the requester's own number appears
// only when access was granted, while contact overrides stand in for it
// whether or not it was.
func (s *Service) ResolveContact(ctx context.Context, actor auth.Actor, requestID string) (Contact, error) {
	req, err := s.requests.Get(ctx, requestID)
	if err != nil {
		return Contact{}, err
	}

	if actor.Role.Reviewer() {
		phone := req.RequesterPhone
		return Contact{Name: req.RequesterName, Phone: &phone}, nil
	}

	if actor.Role != auth.RoleOrganization || actor.OrgID == nil {
		return Contact{}, ErrForbidden
	}

	a, err := s.repo.GetActiveForRequest(ctx, requestID)
	if err != nil {
		return Contact{}, err
	}
	if a.OrgID != *actor.OrgID {
		return Contact{}, ErrForbidden
	}

	contact := Contact{Name: req.RequesterName, InspectorPhone: a.InspectorPhone}
	if a.ContactName != nil {
		contact.Name = *a.ContactName
	}
	switch {
	case a.ContactPhone != nil:
		// An override number stands in for the gated one regardless of
		// the access flag; the requester's raw number stays hidden.
		contact.Phone = a.ContactPhone
	case a.AllowPhoneAccess:
		phone := req.RequesterPhone
		contact.Phone = &phone
	}
	return contact, nil
}

// SetPhoneAccess lets a reviewer grant or revoke phone visibility on an
// active assignment, optionally substituting override contact details and
// leaving their own number as the fallback channel.
func (s *Service) SetPhoneAccess(ctx context.Context, actor auth.Actor, assignmentID string, allow bool, contactName, contactPhone, inspectorPhone *string) (Assignment, error) {
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
	if !a.Status.Active() {
		return Assignment{}, &TransitionError{Current: a.Status, Attempted: "set phone access"}
	}

	updated, err := s.repo.SetPhoneAccess(ctx, tx, assignmentID, allow, contactName, contactPhone, inspectorPhone)
	if err != nil {
		return Assignment{}, err
	}

	if err := s.writeTrail(ctx, tx, actor, "set_phone_access", updated, map[string]any{
		"allow_phone_access": allow,
	}, "assignment.phone_access_changed"); err != nil {
		return Assignment{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Assignment{}, fmt.Errorf("assignment: commit phone access: %w", err)
	}
	return updated, nil
}
