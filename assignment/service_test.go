package assignment

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"aidflow/audit"
	"aidflow/auth"
	"aidflow/organization"
	"aidflow/request"
)

var (
	orgID     = "org-1"
	orgActor  = auth.Actor{UserID: "org-user", Role: auth.RoleOrganization, OrgID: &orgID}
	inspector = auth.Actor{UserID: "insp-1", Role: auth.RoleInspector}
)

type fixture struct {
	svc      *Service
	pool     *fakePool
	repo     *fakeRepo
	requests *fakeRequests
	orgs     *fakeOrgs
	counter  *fakeCounter
	outbox   *fakeOutbox
}

func newFixture() *fixture {
	f := &fixture{
		pool:     &fakePool{},
		repo:     &fakeRepo{byID: map[string]Assignment{}},
		requests: &fakeRequests{byID: map[string]request.Request{}},
		orgs:     &fakeOrgs{active: map[string]bool{orgID: true}},
		counter:  &fakeCounter{},
		outbox:   &fakeOutbox{},
	}
	f.svc = NewService(f.pool, f.repo, f.requests, f.orgs, f.counter, &fakeAudit{}, f.outbox).
		WithIDGenerator(func() string { return "asg-1" })
	return f
}

func TestPledge_ClaimsOpenRequest(t *testing.T) {
	f := newFixture()
	f.requests.byID["req-1"] = request.Request{ID: "req-1", Status: request.StatusNew}

	a, err := f.svc.Pledge(context.Background(), orgActor, "req-1", PledgeParams{})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if a.Status != StatusPledged {
		t.Errorf("expected status pledged, got %s", a.Status)
	}
	if a.AllowPhoneAccess {
		t.Errorf("expected phone access to default to denied")
	}
	if f.requests.byID["req-1"].Status != request.StatusAssigned {
		t.Errorf("expected request to move to assigned, got %s", f.requests.byID["req-1"].Status)
	}
	if !f.pool.tx.committed {
		t.Errorf("expected commit to be called")
	}
	if len(f.outbox.topics) != 1 || f.outbox.topics[0] != "assignment.pledged" {
		t.Errorf("expected assignment.pledged enqueued, got %v", f.outbox.topics)
	}
}

func TestPledge_RejectsSuspendedOrg(t *testing.T) {
	f := newFixture()
	f.orgs.active[orgID] = false
	f.requests.byID["req-1"] = request.Request{ID: "req-1", Status: request.StatusNew}

	if _, err := f.svc.Pledge(context.Background(), orgActor, "req-1", PledgeParams{}); !errors.Is(err, organization.ErrInactive) {
		t.Errorf("expected ErrInactive, got %v", err)
	}
}

func TestPledge_StrictOnTriagedRequests(t *testing.T) {
	f := newFixture()
	f.requests.byID["req-1"] = request.Request{ID: "req-1", Status: request.StatusPending}

	var te *TransitionError
	if _, err := f.svc.Pledge(context.Background(), orgActor, "req-1", PledgeParams{}); !errors.As(err, &te) {
		t.Fatalf("expected TransitionError for pending request, got %v", err)
	}
	if f.pool.tx.committed {
		t.Errorf("expected commit to be skipped")
	}
}

func TestPledge_LosesRace(t *testing.T) {
	f := newFixture()
	f.requests.byID["req-1"] = request.Request{ID: "req-1", Status: request.StatusNew}
	f.repo.createErr = ErrAlreadyAssigned

	if _, err := f.svc.Pledge(context.Background(), orgActor, "req-1", PledgeParams{}); !errors.Is(err, ErrAlreadyAssigned) {
		t.Errorf("expected ErrAlreadyAssigned, got %v", err)
	}
	if f.pool.tx.committed {
		t.Errorf("expected losing pledge to roll back")
	}
}

func TestPledge_RoleChecks(t *testing.T) {
	f := newFixture()
	f.requests.byID["req-1"] = request.Request{ID: "req-1", Status: request.StatusNew}

	requester := auth.Actor{UserID: "user-1", Role: auth.RoleRequester}
	if _, err := f.svc.Pledge(context.Background(), requester, "req-1", PledgeParams{}); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden for requester, got %v", err)
	}

	noOrg := auth.Actor{UserID: "org-user", Role: auth.RoleOrganization}
	if _, err := f.svc.Pledge(context.Background(), noOrg, "req-1", PledgeParams{}); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden without org id, got %v", err)
	}
}

func TestAssign_ReviewerCanSkipTriage(t *testing.T) {
	f := newFixture()
	f.requests.byID["req-1"] = request.Request{ID: "req-1", Status: request.StatusPending}

	name := "أبو خالد"
	a, err := f.svc.Assign(context.Background(), inspector, AssignParams{
		RequestID:        "req-1",
		OrgID:            orgID,
		AllowPhoneAccess: true,
		ContactName:      &name,
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if a.AssignedBy == nil || *a.AssignedBy != inspector.UserID {
		t.Errorf("expected assigned_by to record the reviewer")
	}
	if !a.AllowPhoneAccess {
		t.Errorf("expected phone access carried from params")
	}
	if f.requests.byID["req-1"].Status != request.StatusAssigned {
		t.Errorf("expected request assigned, got %s", f.requests.byID["req-1"].Status)
	}
}

func TestApprove_MovesBothStatuses(t *testing.T) {
	f := newFixture()
	f.requests.byID["req-1"] = request.Request{ID: "req-1", Status: request.StatusAssigned}
	f.repo.byID["asg-1"] = Assignment{ID: "asg-1", RequestID: "req-1", OrgID: orgID, Status: StatusPledged}

	a, err := f.svc.Approve(context.Background(), inspector, "asg-1")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if a.Status != StatusInProgress {
		t.Errorf("expected assignment in_progress, got %s", a.Status)
	}
	if f.requests.byID["req-1"].Status != request.StatusInProgress {
		t.Errorf("expected request in_progress, got %s", f.requests.byID["req-1"].Status)
	}
}

func TestApprove_OrgCannotSelfAdvance(t *testing.T) {
	f := newFixture()
	f.repo.byID["asg-1"] = Assignment{ID: "asg-1", RequestID: "req-1", OrgID: orgID, Status: StatusPledged}

	if _, err := f.svc.Approve(context.Background(), orgActor, "asg-1"); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden for the holding org itself, got %v", err)
	}
	if f.repo.byID["asg-1"].Status != StatusPledged {
		t.Errorf("expected pledge untouched, got %s", f.repo.byID["asg-1"].Status)
	}
}

func TestComplete_ClosesBothAndCountsDelivery(t *testing.T) {
	f := newFixture()
	f.requests.byID["req-1"] = request.Request{ID: "req-1", Status: request.StatusInProgress}
	f.repo.byID["asg-1"] = Assignment{ID: "asg-1", RequestID: "req-1", OrgID: orgID, Status: StatusInProgress}

	proof := "photo:delivery-123"
	a, err := f.svc.Complete(context.Background(), orgActor, "asg-1", nil, &proof)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if a.ProofRef == nil || *a.ProofRef != proof {
		t.Errorf("expected proof reference recorded")
	}
	if a.Status != StatusCompleted {
		t.Errorf("expected assignment completed, got %s", a.Status)
	}
	if f.requests.byID["req-1"].Status != request.StatusCompleted {
		t.Errorf("expected request completed, got %s", f.requests.byID["req-1"].Status)
	}
	if f.counter.incremented != orgID {
		t.Errorf("expected delivery counter bumped for %s, got %q", orgID, f.counter.incremented)
	}
}

func TestComplete_RequiresDeliveryInProgress(t *testing.T) {
	f := newFixture()
	f.repo.byID["asg-1"] = Assignment{ID: "asg-1", RequestID: "req-1", OrgID: orgID, Status: StatusPledged}

	var te *TransitionError
	if _, err := f.svc.Complete(context.Background(), orgActor, "asg-1", nil, nil); !errors.As(err, &te) {
		t.Errorf("expected TransitionError for pledged assignment, got %v", err)
	}
	if f.counter.incremented != "" {
		t.Errorf("expected counter untouched")
	}
}

func TestFail_ReopensRequest(t *testing.T) {
	f := newFixture()
	f.requests.byID["req-1"] = request.Request{ID: "req-1", Status: request.StatusInProgress}
	f.repo.byID["asg-1"] = Assignment{ID: "asg-1", RequestID: "req-1", OrgID: orgID, Status: StatusInProgress}

	if _, err := f.svc.Fail(context.Background(), orgActor, "asg-1", " "); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for blank reason, got %v", err)
	}

	a, err := f.svc.Fail(context.Background(), orgActor, "asg-1", "beneficiary unreachable")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if a.Status != StatusFailed {
		t.Errorf("expected assignment failed, got %s", a.Status)
	}
	if a.FailReason == nil || *a.FailReason != "beneficiary unreachable" {
		t.Errorf("expected failure reason recorded")
	}
	if f.requests.byID["req-1"].Status != request.StatusNew {
		t.Errorf("expected request back in open pool, got %s", f.requests.byID["req-1"].Status)
	}
}

func TestResolveContact_PrivacyGate(t *testing.T) {
	f := newFixture()
	f.requests.byID["req-1"] = request.Request{
		ID:             "req-1",
		RequesterName:  "Um Ahmed",
		RequesterPhone: "0912345678",
		Status:         request.StatusAssigned,
	}
	f.repo.byID["asg-1"] = Assignment{ID: "asg-1", RequestID: "req-1", OrgID: orgID, Status: StatusPledged}

	// Holding org without access: name only.
	c, err := f.svc.ResolveContact(context.Background(), orgActor, "req-1")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if c.Name != "Um Ahmed" {
		t.Errorf("expected requester name, got %q", c.Name)
	}
	if c.Phone != nil {
		t.Errorf("expected phone withheld, got %q", *c.Phone)
	}

	// Reviewer always sees the phone.
	c, err = f.svc.ResolveContact(context.Background(), inspector, "req-1")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if c.Phone == nil || *c.Phone != "0912345678" {
		t.Errorf("expected reviewer to see phone")
	}

	// Overrides stand in even while access stays denied: the org gets the
	// substitute number, never the requester's own.
	name, phone := "مكتب الحي", "0999999999"
	a := f.repo.byID["asg-1"]
	a.ContactName = &name
	a.ContactPhone = &phone
	f.repo.byID["asg-1"] = a

	c, err = f.svc.ResolveContact(context.Background(), orgActor, "req-1")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if c.Name != name {
		t.Errorf("expected override name, got %q", c.Name)
	}
	if c.Phone == nil || *c.Phone != phone {
		t.Errorf("expected override phone")
	}

	// Granted access without overrides: the real number appears.
	a = f.repo.byID["asg-1"]
	a.AllowPhoneAccess = true
	a.ContactPhone = nil
	f.repo.byID["asg-1"] = a

	c, err = f.svc.ResolveContact(context.Background(), orgActor, "req-1")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if c.Phone == nil || *c.Phone != "0912345678" {
		t.Errorf("expected requester phone after grant")
	}

	// An org without an active assignment sees nothing.
	otherID := "org-2"
	other := auth.Actor{UserID: "other-user", Role: auth.RoleOrganization, OrgID: &otherID}
	if _, err := f.svc.ResolveContact(context.Background(), other, "req-1"); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden for non-holder, got %v", err)
	}
}

func TestSetPhoneAccess_ReviewerOnly(t *testing.T) {
	f := newFixture()
	f.repo.byID["asg-1"] = Assignment{ID: "asg-1", RequestID: "req-1", OrgID: orgID, Status: StatusPledged}

	if _, err := f.svc.SetPhoneAccess(context.Background(), orgActor, "asg-1", true, nil, nil, nil); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden for organization, got %v", err)
	}

	inspPhone := "0933333333"
	a, err := f.svc.SetPhoneAccess(context.Background(), inspector, "asg-1", true, nil, nil, &inspPhone)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !a.AllowPhoneAccess {
		t.Errorf("expected access granted")
	}
	if a.InspectorPhone == nil || *a.InspectorPhone != inspPhone {
		t.Errorf("expected inspector phone recorded as fallback channel")
	}

	done := f.repo.byID["asg-1"]
	done.Status = StatusCompleted
	f.repo.byID["asg-1"] = done
	var te *TransitionError
	if _, err := f.svc.SetPhoneAccess(context.Background(), inspector, "asg-1", false, nil, nil, nil); !errors.As(err, &te) {
		t.Errorf("expected TransitionError on settled assignment, got %v", err)
	}
}

type fakeRepo struct {
	byID      map[string]Assignment
	createErr error
}

func (f *fakeRepo) Create(ctx context.Context, tx pgx.Tx, a Assignment) (Assignment, error) {
	if f.createErr != nil {
		return Assignment{}, f.createErr
	}
	f.byID[a.ID] = a
	return a, nil
}

func (f *fakeRepo) Get(ctx context.Context, id string) (Assignment, error) {
	a, ok := f.byID[id]
	if !ok {
		return Assignment{}, ErrNotFound
	}
	return a, nil
}

func (f *fakeRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Assignment, error) {
	return f.Get(ctx, id)
}

func (f *fakeRepo) GetActiveForRequest(ctx context.Context, requestID string) (Assignment, error) {
	for _, a := range f.byID {
		if a.RequestID == requestID && a.Status.Active() {
			return a, nil
		}
	}
	return Assignment{}, ErrNotFound
}

func (f *fakeRepo) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status, failReason, notes, proofRef *string) (Assignment, error) {
	a, ok := f.byID[id]
	if !ok {
		return Assignment{}, ErrNotFound
	}
	a.Status = status
	if failReason != nil {
		a.FailReason = failReason
	}
	if notes != nil {
		a.Notes = notes
	}
	if proofRef != nil {
		a.ProofRef = proofRef
	}
	f.byID[id] = a
	return a, nil
}

func (f *fakeRepo) SetPhoneAccess(ctx context.Context, tx pgx.Tx, id string, allow bool, contactName, contactPhone, inspectorPhone *string) (Assignment, error) {
	a, ok := f.byID[id]
	if !ok {
		return Assignment{}, ErrNotFound
	}
	a.AllowPhoneAccess = allow
	a.ContactName = contactName
	a.ContactPhone = contactPhone
	if inspectorPhone != nil {
		a.InspectorPhone = inspectorPhone
	}
	f.byID[id] = a
	return a, nil
}

func (f *fakeRepo) ListForOrg(ctx context.Context, orgID string, limit int) ([]Assignment, error) {
	list := []Assignment{}
	for _, a := range f.byID {
		if a.OrgID == orgID {
			list = append(list, a)
		}
	}
	return list, nil
}

type fakeRequests struct {
	byID map[string]request.Request
}

func (f *fakeRequests) Get(ctx context.Context, id string) (request.Request, error) {
	req, ok := f.byID[id]
	if !ok {
		return request.Request{}, request.ErrNotFound
	}
	return req, nil
}

func (f *fakeRequests) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (request.Request, error) {
	return f.Get(ctx, id)
}

func (f *fakeRequests) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status request.Status, reviewerID, notes *string) (request.Request, error) {
	req, ok := f.byID[id]
	if !ok {
		return request.Request{}, request.ErrNotFound
	}
	req.Status = status
	f.byID[id] = req
	return req, nil
}

type fakeOrgs struct {
	active map[string]bool
}

func (f *fakeOrgs) RequireActive(ctx context.Context, id string) (organization.Organization, error) {
	active, ok := f.active[id]
	if !ok {
		return organization.Organization{}, organization.ErrNotFound
	}
	if !active {
		return organization.Organization{}, organization.ErrInactive
	}
	return organization.Organization{ID: id, Active: true}, nil
}

type fakeCounter struct {
	incremented string
}

func (f *fakeCounter) IncrementCompleted(ctx context.Context, tx pgx.Tx, id string) error {
	f.incremented = id
	return nil
}

type fakeAudit struct {
	entries []audit.Entry
}

func (f *fakeAudit) Append(ctx context.Context, tx pgx.Tx, entry audit.Entry) error {
	f.entries = append(f.entries, entry)
	return nil
}

type fakeOutbox struct {
	topics []string
}

func (f *fakeOutbox) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	f.topics = append(f.topics, topic)
	return nil
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
