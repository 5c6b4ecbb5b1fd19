package assignment

import "time"

// Status is the fulfillment lifecycle state. An assignment in pledged or
// in_progress is active; the partial unique index on requests keeps at most
// one active assignment per request.
type Status string

const (
	StatusPledged    Status = "pledged"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Active reports whether the assignment still holds the request.
func (s Status) Active() bool {
	return s == StatusPledged || s == StatusInProgress
}

// Assignment binds an organization to a request it has pledged to fulfill.
type Assignment struct {
	ID        string
	RequestID string
	OrgID     string

	// AssignedBy is set when a reviewer created the assignment directly
	// instead of the organization pledging from the market.
	AssignedBy *string

	Status     Status
	FailReason *string
	Notes      *string

	// ProofRef points at delivery evidence recorded on completion.
	ProofRef *string

	// EstimatedCompletion is the organization's own delivery estimate.
	EstimatedCompletion *time.Time

	// AllowPhoneAccess gates whether the organization may see the
	// requester's phone number. Contact overrides, when set, replace the
	// requester's own details entirely. InspectorPhone is the reviewer's
	// own number, offered as the fallback channel when phone access is
	// denied.
	AllowPhoneAccess bool
	ContactName      *string
	ContactPhone     *string
	InspectorPhone   *string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// Contact is what an organization is allowed to see about a requester.
// Phone is nil unless access was granted; InspectorPhone is always shown
// to the holder so there is a contact channel either way.
type Contact struct {
	Name           string
	Phone          *string
	InspectorPhone *string
}
