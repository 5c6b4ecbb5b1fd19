package request

import "time"

// Status is the request lifecycle state. Terminal states are completed,
// cancelled and rejected.
type Status string

const (
	StatusPending    Status = "pending"
	StatusNew        Status = "new"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusRejected   Status = "rejected"
)

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusRejected:
		return true
	default:
		return false
	}
}

// Editable reports whether the requester may still edit or cancel.
func (s Status) Editable() bool {
	return s == StatusPending || s == StatusNew
}

type Category string

const (
	CategoryFood         Category = "food"
	CategoryWater        Category = "water"
	CategoryShelter      Category = "shelter"
	CategoryMedicine     Category = "medicine"
	CategoryClothing     Category = "clothing"
	CategoryBedding      Category = "bedding"
	CategoryBabySupplies Category = "baby_supplies"
	CategoryHygiene      Category = "hygiene"
	CategoryFinancial    Category = "financial"
	CategoryOther        Category = "other"
)

// Categories enumerates the closed category set.
var Categories = []Category{
	CategoryFood,
	CategoryWater,
	CategoryShelter,
	CategoryMedicine,
	CategoryClothing,
	CategoryBedding,
	CategoryBabySupplies,
	CategoryHygiene,
	CategoryFinancial,
	CategoryOther,
}

func validCategory(c Category) bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Request mirrors the requests table columns touched by the lifecycle.
type Request struct {
	ID             string
	CreatedBy      string
	ReviewerID     *string
	RequesterName  string
	RequesterPhone string

	Category    Category
	Description *string
	Quantity    int
	FamilySize  int

	LocationText string
	Latitude     *float64
	Longitude    *float64
	RegionCode   *string

	Status        Status
	PriorityScore int
	Urgent        bool
	SpecialCases  []string
	Fingerprint   string
	DuplicateOf   *string

	ReviewNotes *string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// Filters narrows request listings for reviewer and market views.
type Filters struct {
	Status     Status
	Category   Category
	RegionCode string
	Urgent     *bool
	MinScore   int
	CreatedBy  string
	Page       int
	PageSize   int
}
