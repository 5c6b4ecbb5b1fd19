package organization

import "time"

// Organization is an aid provider registered in the directory. Only active
// organizations may pledge against open requests.
type Organization struct {
	ID             string
	Name           string
	Description    *string
	Phone          string
	RegionCode     *string
	Active         bool
	CompletedCount int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
