package request

// Category weights mirror the triage table used by field coordinators.
var categoryWeights = map[Category]int{
	CategoryMedicine:     25,
	CategoryBabySupplies: 20,
	CategoryWater:        20,
	CategoryFood:         15,
	CategoryShelter:      15,
	CategoryBedding:      10,
	CategoryHygiene:      10,
	CategoryClothing:     5,
	CategoryFinancial:    5,
	CategoryOther:        0,
}

// Special household conditions raise priority on top of the category weight.
var specialCaseWeights = map[string]int{
	"pregnant":        10,
	"disabled":        10,
	"elderly":         8,
	"chronic_illness": 8,
	"children":        5,
}

const (
	priorityBase = 50
	priorityMin  = 0
	priorityMax  = 100
)

// PriorityInput carries everything the scorer looks at. The score is a pure
// function of its input: no clock, no store. Requests are therefore scored
// once at creation and re-scored only on pre-assignment edits.
type PriorityInput struct {
	Category     Category
	FamilySize   int
	Urgent       bool
	SpecialCases []string
}

// PriorityScore ranks a request for triage on a 0-100 scale.
func PriorityScore(in PriorityInput) int {
	score := priorityBase
	score += categoryWeights[in.Category]
	score += householdBonus(in.FamilySize)
	if in.Urgent {
		score += 20
	}
	for _, c := range in.SpecialCases {
		score += specialCaseWeights[c]
	}

	if score > priorityMax {
		return priorityMax
	}
	if score < priorityMin {
		return priorityMin
	}
	return score
}

func householdBonus(size int) int {
	switch {
	case size >= 6:
		return 15
	case size >= 4:
		return 10
	case size >= 2:
		return 5
	default:
		return 0
	}
}
