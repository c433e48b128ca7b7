package scan

import "time"

// Budget caps one scan's crawl: page count, link depth, and wall-clock time.
type Budget struct {
	MaxPages int
	MaxDepth int
	MaxTime  time.Duration
}

// Queue priority per tier; higher numbers are served first.
const (
	PriorityFree       = 1
	PriorityPro        = 5
	PriorityEnterprise = 10
)

// tierBudgets holds the static per-tier limits. Pure lookup, no state.
var tierBudgets = map[Tier]Budget{
	TierFree:       {MaxPages: 5, MaxDepth: 1, MaxTime: 2 * time.Minute},
	TierPro:        {MaxPages: 50, MaxDepth: 3, MaxTime: 10 * time.Minute},
	TierEnterprise: {MaxPages: 500, MaxDepth: 5, MaxTime: 30 * time.Minute},
}

// tierPriorities maps tiers to queue priority.
var tierPriorities = map[Tier]int{
	TierFree:       PriorityFree,
	TierPro:        PriorityPro,
	TierEnterprise: PriorityEnterprise,
}

// allowedDepths is the fixed enumeration accepted at enqueue time.
var allowedDepths = map[int]bool{1: true, 2: true, 3: true, 5: true}

// BudgetFor returns the crawl budget for a tier, clamped to the requested
// depth when it is stricter than the tier ceiling. Unknown tiers get the
// free budget.
func BudgetFor(tier Tier, depth int) Budget {
	b, ok := tierBudgets[tier]
	if !ok {
		b = tierBudgets[TierFree]
	}
	if depth > 0 && depth < b.MaxDepth {
		b.MaxDepth = depth
	}
	return b
}

// PriorityFor returns the queue priority for a tier.
func PriorityFor(tier Tier) int {
	if p, ok := tierPriorities[tier]; ok {
		return p
	}
	return PriorityFree
}

// ValidTier reports whether the tier is a known plan level.
func ValidTier(tier Tier) bool {
	_, ok := tierBudgets[tier]
	return ok
}

// ValidDepth reports whether the depth is in the accepted enumeration.
func ValidDepth(depth int) bool {
	return allowedDepths[depth]
}
