package engine

import (
	"sort"

	"github.com/shopspring/decimal"
)

// ResolveTier returns the approver roles required for amount.
//
// Thresholds are inclusive lower bounds and tiers are cumulative: the amount
// qualifies for every tier whose threshold it reaches, and roles are listed
// from the lowest qualifying tier upward with duplicates removed.
func ResolveTier(amount decimal.Decimal, rules []TierRule) []string {
	sorted := make([]TierRule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ThresholdAmount.GreaterThan(sorted[j].ThresholdAmount)
	})

	var qualified []TierRule
	for _, r := range sorted {
		if amount.GreaterThanOrEqual(r.ThresholdAmount) {
			qualified = append(qualified, r)
		}
	}

	seen := make(map[string]struct{})
	roles := make([]string, 0)
	for i := len(qualified) - 1; i >= 0; i-- {
		for _, role := range qualified[i].ApproverRoles {
			if _, dup := seen[role]; dup {
				continue
			}
			seen[role] = struct{}{}
			roles = append(roles, role)
		}
	}
	return roles
}
