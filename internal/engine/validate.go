package engine

import (
	"strings"

	"github.com/shopspring/decimal"
)

// ValidateTemplate checks the structural rules a template must satisfy
// before it can be stored. Default uniqueness is a catalog-level rule and is
// checked by the caller.
func ValidateTemplate(t *WorkflowTemplate) error {
	if t == nil {
		return invalid("template", "is required")
	}
	if strings.TrimSpace(t.Name) == "" {
		return invalid("name", "is required")
	}
	if !t.Category.Valid() {
		return invalid("category", "unknown category %q", t.Category)
	}
	if len(t.Steps) == 0 && len(t.TierRules) == 0 {
		return invalid("steps", "template needs at least one step or tier rule")
	}

	seen := make(map[int]bool, len(t.Steps))
	maxOrder := 0
	for _, s := range t.Steps {
		if s.Order < 1 {
			return invalid("steps", "step order must start at 1, got %d", s.Order)
		}
		if seen[s.Order] {
			return invalid("steps", "duplicate step order %d", s.Order)
		}
		seen[s.Order] = true
		if s.Order > maxOrder {
			maxOrder = s.Order
		}
	}
	if maxOrder != len(t.Steps) {
		return invalid("steps", "step orders must be contiguous from 1")
	}

	for _, s := range t.Steps {
		if err := validateStep(s, maxOrder); err != nil {
			return err
		}
	}

	for i, c := range t.Conditions {
		if !c.Valid() {
			return invalid("conditions", "condition %d is not valid", i)
		}
	}

	for i, r := range t.TierRules {
		if r.ThresholdAmount.LessThan(decimal.Zero) {
			return invalid("tier_rules", "rule %d has a negative threshold", i)
		}
		for _, prev := range t.TierRules[:i] {
			if prev.ThresholdAmount.Equal(r.ThresholdAmount) {
				return invalid("tier_rules", "duplicate threshold %s", r.ThresholdAmount)
			}
		}
		if len(r.ApproverRoles) == 0 {
			return invalid("tier_rules", "rule %d has no approver roles", i)
		}
		for _, role := range r.ApproverRoles {
			if strings.TrimSpace(role) == "" {
				return invalid("tier_rules", "rule %d has an empty approver role", i)
			}
		}
	}
	return nil
}

func validateStep(s Step, maxOrder int) error {
	switch s.Kind {
	case StepApproval, StepReview, StepNotification:
		if strings.TrimSpace(s.ApproverRole) == "" {
			return invalid("steps", "%s step %d needs an approver_role", s.Kind, s.Order)
		}
	case StepCondition:
		if s.Condition == nil || !s.Condition.Valid() {
			return invalid("steps", "condition step %d needs a valid condition", s.Order)
		}
		if s.BranchTarget != 0 && s.BranchTarget <= s.Order {
			return invalid("steps", "condition step %d branches backwards to %d", s.Order, s.BranchTarget)
		}
		if s.BranchTarget > maxOrder+1 {
			return invalid("steps", "condition step %d branches to %d, past the end of the template", s.Order, s.BranchTarget)
		}
	case StepParallel:
		if len(s.ParallelRoles) < 1 {
			return invalid("steps", "parallel step %d needs parallel_roles", s.Order)
		}
		for _, role := range s.ParallelRoles {
			if strings.TrimSpace(role) == "" {
				return invalid("steps", "parallel step %d has an empty role", s.Order)
			}
		}
	default:
		return invalid("steps", "step %d has unsupported kind %q", s.Order, s.Kind)
	}
	return nil
}

// ValidateDelegation checks a single rule in isolation. Overlap with other
// rules is checked with DelegationConflicts.
func ValidateDelegation(r DelegationRule) error {
	if strings.TrimSpace(r.FromUserID) == "" {
		return invalid("from_user_id", "is required")
	}
	if strings.TrimSpace(r.ToUserID) == "" {
		return invalid("to_user_id", "is required")
	}
	if r.FromUserID == r.ToUserID {
		return invalid("to_user_id", "a user cannot delegate to themselves")
	}
	if r.StartDate.IsZero() || r.EndDate.IsZero() {
		return invalid("start_date", "start and end dates are required")
	}
	if r.StartDate.After(r.EndDate) {
		return invalid("end_date", "end date %s is before start date %s", r.EndDate, r.StartDate)
	}
	for _, id := range r.WorkflowIDs {
		if strings.TrimSpace(id) == "" {
			return invalid("workflow_ids", "contains an empty id")
		}
	}
	return nil
}
