package engine

import (
	"sort"
	"time"
)

// Resolution is the outcome of delegation resolution for one approver.
type Resolution struct {
	NominalUserID   string
	EffectiveUserID string
	// Rule is the applied delegation, nil for identity resolution.
	Rule    *DelegationRule
	Warning *ChainedDelegationWarning
}

// Delegated reports whether authority moved to another user.
func (r Resolution) Delegated() bool {
	return r.Rule != nil
}

// ResolveEffectiveApprover maps a nominal approver to the user who must act
// on asOf for the given template.
//
// Precedence among several matching rules: a rule scoped to workflowID beats
// an unscoped one, then the latest start date wins, and any remaining tie is
// an AmbiguousDelegationError. Only one hop is followed; if the delegate has
// delegated onward the result carries a ChainedDelegationWarning.
func ResolveEffectiveApprover(rules []DelegationRule, nominalUserID string, asOf Date, workflowID string) (Resolution, error) {
	res := Resolution{NominalUserID: nominalUserID, EffectiveUserID: nominalUserID}

	matches := matchingDelegations(rules, nominalUserID, asOf, workflowID)
	if len(matches) == 0 {
		return res, nil
	}

	chosen, err := pickDelegation(matches, nominalUserID, asOf, workflowID)
	if err != nil {
		return Resolution{}, err
	}

	rule := chosen
	res.EffectiveUserID = rule.ToUserID
	res.Rule = &rule

	if onward := matchingDelegations(rules, rule.ToUserID, asOf, workflowID); len(onward) > 0 {
		ids := ruleIDs(onward)
		res.Warning = &ChainedDelegationWarning{
			UserID:        nominalUserID,
			DelegateID:    rule.ToUserID,
			RuleID:        rule.ID,
			ChainedRuleID: ids[0],
		}
	}
	return res, nil
}

// ResolveAt is ResolveEffectiveApprover for a timestamp observed in loc.
func ResolveAt(rules []DelegationRule, nominalUserID string, at time.Time, loc *time.Location, workflowID string) (Resolution, error) {
	return ResolveEffectiveApprover(rules, nominalUserID, DateOf(at, loc), workflowID)
}

func matchingDelegations(rules []DelegationRule, userID string, asOf Date, workflowID string) []DelegationRule {
	var out []DelegationRule
	for _, r := range rules {
		if r.FromUserID != userID || !r.IsActive {
			continue
		}
		if !r.Covers(asOf) || !r.AppliesTo(workflowID) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func pickDelegation(matches []DelegationRule, userID string, asOf Date, workflowID string) (DelegationRule, error) {
	if len(matches) == 1 {
		return matches[0], nil
	}

	var scoped []DelegationRule
	for _, r := range matches {
		if r.Scoped() {
			scoped = append(scoped, r)
		}
	}
	pool := matches
	if len(scoped) > 0 {
		pool = scoped
	}
	if len(pool) == 1 {
		return pool[0], nil
	}

	latest := pool[0].StartDate
	for _, r := range pool[1:] {
		if r.StartDate.After(latest) {
			latest = r.StartDate
		}
	}
	var newest []DelegationRule
	for _, r := range pool {
		if r.StartDate.Equal(latest) {
			newest = append(newest, r)
		}
	}
	if len(newest) == 1 {
		return newest[0], nil
	}

	return DelegationRule{}, &AmbiguousDelegationError{
		UserID:  userID,
		AsOf:    asOf,
		RuleIDs: ruleIDs(newest),
	}
}

func ruleIDs(rules []DelegationRule) []string {
	ids := make([]string, 0, len(rules))
	for _, r := range rules {
		ids = append(ids, r.ID)
	}
	sort.Strings(ids)
	return ids
}

// DelegationConflicts returns the active rules of the same delegator that
// overlap candidate in time and scope. Two unscoped rules overlap, as do two
// scoped rules sharing a workflow id. A scoped rule never conflicts with an
// unscoped one since resolution prefers the scoped rule.
func DelegationConflicts(existing []DelegationRule, candidate DelegationRule) []DelegationRule {
	if !candidate.IsActive {
		return nil
	}
	var out []DelegationRule
	for _, r := range existing {
		if r.ID == candidate.ID || !r.IsActive || r.FromUserID != candidate.FromUserID {
			continue
		}
		if r.EndDate.Before(candidate.StartDate) || candidate.EndDate.Before(r.StartDate) {
			continue
		}
		if !scopesIntersect(r, candidate) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func scopesIntersect(a, b DelegationRule) bool {
	if !a.Scoped() && !b.Scoped() {
		return true
	}
	if !a.Scoped() || !b.Scoped() {
		return false
	}
	for _, id := range a.WorkflowIDs {
		if b.AppliesTo(id) {
			return true
		}
	}
	return false
}
