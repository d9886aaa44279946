// Package engine resolves approval chains: it matches a request to a
// workflow template, expands the template (and any monetary tiers) into an
// ordered list of approvers with delegation applied, and drives the
// resulting chain through approve/reject decisions.
//
// Everything in this package is a pure function of its inputs. Persistence,
// the organisational role directory and the clock live outside it.
package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// Category is the request domain a template applies to.
type Category string

const (
	CategoryPurchase  Category = "purchase"
	CategoryTimeOff   Category = "time_off"
	CategoryPermit    Category = "permit"
	CategoryExpense   Category = "expense"
	CategoryContract  Category = "contract"
	CategoryCapex     Category = "capex"
	CategoryWorkOrder Category = "work_order"
	CategoryCustom    Category = "custom"
)

var validCategories = map[Category]bool{
	CategoryPurchase:  true,
	CategoryTimeOff:   true,
	CategoryPermit:    true,
	CategoryExpense:   true,
	CategoryContract:  true,
	CategoryCapex:     true,
	CategoryWorkOrder: true,
	CategoryCustom:    true,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	return validCategories[c]
}

// StepKind identifies what a template step does.
type StepKind string

const (
	StepApproval     StepKind = "approval"
	StepReview       StepKind = "review"
	StepNotification StepKind = "notification"
	StepCondition    StepKind = "condition"
	StepParallel     StepKind = "parallel"
)

// Step is one unit of a template.
type Step struct {
	ID    string   `json:"id"`
	Order int      `json:"order"`
	Kind  StepKind `json:"kind"`
	Name  string   `json:"name,omitempty"`

	// ApproverRole is used by approval, review and notification steps.
	ApproverRole string `json:"approver_role,omitempty"`

	// Condition and BranchTarget are used by condition steps. When the
	// condition is false, evaluation continues at the step whose order is
	// BranchTarget and everything in between is skipped. Zero skips only the
	// next step.
	Condition    *Condition `json:"condition,omitempty"`
	BranchTarget int        `json:"branch_target,omitempty"`

	// ParallelRoles lists the sibling approvers of a parallel step.
	ParallelRoles []string `json:"parallel_roles,omitempty"`
}

// TierRule adds approver roles once the amount reaches ThresholdAmount.
type TierRule struct {
	ThresholdAmount decimal.Decimal `json:"threshold_amount"`
	ApproverRoles   []string        `json:"approver_roles"`
}

// WorkflowTemplate is a versioned approval process definition.
type WorkflowTemplate struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Category    Category    `json:"category"`
	Steps       []Step      `json:"steps"`
	Conditions  []Condition `json:"conditions,omitempty"`
	TierRules   []TierRule  `json:"tier_rules,omitempty"`
	Version     int         `json:"version"`
	IsActive    bool        `json:"is_active"`
	IsDefault   bool        `json:"is_default"`
	UsageCount  int64       `json:"usage_count"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// TierDriven reports whether the template appends monetary tier approvers.
func (t *WorkflowTemplate) TierDriven() bool {
	return len(t.TierRules) > 0
}

// Clone returns a deep copy.
func (t *WorkflowTemplate) Clone() *WorkflowTemplate {
	if t == nil {
		return nil
	}
	out := *t
	out.Steps = make([]Step, len(t.Steps))
	for i, s := range t.Steps {
		out.Steps[i] = s
		out.Steps[i].ParallelRoles = append([]string(nil), s.ParallelRoles...)
		if s.Condition != nil {
			c := *s.Condition
			out.Steps[i].Condition = &c
		}
	}
	out.Conditions = append([]Condition(nil), t.Conditions...)
	out.TierRules = make([]TierRule, len(t.TierRules))
	for i, r := range t.TierRules {
		out.TierRules[i] = TierRule{
			ThresholdAmount: r.ThresholdAmount,
			ApproverRoles:   append([]string(nil), r.ApproverRoles...),
		}
	}
	return &out
}

// DelegationRule temporarily hands one user's approval authority to another.
type DelegationRule struct {
	ID          string    `json:"id"`
	FromUserID  string    `json:"from_user_id"`
	ToUserID    string    `json:"to_user_id"`
	StartDate   Date      `json:"start_date"`
	EndDate     Date      `json:"end_date"`
	IsActive    bool      `json:"is_active"`
	WorkflowIDs []string  `json:"workflow_ids"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Scoped reports whether the rule is limited to specific templates.
func (r DelegationRule) Scoped() bool {
	return len(r.WorkflowIDs) > 0
}

// AppliesTo reports whether the rule covers the given template.
func (r DelegationRule) AppliesTo(workflowID string) bool {
	if !r.Scoped() {
		return true
	}
	for _, id := range r.WorkflowIDs {
		if id == workflowID {
			return true
		}
	}
	return false
}

// Covers reports whether d falls inside the inclusive date range.
func (r DelegationRule) Covers(d Date) bool {
	return !d.Before(r.StartDate) && !d.After(r.EndDate)
}

// ChainStatus is the overall state of a chain instance.
type ChainStatus string

const (
	ChainPending    ChainStatus = "pending"
	ChainInProgress ChainStatus = "in_progress"
	ChainApproved   ChainStatus = "approved"
	ChainRejected   ChainStatus = "rejected"
)

// IsTerminal reports whether no further decisions are accepted.
func (s ChainStatus) IsTerminal() bool {
	return s == ChainApproved || s == ChainRejected
}

// EntryStatus is the state of a single chain entry.
type EntryStatus string

const (
	EntryPending  EntryStatus = "pending"
	EntryApproved EntryStatus = "approved"
	EntryRejected EntryStatus = "rejected"
	EntrySkipped  EntryStatus = "skipped"
)

// Decided reports whether an approver acted on the entry.
func (s EntryStatus) Decided() bool {
	return s == EntryApproved || s == EntryRejected
}

// Decision is an approver's verdict.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Valid reports whether d is approve or reject.
func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionReject
}

func (d Decision) entryStatus() EntryStatus {
	if d == DecisionReject {
		return EntryRejected
	}
	return EntryApproved
}

// ChainEntry is one resolved approver slot.
type ChainEntry struct {
	StepOrder           int         `json:"step_order"`
	StepKind            StepKind    `json:"step_kind"`
	StepName            string      `json:"step_name,omitempty"`
	NominalApproverRole string      `json:"nominal_approver_role"`
	NominalApproverID   string      `json:"nominal_approver_id,omitempty"`
	EffectiveApproverID string      `json:"effective_approver_id,omitempty"`
	DelegationRuleID    string      `json:"delegation_rule_id,omitempty"`
	Status              EntryStatus `json:"status"`
	DecidedBy           string      `json:"decided_by,omitempty"`
	DecidedAt           *time.Time  `json:"decided_at,omitempty"`
	Comment             string      `json:"comment,omitempty"`
}

// Watcher is a notification-step recipient. Watchers never gate progress.
type Watcher struct {
	StepOrder int    `json:"step_order"`
	Role      string `json:"role"`
	UserID    string `json:"user_id"`
}

// Warning is a non-fatal finding recorded on a chain at build time.
type Warning struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StepOrder  int    `json:"step_order,omitempty"`
	UserID     string `json:"user_id,omitempty"`
	DelegateID string `json:"delegate_id,omitempty"`
	RuleID     string `json:"rule_id,omitempty"`
}

// ChainInstance is the frozen, per-request approver sequence and its state.
type ChainInstance struct {
	ID            string           `json:"id"`
	TemplateID    string           `json:"template_id"`
	PinnedVersion int              `json:"pinned_version"`
	Category      Category         `json:"category"`
	SubmitterID   string           `json:"submitter_id"`
	SubmittedAt   time.Time        `json:"submitted_at"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
	Attributes    Attributes       `json:"attributes,omitempty"`
	Entries       []ChainEntry     `json:"entries"`
	Watchers      []Watcher        `json:"watchers,omitempty"`
	Warnings      []Warning        `json:"warnings,omitempty"`
	Status        ChainStatus      `json:"status"`
	Revision      int64            `json:"revision"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
	ArchivedAt    *time.Time       `json:"archived_at,omitempty"`
}

// Clone returns a deep copy so decisions can be applied speculatively.
func (c *ChainInstance) Clone() *ChainInstance {
	if c == nil {
		return nil
	}
	out := *c
	if c.Amount != nil {
		a := *c.Amount
		out.Amount = &a
	}
	if c.Attributes != nil {
		out.Attributes = make(Attributes, len(c.Attributes))
		for k, v := range c.Attributes {
			out.Attributes[k] = v
		}
	}
	out.Entries = make([]ChainEntry, len(c.Entries))
	for i, e := range c.Entries {
		out.Entries[i] = e
		if e.DecidedAt != nil {
			t := *e.DecidedAt
			out.Entries[i].DecidedAt = &t
		}
	}
	out.Watchers = append([]Watcher(nil), c.Watchers...)
	out.Warnings = append([]Warning(nil), c.Warnings...)
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		out.CompletedAt = &t
	}
	if c.ArchivedAt != nil {
		t := *c.ArchivedAt
		out.ArchivedAt = &t
	}
	return &out
}

// CurrentStep returns the lowest step order that still has pending entries.
func (c *ChainInstance) CurrentStep() (int, bool) {
	current, found := 0, false
	for _, e := range c.Entries {
		if e.Status != EntryPending {
			continue
		}
		if !found || e.StepOrder < current {
			current, found = e.StepOrder, true
		}
	}
	return current, found
}

// PendingFor returns the entries at the current step awaiting userID.
func (c *ChainInstance) PendingFor(userID string) []ChainEntry {
	if c.Status.IsTerminal() {
		return nil
	}
	step, ok := c.CurrentStep()
	if !ok {
		return nil
	}
	var out []ChainEntry
	for _, e := range c.Entries {
		if e.StepOrder == step && e.Status == EntryPending && e.EffectiveApproverID == userID {
			out = append(out, e)
		}
	}
	return out
}

// CurrentApprovers returns the distinct users who must act at the current step.
func (c *ChainInstance) CurrentApprovers() []string {
	if c.Status.IsTerminal() {
		return nil
	}
	step, ok := c.CurrentStep()
	if !ok {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	for _, e := range c.Entries {
		if e.StepOrder != step || e.Status != EntryPending {
			continue
		}
		if _, dup := seen[e.EffectiveApproverID]; dup {
			continue
		}
		seen[e.EffectiveApproverID] = struct{}{}
		out = append(out, e.EffectiveApproverID)
	}
	return out
}

// Request is a submission to be routed for approval.
type Request struct {
	Category    Category         `json:"category"`
	Attributes  Attributes       `json:"attributes"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
	SubmitterID string           `json:"submitter_id"`
	SubmittedAt time.Time        `json:"submitted_at"`
}
