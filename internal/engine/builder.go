package engine

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
)

// RoleDirectory resolves an organisational role to its current holder.
type RoleDirectory interface {
	ResolveRole(ctx context.Context, role string) (string, error)
}

// RoleDirectoryFunc adapts a function to RoleDirectory.
type RoleDirectoryFunc func(ctx context.Context, role string) (string, error)

func (f RoleDirectoryFunc) ResolveRole(ctx context.Context, role string) (string, error) {
	return f(ctx, role)
}

// ErrNoRoleHolder is returned by role directories when nobody holds a role.
var ErrNoRoleHolder = errors.New("no user holds role")

// Builder expands templates into chain instances.
type Builder struct {
	roles RoleDirectory
	loc   *time.Location
	newID func() string
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithLocation sets the time zone used to turn submission timestamps into
// delegation dates.
func WithLocation(loc *time.Location) BuilderOption {
	return func(b *Builder) {
		if loc != nil {
			b.loc = loc
		}
	}
}

// WithIDGenerator overrides chain id generation.
func WithIDGenerator(fn func() string) BuilderOption {
	return func(b *Builder) {
		if fn != nil {
			b.newID = fn
		}
	}
}

// NewBuilder creates a Builder.
func NewBuilder(roles RoleDirectory, opts ...BuilderOption) *Builder {
	b := &Builder{
		roles: roles,
		loc:   time.UTC,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Location returns the builder's business time zone.
func (b *Builder) Location() *time.Location {
	return b.loc
}

// Build resolves the template against the request and delegation set into
// a new chain. The entry list and the template version are frozen into the
// result; later template edits never reach it.
func (b *Builder) Build(ctx context.Context, tmpl *WorkflowTemplate, req Request, delegations []DelegationRule) (*ChainInstance, error) {
	if tmpl == nil {
		return nil, invalid("template", "is required")
	}
	if req.SubmittedAt.IsZero() {
		return nil, invalid("submitted_at", "is required")
	}
	if tmpl.TierDriven() && req.Amount == nil {
		return nil, invalid("amount", "template %s uses monetary tiers and needs an amount", tmpl.ID)
	}

	run := &buildRun{
		builder:     b,
		ctx:         ctx,
		tmpl:        tmpl,
		asOf:        DateOf(req.SubmittedAt, b.loc),
		delegations: delegations,
		holders:     make(map[string]string),
	}

	steps := make([]Step, len(tmpl.Steps))
	copy(steps, tmpl.Steps)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })

	lastOrder := 0
	for i := 0; i < len(steps); {
		st := steps[i]
		if st.Order > lastOrder {
			lastOrder = st.Order
		}

		switch st.Kind {
		case StepCondition:
			if st.Condition != nil && st.Condition.Evaluate(req.Attributes) {
				i++
				continue
			}
			target := st.BranchTarget
			if target == 0 {
				target = st.Order + 2
			}
			j := i + 1
			for j < len(steps) && steps[j].Order < target {
				run.skip(steps[j])
				if steps[j].Order > lastOrder {
					lastOrder = steps[j].Order
				}
				j++
			}
			i = j
			continue

		case StepApproval, StepReview:
			if err := run.addEntry(st.Order, st.Kind, st.Name, st.ApproverRole); err != nil {
				return nil, err
			}

		case StepParallel:
			for _, role := range st.ParallelRoles {
				if err := run.addEntry(st.Order, st.Kind, st.Name, role); err != nil {
					return nil, err
				}
			}

		case StepNotification:
			userID, err := run.holder(st.ApproverRole)
			if err != nil {
				return nil, err
			}
			run.watchers = append(run.watchers, Watcher{StepOrder: st.Order, Role: st.ApproverRole, UserID: userID})

		default:
			return nil, invalid("steps", "step %d has unsupported kind %q", st.Order, st.Kind)
		}
		i++
	}

	amount := req.Amount
	if tmpl.TierDriven() {
		for n, role := range ResolveTier(*amount, tmpl.TierRules) {
			if err := run.addEntry(lastOrder+n+1, StepApproval, "tier approval", role); err != nil {
				return nil, err
			}
		}
	}

	hasPending := false
	for _, e := range run.entries {
		if e.Status == EntryPending {
			hasPending = true
			break
		}
	}
	if !hasPending {
		return nil, invalid("template", "template %s resolves to a chain with no approvers", tmpl.ID)
	}

	inst := &ChainInstance{
		ID:            b.newID(),
		TemplateID:    tmpl.ID,
		PinnedVersion: tmpl.Version,
		Category:      req.Category,
		SubmitterID:   req.SubmitterID,
		SubmittedAt:   req.SubmittedAt,
		Attributes:    req.Attributes,
		Entries:       run.entries,
		Watchers:      run.watchers,
		Warnings:      run.warnings,
		Status:        ChainPending,
	}
	if amount != nil {
		a := *amount
		inst.Amount = &a
	}
	return inst, nil
}

type buildRun struct {
	builder     *Builder
	ctx         context.Context
	tmpl        *WorkflowTemplate
	asOf        Date
	delegations []DelegationRule

	holders  map[string]string
	entries  []ChainEntry
	watchers []Watcher
	warnings []Warning
}

// holder resolves a role once per build.
func (r *buildRun) holder(role string) (string, error) {
	if id, ok := r.holders[role]; ok {
		return id, nil
	}
	if r.builder.roles == nil {
		return "", &DependencyError{Dependency: "role directory", Err: errors.New("not configured")}
	}
	id, err := r.builder.roles.ResolveRole(r.ctx, role)
	if err != nil {
		return "", &DependencyError{Dependency: "role directory", Err: err}
	}
	if id == "" {
		return "", &DependencyError{Dependency: "role directory", Err: ErrNoRoleHolder}
	}
	r.holders[role] = id
	return id, nil
}

func (r *buildRun) addEntry(order int, kind StepKind, name, role string) error {
	nominal, err := r.holder(role)
	if err != nil {
		return err
	}
	res, err := ResolveEffectiveApprover(r.delegations, nominal, r.asOf, r.tmpl.ID)
	if err != nil {
		return err
	}

	entry := ChainEntry{
		StepOrder:           order,
		StepKind:            kind,
		StepName:            name,
		NominalApproverRole: role,
		NominalApproverID:   nominal,
		EffectiveApproverID: res.EffectiveUserID,
		Status:              EntryPending,
	}
	if res.Rule != nil {
		entry.DelegationRuleID = res.Rule.ID
	}
	r.entries = append(r.entries, entry)

	if w := res.Warning; w != nil {
		r.warnings = append(r.warnings, Warning{
			Code:       WarningCodeChainedDelegation,
			Message:    w.Error(),
			StepOrder:  order,
			UserID:     w.UserID,
			DelegateID: w.DelegateID,
			RuleID:     w.ChainedRuleID,
		})
	}
	return nil
}

// skip records the entries a branch-not-taken step would have produced.
func (r *buildRun) skip(st Step) {
	switch st.Kind {
	case StepApproval, StepReview:
		r.entries = append(r.entries, ChainEntry{
			StepOrder:           st.Order,
			StepKind:            st.Kind,
			StepName:            st.Name,
			NominalApproverRole: st.ApproverRole,
			Status:              EntrySkipped,
		})
	case StepParallel:
		for _, role := range st.ParallelRoles {
			r.entries = append(r.entries, ChainEntry{
				StepOrder:           st.Order,
				StepKind:            st.Kind,
				StepName:            st.Name,
				NominalApproverRole: role,
				Status:              EntrySkipped,
			})
		}
	}
}
