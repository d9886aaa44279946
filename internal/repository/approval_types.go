package repository

import (
	"context"
	"time"

	"github.com/tulkenz-ims/be-ops-approvals/internal/engine"
	"github.com/tulkenz-ims/be-ops-approvals/internal/platform/errors"
)

// ErrVersionConflict is returned by ChainStore.Update when the stored
// revision no longer matches the caller's copy.
var ErrVersionConflict = errors.Conflict("approval chain was modified concurrently")

// ErrTemplateVersionConflict is returned by TemplateStore.Update when the
// stored template version no longer matches the caller's.
var ErrTemplateVersionConflict = errors.Conflict("workflow template was modified concurrently")

// ── Store contracts ──────────────────────────────────────────────────────────

// TemplateStore persists workflow templates.
type TemplateStore interface {
	Create(ctx context.Context, tmpl *engine.WorkflowTemplate) error
	// Update replaces the definition of a template whose stored version is
	// expectedVersion and stores it as expectedVersion+1. Activation, the
	// default flag and usage are left as stored.
	Update(ctx context.Context, tmpl *engine.WorkflowTemplate, expectedVersion int) error
	// SetActive changes only is_active; the definition and version stay.
	SetActive(ctx context.Context, id string, active bool) (*engine.WorkflowTemplate, error)
	// SetDefault makes an active template the default of its category and
	// clears the previous default in the same write.
	SetDefault(ctx context.Context, id string) (*engine.WorkflowTemplate, error)
	GetByID(ctx context.Context, id string) (*engine.WorkflowTemplate, error)
	// List returns templates of a category, or of every category when
	// category is empty.
	List(ctx context.Context, category engine.Category, activeOnly bool) ([]*engine.WorkflowTemplate, error)
	Delete(ctx context.Context, id string) error
	IncrementUsage(ctx context.Context, id string) error
}

// OverlapCheck inspects a delegator's stored rules before a write and
// returns an error to abort it.
type OverlapCheck func(existing []engine.DelegationRule) error

// DelegationStore persists delegation rules.
type DelegationStore interface {
	Create(ctx context.Context, rule *engine.DelegationRule) error
	Update(ctx context.Context, rule *engine.DelegationRule) error
	// CreateChecked and UpdateChecked run check against the delegator's
	// rules and write only if it passes, with no other write for the same
	// delegator in between.
	CreateChecked(ctx context.Context, rule *engine.DelegationRule, check OverlapCheck) error
	UpdateChecked(ctx context.Context, rule *engine.DelegationRule, check OverlapCheck) error
	GetByID(ctx context.Context, id string) (*engine.DelegationRule, error)
	ListByDelegator(ctx context.Context, fromUserID string) ([]engine.DelegationRule, error)
	// ListActiveOn returns active rules whose range covers the date.
	ListActiveOn(ctx context.Context, date engine.Date) ([]engine.DelegationRule, error)
}

// ChainStore persists chain instances. Update is a compare-and-swap on
// Revision: it succeeds only when the stored revision equals
// expectedRevision, and then stores inst with Revision expectedRevision+1.
type ChainStore interface {
	Create(ctx context.Context, inst *engine.ChainInstance) error
	Get(ctx context.Context, id string) (*engine.ChainInstance, error)
	Update(ctx context.Context, inst *engine.ChainInstance, expectedRevision int64) error
	// ListOpenForApprover returns unarchived, non-terminal chains with a
	// pending entry for userID at any step.
	ListOpenForApprover(ctx context.Context, userID string) ([]*engine.ChainInstance, error)
}

// AuditStore appends and reads the chain audit trail.
type AuditStore interface {
	Append(ctx context.Context, entry *AuditEntry) error
	ListByChain(ctx context.Context, chainID string) ([]*AuditEntry, error)
}

// ── Audit ────────────────────────────────────────────────────────────────────

// Audit actions.
const (
	ActionSubmitted = "submitted"
	ActionApproved  = "approved"
	ActionRejected  = "rejected"
	ActionSkipped   = "skipped"
	ActionArchived  = "archived"
)

// AuditEntry is one immutable record in the audit log.
type AuditEntry struct {
	ID           string         `json:"id"`
	ChainID      string         `json:"chain_id"`
	TemplateID   string         `json:"template_id"`
	StepOrder    *int           `json:"step_order,omitempty"`
	Action       string         `json:"action"`
	PerformedBy  string         `json:"performed_by"`
	PerformedAt  time.Time      `json:"performed_at"`
	StatusBefore *string        `json:"status_before,omitempty"`
	StatusAfter  *string        `json:"status_after,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}
