package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tulkenz-ims/be-ops-approvals/internal/engine"
	"github.com/tulkenz-ims/be-ops-approvals/internal/platform/errors"
)

// The in-memory stores back the memory store backend, the CLI and service
// tests. They copy values in and out so callers never share state with the
// store, and enforce the same constraints as the Postgres schema.

// ── Templates ────────────────────────────────────────────────────────────────

// MemoryTemplateStore is a TemplateStore held in process memory.
type MemoryTemplateStore struct {
	mu        sync.RWMutex
	templates map[string]*engine.WorkflowTemplate
	now       func() time.Time
}

// NewMemoryTemplateStore creates an empty MemoryTemplateStore.
func NewMemoryTemplateStore() *MemoryTemplateStore {
	return &MemoryTemplateStore{
		templates: make(map[string]*engine.WorkflowTemplate),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryTemplateStore) Create(_ context.Context, tmpl *engine.WorkflowTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.templates[tmpl.ID]; exists {
		return errors.Conflict("workflow template " + tmpl.ID + " already exists")
	}
	if err := s.checkDefault(tmpl); err != nil {
		return err
	}
	now := s.now()
	tmpl.CreatedAt, tmpl.UpdatedAt = now, now
	s.templates[tmpl.ID] = tmpl.Clone()
	return nil
}

func (s *MemoryTemplateStore) Update(_ context.Context, tmpl *engine.WorkflowTemplate, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.templates[tmpl.ID]
	if !ok {
		return errors.NotFound("workflow_template", tmpl.ID)
	}
	if current.Version != expectedVersion {
		return ErrTemplateVersionConflict
	}
	tmpl.IsActive = current.IsActive
	tmpl.IsDefault = current.IsDefault
	if err := s.checkDefault(tmpl); err != nil {
		return err
	}
	tmpl.Version = expectedVersion + 1
	tmpl.CreatedAt = current.CreatedAt
	tmpl.UsageCount = current.UsageCount
	tmpl.UpdatedAt = s.now()
	s.templates[tmpl.ID] = tmpl.Clone()
	return nil
}

func (s *MemoryTemplateStore) SetActive(_ context.Context, id string, active bool) (*engine.WorkflowTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.templates[id]
	if !ok {
		return nil, errors.NotFound("workflow_template", id)
	}
	if current.IsActive == active {
		return current.Clone(), nil
	}
	next := current.Clone()
	next.IsActive = active
	if err := s.checkDefault(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = s.now()
	s.templates[id] = next
	return next.Clone(), nil
}

func (s *MemoryTemplateStore) SetDefault(_ context.Context, id string) (*engine.WorkflowTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.templates[id]
	if !ok {
		return nil, errors.NotFound("workflow_template", id)
	}
	if !current.IsActive {
		return nil, errors.InvalidInput("id", "only an active template can be the default")
	}
	if current.IsDefault {
		return current.Clone(), nil
	}
	now := s.now()
	for otherID, other := range s.templates {
		if otherID != id && other.Category == current.Category && other.IsDefault {
			other.IsDefault = false
			other.UpdatedAt = now
		}
	}
	current.IsDefault = true
	current.UpdatedAt = now
	return current.Clone(), nil
}

// checkDefault mirrors the workflow_templates_one_default index.
func (s *MemoryTemplateStore) checkDefault(tmpl *engine.WorkflowTemplate) error {
	if !tmpl.IsDefault || !tmpl.IsActive {
		return nil
	}
	for id, other := range s.templates {
		if id != tmpl.ID && other.Category == tmpl.Category && other.IsDefault && other.IsActive {
			return errors.Conflict("another active default template exists for this category")
		}
	}
	return nil
}

func (s *MemoryTemplateStore) GetByID(_ context.Context, id string) (*engine.WorkflowTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tmpl, ok := s.templates[id]
	if !ok {
		return nil, errors.NotFound("workflow_template", id)
	}
	return tmpl.Clone(), nil
}

func (s *MemoryTemplateStore) List(_ context.Context, category engine.Category, activeOnly bool) ([]*engine.WorkflowTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*engine.WorkflowTemplate
	for _, tmpl := range s.templates {
		if category != "" && tmpl.Category != category {
			continue
		}
		if activeOnly && !tmpl.IsActive {
			continue
		}
		out = append(out, tmpl.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryTemplateStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.templates[id]; !ok {
		return errors.NotFound("workflow_template", id)
	}
	delete(s.templates, id)
	return nil
}

func (s *MemoryTemplateStore) IncrementUsage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmpl, ok := s.templates[id]
	if !ok {
		return errors.NotFound("workflow_template", id)
	}
	tmpl.UsageCount++
	return nil
}

// ── Delegations ──────────────────────────────────────────────────────────────

// MemoryDelegationStore is a DelegationStore held in process memory.
type MemoryDelegationStore struct {
	mu    sync.RWMutex
	rules map[string]engine.DelegationRule
	now   func() time.Time
}

// NewMemoryDelegationStore creates an empty MemoryDelegationStore.
func NewMemoryDelegationStore() *MemoryDelegationStore {
	return &MemoryDelegationStore{
		rules: make(map[string]engine.DelegationRule),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func copyRule(r engine.DelegationRule) engine.DelegationRule {
	r.WorkflowIDs = append([]string(nil), r.WorkflowIDs...)
	return r
}

func (s *MemoryDelegationStore) Create(_ context.Context, rule *engine.DelegationRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(rule)
}

func (s *MemoryDelegationStore) CreateChecked(_ context.Context, rule *engine.DelegationRule, check OverlapCheck) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := check(s.byDelegatorLocked(rule.FromUserID)); err != nil {
		return err
	}
	return s.insertLocked(rule)
}

func (s *MemoryDelegationStore) Update(_ context.Context, rule *engine.DelegationRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(rule)
}

func (s *MemoryDelegationStore) UpdateChecked(_ context.Context, rule *engine.DelegationRule, check OverlapCheck) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.rules[rule.ID]
	if !ok {
		return errors.NotFound("delegation_rule", rule.ID)
	}
	if err := check(s.byDelegatorLocked(current.FromUserID)); err != nil {
		return err
	}
	return s.updateLocked(rule)
}

func (s *MemoryDelegationStore) insertLocked(rule *engine.DelegationRule) error {
	if _, exists := s.rules[rule.ID]; exists {
		return errors.Conflict("delegation rule " + rule.ID + " already exists")
	}
	now := s.now()
	rule.CreatedAt, rule.UpdatedAt = now, now
	s.rules[rule.ID] = copyRule(*rule)
	return nil
}

func (s *MemoryDelegationStore) updateLocked(rule *engine.DelegationRule) error {
	current, ok := s.rules[rule.ID]
	if !ok {
		return errors.NotFound("delegation_rule", rule.ID)
	}
	rule.FromUserID = current.FromUserID
	rule.CreatedAt = current.CreatedAt
	rule.UpdatedAt = s.now()
	s.rules[rule.ID] = copyRule(*rule)
	return nil
}

func (s *MemoryDelegationStore) byDelegatorLocked(fromUserID string) []engine.DelegationRule {
	var out []engine.DelegationRule
	for _, r := range s.rules {
		if r.FromUserID == fromUserID {
			out = append(out, copyRule(r))
		}
	}
	return out
}

func (s *MemoryDelegationStore) GetByID(_ context.Context, id string) (*engine.DelegationRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, ok := s.rules[id]
	if !ok {
		return nil, errors.NotFound("delegation_rule", id)
	}
	out := copyRule(rule)
	return &out, nil
}

func (s *MemoryDelegationStore) ListByDelegator(_ context.Context, fromUserID string) ([]engine.DelegationRule, error) {
	return s.filter(func(r engine.DelegationRule) bool { return r.FromUserID == fromUserID }, func(a, b engine.DelegationRule) bool {
		if !a.StartDate.Equal(b.StartDate) {
			return a.StartDate.After(b.StartDate)
		}
		return a.ID < b.ID
	}), nil
}

func (s *MemoryDelegationStore) ListActiveOn(_ context.Context, date engine.Date) ([]engine.DelegationRule, error) {
	return s.filter(func(r engine.DelegationRule) bool { return r.IsActive && r.Covers(date) }, func(a, b engine.DelegationRule) bool {
		if a.FromUserID != b.FromUserID {
			return a.FromUserID < b.FromUserID
		}
		return a.ID < b.ID
	}), nil
}

func (s *MemoryDelegationStore) filter(keep func(engine.DelegationRule) bool, less func(a, b engine.DelegationRule) bool) []engine.DelegationRule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []engine.DelegationRule
	for _, r := range s.rules {
		if keep(r) {
			out = append(out, copyRule(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// ── Chains ───────────────────────────────────────────────────────────────────

// MemoryChainStore is a ChainStore held in process memory.
type MemoryChainStore struct {
	mu     sync.RWMutex
	chains map[string]*engine.ChainInstance
	now    func() time.Time
}

// NewMemoryChainStore creates an empty MemoryChainStore.
func NewMemoryChainStore() *MemoryChainStore {
	return &MemoryChainStore{
		chains: make(map[string]*engine.ChainInstance),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryChainStore) Create(_ context.Context, inst *engine.ChainInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.chains[inst.ID]; exists {
		return errors.Conflict("approval chain " + inst.ID + " already exists")
	}
	now := s.now()
	inst.CreatedAt, inst.UpdatedAt = now, now
	inst.Revision = 0
	s.chains[inst.ID] = inst.Clone()
	return nil
}

func (s *MemoryChainStore) Get(_ context.Context, id string) (*engine.ChainInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.chains[id]
	if !ok {
		return nil, errors.NotFound("approval_chain", id)
	}
	return inst.Clone(), nil
}

func (s *MemoryChainStore) Update(_ context.Context, inst *engine.ChainInstance, expectedRevision int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.chains[inst.ID]
	if !ok {
		return errors.NotFound("approval_chain", inst.ID)
	}
	if current.Revision != expectedRevision {
		return ErrVersionConflict
	}
	inst.Revision = expectedRevision + 1
	inst.UpdatedAt = updatedAt(inst.UpdatedAt)
	s.chains[inst.ID] = inst.Clone()
	return nil
}

func (s *MemoryChainStore) ListOpenForApprover(_ context.Context, userID string) ([]*engine.ChainInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*engine.ChainInstance
	for _, inst := range s.chains {
		if inst.ArchivedAt != nil || inst.Status.IsTerminal() || !hasPendingEntry(inst, userID) {
			continue
		}
		out = append(out, inst.Clone())
	}
	sortBySubmission(out)
	return out, nil
}

func hasPendingEntry(inst *engine.ChainInstance, userID string) bool {
	for _, e := range inst.Entries {
		if e.Status == engine.EntryPending && e.EffectiveApproverID == userID {
			return true
		}
	}
	return false
}

func sortBySubmission(chains []*engine.ChainInstance) {
	sort.Slice(chains, func(i, j int) bool {
		if !chains[i].SubmittedAt.Equal(chains[j].SubmittedAt) {
			return chains[i].SubmittedAt.Before(chains[j].SubmittedAt)
		}
		return chains[i].ID < chains[j].ID
	})
}

// ── Audit ────────────────────────────────────────────────────────────────────

// MemoryAuditStore is an append-only AuditStore held in process memory.
type MemoryAuditStore struct {
	mu      sync.RWMutex
	entries map[string][]AuditEntry
	now     func() time.Time
}

// NewMemoryAuditStore creates an empty MemoryAuditStore.
func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{
		entries: make(map[string][]AuditEntry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryAuditStore) Append(_ context.Context, entry *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.ID = uuid.NewString()
	entry.PerformedAt = s.now()
	s.entries[entry.ChainID] = append(s.entries[entry.ChainID], *entry)
	return nil
}

func (s *MemoryAuditStore) ListByChain(_ context.Context, chainID string) ([]*AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.entries[chainID]
	out := make([]*AuditEntry, 0, len(stored))
	for i := range stored {
		e := stored[i]
		out = append(out, &e)
	}
	return out, nil
}
