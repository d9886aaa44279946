package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/tulkenz-ims/be-ops-approvals/internal/engine"
	"github.com/tulkenz-ims/be-ops-approvals/internal/metrics"
	"github.com/tulkenz-ims/be-ops-approvals/internal/platform/errors"
	"github.com/tulkenz-ims/be-ops-approvals/internal/platform/logger"
	"github.com/tulkenz-ims/be-ops-approvals/internal/repository"
)

// Notifier publishes chain events for the notifications service. Delivery
// is best-effort; implementations log failures and never block a decision.
type Notifier interface {
	PublishChainEvent(ctx context.Context, eventType string, inst *engine.ChainInstance, actorID string, recipients []string, payload map[string]any)
}

// Event types published on notifications.approvals.<event_type>.
const (
	EventChainSubmitted   = "chain_submitted"
	EventApprovalRequired = "approval_required"
	EventEntryDecided     = "entry_decided"
	EventChainApproved    = "chain_approved"
	EventChainRejected    = "chain_rejected"
)

const defaultDecisionRetries = 5

// usageTimeout bounds the detached usage counter update.
const usageTimeout = 5 * time.Second

// ApprovalService routes submissions into approval chains and applies
// approver decisions to them.
type ApprovalService struct {
	templates   repository.TemplateStore
	delegations repository.DelegationStore
	chains      repository.ChainStore
	audit       repository.AuditStore
	builder     *engine.Builder
	notifier    Notifier
	metrics     metrics.Recorder
	maxRetries  int
	now         func() time.Time
	log         *logger.Logger

	background sync.WaitGroup
}

// NewApprovalService creates a new ApprovalService. A nil notifier or
// recorder disables that concern.
func NewApprovalService(
	templates repository.TemplateStore,
	delegations repository.DelegationStore,
	chains repository.ChainStore,
	audit repository.AuditStore,
	builder *engine.Builder,
	notifier Notifier,
	recorder metrics.Recorder,
	maxRetries int,
	log *logger.Logger,
) *ApprovalService {
	if recorder == nil {
		recorder = metrics.Noop{}
	}
	if maxRetries < 1 {
		maxRetries = defaultDecisionRetries
	}
	return &ApprovalService{
		templates:   templates,
		delegations: delegations,
		chains:      chains,
		audit:       audit,
		builder:     builder,
		notifier:    notifier,
		metrics:     recorder,
		maxRetries:  maxRetries,
		now:         func() time.Time { return time.Now().UTC() },
		log:         log,
	}
}

// Wait blocks until background work started by Submit has finished.
func (s *ApprovalService) Wait() {
	s.background.Wait()
}

// ── Submission ────────────────────────────────────────────────────────────────

// Submit matches a template, builds the chain and persists it. Nothing is
// written when matching or building fails.
func (s *ApprovalService) Submit(ctx context.Context, req engine.Request) (*engine.ChainInstance, error) {
	inst, tmpl, err := s.resolve(ctx, req)
	if err != nil {
		s.metrics.IncBuildFailures(string(req.Category), failureReason(err))
		return nil, err
	}

	if err := s.chains.Create(ctx, inst); err != nil {
		err = storeError(err)
		s.metrics.IncBuildFailures(string(req.Category), failureReason(err))
		return nil, err
	}
	s.trackUsage(tmpl.ID)

	after := string(inst.Status)
	s.appendAudit(ctx, &repository.AuditEntry{
		ChainID:     inst.ID,
		TemplateID:  inst.TemplateID,
		Action:      repository.ActionSubmitted,
		PerformedBy: inst.SubmitterID,
		PerformedAt: inst.SubmittedAt,
		StatusAfter: &after,
		Metadata: map[string]any{
			"pinned_version": inst.PinnedVersion,
			"entries":        len(inst.Entries),
			"warnings":       len(inst.Warnings),
		},
	})
	for _, e := range inst.Entries {
		if e.Status != engine.EntrySkipped {
			continue
		}
		step := e.StepOrder
		s.appendAudit(ctx, &repository.AuditEntry{
			ChainID:     inst.ID,
			TemplateID:  inst.TemplateID,
			StepOrder:   &step,
			Action:      repository.ActionSkipped,
			PerformedBy: inst.SubmitterID,
			PerformedAt: inst.SubmittedAt,
			Metadata:    map[string]any{"role": e.NominalApproverRole, "reason": "condition"},
		})
	}

	for _, w := range inst.Warnings {
		s.log.Warn().
			Str("chain_id", inst.ID).
			Str("code", w.Code).
			Int("step_order", w.StepOrder).
			Str("user_id", w.UserID).
			Str("delegate_id", w.DelegateID).
			Msg(w.Message)
	}

	s.notify(ctx, EventChainSubmitted, inst, inst.SubmitterID, watcherIDs(inst), nil)
	s.notify(ctx, EventApprovalRequired, inst, inst.SubmitterID, inst.CurrentApprovers(), nil)
	s.metrics.IncChainsSubmitted(string(inst.Category), inst.TemplateID)

	s.log.Info().
		Str("chain_id", inst.ID).
		Str("template_id", inst.TemplateID).
		Int("pinned_version", inst.PinnedVersion).
		Int("entries", len(inst.Entries)).
		Msg("Approval chain created")

	return inst, nil
}

// Resolve runs matching and building without persisting anything.
func (s *ApprovalService) Resolve(ctx context.Context, req engine.Request) (*engine.ChainInstance, error) {
	inst, _, err := s.resolve(ctx, req)
	return inst, err
}

func (s *ApprovalService) resolve(ctx context.Context, req engine.Request) (*engine.ChainInstance, *engine.WorkflowTemplate, error) {
	if !req.Category.Valid() {
		return nil, nil, &engine.InvalidRequestError{Field: "category", Reason: fmt.Sprintf("unknown category %q", req.Category)}
	}
	if req.SubmitterID == "" {
		return nil, nil, &engine.InvalidRequestError{Field: "submitter_id", Reason: "is required"}
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = s.now()
	}

	candidates, err := s.templates.List(ctx, req.Category, true)
	if err != nil {
		return nil, nil, storeError(err)
	}
	tmpl, err := engine.Match(candidates, req.Category, req.Attributes)
	if err != nil {
		return nil, nil, err
	}

	asOf := engine.DateOf(req.SubmittedAt, s.builder.Location())
	delegations, err := s.delegations.ListActiveOn(ctx, asOf)
	if err != nil {
		return nil, nil, storeError(err)
	}

	inst, err := s.builder.Build(ctx, tmpl, req, delegations)
	if err != nil {
		return nil, nil, err
	}
	return inst, tmpl, nil
}

// trackUsage bumps the template usage counter off the request path.
func (s *ApprovalService) trackUsage(templateID string) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), usageTimeout)
		defer cancel()
		if err := s.templates.IncrementUsage(ctx, templateID); err != nil {
			s.log.Warn().Err(err).Str("template_id", templateID).Msg("Failed to increment template usage")
		}
	}()
}

// ── Decisions ─────────────────────────────────────────────────────────────────

// DecisionResult is the chain after a decision and what the decision did.
type DecisionResult struct {
	Chain   *engine.ChainInstance
	Outcome engine.Outcome
}

// Decide applies an approver decision. Concurrent writers are detected by
// the chain revision; the decision is re-evaluated against the fresh chain
// so a racing duplicate becomes an idempotent no-op.
func (s *ApprovalService) Decide(ctx context.Context, chainID string, in engine.DecisionInput) (*DecisionResult, error) {
	if in.ActedAt.IsZero() {
		in.ActedAt = s.now()
	}

	var outcome engine.Outcome
	before, after, err := s.updateChain(ctx, chainID, func(next *engine.ChainInstance) (bool, error) {
		out, err := engine.ApplyDecision(next, in)
		if err != nil {
			return false, err
		}
		outcome = out
		return out.Changed, nil
	})
	if err != nil {
		s.metrics.IncDecisions(string(in.Decision), failureReason(err))
		return nil, err
	}
	if !outcome.Changed {
		s.metrics.IncDecisions(string(in.Decision), "replayed")
		s.log.Debug().
			Str("chain_id", chainID).
			Int("step_order", in.StepOrder).
			Str("user_id", in.ActingUserID).
			Msg("Decision already recorded")
		return &DecisionResult{Chain: after, Outcome: outcome}, nil
	}

	s.metrics.IncDecisions(string(in.Decision), "applied")
	s.afterDecision(ctx, before, after, in, outcome)
	return &DecisionResult{Chain: after, Outcome: outcome}, nil
}

func (s *ApprovalService) afterDecision(ctx context.Context, before, after *engine.ChainInstance, in engine.DecisionInput, out engine.Outcome) {
	statusBefore := string(before.Status)
	statusAfter := string(after.Status)
	for _, ch := range out.Changes {
		step := ch.StepOrder
		meta := map[string]any{"role": ch.Role, "approver_id": ch.UserID}
		if ch.To != engine.EntrySkipped && in.Comment != "" {
			meta["comment"] = in.Comment
		}
		s.appendAudit(ctx, &repository.AuditEntry{
			ChainID:      after.ID,
			TemplateID:   after.TemplateID,
			StepOrder:    &step,
			Action:       auditAction(ch.To),
			PerformedBy:  in.ActingUserID,
			PerformedAt:  ch.At,
			StatusBefore: &statusBefore,
			StatusAfter:  &statusAfter,
			Metadata:     meta,
		})
	}

	s.log.Info().
		Str("chain_id", after.ID).
		Int("step_order", in.StepOrder).
		Str("user_id", in.ActingUserID).
		Str("decision", string(in.Decision)).
		Str("status", statusAfter).
		Msg("Approval decision recorded")

	payload := map[string]any{
		"step_order": in.StepOrder,
		"decision":   string(in.Decision),
		"changes":    out.Changes,
	}
	s.notify(ctx, EventEntryDecided, after, in.ActingUserID, []string{after.SubmitterID}, payload)

	switch after.Status {
	case engine.ChainApproved, engine.ChainRejected:
		event := EventChainApproved
		if after.Status == engine.ChainRejected {
			event = EventChainRejected
		}
		recipients := append([]string{after.SubmitterID}, watcherIDs(after)...)
		s.notify(ctx, event, after, in.ActingUserID, recipients, payload)
		s.metrics.ObserveChainCompleted(string(after.Category), statusAfter, in.ActedAt.Sub(after.SubmittedAt))
	default:
		prevStep, _ := before.CurrentStep()
		if step, ok := after.CurrentStep(); ok && step != prevStep {
			s.notify(ctx, EventApprovalRequired, after, in.ActingUserID, after.CurrentApprovers(), nil)
		}
	}
}

// ── Archive ───────────────────────────────────────────────────────────────────

// Archive marks a terminal chain as archived. Archiving twice is a no-op.
func (s *ApprovalService) Archive(ctx context.Context, chainID, archivedBy string) (*engine.ChainInstance, error) {
	at := s.now()
	before, after, err := s.updateChain(ctx, chainID, func(next *engine.ChainInstance) (bool, error) {
		if !next.Status.IsTerminal() {
			return false, errors.New(errors.ErrCodeConflict,
				fmt.Sprintf("approval chain %s is %s; only approved or rejected chains can be archived", next.ID, next.Status))
		}
		if next.ArchivedAt != nil {
			return false, nil
		}
		next.ArchivedAt = &at
		next.UpdatedAt = at
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if before.ArchivedAt == nil && after.ArchivedAt != nil {
		status := string(after.Status)
		s.appendAudit(ctx, &repository.AuditEntry{
			ChainID:      after.ID,
			TemplateID:   after.TemplateID,
			Action:       repository.ActionArchived,
			PerformedBy:  archivedBy,
			PerformedAt:  at,
			StatusBefore: &status,
			StatusAfter:  &status,
		})
		s.log.Info().Str("chain_id", after.ID).Str("archived_by", archivedBy).Msg("Approval chain archived")
	}
	return after, nil
}

// updateChain loads a chain, lets apply mutate a copy and writes the copy
// back under the loaded revision, reloading on conflicts. When apply
// reports no change the stored chain is returned as both before and after.
func (s *ApprovalService) updateChain(
	ctx context.Context,
	chainID string,
	apply func(next *engine.ChainInstance) (bool, error),
) (before, after *engine.ChainInstance, err error) {
	for attempt := 1; ; attempt++ {
		current, err := s.chains.Get(ctx, chainID)
		if err != nil {
			return nil, nil, storeError(err)
		}
		next := current.Clone()
		changed, err := apply(next)
		if err != nil {
			return nil, nil, err
		}
		if !changed {
			return current, current, nil
		}

		err = s.chains.Update(ctx, next, current.Revision)
		if err == nil {
			return current, next, nil
		}
		if !stderrors.Is(err, repository.ErrVersionConflict) {
			return nil, nil, storeError(err)
		}

		s.metrics.IncDecisionConflicts()
		if attempt >= s.maxRetries {
			return nil, nil, errors.Wrap(err, errors.ErrCodeConflict,
				fmt.Sprintf("approval chain %s is being modified concurrently; retry later", chainID))
		}
		s.log.Debug().Str("chain_id", chainID).Int("attempt", attempt).Msg("Chain revision conflict, reloading")

		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
	}
}

// ── Query helpers ─────────────────────────────────────────────────────────────

// GetChain returns a chain snapshot.
func (s *ApprovalService) GetChain(ctx context.Context, chainID string) (*engine.ChainInstance, error) {
	inst, err := s.chains.Get(ctx, chainID)
	return inst, storeError(err)
}

// PendingApproval is a chain waiting on a user together with the entries
// that user can act on now.
type PendingApproval struct {
	Chain   *engine.ChainInstance `json:"chain"`
	Entries []engine.ChainEntry   `json:"entries"`
}

// PendingFor returns the chains where userID must act at the current step.
// Chains where the user only appears at a later step are left out.
func (s *ApprovalService) PendingFor(ctx context.Context, userID string) ([]PendingApproval, error) {
	if userID == "" {
		return nil, errors.InvalidInput("user_id", "is required")
	}
	chains, err := s.chains.ListOpenForApprover(ctx, userID)
	if err != nil {
		return nil, storeError(err)
	}
	out := make([]PendingApproval, 0, len(chains))
	for _, inst := range chains {
		if entries := inst.PendingFor(userID); len(entries) > 0 {
			out = append(out, PendingApproval{Chain: inst, Entries: entries})
		}
	}
	return out, nil
}

// History returns the audit trail of a chain.
func (s *ApprovalService) History(ctx context.Context, chainID string) ([]*repository.AuditEntry, error) {
	if _, err := s.chains.Get(ctx, chainID); err != nil {
		return nil, storeError(err)
	}
	trail, err := s.audit.ListByChain(ctx, chainID)
	return trail, storeError(err)
}

// ── Internal helpers ──────────────────────────────────────────────────────────

// appendAudit writes an audit entry and logs a warning on failure (never returns error).
func (s *ApprovalService) appendAudit(ctx context.Context, entry *repository.AuditEntry) {
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("chain_id", entry.ChainID).
			Str("action", entry.Action).
			Msg("Failed to write audit log entry")
	}
}

func (s *ApprovalService) notify(ctx context.Context, eventType string, inst *engine.ChainInstance, actorID string, recipients []string, payload map[string]any) {
	if s.notifier == nil || len(recipients) == 0 {
		return
	}
	s.notifier.PublishChainEvent(ctx, eventType, inst, actorID, recipients, payload)
}

func watcherIDs(inst *engine.ChainInstance) []string {
	seen := make(map[string]struct{}, len(inst.Watchers))
	var out []string
	for _, w := range inst.Watchers {
		if _, dup := seen[w.UserID]; dup || w.UserID == "" {
			continue
		}
		seen[w.UserID] = struct{}{}
		out = append(out, w.UserID)
	}
	return out
}

func auditAction(status engine.EntryStatus) string {
	switch status {
	case engine.EntryApproved:
		return repository.ActionApproved
	case engine.EntryRejected:
		return repository.ActionRejected
	default:
		return repository.ActionSkipped
	}
}

// storeError classifies a store failure. Not-found, conflict and input
// errors pass through; anything else means the store itself failed.
func storeError(err error) error {
	if err == nil {
		return nil
	}
	var dep *engine.DependencyError
	if stderrors.As(err, &dep) {
		return err
	}
	switch errors.CodeOf(err) {
	case errors.ErrCodeNotFound, errors.ErrCodeConflict, errors.ErrCodeInvalidInput, errors.ErrCodeForbidden:
		return err
	}
	return &engine.DependencyError{Dependency: "persistence", Err: err}
}

// failureReason turns an error into a low-cardinality metric label.
func failureReason(err error) string {
	var (
		noTemplate  *engine.NoTemplateError
		ambTemplate *engine.AmbiguousTemplateError
		ambDelegate *engine.AmbiguousDelegationError
		dependency  *engine.DependencyError
		invalidReq  *engine.InvalidRequestError
		decided     *engine.AlreadyDecidedError
		unauth      *engine.UnauthorizedDecisionError
		outOfOrder  *engine.OutOfOrderDecisionError
		terminal    *engine.TerminalInstanceError
	)
	switch {
	case stderrors.As(err, &noTemplate):
		return "no_template"
	case stderrors.As(err, &ambTemplate):
		return "ambiguous_template"
	case stderrors.As(err, &ambDelegate):
		return "ambiguous_delegation"
	case stderrors.As(err, &dependency):
		return "dependency"
	case stderrors.As(err, &invalidReq):
		return "invalid_request"
	case stderrors.As(err, &decided):
		return "already_decided"
	case stderrors.As(err, &unauth):
		return "unauthorized"
	case stderrors.As(err, &outOfOrder):
		return "out_of_order"
	case stderrors.As(err, &terminal):
		return "terminal"
	case errors.CodeOf(err) == errors.ErrCodeConflict:
		return "conflict"
	case errors.IsNotFound(err):
		return "not_found"
	default:
		return "internal"
	}
}
