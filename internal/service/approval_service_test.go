package service

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tulkenz-ims/be-ops-approvals/internal/engine"
	"github.com/tulkenz-ims/be-ops-approvals/internal/platform/errors"
	"github.com/tulkenz-ims/be-ops-approvals/internal/platform/logger"
	"github.com/tulkenz-ims/be-ops-approvals/internal/repository"
)

var submittedAt = time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)

type recordedEvent struct {
	Type       string
	ChainID    string
	ActorID    string
	Recipients []string
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (n *recordingNotifier) PublishChainEvent(_ context.Context, eventType string, inst *engine.ChainInstance, actorID string, recipients []string, _ map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, recordedEvent{
		Type:       eventType,
		ChainID:    inst.ID,
		ActorID:    actorID,
		Recipients: append([]string(nil), recipients...),
	})
}

func (n *recordingNotifier) ofType(eventType string) []recordedEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []recordedEvent
	for _, e := range n.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func roleDirectory(holders map[string]string) engine.RoleDirectory {
	return engine.RoleDirectoryFunc(func(_ context.Context, role string) (string, error) {
		if id, ok := holders[role]; ok {
			return id, nil
		}
		return "", engine.ErrNoRoleHolder
	})
}

var plantRoles = map[string]string{
	"supervisor": "u-sup",
	"safety":     "u-safe",
	"finance":    "u-fin",
	"hr":         "u-hr",
}

// workOrderTemplate: supervisor, then safety and finance in parallel, with
// HR watching.
func workOrderTemplate() *engine.WorkflowTemplate {
	return &engine.WorkflowTemplate{
		ID:        "wo-standard",
		Name:      "Work order",
		Category:  engine.CategoryWorkOrder,
		Version:   2,
		IsActive:  true,
		IsDefault: true,
		Steps: []engine.Step{
			{ID: "s1", Order: 1, Kind: engine.StepApproval, ApproverRole: "supervisor"},
			{ID: "s2", Order: 2, Kind: engine.StepParallel, ParallelRoles: []string{"safety", "finance"}},
			{ID: "s3", Order: 3, Kind: engine.StepNotification, ApproverRole: "hr"},
		},
	}
}

type harness struct {
	svc         *ApprovalService
	templates   *repository.MemoryTemplateStore
	delegations *repository.MemoryDelegationStore
	chains      repository.ChainStore
	audit       *repository.MemoryAuditStore
	notifier    *recordingNotifier
}

func newHarness(t *testing.T, chains repository.ChainStore, roles engine.RoleDirectory) *harness {
	t.Helper()
	h := &harness{
		templates:   repository.NewMemoryTemplateStore(),
		delegations: repository.NewMemoryDelegationStore(),
		chains:      chains,
		audit:       repository.NewMemoryAuditStore(),
		notifier:    &recordingNotifier{},
	}
	require.NoError(t, h.templates.Create(context.Background(), workOrderTemplate()))
	h.svc = NewApprovalService(h.templates, h.delegations, h.chains, h.audit,
		engine.NewBuilder(roles), h.notifier, nil, 5, logger.Nop())
	t.Cleanup(h.svc.Wait)
	return h
}

func workOrderRequest() engine.Request {
	return engine.Request{
		Category:    engine.CategoryWorkOrder,
		Attributes:  engine.Attributes{"site": "north"},
		SubmitterID: "u-req",
		SubmittedAt: submittedAt,
	}
}

func approve(step int, user string) engine.DecisionInput {
	return engine.DecisionInput{StepOrder: step, ActingUserID: user, Decision: engine.DecisionApprove}
}

func TestSubmitAndApproveThroughChain(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, repository.NewMemoryChainStore(), roleDirectory(plantRoles))

	inst, err := h.svc.Submit(ctx, workOrderRequest())
	require.NoError(t, err)
	assert.Equal(t, engine.ChainPending, inst.Status)
	assert.Equal(t, 2, inst.PinnedVersion)
	require.Len(t, inst.Entries, 3)
	assert.Equal(t, []engine.Watcher{{StepOrder: 3, Role: "hr", UserID: "u-hr"}}, inst.Watchers)

	submitted := h.notifier.ofType(EventChainSubmitted)
	require.Len(t, submitted, 1)
	assert.Equal(t, []string{"u-hr"}, submitted[0].Recipients)
	required := h.notifier.ofType(EventApprovalRequired)
	require.Len(t, required, 1)
	assert.Equal(t, []string{"u-sup"}, required[0].Recipients)

	assert.Eventually(t, func() bool {
		tmpl, err := h.templates.GetByID(ctx, "wo-standard")
		return err == nil && tmpl.UsageCount == 1
	}, time.Second, 10*time.Millisecond)

	res, err := h.svc.Decide(ctx, inst.ID, approve(1, "u-sup"))
	require.NoError(t, err)
	assert.True(t, res.Outcome.Changed)
	assert.Equal(t, engine.ChainInProgress, res.Chain.Status)
	required = h.notifier.ofType(EventApprovalRequired)
	require.Len(t, required, 2)
	assert.Equal(t, []string{"u-safe", "u-fin"}, required[1].Recipients)

	res, err = h.svc.Decide(ctx, inst.ID, approve(2, "u-safe"))
	require.NoError(t, err)
	assert.Equal(t, engine.ChainInProgress, res.Chain.Status)
	assert.Len(t, h.notifier.ofType(EventApprovalRequired), 2, "same step, nobody new to notify")

	res, err = h.svc.Decide(ctx, inst.ID, approve(2, "u-fin"))
	require.NoError(t, err)
	assert.Equal(t, engine.ChainApproved, res.Chain.Status)
	assert.NotNil(t, res.Chain.CompletedAt)

	approved := h.notifier.ofType(EventChainApproved)
	require.Len(t, approved, 1)
	assert.Equal(t, []string{"u-req", "u-hr"}, approved[0].Recipients)

	trail, err := h.svc.History(ctx, inst.ID)
	require.NoError(t, err)
	actions := make([]string, len(trail))
	for i, e := range trail {
		actions[i] = e.Action
	}
	assert.Equal(t, []string{
		repository.ActionSubmitted,
		repository.ActionApproved,
		repository.ActionApproved,
		repository.ActionApproved,
	}, actions)
}

func TestDecideReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, repository.NewMemoryChainStore(), roleDirectory(plantRoles))
	inst, err := h.svc.Submit(ctx, workOrderRequest())
	require.NoError(t, err)

	first, err := h.svc.Decide(ctx, inst.ID, approve(1, "u-sup"))
	require.NoError(t, err)
	second, err := h.svc.Decide(ctx, inst.ID, approve(1, "u-sup"))
	require.NoError(t, err)

	assert.True(t, first.Outcome.Changed)
	assert.False(t, second.Outcome.Changed)
	assert.Equal(t, engine.EntryApproved, second.Outcome.Entry.Status)
	assert.Equal(t, first.Chain.Revision, second.Chain.Revision)

	_, err = h.svc.Decide(ctx, inst.ID, engine.DecisionInput{StepOrder: 1, ActingUserID: "u-sup", Decision: engine.DecisionReject})
	var decided *engine.AlreadyDecidedError
	assert.True(t, stderrors.As(err, &decided))

	trail, err := h.svc.History(ctx, inst.ID)
	require.NoError(t, err)
	assert.Len(t, trail, 2)
}

func TestDecideReplayWhenOneUserHoldsTheWholeParallelStep(t *testing.T) {
	ctx := context.Background()
	roles := map[string]string{"supervisor": "u-sup", "safety": "u-x", "finance": "u-x", "hr": "u-hr"}
	h := newHarness(t, repository.NewMemoryChainStore(), roleDirectory(roles))
	inst, err := h.svc.Submit(ctx, workOrderRequest())
	require.NoError(t, err)

	_, err = h.svc.Decide(ctx, inst.ID, approve(1, "u-sup"))
	require.NoError(t, err)

	first, err := h.svc.Decide(ctx, inst.ID, approve(2, "u-x"))
	require.NoError(t, err)
	assert.True(t, first.Outcome.Changed)
	assert.Len(t, first.Outcome.Changes, 2)
	assert.Equal(t, engine.ChainApproved, first.Chain.Status)

	second, err := h.svc.Decide(ctx, inst.ID, approve(2, "u-x"))
	require.NoError(t, err)
	assert.False(t, second.Outcome.Changed)
	assert.Equal(t, first.Chain.Revision, second.Chain.Revision)
	assert.Len(t, h.notifier.ofType(EventChainApproved), 1)

	trail, err := h.svc.History(ctx, inst.ID)
	require.NoError(t, err)
	assert.Len(t, trail, 4, "submitted, supervisor approval and one entry per parallel role")
}

func TestDecideRejectionShortCircuits(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, repository.NewMemoryChainStore(), roleDirectory(plantRoles))
	inst, err := h.svc.Submit(ctx, workOrderRequest())
	require.NoError(t, err)

	res, err := h.svc.Decide(ctx, inst.ID, engine.DecisionInput{
		StepOrder: 1, ActingUserID: "u-sup", Decision: engine.DecisionReject, Comment: "no budget",
	})
	require.NoError(t, err)
	assert.Equal(t, engine.ChainRejected, res.Chain.Status)
	for _, e := range res.Chain.Entries[1:] {
		assert.Equal(t, engine.EntrySkipped, e.Status)
	}

	_, err = h.svc.Decide(ctx, inst.ID, approve(2, "u-safe"))
	var terminal *engine.TerminalInstanceError
	assert.True(t, stderrors.As(err, &terminal))

	rejected := h.notifier.ofType(EventChainRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, []string{"u-req", "u-hr"}, rejected[0].Recipients)

	trail, err := h.svc.History(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, trail, 4)
	assert.Equal(t, repository.ActionRejected, trail[1].Action)
	assert.Equal(t, "no budget", trail[1].Metadata["comment"])
	assert.Equal(t, repository.ActionSkipped, trail[2].Action)
	assert.Equal(t, "u-sup", trail[3].PerformedBy)
}

func TestDecideSurfacesEngineErrors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, repository.NewMemoryChainStore(), roleDirectory(plantRoles))
	inst, err := h.svc.Submit(ctx, workOrderRequest())
	require.NoError(t, err)

	_, err = h.svc.Decide(ctx, inst.ID, approve(1, "u-safe"))
	var unauthorized *engine.UnauthorizedDecisionError
	assert.True(t, stderrors.As(err, &unauthorized))
	assert.Equal(t, errors.ErrCodeForbidden, errors.CodeOf(err))

	_, err = h.svc.Decide(ctx, inst.ID, approve(2, "u-safe"))
	var outOfOrder *engine.OutOfOrderDecisionError
	require.True(t, stderrors.As(err, &outOfOrder))
	assert.Equal(t, 1, outOfOrder.CurrentStep)

	_, err = h.svc.Decide(ctx, "missing", approve(1, "u-sup"))
	assert.True(t, errors.IsNotFound(err))

	got, err := h.svc.GetChain(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Revision, "failed decisions never write")
}

// exerciseRacingDecisions runs two concurrent submissions of the same
// approval and two concurrent approvals of a parallel step.
func exerciseRacingDecisions(t *testing.T, chains repository.ChainStore) {
	t.Helper()
	ctx := context.Background()
	h := newHarness(t, chains, roleDirectory(plantRoles))
	inst, err := h.svc.Submit(ctx, workOrderRequest())
	require.NoError(t, err)

	var changed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.svc.Decide(ctx, inst.ID, approve(1, "u-sup"))
			if assert.NoError(t, err) && res.Outcome.Changed {
				changed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), changed.Load(), "one winner, one idempotent no-op")

	for _, user := range []string{"u-safe", "u-fin"} {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			_, err := h.svc.Decide(ctx, inst.ID, approve(2, user))
			assert.NoError(t, err)
		}(user)
	}
	wg.Wait()

	final, err := h.svc.GetChain(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.ChainApproved, final.Status)
	assert.Equal(t, int64(3), final.Revision)

	trail, err := h.svc.History(ctx, inst.ID)
	require.NoError(t, err)
	assert.Len(t, trail, 4)
}

func TestRacingDecisionsMemoryStore(t *testing.T) {
	exerciseRacingDecisions(t, repository.NewMemoryChainStore())
}

func TestRacingDecisionsRedisStore(t *testing.T) {
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	client, err := repository.NewRedisClient(context.Background(), "redis://"+srv.Addr())
	require.NoError(t, err)
	store := repository.NewRedisChainStore(client)
	t.Cleanup(func() { _ = store.Close() })

	exerciseRacingDecisions(t, store)
}

// conflictingStore loses every compare-and-swap.
type conflictingStore struct {
	repository.ChainStore
	updates atomic.Int32
}

func (s *conflictingStore) Update(context.Context, *engine.ChainInstance, int64) error {
	s.updates.Add(1)
	return repository.ErrVersionConflict
}

func TestDecideGivesUpAfterRetries(t *testing.T) {
	ctx := context.Background()
	store := &conflictingStore{ChainStore: repository.NewMemoryChainStore()}
	h := newHarness(t, store, roleDirectory(plantRoles))
	h.svc.maxRetries = 3

	inst, err := h.svc.Submit(ctx, workOrderRequest())
	require.NoError(t, err)

	_, err = h.svc.Decide(ctx, inst.ID, approve(1, "u-sup"))
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))
	assert.True(t, stderrors.Is(err, repository.ErrVersionConflict))
	assert.Equal(t, int32(3), store.updates.Load())
}

func TestSubmitFailuresPersistNothing(t *testing.T) {
	ctx := context.Background()

	t.Run("no template", func(t *testing.T) {
		h := newHarness(t, repository.NewMemoryChainStore(), roleDirectory(plantRoles))
		req := workOrderRequest()
		req.Category = engine.CategoryPurchase
		_, err := h.svc.Submit(ctx, req)
		var noTemplate *engine.NoTemplateError
		assert.True(t, stderrors.As(err, &noTemplate))
	})

	t.Run("role directory down", func(t *testing.T) {
		down := engine.RoleDirectoryFunc(func(context.Context, string) (string, error) {
			return "", stderrors.New("connection refused")
		})
		h := newHarness(t, repository.NewMemoryChainStore(), down)
		_, err := h.svc.Submit(ctx, workOrderRequest())
		var dep *engine.DependencyError
		require.True(t, stderrors.As(err, &dep))
		assert.Equal(t, errors.ErrCodeUnavailable, errors.CodeOf(err))

		open, err := h.chains.ListOpenForApprover(ctx, "u-sup")
		require.NoError(t, err)
		assert.Empty(t, open)
		h.svc.Wait()
		tmpl, err := h.templates.GetByID(ctx, "wo-standard")
		require.NoError(t, err)
		assert.Zero(t, tmpl.UsageCount)
	})

	t.Run("missing submitter", func(t *testing.T) {
		h := newHarness(t, repository.NewMemoryChainStore(), roleDirectory(plantRoles))
		req := workOrderRequest()
		req.SubmitterID = ""
		_, err := h.svc.Submit(ctx, req)
		assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
	})
}

type unreachableTemplates struct {
	*repository.MemoryTemplateStore
}

func (unreachableTemplates) List(context.Context, engine.Category, bool) ([]*engine.WorkflowTemplate, error) {
	return nil, stderrors.New("dial tcp: connection refused")
}

type unreachableChains struct {
	repository.ChainStore
	getErr, updateErr error
}

func (c unreachableChains) Get(ctx context.Context, id string) (*engine.ChainInstance, error) {
	if c.getErr != nil {
		return nil, c.getErr
	}
	return c.ChainStore.Get(ctx, id)
}

func (c unreachableChains) Update(ctx context.Context, inst *engine.ChainInstance, expected int64) error {
	if c.updateErr != nil {
		return c.updateErr
	}
	return c.ChainStore.Update(ctx, inst, expected)
}

func TestStoreFailuresAreDependencyErrors(t *testing.T) {
	ctx := context.Background()
	down := stderrors.New("dial tcp: connection refused")

	t.Run("template list", func(t *testing.T) {
		h := newHarness(t, repository.NewMemoryChainStore(), roleDirectory(plantRoles))
		svc := NewApprovalService(unreachableTemplates{h.templates}, h.delegations, h.chains, h.audit,
			engine.NewBuilder(roleDirectory(plantRoles)), nil, nil, 1, logger.Nop())
		_, err := svc.Submit(ctx, workOrderRequest())
		var dep *engine.DependencyError
		require.True(t, stderrors.As(err, &dep), "got %v", err)
		assert.Equal(t, "persistence", dep.Dependency)
		assert.Equal(t, errors.ErrCodeUnavailable, errors.CodeOf(err))
		assert.Equal(t, "dependency", failureReason(err))
	})

	t.Run("chain write", func(t *testing.T) {
		mem := repository.NewMemoryChainStore()
		h := newHarness(t, mem, roleDirectory(plantRoles))
		inst, err := h.svc.Submit(ctx, workOrderRequest())
		require.NoError(t, err)

		svc := NewApprovalService(h.templates, h.delegations,
			unreachableChains{ChainStore: mem, updateErr: errors.Wrap(down, errors.ErrCodeInternal, "failed to update approval chain")},
			h.audit, engine.NewBuilder(roleDirectory(plantRoles)), nil, nil, 1, logger.Nop())
		_, err = svc.Decide(ctx, inst.ID, approve(1, "u-sup"))
		var dep *engine.DependencyError
		require.True(t, stderrors.As(err, &dep), "got %v", err)

		stored, err := mem.Get(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, engine.EntryPending, stored.Entries[0].Status)
	})

	t.Run("missing chain stays not found", func(t *testing.T) {
		h := newHarness(t, repository.NewMemoryChainStore(), roleDirectory(plantRoles))
		_, err := h.svc.Decide(ctx, "nope", approve(1, "u-sup"))
		assert.True(t, errors.IsNotFound(err))

		svc := NewApprovalService(h.templates, h.delegations,
			unreachableChains{ChainStore: h.chains, getErr: down},
			h.audit, engine.NewBuilder(roleDirectory(plantRoles)), nil, nil, 1, logger.Nop())
		_, err = svc.GetChain(ctx, "nope")
		var dep *engine.DependencyError
		assert.True(t, stderrors.As(err, &dep))
	})
}

func TestSubmitAppliesDelegation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, repository.NewMemoryChainStore(), roleDirectory(plantRoles))
	require.NoError(t, h.delegations.Create(ctx, &engine.DelegationRule{
		ID: "vacation", FromUserID: "u-sup", ToUserID: "u-deputy", IsActive: true,
		StartDate: engine.MustParseDate("2024-03-01"), EndDate: engine.MustParseDate("2024-03-05"),
	}))

	inst, err := h.svc.Submit(ctx, workOrderRequest())
	require.NoError(t, err)
	assert.Equal(t, "u-sup", inst.Entries[0].NominalApproverID)
	assert.Equal(t, "u-deputy", inst.Entries[0].EffectiveApproverID)
	assert.Equal(t, "vacation", inst.Entries[0].DelegationRuleID)

	_, err = h.svc.Decide(ctx, inst.ID, approve(1, "u-sup"))
	var unauthorized *engine.UnauthorizedDecisionError
	assert.True(t, stderrors.As(err, &unauthorized), "authority moved to the delegate")

	_, err = h.svc.Decide(ctx, inst.ID, approve(1, "u-deputy"))
	assert.NoError(t, err)
}

func TestResolveDoesNotPersist(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, repository.NewMemoryChainStore(), roleDirectory(plantRoles))

	inst, err := h.svc.Resolve(ctx, workOrderRequest())
	require.NoError(t, err)
	require.Len(t, inst.Entries, 3)

	_, err = h.svc.GetChain(ctx, inst.ID)
	assert.True(t, errors.IsNotFound(err))
	assert.Empty(t, h.notifier.ofType(EventChainSubmitted))
	tmpl, err := h.templates.GetByID(ctx, "wo-standard")
	require.NoError(t, err)
	assert.Zero(t, tmpl.UsageCount)
}

func TestResolveUsesTiers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, repository.NewMemoryChainStore(), roleDirectory(map[string]string{
		"manager": "u-mgr", "director": "u-dir", "cfo": "u-cfo",
	}))
	require.NoError(t, h.templates.Create(ctx, &engine.WorkflowTemplate{
		ID: "po-tiered", Name: "PO", Category: engine.CategoryPurchase, Version: 1, IsActive: true,
		TierRules: []engine.TierRule{
			{ThresholdAmount: decimal.Zero, ApproverRoles: []string{"manager"}},
			{ThresholdAmount: decimal.RequireFromString("10000"), ApproverRoles: []string{"director"}},
			{ThresholdAmount: decimal.RequireFromString("50000"), ApproverRoles: []string{"cfo"}},
		},
	}))

	amount := decimal.RequireFromString("45000")
	inst, err := h.svc.Resolve(ctx, engine.Request{
		Category: engine.CategoryPurchase, Amount: &amount, SubmitterID: "u-req", SubmittedAt: submittedAt,
	})
	require.NoError(t, err)
	require.Len(t, inst.Entries, 2)
	assert.Equal(t, "u-mgr", inst.Entries[0].EffectiveApproverID)
	assert.Equal(t, "u-dir", inst.Entries[1].EffectiveApproverID)

	_, err = h.svc.Resolve(ctx, engine.Request{Category: engine.CategoryPurchase, SubmitterID: "u-req", SubmittedAt: submittedAt})
	var invalid *engine.InvalidRequestError
	assert.True(t, stderrors.As(err, &invalid), "tiered template needs an amount")
}

func TestArchive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, repository.NewMemoryChainStore(), roleDirectory(plantRoles))
	inst, err := h.svc.Submit(ctx, workOrderRequest())
	require.NoError(t, err)

	_, err = h.svc.Archive(ctx, inst.ID, "admin")
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err), "open chains cannot be archived")

	_, err = h.svc.Decide(ctx, inst.ID, engine.DecisionInput{StepOrder: 1, ActingUserID: "u-sup", Decision: engine.DecisionReject})
	require.NoError(t, err)

	archived, err := h.svc.Archive(ctx, inst.ID, "admin")
	require.NoError(t, err)
	require.NotNil(t, archived.ArchivedAt)
	again, err := h.svc.Archive(ctx, inst.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, archived.Revision, again.Revision)

	trail, err := h.svc.History(ctx, inst.ID)
	require.NoError(t, err)
	var archives int
	for _, e := range trail {
		if e.Action == repository.ActionArchived {
			archives++
		}
	}
	assert.Equal(t, 1, archives)
}

func TestPendingFor(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, repository.NewMemoryChainStore(), roleDirectory(plantRoles))
	inst, err := h.svc.Submit(ctx, workOrderRequest())
	require.NoError(t, err)

	pending, err := h.svc.PendingFor(ctx, "u-sup")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, inst.ID, pending[0].Chain.ID)
	assert.Equal(t, 1, pending[0].Entries[0].StepOrder)

	pending, err = h.svc.PendingFor(ctx, "u-safe")
	require.NoError(t, err)
	assert.Empty(t, pending, "step 2 is not current yet")

	_, err = h.svc.Decide(ctx, inst.ID, approve(1, "u-sup"))
	require.NoError(t, err)
	pending, err = h.svc.PendingFor(ctx, "u-safe")
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	_, err = h.svc.PendingFor(ctx, "")
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
}
