package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tulkenz-ims/be-ops-approvals/internal/engine"
	"github.com/tulkenz-ims/be-ops-approvals/internal/platform/errors"
	"github.com/tulkenz-ims/be-ops-approvals/internal/platform/logger"
	"github.com/tulkenz-ims/be-ops-approvals/internal/repository"
)

func newDelegationService() *DelegationService {
	return NewDelegationService(repository.NewMemoryDelegationStore(), time.UTC, logger.Nop())
}

func delegation(from, to, start, end string, workflows ...string) engine.DelegationRule {
	return engine.DelegationRule{
		FromUserID:  from,
		ToUserID:    to,
		StartDate:   engine.MustParseDate(start),
		EndDate:     engine.MustParseDate(end),
		WorkflowIDs: workflows,
	}
}

func TestDelegationCreate(t *testing.T) {
	ctx := context.Background()
	svc := newDelegationService()

	rule, err := svc.Create(ctx, delegation("u1", "u2", "2024-01-01", "2024-01-07"))
	require.NoError(t, err)
	assert.NotEmpty(t, rule.ID)
	assert.True(t, rule.IsActive)

	list, err := svc.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, rule.ID, list[0].ID)
}

func TestDelegationCreateRejectsBadRules(t *testing.T) {
	ctx := context.Background()
	svc := newDelegationService()

	cases := map[string]engine.DelegationRule{
		"reversed dates": delegation("u1", "u2", "2024-01-08", "2024-01-07"),
		"self":           delegation("u1", "u1", "2024-01-01", "2024-01-07"),
		"no delegate":    delegation("u1", "", "2024-01-01", "2024-01-07"),
	}
	for name, rule := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Create(ctx, rule)
			var invalid *engine.InvalidRequestError
			assert.True(t, stderrors.As(err, &invalid), "got %v", err)
		})
	}
}

func TestDelegationOverlaps(t *testing.T) {
	ctx := context.Background()
	svc := newDelegationService()

	_, err := svc.Create(ctx, delegation("u1", "u2", "2024-01-01", "2024-01-07"))
	require.NoError(t, err)

	_, err = svc.Create(ctx, delegation("u1", "u3", "2024-01-07", "2024-01-10"))
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err), "two unscoped rules share 2024-01-07")

	_, err = svc.Create(ctx, delegation("u1", "u3", "2024-01-08", "2024-01-10"))
	assert.NoError(t, err, "adjacent ranges do not overlap")

	scoped, err := svc.Create(ctx, delegation("u1", "u4", "2024-01-01", "2024-01-07", "wf-a"))
	require.NoError(t, err, "a scoped rule may sit inside an unscoped one")

	_, err = svc.Create(ctx, delegation("u1", "u5", "2024-01-03", "2024-01-04", "wf-b", "wf-a"))
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err), "scopes share wf-a")

	_, err = svc.Deactivate(ctx, scoped.ID)
	require.NoError(t, err)
	_, err = svc.Create(ctx, delegation("u1", "u5", "2024-01-03", "2024-01-04", "wf-b", "wf-a"))
	assert.NoError(t, err, "inactive rules never conflict")
}

func TestDelegationConcurrentCreatesAdmitOne(t *testing.T) {
	ctx := context.Background()
	svc := newDelegationService()

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Create(ctx, delegation("u1", fmt.Sprintf("u-%d", i), "2024-01-01", "2024-01-07"))
		}(i)
	}
	wg.Wait()

	created := 0
	for _, err := range errs {
		if err == nil {
			created++
			continue
		}
		assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))
	}
	assert.Equal(t, 1, created)

	list, err := svc.List(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestDelegationUpdate(t *testing.T) {
	ctx := context.Background()
	svc := newDelegationService()

	rule, err := svc.Create(ctx, delegation("u1", "u2", "2024-01-01", "2024-01-07"))
	require.NoError(t, err)

	edit := *rule
	edit.FromUserID = "intruder"
	edit.EndDate = engine.MustParseDate("2024-01-14")
	updated, err := svc.Update(ctx, edit)
	require.NoError(t, err)
	assert.Equal(t, "u1", updated.FromUserID)
	assert.Equal(t, "2024-01-14", updated.EndDate.String())

	edit.StartDate = engine.MustParseDate("2024-02-01")
	_, err = svc.Update(ctx, edit)
	assert.Error(t, err, "start after end")

	_, err = svc.Update(ctx, engine.DelegationRule{ID: "missing", FromUserID: "u1", ToUserID: "u2",
		StartDate: engine.MustParseDate("2024-01-01"), EndDate: engine.MustParseDate("2024-01-02")})
	assert.True(t, errors.IsNotFound(err))
}

func TestPreviewEffectiveApprover(t *testing.T) {
	ctx := context.Background()
	svc := newDelegationService()

	_, err := svc.Create(ctx, delegation("u1", "u2", "2024-01-01", "2024-01-07"))
	require.NoError(t, err)

	res, err := svc.PreviewEffectiveApprover(ctx, "u1", engine.MustParseDate("2024-01-07"), "any")
	require.NoError(t, err)
	assert.Equal(t, "u2", res.EffectiveUserID)
	assert.True(t, res.Delegated())

	res, err = svc.PreviewEffectiveApprover(ctx, "u1", engine.MustParseDate("2024-01-08"), "any")
	require.NoError(t, err)
	assert.Equal(t, "u1", res.EffectiveUserID)
	assert.False(t, res.Delegated())

	_, err = svc.PreviewEffectiveApprover(ctx, "", engine.Date{}, "")
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
}
