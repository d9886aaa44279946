package catalog

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tulkenz-ims/be-ops-approvals/internal/engine"
	"github.com/tulkenz-ims/be-ops-approvals/internal/platform/logger"
	"github.com/tulkenz-ims/be-ops-approvals/internal/repository"
	"github.com/tulkenz-ims/be-ops-approvals/internal/schema"
)

func TestLoadFile(t *testing.T) {
	seed, err := LoadFile("testdata/catalog.yaml", schema.MustNew())
	require.NoError(t, err)

	require.Len(t, seed.Templates, 3)
	po := seed.Templates[0]
	assert.Equal(t, "po-standard", po.ID)
	assert.True(t, po.IsActive, "active unless stated otherwise")
	assert.True(t, po.IsDefault)
	assert.Equal(t, 1, po.Version)
	require.Len(t, po.TierRules, 3)
	assert.True(t, po.TierRules[1].ThresholdAmount.Equal(decimal.RequireFromString("10000")))

	maint := seed.Templates[1]
	assert.Equal(t, 3, maint.Version)
	require.Len(t, maint.Steps, 5)
	require.NotNil(t, maint.Steps[1].Condition)
	assert.True(t, maint.Steps[1].Condition.Evaluate(engine.Attributes{"amount": 12000}))
	assert.Equal(t, []string{"safety", "finance"}, maint.Steps[3].ParallelRoles)

	assert.False(t, seed.Templates[2].IsActive)

	require.Len(t, seed.Delegations, 1)
	d := seed.Delegations[0]
	assert.Equal(t, "2024-01-07", d.EndDate.String())
	assert.True(t, d.IsActive)

	assert.Equal(t, []string{"cfo", "director", "finance", "hr", "manager", "safety"}, seed.RoleNames())
}

func TestParseRejectsBadEntries(t *testing.T) {
	v := schema.MustNew()
	cases := map[string]string{
		"schema violation": `
templates:
  - {id: t1, name: x, category: purchase, steps: [{order: 1, kind: approval}]}`,
		"gap in orders": `
templates:
  - id: t1
    name: x
    category: purchase
    steps:
      - {order: 1, kind: approval, approver_role: m}
      - {order: 3, kind: approval, approver_role: m}`,
		"missing id": `
templates:
  - {name: x, category: purchase, steps: [{order: 1, kind: approval, approver_role: m}]}`,
		"reversed delegation": `
delegations:
  - {id: d1, from_user_id: a, to_user_id: b, start_date: "2024-02-01", end_date: "2024-01-01"}`,
		"overlapping delegations": `
delegations:
  - {id: d1, from_user_id: a, to_user_id: b, start_date: "2024-01-01", end_date: "2024-01-10"}
  - {id: d2, from_user_id: a, to_user_id: c, start_date: "2024-01-05", end_date: "2024-01-06"}`,
		"not yaml": "templates: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc), v)
			assert.Error(t, err)
		})
	}

	empty, err := Parse([]byte(""), v)
	require.NoError(t, err)
	assert.Empty(t, empty.Templates)
}

func TestSeedRoleDirectory(t *testing.T) {
	seed := &Seed{Roles: map[string]string{"manager": "u-mgr"}}
	dir := seed.RoleDirectory()

	user, err := dir.ResolveRole(context.Background(), "manager")
	require.NoError(t, err)
	assert.Equal(t, "u-mgr", user)

	_, err = dir.ResolveRole(context.Background(), "cfo")
	assert.True(t, stderrors.Is(err, engine.ErrNoRoleHolder))
}

func TestApplyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	seed, err := LoadFile("testdata/catalog.yaml", schema.MustNew())
	require.NoError(t, err)

	templates := repository.NewMemoryTemplateStore()
	delegations := repository.NewMemoryDelegationStore()

	res, err := Apply(ctx, seed, templates, delegations, logger.Nop())
	require.NoError(t, err)
	assert.Equal(t, ApplyResult{TemplatesCreated: 3, DelegationsCreated: 1}, res)

	edited, err := templates.GetByID(ctx, "maintenance")
	require.NoError(t, err)
	edited.Name = "Edited through the API"
	require.NoError(t, templates.Update(ctx, edited, edited.Version))

	res, err = Apply(ctx, seed, templates, delegations, logger.Nop())
	require.NoError(t, err)
	assert.Equal(t, ApplyResult{TemplatesSkipped: 3, DelegationsSkipped: 1}, res)

	got, err := templates.GetByID(ctx, "maintenance")
	require.NoError(t, err)
	assert.Equal(t, "Edited through the API", got.Name)
}

// The seeded catalog drives a full build end to end.
func TestSeedBuildsScenarioA(t *testing.T) {
	ctx := context.Background()
	seed, err := LoadFile("testdata/catalog.yaml", schema.MustNew())
	require.NoError(t, err)

	tmpl, err := engine.Match(seed.Templates, engine.CategoryPurchase, nil)
	require.NoError(t, err)

	amount := decimal.RequireFromString("45000")
	inst, err := engine.NewBuilder(seed.RoleDirectory()).Build(ctx, tmpl, engine.Request{
		Category:    engine.CategoryPurchase,
		Amount:      &amount,
		SubmitterID: "u-req",
		SubmittedAt: time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC),
	}, seed.Delegations)
	require.NoError(t, err)
	require.Len(t, inst.Entries, 2)
	assert.Equal(t, "manager", inst.Entries[0].NominalApproverRole)
	assert.Equal(t, "director", inst.Entries[1].NominalApproverRole)
}
