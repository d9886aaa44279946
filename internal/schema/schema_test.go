package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tulkenz-ims/be-ops-approvals/internal/platform/errors"
)

func TestValidateTemplate(t *testing.T) {
	v, err := New()
	require.NoError(t, err)

	valid := `{
		"name": "Large PO",
		"category": "purchase",
		"steps": [
			{"order": 1, "kind": "approval", "approver_role": "manager"},
			{"order": 2, "kind": "condition", "condition": {"attribute": "amount", "comparator": "gte", "value": 10000}, "branch_target": 4},
			{"order": 3, "kind": "parallel", "parallel_roles": ["safety", "finance"]}
		],
		"tier_rules": [{"threshold_amount": "10000.00", "approver_roles": ["director"]}]
	}`
	assert.NoError(t, v.Validate(Template, []byte(valid)))

	cases := map[string]string{
		"missing name":         `{"category": "purchase", "steps": [{"order": 1, "kind": "approval", "approver_role": "m"}]}`,
		"bad category":         `{"name": "x", "category": "payroll", "steps": [{"order": 1, "kind": "approval", "approver_role": "m"}]}`,
		"no steps or tiers":    `{"name": "x", "category": "purchase"}`,
		"approval needs role":  `{"name": "x", "category": "purchase", "steps": [{"order": 1, "kind": "approval"}]}`,
		"parallel needs roles": `{"name": "x", "category": "purchase", "steps": [{"order": 1, "kind": "parallel"}]}`,
		"unknown comparator":   `{"name": "x", "category": "purchase", "steps": [{"order": 1, "kind": "condition", "condition": {"attribute": "a", "comparator": "like"}}]}`,
		"negative threshold":   `{"name": "x", "category": "purchase", "tier_rules": [{"threshold_amount": -5, "approver_roles": ["m"]}]}`,
		"order zero":           `{"name": "x", "category": "purchase", "steps": [{"order": 0, "kind": "approval", "approver_role": "m"}]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			err := v.Validate(Template, []byte(body))
			require.Error(t, err)
			assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
		})
	}
}

func TestValidateDelegation(t *testing.T) {
	v := MustNew()

	assert.NoError(t, v.Validate(Delegation, []byte(`{"from_user_id": "u1", "to_user_id": "u2", "start_date": "2024-01-01", "end_date": "2024-01-07", "workflow_ids": ["wf-1"]}`)))

	err := v.Validate(Delegation, []byte(`{"from_user_id": "u1", "to_user_id": "u2", "start_date": "01/01/2024", "end_date": "2024-01-07"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/start_date")

	err = v.Validate(Delegation, []byte(`{"from_user_id": "u1", "to_user_id": "u2", "start_date": "2024-01-01", "end_date": "2024-01-07", "workflow_ids": ["a", "a"]}`))
	assert.Error(t, err)
}

func TestValidateSubmissionAndDecision(t *testing.T) {
	v := MustNew()

	assert.NoError(t, v.Validate(Submission, []byte(`{"category": "purchase", "submitter_id": "u1", "amount": "45000.00", "attributes": {"site": "north"}, "submitted_at": "2024-03-05T09:00:00Z"}`)))
	assert.Error(t, v.Validate(Submission, []byte(`{"category": "purchase", "submitter_id": "u1", "submitted_at": "yesterday"}`)))
	assert.Error(t, v.Validate(Submission, []byte(`{"category": "purchase"}`)))

	assert.NoError(t, v.Validate(Decision, []byte(`{"chain_id": "c1", "step_order": 2, "acting_user_id": "u2", "decision": "approve"}`)))
	assert.Error(t, v.Validate(Decision, []byte(`{"chain_id": "c1", "step_order": 2, "acting_user_id": "u2", "decision": "maybe"}`)))
	assert.Error(t, v.Validate(Decision, []byte(`{"chain_id": "c1", "step_order": 1.5, "acting_user_id": "u2", "decision": "approve"}`)))
}

func TestValidateMalformedAndUnknown(t *testing.T) {
	v := MustNew()

	err := v.Validate(Decision, []byte(`{"chain_id": `))
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))

	err = v.Validate("nope", []byte(`{}`))
	assert.Equal(t, errors.ErrCodeInternal, errors.CodeOf(err))
}
