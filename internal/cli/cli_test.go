package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tulkenz-ims/be-ops-approvals/internal/engine"
)

const testCatalog = `
roles:
  manager: u-mgr
  director: u-dir
  safety: u-safe
  finance: u-fin
  hr: u-hr

templates:
  - id: po-standard
    name: Standard purchase order
    category: purchase
    is_default: true
    tier_rules:
      - {threshold_amount: 0, approver_roles: [manager]}
      - {threshold_amount: 10000, approver_roles: [director]}

  - id: maintenance
    name: Maintenance work order
    category: work_order
    steps:
      - {order: 1, kind: approval, approver_role: manager}
      - order: 2
        kind: condition
        condition: {attribute: amount, comparator: gte, value: 10000}
      - {order: 3, kind: approval, approver_role: director}
      - {order: 4, kind: parallel, parallel_roles: [safety, finance]}
      - {order: 5, kind: notification, approver_role: hr}

  - id: capex-retired
    name: Retired capex flow
    category: capex
    is_active: false
    steps:
      - {order: 1, kind: approval, approver_role: director}

delegations:
  - id: mgr-vacation
    from_user_id: u-mgr
    to_user_id: u-dir
    start_date: "2024-01-01"
    end_date: "2024-01-07"
`

func writeCatalog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetErr(out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	path := writeCatalog(t, testCatalog)

	out, err := execute(t, "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "is valid")
	assert.Contains(t, out, "po-standard (default)")
	assert.Contains(t, out, "capex-retired (inactive)")
	assert.Contains(t, out, "director, finance, hr, manager, safety")

	bad := writeCatalog(t, `
templates:
  - {id: t1, name: x, category: purchase, steps: [{order: 2, kind: approval, approver_role: m}]}`)
	_, err = execute(t, "validate", bad)
	assert.Error(t, err)

	_, err = execute(t, "validate", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestResolveCommandJSON(t *testing.T) {
	path := writeCatalog(t, testCatalog)

	out, err := execute(t, "resolve",
		"--catalog", path,
		"--category", "purchase",
		"--amount", "45000",
		"--at", "2024-01-03T09:00:00Z",
		"--json")
	require.NoError(t, err)

	var inst engine.ChainInstance
	require.NoError(t, json.Unmarshal([]byte(out), &inst))
	assert.Equal(t, "po-standard", inst.TemplateID)
	require.Len(t, inst.Entries, 2)
	assert.Equal(t, "manager", inst.Entries[0].NominalApproverRole)
	assert.Equal(t, "u-mgr", inst.Entries[0].NominalApproverID)
	assert.Equal(t, "u-dir", inst.Entries[0].EffectiveApproverID)
	assert.Equal(t, "mgr-vacation", inst.Entries[0].DelegationRuleID)
	assert.Equal(t, "director", inst.Entries[1].NominalApproverRole)
}

func TestResolveCommandText(t *testing.T) {
	path := writeCatalog(t, testCatalog)

	out, err := execute(t, "resolve",
		"--catalog", path,
		"--category", "work_order",
		"--attr", "amount=5000",
		"--attr", "site=north",
		"--at", "2024-03-05T09:00:00Z")
	require.NoError(t, err)
	assert.Contains(t, out, "Template maintenance v1 (work_order)")
	assert.Contains(t, out, "skipped")
	assert.Contains(t, out, "u-safe")
	assert.Contains(t, out, "u-fin")
	assert.Contains(t, out, "notify")
	assert.Contains(t, out, "u-hr")
}

func TestResolveCommandErrors(t *testing.T) {
	path := writeCatalog(t, testCatalog)

	_, err := execute(t, "resolve", "--catalog", path, "--category", "capex")
	assert.Error(t, err, "only an inactive template exists")

	_, err = execute(t, "resolve", "--catalog", path, "--category", "purchase")
	assert.Error(t, err, "tier-driven template needs an amount")

	_, err = execute(t, "resolve", "--catalog", path, "--category", "purchase", "--amount", "lots")
	assert.Error(t, err)

	_, err = execute(t, "resolve", "--category", "purchase")
	assert.Error(t, err, "catalog flag is required")
}

func TestWhoActsCommand(t *testing.T) {
	path := writeCatalog(t, testCatalog)

	out, err := execute(t, "who-acts", "--catalog", path, "--user", "u-mgr", "--date", "2024-01-05")
	require.NoError(t, err)
	assert.Contains(t, out, "u-dir")
	assert.Contains(t, out, "mgr-vacation")

	out, err = execute(t, "who-acts", "--catalog", path, "--user", "u-mgr", "--date", "2024-02-01")
	require.NoError(t, err)
	assert.NotContains(t, out, "mgr-vacation")
}

func TestParseAttributes(t *testing.T) {
	attrs := parseAttributes([]string{"amount=5000", "site=north", "urgent=true", "flag", "tags=[\"a\",\"b\"]"})
	assert.Equal(t, float64(5000), attrs["amount"])
	assert.Equal(t, "north", attrs["site"])
	assert.Equal(t, true, attrs["urgent"])
	assert.Equal(t, true, attrs["flag"])
	assert.Equal(t, []any{"a", "b"}, attrs["tags"])
	assert.Nil(t, parseAttributes(nil))
}
