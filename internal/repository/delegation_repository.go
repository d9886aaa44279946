package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tulkenz-ims/be-ops-approvals/internal/engine"
	"github.com/tulkenz-ims/be-ops-approvals/internal/platform/database"
	"github.com/tulkenz-ims/be-ops-approvals/internal/platform/errors"
)

// DelegationRepository handles CRUD for delegation_rules.
type DelegationRepository struct {
	db *database.DB
}

// NewDelegationRepository creates a new DelegationRepository.
func NewDelegationRepository(db *database.DB) *DelegationRepository {
	return &DelegationRepository{db: db}
}

const delegationColumns = `
	id, from_user_id, to_user_id, start_date, end_date,
	is_active, workflow_ids, reason, created_at, updated_at
`

// delegationQuerier is satisfied by both the pool and a transaction.
type delegationQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Create inserts a new delegation rule.
func (r *DelegationRepository) Create(ctx context.Context, rule *engine.DelegationRule) error {
	return r.insert(ctx, r.db, rule)
}

// CreateChecked inserts rule after check accepts the delegator's stored
// rules. Writers for the same delegator are serialized by a transaction
// scoped advisory lock.
func (r *DelegationRepository) CreateChecked(ctx context.Context, rule *engine.DelegationRule, check OverlapCheck) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if err := r.lockAndCheck(ctx, tx, rule.FromUserID, check); err != nil {
			return err
		}
		return r.insert(ctx, tx, rule)
	})
}

// UpdateChecked is CreateChecked for an existing rule.
func (r *DelegationRepository) UpdateChecked(ctx context.Context, rule *engine.DelegationRule, check OverlapCheck) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if err := r.lockAndCheck(ctx, tx, rule.FromUserID, check); err != nil {
			return err
		}
		return r.update(ctx, tx, rule)
	})
}

func (r *DelegationRepository) lockAndCheck(ctx context.Context, tx pgx.Tx, fromUserID string, check OverlapCheck) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('delegation_rules:' || $1))`, fromUserID); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock delegator rules")
	}
	existing, err := r.list(ctx, tx, `SELECT `+delegationColumns+`
		FROM delegation_rules
		WHERE from_user_id = $1
		ORDER BY start_date DESC, id ASC
	`, fromUserID)
	if err != nil {
		return err
	}
	return check(existing)
}

func (r *DelegationRepository) insert(ctx context.Context, q delegationQuerier, rule *engine.DelegationRule) error {
	query := `
		INSERT INTO delegation_rules
		    (id, from_user_id, to_user_id, start_date, end_date,
		     is_active, workflow_ids, reason)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8)
		RETURNING created_at, updated_at
	`

	err := q.QueryRow(ctx, query,
		rule.ID,
		rule.FromUserID,
		rule.ToUserID,
		rule.StartDate.Time(),
		rule.EndDate.Time(),
		rule.IsActive,
		nonNil(rule.WorkflowIDs),
		rule.Reason,
	).Scan(&rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create delegation rule")
	}
	return nil
}

// GetByID retrieves a delegation rule by primary key.
func (r *DelegationRepository) GetByID(ctx context.Context, id string) (*engine.DelegationRule, error) {
	query := `SELECT ` + delegationColumns + ` FROM delegation_rules WHERE id = $1`

	rule, err := r.scanRule(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("delegation_rule", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get delegation rule")
	}
	return rule, nil
}

// ListByDelegator returns every rule created by a user, newest first.
func (r *DelegationRepository) ListByDelegator(ctx context.Context, fromUserID string) ([]engine.DelegationRule, error) {
	query := `SELECT ` + delegationColumns + `
		FROM delegation_rules
		WHERE from_user_id = $1
		ORDER BY start_date DESC, id ASC
	`
	return r.list(ctx, r.db, query, fromUserID)
}

// ListActiveOn returns active rules covering the date.
func (r *DelegationRepository) ListActiveOn(ctx context.Context, date engine.Date) ([]engine.DelegationRule, error) {
	query := `SELECT ` + delegationColumns + `
		FROM delegation_rules
		WHERE is_active = TRUE
		  AND start_date <= $1
		  AND end_date   >= $1
		ORDER BY from_user_id ASC, id ASC
	`
	return r.list(ctx, r.db, query, date.Time())
}

// Update persists changes to an existing rule.
func (r *DelegationRepository) Update(ctx context.Context, rule *engine.DelegationRule) error {
	return r.update(ctx, r.db, rule)
}

func (r *DelegationRepository) update(ctx context.Context, q delegationQuerier, rule *engine.DelegationRule) error {
	query := `
		UPDATE delegation_rules
		SET to_user_id   = $2,
		    start_date   = $3,
		    end_date     = $4,
		    is_active    = $5,
		    workflow_ids = $6,
		    reason       = $7,
		    updated_at   = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err := q.QueryRow(ctx, query,
		rule.ID,
		rule.ToUserID,
		rule.StartDate.Time(),
		rule.EndDate.Time(),
		rule.IsActive,
		nonNil(rule.WorkflowIDs),
		rule.Reason,
	).Scan(&rule.UpdatedAt)
	if err == pgx.ErrNoRows {
		return errors.NotFound("delegation_rule", rule.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update delegation rule")
	}
	return nil
}

func (r *DelegationRepository) list(ctx context.Context, q delegationQuerier, query string, args ...any) ([]engine.DelegationRule, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list delegation rules")
	}
	defer rows.Close()

	var out []engine.DelegationRule
	for rows.Next() {
		rule, err := r.scanRule(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan delegation rule")
		}
		out = append(out, *rule)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list delegation rules")
	}
	return out, nil
}

// ── scan helper ──────────────────────────────────────────────────────────────

type delegationScanner interface {
	Scan(dest ...any) error
}

func (r *DelegationRepository) scanRule(row delegationScanner) (*engine.DelegationRule, error) {
	rule := &engine.DelegationRule{}
	var start, end time.Time

	err := row.Scan(
		&rule.ID,
		&rule.FromUserID,
		&rule.ToUserID,
		&start,
		&end,
		&rule.IsActive,
		&rule.WorkflowIDs,
		&rule.Reason,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rule.StartDate = engine.DateOf(start, time.UTC)
	rule.EndDate = engine.DateOf(end, time.UTC)
	if len(rule.WorkflowIDs) == 0 {
		rule.WorkflowIDs = nil
	}
	return rule, nil
}
