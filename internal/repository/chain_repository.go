package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/tulkenz-ims/be-ops-approvals/internal/engine"
	"github.com/tulkenz-ims/be-ops-approvals/internal/platform/database"
	"github.com/tulkenz-ims/be-ops-approvals/internal/platform/errors"
)

// ChainRepository stores chain instances. Entries, watchers and warnings
// are frozen at creation and kept as JSONB next to the instance row, so a
// decision rewrites one row under a revision check.
type ChainRepository struct {
	db *database.DB
}

// NewChainRepository creates a new ChainRepository.
func NewChainRepository(db *database.DB) *ChainRepository {
	return &ChainRepository{db: db}
}

const chainColumns = `
	id, template_id, pinned_version, category, submitter_id, submitted_at,
	amount::text, attributes, entries, watchers, warnings,
	status, revision, created_at, updated_at, completed_at, archived_at
`

// Create inserts a freshly built chain at revision 0.
func (r *ChainRepository) Create(ctx context.Context, inst *engine.ChainInstance) error {
	body, err := marshalChainBody(inst)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO approval_chains
		    (id, template_id, pinned_version, category, submitter_id, submitted_at,
		     amount, attributes, entries, watchers, warnings,
		     status, revision)
		VALUES ($1, $2, $3, $4, $5, $6,
		        $7::numeric, $8, $9, $10, $11,
		        $12, 0)
		RETURNING created_at, updated_at
	`

	err = r.db.QueryRow(ctx, query,
		inst.ID,
		inst.TemplateID,
		inst.PinnedVersion,
		string(inst.Category),
		inst.SubmitterID,
		inst.SubmittedAt,
		amountText(inst.Amount),
		body.attributes,
		body.entries,
		body.watchers,
		body.warnings,
		string(inst.Status),
	).Scan(&inst.CreatedAt, &inst.UpdatedAt)
	if isUniqueViolation(err) {
		return errors.Conflict("approval chain " + inst.ID + " already exists")
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval chain")
	}
	inst.Revision = 0
	return nil
}

// Get retrieves a chain by id.
func (r *ChainRepository) Get(ctx context.Context, id string) (*engine.ChainInstance, error) {
	query := `SELECT ` + chainColumns + ` FROM approval_chains WHERE id = $1`

	inst, err := r.scanChain(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_chain", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval chain")
	}
	return inst, nil
}

// Update writes the mutable state of inst if the stored revision still
// equals expectedRevision.
func (r *ChainRepository) Update(ctx context.Context, inst *engine.ChainInstance, expectedRevision int64) error {
	entries, err := json.Marshal(inst.Entries)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal chain entries")
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE approval_chains
			SET entries      = $3,
			    status       = $4,
			    completed_at = $5,
			    archived_at  = $6,
			    revision     = revision + 1,
			    updated_at   = $7
			WHERE id = $1 AND revision = $2
			RETURNING revision
		`

		var revision int64
		err := tx.QueryRow(ctx, query,
			inst.ID,
			expectedRevision,
			entries,
			string(inst.Status),
			inst.CompletedAt,
			inst.ArchivedAt,
			updatedAt(inst.UpdatedAt),
		).Scan(&revision)
		if err == pgx.ErrNoRows {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM approval_chains WHERE id = $1)`, inst.ID).Scan(&exists); err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to check approval chain")
			}
			if !exists {
				return errors.NotFound("approval_chain", inst.ID)
			}
			return ErrVersionConflict
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval chain")
		}
		inst.Revision = revision
		return nil
	})
}

// ListOpenForApprover uses the entries GIN index to find chains with a
// pending entry for the user.
func (r *ChainRepository) ListOpenForApprover(ctx context.Context, userID string) ([]*engine.ChainInstance, error) {
	probe, err := json.Marshal([]map[string]string{{
		"effective_approver_id": userID,
		"status":                string(engine.EntryPending),
	}})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to build pending probe")
	}

	query := `SELECT ` + chainColumns + `
		FROM approval_chains
		WHERE archived_at IS NULL
		  AND status IN ('pending', 'in_progress')
		  AND entries @> $1::jsonb
		ORDER BY submitted_at ASC
	`

	rows, err := r.db.Query(ctx, query, string(probe))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list pending approval chains")
	}
	defer rows.Close()

	var out []*engine.ChainInstance
	for rows.Next() {
		inst, err := r.scanChain(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval chain")
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list pending approval chains")
	}
	return out, nil
}

// ── helpers ──────────────────────────────────────────────────────────────────

type chainBody struct {
	attributes, entries, watchers, warnings []byte
}

func marshalChainBody(inst *engine.ChainInstance) (chainBody, error) {
	var b chainBody
	var err error
	attrs := inst.Attributes
	if attrs == nil {
		attrs = engine.Attributes{}
	}
	if b.attributes, err = json.Marshal(attrs); err != nil {
		return b, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal chain attributes")
	}
	if b.entries, err = json.Marshal(nonNil(inst.Entries)); err != nil {
		return b, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal chain entries")
	}
	if b.watchers, err = json.Marshal(nonNil(inst.Watchers)); err != nil {
		return b, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal chain watchers")
	}
	if b.warnings, err = json.Marshal(nonNil(inst.Warnings)); err != nil {
		return b, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal chain warnings")
	}
	return b, nil
}

func amountText(a *decimal.Decimal) *string {
	if a == nil {
		return nil
	}
	s := a.String()
	return &s
}

func updatedAt(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

type chainScanner interface {
	Scan(dest ...any) error
}

func (r *ChainRepository) scanChain(row chainScanner) (*engine.ChainInstance, error) {
	inst := &engine.ChainInstance{}
	var category, status string
	var amount *string
	var attrs, entries, watchers, warnings []byte

	err := row.Scan(
		&inst.ID,
		&inst.TemplateID,
		&inst.PinnedVersion,
		&category,
		&inst.SubmitterID,
		&inst.SubmittedAt,
		&amount,
		&attrs,
		&entries,
		&watchers,
		&warnings,
		&status,
		&inst.Revision,
		&inst.CreatedAt,
		&inst.UpdatedAt,
		&inst.CompletedAt,
		&inst.ArchivedAt,
	)
	if err != nil {
		return nil, err
	}
	inst.Category = engine.Category(category)
	inst.Status = engine.ChainStatus(status)

	if amount != nil {
		d, err := decimal.NewFromString(*amount)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to parse chain amount")
		}
		inst.Amount = &d
	}
	if err := decodeAttributes(attrs, &inst.Attributes); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal chain attributes")
	}
	if err := json.Unmarshal(entries, &inst.Entries); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal chain entries")
	}
	if err := json.Unmarshal(watchers, &inst.Watchers); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal chain watchers")
	}
	if err := json.Unmarshal(warnings, &inst.Warnings); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal chain warnings")
	}
	if len(inst.Watchers) == 0 {
		inst.Watchers = nil
	}
	if len(inst.Warnings) == 0 {
		inst.Warnings = nil
	}
	return inst, nil
}
