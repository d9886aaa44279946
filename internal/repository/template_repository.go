package repository

import (
	"context"
	"encoding/json"
	stderrors "errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tulkenz-ims/be-ops-approvals/internal/engine"
	"github.com/tulkenz-ims/be-ops-approvals/internal/platform/database"
	"github.com/tulkenz-ims/be-ops-approvals/internal/platform/errors"
)

const pgUniqueViolation = "23505"

// TemplateRepository handles CRUD for workflow_templates.
type TemplateRepository struct {
	db *database.DB
}

// NewTemplateRepository creates a new TemplateRepository.
func NewTemplateRepository(db *database.DB) *TemplateRepository {
	return &TemplateRepository{db: db}
}

// Create inserts a new template. A second active default for the category
// violates workflow_templates_one_default and is reported as a conflict.
func (r *TemplateRepository) Create(ctx context.Context, tmpl *engine.WorkflowTemplate) error {
	steps, conds, tiers, err := marshalTemplateBody(tmpl)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO workflow_templates
		    (id, name, description, category,
		     steps, conditions, tier_rules,
		     version, is_active, is_default, usage_count)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7,
		        $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`

	err = r.db.QueryRow(ctx, query,
		tmpl.ID,
		tmpl.Name,
		tmpl.Description,
		string(tmpl.Category),
		steps,
		conds,
		tiers,
		tmpl.Version,
		tmpl.IsActive,
		tmpl.IsDefault,
		tmpl.UsageCount,
	).Scan(&tmpl.CreatedAt, &tmpl.UpdatedAt)
	if err != nil {
		return templateWriteError(err, "failed to create workflow template")
	}
	return nil
}

// GetByID retrieves a template by primary key.
func (r *TemplateRepository) GetByID(ctx context.Context, id string) (*engine.WorkflowTemplate, error) {
	query := `
		SELECT id, name, description, category,
		       steps, conditions, tier_rules,
		       version, is_active, is_default, usage_count,
		       created_at, updated_at
		FROM workflow_templates
		WHERE id = $1
	`

	tmpl, err := r.scanTemplate(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("workflow_template", id)
	}
	return tmpl, err
}

// List returns templates ordered by name.
func (r *TemplateRepository) List(ctx context.Context, category engine.Category, activeOnly bool) ([]*engine.WorkflowTemplate, error) {
	query := `
		SELECT id, name, description, category,
		       steps, conditions, tier_rules,
		       version, is_active, is_default, usage_count,
		       created_at, updated_at
		FROM workflow_templates
		WHERE ($1 = '' OR category = $1)
	`
	if activeOnly {
		query += " AND is_active = TRUE"
	}
	query += " ORDER BY name ASC, id ASC"

	rows, err := r.db.Query(ctx, query, string(category))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list workflow templates")
	}
	defer rows.Close()

	var out []*engine.WorkflowTemplate
	for rows.Next() {
		tmpl, err := r.scanTemplate(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow template")
		}
		out = append(out, tmpl)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list workflow templates")
	}
	return out, nil
}

const templateColumns = `
		id, name, description, category,
		steps, conditions, tier_rules,
		version, is_active, is_default, usage_count,
		created_at, updated_at`

// Update replaces the definition when the stored version still equals
// expectedVersion. A miss is told apart as not found or a version conflict.
func (r *TemplateRepository) Update(ctx context.Context, tmpl *engine.WorkflowTemplate, expectedVersion int) error {
	steps, conds, tiers, err := marshalTemplateBody(tmpl)
	if err != nil {
		return err
	}

	query := `
		UPDATE workflow_templates
		SET name        = $2,
		    description = $3,
		    category    = $4,
		    steps       = $5,
		    conditions  = $6,
		    tier_rules  = $7,
		    version     = version + 1,
		    updated_at  = NOW()
		WHERE id = $1 AND version = $8
		RETURNING ` + templateColumns

	got, err := r.scanTemplate(r.db.QueryRow(ctx, query,
		tmpl.ID,
		tmpl.Name,
		tmpl.Description,
		string(tmpl.Category),
		steps,
		conds,
		tiers,
		expectedVersion,
	))
	if err == pgx.ErrNoRows {
		return r.missError(ctx, tmpl.ID)
	}
	if err != nil {
		return templateWriteError(err, "failed to update workflow template")
	}
	*tmpl = *got
	return nil
}

// SetActive changes is_active alone.
func (r *TemplateRepository) SetActive(ctx context.Context, id string, active bool) (*engine.WorkflowTemplate, error) {
	query := `
		UPDATE workflow_templates
		SET is_active  = $2,
		    updated_at = CASE WHEN is_active = $2 THEN updated_at ELSE NOW() END
		WHERE id = $1
		RETURNING ` + templateColumns

	tmpl, err := r.scanTemplate(r.db.QueryRow(ctx, query, id, active))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("workflow_template", id)
	}
	if err != nil {
		return nil, templateWriteError(err, "failed to change workflow template activation")
	}
	return tmpl, nil
}

// SetDefault moves the category default to id inside one transaction. The
// target row is locked first so concurrent swaps in the category serialize.
func (r *TemplateRepository) SetDefault(ctx context.Context, id string) (*engine.WorkflowTemplate, error) {
	var out *engine.WorkflowTemplate
	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		current, err := r.scanTemplate(tx.QueryRow(ctx,
			`SELECT `+templateColumns+` FROM workflow_templates WHERE id = $1 FOR UPDATE`, id))
		if err == pgx.ErrNoRows {
			return errors.NotFound("workflow_template", id)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to load workflow template")
		}
		if !current.IsActive {
			return errors.InvalidInput("id", "only an active template can be the default")
		}
		if current.IsDefault {
			out = current
			return nil
		}

		_, err = tx.Exec(ctx, `
			UPDATE workflow_templates
			SET is_default = FALSE, updated_at = NOW()
			WHERE category = $1 AND is_default AND id <> $2
		`, string(current.Category), id)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to clear previous default template")
		}

		out, err = r.scanTemplate(tx.QueryRow(ctx, `
			UPDATE workflow_templates
			SET is_default = TRUE, updated_at = NOW()
			WHERE id = $1
			RETURNING `+templateColumns, id))
		if err != nil {
			return templateWriteError(err, "failed to set default template")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *TemplateRepository) missError(ctx context.Context, id string) error {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM workflow_templates WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to check workflow template")
	}
	if !exists {
		return errors.NotFound("workflow_template", id)
	}
	return ErrTemplateVersionConflict
}

// Delete removes a template. Chains keep their own frozen copy of the
// entries so they are unaffected.
func (r *TemplateRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM workflow_templates WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete workflow template")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("workflow_template", id)
	}
	return nil
}

// IncrementUsage bumps usage_count without touching updated_at.
func (r *TemplateRepository) IncrementUsage(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `UPDATE workflow_templates SET usage_count = usage_count + 1 WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to increment template usage")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("workflow_template", id)
	}
	return nil
}

// ── helpers ──────────────────────────────────────────────────────────────────

func marshalTemplateBody(tmpl *engine.WorkflowTemplate) (steps, conds, tiers []byte, err error) {
	if steps, err = json.Marshal(nonNil(tmpl.Steps)); err != nil {
		return nil, nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal template steps")
	}
	if conds, err = json.Marshal(nonNil(tmpl.Conditions)); err != nil {
		return nil, nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal template conditions")
	}
	if tiers, err = json.Marshal(nonNil(tmpl.TierRules)); err != nil {
		return nil, nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal tier rules")
	}
	return steps, conds, tiers, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return stderrors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func templateWriteError(err error, msg string) error {
	if isUniqueViolation(err) {
		return errors.Conflict("workflow template id is taken or another active default exists for this category")
	}
	return errors.Wrap(err, errors.ErrCodeInternal, msg)
}

type templateScanner interface {
	Scan(dest ...any) error
}

func (r *TemplateRepository) scanTemplate(row templateScanner) (*engine.WorkflowTemplate, error) {
	tmpl := &engine.WorkflowTemplate{}
	var category string
	var steps, conds, tiers []byte

	err := row.Scan(
		&tmpl.ID,
		&tmpl.Name,
		&tmpl.Description,
		&category,
		&steps,
		&conds,
		&tiers,
		&tmpl.Version,
		&tmpl.IsActive,
		&tmpl.IsDefault,
		&tmpl.UsageCount,
		&tmpl.CreatedAt,
		&tmpl.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	tmpl.Category = engine.Category(category)

	if err := json.Unmarshal(steps, &tmpl.Steps); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal template steps")
	}
	if err := json.Unmarshal(conds, &tmpl.Conditions); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal template conditions")
	}
	if err := json.Unmarshal(tiers, &tmpl.TierRules); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal tier rules")
	}
	return tmpl, nil
}
