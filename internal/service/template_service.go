package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/tulkenz-ims/be-ops-approvals/internal/engine"
	"github.com/tulkenz-ims/be-ops-approvals/internal/platform/errors"
	"github.com/tulkenz-ims/be-ops-approvals/internal/platform/logger"
	"github.com/tulkenz-ims/be-ops-approvals/internal/repository"
)

// TemplateService administers the workflow template catalog.
type TemplateService struct {
	templates repository.TemplateStore
	log       *logger.Logger
}

// NewTemplateService creates a new TemplateService.
func NewTemplateService(templates repository.TemplateStore, log *logger.Logger) *TemplateService {
	return &TemplateService{templates: templates, log: log}
}

// Create validates and stores a new template at version 1.
func (s *TemplateService) Create(ctx context.Context, tmpl *engine.WorkflowTemplate) (*engine.WorkflowTemplate, error) {
	if tmpl == nil {
		return nil, errors.InvalidInput("template", "is required")
	}
	t := tmpl.Clone()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.Version = 1
	t.UsageCount = 0
	if err := engine.ValidateTemplate(t); err != nil {
		return nil, err
	}
	if err := s.templates.Create(ctx, t); err != nil {
		return nil, storeError(err)
	}

	s.log.Info().
		Str("template_id", t.ID).
		Str("category", string(t.Category)).
		Bool("is_default", t.IsDefault).
		Msg("Workflow template created")
	return t, nil
}

// Update replaces the definition of a template and bumps its version.
// Chains already built keep the version they pinned. Activation and the
// default flag are changed through SetActive and SetDefault. A non-zero
// tmpl.Version is the version the caller edited; a concurrent edit makes
// the write fail with a conflict instead of being overwritten.
func (s *TemplateService) Update(ctx context.Context, tmpl *engine.WorkflowTemplate) (*engine.WorkflowTemplate, error) {
	if tmpl == nil || tmpl.ID == "" {
		return nil, errors.InvalidInput("id", "is required")
	}
	existing, err := s.templates.GetByID(ctx, tmpl.ID)
	if err != nil {
		return nil, storeError(err)
	}
	expected := existing.Version
	if tmpl.Version != 0 && tmpl.Version != expected {
		return nil, errors.Conflict(fmt.Sprintf(
			"workflow template %s is at version %d, not %d; reload and retry", tmpl.ID, expected, tmpl.Version))
	}

	t := tmpl.Clone()
	t.Version = expected + 1
	t.IsActive = existing.IsActive
	t.IsDefault = existing.IsDefault
	t.UsageCount = existing.UsageCount
	t.CreatedAt = existing.CreatedAt
	if err := engine.ValidateTemplate(t); err != nil {
		return nil, err
	}
	if err := s.templates.Update(ctx, t, expected); err != nil {
		return nil, storeError(err)
	}

	s.log.Info().
		Str("template_id", t.ID).
		Int("version", t.Version).
		Msg("Workflow template updated")
	return t, nil
}

// SetActive activates or deactivates a template.
func (s *TemplateService) SetActive(ctx context.Context, id string, active bool) (*engine.WorkflowTemplate, error) {
	t, err := s.templates.SetActive(ctx, id, active)
	if err != nil {
		return nil, storeError(err)
	}
	s.log.Info().Str("template_id", id).Bool("is_active", active).Msg("Workflow template activation changed")
	return t, nil
}

// SetDefault makes an active template the default of its category, clearing
// the flag on the previous default.
func (s *TemplateService) SetDefault(ctx context.Context, id string) (*engine.WorkflowTemplate, error) {
	t, err := s.templates.SetDefault(ctx, id)
	if err != nil {
		return nil, storeError(err)
	}
	s.log.Info().Str("template_id", id).Str("category", string(t.Category)).Msg("Workflow template set as default")
	return t, nil
}

// Delete removes a template. The category default must be replaced first.
func (s *TemplateService) Delete(ctx context.Context, id string) error {
	t, err := s.templates.GetByID(ctx, id)
	if err != nil {
		return storeError(err)
	}
	if t.IsDefault {
		return errors.New(errors.ErrCodeConflict,
			fmt.Sprintf("template %s is the default for %s and cannot be deleted", id, t.Category))
	}
	if err := s.templates.Delete(ctx, id); err != nil {
		return storeError(err)
	}
	s.log.Info().Str("template_id", id).Msg("Workflow template deleted")
	return nil
}

// Get returns a template by id.
func (s *TemplateService) Get(ctx context.Context, id string) (*engine.WorkflowTemplate, error) {
	t, err := s.templates.GetByID(ctx, id)
	return t, storeError(err)
}

// List returns templates, optionally narrowed to one category.
func (s *TemplateService) List(ctx context.Context, category engine.Category, activeOnly bool) ([]*engine.WorkflowTemplate, error) {
	if category != "" && !category.Valid() {
		return nil, errors.InvalidInput("category", fmt.Sprintf("unknown category %q", category))
	}
	list, err := s.templates.List(ctx, category, activeOnly)
	return list, storeError(err)
}
