// Package catalog loads seed templates, delegations and role holders from a
// YAML file and imports them into the stores at start-up.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/tulkenz-ims/be-ops-approvals/internal/engine"
	"github.com/tulkenz-ims/be-ops-approvals/internal/platform/errors"
	"github.com/tulkenz-ims/be-ops-approvals/internal/platform/logger"
	"github.com/tulkenz-ims/be-ops-approvals/internal/repository"
	"github.com/tulkenz-ims/be-ops-approvals/internal/schema"
)

// Seed is the content of a catalog file.
type Seed struct {
	// Roles maps role names to the user holding them. Used when no identity
	// service is configured.
	Roles       map[string]string
	Templates   []*engine.WorkflowTemplate
	Delegations []engine.DelegationRule
}

type rawSeed struct {
	Roles       map[string]string `json:"roles"`
	Templates   []json.RawMessage `json:"templates"`
	Delegations []json.RawMessage `json:"delegations"`
}

type activeFlag struct {
	IsActive *bool `json:"is_active"`
}

// LoadFile reads and parses a catalog file.
func LoadFile(path string, v *schema.Validator) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	seed, err := Parse(data, v)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return seed, nil
}

// Parse decodes YAML catalog content. Every template and delegation is
// checked against its JSON Schema and the engine's structural rules.
// Entries without is_active are active.
func Parse(data []byte, v *schema.Validator) (*Seed, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if doc == nil {
		return &Seed{}, nil
	}
	asJSON, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("convert yaml: %w", err)
	}
	var raw rawSeed
	if err := json.Unmarshal(asJSON, &raw); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	seed := &Seed{Roles: raw.Roles}
	for i, item := range raw.Templates {
		if err := v.Validate(schema.Template, item); err != nil {
			return nil, fmt.Errorf("template %d: %w", i, err)
		}
		var tmpl engine.WorkflowTemplate
		if err := json.Unmarshal(item, &tmpl); err != nil {
			return nil, fmt.Errorf("template %d: %w", i, err)
		}
		if tmpl.ID == "" {
			return nil, fmt.Errorf("template %d: id is required in a catalog", i)
		}
		tmpl.IsActive = activeByDefault(item)
		if tmpl.Version == 0 {
			tmpl.Version = 1
		}
		if err := engine.ValidateTemplate(&tmpl); err != nil {
			return nil, fmt.Errorf("template %s: %w", tmpl.ID, err)
		}
		seed.Templates = append(seed.Templates, &tmpl)
	}

	for i, item := range raw.Delegations {
		if err := v.Validate(schema.Delegation, item); err != nil {
			return nil, fmt.Errorf("delegation %d: %w", i, err)
		}
		var rule engine.DelegationRule
		if err := json.Unmarshal(item, &rule); err != nil {
			return nil, fmt.Errorf("delegation %d: %w", i, err)
		}
		if rule.ID == "" {
			return nil, fmt.Errorf("delegation %d: id is required in a catalog", i)
		}
		rule.IsActive = activeByDefault(item)
		if err := engine.ValidateDelegation(rule); err != nil {
			return nil, fmt.Errorf("delegation %s: %w", rule.ID, err)
		}
		if conflicts := engine.DelegationConflicts(seed.Delegations, rule); len(conflicts) > 0 {
			return nil, fmt.Errorf("delegation %s overlaps %s", rule.ID, conflicts[0].ID)
		}
		seed.Delegations = append(seed.Delegations, rule)
	}
	return seed, nil
}

func activeByDefault(item json.RawMessage) bool {
	var f activeFlag
	if err := json.Unmarshal(item, &f); err != nil || f.IsActive == nil {
		return true
	}
	return *f.IsActive
}

// RoleDirectory resolves roles from the seed's role table.
func (s *Seed) RoleDirectory() engine.RoleDirectory {
	roles := make(map[string]string, len(s.Roles))
	for k, v := range s.Roles {
		roles[k] = v
	}
	return engine.RoleDirectoryFunc(func(_ context.Context, role string) (string, error) {
		if id := roles[role]; id != "" {
			return id, nil
		}
		return "", fmt.Errorf("%w: %s", engine.ErrNoRoleHolder, role)
	})
}

// RoleNames returns the seeded role names in order.
func (s *Seed) RoleNames() []string {
	names := make([]string, 0, len(s.Roles))
	for k := range s.Roles {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// ApplyResult counts what Apply wrote.
type ApplyResult struct {
	TemplatesCreated   int
	TemplatesSkipped   int
	DelegationsCreated int
	DelegationsSkipped int
}

// Apply creates the seed's templates and delegations that do not exist yet.
// Existing records are left untouched so edits made through the admin API
// survive restarts.
func Apply(
	ctx context.Context,
	seed *Seed,
	templates repository.TemplateStore,
	delegations repository.DelegationStore,
	log *logger.Logger,
) (ApplyResult, error) {
	var res ApplyResult

	for _, tmpl := range seed.Templates {
		_, err := templates.GetByID(ctx, tmpl.ID)
		if err == nil {
			res.TemplatesSkipped++
			continue
		}
		if !errors.IsNotFound(err) {
			return res, err
		}
		if err := templates.Create(ctx, tmpl.Clone()); err != nil {
			return res, fmt.Errorf("seed template %s: %w", tmpl.ID, err)
		}
		res.TemplatesCreated++
		log.Debug().Str("template_id", tmpl.ID).Msg("Seeded workflow template")
	}

	for _, rule := range seed.Delegations {
		_, err := delegations.GetByID(ctx, rule.ID)
		if err == nil {
			res.DelegationsSkipped++
			continue
		}
		if !errors.IsNotFound(err) {
			return res, err
		}
		r := rule
		r.WorkflowIDs = append([]string(nil), rule.WorkflowIDs...)
		if err := delegations.Create(ctx, &r); err != nil {
			return res, fmt.Errorf("seed delegation %s: %w", rule.ID, err)
		}
		res.DelegationsCreated++
		log.Debug().Str("rule_id", rule.ID).Msg("Seeded delegation rule")
	}

	log.Info().
		Int("templates_created", res.TemplatesCreated).
		Int("templates_skipped", res.TemplatesSkipped).
		Int("delegations_created", res.DelegationsCreated).
		Int("delegations_skipped", res.DelegationsSkipped).
		Msg("Catalog seed applied")
	return res, nil
}
