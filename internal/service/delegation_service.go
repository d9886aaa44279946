package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tulkenz-ims/be-ops-approvals/internal/engine"
	"github.com/tulkenz-ims/be-ops-approvals/internal/platform/errors"
	"github.com/tulkenz-ims/be-ops-approvals/internal/platform/logger"
	"github.com/tulkenz-ims/be-ops-approvals/internal/repository"
)

// DelegationService administers delegation rules.
type DelegationService struct {
	delegations repository.DelegationStore
	loc         *time.Location
	log         *logger.Logger
}

// NewDelegationService creates a new DelegationService. loc is the business
// time zone delegation dates are read in.
func NewDelegationService(delegations repository.DelegationStore, loc *time.Location, log *logger.Logger) *DelegationService {
	if loc == nil {
		loc = time.UTC
	}
	return &DelegationService{delegations: delegations, loc: loc, log: log}
}

// Create stores a new active rule after checking it against the
// delegator's other active rules.
func (s *DelegationService) Create(ctx context.Context, rule engine.DelegationRule) (*engine.DelegationRule, error) {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	rule.IsActive = true
	rule.WorkflowIDs = append([]string(nil), rule.WorkflowIDs...)
	if err := engine.ValidateDelegation(rule); err != nil {
		return nil, err
	}
	if err := s.delegations.CreateChecked(ctx, &rule, overlapCheck(rule)); err != nil {
		return nil, storeError(err)
	}

	s.log.Info().
		Str("rule_id", rule.ID).
		Str("from_user_id", rule.FromUserID).
		Str("to_user_id", rule.ToUserID).
		Str("start_date", rule.StartDate.String()).
		Str("end_date", rule.EndDate.String()).
		Msg("Delegation rule created")
	return &rule, nil
}

// Update changes the delegate, dates, scope or activation of a rule. The
// delegator never changes.
func (s *DelegationService) Update(ctx context.Context, rule engine.DelegationRule) (*engine.DelegationRule, error) {
	if rule.ID == "" {
		return nil, errors.InvalidInput("id", "is required")
	}
	existing, err := s.delegations.GetByID(ctx, rule.ID)
	if err != nil {
		return nil, storeError(err)
	}
	rule.FromUserID = existing.FromUserID
	rule.CreatedAt = existing.CreatedAt
	if err := engine.ValidateDelegation(rule); err != nil {
		return nil, err
	}
	if err := s.delegations.UpdateChecked(ctx, &rule, overlapCheck(rule)); err != nil {
		return nil, storeError(err)
	}
	s.log.Info().Str("rule_id", rule.ID).Bool("is_active", rule.IsActive).Msg("Delegation rule updated")
	return &rule, nil
}

// Deactivate turns a rule off. Chains already built keep the approver the
// rule resolved to.
func (s *DelegationService) Deactivate(ctx context.Context, id string) (*engine.DelegationRule, error) {
	rule, err := s.delegations.GetByID(ctx, id)
	if err != nil {
		return nil, storeError(err)
	}
	if !rule.IsActive {
		return rule, nil
	}
	rule.IsActive = false
	if err := s.delegations.Update(ctx, rule); err != nil {
		return nil, storeError(err)
	}
	s.log.Info().Str("rule_id", id).Msg("Delegation rule deactivated")
	return rule, nil
}

// Get returns a rule by id.
func (s *DelegationService) Get(ctx context.Context, id string) (*engine.DelegationRule, error) {
	rule, err := s.delegations.GetByID(ctx, id)
	return rule, storeError(err)
}

// List returns every rule created by a delegator.
func (s *DelegationService) List(ctx context.Context, fromUserID string) ([]engine.DelegationRule, error) {
	if fromUserID == "" {
		return nil, errors.InvalidInput("from_user_id", "is required")
	}
	rules, err := s.delegations.ListByDelegator(ctx, fromUserID)
	return rules, storeError(err)
}

// PreviewEffectiveApprover reports who would act for userID on asOf. A zero
// asOf means today in the business time zone.
func (s *DelegationService) PreviewEffectiveApprover(ctx context.Context, userID string, asOf engine.Date, workflowID string) (engine.Resolution, error) {
	if userID == "" {
		return engine.Resolution{}, errors.InvalidInput("user_id", "is required")
	}
	if asOf.IsZero() {
		asOf = engine.DateOf(time.Now(), s.loc)
	}
	rules, err := s.delegations.ListActiveOn(ctx, asOf)
	if err != nil {
		return engine.Resolution{}, storeError(err)
	}
	return engine.ResolveEffectiveApprover(rules, userID, asOf, workflowID)
}

// overlapCheck rejects rule when it overlaps another active rule of the
// same delegator. The store runs it inside the write.
func overlapCheck(rule engine.DelegationRule) repository.OverlapCheck {
	return func(existing []engine.DelegationRule) error {
		conflicts := engine.DelegationConflicts(existing, rule)
		if len(conflicts) == 0 {
			return nil
		}
		ids := make([]string, len(conflicts))
		for i, c := range conflicts {
			ids[i] = c.ID
		}
		return errors.Conflict(fmt.Sprintf("delegation overlaps active rule(s) %s for user %s",
			strings.Join(ids, ", "), rule.FromUserID))
	}
}
