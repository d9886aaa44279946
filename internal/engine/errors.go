package engine

import (
	"fmt"
	"strings"

	apperrors "github.com/tulkenz-ims/be-ops-approvals/internal/platform/errors"
)

// NoTemplateError means no active template matched the request.
type NoTemplateError struct {
	Category Category
}

func (e *NoTemplateError) Error() string {
	return fmt.Sprintf("no active workflow template matches category %q", e.Category)
}

func (e *NoTemplateError) Code() apperrors.Code { return apperrors.ErrCodeNotFound }

// AmbiguousTemplateError means several templates matched and none is the
// category default.
type AmbiguousTemplateError struct {
	Category   Category
	Candidates []string
}

func (e *AmbiguousTemplateError) Error() string {
	return fmt.Sprintf("ambiguous workflow template for category %q: candidates %s",
		e.Category, strings.Join(e.Candidates, ", "))
}

func (e *AmbiguousTemplateError) Code() apperrors.Code { return apperrors.ErrCodeConflict }

// AmbiguousDelegationError means precedence could not pick a single
// delegation rule for a user.
type AmbiguousDelegationError struct {
	UserID  string
	AsOf    Date
	RuleIDs []string
}

func (e *AmbiguousDelegationError) Error() string {
	return fmt.Sprintf("ambiguous delegation for user %s on %s: rules %s",
		e.UserID, e.AsOf, strings.Join(e.RuleIDs, ", "))
}

func (e *AmbiguousDelegationError) Code() apperrors.Code { return apperrors.ErrCodeConflict }

// ChainedDelegationWarning reports that a delegate has delegated onward.
// It never blocks resolution: the immediate delegate is still used.
type ChainedDelegationWarning struct {
	UserID        string
	DelegateID    string
	RuleID        string
	ChainedRuleID string
}

func (w *ChainedDelegationWarning) Error() string {
	return fmt.Sprintf("delegate %s of user %s (rule %s) has an active delegation of their own (rule %s); only one hop is followed",
		w.DelegateID, w.UserID, w.RuleID, w.ChainedRuleID)
}

// WarningCodeChainedDelegation is the Warning.Code for chained delegations.
const WarningCodeChainedDelegation = "chained_delegation"

// AlreadyDecidedError means the user already recorded a different decision.
type AlreadyDecidedError struct {
	ChainID   string
	StepOrder int
	UserID    string
	Existing  EntryStatus
}

func (e *AlreadyDecidedError) Error() string {
	return fmt.Sprintf("chain %s step %d: user %s already decided (%s)", e.ChainID, e.StepOrder, e.UserID, e.Existing)
}

func (e *AlreadyDecidedError) Code() apperrors.Code { return apperrors.ErrCodeConflict }

// UnauthorizedDecisionError means the acting user is not an effective
// approver at the step.
type UnauthorizedDecisionError struct {
	ChainID   string
	StepOrder int
	UserID    string
}

func (e *UnauthorizedDecisionError) Error() string {
	return fmt.Sprintf("chain %s step %d: user %s is not an approver for this step", e.ChainID, e.StepOrder, e.UserID)
}

func (e *UnauthorizedDecisionError) Code() apperrors.Code { return apperrors.ErrCodeForbidden }

// OutOfOrderDecisionError means the decision targets a step other than the
// current one.
type OutOfOrderDecisionError struct {
	ChainID     string
	StepOrder   int
	CurrentStep int
}

func (e *OutOfOrderDecisionError) Error() string {
	if e.CurrentStep == 0 {
		return fmt.Sprintf("chain %s: step %d does not exist", e.ChainID, e.StepOrder)
	}
	return fmt.Sprintf("chain %s: step %d cannot be decided before step %d", e.ChainID, e.StepOrder, e.CurrentStep)
}

func (e *OutOfOrderDecisionError) Code() apperrors.Code { return apperrors.ErrCodeConflict }

// TerminalInstanceError means the chain is already approved or rejected.
type TerminalInstanceError struct {
	ChainID string
	Status  ChainStatus
}

func (e *TerminalInstanceError) Error() string {
	return fmt.Sprintf("chain %s is %s and accepts no further decisions", e.ChainID, e.Status)
}

func (e *TerminalInstanceError) Code() apperrors.Code { return apperrors.ErrCodeConflict }

// DependencyError wraps a collaborator failure.
type DependencyError struct {
	Dependency string
	Err        error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Dependency, e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }

func (e *DependencyError) Code() apperrors.Code { return apperrors.ErrCodeUnavailable }

// InvalidRequestError rejects malformed input before any state changes.
type InvalidRequestError struct {
	Field  string
	Reason string
}

func (e *InvalidRequestError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *InvalidRequestError) Code() apperrors.Code { return apperrors.ErrCodeInvalidInput }

func invalid(field, format string, args ...any) *InvalidRequestError {
	return &InvalidRequestError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
