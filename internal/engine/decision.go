package engine

import "time"

// DecisionInput is an approver's action on a chain step.
type DecisionInput struct {
	StepOrder    int
	ActingUserID string
	Decision     Decision
	Comment      string
	ActedAt      time.Time
}

// StatusChange describes one entry transition caused by a decision.
type StatusChange struct {
	ChainID     string      `json:"chain_id"`
	StepOrder   int         `json:"step_order"`
	Role        string      `json:"role"`
	UserID      string      `json:"user_id"`
	From        EntryStatus `json:"from"`
	To          EntryStatus `json:"to"`
	ChainStatus ChainStatus `json:"chain_status"`
	At          time.Time   `json:"at"`
}

// Outcome is the result of applying a decision.
type Outcome struct {
	Entry ChainEntry
	// Changed is false when the decision was a replay of one already
	// recorded; the chain was left untouched.
	Changed        bool
	PreviousStatus ChainStatus
	Changes        []StatusChange
}

// ApplyDecision applies in to inst, mutating it on success. On any error
// inst is left exactly as it was.
//
// Checks run in this order: the step exists, the actor is an effective
// approver at the step, replays of the actor's recorded decision are
// idempotent (a conflicting replay is AlreadyDecidedError), the chain is not
// terminal, and the step is the current one.
//
// An actor holding several entries at the step (two roles, or delegations
// converging on one user) decides all of them at once, so a redelivered
// decision finds nothing pending and is a replay.
func ApplyDecision(inst *ChainInstance, in DecisionInput) (Outcome, error) {
	if !in.Decision.Valid() {
		return Outcome{}, invalid("decision", "must be approve or reject, got %q", in.Decision)
	}
	if in.ActingUserID == "" {
		return Outcome{}, invalid("acting_user_id", "is required")
	}

	var atStep, mine []int
	for i, e := range inst.Entries {
		if e.StepOrder != in.StepOrder {
			continue
		}
		atStep = append(atStep, i)
		if e.EffectiveApproverID == in.ActingUserID {
			mine = append(mine, i)
		}
	}
	current, hasCurrent := inst.CurrentStep()
	if len(atStep) == 0 {
		cur := 0
		if hasCurrent {
			cur = current
		}
		return Outcome{}, &OutOfOrderDecisionError{ChainID: inst.ID, StepOrder: in.StepOrder, CurrentStep: cur}
	}
	if len(mine) == 0 {
		return Outcome{}, &UnauthorizedDecisionError{ChainID: inst.ID, StepOrder: in.StepOrder, UserID: in.ActingUserID}
	}

	var targets []int
	for _, i := range mine {
		if inst.Entries[i].Status == EntryPending {
			targets = append(targets, i)
		}
	}
	if len(targets) == 0 {
		want := in.Decision.entryStatus()
		var decided *ChainEntry
		for _, i := range mine {
			e := inst.Entries[i]
			if e.Status == want {
				return Outcome{Entry: e, PreviousStatus: inst.Status}, nil
			}
			if e.Status.Decided() && decided == nil {
				decided = &inst.Entries[i]
			}
		}
		if decided != nil {
			return Outcome{}, &AlreadyDecidedError{
				ChainID:   inst.ID,
				StepOrder: in.StepOrder,
				UserID:    in.ActingUserID,
				Existing:  decided.Status,
			}
		}
		// Only skipped entries remain for this user.
		if inst.Status.IsTerminal() {
			return Outcome{}, &TerminalInstanceError{ChainID: inst.ID, Status: inst.Status}
		}
		return Outcome{}, &OutOfOrderDecisionError{ChainID: inst.ID, StepOrder: in.StepOrder, CurrentStep: current}
	}

	if inst.Status.IsTerminal() {
		return Outcome{}, &TerminalInstanceError{ChainID: inst.ID, Status: inst.Status}
	}
	if !hasCurrent || current != in.StepOrder {
		return Outcome{}, &OutOfOrderDecisionError{ChainID: inst.ID, StepOrder: in.StepOrder, CurrentStep: current}
	}

	at := in.ActedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	prev := inst.Status
	var changes []StatusChange

	for _, i := range targets {
		entry := &inst.Entries[i]
		entry.Status = in.Decision.entryStatus()
		entry.DecidedBy = in.ActingUserID
		entry.DecidedAt = &at
		entry.Comment = in.Comment
		changes = append(changes, StatusChange{
			ChainID:   inst.ID,
			StepOrder: entry.StepOrder,
			Role:      entry.NominalApproverRole,
			UserID:    entry.EffectiveApproverID,
			From:      EntryPending,
			To:        entry.Status,
			At:        at,
		})
	}

	if in.Decision == DecisionReject {
		for i := range inst.Entries {
			e := &inst.Entries[i]
			if e.Status != EntryPending {
				continue
			}
			e.Status = EntrySkipped
			changes = append(changes, StatusChange{
				ChainID:   inst.ID,
				StepOrder: e.StepOrder,
				Role:      e.NominalApproverRole,
				UserID:    e.EffectiveApproverID,
				From:      EntryPending,
				To:        EntrySkipped,
				At:        at,
			})
		}
		inst.Status = ChainRejected
	} else if _, pending := inst.CurrentStep(); pending {
		inst.Status = ChainInProgress
	} else {
		inst.Status = ChainApproved
	}

	if inst.Status.IsTerminal() {
		inst.CompletedAt = &at
	}
	inst.UpdatedAt = at

	for i := range changes {
		changes[i].ChainStatus = inst.Status
	}

	return Outcome{
		Entry:          inst.Entries[targets[0]],
		Changed:        true,
		PreviousStatus: prev,
		Changes:        changes,
	}, nil
}
