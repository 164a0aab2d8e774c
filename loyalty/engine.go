/*
engine.go - The award resolution and claim engine

PURPOSE:
  Ties the evaluator, plan builder, and applier together behind the three
  inbound operations:
    RecordTrigger:      evaluate -> build -> apply or defer
    ListPendingChoices: pending, non-expired choices for display
    ClaimChoice:        the pending -> claimed state machine

STATE MACHINE:
  pending -> claimed   (ClaimChoice, compare-and-swap winner)
  pending -> expired   (ExpireDue sweep, or opportunistically on claim)
  pending -> cancelled (CancelChoice, admin)
  All other transitions are rejected; terminal states are final.

ATOMICITY:
  Claim resolution runs inside one store transaction: the conditional
  status update, the award application, and the awards_given
  materialization either all happen or none do. Two concurrent claims on
  the same choice resolve to exactly one winner; the loser gets a
  state-conflict error, and a retry of the winning claim returns the
  original result.

SEE ALSO:
  - evaluate.go, plan.go, apply.go: The stages
  - store.go: Persistence contract, including TransitionChoice CAS
*/
package loyalty

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// Config carries the engine's policy knobs.
type Config struct {
	// Stacking fixes the multiplier policy (default: highest-wins).
	Stacking StackingMode
}

// Engine is the award resolution and pending-choice claim engine.
type Engine struct {
	store    Store
	applier  *Applier
	notifier Notifier

	// Now is the clock; override in tests.
	Now func() time.Time
}

// New creates an engine. notifier may be nil.
func New(store Store, cfg Config, notifier Notifier) *Engine {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Engine{
		store:    store,
		applier:  NewApplier(cfg.Stacking),
		notifier: notifier,
		Now:      time.Now,
	}
}

// =============================================================================
// RECORD TRIGGER
// =============================================================================

// RecordTrigger processes one trigger event: updates enrollment
// bookkeeping, evaluates matching rules, and for each match either
// applies the awards immediately (single-group plan) or creates a
// pending choice (multi-group plan). The whole chain completes before
// returning, so the caller observes the new enrollment state.
func (e *Engine) RecordTrigger(ctx context.Context, ev TriggerEvent) (*TriggerResult, error) {
	if err := validateTrigger(ev); err != nil {
		return nil, err
	}
	now := e.Now()
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = now
	}

	// Bookkeeping first: threshold conditions evaluate against the state
	// including this event ("cumulative spend >= X" counts this purchase).
	switch ev.Kind {
	case TriggerVisit:
		if _, err := e.store.RecordVisit(ctx, ev.CustomerID, ev.BusinessID); err != nil {
			return nil, fmt.Errorf("record visit: %w", err)
		}
	case TriggerSpendThreshold:
		if _, err := e.store.RecordSpend(ctx, ev.CustomerID, ev.BusinessID, ev.Amount); err != nil {
			return nil, fmt.Errorf("record spend: %w", err)
		}
	}

	snapshot, err := e.store.GetEnrollment(ctx, ev.CustomerID, ev.BusinessID)
	if err != nil {
		return nil, fmt.Errorf("load enrollment: %w", err)
	}

	rules, err := e.store.ActiveRules(ctx, ev.BusinessID, ev.Kind)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}

	result := &TriggerResult{TriggerID: ev.ID}
	for _, match := range Evaluate(ev, snapshot, rules) {
		outcome, err := e.processMatch(ctx, match, now)
		if err != nil {
			return nil, err
		}
		if outcome != nil {
			result.Outcomes = append(result.Outcomes, *outcome)
		}
	}
	return result, nil
}

func (e *Engine) processMatch(ctx context.Context, match RuleMatch, now time.Time) (*TriggerOutcome, error) {
	rule := match.Rule
	plan := BuildPlan(rule, match)

	if err := ValidatePlan(rule, plan); err != nil {
		log.Printf("[Engine] Skipping rule %s: %v", rule.ID, err)
		return nil, nil
	}
	if plan.Empty() {
		log.Printf("[Engine] Rule %s has an empty award template, nothing to grant", rule.ID)
		return nil, nil
	}

	outcome := &TriggerOutcome{RuleID: rule.ID, RuleName: rule.Name}

	if plan.Immediate() {
		sourceKey := fmt.Sprintf("trigger/%s/%s", match.Trigger.ID, rule.ID)
		var results []AppliedAward
		err := e.store.WithTx(ctx, func(s Store) error {
			var err error
			results, err = e.applier.Apply(ctx, s, match.Trigger.CustomerID, match.Trigger.BusinessID,
				plan.Groups[0].Awards, sourceKey, now)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("apply awards for rule %s: %w", rule.ID, err)
		}
		outcome.Immediate = results
		e.notifier.AwardGranted(ctx, match.Trigger.CustomerID, match.Trigger.BusinessID, results, sourceKey)
		return outcome, nil
	}

	choice := NewPendingChoice(match, plan, now)
	if err := e.store.CreateChoice(ctx, choice); err != nil {
		return nil, fmt.Errorf("create pending choice for rule %s: %w", rule.ID, err)
	}
	outcome.Choice = &choice
	e.notifier.ChoiceCreated(ctx, choice)
	return outcome, nil
}

func validateTrigger(ev TriggerEvent) error {
	switch {
	case ev.ID == "":
		return fmt.Errorf("%w: missing event id", ErrInvalidTrigger)
	case ev.CustomerID == "" || ev.BusinessID == "":
		return fmt.Errorf("%w: missing customer or business id", ErrInvalidTrigger)
	case !KnownTriggerKind(ev.Kind):
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidTrigger, ev.Kind)
	case ev.Amount.IsNegative():
		return fmt.Errorf("%w: negative amount", ErrInvalidTrigger)
	}
	return nil
}

// =============================================================================
// LIST PENDING CHOICES
// =============================================================================

// ListPendingChoices returns all pending, non-expired choices for the
// customer at the business.
func (e *Engine) ListPendingChoices(ctx context.Context, customerID CustomerID, businessID BusinessID) ([]PendingChoice, error) {
	return e.store.ListPendingChoices(ctx, customerID, businessID, e.Now())
}

// =============================================================================
// CLAIM
// =============================================================================

// errClaimLost signals a lost compare-and-swap inside the claim
// transaction; the caller reloads and classifies.
var errClaimLost = errors.New("claim transition lost")

// ClaimChoice resolves a pending choice: the customer selects one award
// group, the choice flips to claimed, and the group's awards are applied
// - all atomically. Preconditions: the choice exists, belongs to the
// customer, is still pending and unexpired, and the index is in range.
func (e *Engine) ClaimChoice(ctx context.Context, choiceID ChoiceID, customerID CustomerID, groupIndex int) ([]AppliedAward, error) {
	now := e.Now()

	choice, err := e.store.GetChoice(ctx, choiceID)
	if err != nil {
		return nil, err
	}
	if choice == nil {
		return nil, ErrChoiceNotFound
	}
	if choice.CustomerID != customerID {
		return nil, ErrChoiceForbidden
	}

	if choice.Status != ChoicePending {
		return e.resolveSettled(choice, groupIndex)
	}
	if choice.ExpiredAt(now) {
		return nil, e.expireOnClaim(ctx, choice)
	}
	if groupIndex < 0 || groupIndex >= len(choice.Options) {
		return nil, &SelectionError{ChoiceID: choiceID, Index: groupIndex, Options: len(choice.Options)}
	}

	group := choice.Options[groupIndex]
	sourceKey := fmt.Sprintf("choice/%s", choiceID)

	var results []AppliedAward
	err = e.store.WithTx(ctx, func(s Store) error {
		won, err := s.TransitionChoice(ctx, choiceID, ChoiceClaimed, &ClaimRecord{
			GroupIndex: groupIndex,
			LocationID: group.LocationID,
			At:         now,
		})
		if err != nil {
			return err
		}
		if !won {
			return errClaimLost
		}

		results, err = e.applier.Apply(ctx, s, customerID, choice.BusinessID, group.Awards, sourceKey, now)
		if err != nil {
			return err
		}
		return s.SetAwardsGiven(ctx, choiceID, results)
	})

	if errors.Is(err, errClaimLost) {
		// Lost the race: reload to tell "you already claimed this" apart
		// from "someone resolved it another way".
		settled, loadErr := e.store.GetChoice(ctx, choiceID)
		if loadErr != nil || settled == nil {
			return nil, &ChoiceStateError{ChoiceID: choiceID, Status: ChoiceClaimed}
		}
		return e.resolveSettled(settled, groupIndex)
	}
	if err != nil {
		return nil, err
	}

	claimed := *choice
	claimed.Status = ChoiceClaimed
	claimed.ClaimedGroupIndex = &groupIndex
	claimed.ClaimedLocationID = group.LocationID
	claimed.ClaimedAt = &now
	claimed.AwardsGiven = results

	e.notifier.ChoiceClaimed(ctx, claimed, results)
	e.notifier.AwardGranted(ctx, customerID, choice.BusinessID, results, sourceKey)
	return results, nil
}

// resolveSettled classifies a claim attempt against a choice that is no
// longer pending. A retry of the winning claim (same index) is a safe
// no-op returning the original result.
func (e *Engine) resolveSettled(choice *PendingChoice, groupIndex int) ([]AppliedAward, error) {
	if choice.Status == ChoiceClaimed &&
		choice.ClaimedGroupIndex != nil && *choice.ClaimedGroupIndex == groupIndex &&
		choice.AwardsGiven != nil {
		return choice.AwardsGiven, nil
	}
	return nil, &ChoiceStateError{ChoiceID: choice.ID, Status: choice.Status}
}

// expireOnClaim opportunistically flips a stale pending choice to
// expired. The claim fails with ErrChoiceExpired either way; if a racer
// claimed it in the meantime the state error wins.
func (e *Engine) expireOnClaim(ctx context.Context, choice *PendingChoice) error {
	won, err := e.store.TransitionChoice(ctx, choice.ID, ChoiceExpired, nil)
	if err != nil {
		log.Printf("[Engine] Failed to expire choice %s: %v", choice.ID, err)
		return ErrChoiceExpired
	}
	if !won {
		if settled, loadErr := e.store.GetChoice(ctx, choice.ID); loadErr == nil && settled != nil && settled.Status == ChoiceClaimed {
			return &ChoiceStateError{ChoiceID: choice.ID, Status: settled.Status}
		}
	}
	return ErrChoiceExpired
}

// CancelChoice administratively cancels a pending choice
// (pending -> cancelled). No awards are granted.
func (e *Engine) CancelChoice(ctx context.Context, choiceID ChoiceID) error {
	choice, err := e.store.GetChoice(ctx, choiceID)
	if err != nil {
		return err
	}
	if choice == nil {
		return ErrChoiceNotFound
	}
	won, err := e.store.TransitionChoice(ctx, choiceID, ChoiceCancelled, nil)
	if err != nil {
		return err
	}
	if !won {
		return &ChoiceStateError{ChoiceID: choiceID, Status: choice.Status}
	}
	return nil
}

// =============================================================================
// EXPIRATION SWEEP
// =============================================================================

// ExpireDue flips every pending choice past its window to expired.
// Advisory cleanup: ClaimChoice re-validates expiry independently, so
// correctness never depends on the sweep having run.
func (e *Engine) ExpireDue(ctx context.Context) (int, error) {
	n, err := e.store.ExpireDue(ctx, e.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.notifier.ChoicesExpired(ctx, n)
	}
	return n, nil
}

// GetEnrollment returns the customer's enrollment snapshot at the
// business, or ErrEnrollmentNotFound.
func (e *Engine) GetEnrollment(ctx context.Context, customerID CustomerID, businessID BusinessID) (*Enrollment, error) {
	enrollment, err := e.store.GetEnrollment(ctx, customerID, businessID)
	if err != nil {
		return nil, err
	}
	if enrollment == nil {
		return nil, ErrEnrollmentNotFound
	}
	return enrollment, nil
}
