/*
apply.go - Award application: the single entry point for enrollment mutation

PURPOSE:
  Applies a list of typed awards to a customer's enrollment and returns
  the materialized per-award results. Shared by immediate awards and
  claimed awards so the "exactly-once grant" invariant lives in exactly
  one place.

IDEMPOTENCY:
  Every application is keyed by the originating trigger/choice id (the
  source key). A replay with the same key returns the recorded results
  without mutating anything. This makes caller retries safe.

MULTIPLIER STACKING:
  When a multiplier lands while another is still active, configuration
  decides which one stands:
    StackingHighest (default): a new multiplier only takes effect when it
      beats the active one
    StackingLatest: the newest multiplier always wins
  There is no multiplicative stacking.

SEE ALSO:
  - store.go: EnrollmentStore and AwardLog interfaces
  - engine.go: Calls Apply inside the claim transaction
*/
package loyalty

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// StackingMode fixes the policy for overlapping multiplier awards.
type StackingMode string

const (
	StackingHighest StackingMode = "highest"
	StackingLatest  StackingMode = "latest"
)

// Applier mutates customer-facing state (points, multiplier, unlocked
// rewards, tags). All enrollment writes in the system go through here.
type Applier struct {
	Stacking StackingMode
}

// NewApplier returns an applier with the given stacking mode, defaulting
// to highest-wins.
func NewApplier(mode StackingMode) *Applier {
	if mode == "" {
		mode = StackingHighest
	}
	return &Applier{Stacking: mode}
}

// Apply grants each award in order and returns the materialized results.
// sourceKey is the idempotency key; when non-empty and already recorded,
// the stored results are returned unchanged. Apply must run inside the
// caller's store transaction when atomicity with other writes is needed.
func (a *Applier) Apply(ctx context.Context, s Store, customerID CustomerID, businessID BusinessID, awards []Award, sourceKey string, now time.Time) ([]AppliedAward, error) {
	if sourceKey != "" {
		recorded, ok, err := s.GetApplied(ctx, sourceKey)
		if err != nil {
			return nil, err
		}
		if ok {
			return recorded, nil
		}
	}

	results := make([]AppliedAward, 0, len(awards))
	for _, award := range awards {
		result, err := a.applyOne(ctx, s, customerID, businessID, award, now)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}

	if sourceKey != "" {
		if err := s.RecordApplied(ctx, sourceKey, customerID, businessID, results); err != nil {
			return nil, err
		}
	}
	return results, nil
}

func (a *Applier) applyOne(ctx context.Context, s Store, customerID CustomerID, businessID BusinessID, award Award, now time.Time) (AppliedAward, error) {
	switch award.Kind {
	case AwardBonusPoints:
		newBalance, err := s.AddPoints(ctx, customerID, businessID, award.Points)
		if err != nil {
			return AppliedAward{}, fmt.Errorf("apply bonus_points: %w", err)
		}
		return AppliedAward{
			Kind:       AwardBonusPoints,
			Points:     award.Points,
			NewBalance: newBalance,
		}, nil

	case AwardMultiplier:
		expiresAt := now.Add(award.Duration())
		value, effectiveExpiry, err := s.SetMultiplier(ctx, customerID, businessID, award.Multiplier, expiresAt, a.Stacking)
		if err != nil {
			return AppliedAward{}, fmt.Errorf("apply multiplier: %w", err)
		}
		return AppliedAward{
			Kind:                AwardMultiplier,
			Multiplier:          value,
			MultiplierExpiresAt: effectiveExpiry,
		}, nil

	case AwardUnlockReward:
		unlocked, err := s.UnlockReward(ctx, customerID, businessID, award.RewardID)
		if err != nil {
			return AppliedAward{}, fmt.Errorf("apply unlock_reward: %w", err)
		}
		return AppliedAward{
			Kind:            AwardUnlockReward,
			RewardID:        award.RewardID,
			AlreadyUnlocked: !unlocked,
		}, nil

	case AwardApplyTag:
		added, err := s.AddTag(ctx, customerID, businessID, award.Tag)
		if err != nil {
			return AppliedAward{}, fmt.Errorf("apply tag: %w", err)
		}
		return AppliedAward{
			Kind:          AwardApplyTag,
			Tag:           award.Tag,
			AlreadyTagged: !added,
		}, nil
	}

	return AppliedAward{}, &RuleConfigError{Reason: "unknown award kind: " + string(award.Kind)}
}

// EffectivePoints applies the enrollment's active multiplier to a base
// accrual. Used by the spend-recording collaborator when computing point
// earnings for a purchase.
func EffectivePoints(enrollment *Enrollment, base decimal.Decimal, now time.Time) decimal.Decimal {
	return base.Mul(enrollment.ActiveMultiplier(now))
}
