/*
store.go - Persistence interfaces for rules, enrollments, and choices

PURPOSE:
  Defines the interface between the engine and the database. Different
  implementations can use SQLite, PostgreSQL, or in-memory storage.

KEY INTERFACES:
  RuleStore:       Read-only rule lookup (rules are owned by the
                   configuration collaborator)
  EnrollmentStore: The customer's mutable loyalty state. Mutations are
                   single-row atomic increments/updates.
  ChoiceStore:     Pending choice lifecycle. The ONE concurrency-critical
                   operation is TransitionChoice: a compare-and-swap from
                   'pending' to a terminal status.
  AwardLog:        Idempotency record per applied award batch, keyed by
                   the originating trigger/choice id.
  Store:           All of the above plus WithTx for atomic claim
                   resolution (transition + apply + materialize, all or
                   nothing).

COMPARE-AND-SWAP CONTRACT:
  TransitionChoice must only succeed when the row's current status is
  'pending', and must report whether it won. Two concurrent claims on the
  same choice resolve to exactly one winner; the loser is told it lost
  rather than double-granting awards.

CHOICES ARE NEVER DELETED:
  Terminal choices stay for audit. There is no Delete method.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: Production SQLite (conditional UPDATE)
  - loyalty/store/memory.go: In-memory for testing (mutex + status check)

SEE ALSO:
  - engine.go: Drives these interfaces
  - apply.go: Uses EnrollmentStore and AwardLog
*/
package loyalty

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RULE STORE - Read-only to this engine
// =============================================================================

type RuleStore interface {
	// ActiveRules returns all active rules for the business whose trigger
	// kind matches.
	ActiveRules(ctx context.Context, businessID BusinessID, kind TriggerKind) ([]Rule, error)

	// GetRule returns a rule by id, or nil when absent.
	GetRule(ctx context.Context, id RuleID) (*Rule, error)
}

// =============================================================================
// ENROLLMENT STORE - The customer's mutable loyalty state
// =============================================================================

type EnrollmentStore interface {
	// GetEnrollment returns the enrollment, or nil when the customer has
	// none at the business.
	GetEnrollment(ctx context.Context, customerID CustomerID, businessID BusinessID) (*Enrollment, error)

	// AddPoints atomically increments the points balance (creating the
	// enrollment if needed) and returns the new balance.
	AddPoints(ctx context.Context, customerID CustomerID, businessID BusinessID, delta decimal.Decimal) (decimal.Decimal, error)

	// SetMultiplier installs a multiplier according to the stacking mode
	// and returns the multiplier state now in effect.
	SetMultiplier(ctx context.Context, customerID CustomerID, businessID BusinessID, value decimal.Decimal, expiresAt time.Time, mode StackingMode) (decimal.Decimal, *time.Time, error)

	// UnlockReward marks a reward unlocked. Idempotent: returns false when
	// the reward was already unlocked, never an error for re-grants.
	UnlockReward(ctx context.Context, customerID CustomerID, businessID BusinessID, rewardID string) (bool, error)

	// AddTag adds a tag to the customer's tag set. Set semantics: returns
	// false when the tag was already present.
	AddTag(ctx context.Context, customerID CustomerID, businessID BusinessID, tag string) (bool, error)

	// RecordVisit increments the enrollment's visit counter and returns
	// the new count.
	RecordVisit(ctx context.Context, customerID CustomerID, businessID BusinessID) (int, error)

	// RecordSpend adds a purchase amount to cumulative spend and returns
	// the new total.
	RecordSpend(ctx context.Context, customerID CustomerID, businessID BusinessID, amount decimal.Decimal) (decimal.Decimal, error)
}

// =============================================================================
// CHOICE STORE - Pending choice lifecycle
// =============================================================================

// ClaimRecord carries the claim fields written together with the
// pending -> claimed transition.
type ClaimRecord struct {
	GroupIndex int
	LocationID *LocationID
	At         time.Time
}

type ChoiceStore interface {
	// CreateChoice persists a new pending choice.
	CreateChoice(ctx context.Context, choice PendingChoice) error

	// GetChoice returns a choice by id, or nil when absent.
	GetChoice(ctx context.Context, id ChoiceID) (*PendingChoice, error)

	// ListPendingChoices returns all pending, non-expired choices for a
	// customer at a business, oldest first.
	ListPendingChoices(ctx context.Context, customerID CustomerID, businessID BusinessID, now time.Time) ([]PendingChoice, error)

	// TransitionChoice atomically moves a choice from 'pending' to the
	// given terminal status. claim must be non-nil iff to == ChoiceClaimed.
	// Returns false when the choice was not pending (lost race or already
	// terminal) - compare-and-swap semantics.
	TransitionChoice(ctx context.Context, id ChoiceID, to ChoiceStatus, claim *ClaimRecord) (bool, error)

	// SetAwardsGiven materializes the applied results onto a claimed
	// choice. Called within the same transaction as the claim transition.
	SetAwardsGiven(ctx context.Context, id ChoiceID, results []AppliedAward) error

	// ExpireDue flips every pending choice past its expires_at to
	// 'expired' and returns how many were flipped. Advisory cleanup:
	// claims re-validate expiry independently.
	ExpireDue(ctx context.Context, now time.Time) (int, error)
}

// =============================================================================
// AWARD LOG - Idempotency record for applied award batches
// =============================================================================

type AwardLog interface {
	// GetApplied returns the recorded results for a source key, if any.
	GetApplied(ctx context.Context, sourceKey string) ([]AppliedAward, bool, error)

	// RecordApplied stores the results under the source key. Fails if the
	// key already exists.
	RecordApplied(ctx context.Context, sourceKey string, customerID CustomerID, businessID BusinessID, results []AppliedAward) error
}

// =============================================================================
// STORE - Everything the engine needs, plus transactions
// =============================================================================

// Store is the full persistence surface. WithTx executes fn atomically:
// if fn returns an error every write inside it is rolled back. The claim
// path (transition + award application + awards_given) runs inside one
// WithTx so no partial award application is ever visible.
type Store interface {
	RuleStore
	EnrollmentStore
	ChoiceStore
	AwardLog

	WithTx(ctx context.Context, fn func(Store) error) error
}
