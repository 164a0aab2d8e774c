/*
Package loyalty provides the award resolution and pending-choice claim engine.

PURPOSE:
  This package contains the core types and algorithms for a multi-tenant
  loyalty platform: rules fire on trigger events (visits, spend, voyage
  steps, milestones), expand into award plans, and either grant awards
  immediately or park them as a pending choice the customer must claim.

KEY CONCEPTS IN THIS FILE (types.go):
  - TriggerEvent: An incoming business event that may satisfy rules
  - Rule/Conditions: Configured condition-to-award mappings per business
  - Award/AwardGroup/AwardPlan: Typed effects, bundled into mutually
    exclusive alternatives
  - PendingChoice: A durable record of an unresolved multi-group award
  - Enrollment: The customer's per-business loyalty state
  - AppliedAward: The materialized result of granting one award

DESIGN PRINCIPLES:
  1. Exactly-once: every award is granted exactly once, enforced by
     compare-and-swap claim transitions and an applied-award log
  2. Precision: uses decimal.Decimal for points and multipliers
  3. Type Safety: strong typing for customer/business/rule/choice IDs
  4. Auditability: pending choices are never deleted; claims record the
     chosen group, location, timestamp, and materialized results

USAGE:
  engine := loyalty.New(store, loyalty.Config{}, notifier)
  result, err := engine.RecordTrigger(ctx, loyalty.TriggerEvent{
      ID:         "evt-123",
      Kind:       loyalty.TriggerVisit,
      CustomerID: "cust-1",
      BusinessID: "biz-1",
  })

SEE ALSO:
  - evaluate.go: Rule matching against trigger events
  - plan.go: Award plan expansion
  - apply.go: Award application to enrollments
  - engine.go: The engine tying it all together
  - store.go: Persistence interfaces
*/
package loyalty

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type CustomerID string
type BusinessID string
type RuleID string
type ChoiceID string
type LocationID string

// =============================================================================
// TRIGGER EVENTS
// =============================================================================

// TriggerKind identifies what kind of business event occurred.
type TriggerKind string

const (
	TriggerVisit          TriggerKind = "visit"
	TriggerSpendThreshold TriggerKind = "spend_threshold"
	TriggerVoyageStep     TriggerKind = "voyage_step"
	TriggerMilestone      TriggerKind = "milestone"
)

// KnownTriggerKind reports whether k is one of the defined trigger kinds.
func KnownTriggerKind(k TriggerKind) bool {
	switch k {
	case TriggerVisit, TriggerSpendThreshold, TriggerVoyageStep, TriggerMilestone:
		return true
	}
	return false
}

// TriggerEvent is an incoming event emitted by a collaborator (visit
// recording, spend recording, voyage progression) after its own state is
// persisted. The ID must be unique per event; it anchors idempotency keys
// for everything the event causes.
type TriggerEvent struct {
	ID         string
	Kind       TriggerKind
	CustomerID CustomerID
	BusinessID BusinessID

	// Amount is the numeric payload (spend amount for spend_threshold,
	// zero otherwise).
	Amount decimal.Decimal

	// Contextual ids for voyage_step and milestone triggers.
	VoyageID string
	StepID   string

	OccurredAt time.Time
}

// =============================================================================
// AWARDS - Typed effects, grouped into mutually exclusive alternatives
// =============================================================================

// AwardKind discriminates the Award variant. The applier switches
// exhaustively over these; an unknown kind is a configuration error.
type AwardKind string

const (
	AwardBonusPoints  AwardKind = "bonus_points"
	AwardMultiplier   AwardKind = "multiplier"
	AwardUnlockReward AwardKind = "unlock_reward"
	AwardApplyTag     AwardKind = "apply_tag"
)

// Award is a single typed effect. Exactly the fields for its Kind are
// meaningful; the rest stay zero. Awards within one group are granted
// together.
type Award struct {
	Kind AwardKind `json:"kind"`

	// bonus_points
	Points decimal.Decimal `json:"points,omitempty"`

	// multiplier
	Multiplier      decimal.Decimal `json:"multiplier,omitempty"`
	DurationSeconds int64           `json:"duration_seconds,omitempty"`

	// unlock_reward
	RewardID string `json:"reward_id,omitempty"`

	// apply_tag
	Tag string `json:"tag,omitempty"`
}

func BonusPoints(points float64) Award {
	return Award{Kind: AwardBonusPoints, Points: decimal.NewFromFloat(points)}
}

func Multiplier(value float64, duration time.Duration) Award {
	return Award{
		Kind:            AwardMultiplier,
		Multiplier:      decimal.NewFromFloat(value),
		DurationSeconds: int64(duration / time.Second),
	}
}

func UnlockReward(rewardID string) Award {
	return Award{Kind: AwardUnlockReward, RewardID: rewardID}
}

func ApplyTag(tag string) Award {
	return Award{Kind: AwardApplyTag, Tag: tag}
}

// Duration returns the multiplier duration for multiplier awards.
func (a Award) Duration() time.Duration {
	return time.Duration(a.DurationSeconds) * time.Second
}

// Validate checks the award is well-formed for its kind.
func (a Award) Validate() error {
	switch a.Kind {
	case AwardBonusPoints:
		if !a.Points.IsPositive() {
			return &RuleConfigError{Reason: "bonus_points award requires a positive points value"}
		}
	case AwardMultiplier:
		if !a.Multiplier.IsPositive() {
			return &RuleConfigError{Reason: "multiplier award requires a positive multiplier value"}
		}
		if a.DurationSeconds <= 0 {
			return &RuleConfigError{Reason: "multiplier award requires a positive duration"}
		}
	case AwardUnlockReward:
		if a.RewardID == "" {
			return &RuleConfigError{Reason: "unlock_reward award requires a reward_id"}
		}
	case AwardApplyTag:
		if a.Tag == "" {
			return &RuleConfigError{Reason: "apply_tag award requires a tag"}
		}
	default:
		return &RuleConfigError{Reason: "unknown award kind: " + string(a.Kind)}
	}
	return nil
}

// AwardGroup is one alternative within a plan: an ordered list of awards,
// optionally tied to a location. A nil LocationID means "any location".
type AwardGroup struct {
	LocationID *LocationID `json:"location_id,omitempty"`
	Awards     []Award     `json:"awards"`
}

// AwardPlan is the expansion of a rule's award template for one match.
// One group means the plan is awarded immediately; two or more mean the
// customer must choose.
type AwardPlan struct {
	Groups []AwardGroup `json:"groups"`
}

// Immediate reports whether the plan can be applied without a choice.
func (p AwardPlan) Immediate() bool { return len(p.Groups) == 1 }

// Empty reports whether the plan grants nothing (misconfigured template).
func (p AwardPlan) Empty() bool { return len(p.Groups) == 0 }

// =============================================================================
// RULES
// =============================================================================

// Conditions is the structured predicate a trigger must satisfy. Fields
// are optional; a zero Conditions matches every trigger of the rule's
// kind. Predicate fields read either the trigger payload or the
// enrollment snapshot.
type Conditions struct {
	// MinAmount: trigger payload amount must be >= this (spend_threshold).
	MinAmount *decimal.Decimal `json:"min_amount,omitempty"`

	// MinTotalSpend: enrollment cumulative spend must be >= this.
	MinTotalSpend *decimal.Decimal `json:"min_total_spend,omitempty"`

	// MinVisits: enrollment visit count must be >= this.
	MinVisits *int `json:"min_visits,omitempty"`

	// VoyageID/StepID: the trigger must carry these context ids
	// (voyage_step and milestone triggers).
	VoyageID string `json:"voyage_id,omitempty"`
	StepID   string `json:"step_id,omitempty"`

	// RequiredTag: enrollment must already carry this tag.
	RequiredTag string `json:"required_tag,omitempty"`
}

// Validate rejects malformed predicates. Evaluation treats a validation
// failure as a configuration error: the rule is skipped, never fatal.
func (c Conditions) Validate() error {
	if c.MinAmount != nil && c.MinAmount.IsNegative() {
		return &RuleConfigError{Reason: "min_amount must not be negative"}
	}
	if c.MinTotalSpend != nil && c.MinTotalSpend.IsNegative() {
		return &RuleConfigError{Reason: "min_total_spend must not be negative"}
	}
	if c.MinVisits != nil && *c.MinVisits < 0 {
		return &RuleConfigError{Reason: "min_visits must not be negative"}
	}
	return nil
}

// Rule is a configured condition-to-award mapping for a business.
// Immutable during evaluation; owned by the configuration collaborator.
type Rule struct {
	ID         RuleID
	BusinessID BusinessID
	Name       string
	Icon       string
	Trigger    TriggerKind
	Conditions Conditions

	// Groups is the award template. One group -> immediate award,
	// several -> pending choice.
	Groups []AwardGroup

	// ChoiceWindow is how long a pending choice stays claimable.
	// Nil means the choice never expires.
	ChoiceWindow *time.Duration

	Active bool
}

// RuleTrigger pins a rule match to its specific context (which voyage
// step, which milestone). Recorded on pending choices for traceability.
type RuleTrigger struct {
	ID       string
	RuleID   RuleID
	VoyageID string
	StepID   string
}

// RuleMatch pairs a matched rule with the trigger context it matched in.
type RuleMatch struct {
	Rule        Rule
	Trigger     TriggerEvent
	RuleTrigger RuleTrigger
}

// =============================================================================
// PENDING CHOICES - Deferred multi-group awards awaiting a claim
// =============================================================================

type ChoiceStatus string

const (
	ChoicePending   ChoiceStatus = "pending"
	ChoiceClaimed   ChoiceStatus = "claimed"
	ChoiceExpired   ChoiceStatus = "expired"
	ChoiceCancelled ChoiceStatus = "cancelled"
)

// Terminal reports whether the status permits no further transition.
func (s ChoiceStatus) Terminal() bool { return s != ChoicePending }

// PendingChoice is a durable record of an unresolved multi-group award.
//
// INVARIANTS:
//   - status=claimed <=> ClaimedGroupIndex is a valid index into Options
//     AND AwardsGiven is non-nil AND ClaimedAt is set
//   - status=pending <=> all claim fields are nil
//   - exactly one terminal transition per record
//     (pending -> claimed | expired | cancelled), never out of a terminal
//   - never deleted (kept for audit)
type PendingChoice struct {
	ID            ChoiceID
	CustomerID    CustomerID
	BusinessID    BusinessID
	RuleID        RuleID
	RuleTriggerID string
	RuleName      string
	RuleIcon      string

	Options []AwardGroup
	Status  ChoiceStatus

	ClaimedGroupIndex *int
	ClaimedLocationID *LocationID
	ClaimedAt         *time.Time
	AwardsGiven       []AppliedAward

	CreatedAt time.Time
	ExpiresAt *time.Time
}

// ExpiredAt reports whether the choice's window has elapsed as of now.
// A nil ExpiresAt never expires.
func (c *PendingChoice) ExpiredAt(now time.Time) bool {
	return c.ExpiresAt != nil && now.After(*c.ExpiresAt)
}

// =============================================================================
// ENROLLMENT - The customer's per-business loyalty state
// =============================================================================

// Enrollment is the customer-business relationship: the target of all
// award effects and the snapshot the evaluator reads. Mutated only
// through the Applier's single entry point; Version increments on each
// write so lost updates are detectable.
type Enrollment struct {
	CustomerID CustomerID
	BusinessID BusinessID

	PointsBalance decimal.Decimal

	// Multiplier is the active points multiplier (1 when none is active).
	Multiplier          decimal.Decimal
	MultiplierExpiresAt *time.Time

	TotalEarned decimal.Decimal
	TotalSpent  decimal.Decimal
	VisitCount  int
	Tags        []string

	Version int64
}

// ActiveMultiplier returns the multiplier in effect at now, falling back
// to 1 when none is set or the active one has expired.
func (e *Enrollment) ActiveMultiplier(now time.Time) decimal.Decimal {
	if e == nil || e.Multiplier.IsZero() {
		return decimal.NewFromInt(1)
	}
	if e.MultiplierExpiresAt != nil && now.After(*e.MultiplierExpiresAt) {
		return decimal.NewFromInt(1)
	}
	return e.Multiplier
}

// HasTag reports whether the enrollment carries the given tag.
func (e *Enrollment) HasTag(tag string) bool {
	if e == nil {
		return false
	}
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// =============================================================================
// RESULTS
// =============================================================================

// AppliedAward is the materialized outcome of granting one award. It is
// what gets persisted into a claimed choice's awards_given column and
// returned to the triggering caller for its "loot drop" display.
type AppliedAward struct {
	Kind AwardKind `json:"kind"`

	// bonus_points
	Points     decimal.Decimal `json:"points,omitempty"`
	NewBalance decimal.Decimal `json:"new_balance,omitempty"`

	// multiplier
	Multiplier          decimal.Decimal `json:"multiplier,omitempty"`
	MultiplierExpiresAt *time.Time      `json:"multiplier_expires_at,omitempty"`

	// unlock_reward
	RewardID        string `json:"reward_id,omitempty"`
	AlreadyUnlocked bool   `json:"already_unlocked,omitempty"`

	// apply_tag
	Tag           string `json:"tag,omitempty"`
	AlreadyTagged bool   `json:"already_tagged,omitempty"`
}

// TriggerOutcome is what one matched rule produced for a trigger: either
// immediately applied awards or a pending choice, never both.
type TriggerOutcome struct {
	RuleID   RuleID
	RuleName string

	Immediate []AppliedAward
	Choice    *PendingChoice
}

// TriggerResult is everything a trigger event produced across all
// matching rules.
type TriggerResult struct {
	TriggerID string
	Outcomes  []TriggerOutcome
}
