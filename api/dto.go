/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Triggers:
    TriggerRequest, TriggerResponseDTO, OutcomeDTO

  Choices:
    ChoiceDTO, ClaimRequest, AppliedAwardDTO

  Enrollment:
    EnrollmentDTO

  Rules:
    RuleDTO (wraps factory.RuleJSON)

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/rule.go: RuleJSON type
*/
package api

import (
	"time"

	"github.com/voyageworks/loyalty-engine/factory"
	"github.com/voyageworks/loyalty-engine/loyalty"
)

// =============================================================================
// TRIGGER TYPES
// =============================================================================

// TriggerRequest is the request to record a trigger event.
type TriggerRequest struct {
	EventID    string  `json:"event_id"`
	Kind       string  `json:"kind"`
	CustomerID string  `json:"customer_id"`
	BusinessID string  `json:"business_id"`
	Amount     float64 `json:"amount,omitempty"`
	VoyageID   string  `json:"voyage_id,omitempty"`
	StepID     string  `json:"step_id,omitempty"`
	OccurredAt string  `json:"occurred_at,omitempty"` // RFC3339, defaults to now
}

// TriggerResponseDTO is everything a trigger produced.
type TriggerResponseDTO struct {
	TriggerID string       `json:"trigger_id"`
	Outcomes  []OutcomeDTO `json:"outcomes"`
}

// OutcomeDTO is what one matched rule produced: immediate awards or a
// pending choice, never both.
type OutcomeDTO struct {
	RuleID    string            `json:"rule_id"`
	RuleName  string            `json:"rule_name"`
	Immediate []AppliedAwardDTO `json:"immediate,omitempty"`
	Choice    *ChoiceDTO        `json:"choice,omitempty"`
}

// =============================================================================
// CHOICE TYPES
// =============================================================================

// ChoiceDTO represents a pending (or settled) award choice.
type ChoiceDTO struct {
	ID         string               `json:"id"`
	CustomerID string               `json:"customer_id"`
	BusinessID string               `json:"business_id"`
	RuleID     string               `json:"rule_id"`
	RuleName   string               `json:"rule_name,omitempty"`
	RuleIcon   string               `json:"rule_icon,omitempty"`
	Options    []loyalty.AwardGroup `json:"options"`
	Status     string               `json:"status"`

	ClaimedGroupIndex *int              `json:"claimed_group_index,omitempty"`
	ClaimedAt         string            `json:"claimed_at,omitempty"`
	AwardsGiven       []AppliedAwardDTO `json:"awards_given,omitempty"`

	CreatedAt string `json:"created_at"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

// ClaimRequest is the request to claim a pending choice.
type ClaimRequest struct {
	CustomerID string `json:"customer_id"`
	GroupIndex int    `json:"group_index"`
}

// ClaimResponseDTO confirms a resolved claim.
type ClaimResponseDTO struct {
	ChoiceID    string            `json:"choice_id"`
	AwardsGiven []AppliedAwardDTO `json:"awards_given"`
}

// AppliedAwardDTO is the materialized outcome of one granted award.
// Decimal values are serialized as strings to avoid float drift.
type AppliedAwardDTO struct {
	Kind string `json:"kind"`

	Points     string `json:"points,omitempty"`
	NewBalance string `json:"new_balance,omitempty"`

	Multiplier          string `json:"multiplier,omitempty"`
	MultiplierExpiresAt string `json:"multiplier_expires_at,omitempty"`

	RewardID        string `json:"reward_id,omitempty"`
	AlreadyUnlocked bool   `json:"already_unlocked,omitempty"`

	Tag           string `json:"tag,omitempty"`
	AlreadyTagged bool   `json:"already_tagged,omitempty"`
}

// =============================================================================
// ENROLLMENT TYPES
// =============================================================================

// EnrollmentDTO represents the customer's loyalty state at a business.
type EnrollmentDTO struct {
	CustomerID          string   `json:"customer_id"`
	BusinessID          string   `json:"business_id"`
	PointsBalance       string   `json:"points_balance"`
	Multiplier          string   `json:"multiplier"`
	MultiplierExpiresAt string   `json:"multiplier_expires_at,omitempty"`
	TotalEarned         string   `json:"total_earned"`
	TotalSpent          string   `json:"total_spent"`
	VisitCount          int      `json:"visit_count"`
	Tags                []string `json:"tags"`
	UnlockedRewards     []string `json:"unlocked_rewards,omitempty"`
}

// =============================================================================
// RULE TYPES
// =============================================================================

// RuleDTO represents a rule in API responses.
type RuleDTO struct {
	ID     string           `json:"id"`
	Name   string           `json:"name"`
	Config factory.RuleJSON `json:"config"`
}

// CreateRuleRequest is the request to create or update a rule.
type CreateRuleRequest struct {
	Config factory.RuleJSON `json:"config"`
}

// =============================================================================
// MISC
// =============================================================================

// ExpireResponseDTO reports the result of an expiration sweep.
type ExpireResponseDTO struct {
	Expired int    `json:"expired"`
	SweptAt string `json:"swept_at"`
}

// ErrorResponse is the standard error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func toChoiceDTO(c loyalty.PendingChoice) ChoiceDTO {
	dto := ChoiceDTO{
		ID:                string(c.ID),
		CustomerID:        string(c.CustomerID),
		BusinessID:        string(c.BusinessID),
		RuleID:            string(c.RuleID),
		RuleName:          c.RuleName,
		RuleIcon:          c.RuleIcon,
		Options:           c.Options,
		Status:            string(c.Status),
		ClaimedGroupIndex: c.ClaimedGroupIndex,
		CreatedAt:         c.CreatedAt.Format(time.RFC3339),
	}
	if c.ClaimedAt != nil {
		dto.ClaimedAt = c.ClaimedAt.Format(time.RFC3339)
	}
	if c.AwardsGiven != nil {
		dto.AwardsGiven = toAppliedAwardDTOs(c.AwardsGiven)
	}
	if c.ExpiresAt != nil {
		dto.ExpiresAt = c.ExpiresAt.Format(time.RFC3339)
	}
	return dto
}

func toAppliedAwardDTOs(results []loyalty.AppliedAward) []AppliedAwardDTO {
	dtos := make([]AppliedAwardDTO, len(results))
	for i, res := range results {
		dto := AppliedAwardDTO{
			Kind:            string(res.Kind),
			RewardID:        res.RewardID,
			AlreadyUnlocked: res.AlreadyUnlocked,
			Tag:             res.Tag,
			AlreadyTagged:   res.AlreadyTagged,
		}
		switch res.Kind {
		case loyalty.AwardBonusPoints:
			dto.Points = res.Points.String()
			dto.NewBalance = res.NewBalance.String()
		case loyalty.AwardMultiplier:
			dto.Multiplier = res.Multiplier.String()
			if res.MultiplierExpiresAt != nil {
				dto.MultiplierExpiresAt = res.MultiplierExpiresAt.Format(time.RFC3339)
			}
		}
		dtos[i] = dto
	}
	return dtos
}

func toEnrollmentDTO(e *loyalty.Enrollment, rewards []string, now time.Time) EnrollmentDTO {
	dto := EnrollmentDTO{
		CustomerID:      string(e.CustomerID),
		BusinessID:      string(e.BusinessID),
		PointsBalance:   e.PointsBalance.String(),
		Multiplier:      e.ActiveMultiplier(now).String(),
		TotalEarned:     e.TotalEarned.String(),
		TotalSpent:      e.TotalSpent.String(),
		VisitCount:      e.VisitCount,
		Tags:            e.Tags,
		UnlockedRewards: rewards,
	}
	if dto.Tags == nil {
		dto.Tags = []string{}
	}
	if e.MultiplierExpiresAt != nil {
		dto.MultiplierExpiresAt = e.MultiplierExpiresAt.Format(time.RFC3339)
	}
	return dto
}
