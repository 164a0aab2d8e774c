/*
Package factory provides JSON to Go rule conversion.

PURPOSE:
  Converts JSON rule definitions into loyalty.Rule objects. This enables
  rule configuration without code changes - business operators can define
  rules in JSON, and the factory creates the proper Go structs.

WHY JSON?
  - Non-developers can modify rules
  - Easy integration with admin UI
  - Version control for rule definitions
  - Database storage of rule configs

JSON SCHEMA:
  {
    "id": "punch-card-10",
    "business_id": "biz-1",
    "name": "10th Visit Reward",
    "trigger": "visit",
    "conditions": {
      "min_visits": 10
    },
    "groups": [
      {"awards": [{"kind": "bonus_points", "points": "100"}]},
      {"awards": [{"kind": "unlock_reward", "reward_id": "free-coffee"}]}
    ],
    "choice_window_seconds": 604800,
    "active": true
  }

KEY FEATURES:
  - Validates JSON structure and award template shape
  - Sets sensible defaults (active true, no choice window)
  - Round-trips rules back to JSON for the admin API

USAGE:
  factory := NewRuleFactory()

  // From JSON string
  rule, err := factory.ParseRule(jsonString)

  // From a preset template (recommended)
  jsonStr := factory.PunchCardJSON("punch-card-10", "biz-1", 10, 100, "free-coffee")
  rule, err := factory.ParseRule(jsonStr)

SEE ALSO:
  - loyalty/types.go: Rule type definition
  - loyalty/plan.go: Award template validation
*/
package factory

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/voyageworks/loyalty-engine/loyalty"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// RuleJSON is the JSON representation of a rule.
type RuleJSON struct {
	ID                  string             `json:"id"`
	BusinessID          string             `json:"business_id"`
	Name                string             `json:"name"`
	Icon                string             `json:"icon,omitempty"`
	Trigger             string             `json:"trigger"`
	Conditions          *ConditionsJSON    `json:"conditions,omitempty"`
	Groups              []AwardGroupJSON   `json:"groups"`
	ChoiceWindowSeconds *int64             `json:"choice_window_seconds,omitempty"`
	Active              *bool              `json:"active,omitempty"` // Default true
}

// ConditionsJSON represents the rule's structured predicate.
type ConditionsJSON struct {
	MinAmount     *float64 `json:"min_amount,omitempty"`
	MinTotalSpend *float64 `json:"min_total_spend,omitempty"`
	MinVisits     *int     `json:"min_visits,omitempty"`
	VoyageID      string   `json:"voyage_id,omitempty"`
	StepID        string   `json:"step_id,omitempty"`
	RequiredTag   string   `json:"required_tag,omitempty"`
}

// AwardGroupJSON represents one alternative in the award template.
type AwardGroupJSON struct {
	LocationID string      `json:"location_id,omitempty"`
	Awards     []AwardJSON `json:"awards"`
}

// AwardJSON represents a single typed award effect.
type AwardJSON struct {
	Kind            string  `json:"kind"` // bonus_points, multiplier, unlock_reward, apply_tag
	Points          float64 `json:"points,omitempty"`
	Multiplier      float64 `json:"multiplier,omitempty"`
	DurationSeconds int64   `json:"duration_seconds,omitempty"`
	RewardID        string  `json:"reward_id,omitempty"`
	Tag             string  `json:"tag,omitempty"`
}

// =============================================================================
// RULE FACTORY
// =============================================================================

// RuleFactory converts JSON rules to Go structs.
type RuleFactory struct{}

// NewRuleFactory creates a new rule factory.
func NewRuleFactory() *RuleFactory {
	return &RuleFactory{}
}

// ParseRule parses a JSON string into a Rule.
func (f *RuleFactory) ParseRule(jsonStr string) (*loyalty.Rule, error) {
	var rj RuleJSON
	if err := json.Unmarshal([]byte(jsonStr), &rj); err != nil {
		return nil, fmt.Errorf("failed to parse rule JSON: %w", err)
	}

	return f.FromJSON(rj)
}

// FromJSON converts RuleJSON to loyalty.Rule, validating as it goes.
func (f *RuleFactory) FromJSON(rj RuleJSON) (*loyalty.Rule, error) {
	if rj.ID == "" {
		return nil, fmt.Errorf("rule requires an id")
	}
	if rj.BusinessID == "" {
		return nil, fmt.Errorf("rule %s requires a business_id", rj.ID)
	}

	kind := loyalty.TriggerKind(rj.Trigger)
	if !loyalty.KnownTriggerKind(kind) {
		return nil, fmt.Errorf("rule %s has unknown trigger kind: %s", rj.ID, rj.Trigger)
	}

	rule := &loyalty.Rule{
		ID:         loyalty.RuleID(rj.ID),
		BusinessID: loyalty.BusinessID(rj.BusinessID),
		Name:       rj.Name,
		Icon:       rj.Icon,
		Trigger:    kind,
		Active:     true,
	}
	if rj.Active != nil {
		rule.Active = *rj.Active
	}

	if rj.Conditions != nil {
		rule.Conditions = parseConditions(*rj.Conditions)
	}
	if err := rule.Conditions.Validate(); err != nil {
		return nil, fmt.Errorf("rule %s: %w", rj.ID, err)
	}

	for _, gj := range rj.Groups {
		group, err := parseAwardGroup(gj)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rj.ID, err)
		}
		rule.Groups = append(rule.Groups, group)
	}

	if rj.ChoiceWindowSeconds != nil {
		if *rj.ChoiceWindowSeconds <= 0 {
			return nil, fmt.Errorf("rule %s: choice_window_seconds must be positive", rj.ID)
		}
		d := time.Duration(*rj.ChoiceWindowSeconds) * time.Second
		rule.ChoiceWindow = &d
	}

	if err := loyalty.ValidatePlan(*rule, loyalty.AwardPlan{Groups: rule.Groups}); err != nil {
		return nil, err
	}

	return rule, nil
}

// ToJSON converts a Rule back to its JSON representation.
func (f *RuleFactory) ToJSON(rule *loyalty.Rule) RuleJSON {
	active := rule.Active
	rj := RuleJSON{
		ID:         string(rule.ID),
		BusinessID: string(rule.BusinessID),
		Name:       rule.Name,
		Icon:       rule.Icon,
		Trigger:    string(rule.Trigger),
		Active:     &active,
	}

	if c := conditionsToJSON(rule.Conditions); c != nil {
		rj.Conditions = c
	}

	for _, group := range rule.Groups {
		gj := AwardGroupJSON{}
		if group.LocationID != nil {
			gj.LocationID = string(*group.LocationID)
		}
		for _, award := range group.Awards {
			gj.Awards = append(gj.Awards, awardToJSON(award))
		}
		rj.Groups = append(rj.Groups, gj)
	}

	if rule.ChoiceWindow != nil {
		secs := int64(*rule.ChoiceWindow / time.Second)
		rj.ChoiceWindowSeconds = &secs
	}

	return rj
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseConditions(cj ConditionsJSON) loyalty.Conditions {
	c := loyalty.Conditions{
		VoyageID:    cj.VoyageID,
		StepID:      cj.StepID,
		RequiredTag: cj.RequiredTag,
		MinVisits:   cj.MinVisits,
	}
	if cj.MinAmount != nil {
		d := decimal.NewFromFloat(*cj.MinAmount)
		c.MinAmount = &d
	}
	if cj.MinTotalSpend != nil {
		d := decimal.NewFromFloat(*cj.MinTotalSpend)
		c.MinTotalSpend = &d
	}
	return c
}

func conditionsToJSON(c loyalty.Conditions) *ConditionsJSON {
	cj := ConditionsJSON{
		VoyageID:    c.VoyageID,
		StepID:      c.StepID,
		RequiredTag: c.RequiredTag,
		MinVisits:   c.MinVisits,
	}
	empty := c.MinVisits == nil && c.VoyageID == "" && c.StepID == "" && c.RequiredTag == ""
	if c.MinAmount != nil {
		v, _ := c.MinAmount.Float64()
		cj.MinAmount = &v
		empty = false
	}
	if c.MinTotalSpend != nil {
		v, _ := c.MinTotalSpend.Float64()
		cj.MinTotalSpend = &v
		empty = false
	}
	if empty {
		return nil
	}
	return &cj
}

func parseAwardGroup(gj AwardGroupJSON) (loyalty.AwardGroup, error) {
	group := loyalty.AwardGroup{}
	if gj.LocationID != "" {
		loc := loyalty.LocationID(gj.LocationID)
		group.LocationID = &loc
	}

	for _, aj := range gj.Awards {
		award, err := parseAward(aj)
		if err != nil {
			return group, err
		}
		group.Awards = append(group.Awards, award)
	}
	return group, nil
}

func parseAward(aj AwardJSON) (loyalty.Award, error) {
	var award loyalty.Award

	switch loyalty.AwardKind(aj.Kind) {
	case loyalty.AwardBonusPoints:
		award = loyalty.BonusPoints(aj.Points)
	case loyalty.AwardMultiplier:
		award = loyalty.Multiplier(aj.Multiplier, time.Duration(aj.DurationSeconds)*time.Second)
	case loyalty.AwardUnlockReward:
		award = loyalty.UnlockReward(aj.RewardID)
	case loyalty.AwardApplyTag:
		award = loyalty.ApplyTag(aj.Tag)
	default:
		return award, fmt.Errorf("unknown award kind: %s", aj.Kind)
	}

	if err := award.Validate(); err != nil {
		return award, err
	}
	return award, nil
}

func awardToJSON(a loyalty.Award) AwardJSON {
	aj := AwardJSON{Kind: string(a.Kind)}
	switch a.Kind {
	case loyalty.AwardBonusPoints:
		aj.Points, _ = a.Points.Float64()
	case loyalty.AwardMultiplier:
		aj.Multiplier, _ = a.Multiplier.Float64()
		aj.DurationSeconds = a.DurationSeconds
	case loyalty.AwardUnlockReward:
		aj.RewardID = a.RewardID
	case loyalty.AwardApplyTag:
		aj.Tag = a.Tag
	}
	return aj
}

// =============================================================================
// PRESET TEMPLATES
// =============================================================================
//
// Common rule shapes as ready-to-parse JSON. Each returns a string so
// presets flow through the same parser (and the same validation) as
// operator-supplied JSON.

// PunchCardJSON builds a "Nth visit" rule that lets the customer pick
// between bonus points and a free reward. A 7-day claim window.
func (f *RuleFactory) PunchCardJSON(id, businessID string, visits int, points float64, rewardID string) string {
	rj := RuleJSON{
		ID:         id,
		BusinessID: businessID,
		Name:       fmt.Sprintf("Visit %d Reward", visits),
		Trigger:    string(loyalty.TriggerVisit),
		Conditions: &ConditionsJSON{MinVisits: &visits},
		Groups: []AwardGroupJSON{
			{Awards: []AwardJSON{{Kind: string(loyalty.AwardBonusPoints), Points: points}}},
			{Awards: []AwardJSON{{Kind: string(loyalty.AwardUnlockReward), RewardID: rewardID}}},
		},
	}
	window := int64((7 * 24 * time.Hour) / time.Second)
	rj.ChoiceWindowSeconds = &window
	return mustMarshal(rj)
}

// SpendTierJSON builds a "big purchase" rule: a purchase at or above
// minAmount grants bonus points plus a temporary multiplier, immediately.
func (f *RuleFactory) SpendTierJSON(id, businessID string, minAmount, points, multiplier float64, multiplierDays int) string {
	rj := RuleJSON{
		ID:         id,
		BusinessID: businessID,
		Name:       fmt.Sprintf("Big Spender (%.0f+)", minAmount),
		Trigger:    string(loyalty.TriggerSpendThreshold),
		Conditions: &ConditionsJSON{MinAmount: &minAmount},
		Groups: []AwardGroupJSON{
			{Awards: []AwardJSON{
				{Kind: string(loyalty.AwardBonusPoints), Points: points},
				{Kind: string(loyalty.AwardMultiplier), Multiplier: multiplier,
					DurationSeconds: int64(time.Duration(multiplierDays) * 24 * time.Hour / time.Second)},
			}},
		},
	}
	return mustMarshal(rj)
}

// VoyageFinisherJSON builds a rule that fires when a customer completes
// a specific voyage step, tagging them and unlocking a reward.
func (f *RuleFactory) VoyageFinisherJSON(id, businessID, voyageID, stepID, tag, rewardID string) string {
	rj := RuleJSON{
		ID:         id,
		BusinessID: businessID,
		Name:       "Voyage Finisher",
		Trigger:    string(loyalty.TriggerVoyageStep),
		Conditions: &ConditionsJSON{VoyageID: voyageID, StepID: stepID},
		Groups: []AwardGroupJSON{
			{Awards: []AwardJSON{
				{Kind: string(loyalty.AwardApplyTag), Tag: tag},
				{Kind: string(loyalty.AwardUnlockReward), RewardID: rewardID},
			}},
		},
	}
	return mustMarshal(rj)
}

// MilestoneChooserJSON builds a milestone rule offering a three-way
// choice: points, a multiplier, or a reward. No claim deadline.
func (f *RuleFactory) MilestoneChooserJSON(id, businessID, stepID string, points, multiplier float64, rewardID string) string {
	rj := RuleJSON{
		ID:         id,
		BusinessID: businessID,
		Name:       "Milestone Reward",
		Trigger:    string(loyalty.TriggerMilestone),
		Conditions: &ConditionsJSON{StepID: stepID},
		Groups: []AwardGroupJSON{
			{Awards: []AwardJSON{{Kind: string(loyalty.AwardBonusPoints), Points: points}}},
			{Awards: []AwardJSON{{Kind: string(loyalty.AwardMultiplier), Multiplier: multiplier,
				DurationSeconds: int64(30 * 24 * time.Hour / time.Second)}}},
			{Awards: []AwardJSON{{Kind: string(loyalty.AwardUnlockReward), RewardID: rewardID}}},
		},
	}
	return mustMarshal(rj)
}

func mustMarshal(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err) // preset templates are static shapes; marshal cannot fail
	}
	return string(b)
}
