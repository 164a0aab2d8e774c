/*
plan.go - Award plan expansion

PURPOSE:
  Expands a matched rule's award template into an AwardPlan: the concrete
  set of award groups the customer will receive or choose among.

POLICY:
  1 group  -> immediate: handed straight to the applier, no choice record
  2+ groups -> deferred: a PendingChoice is created with status 'pending'
  0 groups -> no-op: logged as a configuration warning, nothing created

SEE ALSO:
  - evaluate.go: Produces the matches fed here
  - engine.go: Applies the immediate/deferred policy
*/
package loyalty

import (
	"time"

	"github.com/google/uuid"
)

// BuildPlan expands the rule's award template for one match. Per-location
// variants in the template each become one group tagged with its
// location; a template with a single variant yields exactly one group.
func BuildPlan(rule Rule, match RuleMatch) AwardPlan {
	groups := make([]AwardGroup, 0, len(rule.Groups))
	for _, g := range rule.Groups {
		awards := make([]Award, len(g.Awards))
		copy(awards, g.Awards)
		groups = append(groups, AwardGroup{LocationID: g.LocationID, Awards: awards})
	}
	return AwardPlan{Groups: groups}
}

// ValidatePlan rejects templates whose awards are malformed. Misconfigured
// templates are skipped by the engine the same way bad conditions are.
func ValidatePlan(rule Rule, plan AwardPlan) error {
	for _, g := range plan.Groups {
		if len(g.Awards) == 0 {
			return &RuleConfigError{RuleID: rule.ID, Reason: "award group has no awards"}
		}
		for _, a := range g.Awards {
			if err := a.Validate(); err != nil {
				return &RuleConfigError{RuleID: rule.ID, Reason: err.Error()}
			}
		}
	}
	return nil
}

// NewPendingChoice constructs the durable record for a deferred plan.
// expires_at is now + the rule's choice window, or nil for "never
// expires" when the rule has no window configured.
func NewPendingChoice(match RuleMatch, plan AwardPlan, now time.Time) PendingChoice {
	choice := PendingChoice{
		ID:            ChoiceID(uuid.NewString()),
		CustomerID:    match.Trigger.CustomerID,
		BusinessID:    match.Trigger.BusinessID,
		RuleID:        match.Rule.ID,
		RuleTriggerID: match.RuleTrigger.ID,
		RuleName:      match.Rule.Name,
		RuleIcon:      match.Rule.Icon,
		Options:       plan.Groups,
		Status:        ChoicePending,
		CreatedAt:     now,
	}
	if match.Rule.ChoiceWindow != nil {
		at := now.Add(*match.Rule.ChoiceWindow)
		choice.ExpiresAt = &at
	}
	return choice
}
