/*
evaluate.go - Trigger evaluation: which rules does an event satisfy?

PURPOSE:
  Pure rule matching. Given a trigger event and an enrollment snapshot,
  selects the active rules whose trigger kind matches and whose condition
  predicate holds.

FAIL-OPEN CONTRACT:
  A malformed rule never blocks sibling rules or the triggering business
  event. Bad conditions are logged as configuration warnings and the
  offending rule is skipped.

PURITY:
  Evaluation has no side effects and reads no shared mutable state: it is
  a pure function over (trigger, snapshot, rules). Multiple matching
  rules are independent; evaluation order does not affect correctness.

SEE ALSO:
  - plan.go: Expands matched rules into award plans
  - engine.go: Feeds the evaluator and processes matches
*/
package loyalty

import (
	"fmt"
	"log"
)

// Evaluate returns the rules the trigger satisfies, each paired with its
// match context. rules should be the active rules for the trigger's
// business and kind; mismatched entries are ignored.
func Evaluate(trigger TriggerEvent, snapshot *Enrollment, rules []Rule) []RuleMatch {
	var matches []RuleMatch
	for _, rule := range rules {
		if !rule.Active || rule.Trigger != trigger.Kind || rule.BusinessID != trigger.BusinessID {
			continue
		}

		ok, err := Matches(rule, trigger, snapshot)
		if err != nil {
			// Fail-open: one bad rule never blocks the others.
			log.Printf("[Evaluate] Skipping rule %s: %v", rule.ID, err)
			continue
		}
		if !ok {
			continue
		}

		matches = append(matches, RuleMatch{
			Rule:    rule,
			Trigger: trigger,
			RuleTrigger: RuleTrigger{
				ID:       ruleTriggerID(rule.ID, trigger),
				RuleID:   rule.ID,
				VoyageID: trigger.VoyageID,
				StepID:   trigger.StepID,
			},
		})
	}
	return matches
}

// Matches evaluates one rule's condition predicate against the trigger
// payload and the enrollment snapshot. Returns an error only for
// malformed conditions.
func Matches(rule Rule, trigger TriggerEvent, snapshot *Enrollment) (bool, error) {
	c := rule.Conditions
	if err := c.Validate(); err != nil {
		return false, &RuleConfigError{RuleID: rule.ID, Reason: err.Error()}
	}

	if c.MinAmount != nil && trigger.Amount.LessThan(*c.MinAmount) {
		return false, nil
	}
	if c.VoyageID != "" && c.VoyageID != trigger.VoyageID {
		return false, nil
	}
	if c.StepID != "" && c.StepID != trigger.StepID {
		return false, nil
	}

	// Snapshot-based conditions. A missing enrollment reads as zero state.
	if c.MinTotalSpend != nil {
		if snapshot == nil || snapshot.TotalSpent.LessThan(*c.MinTotalSpend) {
			return false, nil
		}
	}
	if c.MinVisits != nil {
		if snapshot == nil || snapshot.VisitCount < *c.MinVisits {
			return false, nil
		}
	}
	if c.RequiredTag != "" && !snapshot.HasTag(c.RequiredTag) {
		return false, nil
	}

	return true, nil
}

// ruleTriggerID derives a stable id for the specific trigger context a
// rule matched in, so pending choices stay traceable to their cause.
func ruleTriggerID(ruleID RuleID, trigger TriggerEvent) string {
	if trigger.VoyageID != "" || trigger.StepID != "" {
		return fmt.Sprintf("%s/%s/%s:%s", ruleID, trigger.Kind, trigger.VoyageID, trigger.StepID)
	}
	return fmt.Sprintf("%s/%s", ruleID, trigger.Kind)
}
