package loyalty_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voyageworks/loyalty-engine/loyalty"
)

func intPtr(i int) *int { return &i }

func decPtr(f float64) *decimal.Decimal {
	d := decimal.NewFromFloat(f)
	return &d
}

// =============================================================================
// MATCHING
// =============================================================================

func TestMatches_MinAmount(t *testing.T) {
	rule := loyalty.Rule{
		ID: "r1", BusinessID: "biz-1", Trigger: loyalty.TriggerSpendThreshold,
		Conditions: loyalty.Conditions{MinAmount: decPtr(50)},
		Active:     true,
	}

	below := loyalty.TriggerEvent{Kind: loyalty.TriggerSpendThreshold, Amount: decimal.NewFromInt(49)}
	ok, err := loyalty.Matches(rule, below, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	exact := loyalty.TriggerEvent{Kind: loyalty.TriggerSpendThreshold, Amount: decimal.NewFromInt(50)}
	ok, err = loyalty.Matches(rule, exact, nil)
	require.NoError(t, err)
	assert.True(t, ok, "boundary amount should match (>=)")
}

func TestMatches_SnapshotConditions(t *testing.T) {
	rule := loyalty.Rule{
		ID: "r1", BusinessID: "biz-1", Trigger: loyalty.TriggerVisit,
		Conditions: loyalty.Conditions{
			MinVisits:   intPtr(5),
			RequiredTag: "vip",
		},
		Active: true,
	}
	trigger := loyalty.TriggerEvent{Kind: loyalty.TriggerVisit}

	// Missing enrollment reads as zero state
	ok, err := loyalty.Matches(rule, trigger, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	// Enough visits but missing tag
	ok, err = loyalty.Matches(rule, trigger, &loyalty.Enrollment{VisitCount: 5})
	require.NoError(t, err)
	assert.False(t, ok)

	// Both satisfied
	ok, err = loyalty.Matches(rule, trigger, &loyalty.Enrollment{VisitCount: 5, Tags: []string{"vip"}})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMatches_VoyageContext(t *testing.T) {
	rule := loyalty.Rule{
		ID: "r1", BusinessID: "biz-1", Trigger: loyalty.TriggerVoyageStep,
		Conditions: loyalty.Conditions{VoyageID: "v-1", StepID: "s-3"},
		Active:     true,
	}

	wrongStep := loyalty.TriggerEvent{Kind: loyalty.TriggerVoyageStep, VoyageID: "v-1", StepID: "s-2"}
	ok, err := loyalty.Matches(rule, wrongStep, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	match := loyalty.TriggerEvent{Kind: loyalty.TriggerVoyageStep, VoyageID: "v-1", StepID: "s-3"}
	ok, err = loyalty.Matches(rule, match, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMatches_MalformedConditions_Error(t *testing.T) {
	rule := loyalty.Rule{
		ID: "r1", BusinessID: "biz-1", Trigger: loyalty.TriggerVisit,
		Conditions: loyalty.Conditions{MinVisits: intPtr(-1)},
		Active:     true,
	}

	_, err := loyalty.Matches(rule, loyalty.TriggerEvent{Kind: loyalty.TriggerVisit}, nil)
	assert.ErrorIs(t, err, loyalty.ErrRuleMisconfigured)
}

func TestEvaluate_FiltersKindBusinessAndActive(t *testing.T) {
	// GIVEN: Rules differing in kind, business, and active flag
	// WHEN: A visit trigger for biz-1 is evaluated
	// THEN: Only the matching active visit rule for biz-1 is selected

	trigger := loyalty.TriggerEvent{
		ID: "evt-1", Kind: loyalty.TriggerVisit,
		CustomerID: "cust-1", BusinessID: "biz-1",
	}

	group := []loyalty.AwardGroup{{Awards: []loyalty.Award{loyalty.BonusPoints(1)}}}
	rules := []loyalty.Rule{
		{ID: "match", BusinessID: "biz-1", Trigger: loyalty.TriggerVisit, Groups: group, Active: true},
		{ID: "wrong-kind", BusinessID: "biz-1", Trigger: loyalty.TriggerMilestone, Groups: group, Active: true},
		{ID: "wrong-biz", BusinessID: "biz-2", Trigger: loyalty.TriggerVisit, Groups: group, Active: true},
		{ID: "inactive", BusinessID: "biz-1", Trigger: loyalty.TriggerVisit, Groups: group, Active: false},
	}

	matches := loyalty.Evaluate(trigger, nil, rules)
	require.Len(t, matches, 1)
	assert.Equal(t, loyalty.RuleID("match"), matches[0].Rule.ID)
	assert.Equal(t, trigger, matches[0].Trigger)
	assert.NotEmpty(t, matches[0].RuleTrigger.ID)
}

func TestEvaluate_MultipleIndependentMatches(t *testing.T) {
	trigger := loyalty.TriggerEvent{
		ID: "evt-1", Kind: loyalty.TriggerVisit,
		CustomerID: "cust-1", BusinessID: "biz-1",
	}
	group := []loyalty.AwardGroup{{Awards: []loyalty.Award{loyalty.BonusPoints(1)}}}
	rules := []loyalty.Rule{
		{ID: "a", BusinessID: "biz-1", Trigger: loyalty.TriggerVisit, Groups: group, Active: true},
		{ID: "b", BusinessID: "biz-1", Trigger: loyalty.TriggerVisit, Groups: group, Active: true},
	}

	matches := loyalty.Evaluate(trigger, nil, rules)
	assert.Len(t, matches, 2)
}

// =============================================================================
// PLAN BUILDING
// =============================================================================

func TestBuildPlan_CopiesTemplate(t *testing.T) {
	// GIVEN: A rule template
	// WHEN: A plan is built and then mutated
	// THEN: The rule's template is untouched

	rule := loyalty.Rule{
		ID: "r1", BusinessID: "biz-1", Trigger: loyalty.TriggerVisit,
		Groups: []loyalty.AwardGroup{{Awards: []loyalty.Award{loyalty.BonusPoints(10)}}},
		Active: true,
	}
	match := loyalty.RuleMatch{Rule: rule}

	plan := loyalty.BuildPlan(rule, match)
	require.Len(t, plan.Groups, 1)
	plan.Groups[0].Awards[0] = loyalty.BonusPoints(999)

	assert.True(t, rule.Groups[0].Awards[0].Points.Equal(decimal.NewFromInt(10)))
}

func TestValidatePlan(t *testing.T) {
	rule := loyalty.Rule{ID: "r1"}

	valid := loyalty.AwardPlan{Groups: []loyalty.AwardGroup{
		{Awards: []loyalty.Award{loyalty.BonusPoints(10)}},
	}}
	assert.NoError(t, loyalty.ValidatePlan(rule, valid))

	emptyGroup := loyalty.AwardPlan{Groups: []loyalty.AwardGroup{{}}}
	assert.ErrorIs(t, loyalty.ValidatePlan(rule, emptyGroup), loyalty.ErrRuleMisconfigured)

	badAward := loyalty.AwardPlan{Groups: []loyalty.AwardGroup{
		{Awards: []loyalty.Award{{Kind: loyalty.AwardBonusPoints}}}, // zero points
	}}
	assert.ErrorIs(t, loyalty.ValidatePlan(rule, badAward), loyalty.ErrRuleMisconfigured)
}

func TestNewPendingChoice(t *testing.T) {
	window := 48 * time.Hour
	rule := loyalty.Rule{
		ID: "r1", BusinessID: "biz-1", Name: "Pick One", Icon: "gift",
		Trigger:      loyalty.TriggerMilestone,
		ChoiceWindow: &window,
	}
	trigger := loyalty.TriggerEvent{
		ID: "evt-1", Kind: loyalty.TriggerMilestone,
		CustomerID: "cust-1", BusinessID: "biz-1", StepID: "s-1",
	}
	plan := loyalty.AwardPlan{Groups: []loyalty.AwardGroup{
		{Awards: []loyalty.Award{loyalty.BonusPoints(10)}},
		{Awards: []loyalty.Award{loyalty.UnlockReward("r")}},
	}}
	now := time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC)

	choice := loyalty.NewPendingChoice(loyalty.RuleMatch{
		Rule: rule, Trigger: trigger,
		RuleTrigger: loyalty.RuleTrigger{ID: "rt-1", RuleID: rule.ID, StepID: "s-1"},
	}, plan, now)

	assert.NotEmpty(t, choice.ID)
	assert.Equal(t, loyalty.ChoicePending, choice.Status)
	assert.Equal(t, loyalty.CustomerID("cust-1"), choice.CustomerID)
	assert.Equal(t, "rt-1", choice.RuleTriggerID)
	assert.Equal(t, "Pick One", choice.RuleName)
	assert.Len(t, choice.Options, 2)
	require.NotNil(t, choice.ExpiresAt)
	assert.Equal(t, now.Add(window), *choice.ExpiresAt)
	assert.Nil(t, choice.ClaimedGroupIndex)
	assert.Nil(t, choice.AwardsGiven)
}

func TestAwardValidate(t *testing.T) {
	assert.NoError(t, loyalty.BonusPoints(10).Validate())
	assert.Error(t, loyalty.BonusPoints(0).Validate())
	assert.Error(t, loyalty.BonusPoints(-5).Validate())
	assert.NoError(t, loyalty.Multiplier(2, time.Hour).Validate())
	assert.Error(t, loyalty.Multiplier(2, 0).Validate())
	assert.Error(t, loyalty.UnlockReward("").Validate())
	assert.Error(t, loyalty.ApplyTag("").Validate())
	assert.Error(t, loyalty.Award{Kind: "mystery"}.Validate())
}
