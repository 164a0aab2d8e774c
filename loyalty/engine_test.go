package loyalty_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voyageworks/loyalty-engine/loyalty"
	memstore "github.com/voyageworks/loyalty-engine/loyalty/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestEngine(t *testing.T) (*loyalty.Engine, *memstore.Memory) {
	t.Helper()
	store := memstore.NewMemory()
	engine := loyalty.New(store, loyalty.Config{}, nil)
	return engine, store
}

func visitEvent(id string, customer string) loyalty.TriggerEvent {
	return loyalty.TriggerEvent{
		ID:         id,
		Kind:       loyalty.TriggerVisit,
		CustomerID: loyalty.CustomerID(customer),
		BusinessID: "biz-1",
	}
}

func spendEvent(id string, customer string, amount float64) loyalty.TriggerEvent {
	return loyalty.TriggerEvent{
		ID:         id,
		Kind:       loyalty.TriggerSpendThreshold,
		CustomerID: loyalty.CustomerID(customer),
		BusinessID: "biz-1",
		Amount:     decimal.NewFromFloat(amount),
	}
}

// singleGroupRule grants points immediately on every visit.
func singleGroupRule(id string) loyalty.Rule {
	return loyalty.Rule{
		ID:         loyalty.RuleID(id),
		BusinessID: "biz-1",
		Name:       "Every Visit",
		Trigger:    loyalty.TriggerVisit,
		Groups: []loyalty.AwardGroup{
			{Awards: []loyalty.Award{loyalty.BonusPoints(10)}},
		},
		Active: true,
	}
}

// choiceRule offers points or a reward, with an optional claim window.
func choiceRule(id string, window *time.Duration) loyalty.Rule {
	return loyalty.Rule{
		ID:         loyalty.RuleID(id),
		BusinessID: "biz-1",
		Name:       "Pick Your Prize",
		Trigger:    loyalty.TriggerVisit,
		Groups: []loyalty.AwardGroup{
			{Awards: []loyalty.Award{loyalty.BonusPoints(100)}},
			{Awards: []loyalty.Award{loyalty.UnlockReward("free-coffee")}},
		},
		ChoiceWindow: window,
		Active:       true,
	}
}

func durationPtr(d time.Duration) *time.Duration { return &d }

// =============================================================================
// RECORD TRIGGER
// =============================================================================

func TestRecordTrigger_SingleGroup_AppliedImmediately(t *testing.T) {
	// GIVEN: An active visit rule with a single award group
	// WHEN: A visit trigger arrives
	// THEN: The awards are applied immediately, no choice is created

	engine, store := newTestEngine(t)
	store.SaveRule(singleGroupRule("rule-1"))
	ctx := context.Background()

	result, err := engine.RecordTrigger(ctx, visitEvent("evt-1", "cust-1"))
	require.NoError(t, err)
	require.Len(t, result.Outcomes, 1)

	outcome := result.Outcomes[0]
	assert.Equal(t, loyalty.RuleID("rule-1"), outcome.RuleID)
	assert.Nil(t, outcome.Choice)
	require.Len(t, outcome.Immediate, 1)
	assert.True(t, outcome.Immediate[0].NewBalance.Equal(decimal.NewFromInt(10)))

	enrollment, err := engine.GetEnrollment(ctx, "cust-1", "biz-1")
	require.NoError(t, err)
	assert.True(t, enrollment.PointsBalance.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, 1, enrollment.VisitCount)
}

func TestRecordTrigger_MultiGroup_CreatesPendingChoice(t *testing.T) {
	// GIVEN: An active visit rule with two award groups
	// WHEN: A visit trigger arrives
	// THEN: A pending choice is created and nothing is granted yet

	engine, store := newTestEngine(t)
	store.SaveRule(choiceRule("rule-1", nil))
	ctx := context.Background()

	result, err := engine.RecordTrigger(ctx, visitEvent("evt-1", "cust-1"))
	require.NoError(t, err)
	require.Len(t, result.Outcomes, 1)

	outcome := result.Outcomes[0]
	require.NotNil(t, outcome.Choice)
	assert.Nil(t, outcome.Immediate)
	assert.Equal(t, loyalty.ChoicePending, outcome.Choice.Status)
	assert.Len(t, outcome.Choice.Options, 2)
	assert.Nil(t, outcome.Choice.ExpiresAt)

	// No points granted until the claim
	enrollment, err := engine.GetEnrollment(ctx, "cust-1", "biz-1")
	require.NoError(t, err)
	assert.True(t, enrollment.PointsBalance.IsZero())

	// And the choice is listed as pending
	choices, err := engine.ListPendingChoices(ctx, "cust-1", "biz-1")
	require.NoError(t, err)
	require.Len(t, choices, 1)
	assert.Equal(t, outcome.Choice.ID, choices[0].ID)
}

func TestRecordTrigger_ChoiceWindow_SetsExpiry(t *testing.T) {
	// GIVEN: A choice rule with a 24h claim window
	// WHEN: The rule fires
	// THEN: The created choice expires 24h after creation

	engine, store := newTestEngine(t)
	store.SaveRule(choiceRule("rule-1", durationPtr(24*time.Hour)))

	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	engine.Now = func() time.Time { return now }

	result, err := engine.RecordTrigger(context.Background(), visitEvent("evt-1", "cust-1"))
	require.NoError(t, err)
	require.NotNil(t, result.Outcomes[0].Choice.ExpiresAt)
	assert.Equal(t, now.Add(24*time.Hour), *result.Outcomes[0].Choice.ExpiresAt)
}

func TestRecordTrigger_ConditionNotMet_NoOutcome(t *testing.T) {
	// GIVEN: A visit rule requiring 10 visits
	// WHEN: The 3rd visit arrives
	// THEN: No awards, no choices - but the visit is still counted

	engine, store := newTestEngine(t)
	rule := singleGroupRule("rule-1")
	visits := 10
	rule.Conditions.MinVisits = &visits
	store.SaveRule(rule)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result, err := engine.RecordTrigger(ctx, visitEvent("evt-"+string(rune('a'+i)), "cust-1"))
		require.NoError(t, err)
		assert.Empty(t, result.Outcomes)
	}

	enrollment, err := engine.GetEnrollment(ctx, "cust-1", "biz-1")
	require.NoError(t, err)
	assert.Equal(t, 3, enrollment.VisitCount)
}

func TestRecordTrigger_ThresholdCountsTriggeringEvent(t *testing.T) {
	// GIVEN: A rule requiring cumulative spend >= 100
	// WHEN: A single 100 purchase arrives
	// THEN: The rule fires - the triggering purchase counts toward the total

	engine, store := newTestEngine(t)
	rule := singleGroupRule("rule-1")
	rule.Trigger = loyalty.TriggerSpendThreshold
	minSpend := decimal.NewFromInt(100)
	rule.Conditions.MinTotalSpend = &minSpend
	store.SaveRule(rule)

	result, err := engine.RecordTrigger(context.Background(), spendEvent("evt-1", "cust-1", 100))
	require.NoError(t, err)
	require.Len(t, result.Outcomes, 1)
}

func TestRecordTrigger_Idempotent_SameEventID(t *testing.T) {
	// GIVEN: An immediate rule already fired for event evt-1
	// WHEN: The same event id is recorded again (caller retry)
	// THEN: The recorded results are replayed, points are not double-granted

	engine, store := newTestEngine(t)
	store.SaveRule(singleGroupRule("rule-1"))
	ctx := context.Background()

	first, err := engine.RecordTrigger(ctx, visitEvent("evt-1", "cust-1"))
	require.NoError(t, err)

	second, err := engine.RecordTrigger(ctx, visitEvent("evt-1", "cust-1"))
	require.NoError(t, err)

	assert.Equal(t, first.Outcomes[0].Immediate, second.Outcomes[0].Immediate)

	// The retry re-counted the visit (bookkeeping is per call), but the
	// award itself was granted exactly once.
	enrollment, err := engine.GetEnrollment(ctx, "cust-1", "biz-1")
	require.NoError(t, err)
	assert.True(t, enrollment.PointsBalance.Equal(decimal.NewFromInt(10)),
		"balance should be 10, got %s", enrollment.PointsBalance)
}

func TestRecordTrigger_InvalidEvent_Rejected(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.RecordTrigger(ctx, loyalty.TriggerEvent{
		Kind: loyalty.TriggerVisit, CustomerID: "cust-1", BusinessID: "biz-1",
	})
	assert.ErrorIs(t, err, loyalty.ErrInvalidTrigger, "missing event id")

	_, err = engine.RecordTrigger(ctx, loyalty.TriggerEvent{
		ID: "evt-1", Kind: "teleport", CustomerID: "cust-1", BusinessID: "biz-1",
	})
	assert.ErrorIs(t, err, loyalty.ErrInvalidTrigger, "unknown kind")
}

func TestRecordTrigger_MalformedRule_SkippedFailOpen(t *testing.T) {
	// GIVEN: One malformed rule (negative min_visits) and one good rule
	// WHEN: A visit trigger arrives
	// THEN: The good rule still fires; the bad one is skipped

	engine, store := newTestEngine(t)

	bad := singleGroupRule("rule-bad")
	negative := -1
	bad.Conditions.MinVisits = &negative
	store.SaveRule(bad)
	store.SaveRule(singleGroupRule("rule-good"))

	result, err := engine.RecordTrigger(context.Background(), visitEvent("evt-1", "cust-1"))
	require.NoError(t, err)
	require.Len(t, result.Outcomes, 1)
	assert.Equal(t, loyalty.RuleID("rule-good"), result.Outcomes[0].RuleID)
}

// =============================================================================
// CLAIM
// =============================================================================

func createChoice(t *testing.T, engine *loyalty.Engine, store *memstore.Memory, window *time.Duration) loyalty.PendingChoice {
	t.Helper()
	store.SaveRule(choiceRule("rule-choice", window))
	result, err := engine.RecordTrigger(context.Background(), visitEvent("evt-choice", "cust-1"))
	require.NoError(t, err)
	require.NotNil(t, result.Outcomes[0].Choice)
	return *result.Outcomes[0].Choice
}

func TestClaimChoice_HappyPath(t *testing.T) {
	// GIVEN: A pending two-group choice
	// WHEN: The owner claims group 0 (100 points)
	// THEN: Points are granted, the choice is claimed with materialized results

	engine, store := newTestEngine(t)
	choice := createChoice(t, engine, store, nil)
	ctx := context.Background()

	results, err := engine.ClaimChoice(ctx, choice.ID, "cust-1", 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].NewBalance.Equal(decimal.NewFromInt(100)))

	settled, err := store.GetChoice(ctx, choice.ID)
	require.NoError(t, err)
	assert.Equal(t, loyalty.ChoiceClaimed, settled.Status)
	require.NotNil(t, settled.ClaimedGroupIndex)
	assert.Equal(t, 0, *settled.ClaimedGroupIndex)
	assert.NotNil(t, settled.ClaimedAt)
	assert.Equal(t, results, settled.AwardsGiven)

	// Claimed choices disappear from the pending list
	pending, err := engine.ListPendingChoices(ctx, "cust-1", "biz-1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestClaimChoice_RetrySameIndex_ReturnsOriginalResults(t *testing.T) {
	// GIVEN: A choice already claimed with group 1
	// WHEN: The same claim is retried
	// THEN: The original results come back, nothing is granted twice

	engine, store := newTestEngine(t)
	choice := createChoice(t, engine, store, nil)
	ctx := context.Background()

	first, err := engine.ClaimChoice(ctx, choice.ID, "cust-1", 1)
	require.NoError(t, err)

	retry, err := engine.ClaimChoice(ctx, choice.ID, "cust-1", 1)
	require.NoError(t, err)
	assert.Equal(t, first, retry)
}

func TestClaimChoice_DifferentIndexAfterClaim_Conflict(t *testing.T) {
	// GIVEN: A choice claimed with group 0
	// WHEN: A claim for group 1 arrives
	// THEN: It fails with a resolved-state error

	engine, store := newTestEngine(t)
	choice := createChoice(t, engine, store, nil)
	ctx := context.Background()

	_, err := engine.ClaimChoice(ctx, choice.ID, "cust-1", 0)
	require.NoError(t, err)

	_, err = engine.ClaimChoice(ctx, choice.ID, "cust-1", 1)
	assert.ErrorIs(t, err, loyalty.ErrChoiceResolved)
}

func TestClaimChoice_WrongCustomer_Forbidden(t *testing.T) {
	engine, store := newTestEngine(t)
	choice := createChoice(t, engine, store, nil)

	_, err := engine.ClaimChoice(context.Background(), choice.ID, "cust-2", 0)
	assert.ErrorIs(t, err, loyalty.ErrChoiceForbidden)

	// And nothing was granted to anyone
	settled, err := store.GetChoice(context.Background(), choice.ID)
	require.NoError(t, err)
	assert.Equal(t, loyalty.ChoicePending, settled.Status)
}

func TestClaimChoice_NotFound(t *testing.T) {
	engine, _ := newTestEngine(t)
	_, err := engine.ClaimChoice(context.Background(), "no-such-choice", "cust-1", 0)
	assert.ErrorIs(t, err, loyalty.ErrChoiceNotFound)
}

func TestClaimChoice_IndexOutOfRange(t *testing.T) {
	engine, store := newTestEngine(t)
	choice := createChoice(t, engine, store, nil)
	ctx := context.Background()

	_, err := engine.ClaimChoice(ctx, choice.ID, "cust-1", 2)
	assert.ErrorIs(t, err, loyalty.ErrInvalidSelection)

	_, err = engine.ClaimChoice(ctx, choice.ID, "cust-1", -1)
	assert.ErrorIs(t, err, loyalty.ErrInvalidSelection)

	// The choice survives a bad selection
	settled, err := store.GetChoice(ctx, choice.ID)
	require.NoError(t, err)
	assert.Equal(t, loyalty.ChoicePending, settled.Status)
}

func TestClaimChoice_PastWindow_ExpiresWithoutSweep(t *testing.T) {
	// GIVEN: A choice whose window elapsed but the sweep hasn't run
	// WHEN: A claim arrives
	// THEN: ErrChoiceExpired, the choice flips to expired, nothing granted

	engine, store := newTestEngine(t)

	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	engine.Now = func() time.Time { return now }
	choice := createChoice(t, engine, store, durationPtr(time.Hour))

	engine.Now = func() time.Time { return now.Add(2 * time.Hour) }

	_, err := engine.ClaimChoice(context.Background(), choice.ID, "cust-1", 0)
	assert.ErrorIs(t, err, loyalty.ErrChoiceExpired)

	settled, err := store.GetChoice(context.Background(), choice.ID)
	require.NoError(t, err)
	assert.Equal(t, loyalty.ChoiceExpired, settled.Status)

	enrollment, err := engine.GetEnrollment(context.Background(), "cust-1", "biz-1")
	require.NoError(t, err)
	assert.True(t, enrollment.PointsBalance.IsZero())
}

func TestClaimChoice_Concurrent_ExactlyOneWinner(t *testing.T) {
	// GIVEN: One pending choice and two simultaneous claims
	// WHEN: Both race through ClaimChoice
	// THEN: Awards are granted exactly once; same-index racers see the
	//       winner's results, different-index racers get a conflict

	engine, store := newTestEngine(t)
	choice := createChoice(t, engine, store, nil)
	ctx := context.Background()

	const racers = 8
	var wg sync.WaitGroup
	errs := make([]error, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = engine.ClaimChoice(ctx, choice.ID, "cust-1", i%2)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, loyalty.ErrChoiceResolved)
		}
	}
	assert.GreaterOrEqual(t, winners, 1)

	// The balance reflects exactly one grant (either 100 points or the
	// reward group which grants none).
	settled, err := store.GetChoice(ctx, choice.ID)
	require.NoError(t, err)
	require.Equal(t, loyalty.ChoiceClaimed, settled.Status)

	enrollment, err := engine.GetEnrollment(ctx, "cust-1", "biz-1")
	require.NoError(t, err)
	if *settled.ClaimedGroupIndex == 0 {
		assert.True(t, enrollment.PointsBalance.Equal(decimal.NewFromInt(100)))
	} else {
		assert.True(t, enrollment.PointsBalance.IsZero())
	}
}

// =============================================================================
// CANCEL
// =============================================================================

func TestCancelChoice(t *testing.T) {
	// GIVEN: A pending choice
	// WHEN: An admin cancels it
	// THEN: It becomes cancelled and can no longer be claimed

	engine, store := newTestEngine(t)
	choice := createChoice(t, engine, store, nil)
	ctx := context.Background()

	require.NoError(t, engine.CancelChoice(ctx, choice.ID))

	settled, err := store.GetChoice(ctx, choice.ID)
	require.NoError(t, err)
	assert.Equal(t, loyalty.ChoiceCancelled, settled.Status)

	_, err = engine.ClaimChoice(ctx, choice.ID, "cust-1", 0)
	assert.ErrorIs(t, err, loyalty.ErrChoiceResolved)

	// Cancelling twice is a conflict
	err = engine.CancelChoice(ctx, choice.ID)
	assert.ErrorIs(t, err, loyalty.ErrChoiceResolved)
}

// =============================================================================
// EXPIRATION SWEEP
// =============================================================================

func TestExpireDue_SweepsOnlyElapsedChoices(t *testing.T) {
	// GIVEN: One choice past its window, one without a window
	// WHEN: The sweep runs
	// THEN: Exactly the elapsed one flips to expired

	engine, store := newTestEngine(t)
	ctx := context.Background()

	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	engine.Now = func() time.Time { return now }

	store.SaveRule(choiceRule("rule-windowed", durationPtr(time.Hour)))
	withWindow, err := engine.RecordTrigger(ctx, visitEvent("evt-1", "cust-1"))
	require.NoError(t, err)

	store.SaveRule(choiceRule("rule-open", nil))
	open, err := engine.RecordTrigger(ctx, visitEvent("evt-2", "cust-2"))
	require.NoError(t, err)

	engine.Now = func() time.Time { return now.Add(2 * time.Hour) }

	n, err := engine.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	expired, err := store.GetChoice(ctx, pickChoiceID(t, withWindow))
	require.NoError(t, err)
	assert.Equal(t, loyalty.ChoiceExpired, expired.Status)

	still, err := store.GetChoice(ctx, pickChoiceID(t, open))
	require.NoError(t, err)
	assert.Equal(t, loyalty.ChoicePending, still.Status)

	// A second sweep finds nothing
	n, err = engine.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func pickChoiceID(t *testing.T, result *loyalty.TriggerResult) loyalty.ChoiceID {
	t.Helper()
	require.Len(t, result.Outcomes, 1)
	require.NotNil(t, result.Outcomes[0].Choice)
	return result.Outcomes[0].Choice.ID
}

// =============================================================================
// ENROLLMENT
// =============================================================================

func TestGetEnrollment_Missing(t *testing.T) {
	engine, _ := newTestEngine(t)
	_, err := engine.GetEnrollment(context.Background(), "nobody", "biz-1")
	assert.ErrorIs(t, err, loyalty.ErrEnrollmentNotFound)
}
