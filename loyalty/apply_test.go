package loyalty_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voyageworks/loyalty-engine/loyalty"
	memstore "github.com/voyageworks/loyalty-engine/loyalty/store"
)

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func TestApply_ReplaySourceKey_ReturnsRecordedResults(t *testing.T) {
	// GIVEN: Awards already applied under source key "trigger/evt/rule"
	// WHEN: Apply runs again with the same key
	// THEN: The recorded results come back and the balance is unchanged

	store := memstore.NewMemory()
	applier := loyalty.NewApplier("")
	ctx := context.Background()
	now := time.Now()
	awards := []loyalty.Award{loyalty.BonusPoints(50)}

	first, err := applier.Apply(ctx, store, "cust-1", "biz-1", awards, "trigger/evt/rule", now)
	require.NoError(t, err)

	replay, err := applier.Apply(ctx, store, "cust-1", "biz-1", awards, "trigger/evt/rule", now)
	require.NoError(t, err)
	assert.Equal(t, first, replay)

	enrollment, err := store.GetEnrollment(ctx, "cust-1", "biz-1")
	require.NoError(t, err)
	assert.True(t, enrollment.PointsBalance.Equal(decimal.NewFromInt(50)))
}

func TestApply_MultipleAwardsInOneGroup(t *testing.T) {
	// GIVEN: A group granting points, a multiplier, a reward, and a tag
	// WHEN: Applied together
	// THEN: Every effect lands and each result is materialized

	store := memstore.NewMemory()
	applier := loyalty.NewApplier("")
	ctx := context.Background()
	now := time.Now()

	awards := []loyalty.Award{
		loyalty.BonusPoints(25),
		loyalty.Multiplier(2, 24*time.Hour),
		loyalty.UnlockReward("gold-badge"),
		loyalty.ApplyTag("vip"),
	}

	results, err := applier.Apply(ctx, store, "cust-1", "biz-1", awards, "choice/c-1", now)
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.True(t, results[0].NewBalance.Equal(decimal.NewFromInt(25)))
	assert.True(t, results[1].Multiplier.Equal(decimal.NewFromInt(2)))
	require.NotNil(t, results[1].MultiplierExpiresAt)
	assert.False(t, results[2].AlreadyUnlocked)
	assert.False(t, results[3].AlreadyTagged)

	enrollment, err := store.GetEnrollment(ctx, "cust-1", "biz-1")
	require.NoError(t, err)
	assert.True(t, enrollment.HasTag("vip"))
	assert.Equal(t, []string{"gold-badge"}, store.UnlockedRewards("cust-1", "biz-1"))
}

// =============================================================================
// REWARD AND TAG SET SEMANTICS
// =============================================================================

func TestApply_UnlockReward_SecondGrantIsNoOp(t *testing.T) {
	// GIVEN: A reward already unlocked (via a different source key)
	// WHEN: Another award unlocks the same reward
	// THEN: No error; the result reports already_unlocked

	store := memstore.NewMemory()
	applier := loyalty.NewApplier("")
	ctx := context.Background()
	now := time.Now()
	award := []loyalty.Award{loyalty.UnlockReward("free-coffee")}

	first, err := applier.Apply(ctx, store, "cust-1", "biz-1", award, "key-1", now)
	require.NoError(t, err)
	assert.False(t, first[0].AlreadyUnlocked)

	second, err := applier.Apply(ctx, store, "cust-1", "biz-1", award, "key-2", now)
	require.NoError(t, err)
	assert.True(t, second[0].AlreadyUnlocked)

	assert.Equal(t, []string{"free-coffee"}, store.UnlockedRewards("cust-1", "biz-1"))
}

func TestApply_ApplyTag_SetSemantics(t *testing.T) {
	store := memstore.NewMemory()
	applier := loyalty.NewApplier("")
	ctx := context.Background()
	now := time.Now()
	award := []loyalty.Award{loyalty.ApplyTag("regular")}

	first, err := applier.Apply(ctx, store, "cust-1", "biz-1", award, "key-1", now)
	require.NoError(t, err)
	assert.False(t, first[0].AlreadyTagged)

	second, err := applier.Apply(ctx, store, "cust-1", "biz-1", award, "key-2", now)
	require.NoError(t, err)
	assert.True(t, second[0].AlreadyTagged)

	enrollment, err := store.GetEnrollment(ctx, "cust-1", "biz-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"regular"}, enrollment.Tags)
}

// =============================================================================
// MULTIPLIER STACKING
// =============================================================================

func TestApply_Multiplier_HighestWins(t *testing.T) {
	// GIVEN: An active 3x multiplier
	// WHEN: A 2x multiplier is applied under highest-wins
	// THEN: 3x stays in effect

	store := memstore.NewMemory()
	applier := loyalty.NewApplier(loyalty.StackingHighest)
	ctx := context.Background()
	now := time.Now()

	_, err := applier.Apply(ctx, store, "cust-1", "biz-1",
		[]loyalty.Award{loyalty.Multiplier(3, 24*time.Hour)}, "key-1", now)
	require.NoError(t, err)

	results, err := applier.Apply(ctx, store, "cust-1", "biz-1",
		[]loyalty.Award{loyalty.Multiplier(2, 24*time.Hour)}, "key-2", now)
	require.NoError(t, err)
	assert.True(t, results[0].Multiplier.Equal(decimal.NewFromInt(3)))

	enrollment, err := store.GetEnrollment(ctx, "cust-1", "biz-1")
	require.NoError(t, err)
	assert.True(t, enrollment.ActiveMultiplier(now).Equal(decimal.NewFromInt(3)))
}

func TestApply_Multiplier_LatestWins(t *testing.T) {
	// GIVEN: An active 3x multiplier
	// WHEN: A 2x multiplier is applied under latest-wins
	// THEN: 2x replaces it

	store := memstore.NewMemory()
	applier := loyalty.NewApplier(loyalty.StackingLatest)
	ctx := context.Background()
	now := time.Now()

	_, err := applier.Apply(ctx, store, "cust-1", "biz-1",
		[]loyalty.Award{loyalty.Multiplier(3, 24*time.Hour)}, "key-1", now)
	require.NoError(t, err)

	results, err := applier.Apply(ctx, store, "cust-1", "biz-1",
		[]loyalty.Award{loyalty.Multiplier(2, 24*time.Hour)}, "key-2", now)
	require.NoError(t, err)
	assert.True(t, results[0].Multiplier.Equal(decimal.NewFromInt(2)))
}

func TestApply_Multiplier_ExpiredOneIsReplaced(t *testing.T) {
	// GIVEN: A 3x multiplier that has already expired
	// WHEN: A 2x multiplier is applied under highest-wins
	// THEN: The stale 3x does not block the fresh 2x

	store := memstore.NewMemory()
	applier := loyalty.NewApplier(loyalty.StackingHighest)
	ctx := context.Background()

	past := time.Now().Add(-48 * time.Hour)
	_, err := applier.Apply(ctx, store, "cust-1", "biz-1",
		[]loyalty.Award{loyalty.Multiplier(3, time.Hour)}, "key-1", past)
	require.NoError(t, err)

	now := time.Now()
	results, err := applier.Apply(ctx, store, "cust-1", "biz-1",
		[]loyalty.Award{loyalty.Multiplier(2, 24*time.Hour)}, "key-2", now)
	require.NoError(t, err)
	assert.True(t, results[0].Multiplier.Equal(decimal.NewFromInt(2)))
}

// =============================================================================
// EFFECTIVE POINTS
// =============================================================================

func TestEffectivePoints(t *testing.T) {
	now := time.Now()
	expiry := now.Add(time.Hour)

	active := &loyalty.Enrollment{
		Multiplier:          decimal.NewFromInt(2),
		MultiplierExpiresAt: &expiry,
	}
	assert.True(t, loyalty.EffectivePoints(active, decimal.NewFromInt(10), now).
		Equal(decimal.NewFromInt(20)))

	stale := now.Add(-time.Hour)
	expired := &loyalty.Enrollment{
		Multiplier:          decimal.NewFromInt(2),
		MultiplierExpiresAt: &stale,
	}
	assert.True(t, loyalty.EffectivePoints(expired, decimal.NewFromInt(10), now).
		Equal(decimal.NewFromInt(10)))

	assert.True(t, loyalty.EffectivePoints(nil, decimal.NewFromInt(10), now).
		Equal(decimal.NewFromInt(10)))
}
