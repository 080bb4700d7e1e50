package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBalance(buckets ...Bucket) *Balance {
	b := NewBalance("user-1", 18000, "v1", testNow)
	b.Buckets = buckets
	b.Recompute(testNow)
	return b
}

func TestRecomputePartitionsPaidAndBonus(t *testing.T) {
	b := newTestBalance(
		Bucket{ID: "daily", Source: SourceDaily, Seconds: 900, CreatedAt: testNow, ExpiresAt: ptrTime(testNow.Add(24 * time.Hour))},
		Bucket{ID: "sub", Source: SourceSubscription, Seconds: 1000, Consumed: 250, CreatedAt: testNow},
		Bucket{ID: "expired", Source: SourcePackage, Seconds: 500, CreatedAt: testNow, ExpiresAt: ptrTime(testNow.Add(-time.Minute))},
	)

	assert.Equal(t, int64(750), b.TotalPaidSeconds)
	assert.Equal(t, int64(900), b.TotalBonusSeconds)
	require.NotNil(t, b.NextExpiryAt)
	assert.Equal(t, testNow.Add(24*time.Hour), *b.NextExpiryAt)
}

func TestRecomputeNextExpiryIgnoresExpiredAndDrained(t *testing.T) {
	b := newTestBalance(
		Bucket{ID: "drained", Source: SourcePackage, Seconds: 100, Consumed: 100, CreatedAt: testNow, ExpiresAt: ptrTime(testNow.Add(time.Hour))},
		Bucket{ID: "open", Source: SourceSubscription, Seconds: 100, CreatedAt: testNow},
	)
	assert.Nil(t, b.NextExpiryAt)
	assert.Equal(t, int64(100), b.TotalPaidSeconds)
}

func TestValidateDetectsStaleTotals(t *testing.T) {
	b := newTestBalance(Bucket{ID: "b1", Source: SourcePackage, Seconds: 100, CreatedAt: testNow})
	require.NoError(t, b.Validate(testNow))

	b.TotalPaidSeconds = 999
	assert.ErrorIs(t, b.Validate(testNow), ErrStaleTotals)
}

func TestValidateDetectsBonusCapViolation(t *testing.T) {
	b := newTestBalance()
	b.BonusUsedThisMonth = b.BonusMonthlyCap + 1
	assert.ErrorIs(t, b.Validate(testNow), ErrBonusCapExceeded)
}

func TestRollBonusPeriod(t *testing.T) {
	b := newTestBalance(Bucket{ID: "p", Source: SourcePackage, Seconds: 100, CreatedAt: testNow})
	b.BonusUsedThisMonth = 500
	paidBefore := b.TotalPaidSeconds

	assert.False(t, b.RollBonusPeriod(testNow))
	assert.Equal(t, int64(500), b.BonusUsedThisMonth)

	nextMonth := testNow.AddDate(0, 1, 0)
	assert.True(t, b.RollBonusPeriod(nextMonth))
	assert.Equal(t, int64(0), b.BonusUsedThisMonth)
	assert.Equal(t, PeriodToken(nextMonth), b.BonusPeriod)
	assert.Equal(t, paidBefore, b.TotalPaidSeconds)
}

func TestCapacityClipsBonusToHeadroom(t *testing.T) {
	b := newTestBalance(
		Bucket{ID: "daily", Source: SourceDaily, Seconds: 900, CreatedAt: testNow, ExpiresAt: ptrTime(testNow.Add(24 * time.Hour))},
		Bucket{ID: "sub", Source: SourceSubscription, Seconds: 300, CreatedAt: testNow},
	)
	b.BonusMonthlyCap = 200
	b.BonusUsedThisMonth = 150

	// paid 300 + bonus clipped to 50 of headroom
	assert.Equal(t, int64(350), b.CapacityAt(testNow))
}

func TestPlanDrainEarliestExpiryFirst(t *testing.T) {
	b := newTestBalance(
		Bucket{ID: "open", Source: SourceSubscription, Seconds: 1000, CreatedAt: testNow},
		Bucket{ID: "soon", Source: SourcePackage, Seconds: 500, CreatedAt: testNow.Add(time.Minute), ExpiresAt: ptrTime(testNow.Add(5 * 24 * time.Hour))},
		Bucket{ID: "later", Source: SourceGift, Seconds: 400, CreatedAt: testNow, ExpiresAt: ptrTime(testNow.Add(10 * 24 * time.Hour))},
	)

	draws, err := b.PlanDrain(testNow, 1200)
	require.NoError(t, err)
	require.Len(t, draws, 3)
	assert.Equal(t, Draw{BucketID: "soon", Source: SourcePackage, Seconds: 500}, draws[0])
	assert.Equal(t, Draw{BucketID: "later", Source: SourceGift, Seconds: 400}, draws[1])
	assert.Equal(t, Draw{BucketID: "open", Source: SourceSubscription, Seconds: 300}, draws[2])
}

func TestPlanDrainTieBrokenByCreationOrder(t *testing.T) {
	expiry := ptrTime(testNow.Add(48 * time.Hour))
	b := newTestBalance(
		Bucket{ID: "second", Source: SourcePackage, Seconds: 100, CreatedAt: testNow.Add(time.Hour), ExpiresAt: expiry},
		Bucket{ID: "first", Source: SourcePackage, Seconds: 100, CreatedAt: testNow, ExpiresAt: expiry},
	)

	draws, err := b.PlanDrain(testNow, 150)
	require.NoError(t, err)
	require.Len(t, draws, 2)
	assert.Equal(t, "first", draws[0].BucketID)
	assert.Equal(t, "second", draws[1].BucketID)
}

func TestPlanDrainSkipsExpiredBucketsWithRemaining(t *testing.T) {
	b := newTestBalance(
		Bucket{ID: "expired", Source: SourcePackage, Seconds: 800, CreatedAt: testNow, ExpiresAt: ptrTime(testNow.Add(-time.Second))},
		Bucket{ID: "open", Source: SourceSubscription, Seconds: 100, CreatedAt: testNow},
	)

	draws, err := b.PlanDrain(testNow, 100)
	require.NoError(t, err)
	require.Len(t, draws, 1)
	assert.Equal(t, "open", draws[0].BucketID)

	_, err = b.PlanDrain(testNow, 101)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestPlanDrainRespectsBonusHeadroom(t *testing.T) {
	b := newTestBalance(
		Bucket{ID: "daily", Source: SourceDaily, Seconds: 900, CreatedAt: testNow, ExpiresAt: ptrTime(testNow.Add(24 * time.Hour))},
		Bucket{ID: "sub", Source: SourceSubscription, Seconds: 900, CreatedAt: testNow},
	)
	b.BonusMonthlyCap = 100

	draws, err := b.PlanDrain(testNow, 400)
	require.NoError(t, err)
	require.Len(t, draws, 2)
	assert.Equal(t, Draw{BucketID: "daily", Source: SourceDaily, Seconds: 100}, draws[0])
	assert.Equal(t, Draw{BucketID: "sub", Source: SourceSubscription, Seconds: 300}, draws[1])
}

func TestPlanDrainInsufficientLeavesNoPlan(t *testing.T) {
	b := newTestBalance(Bucket{ID: "b", Source: SourcePackage, Seconds: 50, CreatedAt: testNow})
	draws, err := b.PlanDrain(testNow, 60)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Nil(t, draws)
}

func TestPlanDrainZeroAmount(t *testing.T) {
	b := newTestBalance()
	draws, err := b.PlanDrain(testNow, 0)
	require.NoError(t, err)
	assert.Empty(t, draws)

	_, err = b.PlanDrain(testNow, -1)
	assert.ErrorIs(t, err, ErrNegativeAmount)
}

func TestApplyDrawsAdvancesBonusCounterAndInvariantsHold(t *testing.T) {
	b := newTestBalance(
		Bucket{ID: "daily", Source: SourceDaily, Seconds: 900, CreatedAt: testNow, ExpiresAt: ptrTime(testNow.Add(24 * time.Hour))},
		Bucket{ID: "sub", Source: SourceSubscription, Seconds: 900, CreatedAt: testNow},
	)

	draws, err := b.PlanDrain(testNow, 1000)
	require.NoError(t, err)
	require.NoError(t, b.ApplyDraws(draws))
	b.Recompute(testNow)

	require.NoError(t, b.Validate(testNow))
	assert.Equal(t, int64(900), b.BonusUsedThisMonth)
	assert.Equal(t, int64(0), b.TotalBonusSeconds)
	assert.Equal(t, int64(800), b.TotalPaidSeconds)
}

func TestApplyDrawsUnknownBucket(t *testing.T) {
	b := newTestBalance(Bucket{ID: "b", Source: SourcePackage, Seconds: 100, CreatedAt: testNow})
	err := b.ApplyDraws([]Draw{{BucketID: "missing", Source: SourcePackage, Seconds: 10}})
	assert.ErrorIs(t, err, ErrInvalidBucketID)
}

func TestAddBucketRejectsCollision(t *testing.T) {
	b := newTestBalance(Bucket{ID: "b1", Source: SourcePackage, Seconds: 100, CreatedAt: testNow})
	err := b.AddBucket(Bucket{ID: "b1", Source: SourceGift, Seconds: 50, CreatedAt: testNow})
	assert.ErrorIs(t, err, ErrDuplicateBucketID)
	assert.Len(t, b.Buckets, 1)
}

func TestCloneIsDeep(t *testing.T) {
	b := newTestBalance(Bucket{ID: "b1", Source: SourcePackage, Seconds: 100, CreatedAt: testNow})
	snapshot := b.Clone()

	updated, _, err := b.Buckets[0].ApplyDebit(40)
	require.NoError(t, err)
	b.Buckets[0] = updated

	assert.Equal(t, int64(0), snapshot.Buckets[0].Consumed)
	assert.Equal(t, int64(40), b.Buckets[0].Consumed)
}
