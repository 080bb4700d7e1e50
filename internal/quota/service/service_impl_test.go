package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/forgeapp/meterd/internal/audit/domain"
	auditservice "github.com/forgeapp/meterd/internal/audit/service"
	"github.com/forgeapp/meterd/internal/clock"
	"github.com/forgeapp/meterd/internal/config"
	quotadomain "github.com/forgeapp/meterd/internal/quota/domain"
	"github.com/forgeapp/meterd/internal/ratelimit"
	"github.com/forgeapp/meterd/internal/userlock"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fixture struct {
	svc   quotadomain.Service
	clk   *clock.FakeClock
	db    *gorm.DB
	audit auditdomain.Service
}

func newFixture(t *testing.T, rateCeiling int64, limits map[string]int64) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&quotadomain.QuotaUsage{},
		&quotadomain.BonusGrant{},
		&quotadomain.QuotaRecord{},
		&auditdomain.AuditLog{},
		&ratelimit.Counter{},
	))

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	log := zap.NewNop()
	clk := clock.NewFakeClock(time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC))

	limiter, err := ratelimit.NewLimiter(ratelimit.NewGormStore(db), rateCeiling, time.Minute, clk)
	require.NoError(t, err)

	if limits == nil {
		limits = map[string]int64{"generations": 100}
	}
	cfg := config.Config{Quota: config.QuotaConfig{
		Limits:          limits,
		CollisionWindow: 48 * time.Hour,
	}}

	auditSvc := auditservice.NewService(auditservice.Params{DB: db, Log: log, GenID: node})
	svc := NewService(Params{
		DB:       db,
		Log:      log,
		GenID:    node,
		Cfg:      cfg,
		Clock:    clk,
		Limiter:  limiter,
		AuditSvc: auditSvc,
		Locks:    userlock.NewRegistry(),
	})
	return &fixture{svc: svc, clk: clk, db: db, audit: auditSvc}
}

func TestConsumePlanAllowance(t *testing.T) {
	f := newFixture(t, 1000, map[string]int64{"generations": 3})
	ctx := context.Background()

	for i, want := range []int64{2, 1, 0} {
		res, err := f.svc.Consume(ctx, quotadomain.ConsumeRequest{
			UserID:         "u1",
			Metric:         "generations",
			IdempotencyKey: "op-" + string(rune('a'+i)),
		})
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, int64(1), res.FromAllowance)
		assert.Equal(t, want, res.Remaining)
	}

	res, err := f.svc.Consume(ctx, quotadomain.ConsumeRequest{
		UserID:         "u1",
		Metric:         "generations",
		IdempotencyKey: "op-d",
	})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, quotadomain.DenialQuotaExceeded, res.DenialReason)

	logs, err := f.audit.List(ctx, auditdomain.ListRequest{UserID: "u1", Action: auditdomain.ActionQuotaDenied})
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestConsumeDrainsGrantsEarliestExpiryFirst(t *testing.T) {
	f := newFixture(t, 1000, map[string]int64{"generations": 2})
	ctx := context.Background()

	expiry := f.clk.Now().Add(24 * time.Hour)
	expiring, err := f.svc.Grant(ctx, quotadomain.GrantRequest{
		UserID: "u1", Metric: "generations", Amount: 5, ExpiresAt: &expiry, Actor: "admin:ops",
	})
	require.NoError(t, err)
	perpetual, err := f.svc.Grant(ctx, quotadomain.GrantRequest{
		UserID: "u1", Metric: "generations", Amount: 5, Actor: "admin:ops",
	})
	require.NoError(t, err)

	res, err := f.svc.Consume(ctx, quotadomain.ConsumeRequest{
		UserID:         "u1",
		Metric:         "generations",
		Amount:         4,
		IdempotencyKey: "op-1",
	})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(2), res.FromAllowance)
	assert.Equal(t, int64(2), res.FromGrants)
	assert.Equal(t, int64(8), res.Remaining)

	var g quotadomain.BonusGrant
	require.NoError(t, f.db.First(&g, "id = ?", expiring.ID).Error)
	assert.Equal(t, int64(2), g.Used)
	var g2 quotadomain.BonusGrant
	require.NoError(t, f.db.First(&g2, "id = ?", perpetual.ID).Error)
	assert.Equal(t, int64(0), g2.Used)
}

func TestConsumeIdempotentReplay(t *testing.T) {
	f := newFixture(t, 1000, nil)
	ctx := context.Background()

	req := quotadomain.ConsumeRequest{UserID: "u1", Metric: "generations", Amount: 2, IdempotencyKey: "op-1"}
	first, err := f.svc.Consume(ctx, req)
	require.NoError(t, err)

	second, err := f.svc.Consume(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	second.Replayed = first.Replayed
	assert.Equal(t, first, second)

	var usage quotadomain.QuotaUsage
	require.NoError(t, f.db.First(&usage, "user_id = ?", "u1").Error)
	assert.Equal(t, int64(2), usage.Used)
}

func TestConsumeCollisionProceedsAsDistinctRequest(t *testing.T) {
	f := newFixture(t, 1000, nil)
	ctx := context.Background()

	_, err := f.svc.Consume(ctx, quotadomain.ConsumeRequest{
		UserID: "u1", Metric: "generations", Amount: 2, IdempotencyKey: "op-1",
	})
	require.NoError(t, err)

	// same key, different amount: flagged, then processed normally
	res, err := f.svc.Consume(ctx, quotadomain.ConsumeRequest{
		UserID: "u1", Metric: "generations", Amount: 5, IdempotencyKey: "op-1",
	})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.False(t, res.Replayed)

	var usage quotadomain.QuotaUsage
	require.NoError(t, f.db.First(&usage, "user_id = ?", "u1").Error)
	assert.Equal(t, int64(7), usage.Used)

	var original quotadomain.QuotaRecord
	require.NoError(t, f.db.First(&original, "user_id = ? AND idempotency_key = ?", "u1", "op-1").Error)
	assert.Contains(t, original.Annotation, "collision")

	logs, err := f.audit.List(ctx, auditdomain.ListRequest{UserID: "u1", Action: auditdomain.ActionIdempotencyCollision})
	require.NoError(t, err)
	assert.Len(t, logs, 1)

	var records int64
	require.NoError(t, f.db.Model(&quotadomain.QuotaRecord{}).Where("user_id = ?", "u1").Count(&records).Error)
	assert.Equal(t, int64(2), records)
}

func TestConsumeCollisionOnFarApartTimestamps(t *testing.T) {
	f := newFixture(t, 1000, nil)
	ctx := context.Background()

	_, err := f.svc.Consume(ctx, quotadomain.ConsumeRequest{
		UserID: "u1", Metric: "generations", Amount: 1, IdempotencyKey: "op-1",
	})
	require.NoError(t, err)

	f.clk.Advance(72 * time.Hour)
	res, err := f.svc.Consume(ctx, quotadomain.ConsumeRequest{
		UserID: "u1", Metric: "generations", Amount: 1, IdempotencyKey: "op-1",
	})
	require.NoError(t, err)
	assert.False(t, res.Replayed)

	logs, err := f.audit.List(ctx, auditdomain.ListRequest{UserID: "u1", Action: auditdomain.ActionIdempotencyCollision})
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestConsumeRateLimited(t *testing.T) {
	f := newFixture(t, 1, nil)
	ctx := context.Background()

	res, err := f.svc.Consume(ctx, quotadomain.ConsumeRequest{
		UserID: "u1", Metric: "generations", IdempotencyKey: "op-1",
	})
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = f.svc.Consume(ctx, quotadomain.ConsumeRequest{
		UserID: "u1", Metric: "generations", IdempotencyKey: "op-2",
	})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, quotadomain.DenialRateLimited, res.DenialReason)
	assert.Greater(t, res.RetryAfter, time.Duration(0))

	// nothing consumed, no idempotency record written
	var usage quotadomain.QuotaUsage
	require.NoError(t, f.db.First(&usage, "user_id = ?", "u1").Error)
	assert.Equal(t, int64(1), usage.Used)
	var records int64
	require.NoError(t, f.db.Model(&quotadomain.QuotaRecord{}).Count(&records).Error)
	assert.Equal(t, int64(1), records)

	logs, err := f.audit.List(ctx, auditdomain.ListRequest{UserID: "u1", Action: auditdomain.ActionRateLimited})
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestConsumeSkipsExpiredGrants(t *testing.T) {
	f := newFixture(t, 1000, map[string]int64{"generations": 0})
	ctx := context.Background()

	expiry := f.clk.Now().Add(time.Hour)
	_, err := f.svc.Grant(ctx, quotadomain.GrantRequest{
		UserID: "u1", Metric: "generations", Amount: 10, ExpiresAt: &expiry, Actor: "admin:ops",
	})
	require.NoError(t, err)

	f.clk.Advance(2 * time.Hour)
	res, err := f.svc.Consume(ctx, quotadomain.ConsumeRequest{
		UserID: "u1", Metric: "generations", IdempotencyKey: "op-1",
	})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(0), res.Remaining)
}

func TestQuotaPeriodRollsOver(t *testing.T) {
	f := newFixture(t, 1000, map[string]int64{"generations": 1})
	ctx := context.Background()

	res, err := f.svc.Consume(ctx, quotadomain.ConsumeRequest{
		UserID: "u1", Metric: "generations", IdempotencyKey: "op-1",
	})
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = f.svc.Consume(ctx, quotadomain.ConsumeRequest{
		UserID: "u1", Metric: "generations", IdempotencyKey: "op-2",
	})
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	// next calendar month gets a fresh counter row
	f.clk.Advance(31 * 24 * time.Hour)
	res, err = f.svc.Consume(ctx, quotadomain.ConsumeRequest{
		UserID: "u1", Metric: "generations", IdempotencyKey: "op-3",
	})
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	var rows int64
	require.NoError(t, f.db.Model(&quotadomain.QuotaUsage{}).Where("user_id = ?", "u1").Count(&rows).Error)
	assert.Equal(t, int64(2), rows)
}

func TestConsumeValidation(t *testing.T) {
	f := newFixture(t, 1000, nil)
	ctx := context.Background()

	_, err := f.svc.Consume(ctx, quotadomain.ConsumeRequest{Metric: "generations", IdempotencyKey: "k"})
	assert.ErrorIs(t, err, quotadomain.ErrInvalidUser)

	_, err = f.svc.Consume(ctx, quotadomain.ConsumeRequest{UserID: "u", Metric: "deploys", IdempotencyKey: "k"})
	assert.ErrorIs(t, err, quotadomain.ErrUnknownMetric)

	_, err = f.svc.Consume(ctx, quotadomain.ConsumeRequest{UserID: "u", Metric: "generations", Amount: -1, IdempotencyKey: "k"})
	assert.ErrorIs(t, err, quotadomain.ErrInvalidAmount)

	_, err = f.svc.Consume(ctx, quotadomain.ConsumeRequest{UserID: "u", Metric: "generations"})
	assert.ErrorIs(t, err, quotadomain.ErrInvalidIdempotencyKey)

	_, err = f.svc.Grant(ctx, quotadomain.GrantRequest{UserID: "u", Metric: "generations", Amount: 5})
	assert.ErrorIs(t, err, quotadomain.ErrInvalidActor)
}

func TestUsageView(t *testing.T) {
	f := newFixture(t, 1000, map[string]int64{"generations": 10})
	ctx := context.Background()

	_, err := f.svc.Grant(ctx, quotadomain.GrantRequest{
		UserID: "u1", Metric: "generations", Amount: 5, Actor: "admin:ops",
	})
	require.NoError(t, err)
	_, err = f.svc.Consume(ctx, quotadomain.ConsumeRequest{
		UserID: "u1", Metric: "generations", Amount: 3, IdempotencyKey: "op-1",
	})
	require.NoError(t, err)

	view, err := f.svc.Usage(ctx, "u1", "generations")
	require.NoError(t, err)
	assert.Equal(t, int64(10), view.Limit)
	assert.Equal(t, int64(3), view.Used)
	assert.Equal(t, int64(5), view.BonusTotal)
	assert.Equal(t, int64(12), view.Remaining)

	start, end := quotadomain.Period(f.clk.Now())
	assert.Equal(t, start, view.PeriodStart.UTC())
	assert.Equal(t, end, view.PeriodEnd.UTC())
}

func TestPruneDeniedBefore(t *testing.T) {
	f := newFixture(t, 1000, map[string]int64{"generations": 0})
	ctx := context.Background()

	_, err := f.svc.Consume(ctx, quotadomain.ConsumeRequest{
		UserID: "u1", Metric: "generations", IdempotencyKey: "op-1",
	})
	require.NoError(t, err)

	pruned, err := f.svc.PruneDeniedBefore(ctx, f.clk.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	var records int64
	require.NoError(t, f.db.Model(&quotadomain.QuotaRecord{}).Count(&records).Error)
	assert.Equal(t, int64(0), records)
}
