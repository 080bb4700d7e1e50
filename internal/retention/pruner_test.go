package retention

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/forgeapp/meterd/internal/audit/domain"
	auditservice "github.com/forgeapp/meterd/internal/audit/service"
	balancedomain "github.com/forgeapp/meterd/internal/balance/domain"
	"github.com/forgeapp/meterd/internal/clock"
	"github.com/forgeapp/meterd/internal/config"
	ledgerdomain "github.com/forgeapp/meterd/internal/ledger/domain"
	ledgerservice "github.com/forgeapp/meterd/internal/ledger/service"
	quotadomain "github.com/forgeapp/meterd/internal/quota/domain"
	quotaservice "github.com/forgeapp/meterd/internal/quota/service"
	"github.com/forgeapp/meterd/internal/ratelimit"
	"github.com/forgeapp/meterd/internal/userlock"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestPrunerSweep(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&balancedomain.Balance{},
		&ledgerdomain.LedgerEntry{},
		&ledgerdomain.ConsumptionRecord{},
		&quotadomain.QuotaUsage{},
		&quotadomain.BonusGrant{},
		&quotadomain.QuotaRecord{},
		&auditdomain.AuditLog{},
		&ratelimit.Counter{},
	))

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	log := zap.NewNop()
	now := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFakeClock(now)
	store := ratelimit.NewGormStore(db)
	limiter, err := ratelimit.NewLimiter(store, 1000, time.Minute, clk)
	require.NoError(t, err)

	cfg := config.Config{
		Quota: config.QuotaConfig{Limits: map[string]int64{"generations": 10}, CollisionWindow: 48 * time.Hour},
		Retention: config.RetentionConfig{
			IdempotencyWindow: 180 * 24 * time.Hour,
			RateLimitWindow:   time.Hour,
			AuditWindow:       7 * 365 * 24 * time.Hour,
			SafetyFloor:       7 * 24 * time.Hour,
			Schedule:          "@hourly",
		},
	}

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{DB: db, Log: log, GenID: node})
	auditSvc := auditservice.NewService(auditservice.Params{DB: db, Log: log, GenID: node})
	quotaSvc := quotaservice.NewService(quotaservice.Params{
		DB: db, Log: log, GenID: node, Cfg: cfg, Clock: clk,
		Limiter: limiter, AuditSvc: auditSvc, Locks: userlock.NewRegistry(),
	})
	pruner := NewPruner(Params{
		Log: log, Cfg: cfg, Clock: clk,
		LedgerSvc: ledgerSvc, QuotaSvc: quotaSvc, AuditSvc: auditSvc, RateStore: store,
	})

	ancient := now.Add(-200 * 24 * time.Hour)
	recent := now.Add(-time.Hour)

	// denied records: the ancient one goes, the recent one stays
	require.NoError(t, db.Create(&ledgerdomain.ConsumptionRecord{
		ID: node.Generate(), UserID: "u1", IdempotencyKey: "old-denied",
		OperationType: "ai_generation", Allowed: false, RecordedAt: ancient, CreatedAt: ancient,
	}).Error)
	require.NoError(t, db.Create(&ledgerdomain.ConsumptionRecord{
		ID: node.Generate(), UserID: "u1", IdempotencyKey: "new-denied",
		OperationType: "ai_generation", Allowed: false, RecordedAt: recent, CreatedAt: recent,
	}).Error)
	// committed records are never pruned, however old
	require.NoError(t, db.Create(&ledgerdomain.ConsumptionRecord{
		ID: node.Generate(), UserID: "u1", IdempotencyKey: "old-allowed",
		OperationType: "ai_generation", Allowed: true, RecordedAt: ancient, CreatedAt: ancient,
	}).Error)
	require.NoError(t, db.Create(&quotadomain.QuotaRecord{
		ID: node.Generate(), UserID: "u1", IdempotencyKey: "old-quota-denied",
		Metric: "generations", Amount: 1, Allowed: false, RecordedAt: ancient, CreatedAt: ancient,
	}).Error)

	_, err = store.Incr(context.Background(), "u1", ratelimit.IdentifierUser, now.Add(-2*time.Hour), time.Minute)
	require.NoError(t, err)
	_, err = store.Incr(context.Background(), "u1", ratelimit.IdentifierUser, now.Truncate(time.Minute), time.Minute)
	require.NoError(t, err)

	pruner.RunOnce(context.Background())

	var keys []string
	require.NoError(t, db.Model(&ledgerdomain.ConsumptionRecord{}).Order("idempotency_key").Pluck("idempotency_key", &keys).Error)
	assert.Equal(t, []string{"new-denied", "old-allowed"}, keys)

	var quotaRecords int64
	require.NoError(t, db.Model(&quotadomain.QuotaRecord{}).Count(&quotaRecords).Error)
	assert.Equal(t, int64(0), quotaRecords)

	var counters int64
	require.NoError(t, db.Model(&ratelimit.Counter{}).Count(&counters).Error)
	assert.Equal(t, int64(1), counters)
}

func TestPrunerSafetyFloor(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&auditdomain.AuditLog{}))

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	log := zap.NewNop()
	now := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)

	cfg := config.RetentionConfig{
		// misconfigured one-hour audit window must not defeat the floor
		AuditWindow: time.Hour,
		SafetyFloor: 7 * 24 * time.Hour,
	}
	auditSvc := auditservice.NewService(auditservice.Params{DB: db, Log: log, GenID: node})
	pruner := &Pruner{
		log:      log,
		clock:    clock.NewFakeClock(now),
		auditSvc: auditSvc,
		cfg:      cfg,
	}

	cutoff := pruner.cutoff(now, cfg.AuditWindow)
	assert.Equal(t, now.Add(-7*24*time.Hour), cutoff)

	require.NoError(t, db.Create(&auditdomain.AuditLog{
		ID: node.Generate(), UserID: "u1", Actor: "system", Action: auditdomain.ActionConsumeDenied,
		TargetType: "consumption_record", CreatedAt: now.Add(-2 * time.Hour),
	}).Error)

	rows, err := auditSvc.PruneBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(0), rows)
}
