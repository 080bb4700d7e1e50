// Package retention ages out transient records on a cron schedule: denied
// consumption and quota records past the idempotency window, rate-limit
// counters past their window, and audit rows past the audit window.
// Committed consumption records and ledger entries are never pruned.
package retention

import (
	"context"
	"time"

	auditdomain "github.com/forgeapp/meterd/internal/audit/domain"
	"github.com/forgeapp/meterd/internal/clock"
	"github.com/forgeapp/meterd/internal/config"
	ledgerdomain "github.com/forgeapp/meterd/internal/ledger/domain"
	obsmetrics "github.com/forgeapp/meterd/internal/observability/metrics"
	quotadomain "github.com/forgeapp/meterd/internal/quota/domain"
	"github.com/forgeapp/meterd/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log       *zap.Logger
	Cfg       config.Config
	Clock     clock.Clock
	LedgerSvc ledgerdomain.Service
	QuotaSvc  quotadomain.Service
	AuditSvc  auditdomain.Service
	RateStore ratelimit.Store
	Metrics   *obsmetrics.Metrics `optional:"true"`
}

// Pruner runs one retention sweep across every prunable table.
type Pruner struct {
	log       *zap.Logger
	clock     clock.Clock
	ledgerSvc ledgerdomain.Service
	quotaSvc  quotadomain.Service
	auditSvc  auditdomain.Service
	rateStore ratelimit.Store
	metrics   *obsmetrics.Metrics
	cfg       config.RetentionConfig
}

func NewPruner(p Params) *Pruner {
	return &Pruner{
		log:       p.Log.Named("retention"),
		clock:     p.Clock,
		ledgerSvc: p.LedgerSvc,
		quotaSvc:  p.QuotaSvc,
		auditSvc:  p.AuditSvc,
		rateStore: p.RateStore,
		metrics:   p.Metrics,
		cfg:       p.Cfg.Retention,
	}
}

// cutoff applies the safety floor: the most recent SafetyFloor of history
// is kept even when the configured window is shorter.
func (p *Pruner) cutoff(now time.Time, window time.Duration) time.Time {
	if window < p.cfg.SafetyFloor {
		window = p.cfg.SafetyFloor
	}
	return now.Add(-window)
}

// RunOnce executes a single sweep. Failures are logged per table; one
// table failing does not stop the others.
func (p *Pruner) RunOnce(ctx context.Context) {
	now := p.clock.Now()

	recordCutoff := p.cutoff(now, p.cfg.IdempotencyWindow)
	if rows, err := p.ledgerSvc.PruneDeniedBefore(ctx, recordCutoff); err != nil {
		p.log.Error("prune denied consumption records", zap.Error(err))
	} else {
		p.metrics.RecordPruned(ctx, "consumption_records", rows)
	}
	if rows, err := p.quotaSvc.PruneDeniedBefore(ctx, recordCutoff); err != nil {
		p.log.Error("prune denied quota records", zap.Error(err))
	} else {
		p.metrics.RecordPruned(ctx, "quota_records", rows)
	}

	// Rate-limit counters carry no audit value; the safety floor does not
	// apply to them.
	if rows, err := p.rateStore.PruneBefore(ctx, now.Add(-p.cfg.RateLimitWindow)); err != nil {
		p.log.Error("prune rate limit counters", zap.Error(err))
	} else {
		p.metrics.RecordPruned(ctx, "rate_limit_counters", rows)
	}

	if rows, err := p.auditSvc.PruneBefore(ctx, p.cutoff(now, p.cfg.AuditWindow)); err != nil {
		p.log.Error("prune audit logs", zap.Error(err))
	} else {
		p.metrics.RecordPruned(ctx, "audit_logs", rows)
	}
}
