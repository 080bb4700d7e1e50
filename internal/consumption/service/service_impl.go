package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/forgeapp/meterd/internal/audit/domain"
	balancedomain "github.com/forgeapp/meterd/internal/balance/domain"
	"github.com/forgeapp/meterd/internal/clock"
	"github.com/forgeapp/meterd/internal/config"
	consumptiondomain "github.com/forgeapp/meterd/internal/consumption/domain"
	ledgerdomain "github.com/forgeapp/meterd/internal/ledger/domain"
	obsmetrics "github.com/forgeapp/meterd/internal/observability/metrics"
	"github.com/forgeapp/meterd/internal/userlock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// errReplayRace aborts a transaction when another node committed the same
// idempotency key between our check and our insert.
var errReplayRace = errors.New("idempotency_replay_race")

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Cfg       config.Config
	Clock     clock.Clock
	LedgerSvc ledgerdomain.Service
	AuditSvc  auditdomain.Service
	Locks     *userlock.Registry
	Metrics   *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	ledgerSvc ledgerdomain.Service
	auditSvc  auditdomain.Service
	locks     *userlock.Registry
	metrics   *obsmetrics.Metrics

	granularity     int64
	bonusMonthlyCap int64
	catalogVersion  string
}

func NewService(p Params) consumptiondomain.Service {
	granularity := p.Cfg.Billing.GranularitySeconds
	if granularity <= 0 {
		granularity = 10
	}
	return &Service{
		db:              p.DB,
		log:             p.Log.Named("consumption.service"),
		genID:           p.GenID,
		clock:           p.Clock,
		ledgerSvc:       p.LedgerSvc,
		auditSvc:        p.AuditSvc,
		locks:           p.Locks,
		metrics:         p.Metrics,
		granularity:     granularity,
		bonusMonthlyCap: p.Cfg.Billing.BonusMonthlyCapSeconds,
		catalogVersion:  p.Cfg.Billing.PricingCatalogVersion,
	}
}

// billable rounds requested seconds up to the billing granularity; it
// never rounds down.
func (s *Service) billable(requested int64) int64 {
	if requested <= 0 {
		return 0
	}
	return (requested + s.granularity - 1) / s.granularity * s.granularity
}

func (s *Service) Consume(ctx context.Context, req consumptiondomain.ConsumeRequest) (*consumptiondomain.ConsumeResult, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, consumptiondomain.ErrInvalidUser
	}
	if req.Seconds < 0 {
		return nil, consumptiondomain.ErrInvalidAmount
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return nil, consumptiondomain.ErrInvalidIdempotencyKey
	}
	operation := strings.TrimSpace(req.OperationType)
	if operation == "" {
		return nil, consumptiondomain.ErrInvalidOperationType
	}

	release := s.locks.Lock(userID)
	defer release()

	// Idempotency first: a replay performs no further work. A replay with
	// different parameters is flagged but the stored result still wins;
	// the billing path never forks a committed debit.
	if existing, err := s.ledgerSvc.FindConsumption(ctx, userID, key); err != nil {
		return nil, err
	} else if existing != nil {
		if existing.RequestedSeconds != req.Seconds || existing.OperationType != operation {
			if err := s.flagCollision(ctx, existing, operation, req.Seconds); err != nil {
				return nil, err
			}
		}
		return resultFromRecord(existing, true), nil
	}

	now := s.clock.Now()
	recordedAt := req.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = now
	}
	billable := s.billable(req.Seconds)

	var record *ledgerdomain.ConsumptionRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bal, err := s.loadOrCreateBalance(ctx, tx, userID, now)
		if err != nil {
			return err
		}
		bal.RollBonusPeriod(now)
		// Fail closed on corrupt state; totals are checked against the
		// bucket set as of their last recomputation.
		if err := bal.Validate(bal.UpdatedAt); err != nil {
			return err
		}

		before := bal.Clone()
		capacity := bal.CapacityAt(now)

		draws, planErr := bal.PlanDrain(now, billable)
		if planErr != nil && !errors.Is(planErr, balancedomain.ErrInsufficientBalance) {
			return planErr
		}

		record = &ledgerdomain.ConsumptionRecord{
			ID:               s.genID.Generate(),
			UserID:           userID,
			IdempotencyKey:   key,
			OperationType:    operation,
			RequestedSeconds: req.Seconds,
			BillableSeconds:  billable,
			BalanceBefore:    before,
			RecordedAt:       recordedAt.UTC(),
			CreatedAt:        now,
		}

		if planErr != nil {
			// Denied: no bucket is touched; the denial is durable and
			// audited for rate/fraud analysis.
			record.Allowed = false
			record.DenialReason = consumptiondomain.DenialInsufficientBalance
			record.BalanceAfter = before
			record.RemainingSeconds = capacity

			// Persist the period roll even though the debit was denied.
			if err := tx.Save(bal).Error; err != nil {
				return err
			}
			if err := s.auditSvc.Record(ctx, tx, &auditdomain.AuditLog{
				UserID:     userID,
				Actor:      auditdomain.ActorSystem,
				Action:     auditdomain.ActionConsumeDenied,
				TargetType: "consumption_record",
				TargetID:   record.ID.String(),
				Metadata: datatypes.JSONMap{
					"operation_type":    operation,
					"requested_seconds": req.Seconds,
					"billable_seconds":  billable,
					"capacity_seconds":  capacity,
				},
			}); err != nil {
				return err
			}
		} else {
			if err := bal.ApplyDraws(draws); err != nil {
				return err
			}
			bal.Recompute(now)
			if err := bal.Validate(now); err != nil {
				return err
			}
			if err := tx.Save(bal).Error; err != nil {
				return err
			}

			breakdown := make(ledgerdomain.SourceBreakdown, len(draws))
			for _, draw := range draws {
				breakdown[draw.Source] += draw.Seconds
			}
			record.Allowed = true
			record.DrawnBySource = breakdown
			record.BalanceAfter = bal.Clone()
			record.RemainingSeconds = bal.CapacityAt(now)
		}

		inserted, err := s.ledgerSvc.AppendConsumption(ctx, tx, record)
		if err != nil {
			return err
		}
		if !inserted {
			return errReplayRace
		}
		return nil
	})
	if errors.Is(err, errReplayRace) {
		existing, findErr := s.ledgerSvc.FindConsumption(ctx, userID, key)
		if findErr != nil {
			return nil, findErr
		}
		if existing == nil {
			return nil, err
		}
		return resultFromRecord(existing, true), nil
	}
	if err != nil {
		return nil, err
	}

	s.metrics.RecordConsume(ctx, operation, record.Allowed, record.DenialReason)
	if !record.Allowed {
		s.log.Info("consume denied",
			zap.String("user_id", userID),
			zap.String("operation_type", operation),
			zap.Int64("billable_seconds", billable),
		)
	}
	return resultFromRecord(record, false), nil
}

// flagCollision annotates the committed record and writes the anomaly
// audit row. Billing fields are never touched.
func (s *Service) flagCollision(ctx context.Context, existing *ledgerdomain.ConsumptionRecord, operation string, seconds int64) error {
	annotation := fmt.Sprintf("collision: replayed with operation_type=%s seconds=%d", operation, seconds)
	if err := s.ledgerSvc.Annotate(ctx, existing.ID, annotation); err != nil {
		return err
	}
	s.log.Warn("idempotency key collision",
		zap.String("user_id", existing.UserID),
		zap.String("idempotency_key", existing.IdempotencyKey),
		zap.String("operation_type", operation),
		zap.Int64("requested_seconds", seconds),
	)
	return s.auditSvc.Record(ctx, nil, &auditdomain.AuditLog{
		UserID:     existing.UserID,
		Actor:      auditdomain.ActorSystem,
		Action:     auditdomain.ActionIdempotencyCollision,
		TargetType: "consumption_record",
		TargetID:   existing.ID.String(),
		Metadata: datatypes.JSONMap{
			"original_operation": existing.OperationType,
			"original_seconds":   existing.RequestedSeconds,
			"replay_operation":   operation,
			"replay_seconds":     seconds,
		},
	})
}

func (s *Service) Precheck(ctx context.Context, userID string, seconds int64) (consumptiondomain.PrecheckResult, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return consumptiondomain.PrecheckResult{}, consumptiondomain.ErrInvalidUser
	}
	if seconds < 0 {
		return consumptiondomain.PrecheckResult{}, consumptiondomain.ErrInvalidAmount
	}
	bal, err := s.GetBalance(ctx, userID)
	if err != nil {
		return consumptiondomain.PrecheckResult{}, err
	}
	now := s.clock.Now()
	billable := s.billable(seconds)
	capacity := bal.CapacityAt(now)
	return consumptiondomain.PrecheckResult{
		Sufficient:       capacity >= billable,
		BillableSeconds:  billable,
		RemainingSeconds: capacity,
	}, nil
}

func (s *Service) Credit(ctx context.Context, req consumptiondomain.CreditRequest) (*ledgerdomain.LedgerEntry, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, consumptiondomain.ErrInvalidUser
	}
	if req.Seconds <= 0 {
		return nil, consumptiondomain.ErrInvalidAmount
	}
	if !req.Source.Valid() {
		return nil, consumptiondomain.ErrInvalidSource
	}
	if strings.TrimSpace(req.Actor) == "" {
		return nil, consumptiondomain.ErrInvalidActor
	}
	upstreamEventID := strings.TrimSpace(req.UpstreamEventID)
	if upstreamEventID == "" {
		return nil, consumptiondomain.ErrInvalidUpstreamEvent
	}
	bucketSource := req.BucketSource
	if bucketSource == "" {
		mapped, err := consumptiondomain.BucketSourceFor(req.Source)
		if err != nil {
			return nil, err
		}
		bucketSource = mapped
	}
	if !bucketSource.Valid() {
		return nil, consumptiondomain.ErrInvalidSource
	}

	release := s.locks.Lock(userID)
	defer release()

	// Upstream events are already deduplicated by their producers; this is
	// the engine's own second guard against double-applying one.
	if existing, err := s.ledgerSvc.FindEntryByUpstreamEvent(ctx, userID, upstreamEventID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, consumptiondomain.ErrDuplicateCredit
	}

	now := s.clock.Now()
	entry := &ledgerdomain.LedgerEntry{
		ID:              s.genID.Generate(),
		UserID:          userID,
		SourceType:      req.Source,
		DeltaSeconds:    req.Seconds,
		Reason:          strings.TrimSpace(req.Reason),
		Actor:           strings.TrimSpace(req.Actor),
		UpstreamEventID: upstreamEventID,
		CatalogVersion:  s.catalogVersion,
		CreatedAt:       now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bal, err := s.loadOrCreateBalance(ctx, tx, userID, now)
		if err != nil {
			return err
		}
		bal.RollBonusPeriod(now)
		if err := bal.Validate(bal.UpdatedAt); err != nil {
			return err
		}

		var expiresAt *time.Time
		if req.ExpiresAt != nil {
			expiry := req.ExpiresAt.UTC()
			expiresAt = &expiry
		}
		if err := bal.AddBucket(balancedomain.Bucket{
			ID:        s.genID.Generate().String(),
			Source:    bucketSource,
			Seconds:   req.Seconds,
			ExpiresAt: expiresAt,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		bal.Recompute(now)
		if err := bal.Validate(now); err != nil {
			return err
		}
		if err := tx.Save(bal).Error; err != nil {
			return err
		}

		inserted, err := s.ledgerSvc.AppendEntry(ctx, tx, entry)
		if err != nil {
			return err
		}
		if !inserted {
			return errReplayRace
		}

		return s.auditSvc.Record(ctx, tx, &auditdomain.AuditLog{
			UserID:     userID,
			Actor:      entry.Actor,
			Action:     auditdomain.ActionCreditApplied,
			TargetType: "ledger_entry",
			TargetID:   entry.ID.String(),
			Metadata: datatypes.JSONMap{
				"source_type":       string(req.Source),
				"bucket_source":     string(bucketSource),
				"delta_seconds":     req.Seconds,
				"upstream_event_id": upstreamEventID,
			},
		})
	})
	if errors.Is(err, errReplayRace) {
		existing, findErr := s.ledgerSvc.FindEntryByUpstreamEvent(ctx, userID, upstreamEventID)
		if findErr != nil {
			return nil, findErr
		}
		return existing, consumptiondomain.ErrDuplicateCredit
	}
	if err != nil {
		return nil, err
	}

	s.metrics.RecordCredit(ctx, string(req.Source))
	return entry, nil
}

func (s *Service) GetBalance(ctx context.Context, userID string) (*balancedomain.Balance, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, consumptiondomain.ErrInvalidUser
	}
	now := s.clock.Now()
	var bal balancedomain.Balance
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&bal).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Implicit zero balance; materialized on first mutation.
			return balancedomain.NewBalance(userID, s.bonusMonthlyCap, s.catalogVersion, now), nil
		}
		return nil, err
	}
	// View-only period roll so dashboards never show last month's counter.
	bal.RollBonusPeriod(now)
	return &bal, nil
}

func (s *Service) ConsumptionHistory(ctx context.Context, req ledgerdomain.HistoryRequest) ([]ledgerdomain.ConsumptionRecord, error) {
	return s.ledgerSvc.ListConsumptions(ctx, req)
}

func (s *Service) LedgerHistory(ctx context.Context, req ledgerdomain.HistoryRequest) ([]ledgerdomain.LedgerEntry, error) {
	return s.ledgerSvc.ListEntries(ctx, req)
}

func (s *Service) loadOrCreateBalance(ctx context.Context, tx *gorm.DB, userID string, now time.Time) (*balancedomain.Balance, error) {
	var bal balancedomain.Balance
	err := tx.WithContext(ctx).Where("user_id = ?", userID).First(&bal).Error
	if err == nil {
		return &bal, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	created := balancedomain.NewBalance(userID, s.bonusMonthlyCap, s.catalogVersion, now)
	if err := tx.WithContext(ctx).Create(created).Error; err != nil {
		return nil, err
	}
	return created, nil
}

func resultFromRecord(record *ledgerdomain.ConsumptionRecord, replayed bool) *consumptiondomain.ConsumeResult {
	return &consumptiondomain.ConsumeResult{
		Allowed:          record.Allowed,
		Replayed:         replayed,
		BillableSeconds:  record.BillableSeconds,
		DrawnBySource:    record.DrawnBySource,
		RemainingSeconds: record.RemainingSeconds,
		DenialReason:     record.DenialReason,
	}
}
