package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/forgeapp/meterd/internal/audit/domain"
	"github.com/forgeapp/meterd/internal/clock"
	"github.com/forgeapp/meterd/internal/config"
	obsmetrics "github.com/forgeapp/meterd/internal/observability/metrics"
	quotadomain "github.com/forgeapp/meterd/internal/quota/domain"
	"github.com/forgeapp/meterd/internal/ratelimit"
	"github.com/forgeapp/meterd/internal/userlock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// errReplayRace aborts a transaction when another node committed the same
// idempotency key between our check and our insert.
var errReplayRace = errors.New("idempotency_replay_race")

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Cfg      config.Config
	Clock    clock.Clock
	Limiter  *ratelimit.Limiter
	AuditSvc auditdomain.Service
	Locks    *userlock.Registry
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	limiter  *ratelimit.Limiter
	auditSvc auditdomain.Service
	locks    *userlock.Registry
	metrics  *obsmetrics.Metrics

	limits          map[string]int64
	collisionWindow time.Duration
}

func NewService(p Params) quotadomain.Service {
	collisionWindow := p.Cfg.Quota.CollisionWindow
	if collisionWindow <= 0 {
		collisionWindow = 48 * time.Hour
	}
	return &Service{
		db:              p.DB,
		log:             p.Log.Named("quota.service"),
		genID:           p.GenID,
		clock:           p.Clock,
		limiter:         p.Limiter,
		auditSvc:        p.AuditSvc,
		locks:           p.Locks,
		metrics:         p.Metrics,
		limits:          p.Cfg.Quota.Limits,
		collisionWindow: collisionWindow,
	}
}

func (s *Service) Consume(ctx context.Context, req quotadomain.ConsumeRequest) (*quotadomain.ConsumeResult, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, quotadomain.ErrInvalidUser
	}
	metricName := strings.TrimSpace(req.Metric)
	limit, ok := s.limits[metricName]
	if !ok {
		return nil, quotadomain.ErrUnknownMetric
	}
	amount := req.Amount
	if amount == 0 {
		amount = 1
	}
	if amount < 0 {
		return nil, quotadomain.ErrInvalidAmount
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return nil, quotadomain.ErrInvalidIdempotencyKey
	}

	// Rate limit before anything else; a rejection consumes no quota but
	// is audited, and the increment itself still counts.
	identifier := strings.TrimSpace(req.Identifier)
	identifierType := req.IdentifierType
	if identifier == "" {
		identifier = userID
		identifierType = ratelimit.IdentifierUser
	}
	rl, err := s.limiter.Allow(ctx, identifier, identifierType)
	if err != nil {
		return nil, err
	}
	if !rl.Allowed {
		if err := s.auditSvc.Record(ctx, nil, &auditdomain.AuditLog{
			UserID:     userID,
			Actor:      auditdomain.ActorSystem,
			Action:     auditdomain.ActionRateLimited,
			TargetType: "rate_limit_counter",
			Metadata: datatypes.JSONMap{
				"identifier":      identifier,
				"identifier_type": string(identifierType),
				"count":           rl.Count,
				"limit":           rl.Limit,
			},
		}); err != nil {
			return nil, err
		}
		s.metrics.RecordRateLimited(ctx, string(identifierType))
		return &quotadomain.ConsumeResult{
			Allowed:      false,
			DenialReason: quotadomain.DenialRateLimited,
			RetryAfter:   rl.RetryAfter,
		}, nil
	}

	release := s.locks.Lock(userID)
	defer release()

	now := s.clock.Now()
	recordedAt := req.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = now
	}
	recordedAt = recordedAt.UTC()

	// storageKey diverges from the caller's key only when the collision
	// detector decides the key cannot be trusted.
	storageKey := key
	if existing, err := s.findRecord(ctx, userID, key); err != nil {
		return nil, err
	} else if existing != nil {
		if !s.collides(existing, metricName, amount, recordedAt) {
			return resultFromRecord(existing, true), nil
		}
		storageKey = fmt.Sprintf("%s#%s", key, s.genID.Generate())
		if err := s.flagCollision(ctx, existing, metricName, amount, recordedAt, storageKey); err != nil {
			return nil, err
		}
	}

	var record *quotadomain.QuotaRecord
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		usage, err := s.loadOrCreateUsage(ctx, tx, userID, metricName, now)
		if err != nil {
			return err
		}
		grants, err := s.activeGrants(ctx, tx, userID, metricName, now)
		if err != nil {
			return err
		}

		baseRemaining := limit - usage.Used
		if baseRemaining < 0 {
			baseRemaining = 0
		}
		var grantRemaining int64
		for _, g := range grants {
			grantRemaining += g.Remaining()
		}
		available := baseRemaining + grantRemaining

		record = &quotadomain.QuotaRecord{
			ID:             s.genID.Generate(),
			UserID:         userID,
			IdempotencyKey: storageKey,
			Metric:         metricName,
			Amount:         amount,
			RecordedAt:     recordedAt,
			CreatedAt:      now,
		}

		if amount > available {
			record.Allowed = false
			record.DenialReason = quotadomain.DenialQuotaExceeded
			record.Remaining = available
			if err := s.auditSvc.Record(ctx, tx, &auditdomain.AuditLog{
				UserID:     userID,
				Actor:      auditdomain.ActorSystem,
				Action:     auditdomain.ActionQuotaDenied,
				TargetType: "quota_record",
				TargetID:   record.ID.String(),
				Metadata: datatypes.JSONMap{
					"metric":    metricName,
					"amount":    amount,
					"available": available,
				},
			}); err != nil {
				return err
			}
		} else {
			fromAllowance := amount
			if fromAllowance > baseRemaining {
				fromAllowance = baseRemaining
			}
			outstanding := amount - fromAllowance
			var fromGrants int64
			for i := range grants {
				if outstanding == 0 {
					break
				}
				draw := grants[i].Remaining()
				if draw > outstanding {
					draw = outstanding
				}
				grants[i].Used += draw
				if err := tx.Save(&grants[i]).Error; err != nil {
					return err
				}
				fromGrants += draw
				outstanding -= draw
			}
			if outstanding > 0 {
				return quotadomain.ErrInvalidAmount
			}

			usage.Used += fromAllowance
			usage.UpdatedAt = now
			if err := tx.Save(usage).Error; err != nil {
				return err
			}

			record.Allowed = true
			record.FromAllowance = fromAllowance
			record.FromGrants = fromGrants
			record.Remaining = available - amount
		}

		result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "idempotency_key"}},
			DoNothing: true,
		}).Create(record)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return errReplayRace
		}
		return nil
	})
	if errors.Is(err, errReplayRace) {
		existing, findErr := s.findRecord(ctx, userID, storageKey)
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

	s.metrics.RecordQuota(ctx, metricName, record.Allowed, record.DenialReason)
	if !record.Allowed {
		s.log.Info("quota denied",
			zap.String("user_id", userID),
			zap.String("metric", metricName),
			zap.Int64("amount", amount),
		)
	}
	return resultFromRecord(record, false), nil
}

func (s *Service) Grant(ctx context.Context, req quotadomain.GrantRequest) (*quotadomain.BonusGrant, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, quotadomain.ErrInvalidUser
	}
	metricName := strings.TrimSpace(req.Metric)
	if _, ok := s.limits[metricName]; !ok {
		return nil, quotadomain.ErrUnknownMetric
	}
	if req.Amount <= 0 {
		return nil, quotadomain.ErrInvalidAmount
	}
	if strings.TrimSpace(req.Actor) == "" {
		return nil, quotadomain.ErrInvalidActor
	}

	now := s.clock.Now()
	var expiresAt *time.Time
	if req.ExpiresAt != nil {
		expiry := req.ExpiresAt.UTC()
		expiresAt = &expiry
	}
	grant := &quotadomain.BonusGrant{
		ID:        s.genID.Generate(),
		UserID:    userID,
		Metric:    metricName,
		Amount:    req.Amount,
		ExpiresAt: expiresAt,
		Reason:    strings.TrimSpace(req.Reason),
		Actor:     strings.TrimSpace(req.Actor),
		CreatedAt: now,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(grant).Error; err != nil {
			return err
		}
		return s.auditSvc.Record(ctx, tx, &auditdomain.AuditLog{
			UserID:     userID,
			Actor:      grant.Actor,
			Action:     auditdomain.ActionBonusGranted,
			TargetType: "bonus_grant",
			TargetID:   grant.ID.String(),
			Metadata: datatypes.JSONMap{
				"metric": metricName,
				"amount": req.Amount,
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return grant, nil
}

func (s *Service) Usage(ctx context.Context, userID, metricName string) (*quotadomain.UsageView, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, quotadomain.ErrInvalidUser
	}
	metricName = strings.TrimSpace(metricName)
	limit, ok := s.limits[metricName]
	if !ok {
		return nil, quotadomain.ErrUnknownMetric
	}

	now := s.clock.Now()
	periodStart, periodEnd := quotadomain.Period(now)

	var usage quotadomain.QuotaUsage
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND metric = ? AND period_start = ?", userID, metricName, periodStart).
		First(&usage).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	grants, err := s.activeGrants(ctx, s.db, userID, metricName, now)
	if err != nil {
		return nil, err
	}
	var bonus int64
	for _, g := range grants {
		bonus += g.Remaining()
	}

	baseRemaining := limit - usage.Used
	if baseRemaining < 0 {
		baseRemaining = 0
	}
	return &quotadomain.UsageView{
		Metric:      metricName,
		Limit:       limit,
		Used:        usage.Used,
		BonusTotal:  bonus,
		Remaining:   baseRemaining + bonus,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
	}, nil
}

func (s *Service) PruneDeniedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("allowed = ? AND created_at < ?", false, cutoff.UTC()).
		Delete(&quotadomain.QuotaRecord{})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		s.log.Info("pruned denied quota records", zap.Int64("rows", result.RowsAffected), zap.Time("cutoff", cutoff))
	}
	return result.RowsAffected, nil
}

// collides reports whether a replay carries materially different
// parameters than the committed record: different metric, different
// amount, or timestamps too far apart to be a retry.
func (s *Service) collides(existing *quotadomain.QuotaRecord, metricName string, amount int64, recordedAt time.Time) bool {
	if existing.Metric != metricName || existing.Amount != amount {
		return true
	}
	gap := recordedAt.Sub(existing.RecordedAt)
	if gap < 0 {
		gap = -gap
	}
	return gap > s.collisionWindow
}

// flagCollision annotates the original record and writes the anomaly audit
// row. The request itself is not rejected; the caller proceeds with a
// derived storage key so the original record stays the key's replay answer.
func (s *Service) flagCollision(ctx context.Context, existing *quotadomain.QuotaRecord, metricName string, amount int64, recordedAt time.Time, storageKey string) error {
	annotation := fmt.Sprintf("collision: replayed with metric=%s amount=%d at %s", metricName, amount, recordedAt.Format(time.RFC3339))
	err := s.db.WithContext(ctx).Model(&quotadomain.QuotaRecord{}).
		Where("id = ?", existing.ID).
		Update("annotation", annotation).Error
	if err != nil {
		return err
	}
	s.log.Warn("idempotency key collision",
		zap.String("user_id", existing.UserID),
		zap.String("idempotency_key", existing.IdempotencyKey),
		zap.String("metric", metricName),
		zap.Int64("amount", amount),
	)
	return s.auditSvc.Record(ctx, nil, &auditdomain.AuditLog{
		UserID:     existing.UserID,
		Actor:      auditdomain.ActorSystem,
		Action:     auditdomain.ActionIdempotencyCollision,
		TargetType: "quota_record",
		TargetID:   existing.ID.String(),
		Metadata: datatypes.JSONMap{
			"original_metric": existing.Metric,
			"original_amount": existing.Amount,
			"replay_metric":   metricName,
			"replay_amount":   amount,
			"storage_key":     storageKey,
		},
	})
}

func (s *Service) findRecord(ctx context.Context, userID, key string) (*quotadomain.QuotaRecord, error) {
	var record quotadomain.QuotaRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID, key).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (s *Service) loadOrCreateUsage(ctx context.Context, tx *gorm.DB, userID, metricName string, now time.Time) (*quotadomain.QuotaUsage, error) {
	periodStart, periodEnd := quotadomain.Period(now)
	var usage quotadomain.QuotaUsage
	err := tx.WithContext(ctx).
		Where("user_id = ? AND metric = ? AND period_start = ?", userID, metricName, periodStart).
		First(&usage).Error
	if err == nil {
		return &usage, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	created := &quotadomain.QuotaUsage{
		ID:          s.genID.Generate(),
		UserID:      userID,
		Metric:      metricName,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := tx.WithContext(ctx).Create(created).Error; err != nil {
		return nil, err
	}
	return created, nil
}

// activeGrants returns the metric's drawable grants in drain order:
// earliest expiry first, non-expiring last, ties by creation order.
func (s *Service) activeGrants(ctx context.Context, tx *gorm.DB, userID, metricName string, now time.Time) ([]quotadomain.BonusGrant, error) {
	var grants []quotadomain.BonusGrant
	err := tx.WithContext(ctx).
		Where("user_id = ? AND metric = ?", userID, metricName).
		Find(&grants).Error
	if err != nil {
		return nil, err
	}
	active := grants[:0]
	for _, g := range grants {
		if g.ActiveAt(now) {
			active = append(active, g)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		gi, gj := active[i], active[j]
		switch {
		case gi.ExpiresAt == nil && gj.ExpiresAt == nil:
			return grantTieBreak(gi, gj)
		case gi.ExpiresAt == nil:
			return false
		case gj.ExpiresAt == nil:
			return true
		case gi.ExpiresAt.Equal(*gj.ExpiresAt):
			return grantTieBreak(gi, gj)
		default:
			return gi.ExpiresAt.Before(*gj.ExpiresAt)
		}
	})
	return active, nil
}

func grantTieBreak(gi, gj quotadomain.BonusGrant) bool {
	if !gi.CreatedAt.Equal(gj.CreatedAt) {
		return gi.CreatedAt.Before(gj.CreatedAt)
	}
	return gi.ID < gj.ID
}

func resultFromRecord(record *quotadomain.QuotaRecord, replayed bool) *quotadomain.ConsumeResult {
	return &quotadomain.ConsumeResult{
		Allowed:       record.Allowed,
		Replayed:      replayed,
		Remaining:     record.Remaining,
		FromAllowance: record.FromAllowance,
		FromGrants:    record.FromGrants,
		DenialReason:  record.DenialReason,
	}
}
