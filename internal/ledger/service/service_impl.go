package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/forgeapp/meterd/internal/ledger/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("ledger.service"),
		genID: p.GenID,
	}
}

// AppendEntry inserts a credit row. The (user, upstream event) unique index
// plus ON CONFLICT DO NOTHING gives first-writer-wins semantics; the bool
// result reports whether this call inserted the row.
func (s *Service) AppendEntry(ctx context.Context, tx *gorm.DB, entry *ledgerdomain.LedgerEntry) (bool, error) {
	if entry == nil || strings.TrimSpace(entry.UserID) == "" {
		return false, ledgerdomain.ErrInvalidUser
	}
	if !entry.SourceType.Valid() {
		return false, ledgerdomain.ErrInvalidSourceType
	}
	if entry.DeltaSeconds == 0 {
		return false, ledgerdomain.ErrInvalidDelta
	}
	if strings.TrimSpace(entry.UpstreamEventID) == "" {
		return false, ledgerdomain.ErrInvalidUpstreamEvent
	}
	if tx == nil {
		tx = s.db
	}
	if entry.ID == 0 {
		entry.ID = s.genID.Generate()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	result := tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "upstream_event_id"}},
		DoNothing: true,
	}).Create(entry)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *Service) FindEntryByUpstreamEvent(ctx context.Context, userID, upstreamEventID string) (*ledgerdomain.LedgerEntry, error) {
	userID = strings.TrimSpace(userID)
	upstreamEventID = strings.TrimSpace(upstreamEventID)
	if userID == "" {
		return nil, ledgerdomain.ErrInvalidUser
	}
	if upstreamEventID == "" {
		return nil, ledgerdomain.ErrInvalidUpstreamEvent
	}
	var entry ledgerdomain.LedgerEntry
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND upstream_event_id = ?", userID, upstreamEventID).
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

// AppendConsumption inserts a debit record with first-writer-wins on the
// (user, idempotency key) pair.
func (s *Service) AppendConsumption(ctx context.Context, tx *gorm.DB, record *ledgerdomain.ConsumptionRecord) (bool, error) {
	if record == nil || strings.TrimSpace(record.UserID) == "" {
		return false, ledgerdomain.ErrInvalidUser
	}
	if strings.TrimSpace(record.IdempotencyKey) == "" {
		return false, ledgerdomain.ErrInvalidIdempotency
	}
	if tx == nil {
		tx = s.db
	}
	if record.ID == 0 {
		record.ID = s.genID.Generate()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	result := tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "idempotency_key"}},
		DoNothing: true,
	}).Create(record)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *Service) FindConsumption(ctx context.Context, userID, idempotencyKey string) (*ledgerdomain.ConsumptionRecord, error) {
	userID = strings.TrimSpace(userID)
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	if userID == "" {
		return nil, ledgerdomain.ErrInvalidUser
	}
	if idempotencyKey == "" {
		return nil, ledgerdomain.ErrInvalidIdempotency
	}
	var record ledgerdomain.ConsumptionRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID, idempotencyKey).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// Annotate attaches the collision detector's note to an existing record.
// Billing fields are never touched.
func (s *Service) Annotate(ctx context.Context, recordID snowflake.ID, annotation string) error {
	return s.db.WithContext(ctx).
		Model(&ledgerdomain.ConsumptionRecord{}).
		Where("id = ?", recordID).
		Update("annotation", annotation).Error
}

func (s *Service) ListEntries(ctx context.Context, req ledgerdomain.HistoryRequest) ([]ledgerdomain.LedgerEntry, error) {
	stmt, err := s.historyQuery(ctx, req)
	if err != nil {
		return nil, err
	}
	var entries []ledgerdomain.LedgerEntry
	if err := stmt.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Service) ListConsumptions(ctx context.Context, req ledgerdomain.HistoryRequest) ([]ledgerdomain.ConsumptionRecord, error) {
	stmt, err := s.historyQuery(ctx, req)
	if err != nil {
		return nil, err
	}
	var records []ledgerdomain.ConsumptionRecord
	if err := stmt.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Service) historyQuery(ctx context.Context, req ledgerdomain.HistoryRequest) (*gorm.DB, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, ledgerdomain.ErrInvalidUser
	}
	if !req.From.IsZero() && !req.To.IsZero() && req.To.Before(req.From) {
		return nil, ledgerdomain.ErrInvalidTimeRange
	}
	limit := req.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	stmt := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if !req.From.IsZero() {
		stmt = stmt.Where("created_at >= ?", req.From.UTC())
	}
	if !req.To.IsZero() {
		stmt = stmt.Where("created_at < ?", req.To.UTC())
	}
	return stmt.Order("created_at DESC, id DESC").Limit(limit), nil
}

// PruneDeniedBefore removes denied consumption records older than cutoff.
// Committed records (allowed = true) and ledger entries are retained
// indefinitely; the retention job enforces the safety floor on cutoff.
func (s *Service) PruneDeniedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("allowed = ? AND created_at < ?", false, cutoff.UTC()).
		Delete(&ledgerdomain.ConsumptionRecord{})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		s.log.Info("pruned denied consumption records",
			zap.Int64("rows", result.RowsAffected),
			zap.Time("cutoff", cutoff),
		)
	}
	return result.RowsAffected, nil
}
