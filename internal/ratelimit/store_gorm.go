package ratelimit

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Counter is the persisted fixed-window row.
type Counter struct {
	Identifier     string         `gorm:"primaryKey;type:text"`
	IdentifierType IdentifierType `gorm:"primaryKey;type:text"`
	WindowStart    time.Time      `gorm:"primaryKey"`
	Count          int64          `gorm:"not null;default:0"`
	UpdatedAt      time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Counter) TableName() string { return "rate_limit_counters" }

// GormStore keeps window counters in the backing store. Works on both
// postgres and sqlite; the redis store is preferred when redis is
// configured.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Incr bumps the counter with update-then-insert so two concurrent
// identical requests both observe a distinct count (first writer creates
// the row, the loser of the insert race retries the update).
func (s *GormStore) Incr(ctx context.Context, identifier string, identifierType IdentifierType, windowStart time.Time, _ time.Duration) (int64, error) {
	windowStart = windowStart.UTC()
	now := time.Now().UTC()

	update := func() (int64, error) {
		result := s.db.WithContext(ctx).
			Model(&Counter{}).
			Where("identifier = ? AND identifier_type = ? AND window_start = ?", identifier, identifierType, windowStart).
			Updates(map[string]any{
				"count":      gorm.Expr("count + 1"),
				"updated_at": now,
			})
		return result.RowsAffected, result.Error
	}

	rows, err := update()
	if err != nil {
		return 0, err
	}
	if rows == 0 {
		insert := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&Counter{
			Identifier:     identifier,
			IdentifierType: identifierType,
			WindowStart:    windowStart,
			Count:          1,
			UpdatedAt:      now,
		})
		if insert.Error != nil {
			return 0, insert.Error
		}
		if insert.RowsAffected == 0 {
			// lost the insert race; the row exists now
			if _, err := update(); err != nil {
				return 0, err
			}
		}
	}

	var counter Counter
	err = s.db.WithContext(ctx).
		Where("identifier = ? AND identifier_type = ? AND window_start = ?", identifier, identifierType, windowStart).
		First(&counter).Error
	if err != nil {
		return 0, err
	}
	return counter.Count, nil
}

func (s *GormStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("window_start < ?", cutoff.UTC()).
		Delete(&Counter{})
	return result.RowsAffected, result.Error
}
