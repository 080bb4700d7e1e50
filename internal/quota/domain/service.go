// Package domain defines the discrete-metric quota counter: per-period
// plan allowances, bonus-grant overflow, per-client rate limiting and
// idempotency-collision detection.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/forgeapp/meterd/internal/ratelimit"
)

// Denial reasons returned on the quota debit path.
const (
	DenialQuotaExceeded = "quota_exceeded"
	DenialRateLimited   = "rate_limited"
)

// QuotaUsage is the running counter for one (user, metric, period).
type QuotaUsage struct {
	ID          snowflake.ID `json:"id" gorm:"primaryKey"`
	UserID      string       `json:"user_id" gorm:"type:text;not null;uniqueIndex:ux_quota_usage_user_metric_period,priority:1"`
	Metric      string       `json:"metric" gorm:"type:text;not null;uniqueIndex:ux_quota_usage_user_metric_period,priority:2"`
	PeriodStart time.Time    `json:"period_start" gorm:"not null;uniqueIndex:ux_quota_usage_user_metric_period,priority:3"`
	PeriodEnd   time.Time    `json:"period_end" gorm:"not null"`
	Used        int64        `json:"used" gorm:"not null;default:0"`
	CreatedAt   time.Time    `json:"created_at" gorm:"not null;autoCreateTime:false"`
	UpdatedAt   time.Time    `json:"updated_at" gorm:"not null;autoUpdateTime:false"`
}

// TableName sets the database table name.
func (QuotaUsage) TableName() string { return "quota_usages" }

// BonusGrant is extra allowance for one metric beyond the plan limit; a
// bucket specialized to whole counts.
type BonusGrant struct {
	ID        snowflake.ID `json:"id" gorm:"primaryKey"`
	UserID    string       `json:"user_id" gorm:"type:text;not null;index:idx_bonus_grants_user_metric,priority:1"`
	Metric    string       `json:"metric" gorm:"type:text;not null;index:idx_bonus_grants_user_metric,priority:2"`
	Amount    int64        `json:"amount" gorm:"not null"`
	Used      int64        `json:"used" gorm:"not null;default:0"`
	ExpiresAt *time.Time   `json:"expires_at"`
	Reason    string       `json:"reason" gorm:"type:text;not null"`
	Actor     string       `json:"actor" gorm:"type:text;not null"`
	CreatedAt time.Time    `json:"created_at" gorm:"not null;autoCreateTime:false"`
}

// TableName sets the database table name.
func (BonusGrant) TableName() string { return "bonus_grants" }

// Remaining is the grant's undrawn amount.
func (g BonusGrant) Remaining() int64 { return g.Amount - g.Used }

// ActiveAt reports whether the grant can still fund draws at now.
func (g BonusGrant) ActiveAt(now time.Time) bool {
	if g.Remaining() <= 0 {
		return false
	}
	return g.ExpiresAt == nil || g.ExpiresAt.After(now)
}

// QuotaRecord is the durable result of one quota debit attempt and the
// idempotency record for its (user, key) pair.
type QuotaRecord struct {
	ID             snowflake.ID `json:"id" gorm:"primaryKey"`
	UserID         string       `json:"user_id" gorm:"type:text;not null;uniqueIndex:ux_quota_records_user_key,priority:1"`
	IdempotencyKey string       `json:"idempotency_key" gorm:"type:text;not null;uniqueIndex:ux_quota_records_user_key,priority:2"`
	Metric         string       `json:"metric" gorm:"type:text;not null"`
	Amount         int64        `json:"amount" gorm:"not null"`
	Allowed        bool         `json:"allowed" gorm:"not null"`
	DenialReason   string       `json:"denial_reason" gorm:"type:text;not null;default:''"`
	FromAllowance  int64        `json:"from_allowance" gorm:"not null;default:0"`
	FromGrants     int64        `json:"from_grants" gorm:"not null;default:0"`
	Remaining      int64        `json:"remaining" gorm:"not null;default:0"`
	Annotation     string       `json:"annotation" gorm:"type:text;not null;default:''"`
	RecordedAt     time.Time    `json:"recorded_at" gorm:"not null"`
	CreatedAt      time.Time    `json:"created_at" gorm:"not null;index;autoCreateTime:false"`
}

// TableName sets the database table name.
func (QuotaRecord) TableName() string { return "quota_records" }

// ConsumeRequest asks to count one completed action against a metric.
type ConsumeRequest struct {
	UserID         string    `json:"user_id"`
	Metric         string    `json:"metric"`
	Amount         int64     `json:"amount"`
	IdempotencyKey string    `json:"idempotency_key"`
	RecordedAt     time.Time `json:"recorded_at"`

	// Identifier/IdentifierType select the rate-limit counter; they
	// default to the user id.
	Identifier     string                   `json:"identifier,omitempty"`
	IdentifierType ratelimit.IdentifierType `json:"identifier_type,omitempty"`
}

// ConsumeResult is what a call, or any retry with the same key, gets back.
type ConsumeResult struct {
	Allowed       bool          `json:"allowed"`
	Replayed      bool          `json:"replayed"`
	Remaining     int64         `json:"remaining"`
	FromAllowance int64         `json:"from_allowance"`
	FromGrants    int64         `json:"from_grants"`
	DenialReason  string        `json:"denial_reason,omitempty"`
	RetryAfter    time.Duration `json:"retry_after,omitempty"`
}

// GrantRequest issues extra allowance for one metric.
type GrantRequest struct {
	UserID    string     `json:"user_id"`
	Metric    string     `json:"metric"`
	Amount    int64      `json:"amount"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Reason    string     `json:"reason"`
	Actor     string     `json:"actor"`
}

// UsageView is the dashboard read model for one metric.
type UsageView struct {
	Metric      string    `json:"metric"`
	Limit       int64     `json:"limit"`
	Used        int64     `json:"used"`
	BonusTotal  int64     `json:"bonus_total"`
	Remaining   int64     `json:"remaining"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
}

type Service interface {
	Consume(ctx context.Context, req ConsumeRequest) (*ConsumeResult, error)
	Grant(ctx context.Context, req GrantRequest) (*BonusGrant, error)
	Usage(ctx context.Context, userID, metric string) (*UsageView, error)
	PruneDeniedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

var (
	ErrInvalidUser           = errors.New("invalid_user")
	ErrInvalidAmount         = errors.New("invalid_amount")
	ErrInvalidIdempotencyKey = errors.New("invalid_idempotency_key")
	ErrUnknownMetric         = errors.New("unknown_metric")
	ErrInvalidActor          = errors.New("invalid_actor")
)

// Period returns the calendar-month window containing t.
func Period(t time.Time) (start, end time.Time) {
	t = t.UTC()
	start = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}
