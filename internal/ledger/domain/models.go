// Package domain contains the append-only ledger rows: credit-side
// LedgerEntry and debit-side ConsumptionRecord. Rows are never updated or
// deleted after commit, with two narrow exceptions: the collision
// detector's Annotation column, and age-based retention pruning of denied
// records.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	balancedomain "github.com/forgeapp/meterd/internal/balance/domain"
	"gorm.io/gorm"
)

// LedgerSourceType classifies what triggered a credit.
type LedgerSourceType string

const (
	SourceTypePayment            LedgerSourceType = "payment"
	SourceTypeSubscriptionCredit LedgerSourceType = "subscription_credit"
	SourceTypeVoucher            LedgerSourceType = "voucher"
	SourceTypeAdminAdjustment    LedgerSourceType = "admin_adjustment"
	SourceTypeRollback           LedgerSourceType = "rollback"
)

// Valid reports whether s is a member of the closed source set.
func (s LedgerSourceType) Valid() bool {
	switch s {
	case SourceTypePayment, SourceTypeSubscriptionCredit, SourceTypeVoucher, SourceTypeAdminAdjustment, SourceTypeRollback:
		return true
	default:
		return false
	}
}

// LedgerEntry is the immutable audit row for a credit.
type LedgerEntry struct {
	ID              snowflake.ID     `json:"id" gorm:"primaryKey"`
	UserID          string           `json:"user_id" gorm:"type:text;not null;index;uniqueIndex:ux_ledger_entries_user_event,priority:1"`
	SourceType      LedgerSourceType `json:"source_type" gorm:"type:text;not null;index"`
	DeltaSeconds    int64            `json:"delta_seconds" gorm:"not null"`
	Reason          string           `json:"reason" gorm:"type:text;not null"`
	Actor           string           `json:"actor" gorm:"type:text;not null"`
	UpstreamEventID string           `json:"upstream_event_id" gorm:"type:text;not null;uniqueIndex:ux_ledger_entries_user_event,priority:2"`
	CatalogVersion  string           `json:"catalog_version" gorm:"type:text;not null;default:''"`
	CreatedAt       time.Time        `json:"created_at" gorm:"not null;autoCreateTime:false"`
}

// TableName sets the database table name.
func (LedgerEntry) TableName() string { return "ledger_entries" }

// SourceBreakdown records how many seconds each bucket source contributed
// to a debit.
type SourceBreakdown map[balancedomain.BucketSource]int64

// ConsumptionRecord is the durable result of one debit attempt; it doubles
// as the idempotency record for its (user, key) pair.
type ConsumptionRecord struct {
	ID               snowflake.ID          `json:"id" gorm:"primaryKey"`
	UserID           string                `json:"user_id" gorm:"type:text;not null;uniqueIndex:ux_consumption_user_key,priority:1"`
	IdempotencyKey   string                `json:"idempotency_key" gorm:"type:text;not null;uniqueIndex:ux_consumption_user_key,priority:2"`
	OperationType    string                `json:"operation_type" gorm:"type:text;not null"`
	RequestedSeconds int64                 `json:"requested_seconds" gorm:"not null"`
	BillableSeconds  int64                 `json:"billable_seconds" gorm:"not null"`
	DrawnBySource    SourceBreakdown       `json:"drawn_by_source" gorm:"serializer:json"`
	BalanceBefore    balancedomain.Balance `json:"balance_before" gorm:"serializer:json"`
	BalanceAfter     balancedomain.Balance `json:"balance_after" gorm:"serializer:json"`
	RemainingSeconds int64                 `json:"remaining_seconds" gorm:"not null;default:0"`
	Allowed          bool                  `json:"allowed" gorm:"not null"`
	DenialReason     string                `json:"denial_reason" gorm:"type:text;not null;default:''"`
	Annotation       string                `json:"annotation" gorm:"type:text;not null;default:''"`
	RecordedAt       time.Time             `json:"recorded_at" gorm:"not null"`
	CreatedAt        time.Time             `json:"created_at" gorm:"not null;index;autoCreateTime:false"`
}

// TableName sets the database table name.
func (ConsumptionRecord) TableName() string { return "consumption_records" }

// HistoryRequest bounds a read over either append-only table.
type HistoryRequest struct {
	UserID string
	From   time.Time
	To     time.Time
	Limit  int
}

// Service is the storage surface for both append-only tables. Append
// methods take the caller's transaction handle so a record commits in the
// same atomic unit as the balance mutation it describes.
type Service interface {
	AppendEntry(ctx context.Context, tx *gorm.DB, entry *LedgerEntry) (bool, error)
	FindEntryByUpstreamEvent(ctx context.Context, userID, upstreamEventID string) (*LedgerEntry, error)
	AppendConsumption(ctx context.Context, tx *gorm.DB, record *ConsumptionRecord) (bool, error)
	FindConsumption(ctx context.Context, userID, idempotencyKey string) (*ConsumptionRecord, error)
	Annotate(ctx context.Context, recordID snowflake.ID, annotation string) error
	ListEntries(ctx context.Context, req HistoryRequest) ([]LedgerEntry, error)
	ListConsumptions(ctx context.Context, req HistoryRequest) ([]ConsumptionRecord, error)
	PruneDeniedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

var (
	ErrInvalidUser          = errors.New("invalid_user")
	ErrInvalidSourceType    = errors.New("invalid_source_type")
	ErrInvalidDelta         = errors.New("invalid_delta")
	ErrInvalidUpstreamEvent = errors.New("invalid_upstream_event")
	ErrInvalidIdempotency   = errors.New("invalid_idempotency_key")
	ErrInvalidTimeRange     = errors.New("invalid_time_range")
)
