// Package domain defines the consumption engine contract: the committing
// debit path, the credit path, and the non-committing read paths.
package domain

import (
	"context"
	"errors"
	"time"

	balancedomain "github.com/forgeapp/meterd/internal/balance/domain"
	ledgerdomain "github.com/forgeapp/meterd/internal/ledger/domain"
)

// DenialInsufficientBalance is the only business denial reason on the
// debit path; validation failures surface as errors instead.
const DenialInsufficientBalance = "insufficient_balance"

// ConsumeRequest asks to debit already-consumed compute time.
type ConsumeRequest struct {
	UserID         string    `json:"user_id"`
	Seconds        int64     `json:"seconds"`
	IdempotencyKey string    `json:"idempotency_key"`
	OperationType  string    `json:"operation_type"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// ConsumeResult is what a call, or any retry with the same idempotency
// key, gets back.
type ConsumeResult struct {
	Allowed          bool                         `json:"allowed"`
	Replayed         bool                         `json:"replayed"`
	BillableSeconds  int64                        `json:"billable_seconds"`
	DrawnBySource    ledgerdomain.SourceBreakdown `json:"drawn_by_source"`
	RemainingSeconds int64                        `json:"remaining_seconds"`
	DenialReason     string                       `json:"denial_reason,omitempty"`
}

// CreditRequest grants new resource to a user.
type CreditRequest struct {
	UserID          string                         `json:"user_id"`
	Source          ledgerdomain.LedgerSourceType  `json:"source"`
	BucketSource    balancedomain.BucketSource     `json:"bucket_source,omitempty"`
	Seconds         int64                          `json:"seconds"`
	ExpiresAt       *time.Time                     `json:"expires_at,omitempty"`
	Reason          string                         `json:"reason"`
	Actor           string                         `json:"actor"`
	UpstreamEventID string                         `json:"upstream_event_id"`
}

// PrecheckResult answers "would this debit be allowed right now" without
// committing anything.
type PrecheckResult struct {
	Sufficient       bool  `json:"sufficient"`
	BillableSeconds  int64 `json:"billable_seconds"`
	RemainingSeconds int64 `json:"remaining_seconds"`
}

type Service interface {
	Consume(ctx context.Context, req ConsumeRequest) (*ConsumeResult, error)
	Precheck(ctx context.Context, userID string, seconds int64) (PrecheckResult, error)
	Credit(ctx context.Context, req CreditRequest) (*ledgerdomain.LedgerEntry, error)
	GetBalance(ctx context.Context, userID string) (*balancedomain.Balance, error)
	ConsumptionHistory(ctx context.Context, req ledgerdomain.HistoryRequest) ([]ledgerdomain.ConsumptionRecord, error)
	LedgerHistory(ctx context.Context, req ledgerdomain.HistoryRequest) ([]ledgerdomain.LedgerEntry, error)
}

var (
	ErrInvalidUser           = errors.New("invalid_user")
	ErrInvalidAmount         = errors.New("invalid_amount")
	ErrInvalidIdempotencyKey = errors.New("invalid_idempotency_key")
	ErrInvalidOperationType  = errors.New("invalid_operation_type")
	ErrInvalidSource         = errors.New("invalid_source")
	ErrInvalidActor          = errors.New("invalid_actor")
	ErrInvalidUpstreamEvent  = errors.New("invalid_upstream_event")
	ErrDuplicateCredit       = errors.New("duplicate_credit")
)

// BucketSourceFor maps a credit's ledger source to the bucket source it
// funds by default. The switch is exhaustive over the closed set.
func BucketSourceFor(source ledgerdomain.LedgerSourceType) (balancedomain.BucketSource, error) {
	switch source {
	case ledgerdomain.SourceTypePayment:
		return balancedomain.SourcePackage, nil
	case ledgerdomain.SourceTypeSubscriptionCredit:
		return balancedomain.SourceSubscription, nil
	case ledgerdomain.SourceTypeVoucher:
		return balancedomain.SourceWelcome, nil
	case ledgerdomain.SourceTypeAdminAdjustment:
		return balancedomain.SourceGift, nil
	case ledgerdomain.SourceTypeRollback:
		return balancedomain.SourceRollover, nil
	default:
		return "", ErrInvalidSource
	}
}
