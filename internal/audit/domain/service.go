// Package domain defines the operational audit trail: denials, rate-limit
// rejections, idempotency anomalies and admin actions. Unlike the ledger
// tables it is subject to (bounded) retention pruning.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	ActorSystem = "system"

	ActionConsumeDenied        = "consume.denied"
	ActionQuotaDenied          = "quota.denied"
	ActionRateLimited          = "quota.rate_limited"
	ActionIdempotencyCollision = "idempotency.collision"
	ActionCreditApplied        = "credit.applied"
	ActionBonusGranted         = "quota.bonus_granted"
)

// AuditLog is one operational event.
type AuditLog struct {
	ID         snowflake.ID      `json:"id" gorm:"primaryKey"`
	UserID     string            `json:"user_id" gorm:"type:text;not null;index"`
	Actor      string            `json:"actor" gorm:"type:text;not null"`
	Action     string            `json:"action" gorm:"type:text;not null;index"`
	TargetType string            `json:"target_type" gorm:"type:text;not null"`
	TargetID   string            `json:"target_id" gorm:"type:text;not null;default:''"`
	Metadata   datatypes.JSONMap `json:"metadata" gorm:"type:jsonb"`
	CreatedAt  time.Time         `json:"created_at" gorm:"not null;index;autoCreateTime:false"`
}

// TableName sets the database table name.
func (AuditLog) TableName() string { return "audit_logs" }

type ListRequest struct {
	UserID string
	Action string
	Limit  int
}

type Service interface {
	// Record appends one audit row; when tx is non-nil the row commits
	// with the caller's transaction.
	Record(ctx context.Context, tx *gorm.DB, log *AuditLog) error
	List(ctx context.Context, req ListRequest) ([]AuditLog, error)
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

var (
	ErrInvalidUser   = errors.New("invalid_user")
	ErrInvalidAction = errors.New("invalid_action")
)
