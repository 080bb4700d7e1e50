package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/forgeapp/meterd/internal/audit/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
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

func NewService(p Params) auditdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
	}
}

func (s *Service) Record(ctx context.Context, tx *gorm.DB, entry *auditdomain.AuditLog) error {
	if entry == nil || strings.TrimSpace(entry.UserID) == "" {
		return auditdomain.ErrInvalidUser
	}
	if strings.TrimSpace(entry.Action) == "" {
		return auditdomain.ErrInvalidAction
	}
	if entry.Actor == "" {
		entry.Actor = auditdomain.ActorSystem
	}
	if entry.ID == 0 {
		entry.ID = s.genID.Generate()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if tx == nil {
		tx = s.db
	}
	return tx.WithContext(ctx).Create(entry).Error
}

func (s *Service) List(ctx context.Context, req auditdomain.ListRequest) ([]auditdomain.AuditLog, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, auditdomain.ErrInvalidUser
	}
	limit := req.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	stmt := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if action := strings.TrimSpace(req.Action); action != "" {
		stmt = stmt.Where("action = ?", action)
	}
	var logs []auditdomain.AuditLog
	if err := stmt.Order("created_at DESC, id DESC").Limit(limit).Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Service) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff.UTC()).
		Delete(&auditdomain.AuditLog{})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		s.log.Info("pruned audit logs", zap.Int64("rows", result.RowsAffected), zap.Time("cutoff", cutoff))
	}
	return result.RowsAffected, nil
}
