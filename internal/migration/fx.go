package migration

import (
	auditdomain "github.com/forgeapp/meterd/internal/audit/domain"
	balancedomain "github.com/forgeapp/meterd/internal/balance/domain"
	"github.com/forgeapp/meterd/internal/config"
	ledgerdomain "github.com/forgeapp/meterd/internal/ledger/domain"
	quotadomain "github.com/forgeapp/meterd/internal/quota/domain"
	"github.com/forgeapp/meterd/internal/ratelimit"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType == "postgres" {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			return RunMigrations(sqlDB)
		}
		return conn.AutoMigrate(
			&balancedomain.Balance{},
			&ledgerdomain.LedgerEntry{},
			&ledgerdomain.ConsumptionRecord{},
			&quotadomain.QuotaUsage{},
			&quotadomain.BonusGrant{},
			&quotadomain.QuotaRecord{},
			&ratelimit.Counter{},
			&auditdomain.AuditLog{},
		)
	}),
)
