package ratelimit

import (
	"time"

	"github.com/forgeapp/meterd/internal/clock"
	"github.com/forgeapp/meterd/internal/config"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// NewStore picks redis when configured, the persisted counter table
// otherwise.
func NewStore(cfg config.Config, db *gorm.DB, log *zap.Logger) Store {
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		log.Named("ratelimit").Info("using redis rate-limit store", zap.String("addr", cfg.RedisAddr))
		return NewRedisStore(client)
	}
	return NewGormStore(db)
}

func NewFromConfig(cfg config.Config, store Store, clk clock.Clock) (*Limiter, error) {
	return NewLimiter(store, cfg.Quota.RateLimitPerMinute, time.Minute, clk)
}

var Module = fx.Module("rate.limit",
	fx.Provide(NewStore),
	fx.Provide(NewFromConfig),
)
