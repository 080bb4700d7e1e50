package ratelimit

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const windowIncrScript = `
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`

// RedisStore keeps window counters in redis; TTLs make pruning a no-op.
type RedisStore struct {
	client *redis.Client
	script *redis.Script
}

func NewRedisStore(client *redis.Client) *RedisStore {
	if client == nil {
		return nil
	}
	return &RedisStore{
		client: client,
		script: redis.NewScript(windowIncrScript),
	}
}

func (s *RedisStore) Incr(ctx context.Context, identifier string, identifierType IdentifierType, windowStart time.Time, ttl time.Duration) (int64, error) {
	key := fmt.Sprintf("ratelimit:%s:%s:%d", identifierType, identifier, windowStart.UTC().Unix())
	if ttl <= 0 {
		ttl = time.Minute
	}
	count, err := s.script.Run(ctx, s.client, []string{key}, int64(ttl/time.Millisecond)).Int64()
	if err != nil {
		return 0, err
	}
	return count, nil
}

// PruneBefore is a no-op: redis expires window keys by TTL.
func (s *RedisStore) PruneBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}
