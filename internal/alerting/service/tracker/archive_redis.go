package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "remediator:invocation:"

// RedisArchive keeps finished invocations in Redis as JSON with a TTL, so
// they stay queryable after the in-memory tracker evicts them.
type RedisArchive struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewRedisArchive(rdb *redis.Client, ttl time.Duration) *RedisArchive {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisArchive{redis: rdb, ttl: ttl}
}

func (a *RedisArchive) Store(ctx context.Context, inv Invocation) error {
	if a.redis == nil {
		return fmt.Errorf("redis client is nil")
	}
	data, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("failed to marshal invocation: %w", err)
	}
	if err := a.redis.Set(ctx, redisKeyPrefix+inv.ID, data, a.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store invocation: %w", err)
	}
	return nil
}

// Load fetches an archived invocation. ok is false when it has expired or
// was never archived.
func (a *RedisArchive) Load(ctx context.Context, id string) (Invocation, bool, error) {
	if a.redis == nil {
		return Invocation{}, false, fmt.Errorf("redis client is nil")
	}
	data, err := a.redis.Get(ctx, redisKeyPrefix+id).Result()
	if err != nil {
		if err == redis.Nil {
			return Invocation{}, false, nil
		}
		return Invocation{}, false, fmt.Errorf("failed to get invocation: %w", err)
	}
	var inv Invocation
	if err := json.Unmarshal([]byte(data), &inv); err != nil {
		return Invocation{}, false, fmt.Errorf("failed to unmarshal invocation: %w", err)
	}
	return inv, true, nil
}
