package risk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultCacheTTL bounds how long a verdict is reused for the same pair.
const DefaultCacheTTL = 60 * time.Second

// RedisResultCache stores validation results in Redis with a TTL.
type RedisResultCache struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

var _ ResultCache = (*RedisResultCache)(nil)

// NewRedisResultCache creates a Redis-backed result cache.
func NewRedisResultCache(client redis.UniversalClient, ttl time.Duration) *RedisResultCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisResultCache{client: client, ttl: ttl, prefix: "refguard:validation"}
}

func (c *RedisResultCache) key(referrerID, referredID int64) string {
	return fmt.Sprintf("%s:%d:%d", c.prefix, referrerID, referredID)
}

// Get returns ErrCacheMiss when nothing is cached for the pair.
func (c *RedisResultCache) Get(ctx context.Context, referrerID, referredID int64) (*ValidationResult, error) {
	raw, err := c.client.Get(ctx, c.key(referrerID, referredID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var r ValidationResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode cached result: %w", err)
	}
	return &r, nil
}

// Set caches result. System-error verdicts are never cached.
func (c *RedisResultCache) Set(ctx context.Context, referrerID, referredID int64, result *ValidationResult) error {
	if result == nil || result.BlockReason == ReasonSystemError {
		return nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if err := c.client.Set(ctx, c.key(referrerID, referredID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}
