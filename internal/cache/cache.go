package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"cutout/internal/domain"
)

// Cache is the caching interface. Implementations must be safe for
// concurrent use. Callers treat cache failures as misses; redis being down
// never breaks a request.
type Cache interface {
	Ping(ctx context.Context) error
	Close() error
	SetSnapshot(ctx context.Context, accountID string, snap domain.StatusSnapshot, ttl time.Duration) error
	GetSnapshot(ctx context.Context, accountID, projectID string) (*domain.StatusSnapshot, bool, error)
	InvalidateSnapshot(ctx context.Context, accountID, projectID string) error
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// RedisCache implements Cache using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) SetSnapshot(ctx context.Context, accountID string, snap domain.StatusSnapshot, ttl time.Duration) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, SnapshotKey(accountID, snap.ID), payload, ttl).Err()
}

func (c *RedisCache) GetSnapshot(ctx context.Context, accountID, projectID string) (*domain.StatusSnapshot, bool, error) {
	val, err := c.client.Get(ctx, SnapshotKey(accountID, projectID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var snap domain.StatusSnapshot
	if err := json.Unmarshal(val, &snap); err != nil {
		return nil, false, err
	}
	return &snap, true, nil
}

func (c *RedisCache) InvalidateSnapshot(ctx context.Context, accountID, projectID string) error {
	return c.client.Del(ctx, SnapshotKey(accountID, projectID)).Err()
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
