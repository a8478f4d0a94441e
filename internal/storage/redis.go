package storage

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"throttle/internal/models"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed consume.lua
var consumeLuaScript string

// RedisStore implements CounterStore on Redis. Each key is a hash holding
// the request count and quota usage; the hash's TTL is the window. The
// window check, both increments and the expiry are applied by a single Lua
// script, so concurrent gateways sharing the Redis never lose an update.
type RedisStore struct {
	client redis.UniversalClient
	script *redis.Script
}

// NewRedisStore creates a Redis-backed counter store. The store takes
// ownership of the client and closes it on Close.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{
		client: client,
		script: redis.NewScript(consumeLuaScript),
	}
}

// NewRedisClient builds a client from configuration. A single address yields
// a plain client, several addresses a cluster client.
func NewRedisClient(cfg models.RedisConfig) redis.UniversalClient {
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:       cfg.Addrs,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
	})
}

// Consume implements CounterStore.
func (r *RedisStore) Consume(ctx context.Context, policy models.Policy, key string, elapsed *time.Duration) (models.Rate, error) {
	var countInc, usageInc int64 = 1, 0
	if elapsed != nil {
		countInc = 0
		usageInc = elapsed.Milliseconds()
	}

	// Script.Run falls back from EVALSHA to EVAL when the script is not
	// cached on the server yet.
	windowMs := policy.Window().Milliseconds()
	result, err := r.script.Run(ctx, r.client, []string{key}, countInc, usageInc, windowMs).Int64Slice()
	if err != nil {
		slog.Debug("Redis consume failed", "key", key, "error", err)
		return models.Rate{}, fmt.Errorf("%w: redis consume %s: %w", ErrUnavailable, key, err)
	}
	if len(result) != 3 {
		return models.Rate{}, fmt.Errorf("%w: redis consume %s: unexpected reply length %d", ErrUnavailable, key, len(result))
	}

	count, usageMs, ttlMs := result[0], result[1], result[2]

	return models.Rate{
		Key:            key,
		Remaining:      policy.Limit - count,
		RemainingQuota: policy.Quota - time.Duration(usageMs)*time.Millisecond,
		Reset:          time.Duration(ttlMs) * time.Millisecond,
	}, nil
}

// Ping implements CounterStore.
func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: redis ping: %w", ErrUnavailable, err)
	}
	return nil
}

// Close closes the underlying client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
