package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/postforge/postforge/internal/config"
	"github.com/postforge/postforge/internal/persistence"
)

const keyPrefix = "balance:"

// BalanceCache is a read-through cache in front of the authoritative
// balance store, for the read-heavy balance endpoint. The write path never
// goes through it; the ledger engine owns all balance writes, so entries
// are invalidated after issuance and expire on a short TTL otherwise.
type BalanceCache struct {
	client *redis.Client
	source persistence.BalanceRepo
	ttl    time.Duration
}

// NewBalanceCache dials redis and wraps the balance store. With caching
// disabled in config it returns a pass-through wrapper and no connection.
func NewBalanceCache(cfg config.RedisConfig, source persistence.BalanceRepo) (*BalanceCache, error) {
	if !cfg.Enabled {
		return &BalanceCache{source: source}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		DB:           cfg.DB,
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &BalanceCache{client: rdb, source: source, ttl: cfg.TTL}, nil
}

// NewBalanceCacheWithClient wraps an existing client. Tests only.
func NewBalanceCacheWithClient(client *redis.Client, source persistence.BalanceRepo, ttl time.Duration) *BalanceCache {
	return &BalanceCache{client: client, source: source, ttl: ttl}
}

// Get returns the user's balance, preferring the cache. A miss or any
// redis error falls back to the store; a redis outage degrades read
// latency, never correctness.
func (c *BalanceCache) Get(ctx context.Context, userID string) (int64, error) {
	if c.client == nil {
		return c.source.Get(ctx, userID)
	}

	key := keyPrefix + userID
	val, err := c.client.Get(ctx, key).Result()
	if err == nil {
		balance, parseErr := strconv.ParseInt(val, 10, 64)
		if parseErr == nil {
			return balance, nil
		}
		log.Warn().Str("key", key).Str("value", val).Msg("unparseable cached balance, rereading")
	} else if err != redis.Nil {
		log.Warn().Err(err).Str("key", key).Msg("balance cache read failed")
	}

	balance, err := c.source.Get(ctx, userID)
	if err != nil {
		return 0, err
	}

	if setErr := c.client.Set(ctx, key, strconv.FormatInt(balance, 10), c.ttl).Err(); setErr != nil {
		log.Warn().Err(setErr).Str("key", key).Msg("balance cache write failed")
	}
	return balance, nil
}

// Invalidate drops the cached entry after a balance-changing event.
func (c *BalanceCache) Invalidate(ctx context.Context, userID string) error {
	if c.client == nil {
		return nil
	}
	if err := c.client.Del(ctx, keyPrefix+userID).Err(); err != nil {
		return fmt.Errorf("balance cache invalidate: %w", err)
	}
	return nil
}

// Close closes the redis connection, if one was opened.
func (c *BalanceCache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}
