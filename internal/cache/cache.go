// Package cache keeps recently computed pair sentiments in redis so
// repeated queries inside the TTL skip the events table. Every redis
// failure degrades to a miss; the aggregator just recomputes.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantfoundry/marketmood/internal/config"
	"github.com/quantfoundry/marketmood/internal/pairs"
)

const keyPrefix = "marketmood:pair:"

// DefaultTTL applies when the tuning file does not set one.
const DefaultTTL = 5 * time.Minute

// PairCache satisfies pairs.Cache on a redis client.
type PairCache struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// New connects a cache to the configured redis. The caller should have
// checked cfg.Addr is set; Ping tells whether the server answers.
func New(cfg config.RedisConfig, ttl time.Duration) *PairCache {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,

		PoolSize:     10,
		MinIdleConns: 2,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	return NewWithClient(client, ttl)
}

// NewWithClient wraps an existing client; tests pass a redismock one.
func NewWithClient(client *redis.Client, ttl time.Duration) *PairCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &PairCache{
		client: client,
		ttl:    ttl,
		logger: log.With().Str("component", "cache").Logger(),
	}
}

// Ping verifies the server answers.
func (c *PairCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cache: ping: %w", err)
	}
	return nil
}

// Close releases the client's pool.
func (c *PairCache) Close() error {
	return c.client.Close()
}

// Get looks up a sentiment computed earlier for the same pair and
// lookback. Unreadable or absent entries are misses.
func (c *PairCache) Get(ctx context.Context, pair string, lookback time.Duration) (pairs.Sentiment, bool) {
	raw, err := c.client.Get(ctx, cacheKey(pair, lookback)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn().Err(err).Str("pair", pair).Msg("cache read failed, treating as miss")
		}
		return pairs.Sentiment{}, false
	}

	var s pairs.Sentiment
	if err := json.Unmarshal(raw, &s); err != nil {
		c.logger.Warn().Err(err).Str("pair", pair).Msg("cache entry unreadable, treating as miss")
		return pairs.Sentiment{}, false
	}
	return s, true
}

// Put stores a computed sentiment under its pair and lookback for the
// cache TTL. Failures are logged and swallowed.
func (c *PairCache) Put(ctx context.Context, s pairs.Sentiment) {
	payload, err := json.Marshal(s)
	if err != nil {
		c.logger.Warn().Err(err).Str("pair", s.Pair).Msg("cache encode failed")
		return
	}
	if err := c.client.Set(ctx, cacheKey(s.Pair, s.Lookback), payload, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("pair", s.Pair).Msg("cache write failed")
	}
}

func cacheKey(pair string, lookback time.Duration) string {
	return fmt.Sprintf("%s%s:%s", keyPrefix, pair, lookback)
}
