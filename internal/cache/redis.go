// SPDX-License-Identifier: MIT

package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	xglog "github.com/rivenmedia/riven/internal/log"
)

const redisOpTimeout = 2 * time.Second

// Redis backs the cache with a Redis server so metadata survives restarts
// and is shared across instances.
type Redis struct {
	client *redis.Client
	stats  counters
}

// NewRedis connects to the Redis server at addr and verifies the connection.
func NewRedis(addr string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	xglog.WithComponent("cache").Info().
		Str("event", "cache.redis_connected").
		Str("addr", addr).
		Msg("redis cache connected")
	return &Redis{client: client}, nil
}

// newRedisWithClient is used by tests to inject a miniredis-backed client.
func newRedisWithClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Get(key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	val, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			xglog.WithComponent("cache").Warn().Err(err).
				Str("event", "cache.get_failed").
				Str("key", key).
				Msg("redis get failed")
		}
		r.stats.misses.Add(1)
		return nil, false
	}
	r.stats.hits.Add(1)
	return val, true
}

func (r *Redis) Set(key string, value []byte, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		xglog.WithComponent("cache").Warn().Err(err).
			Str("event", "cache.set_failed").
			Str("key", key).
			Msg("redis set failed")
		return
	}
	r.stats.sets.Add(1)
}

func (r *Redis) Delete(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := r.client.Del(ctx, key).Err(); err != nil {
		xglog.WithComponent("cache").Warn().Err(err).
			Str("event", "cache.delete_failed").
			Str("key", key).
			Msg("redis delete failed")
	}
}

func (r *Redis) Clear() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.client.FlushDB(ctx).Err(); err != nil {
		xglog.WithComponent("cache").Warn().Err(err).
			Str("event", "cache.flush_failed").
			Msg("redis flush failed")
	}
}

func (r *Redis) Stats() Stats {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	size, err := r.client.DBSize(ctx).Result()
	if err != nil {
		size = 0
	}
	return Stats{
		Hits:        r.stats.hits.Load(),
		Misses:      r.stats.misses.Load(),
		Sets:        r.stats.sets.Load(),
		Evictions:   r.stats.evictions.Load(),
		CurrentSize: int(size),
	}
}

func (r *Redis) Close() error { return r.client.Close() }
