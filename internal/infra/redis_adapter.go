// Package infra provides concrete infrastructure adapters for Redis.
//
// This adapter wraps go-redis v9 and implements counter.Backend. The counter
// store doesn't import a specific driver; cmd/api creates the concrete
// client and injects it, and falls back to memory-only when Redis is absent.
package infra

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// GoRedisAdapter wraps go-redis v9 to implement the minimal backend surface
// expected by the counter store.
type GoRedisAdapter struct {
	rdb *redis.Client
}

// NewGoRedisAdapter attempts to connect to Redis using the provided options.
// Returns the adapter and any connection error (caller decides whether to
// fall back to memory-only).
func NewGoRedisAdapter(addr, password string, db int) (*GoRedisAdapter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("[Infra] Redis connected", "addr", addr, "db", db)
	return &GoRedisAdapter{rdb: rdb}, nil
}

// NewGoRedisAdapterFromClient wraps an existing client (used in tests with
// miniredis).
func NewGoRedisAdapterFromClient(rdb *redis.Client) *GoRedisAdapter {
	return &GoRedisAdapter{rdb: rdb}
}

// Close shuts down the underlying redis client.
func (a *GoRedisAdapter) Close() error {
	return a.rdb.Close()
}

// Incr atomically increments key and arms the TTL when none is set yet.
// INCR and EXPIRE NX run in one pipeline round trip, so later increments
// of the same window never extend it.
func (a *GoRedisAdapter) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := a.rdb.Pipeline()
	incr := pipe.Incr(ctx, key)
	if ttl > 0 {
		pipe.ExpireNX(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (a *GoRedisAdapter) GetInt(ctx context.Context, key string) (int64, bool, error) {
	val, err := a.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("non-integer value at %s: %w", key, err)
	}
	return n, true, nil
}

func (a *GoRedisAdapter) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return a.rdb.Set(ctx, key, value, ttl).Err()
}

func (a *GoRedisAdapter) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := a.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (a *GoRedisAdapter) Del(ctx context.Context, keys ...string) error {
	return a.rdb.Del(ctx, keys...).Err()
}

// AddSample stores member under a sorted set scored by timestamp, trimming
// the set to the newest capN members.
func (a *GoRedisAdapter) AddSample(ctx context.Context, key string, ts int64, member string, capN int64) error {
	pipe := a.rdb.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(ts), Member: member})
	if capN > 0 {
		pipe.ZRemRangeByRank(ctx, key, 0, -(capN + 1))
	}
	_, err := pipe.Exec(ctx)
	return err
}

// SamplesSince returns members with score >= fromTs, oldest first.
func (a *GoRedisAdapter) SamplesSince(ctx context.Context, key string, fromTs int64) ([]string, error) {
	return a.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatInt(fromTs, 10),
		Max: "+inf",
	}).Result()
}

func (a *GoRedisAdapter) Ping(ctx context.Context) error {
	return a.rdb.Ping(ctx).Err()
}
