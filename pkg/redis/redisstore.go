// Package redis provides a generic read-through cache on top of a redis
// client, used by the query evaluator (pkg/query) to avoid re-resolving
// hot addresses against the relational store on every request.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrKeyNotFound is returned by Get when the key is absent from the cache.
// It is not a failure of the cache itself: callers fall back to the
// authoritative store.
var ErrKeyNotFound = errors.New("key not found")

// DefaultExpire is the TTL applied when Set is called with expires=true.
const DefaultExpire = time.Minute

// Client is the subset of the go-redis client this package depends on.
type Client interface {
	Get(context.Context, string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Store wraps a redis client as a generic read-through cache, using the
// provided serialization functions to bridge between Go values and redis
// strings.
type Store[Key, Value any] struct {
	fromRedis func(string) (Value, error)
	toRedis   func(Value) (string, error)
	keyString func(Key) string
	client    Client
}

var _ Client = (*redis.Client)(nil)

// NewStore returns a new cache store backed by client.
func NewStore[Key, Value any](
	fromRedis func(string) (Value, error),
	toRedis func(Value) (string, error),
	keyString func(Key) string,
	client Client,
) *Store[Key, Value] {
	return &Store[Key, Value]{fromRedis, toRedis, keyString, client}
}

// Get returns the deserialized value for key, or ErrKeyNotFound if absent.
func (rs *Store[Key, Value]) Get(ctx context.Context, key Key) (Value, error) {
	data, err := rs.client.Get(ctx, rs.keyString(key)).Result()
	if err != nil {
		var v Value
		if errors.Is(err, redis.Nil) {
			return v, ErrKeyNotFound
		}
		return v, fmt.Errorf("accessing redis: %w", err)
	}
	return rs.fromRedis(data)
}

// Set stores value for key, with a TTL when expires is true.
func (rs *Store[Key, Value]) Set(ctx context.Context, key Key, value Value, expires bool) error {
	data, err := rs.toRedis(value)
	if err != nil {
		return err
	}
	duration := time.Duration(0)
	if expires {
		duration = DefaultExpire
	}
	if err := rs.client.Set(ctx, rs.keyString(key), data, duration).Err(); err != nil {
		return fmt.Errorf("accessing redis: %w", err)
	}
	return nil
}
