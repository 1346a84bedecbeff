package redis_test

import (
	"context"
	"errors"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/twine-protocol/twine-spool-service/pkg/redis"
)

func TestRedisStore(t *testing.T) {
	ctx := context.Background()
	testCases := []struct {
		name       string
		opts       []MockOption
		behavior   func(t *testing.T, store *redis.Store[string, string])
		finalState map[string]*redisValue
	}{
		{
			name: "normal behavior",
			behavior: func(t *testing.T, store *redis.Store[string, string]) {
				require.NoError(t, store.Set(ctx, "key1", "value1", true))
				require.NoError(t, store.Set(ctx, "key2", "value2", false))
				require.Equal(t, "value1", must(store.Get(ctx, "key1"))(t))
				require.Equal(t, "value2", must(store.Get(ctx, "key2"))(t))
				_, err := store.Get(ctx, "key3")
				require.ErrorIs(t, err, redis.ErrKeyNotFound)
			},
			finalState: map[string]*redisValue{
				"key1": {"value1", time.Minute},
				"key2": {"value2", 0},
			},
		},
		{
			name: "get errors",
			opts: []MockOption{WithErrorOnGet(errors.New("something went wrong"))},
			behavior: func(t *testing.T, store *redis.Store[string, string]) {
				_, err := store.Get(ctx, "key1")
				require.EqualError(t, err, "accessing redis: something went wrong")
			},
		},
		{
			name: "set errors",
			opts: []MockOption{WithErrorOnSet(errors.New("something went wrong"))},
			behavior: func(t *testing.T, store *redis.Store[string, string]) {
				err := store.Set(ctx, "key1", "value1", true)
				require.EqualError(t, err, "accessing redis: something went wrong")
			},
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			mockRedis := NewMockRedis(testCase.opts...)
			redisStore := redis.NewStore(
				func(s string) (string, error) { return s, nil },
				func(s string) (string, error) { return s, nil },
				func(s string) string { return s },
				mockRedis)
			testCase.behavior(t, redisStore)
			expectedFinalState := testCase.finalState
			if expectedFinalState == nil {
				expectedFinalState = make(map[string]*redisValue)
			}
			require.Equal(t, expectedFinalState, mockRedis.data)
		})
	}
}

func must[T any](v T, err error) func(t *testing.T) T {
	return func(t *testing.T) T {
		t.Helper()
		require.NoError(t, err)
		return v
	}
}

type redisValue struct {
	data    string
	expires time.Duration
}

type MockRedis struct {
	data   map[string]*redisValue
	errGet error
	errSet error
}

var _ redis.Client = (*MockRedis)(nil)

type MockOption func(*MockRedis)

func WithErrorOnGet(err error) MockOption {
	return func(m *MockRedis) { m.errGet = err }
}

func WithErrorOnSet(err error) MockOption {
	return func(m *MockRedis) { m.errSet = err }
}

func NewMockRedis(opts ...MockOption) *MockRedis {
	m := &MockRedis{data: make(map[string]*redisValue)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MockRedis) Get(ctx context.Context, key string) *goredis.StringCmd {
	cmd := goredis.NewStringCmd(ctx, nil)
	if m.errGet != nil {
		cmd.SetErr(m.errGet)
		return cmd
	}
	val, ok := m.data[key]
	if !ok {
		cmd.SetErr(goredis.Nil)
	} else {
		cmd.SetVal(val.data)
	}
	return cmd
}

func (m *MockRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.StatusCmd {
	cmd := goredis.NewStatusCmd(ctx, nil)
	if m.errSet != nil {
		cmd.SetErr(m.errSet)
		return cmd
	}
	m.data[key] = &redisValue{value.(string), expiration}
	return cmd
}
