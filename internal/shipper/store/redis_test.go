package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edgecomet/eventshipper/internal/common/configtypes"
	"github.com/edgecomet/eventshipper/pkg/types"
)

func setupRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedisStore(client, "test:queue", time.Second, zap.NewNop()), mr
}

func TestRedisStore_SaveLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("save appends in order", func(t *testing.T) {
		s, mr := setupRedisStore(t)

		require.NoError(t, s.Save(ctx, []string{"a", "b"}))
		require.NoError(t, s.Save(ctx, []string{"c"}))

		list, err := mr.List("test:queue")
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, list)
		assert.False(t, mr.Exists("test:queue:lock"))
	})

	t.Run("load drains the list", func(t *testing.T) {
		s, mr := setupRedisStore(t)
		mr.RPush("test:queue", "x", "y")

		q := &sliceQueue{}
		n, err := s.Load(ctx, q)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Equal(t, []string{"x", "y"}, q.records)
		assert.False(t, mr.Exists("test:queue"))
		assert.False(t, mr.Exists("test:queue:lock"))
	})

	t.Run("load of missing key", func(t *testing.T) {
		s, _ := setupRedisStore(t)

		q := &sliceQueue{}
		n, err := s.Load(ctx, q)
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Empty(t, q.records)
	})

	t.Run("empty save is a no-op", func(t *testing.T) {
		s, mr := setupRedisStore(t)

		require.NoError(t, s.Save(ctx, nil))
		assert.False(t, mr.Exists("test:queue"))
	})
}

func TestRedisStore_Lock(t *testing.T) {
	t.Run("held lock times out", func(t *testing.T) {
		s, mr := setupRedisStore(t)
		require.NoError(t, mr.Set("test:queue:lock", "someone-else"))

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		err := s.Save(ctx, []string{"a"})
		require.Error(t, err)
		assert.False(t, mr.Exists("test:queue"))

		got, _ := mr.Get("test:queue:lock")
		assert.Equal(t, "someone-else", got, "foreign lock must not be released")
	})

	t.Run("expired lock can be taken", func(t *testing.T) {
		s, mr := setupRedisStore(t)
		require.NoError(t, mr.Set("test:queue:lock", "stale"))
		mr.SetTTL("test:queue:lock", time.Second)
		mr.FastForward(2 * time.Second)

		require.NoError(t, s.Save(context.Background(), []string{"a"}))
	})

	t.Run("lock carries ttl", func(t *testing.T) {
		s, mr := setupRedisStore(t)

		unlock, err := s.lock(context.Background())
		require.NoError(t, err)
		assert.True(t, mr.Exists("test:queue:lock"))
		assert.Equal(t, time.Second, mr.TTL("test:queue:lock"))

		unlock()
		assert.False(t, mr.Exists("test:queue:lock"))
	})
}

func TestOpenRedis(t *testing.T) {
	t.Run("connects and owns client", func(t *testing.T) {
		mr := miniredis.RunT(t)

		cfg := configtypes.RedisStoreConfig{
			RedisConfig: configtypes.RedisConfig{Addr: mr.Addr()},
			Key:         "q",
			LockTTL:     types.Duration(5 * time.Second),
		}
		s, err := OpenRedis(context.Background(), cfg, nil)
		require.NoError(t, err)

		assert.Equal(t, "redis:q", s.Name())
		require.NoError(t, s.Save(context.Background(), []string{"a"}))
		require.NoError(t, s.Close())
		require.NoError(t, s.Close())
	})

	t.Run("unreachable server", func(t *testing.T) {
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		_, err := OpenRedis(ctx, configtypes.RedisStoreConfig{RedisConfig: configtypes.RedisConfig{Addr: addr}}, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrStoreUnavailable))
	})
}
