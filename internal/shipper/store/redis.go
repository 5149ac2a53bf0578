package store

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/edgecomet/eventshipper/internal/common/configtypes"
	commonredis "github.com/edgecomet/eventshipper/internal/common/redis"
)

// releaseScript deletes the lock only if it is still held by the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore keeps records in a Redis list for hosts without a durable local disk.
type RedisStore struct {
	client  *redis.Client
	key     string
	lockKey string
	lockTTL time.Duration
	owned   bool
	closed  atomic.Bool
	logger  *zap.Logger
}

// OpenRedis connects to Redis using cfg and verifies the connection with PING.
// The returned store owns the client and closes it on Close.
func OpenRedis(ctx context.Context, cfg configtypes.RedisStoreConfig, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := commonredis.NewClient(ctx, &cfg.RedisConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	s := NewRedisStore(client, cfg.Key, cfg.LockTTL.ToDuration(), logger)
	s.owned = true
	return s, nil
}

// NewRedisStore wraps an existing client. The caller keeps ownership of client.
func NewRedisStore(client *redis.Client, key string, lockTTL time.Duration, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if key == "" {
		key = configtypes.DefaultRedisKey
	}
	if lockTTL <= 0 {
		lockTTL = configtypes.DefaultRedisLockTTL
	}

	return &RedisStore{
		client:  client,
		key:     key,
		lockKey: key + ":lock",
		lockTTL: lockTTL,
		logger:  logger,
	}
}

// Name returns the list key.
func (s *RedisStore) Name() string {
	return "redis:" + s.key
}

// Load moves the whole list into dst and deletes it in one transaction.
func (s *RedisStore) Load(ctx context.Context, dst Enqueuer) (int, error) {
	unlock, err := s.lock(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()

	var lrange *redis.StringSliceCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		lrange = pipe.LRange(ctx, s.key, 0, -1)
		pipe.Del(ctx, s.key)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to load %s: %w", s.key, err)
	}

	records := lrange.Val()
	if len(records) > 0 {
		dst.Enqueue(records...)
	}

	s.logger.Debug("Loaded records from redis",
		zap.String("key", s.key),
		zap.Int("records", len(records)))
	return len(records), nil
}

// Save appends records to the tail of the list.
func (s *RedisStore) Save(ctx context.Context, records []string) error {
	if len(records) == 0 {
		return nil
	}

	unlock, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	values := make([]interface{}, len(records))
	for i, record := range records {
		values[i] = record
	}

	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, s.key, values...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save %d records to %s: %w", len(records), s.key, err)
	}

	s.logger.Debug("Saved records to redis",
		zap.String("key", s.key),
		zap.Int("records", len(records)))
	return nil
}

// Close closes the client when the store created it.
func (s *RedisStore) Close() error {
	if !s.owned || !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) lock(ctx context.Context) (func(), error) {
	token := uuid.NewString()

	err := acquire(ctx, func() (bool, error) {
		return s.client.SetNX(ctx, s.lockKey, token, s.lockTTL).Result()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", s.lockKey, err)
	}

	return func() {
		// ctx may already be cancelled during shutdown; the release must still run.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()

		if err := releaseScript.Run(releaseCtx, s.client, []string{s.lockKey}, token).Err(); err != nil {
			s.logger.Warn("Failed to release redis lock",
				zap.String("key", s.lockKey),
				zap.Error(err))
		}
	}, nil
}
