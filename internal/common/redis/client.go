// Package redis builds go-redis clients from configuration.
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/edgecomet/eventshipper/internal/common/configtypes"
)

// NewClient connects to cfg.Addr and verifies the connection with PING.
// The caller owns the returned client.
func NewClient(ctx context.Context, cfg *configtypes.RedisConfig, logger *zap.Logger) (*redis.Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	// Use go-redis library defaults:
	// - DialTimeout: 5s
	// - ReadTimeout: 3s
	// - WriteTimeout: 3s
	// - PoolSize: 10 * runtime.GOMAXPROCS(0)
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	result, err := rdb.Ping(ctx).Result()
	if err != nil {
		rdb.Close()
		logger.Error("Redis ping failed",
			zap.String("addr", cfg.Addr),
			zap.Error(err))
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	if result != "PONG" {
		rdb.Close()
		return nil, fmt.Errorf("unexpected ping response: %s", result)
	}

	logger.Debug("Redis client connected successfully",
		zap.String("addr", cfg.Addr),
		zap.Int("db", cfg.DB))

	return rdb, nil
}
