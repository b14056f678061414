package database

import (
	"context"

	"github.com/corebank/ledger/internal/config"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// InitRedis connects to Redis. Redis only carries post-commit events, so a
// failed connection returns nil and the server continues without it.
func InitRedis(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("redis connection failed, continuing without redis", zap.Error(err))
		rdb.Close()
		return nil
	}

	logger.Info("redis connection established", zap.String("addr", cfg.Addr()))
	return rdb
}
