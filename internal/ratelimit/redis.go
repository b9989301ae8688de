package ratelimit

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/affiliate-automation/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	pingAttempts = 5
	pingBackoff  = 3 * time.Second
)

// NewRedisClient connects to the configured Redis. Returns nil when no
// address is set; every consumer treats a nil client as "feature off".
func NewRedisClient(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) *redis.Client {
	if !cfg.Redis.Enabled() {
		return nil
	}
	log = log.Named("redis").With(
		zap.String("addr", cfg.Redis.Addr),
		zap.Int("db", cfg.Redis.DB),
	)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	for i := 0; i < pingAttempts; i++ {
		err := rdb.Ping(context.Background()).Err()
		if err == nil {
			log.Info("redis connected")
			break
		}
		log.Warn("redis not ready, retrying", zap.Int("retry", i+1), zap.Error(err))
		time.Sleep(pingBackoff)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return rdb.Close()
		},
	})
	return rdb
}
