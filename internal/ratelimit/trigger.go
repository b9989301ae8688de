package ratelimit

import (
	"context"
	"errors"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/affiliate-automation/internal/config"
)

// TriggerLimiter caps how fast one owner can fire triggers through the API.
type TriggerLimiter struct {
	enabled bool
	bucket  *TokenBucket
	rate    float64
	burst   int
}

func NewTriggerLimiter(cfg config.Config, client *redis.Client) (*TriggerLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return &TriggerLimiter{}, nil
	}
	if client == nil {
		return nil, errors.New("trigger rate limit requires redis")
	}
	if limitCfg.TriggerRate <= 0 || limitCfg.TriggerBurst <= 0 {
		return nil, errors.New("trigger rate limit must be positive")
	}
	return &TriggerLimiter{
		enabled: true,
		bucket:  NewTokenBucket(client),
		rate:    limitCfg.TriggerRate,
		burst:   limitCfg.TriggerBurst,
	}, nil
}

func (l *TriggerLimiter) Enabled() bool {
	return l != nil && l.enabled
}

// AllowOwner takes one token from the owner's bucket. A disabled limiter
// allows everything.
func (l *TriggerLimiter) AllowOwner(ctx context.Context, ownerID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, TriggerOwnerKey(ownerID), l.rate, l.burst)
}
