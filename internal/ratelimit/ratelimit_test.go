package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/affiliate-automation/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mini := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mini, client
}

func TestLockerIsExclusiveAndReleasesOnlyWithToken(t *testing.T) {
	mini, client := newRedis(t)
	locker := NewLocker(client)
	ctx := context.Background()

	token, ok, err := locker.TryLock(ctx, SchedulerLockKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, token)

	_, ok, err = locker.TryLock(ctx, SchedulerLockKey, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, locker.Release(ctx, SchedulerLockKey, "someone-else"), ErrLockNotHeld)
	assert.True(t, mini.Exists(SchedulerLockKey))

	require.NoError(t, locker.Release(ctx, SchedulerLockKey, token))
	assert.False(t, mini.Exists(SchedulerLockKey))
}

func TestLockerExpires(t *testing.T) {
	mini, client := newRedis(t)
	locker := NewLocker(client)
	ctx := context.Background()

	_, ok, err := locker.TryLock(ctx, SchedulerLockKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	mini.FastForward(2 * time.Minute)
	token, ok, err := locker.TryLock(ctx, SchedulerLockKey, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// the first holder's lease is gone
	mini.FastForward(2 * time.Minute)
	assert.ErrorIs(t, locker.Release(ctx, SchedulerLockKey, token), ErrLockNotHeld)
}

func TestLockerRejectsInvalidArguments(t *testing.T) {
	_, client := newRedis(t)
	locker := NewLocker(client)

	_, _, err := locker.TryLock(context.Background(), "", time.Minute)
	assert.ErrorIs(t, err, ErrInvalidLock)
	_, _, err = locker.TryLock(context.Background(), SchedulerLockKey, 0)
	assert.ErrorIs(t, err, ErrInvalidLock)
}

func TestNilLocker(t *testing.T) {
	var locker *Locker
	_, _, err := locker.TryLock(context.Background(), "k", time.Second)
	assert.ErrorIs(t, err, ErrLockNotConfigured)
	assert.NoError(t, locker.Release(context.Background(), "k", "t"))
	assert.Nil(t, NewLocker(nil))
}

func TestTokenBucketAllowsBurstThenDenies(t *testing.T) {
	_, client := newRedis(t)
	bucket := NewTokenBucket(client)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := bucket.Allow(ctx, "bucket", 0.001, 2)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "call %d", i)
		assert.Equal(t, 2, res.Limit)
	}

	res, err := bucket.Allow(ctx, "bucket", 0.001, 2)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
}

func TestTokenBucketValidatesInput(t *testing.T) {
	_, client := newRedis(t)
	bucket := NewTokenBucket(client)
	ctx := context.Background()

	_, err := bucket.Allow(ctx, "", 1, 1)
	assert.ErrorIs(t, err, ErrEmptyKey)
	_, err = bucket.Allow(ctx, "k", 0, 1)
	assert.ErrorIs(t, err, ErrInvalidRate)
	_, err = bucket.Allow(ctx, "k", 1, 0)
	assert.ErrorIs(t, err, ErrInvalidBurst)

	var nilBucket *TokenBucket
	_, err = nilBucket.Allow(ctx, "k", 1, 1)
	assert.ErrorIs(t, err, ErrBucketNotConfigured)
}

func TestTriggerLimiter(t *testing.T) {
	ctx := context.Background()

	disabled, err := NewTriggerLimiter(config.Config{}, nil)
	require.NoError(t, err)
	res, err := disabled.AllowOwner(ctx, "10")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	cfg := config.Config{RateLimit: config.RateLimitConfig{Enabled: true, TriggerRate: 0.001, TriggerBurst: 1}}
	_, err = NewTriggerLimiter(cfg, nil)
	assert.Error(t, err)

	mini, client := newRedis(t)
	limiter, err := NewTriggerLimiter(cfg, client)
	require.NoError(t, err)

	res, err = limiter.AllowOwner(ctx, "10")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.True(t, mini.Exists("automation:trigger:owner:10"))

	res, err = limiter.AllowOwner(ctx, "10")
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	res, err = limiter.AllowOwner(ctx, "11")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}
