package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/walletledger/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecideRetryAfter(t *testing.T) {
	d := decide(false, 0.5, 2)
	assert.False(t, d.Allowed)
	assert.Equal(t, 250*time.Millisecond, d.RetryAfter)

	d = decide(true, 3.7, 2)
	assert.True(t, d.Allowed)
	assert.Equal(t, 3, d.Remaining)
	assert.Zero(t, d.RetryAfter)
}

func TestBucketTTL(t *testing.T) {
	assert.Equal(t, 4*time.Second, bucketTTL(50, 100))
	assert.Equal(t, time.Second, bucketTTL(1000, 1))
	assert.Equal(t, time.Second, bucketTTL(0, 1))
}

func TestParseTokens(t *testing.T) {
	assert.Equal(t, 2.5, parseTokens("2.5"))
	assert.Equal(t, float64(7), parseTokens(int64(7)))
	assert.Zero(t, parseTokens("nope"))
	assert.Zero(t, parseTokens(nil))
}

func TestDisabledLimiterAllowsEverything(t *testing.T) {
	limiter, err := NewUsageIngestLimiter(config.Config{}, nil)
	require.NoError(t, err)
	assert.Nil(t, limiter)

	d, err := limiter.AllowCompany(context.Background(), "1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	lease, ok, err := limiter.TryLockFeature(context.Background(), "1", "api_calls")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Nil(t, lease)
	assert.NoError(t, lease.Release(context.Background()))
}

func TestEnabledLimiterRequiresRedis(t *testing.T) {
	_, err := NewUsageIngestLimiter(config.Config{UsageRateLimitEnabled: true, UsageIngestRate: 1, UsageIngestBurst: 1}, nil)
	assert.Error(t, err)
}

func TestNilLockerAndLease(t *testing.T) {
	var l *Locker
	_, err := l.TryAcquire(context.Background(), "k", time.Second)
	assert.ErrorIs(t, err, ErrLockNotConfigured)

	var lease *Lease
	assert.NoError(t, lease.Extend(context.Background(), time.Second))
	assert.NoError(t, lease.Release(context.Background()))
	assert.Empty(t, lease.Key())
	lease.KeepAlive(context.Background(), time.Second, nil)()

	assert.Equal(t, "walletledger:usage:ingest:lock:9:api_calls", featureLockKey(" 9 ", " API_Calls "))
}
