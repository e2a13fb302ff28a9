package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/walletledger/internal/config"
)

const (
	keyUsageIngestCompany = "walletledger:usage:ingest:company:%s"
	keyUsageIngestLock    = "walletledger:usage:ingest:lock:%s:%s"
)

// UsageIngestLimiter throttles usage recording per company and serializes
// concurrent records for the same company feature.
type UsageIngestLimiter struct {
	bucket  *TokenBucket
	locker  *Locker
	rate    float64
	burst   int
	lockTTL time.Duration
}

// NewUsageIngestLimiter returns nil when limiting is disabled.
func NewUsageIngestLimiter(cfg config.Config, client *redis.Client) (*UsageIngestLimiter, error) {
	if !cfg.UsageRateLimitEnabled {
		return nil, nil
	}
	if client == nil {
		return nil, errors.New("usage rate limit requires REDIS_ADDR")
	}
	if cfg.UsageIngestRate <= 0 || cfg.UsageIngestBurst <= 0 {
		return nil, errors.New("usage ingest rate limit must be positive")
	}
	lockTTL := cfg.UsageIngestLockTTL
	if lockTTL <= 0 {
		lockTTL = 5 * time.Second
	}
	return &UsageIngestLimiter{
		bucket:  NewTokenBucket(client),
		locker:  NewLocker(client),
		rate:    cfg.UsageIngestRate,
		burst:   cfg.UsageIngestBurst,
		lockTTL: lockTTL,
	}, nil
}

func (l *UsageIngestLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *UsageIngestLimiter) AllowCompany(ctx context.Context, companyID string) (Decision, error) {
	if !l.Enabled() {
		return Decision{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyUsageIngestCompany, strings.TrimSpace(companyID)), l.rate, l.burst)
}

// TryLockFeature serializes concurrent records of one company feature. A
// disabled limiter grants every call with a nil lease.
func (l *UsageIngestLimiter) TryLockFeature(ctx context.Context, companyID, feature string) (*Lease, bool, error) {
	if !l.Enabled() {
		return nil, true, nil
	}
	lease, err := l.locker.TryAcquire(ctx, featureLockKey(companyID, feature), l.lockTTL)
	if err != nil {
		return nil, false, err
	}
	return lease, lease != nil, nil
}

func featureLockKey(companyID, feature string) string {
	return fmt.Sprintf(keyUsageIngestLock, strings.TrimSpace(companyID), strings.ToLower(strings.TrimSpace(feature)))
}
