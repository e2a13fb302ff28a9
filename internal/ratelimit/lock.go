package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const (
	leaseReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`
	leaseExtendScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`
)

var (
	ErrLockNotConfigured = errors.New("lock client not configured")
	ErrLeaseLost         = errors.New("lease lost")
)

// Locker hands out single-owner Redis leases. A scheduler replica holds the
// billing lease for a whole run; usage ingest holds one per company feature
// for a single request.
type Locker struct {
	client  *redis.Client
	release *redis.Script
	extend  *redis.Script
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{
		client:  client,
		release: redis.NewScript(leaseReleaseScript),
		extend:  redis.NewScript(leaseExtendScript),
	}
}

// Lease is a held lock. Only its token can extend or release the key.
type Lease struct {
	locker *Locker
	key    string
	token  string
}

// TryAcquire returns a nil lease without error when another owner holds key.
func (l *Locker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if l == nil || l.client == nil {
		return nil, ErrLockNotConfigured
	}
	if key == "" {
		return nil, errors.New("lock key is empty")
	}
	if ttl <= 0 {
		return nil, errors.New("lock ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return nil, err
	}
	return &Lease{locker: l, key: key, token: token}, nil
}

func (ls *Lease) Key() string {
	if ls == nil {
		return ""
	}
	return ls.key
}

// Extend pushes the expiry to ttl from now. ErrLeaseLost means the key
// expired or was taken by another owner.
func (ls *Lease) Extend(ctx context.Context, ttl time.Duration) error {
	if ls == nil {
		return nil
	}
	n, err := ls.locker.extend.Run(ctx, ls.locker.client, []string{ls.key}, ls.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (ls *Lease) Release(ctx context.Context) error {
	if ls == nil {
		return nil
	}
	return ls.locker.release.Run(ctx, ls.locker.client, []string{ls.key}, ls.token).Err()
}

// KeepAlive extends the lease every ttl/3 until stop is called or ctx ends.
// onLost fires once if an extension finds the lease gone.
func (ls *Lease) KeepAlive(ctx context.Context, ttl time.Duration, onLost func(error)) (stop func()) {
	if ls == nil || ttl <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ls.Extend(ctx, ttl); err != nil {
					if errors.Is(err, context.Canceled) {
						return
					}
					if onLost != nil {
						onLost(err)
					}
					if errors.Is(err, ErrLeaseLost) {
						return
					}
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
