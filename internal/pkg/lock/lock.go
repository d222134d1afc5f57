package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrNotAcquired is returned when another holder currently owns the lease.
var ErrNotAcquired = errors.New("lock not acquired")

const keyPrefix = "lock:"

// Both scripts compare the stored value first, so a lease that expired and
// was taken over by another holder is never touched.
var (
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)
)

// Lock is a held lease. The value is unique per acquisition so one holder
// cannot release a lease re-acquired by another.
type Lock struct {
	key   string
	value string
	ttl   time.Duration
}

// Key returns the full Redis key of the lease.
func (l *Lock) Key() string {
	return l.key
}

// Locker hands out short-lived distributed leases backed by Redis SET NX +
// TTL. The TTL is the safety net: a crashed holder cannot strand a resource
// longer than the lease duration.
type Locker struct {
	client *redis.Client
	logger *zap.Logger
}

func NewLocker(client *redis.Client, logger *zap.Logger) *Locker {
	return &Locker{
		client: client,
		logger: logger,
	}
}

// Acquire tries to take the lease once. It does not block or poll: if the
// lease is held elsewhere, ErrNotAcquired is returned and the caller decides
// whether to skip or retry.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	value := uuid.NewString()
	ok, err := l.client.SetNX(ctx, keyPrefix+key, value, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return &Lock{key: keyPrefix + key, value: value, ttl: ttl}, nil
}

// Release frees the lease if this holder still owns it. Returns false when
// the lease already expired or was taken over.
func (l *Locker) Release(ctx context.Context, lk *Lock) (bool, error) {
	res, err := releaseScript.Run(ctx, l.client, []string{lk.key}, lk.value).Int()
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", lk.key, err)
	}
	return res == 1, nil
}

// Extend pushes the lease expiry forward if this holder still owns it.
func (l *Locker) Extend(ctx context.Context, lk *Lock, ttl time.Duration) (bool, error) {
	res, err := extendScript.Run(ctx, l.client, []string{lk.key}, lk.value, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("extend lock %s: %w", lk.key, err)
	}
	if res == 1 {
		lk.ttl = ttl
		return true, nil
	}
	return false, nil
}

// IsLocked reports whether any holder currently owns the lease.
func (l *Locker) IsLocked(ctx context.Context, key string) (bool, error) {
	n, err := l.client.Exists(ctx, keyPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("check lock %s: %w", key, err)
	}
	return n > 0, nil
}

// WithLock runs fn while holding the lease and releases it afterwards, even
// when fn fails. Returns ErrNotAcquired without running fn if the lease is
// held elsewhere.
func (l *Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	lk, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer func() {
		if _, err := l.Release(context.WithoutCancel(ctx), lk); err != nil {
			l.logger.Warn("failed to release lock",
				zap.String("key", lk.key),
				zap.Error(err))
		}
	}()
	return fn(ctx)
}
