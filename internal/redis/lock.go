package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/clinic-scheduling-core/internal/schedule"
)

var (
	ErrLockNotAcquired = errors.New("provider-day lock not acquired")
	// ErrLockUnavailable means Redis could not be asked for the lock at all;
	// fn has not run.
	ErrLockUnavailable = errors.New("provider-day lock unavailable")
)

// Locker is used by the appointment service to serialize bookings per provider-day.
type Locker interface {
	WithProviderDayLock(ctx context.Context, providerID uuid.UUID, date time.Time, fn func(ctx context.Context) error) error
}

type redisProviderDayLocker struct {
	client *redis.Client
	ttl    time.Duration
	wait   time.Duration
}

// NewProviderDayLocker creates a locker keyed per provider and calendar date.
// A contended lock is polled for up to wait before ErrLockNotAcquired.
func NewProviderDayLocker(client *redis.Client, ttl, wait time.Duration) Locker {
	return &redisProviderDayLocker{
		client: client,
		ttl:    ttl,
		wait:   wait,
	}
}

func lockKey(providerID uuid.UUID, date time.Time) string {
	return fmt.Sprintf("lock:provider:%s:%s", providerID, date.Format(schedule.DateLayout))
}

func (l *redisProviderDayLocker) WithProviderDayLock(ctx context.Context, providerID uuid.UUID, date time.Time, fn func(ctx context.Context) error) error {
	key := lockKey(providerID, date)
	token := uuid.NewString()

	if err := l.acquire(ctx, key, token); err != nil {
		return err
	}

	defer func() {
		// the caller's ctx may already be cancelled
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		_ = l.release(releaseCtx, key, token)
	}()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

func (l *redisProviderDayLocker) acquire(ctx context.Context, key, token string) error {
	var b backoff.BackOff = &backoff.StopBackOff{}
	if l.wait > 0 {
		b = backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(10*time.Millisecond),
			backoff.WithMaxInterval(100*time.Millisecond),
			backoff.WithMaxElapsedTime(l.wait),
		)
	}

	return backoff.Retry(func() error {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return backoff.Permanent(ctxErr)
			}
			return backoff.Permanent(fmt.Errorf("%w: %w", ErrLockUnavailable, err))
		}
		if !ok {
			return ErrLockNotAcquired
		}
		return nil
	}, backoff.WithContext(b, ctx))
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *redisProviderDayLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release provider-day lock: %w", err)
	}
	return nil
}
