package redisclient

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/clinic-scheduling-core/internal/schedule"
)

// testClient connects to TEST_REDIS_ADDR and skips when it is unset or unreachable.
func testClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("Skipping test: TEST_REDIS_ADDR not set")
	}
	rdb, err := NewRedisClient(context.Background(), Options{Addr: addr})
	if err != nil {
		t.Skipf("Skipping test: redis unavailable: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestLockKey(t *testing.T) {
	id := uuid.MustParse("6f1c0d4e-7c1e-4d7b-9a53-0c3a3b1f2e10")
	date := time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "lock:provider:6f1c0d4e-7c1e-4d7b-9a53-0c3a3b1f2e10:2026-10-16", lockKey(id, date))
}

func TestProviderDayLock_SerializesHolders(t *testing.T) {
	rdb := testClient(t)
	locker := NewProviderDayLocker(rdb, 5*time.Second, 3*time.Second)
	provider := uuid.New()
	date := time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)

	var inside, maxInside int32
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			return locker.WithProviderDayLock(ctx, provider, date, func(ctx context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), maxInside)
}

func TestProviderDayLock_NoWaitFailsFast(t *testing.T) {
	rdb := testClient(t)
	locker := NewProviderDayLocker(rdb, 5*time.Second, 0)
	provider := uuid.New()
	date := time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)

	err := locker.WithProviderDayLock(context.Background(), provider, date, func(ctx context.Context) error {
		return locker.WithProviderDayLock(ctx, provider, date, func(context.Context) error {
			return errors.New("should not run")
		})
	})
	assert.ErrorIs(t, err, ErrLockNotAcquired)
}

func TestSlotCache_RoundTripAndInvalidate(t *testing.T) {
	rdb := testClient(t)
	cache := NewSlotCache(rdb, time.Minute, zaptest.NewLogger(t))
	ctx := context.Background()

	q := schedule.SlotQuery{
		ProviderID:  uuid.New(),
		LocationID:  uuid.New(),
		Date:        time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC),
		Window:      schedule.Window{Start: schedule.NewClock(9, 0), End: schedule.NewClock(10, 0)},
		Granularity: 30 * time.Minute,
	}
	slots := []schedule.TimeSlot{{
		ProviderID: q.ProviderID, LocationID: q.LocationID, Date: q.Date,
		Start: schedule.NewClock(9, 30), End: schedule.NewClock(10, 0),
	}}

	_, gen, ok := cache.Get(ctx, q)
	assert.False(t, ok)

	cache.Set(ctx, q, gen, slots)
	got, _, ok := cache.Get(ctx, q)
	require.True(t, ok)
	assert.Equal(t, slots, got)

	cache.Invalidate(ctx, q.ProviderID, q.Date)
	_, _, ok = cache.Get(ctx, q)
	assert.False(t, ok)
}

func TestSlotCache_FillWithStaleGenerationIsDropped(t *testing.T) {
	rdb := testClient(t)
	cache := NewSlotCache(rdb, time.Minute, zaptest.NewLogger(t))
	ctx := context.Background()

	q := schedule.SlotQuery{
		ProviderID:  uuid.New(),
		LocationID:  uuid.New(),
		Date:        time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC),
		Granularity: 30 * time.Minute,
	}
	slots := []schedule.TimeSlot{{Start: schedule.NewClock(9, 0), End: schedule.NewClock(9, 30)}}

	_, gen, ok := cache.Get(ctx, q)
	require.False(t, ok)

	cache.Invalidate(ctx, q.ProviderID, q.Date)
	cache.Set(ctx, q, gen, slots)
	_, _, ok = cache.Get(ctx, q)
	assert.False(t, ok)

	_, gen, _ = cache.Get(ctx, q)
	assert.Equal(t, uint64(1), gen)
	cache.Set(ctx, q, gen, []schedule.TimeSlot{})
	got, _, ok := cache.Get(ctx, q)
	require.True(t, ok)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestProviderDayLock_UnreachableServer(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = rdb.Close() })
	locker := NewProviderDayLocker(rdb, time.Second, 200*time.Millisecond)

	ran := false
	err := locker.WithProviderDayLock(context.Background(), uuid.New(), time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC),
		func(context.Context) error {
			ran = true
			return nil
		})
	assert.ErrorIs(t, err, ErrLockUnavailable)
	assert.NotErrorIs(t, err, ErrLockNotAcquired)
	assert.False(t, ran)
}
