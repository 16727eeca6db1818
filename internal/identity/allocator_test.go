package identity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/clinic-scheduling-core/internal/metrics"
)

// -- in-memory store --

type memStore struct {
	mu       sync.Mutex
	taken    map[string]bool
	probes   []string
	probeErr error
}

func newMemStore(taken ...string) *memStore {
	s := &memStore{taken: make(map[string]bool)}
	for _, id := range taken {
		s.taken[id] = true
	}
	return s
}

func (s *memStore) RecordIdentifierExists(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes = append(s.probes, id)
	if s.probeErr != nil {
		return false, s.probeErr
	}
	return s.taken[id], nil
}

// claim emulates the unique index: only the first insert of an id wins.
func (s *memStore) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.taken[id] {
		return false
	}
	s.taken[id] = true
	return true
}

// constRand always picks the same alphabet index.
func constRand(i int) func(int) int {
	return func(int) int { return i }
}

var testNow = time.Date(2026, 10, 16, 9, 30, 45, 0, time.UTC)

func fastOptions() Options {
	return Options{MaxAttempts: 5, SuffixLength: 4, MaxSuffixLength: 6}
}

func TestAllocate_Format(t *testing.T) {
	a := NewAllocator(fastOptions(), zaptest.NewLogger(t), WithRand(constRand(0)))

	id, err := a.Allocate(context.Background(), newMemStore(), "cl01", testNow)
	require.NoError(t, err)
	assert.Equal(t, RecordIdentifier("CL01-202610-16093045-2222"), id)

	parts, err := Parse(id.String())
	require.NoError(t, err)
	assert.Equal(t, Parts{Scope: "CL01", Period: "202610", Time: "16093045", Random: "2222"}, parts)
}

func TestAllocate_NoScope(t *testing.T) {
	a := NewAllocator(fastOptions(), zaptest.NewLogger(t), WithRand(constRand(1)))

	id, err := a.Allocate(context.Background(), newMemStore(), "", testNow)
	require.NoError(t, err)
	assert.Equal(t, RecordIdentifier("202610-16093045-3333"), id)
}

func TestAllocate_InvalidScope(t *testing.T) {
	a := NewAllocator(fastOptions(), zaptest.NewLogger(t))

	_, err := a.Allocate(context.Background(), newMemStore(), "clinic-9", testNow)
	assert.ErrorIs(t, err, ErrInvalidScope)
}

func TestAllocate_WidensSuffixAndRefreshesClockOnCollision(t *testing.T) {
	later := testNow.Add(2 * time.Second)
	store := newMemStore("CL01-202610-16093045-2222")
	a := NewAllocator(fastOptions(), zaptest.NewLogger(t),
		WithRand(constRand(0)),
		WithClock(func() time.Time { return later }))

	id, err := a.Allocate(context.Background(), store, "CL01", testNow)
	require.NoError(t, err)

	assert.Equal(t, RecordIdentifier("CL01-202610-16093047-22222"), id)
	assert.Equal(t, []string{"CL01-202610-16093045-2222", "CL01-202610-16093047-22222"}, store.probes)
}

func TestAllocate_SuffixWideningIsCapped(t *testing.T) {
	a := NewAllocator(Options{MaxAttempts: 6, SuffixLength: 4, MaxSuffixLength: 5}, zaptest.NewLogger(t))

	assert.Equal(t, 4, a.suffixLength(1))
	assert.Equal(t, 5, a.suffixLength(2))
	assert.Equal(t, 5, a.suffixLength(6))
}

func TestAllocate_Exhausted(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg, "test")

	store := &alwaysTaken{}
	a := NewAllocator(fastOptions(), zaptest.NewLogger(t), WithMetrics(m))

	_, err := a.Allocate(context.Background(), store, "CL01", testNow)
	assert.ErrorIs(t, err, ErrAllocationExhausted)
	assert.Equal(t, 5, store.calls)
	assert.Equal(t, 5.0, testutil.ToFloat64(m.AllocationCollisions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AllocationExhausted))
}

func TestAllocate_ProbeErrorIsNotRetried(t *testing.T) {
	boom := errors.New("connection reset")
	store := newMemStore()
	store.probeErr = boom
	a := NewAllocator(fastOptions(), zaptest.NewLogger(t))

	_, err := a.Allocate(context.Background(), store, "", testNow)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrAllocationExhausted)
	assert.Len(t, store.probes, 1)
}

func TestAllocate_ConcurrentCallersGetDistinctIdentifiers(t *testing.T) {
	const callers = 200
	store := newMemStore()
	a := NewAllocator(Options{MaxAttempts: 8, SuffixLength: 4, MaxSuffixLength: 8}, zaptest.NewLogger(t),
		WithClock(func() time.Time { return testNow }))

	var (
		mu        sync.Mutex
		committed = make(map[RecordIdentifier]bool)
	)

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			// allocate-then-insert with the unique index as the final authority
			for {
				id, err := a.Allocate(ctx, store, "CL01", testNow)
				if err != nil {
					return err
				}
				if store.claim(string(id)) {
					mu.Lock()
					committed[id] = true
					mu.Unlock()
					return nil
				}
			}
		})
	}
	require.NoError(t, g.Wait())
	assert.Len(t, committed, callers)
}

type alwaysTaken struct {
	mu    sync.Mutex
	calls int
}

func (s *alwaysTaken) RecordIdentifierExists(context.Context, string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return true, nil
}

func TestNormalizeScope(t *testing.T) {
	got, err := NormalizeScope(" ab12 ")
	require.NoError(t, err)
	assert.Equal(t, "AB12", got)

	got, err = NormalizeScope("")
	require.NoError(t, err)
	assert.Equal(t, "", got)

	_, err = NormalizeScope("TOOLONGSCOPE")
	assert.ErrorIs(t, err, ErrInvalidScope)
}

func TestParse_Malformed(t *testing.T) {
	_, err := Parse("CL01-2026-xyz")
	assert.Error(t, err)

	// 0 and O are excluded from the random alphabet
	_, err = Parse("202610-16093045-AB0O")
	assert.Error(t, err)
}
