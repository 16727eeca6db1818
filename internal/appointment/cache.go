package appointment

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/hackgods/clinic-scheduling-core/internal/schedule"
)

// SlotCache stores computed availability per query. Entries for a
// provider-day are dropped together whenever a booking on that day changes.
//
// Every provider-day carries a generation that Invalidate advances. Get
// reports the generation it observed and Set discards a fill whose
// generation is stale, so availability read before a booking change is
// never cached after that change's invalidation.
type SlotCache interface {
	Get(ctx context.Context, q schedule.SlotQuery) (slots []schedule.TimeSlot, gen uint64, ok bool)
	Set(ctx context.Context, q schedule.SlotQuery, gen uint64, slots []schedule.TimeSlot)
	Invalidate(ctx context.Context, providerID uuid.UUID, date time.Time)
}

// NoopCache never hits.
type NoopCache struct{}

func (NoopCache) Get(context.Context, schedule.SlotQuery) ([]schedule.TimeSlot, uint64, bool) {
	return nil, 0, false
}

func (NoopCache) Set(context.Context, schedule.SlotQuery, uint64, []schedule.TimeSlot) {}

func (NoopCache) Invalidate(context.Context, uuid.UUID, time.Time) {}

// MemoryCache is a process-local SlotCache. It is only coherent within one
// api-server instance; use the Redis cache when running several.
type MemoryCache struct {
	mu   sync.Mutex
	c    *gocache.Cache
	gens *gocache.Cache
	seq  uint64
}

// NewMemoryCache keeps entries for ttl. Generations outlive entries so a
// slow fill cannot match a generation that expired in between.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		c:    gocache.New(ttl, 2*ttl),
		gens: gocache.New(4*ttl, 4*ttl),
	}
}

func memoryKey(q schedule.SlotQuery) string {
	return q.DayKey() + "|" + q.Variant()
}

func (m *MemoryCache) generationLocked(dayKey string) uint64 {
	if v, ok := m.gens.Get(dayKey); ok {
		return v.(uint64)
	}
	return 0
}

func (m *MemoryCache) Get(_ context.Context, q schedule.SlotQuery) ([]schedule.TimeSlot, uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	gen := m.generationLocked(q.DayKey())
	v, ok := m.c.Get(memoryKey(q))
	if !ok {
		return nil, gen, false
	}
	slots, ok := v.([]schedule.TimeSlot)
	if !ok {
		return nil, gen, false
	}
	return append(make([]schedule.TimeSlot, 0, len(slots)), slots...), gen, true
}

func (m *MemoryCache) Set(_ context.Context, q schedule.SlotQuery, gen uint64, slots []schedule.TimeSlot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.generationLocked(q.DayKey()) != gen {
		return
	}
	m.c.SetDefault(memoryKey(q), append(make([]schedule.TimeSlot, 0, len(slots)), slots...))
}

func (m *MemoryCache) Invalidate(_ context.Context, providerID uuid.UUID, date time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dayKey := schedule.DayKey(providerID, date)
	m.seq++
	m.gens.SetDefault(dayKey, m.seq)

	prefix := dayKey + "|"
	for key := range m.c.Items() {
		if strings.HasPrefix(key, prefix) {
			m.c.Delete(key)
		}
	}
}
