package redisclient

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-scheduling-core/internal/schedule"
)

var errStaleGeneration = errors.New("slot cache generation changed")

// SlotCache keeps computed availability in one hash per provider-day, one
// field per query variant, so every api-server instance sees the same
// invalidations. A counter next to the hash is the provider-day generation;
// fills are written under WATCH on it. Redis failures degrade to cache misses.
type SlotCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

func NewSlotCache(client *redis.Client, ttl time.Duration, log *zap.Logger) *SlotCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &SlotCache{client: client, ttl: ttl, log: log}
}

func genKey(dayKey string) string {
	return dayKey + ":gen"
}

func (c *SlotCache) Get(ctx context.Context, q schedule.SlotQuery) ([]schedule.TimeSlot, uint64, bool) {
	dayKey := q.DayKey()

	var genCmd, entryCmd *redis.StringCmd
	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		genCmd = pipe.Get(ctx, genKey(dayKey))
		entryCmd = pipe.HGet(ctx, dayKey, q.Variant())
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		c.log.Warn("slot cache read failed", zap.String("key", dayKey), zap.Error(err))
		return nil, 0, false
	}

	gen, err := genCmd.Uint64()
	if err != nil && !errors.Is(err, redis.Nil) {
		c.log.Warn("slot cache generation unreadable", zap.String("key", dayKey), zap.Error(err))
		return nil, 0, false
	}

	raw, err := entryCmd.Bytes()
	if err != nil {
		return nil, gen, false
	}

	var slots []schedule.TimeSlot
	if err := json.Unmarshal(raw, &slots); err != nil {
		c.log.Warn("slot cache entry corrupt", zap.String("key", dayKey), zap.Error(err))
		return nil, gen, false
	}
	if slots == nil {
		slots = []schedule.TimeSlot{}
	}
	return slots, gen, true
}

func (c *SlotCache) Set(ctx context.Context, q schedule.SlotQuery, gen uint64, slots []schedule.TimeSlot) {
	raw, err := json.Marshal(slots)
	if err != nil {
		c.log.Warn("slot cache encode failed", zap.Error(err))
		return
	}

	dayKey := q.DayKey()
	gk := genKey(dayKey)
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, gk).Uint64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != gen {
			return errStaleGeneration
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, dayKey, q.Variant(), raw)
			pipe.Expire(ctx, dayKey, c.ttl)
			return nil
		})
		return err
	}, gk)

	switch {
	case err == nil:
	case errors.Is(err, errStaleGeneration), errors.Is(err, redis.TxFailedErr):
		c.log.Debug("slot cache fill skipped, day invalidated", zap.String("key", dayKey))
	default:
		c.log.Warn("slot cache write failed", zap.String("key", dayKey), zap.Error(err))
	}
}

// Invalidate advances the generation and drops every cached variant. The
// generation outlives the entries it guards.
func (c *SlotCache) Invalidate(ctx context.Context, providerID uuid.UUID, date time.Time) {
	dayKey := schedule.DayKey(providerID, date)
	gk := genKey(dayKey)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, gk)
		pipe.Expire(ctx, gk, 4*c.ttl)
		pipe.Del(ctx, dayKey)
		return nil
	})
	if err != nil {
		c.log.Warn("slot cache invalidation failed", zap.String("key", dayKey), zap.Error(err))
	}
}
