package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/bond-engine/internal/model"
)

// CachedStore puts a Redis read-through cache in front of a primary Store.
// Pool records and trade histories are cached as JSON for ttl; every write
// goes to the primary first and then invalidates the keys it affects.
// Redis failures degrade to primary reads and are never returned.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{primary: primary, rdb: rdb, ttl: ttl}
}

func (s *CachedStore) CreatePool(ctx context.Context, p *model.Pool) error {
	if err := s.primary.CreatePool(ctx, p); err != nil {
		return err
	}
	s.put(ctx, poolKey(p.ID), p)
	return nil
}

func (s *CachedStore) SavePoolState(ctx context.Context, id string, info model.PoolInfo, snapshot []byte) error {
	if err := s.primary.SavePoolState(ctx, id, info, snapshot); err != nil {
		return err
	}
	s.invalidate(ctx, poolKey(id))
	return nil
}

func (s *CachedStore) InsertTradeEvent(ctx context.Context, ev *model.TradeEvent) error {
	if err := s.primary.InsertTradeEvent(ctx, ev); err != nil {
		return err
	}
	s.invalidate(ctx, historyKey(ev.PoolID), traderKey(ev.Trader))
	return nil
}

func (s *CachedStore) GetPool(ctx context.Context, id string) (*model.Pool, error) {
	return readThrough(ctx, s, poolKey(id), func() (*model.Pool, error) {
		return s.primary.GetPool(ctx, id)
	})
}

func (s *CachedStore) GetTradeEventsByPool(ctx context.Context, poolID string) ([]model.TradeEvent, error) {
	return readThrough(ctx, s, historyKey(poolID), func() ([]model.TradeEvent, error) {
		return s.primary.GetTradeEventsByPool(ctx, poolID)
	})
}

func (s *CachedStore) GetTradeEventsByTrader(ctx context.Context, trader string) ([]model.TradeEvent, error) {
	return readThrough(ctx, s, traderKey(trader), func() ([]model.TradeEvent, error) {
		return s.primary.GetTradeEventsByTrader(ctx, trader)
	})
}

func (s *CachedStore) ListPools(ctx context.Context) ([]model.Pool, error) {
	return s.primary.ListPools(ctx)
}

// Snapshots are only read when a pool is restored, so they skip the cache.
func (s *CachedStore) GetPoolSnapshot(ctx context.Context, id string) ([]byte, error) {
	return s.primary.GetPoolSnapshot(ctx, id)
}

// readThrough returns the cached value at key, or loads it from the
// primary and caches it.
func readThrough[T any](ctx context.Context, s *CachedStore, key string, load func() (T, error)) (T, error) {
	if data, err := s.rdb.Get(ctx, key).Bytes(); err == nil {
		var v T
		if json.Unmarshal(data, &v) == nil {
			return v, nil
		}
	}
	v, err := load()
	if err != nil {
		return v, err
	}
	s.put(ctx, key, v)
	return v, nil
}

func (s *CachedStore) put(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, key, data, s.ttl).Err(); err != nil {
		slog.Warn("cache write failed", "key", key, "err", err)
	}
}

func (s *CachedStore) invalidate(ctx context.Context, keys ...string) {
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		slog.Warn("cache invalidation failed", "keys", keys, "err", err)
	}
}

func poolKey(id string) string        { return "bond:pool:" + id }
func historyKey(id string) string     { return "bond:history:" + id }
func traderKey(trader string) string { return "bond:trader:" + trader }
