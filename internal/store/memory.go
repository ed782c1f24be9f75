package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/atmx/bond-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	pools     map[string]*model.Pool
	snapshots map[string][]byte
	events    []model.TradeEvent
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pools:     make(map[string]*model.Pool),
		snapshots: make(map[string][]byte),
	}
}

func (s *MemoryStore) CreatePool(_ context.Context, p *model.Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pools[p.ID]; ok {
		return fmt.Errorf("pool %s already exists", p.ID)
	}
	for _, existing := range s.pools {
		if existing.Name == p.Name {
			return fmt.Errorf("pool named %q already exists", p.Name)
		}
	}

	// Store a copy to avoid external mutation.
	copy := *p
	s.pools[p.ID] = &copy
	return nil
}

func (s *MemoryStore) GetPool(_ context.Context, id string) (*model.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pools[id]
	if !ok {
		return nil, fmt.Errorf("pool %s: %w", id, ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPools(_ context.Context) ([]model.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pools := make([]model.Pool, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, *p)
	}
	sort.Slice(pools, func(i, j int) bool {
		return pools[i].CreatedAt.After(pools[j].CreatedAt)
	})
	return pools, nil
}

func (s *MemoryStore) SavePoolState(_ context.Context, id string, info model.PoolInfo, snapshot []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pools[id]
	if !ok {
		return fmt.Errorf("pool %s: %w", id, ErrNotFound)
	}
	p.Info = info
	p.FixedAPR = info.FixedAPR.Decimal()
	p.UpdatedAt = time.Now().UTC()
	s.snapshots[id] = slices.Clone(snapshot)
	return nil
}

func (s *MemoryStore) GetPoolSnapshot(_ context.Context, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.pools[id]; !ok {
		return nil, fmt.Errorf("pool %s: %w", id, ErrNotFound)
	}
	return slices.Clone(s.snapshots[id]), nil
}

func (s *MemoryStore) InsertTradeEvent(_ context.Context, ev *model.TradeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, *ev)
	return nil
}

func (s *MemoryStore) GetTradeEventsByPool(_ context.Context, poolID string) ([]model.TradeEvent, error) {
	return s.eventsWhere(func(e *model.TradeEvent) bool { return e.PoolID == poolID }), nil
}

func (s *MemoryStore) GetTradeEventsByTrader(_ context.Context, trader string) ([]model.TradeEvent, error) {
	return s.eventsWhere(func(e *model.TradeEvent) bool { return e.Trader == trader }), nil
}

// eventsWhere returns matching events in insertion order.
func (s *MemoryStore) eventsWhere(match func(*model.TradeEvent) bool) []model.TradeEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradeEvent
	for i := range s.events {
		if match(&s.events[i]) {
			result = append(result, s.events[i])
		}
	}
	return result
}
