// Package store defines the persistence interface for the bond engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/bond-engine/internal/model"
)

// ErrNotFound is returned when a pool does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Pool operations ---

	// CreatePool persists a new pool.
	CreatePool(ctx context.Context, pool *model.Pool) error

	// GetPool retrieves a pool by its ID.
	GetPool(ctx context.Context, id string) (*model.Pool, error)

	// ListPools returns all pools, newest first.
	ListPools(ctx context.Context) ([]model.Pool, error)

	// SavePoolState records a pool's latest view and the opaque snapshot
	// the engine can be restored from.
	SavePoolState(ctx context.Context, id string, info model.PoolInfo, snapshot []byte) error

	// GetPoolSnapshot returns the snapshot saved by SavePoolState, or nil if
	// none has been saved.
	GetPoolSnapshot(ctx context.Context, id string) ([]byte, error)

	// --- Immutable trade log ---

	// InsertTradeEvent appends an immutable trade record.
	InsertTradeEvent(ctx context.Context, ev *model.TradeEvent) error

	// GetTradeEventsByPool returns all events for a pool in time order.
	GetTradeEventsByPool(ctx context.Context, poolID string) ([]model.TradeEvent, error)

	// GetTradeEventsByTrader returns all events for a trader in time order.
	GetTradeEventsByTrader(ctx context.Context, trader string) ([]model.TradeEvent, error)
}
