// Package trade provides the HTTP handlers and business logic for creating
// bond pools, providing liquidity, trading longs and shorts, and querying
// positions.
//
// Engine amounts are 18-decimal fixed point; the API speaks
// shopspring/decimal, never float64 for money.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/bond-engine/internal/config"
	"github.com/atmx/bond-engine/internal/engine"
	"github.com/atmx/bond-engine/internal/events"
	"github.com/atmx/bond-engine/internal/exposure"
	"github.com/atmx/bond-engine/internal/fixedpoint"
	"github.com/atmx/bond-engine/internal/ledger"
	"github.com/atmx/bond-engine/internal/metrics"
	"github.com/atmx/bond-engine/internal/model"
	"github.com/atmx/bond-engine/internal/store"
	"github.com/atmx/bond-engine/internal/yieldsource"
)

var errPoolNotFound = errors.New("trade: pool not found")

// Service hosts every pool of the process. Each pool runs on its own engine,
// position ledger and yield source; operations on one pool are serialized
// so the persisted snapshots follow the order of execution.
type Service struct {
	store     store.Store
	limiter   *exposure.Limiter
	wsHub     *WSHub // optional WebSocket hub for real-time broadcasts
	publisher events.Publisher
	defaults  config.Config
	clock     func() time.Time
	logger    *slog.Logger

	mu    sync.RWMutex
	pools map[string]*poolRuntime
}

// poolRuntime is a live pool and the collaborators it was built with.
type poolRuntime struct {
	mu     sync.Mutex
	id     string
	engine *engine.Pool
	ledger *ledger.Memory
	source *yieldsource.Memory
}

// poolSnapshot is what the store keeps for each pool.
type poolSnapshot struct {
	Engine      engine.Snapshot   `json:"engine"`
	Balances    []ledger.Balance  `json:"balances"`
	YieldSource yieldsource.State `json:"yield_source"`
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher sends every executed operation to p.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithDefaults sets the pool and yield source parameters of new pools.
func WithDefaults(cfg config.Config) Option {
	return func(s *Service) { s.defaults = cfg }
}

// WithClock overrides the time source of the service and every pool it builds.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.clock = now }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a new trade service.
// Pass nil for limiter to disable position limits, and nil for hub if
// WebSocket broadcasting is not needed.
func NewService(st store.Store, limiter *exposure.Limiter, hub *WSHub, opts ...Option) *Service {
	s := &Service{
		store:     st,
		limiter:   limiter,
		wsHub:     hub,
		publisher: events.NopPublisher{},
		defaults:  config.Defaults(),
		clock:     time.Now,
		logger:    slog.Default(),
		pools:     make(map[string]*poolRuntime),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// --- Pool lifecycle ---

// CreatePoolParams describes a new pool. Zero values fall back to the
// service defaults.
type CreatePoolParams struct {
	Name              string
	Provider          string
	Contribution      decimal.Decimal
	APR               decimal.Decimal
	InitialSharePrice decimal.Decimal
	VariableRate      *decimal.Decimal
	TimeStretch       decimal.Decimal
}

// createPool builds, initializes and persists a pool.
func (s *Service) createPool(ctx context.Context, params CreatePoolParams) (*model.Pool, engine.Receipt, error) {
	if params.Name == "" || params.Provider == "" {
		return nil, engine.Receipt{}, fmt.Errorf("%w: name and provider are required", errInvalidRequest)
	}
	sharePrice := params.InitialSharePrice
	if sharePrice.IsZero() {
		sharePrice = s.defaults.YieldSource.InitialSharePrice
	}
	rate := s.defaults.YieldSource.Rate
	if params.VariableRate != nil {
		rate = *params.VariableRate
	}

	cfg, err := s.defaults.Pool.PoolConfig(sharePrice, params.APR)
	if err != nil {
		return nil, engine.Receipt{}, fmt.Errorf("%w: %w", errInvalidRequest, err)
	}
	if !params.TimeStretch.IsZero() {
		if cfg.TimeStretch, err = fixedpoint.FromDecimal(params.TimeStretch); err != nil {
			return nil, engine.Receipt{}, fmt.Errorf("%w: time_stretch: %w", errInvalidRequest, err)
		}
	}
	contribution, err := toFixed("contribution", params.Contribution)
	if err != nil {
		return nil, engine.Receipt{}, err
	}
	apr, err := toFixed("apr", params.APR)
	if err != nil {
		return nil, engine.Receipt{}, err
	}
	variableRate, err := toFixed("variable_rate", rate)
	if err != nil {
		return nil, engine.Receipt{}, err
	}

	source, err := yieldsource.NewMemory(cfg.InitialSharePrice, variableRate, yieldsource.WithClock(s.clock))
	if err != nil {
		return nil, engine.Receipt{}, fmt.Errorf("%w: %w", errInvalidRequest, err)
	}
	led := ledger.NewMemory()
	pool, err := engine.New(cfg, source, led, engine.WithLogger(s.logger), engine.WithClock(s.clock))
	if err != nil {
		return nil, engine.Receipt{}, err
	}
	receipt, err := pool.Initialize(ctx, params.Provider, contribution, apr)
	if err != nil {
		return nil, engine.Receipt{}, err
	}

	rt := &poolRuntime{id: uuid.New().String(), engine: pool, ledger: led, source: source}
	info, err := pool.Info(ctx)
	if err != nil {
		return nil, engine.Receipt{}, err
	}
	now := s.clock().UTC()
	record := &model.Pool{
		ID:        rt.id,
		Name:      params.Name,
		Config:    cfg,
		Info:      info,
		FixedAPR:  info.FixedAPR.Decimal(),
		Status:    "active",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreatePool(ctx, record); err != nil {
		return nil, engine.Receipt{}, fmt.Errorf("%w: %w", errConflict, err)
	}

	s.mu.Lock()
	s.pools[rt.id] = rt
	metrics.ActivePools.Set(float64(len(s.pools)))
	s.mu.Unlock()

	s.logger.Info("pool created",
		"pool_id", rt.id,
		"name", params.Name,
		"provider", params.Provider,
		"contribution", params.Contribution.String(),
		"apr", params.APR.String(),
	)

	rt.mu.Lock()
	defer rt.mu.Unlock()
	s.record(ctx, rt, operation{
		kind:       model.KindInitialize,
		trader:     params.Provider,
		asset:      receipt.Asset.String(),
		base:       receipt.Base,
		bonds:      receipt.Bonds,
		sharePrice: receipt.SharePrice,
	})
	return record, receipt, nil
}

// LoadPools restores every persisted pool. Pools without a snapshot are
// skipped.
func (s *Service) LoadPools(ctx context.Context) error {
	records, err := s.store.ListPools(ctx)
	if err != nil {
		return fmt.Errorf("list pools: %w", err)
	}
	for _, rec := range records {
		data, err := s.store.GetPoolSnapshot(ctx, rec.ID)
		if err != nil {
			return fmt.Errorf("load pool %s: %w", rec.ID, err)
		}
		if len(data) == 0 {
			s.logger.Warn("pool has no snapshot, skipping", "pool_id", rec.ID)
			continue
		}
		rt, err := s.restore(rec.ID, data)
		if err != nil {
			return fmt.Errorf("restore pool %s: %w", rec.ID, err)
		}
		s.mu.Lock()
		s.pools[rec.ID] = rt
		s.mu.Unlock()
	}

	s.mu.RLock()
	n := len(s.pools)
	s.mu.RUnlock()
	metrics.ActivePools.Set(float64(n))
	s.logger.Info("pools restored", "count", n)
	return nil
}

func (s *Service) restore(id string, data []byte) (*poolRuntime, error) {
	var snap poolSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	led := ledger.NewMemory()
	if err := led.Restore(snap.Balances); err != nil {
		return nil, err
	}
	source, err := yieldsource.Restore(snap.YieldSource, yieldsource.WithClock(s.clock))
	if err != nil {
		return nil, err
	}
	pool, err := engine.Restore(snap.Engine, source, led, engine.WithLogger(s.logger), engine.WithClock(s.clock))
	if err != nil {
		return nil, err
	}
	return &poolRuntime{id: id, engine: pool, ledger: led, source: source}, nil
}

func (s *Service) runtime(id string) (*poolRuntime, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rt, ok := s.pools[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errPoolNotFound, id)
	}
	return rt, nil
}

// runtimes returns the live pools ordered by id.
func (s *Service) runtimes() []*poolRuntime {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*poolRuntime, 0, len(s.pools))
	for _, rt := range s.pools {
		out = append(out, rt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (rt *poolRuntime) snapshot() ([]byte, error) {
	return json.Marshal(poolSnapshot{
		Engine:      rt.engine.Snapshot(),
		Balances:    rt.ledger.Snapshot(),
		YieldSource: rt.source.State(),
	})
}

// --- Recording ---

// operation describes an executed pool call for the trade log.
type operation struct {
	kind       model.TradeKind
	trader     string
	asset      string
	maturity   uint64
	base       fixedpoint.FixedPoint
	bonds      fixedpoint.FixedPoint
	sharePrice fixedpoint.FixedPoint
}

// record persists the pool after an executed operation, appends it to the
// trade log and fans it out to metrics, the event bus and WebSocket
// clients. The caller holds rt.mu.
//
// The operation has already committed in memory, so persistence failures
// are logged and counted but never returned: the next successful save
// writes a full snapshot again.
func (s *Service) record(ctx context.Context, rt *poolRuntime, op operation) (*model.TradeEvent, model.PoolInfo) {
	info, infoErr := rt.engine.Info(ctx)
	if infoErr != nil {
		s.persistFailed(rt.id, op.kind, "read pool info", infoErr)
	} else if err := s.savePool(ctx, rt, info); err != nil {
		s.persistFailed(rt.id, op.kind, "save pool state", err)
	}

	ev := &model.TradeEvent{
		ID:         uuid.New().String(),
		PoolID:     rt.id,
		Trader:     op.trader,
		Kind:       op.kind,
		Asset:      op.asset,
		Maturity:   op.maturity,
		BaseAmount: op.base.Decimal(),
		BondAmount: op.bonds.Decimal(),
		SharePrice: op.sharePrice.Decimal(),
		SpotPrice:  info.SpotPrice.Decimal(),
		FixedAPR:   info.FixedAPR.Decimal(),
		Timestamp:  s.clock().UTC(),
	}
	if err := s.store.InsertTradeEvent(ctx, ev); err != nil {
		s.persistFailed(rt.id, op.kind, "record trade", err)
	}

	metrics.TradesTotal.WithLabelValues(string(op.kind)).Inc()
	metrics.PoolVolume.WithLabelValues(rt.id, string(op.kind)).Add(ev.BaseAmount.InexactFloat64())
	if infoErr == nil {
		metrics.ObservePool(rt.id, info)
	}

	if err := s.publisher.Publish(ctx, events.Event{
		Type:      op.kind,
		PoolID:    rt.id,
		Trade:     ev,
		Info:      &info,
		Timestamp: ev.Timestamp,
	}); err != nil {
		s.logger.Warn("event publish failed", "pool_id", rt.id, "kind", op.kind, "err", err)
	}

	s.logger.Info("trade executed",
		"trade_id", ev.ID,
		"pool_id", rt.id,
		"kind", op.kind,
		"trader", op.trader,
		"asset", op.asset,
		"base", ev.BaseAmount.String(),
		"bonds", ev.BondAmount.String(),
		"spot_price", ev.SpotPrice.String(),
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:      "trade_executed",
			PoolID:    rt.id,
			Kind:      string(op.kind),
			Trader:    op.trader,
			Asset:     op.asset,
			Maturity:  op.maturity,
			Base:      ev.BaseAmount.String(),
			Bonds:     ev.BondAmount.String(),
			SpotPrice: ev.SpotPrice.String(),
			FixedAPR:  ev.FixedAPR.String(),
		})
	}
	return ev, info
}

func (s *Service) savePool(ctx context.Context, rt *poolRuntime, info model.PoolInfo) error {
	snap, err := rt.snapshot()
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return s.store.SavePoolState(ctx, rt.id, info, snap)
}

func (s *Service) persistFailed(poolID string, kind model.TradeKind, step string, err error) {
	metrics.PersistFailures.WithLabelValues(string(kind)).Inc()
	s.logger.Error("persist failed after commit", "pool_id", poolID, "kind", kind, "step", step, "err", err)
}

// run executes fn against the pool under its lock and records the result.
// Failed calls leave the pool untouched and are only counted.
func (s *Service) run(ctx context.Context, poolID string, kind model.TradeKind, fn func(rt *poolRuntime) (operation, error)) (*model.TradeEvent, model.PoolInfo, error) {
	rt, err := s.runtime(poolID)
	if err != nil {
		return nil, model.PoolInfo{}, err
	}
	start := time.Now()
	defer func() {
		metrics.TradeLatency.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	}()

	rt.mu.Lock()
	defer rt.mu.Unlock()

	op, err := fn(rt)
	if err != nil {
		metrics.TradeFailures.WithLabelValues(string(kind)).Inc()
		return nil, model.PoolInfo{}, err
	}
	op.kind = kind
	ev, info := s.record(ctx, rt, op)
	return ev, info, nil
}

// --- Exposure ---

// exposures sums trader's long and short bonds per maturity across pools.
func (s *Service) exposures(trader string) map[uint64]decimal.Decimal {
	out := make(map[uint64]decimal.Decimal)
	for _, rt := range s.runtimes() {
		for _, b := range rt.ledger.Balances(trader) {
			if b.Asset.Prefix.HasMaturity() {
				out[b.Asset.Maturity] = out[b.Asset.Maturity].Add(b.Amount.Decimal())
			}
		}
	}
	return out
}

func (s *Service) checkExposure(trader string, maturity uint64, bonds fixedpoint.FixedPoint) error {
	if s.limiter == nil {
		return nil
	}
	if err := s.limiter.CheckLimit(maturity, bonds.Decimal(), s.exposures(trader)); err != nil {
		metrics.PositionLimitRejections.Inc()
		return err
	}
	return nil
}

// portfolio lists trader's balances across every pool.
func (s *Service) portfolio(trader string) model.Portfolio {
	portfolio := model.Portfolio{
		Trader:    trader,
		Positions: []model.Position{},
		Exposure:  s.exposures(trader),
	}
	for _, rt := range s.runtimes() {
		for _, b := range rt.ledger.Balances(trader) {
			portfolio.Positions = append(portfolio.Positions, model.Position{
				PoolID:   rt.id,
				Trader:   trader,
				Asset:    b.Asset.String(),
				Maturity: b.Asset.Maturity,
				Balance:  b.Amount.Decimal(),
			})
		}
	}
	return portfolio
}

// --- Checkpoint keeper ---

// CheckpointAll writes, oldest first, every checkpoint a pool skipped since
// its last recorded one, so positions maturing in quiet buckets settle. It
// returns how many were written. A failure stops that pool's walk.
func (s *Service) CheckpointAll(ctx context.Context) int {
	written := 0
	for _, rt := range s.runtimes() {
		for _, t := range rt.engine.MissingCheckpoints() {
			if _, _, err := s.checkpoint(ctx, rt.id, t); err != nil {
				s.logger.Error("checkpoint failed", "pool_id", rt.id, "time", t, "err", err)
				break
			}
			written++
		}
	}
	return written
}

// RunCheckpointKeeper calls CheckpointAll every interval until ctx is done.
func (s *Service) RunCheckpointKeeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.CheckpointAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := s.CheckpointAll(ctx); n > 0 {
				s.logger.Debug("checkpoints written", "count", n)
			}
		}
	}
}

// checkpoint records the checkpoint at t on one pool.
func (s *Service) checkpoint(ctx context.Context, poolID string, t uint64) (*model.TradeEvent, model.PoolInfo, error) {
	return s.run(ctx, poolID, model.KindCheckpoint, func(rt *poolRuntime) (operation, error) {
		if err := rt.engine.Checkpoint(ctx, t); err != nil {
			return operation{}, err
		}
		cp, _ := rt.engine.CheckpointAt(t)
		metrics.Checkpoints.WithLabelValues(rt.id).Inc()
		return operation{trader: "keeper", maturity: t, sharePrice: cp.SharePrice}, nil
	})
}

// --- Conversions ---

var (
	errInvalidRequest = errors.New("trade: invalid request")
	errConflict       = errors.New("trade: conflict")
)

// noLimit disables an output limit.
var noLimit = fixedpoint.FromRaw(new(uint256.Int).SetAllOne())

func toFixed(field string, d decimal.Decimal) (fixedpoint.FixedPoint, error) {
	v, err := fixedpoint.FromDecimal(d)
	if err != nil {
		return fixedpoint.Zero(), fmt.Errorf("%w: %s: %w", errInvalidRequest, field, err)
	}
	return v, nil
}
