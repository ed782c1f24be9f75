// Package engine implements a fixed-rate bond pool: the checkpoint ledger,
// LP accounting and the long and short position engines built on the
// YieldSpace curve.
//
// A Pool serializes every call behind one mutex. Each state-changing call
// runs inside a transaction that journals the market state, touched
// checkpoints and position ledger writes. The operation mutates state and
// returns the value transfer it needs (a deposit or a withdrawal); the pool
// performs that transfer last, against the YieldSource, and rolls the whole
// call back if any step fails. Callers observe either every postcondition
// of a call or no effect at all.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/bond-engine/internal/asset"
	"github.com/atmx/bond-engine/internal/bondmath"
	"github.com/atmx/bond-engine/internal/fixedpoint"
	"github.com/atmx/bond-engine/internal/model"
	"github.com/atmx/bond-engine/internal/yieldspace"
)

// YieldSource holds the pool's base asset and reports its share price.
type YieldSource interface {
	// Deposit converts base into shares.
	Deposit(ctx context.Context, base fixedpoint.FixedPoint) (shares, sharePrice fixedpoint.FixedPoint, err error)
	// Withdraw redeems shares and sends the base to destination.
	Withdraw(ctx context.Context, shares fixedpoint.FixedPoint, destination string) (base, sharePrice fixedpoint.FixedPoint, err error)
	PricePerShare(ctx context.Context) (fixedpoint.FixedPoint, error)
}

// PositionLedger records who owns which positions. Burn must fail when the
// owner's balance is below amount.
type PositionLedger interface {
	Mint(id asset.ID, to string, amount fixedpoint.FixedPoint) error
	Burn(id asset.ID, from string, amount fixedpoint.FixedPoint) error
	BalanceOf(id asset.ID, owner string) fixedpoint.FixedPoint
	TotalSupply(id asset.ID) fixedpoint.FixedPoint
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithClock overrides the time source, for tests and replays.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.clock = now }
}

// Pool is one bond market. It is safe for concurrent use.
type Pool struct {
	mu          sync.Mutex
	config      model.PoolConfig
	state       model.MarketState
	checkpoints map[uint64]model.Checkpoint

	yieldSource YieldSource
	ledger      PositionLedger
	logger      *slog.Logger
	clock       func() time.Time
}

// New creates an uninitialized pool. Initialize must be called before trading.
func New(cfg model.PoolConfig, ys YieldSource, ledger PositionLedger, opts ...Option) (*Pool, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	p := &Pool{
		config:      cfg,
		checkpoints: make(map[uint64]model.Checkpoint),
		yieldSource: ys,
		ledger:      ledger,
		logger:      slog.Default(),
		clock:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// ValidateConfig checks the invariants of a pool configuration.
func ValidateConfig(cfg model.PoolConfig) error {
	one := fixedpoint.One()
	switch {
	case cfg.CheckpointDuration == 0,
		cfg.PositionDuration < cfg.CheckpointDuration,
		cfg.PositionDuration%cfg.CheckpointDuration != 0:
		return fmt.Errorf("%w: position %ds, checkpoint %ds",
			ErrInvalidCheckpointDuration, cfg.PositionDuration, cfg.CheckpointDuration)
	case cfg.InitialSharePrice.IsZero():
		return fmt.Errorf("%w: initial share price must be positive", ErrInvalidConfig)
	case cfg.TimeStretch.IsZero(), cfg.TimeStretch.Gte(one):
		return fmt.Errorf("%w: time stretch %s outside (0, 1)", ErrInvalidConfig, cfg.TimeStretch)
	case cfg.CurveFee.Gt(one), cfg.FlatFee.Gt(one), cfg.GovernanceFee.Gt(one):
		return fmt.Errorf("%w: fees must not exceed 1", ErrInvalidConfig)
	}
	return nil
}

// env is the environment an operation is priced in: the call's timestamp
// and the yield source's share price at that time.
type env struct {
	now        uint64
	sharePrice fixedpoint.FixedPoint
}

// effect is the value transfer an operation settles with the yield source
// after its state changes are in place.
type effect struct {
	deposit     fixedpoint.FixedPoint // base in
	withdraw    fixedpoint.FixedPoint // shares out
	destination string
}

type opFunc func(tx *tx, e env) (effect, error)

// tx journals everything an operation changes so it can be undone.
type tx struct {
	state       model.MarketState
	checkpoints map[uint64]checkpointEntry
	undo        []func()
	dryRun      bool
}

type checkpointEntry struct {
	checkpoint model.Checkpoint
	existed    bool
}

func (p *Pool) begin(dryRun bool) *tx {
	return &tx{
		state:       p.state,
		checkpoints: make(map[uint64]checkpointEntry),
		dryRun:      dryRun,
	}
}

func (p *Pool) rollback(tx *tx) {
	p.state = tx.state
	for t, entry := range tx.checkpoints {
		if entry.existed {
			p.checkpoints[t] = entry.checkpoint
		} else {
			delete(p.checkpoints, t)
		}
	}
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

// try runs fn, converting arithmetic panics into ErrArithmetic. Any other
// panic rolls the transaction back before propagating.
func (p *Pool) try(tx *tx, e env, fn opFunc) (eff effect, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.rollback(tx)
			panic(r)
		}
	}()
	defer func() {
		var fpErr *fixedpoint.Error
		if errors.As(err, &fpErr) {
			err = fmt.Errorf("%w: %w", ErrArithmetic, err)
		}
	}()
	defer fixedpoint.Recover(&err)
	return fn(tx, e)
}

func (p *Pool) environment(ctx context.Context) (env, error) {
	c, err := p.yieldSource.PricePerShare(ctx)
	if err != nil {
		return env{}, fmt.Errorf("%w: %w", ErrYieldSource, err)
	}
	if c.IsZero() {
		return env{}, fmt.Errorf("%w: zero share price", ErrYieldSource)
	}
	return env{now: uint64(p.clock().Unix()), sharePrice: c}, nil
}

// execute runs one state-changing call atomically.
func (p *Pool) execute(ctx context.Context, op string, fn opFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	e, err := p.environment(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	tx := p.begin(false)
	eff, err := p.try(tx, e, fn)
	if err != nil {
		p.rollback(tx)
		p.logger.Warn("pool call rolled back", "op", op, "error", err)
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := p.settle(ctx, e, eff); err != nil {
		p.rollback(tx)
		p.logger.Warn("pool call rolled back", "op", op, "error", err)
		return fmt.Errorf("%s: %w: %w", op, ErrYieldSource, err)
	}
	return nil
}

// simulate runs fn against the live state and always rolls it back.
func (p *Pool) simulate(ctx context.Context, fn opFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, err := p.environment(ctx)
	if err != nil {
		return err
	}
	tx := p.begin(true)
	defer p.rollback(tx)
	_, err = p.try(tx, e, fn)
	return err
}

// settle moves funds through the yield source. The reserves were credited
// at e.sharePrice, so a deposit minting fewer shares than that price implies
// fails the call.
func (p *Pool) settle(ctx context.Context, e env, eff effect) error {
	if !eff.deposit.IsZero() {
		shares, _, err := p.yieldSource.Deposit(ctx, eff.deposit)
		if err != nil {
			return err
		}
		if priced := eff.deposit.DivDown(e.sharePrice); shares.Lt(priced) {
			return fmt.Errorf("deposit of %s minted %s shares, %s priced", eff.deposit, shares, priced)
		}
	}
	if !eff.withdraw.IsZero() {
		if _, _, err := p.yieldSource.Withdraw(ctx, eff.withdraw, eff.destination); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pool) mint(tx *tx, id asset.ID, to string, amount fixedpoint.FixedPoint) error {
	if amount.IsZero() || tx.dryRun {
		return nil
	}
	if err := p.ledger.Mint(id, to, amount); err != nil {
		return err
	}
	tx.undo = append(tx.undo, func() { _ = p.ledger.Burn(id, to, amount) })
	return nil
}

func (p *Pool) burn(tx *tx, id asset.ID, from string, amount fixedpoint.FixedPoint) error {
	if tx.dryRun {
		if p.ledger.BalanceOf(id, from).Lt(amount) {
			return fmt.Errorf("%w: %s", ErrInsufficientBalance, id)
		}
		return nil
	}
	if err := p.ledger.Burn(id, from, amount); err != nil {
		return fmt.Errorf("%w: %w", ErrInsufficientBalance, err)
	}
	tx.undo = append(tx.undo, func() { _ = p.ledger.Mint(id, from, amount) })
	return nil
}

func (p *Pool) putCheckpoint(tx *tx, t uint64, cp model.Checkpoint) {
	if _, journaled := tx.checkpoints[t]; !journaled {
		prev, ok := p.checkpoints[t]
		tx.checkpoints[t] = checkpointEntry{checkpoint: prev, existed: ok}
	}
	p.checkpoints[t] = cp
}

func (p *Pool) latestCheckpoint(now uint64) uint64 {
	return now - now%p.config.CheckpointDuration
}

func (p *Pool) market(sharePrice fixedpoint.FixedPoint) bondmath.Market {
	return bondmath.Market{
		Curve: yieldspace.Curve{
			ShareReserves:        p.state.ShareReserves,
			BondReserves:         p.state.BondReserves,
			SharePrice:           sharePrice,
			InitialSharePrice:    p.config.InitialSharePrice,
			TimeStretch:          p.config.TimeStretch,
			MinimumShareReserves: p.config.MinimumShareReserves,
		},
		Fees: bondmath.Fees{
			Curve:      p.config.CurveFee,
			Flat:       p.config.FlatFee,
			Governance: p.config.GovernanceFee,
		},
	}
}

func (p *Pool) requireInitialized() error {
	if !p.state.Initialized {
		return ErrNotInitialized
	}
	return nil
}

// addShares adds shares to the pool as liquidity, scaling the bond reserves
// so the spot price is unchanged.
func (p *Pool) addShares(shares fixedpoint.FixedPoint) {
	if shares.IsZero() {
		return
	}
	z := p.state.ShareReserves
	next := z.Add(shares)
	if !z.IsZero() {
		p.state.BondReserves = p.state.BondReserves.MulDivDown(next, z)
	}
	p.state.ShareReserves = next
}

// removeShares is the inverse of addShares.
func (p *Pool) removeShares(shares fixedpoint.FixedPoint) error {
	if shares.IsZero() {
		return nil
	}
	z := p.state.ShareReserves
	if shares.Gt(z) {
		return fmt.Errorf("%w: removing %s of %s shares", ErrInsufficientLiquidity, shares, z)
	}
	next := z.Sub(shares)
	p.state.BondReserves = p.state.BondReserves.MulDivDown(next, z)
	p.state.ShareReserves = next
	return nil
}

// checkSolvency enforces c·z ≥ longs outstanding.
func (p *Pool) checkSolvency(sharePrice fixedpoint.FixedPoint) error {
	if p.state.ShareReserves.MulDown(sharePrice).Lt(p.state.LongsOutstanding) {
		return fmt.Errorf("%w: %s shares at %s cannot cover %s bonds", ErrInsufficientSolvency,
			p.state.ShareReserves, sharePrice, p.state.LongsOutstanding)
	}
	return nil
}

// validMaturity checks that maturity can identify a long or short.
func (p *Pool) validMaturity(maturity, now uint64) error {
	latest := p.latestCheckpoint(now)
	if maturity == 0 || maturity%p.config.CheckpointDuration != 0 ||
		maturity < p.config.PositionDuration || maturity > latest+p.config.PositionDuration {
		return fmt.Errorf("%w: %d", ErrInvalidMaturity, maturity)
	}
	return nil
}
