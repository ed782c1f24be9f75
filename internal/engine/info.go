package engine

import (
	"context"
	"fmt"
	"maps"

	"github.com/holiman/uint256"

	"github.com/atmx/bond-engine/internal/asset"
	"github.com/atmx/bond-engine/internal/bondmath"
	"github.com/atmx/bond-engine/internal/fixedpoint"
	"github.com/atmx/bond-engine/internal/model"
)

// Receipt reports what one pool call moved.
type Receipt struct {
	Asset      asset.ID
	Maturity   uint64
	Base       fixedpoint.FixedPoint // base paid in or out
	Bonds      fixedpoint.FixedPoint // bonds, LP shares or withdrawal shares
	Shares     fixedpoint.FixedPoint // yield-source shares
	SharePrice fixedpoint.FixedPoint
}

// Quote is the dry-run result of a trade.
type Quote struct {
	Receipt
	SpotPrice fixedpoint.FixedPoint // after the trade
	FixedAPR  fixedpoint.FixedPoint // after the trade
}

// unlimited disables an output limit.
var unlimited = fixedpoint.FromRaw(new(uint256.Int).SetAllOne())

// maxSearchSteps bounds the MaxLong and MaxShort bisection.
const maxSearchSteps = 128

// Config returns the pool's immutable configuration.
func (p *Pool) Config() model.PoolConfig {
	return p.config
}

// Info returns a consistent view of the pool at the current share price.
func (p *Pool) Info(ctx context.Context) (model.PoolInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, err := p.environment(ctx)
	if err != nil {
		return model.PoolInfo{}, err
	}
	info := model.PoolInfo{
		MarketState:      p.state,
		SharePrice:       e.sharePrice,
		LPTotalSupply:    p.ledger.TotalSupply(asset.LPShareID),
		LatestCheckpoint: p.latestCheckpoint(e.now),
		Timestamp:        e.now,
	}
	if !p.state.ShareReserves.IsZero() && !p.state.BondReserves.IsZero() {
		info.SpotPrice = bondmath.SpotPrice(
			p.state.ShareReserves, p.state.BondReserves, p.config.InitialSharePrice, p.config.TimeStretch,
		)
		info.FixedAPR = bondmath.APRFromPrice(info.SpotPrice, p.config.PositionDuration)
	}
	if !info.LPTotalSupply.IsZero() {
		err := func() (err error) {
			defer fixedpoint.Recover(&err)
			long, short := p.allocationAdjustments(e)
			value := p.state.ShareReserves.Add(short).SubOrZero(long)
			info.LPSharePrice = value.MulDown(e.sharePrice).DivDown(info.LPTotalSupply)
			return nil
		}()
		if err != nil {
			return model.PoolInfo{}, fmt.Errorf("%w: %w", ErrArithmetic, err)
		}
	}
	return info, nil
}

// MaxLong returns the largest base deposit an OpenLong can take now.
func (p *Pool) MaxLong(ctx context.Context) (fixedpoint.FixedPoint, error) {
	return p.search(ctx, func(e env) (fixedpoint.FixedPoint, error) {
		t := bondmath.TimeRemaining(p.latestCheckpoint(e.now)+p.config.PositionDuration, e.now, p.config.PositionDuration)
		maxShares, err := p.market(e.sharePrice).Curve.MaxBuySharesIn()
		if err != nil {
			return fixedpoint.Zero(), err
		}
		return maxShares.MulDown(e.sharePrice).DivDown(t), nil
	}, func(tx *tx, e env, base fixedpoint.FixedPoint) error {
		_, err := p.openLong(tx, e, "", base, fixedpoint.Zero())
		return err
	})
}

// MaxShort returns the largest bond amount an OpenShort can sell now.
func (p *Pool) MaxShort(ctx context.Context) (fixedpoint.FixedPoint, error) {
	return p.search(ctx, func(e env) (fixedpoint.FixedPoint, error) {
		t := bondmath.TimeRemaining(p.latestCheckpoint(e.now)+p.config.PositionDuration, e.now, p.config.PositionDuration)
		maxBonds, err := p.market(e.sharePrice).Curve.MaxSellBondsIn()
		if err != nil {
			return fixedpoint.Zero(), err
		}
		return maxBonds.DivDown(t), nil
	}, func(tx *tx, e env, bonds fixedpoint.FixedPoint) error {
		_, err := p.openShort(tx, e, "", bonds, unlimited)
		return err
	})
}

// search bisects [0, upper] for the largest amount attempt accepts. Each
// attempt runs as a dry run against the live state.
func (p *Pool) search(ctx context.Context, upper func(env) (fixedpoint.FixedPoint, error), attempt func(*tx, env, fixedpoint.FixedPoint) error) (fixedpoint.FixedPoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.requireInitialized(); err != nil {
		return fixedpoint.Zero(), err
	}
	e, err := p.environment(ctx)
	if err != nil {
		return fixedpoint.Zero(), err
	}

	var hi fixedpoint.FixedPoint
	err = func() (err error) {
		defer fixedpoint.Recover(&err)
		hi, err = upper(e)
		return err
	}()
	if err != nil {
		return fixedpoint.Zero(), pricingError(err)
	}

	accepts := func(amount fixedpoint.FixedPoint) bool {
		dry := p.begin(true)
		defer p.rollback(dry)
		_, err := p.try(dry, e, func(tx *tx, e env) (effect, error) {
			return effect{}, attempt(tx, e, amount)
		})
		return err == nil
	}
	if accepts(hi) {
		return hi, nil
	}

	two := fixedpoint.FromUint64(2)
	lo := fixedpoint.Zero()
	for range maxSearchSteps {
		if err := ctx.Err(); err != nil {
			return fixedpoint.Zero(), err
		}
		if hi.Sub(lo).Lte(fixedpoint.FromScaled(1)) {
			break
		}
		mid := lo.Add(hi).DivDown(two)
		if accepts(mid) {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo, nil
}

// QuoteOpenLong prices an OpenLong of base without executing it.
func (p *Pool) QuoteOpenLong(ctx context.Context, base fixedpoint.FixedPoint) (Quote, error) {
	var q Quote
	err := p.simulate(ctx, func(tx *tx, e env) (effect, error) {
		r, err := p.openLong(tx, e, "", base, fixedpoint.Zero())
		if err != nil {
			return effect{}, err
		}
		q = p.quote(r)
		return effect{}, nil
	})
	if err != nil {
		return Quote{}, fmt.Errorf("quote open long: %w", err)
	}
	return q, nil
}

// QuoteOpenShort prices an OpenShort of bonds without executing it.
func (p *Pool) QuoteOpenShort(ctx context.Context, bonds fixedpoint.FixedPoint) (Quote, error) {
	var q Quote
	err := p.simulate(ctx, func(tx *tx, e env) (effect, error) {
		r, err := p.openShort(tx, e, "", bonds, unlimited)
		if err != nil {
			return effect{}, err
		}
		q = p.quote(r)
		return effect{}, nil
	})
	if err != nil {
		return Quote{}, fmt.Errorf("quote open short: %w", err)
	}
	return q, nil
}

func (p *Pool) quote(r Receipt) Quote {
	spot := bondmath.SpotPrice(
		p.state.ShareReserves, p.state.BondReserves, p.config.InitialSharePrice, p.config.TimeStretch,
	)
	return Quote{
		Receipt:   r,
		SpotPrice: spot,
		FixedAPR:  bondmath.APRFromPrice(spot, p.config.PositionDuration),
	}
}

// Snapshot is the persistent state of a pool. Position balances live in
// the PositionLedger and are saved separately.
type Snapshot struct {
	Config      model.PoolConfig            `json:"config"`
	State       model.MarketState           `json:"state"`
	Checkpoints map[uint64]model.Checkpoint `json:"checkpoints"`
}

// Snapshot copies the pool's state.
func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		Config:      p.config,
		State:       p.state,
		Checkpoints: maps.Clone(p.checkpoints),
	}
}

// Restore rebuilds a pool from a snapshot and the ledger it was taken with.
func Restore(snap Snapshot, ys YieldSource, ledger PositionLedger, opts ...Option) (*Pool, error) {
	p, err := New(snap.Config, ys, ledger, opts...)
	if err != nil {
		return nil, err
	}
	p.state = snap.State
	for t, cp := range snap.Checkpoints {
		p.checkpoints[t] = cp
	}
	return p, nil
}
