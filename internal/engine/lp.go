package engine

import (
	"context"
	"fmt"

	"github.com/atmx/bond-engine/internal/asset"
	"github.com/atmx/bond-engine/internal/bondmath"
	"github.com/atmx/bond-engine/internal/fixedpoint"
)

var (
	longWithdrawalShareID  = asset.ID{Prefix: asset.LongWithdrawalShare}
	shortWithdrawalShareID = asset.ID{Prefix: asset.ShortWithdrawalShare}
)

// Initialize seeds the pool with contribution base priced at apr and mints
// c·z + y LP shares to provider. It can run only once.
func (p *Pool) Initialize(ctx context.Context, provider string, contribution, apr fixedpoint.FixedPoint) (Receipt, error) {
	var r Receipt
	err := p.execute(ctx, "initialize", func(tx *tx, e env) (effect, error) {
		if p.state.Initialized {
			return effect{}, ErrAlreadyInitialized
		}
		if contribution.IsZero() || apr.IsZero() {
			return effect{}, ErrZeroAmount
		}

		c := e.sharePrice
		latest := p.latestCheckpoint(e.now)
		if _, err := p.applyCheckpoint(tx, latest, c, e); err != nil {
			return effect{}, err
		}

		shares := contribution.DivDown(c)
		p.state.ShareReserves = shares
		p.state.BondReserves = bondmath.BondReserves(
			shares, p.config.InitialSharePrice, apr, p.config.PositionDuration, p.config.TimeStretch,
		)
		p.state.Initialized = true

		lpShares := shares.MulDown(c).Add(p.state.BondReserves)
		if err := p.mint(tx, asset.LPShareID, provider, lpShares); err != nil {
			return effect{}, err
		}
		r = Receipt{Asset: asset.LPShareID, Base: contribution, Bonds: lpShares, Shares: shares, SharePrice: c}
		return effect{deposit: contribution}, nil
	})
	if err != nil {
		return Receipt{}, err
	}
	p.logger.Info("pool initialized", "contribution", contribution, "apr", apr, "lp_shares", r.Bonds)
	return r, nil
}

// AddLiquidity adds contribution base at the pool's current rate. New LP
// shares are priced against the pool's value net of open positions, so
// existing LPs keep the risk and return of those positions. It fails with
// ErrOutputLimit when fewer than minLPOut shares would be minted.
func (p *Pool) AddLiquidity(ctx context.Context, provider string, contribution, minLPOut fixedpoint.FixedPoint) (Receipt, error) {
	var r Receipt
	err := p.execute(ctx, "add liquidity", func(tx *tx, e env) (effect, error) {
		if contribution.IsZero() {
			return effect{}, ErrZeroAmount
		}
		if err := p.requireInitialized(); err != nil {
			return effect{}, err
		}

		c := e.sharePrice
		latest := p.latestCheckpoint(e.now)
		if _, err := p.applyCheckpoint(tx, latest, c, e); err != nil {
			return effect{}, err
		}

		shares := contribution.DivDown(c)
		apr := p.fixedAPR()
		supply := p.ledger.TotalSupply(asset.LPShareID)
		var lpShares fixedpoint.FixedPoint
		if !supply.IsZero() {
			longAdjustment, shortAdjustment := p.allocationAdjustments(e)
			var err error
			lpShares, err = bondmath.LPSharesForContribution(
				shares, supply, p.state.ShareReserves, longAdjustment, shortAdjustment,
			)
			if err != nil {
				return effect{}, pricingError(err)
			}
		}

		p.state.ShareReserves = p.state.ShareReserves.Add(shares)
		p.resetBondReserves(apr)

		if supply.IsZero() {
			// Every LP has left; the pool is priced afresh as in Initialize.
			lpShares = p.state.ShareReserves.MulDown(c).Add(p.state.BondReserves)
		}
		if lpShares.IsZero() {
			return effect{}, fmt.Errorf("%w: %s base mints no LP shares", ErrInsufficientLiquidity, contribution)
		}
		if lpShares.Lt(minLPOut) {
			return effect{}, fmt.Errorf("%w: %s LP shares out, minimum %s", ErrOutputLimit, lpShares, minLPOut)
		}

		if err := p.mint(tx, asset.LPShareID, provider, lpShares); err != nil {
			return effect{}, err
		}
		r = Receipt{Asset: asset.LPShareID, Base: contribution, Bonds: lpShares, Shares: shares, SharePrice: c}
		return effect{deposit: contribution}, nil
	})
	if err != nil {
		return Receipt{}, err
	}
	return r, nil
}

// Withdrawal is the outcome of RemoveLiquidity.
type Withdrawal struct {
	Base                  fixedpoint.FixedPoint
	Shares                fixedpoint.FixedPoint
	LongWithdrawalShares  fixedpoint.FixedPoint
	ShortWithdrawalShares fixedpoint.FixedPoint
	SharePrice            fixedpoint.FixedPoint
}

// RemoveLiquidity burns lpShares of provider. The idle part of the burnt
// claim is paid to destination now; the part backing open longs and shorts
// is issued as withdrawal shares, redeemable as those positions close. It
// fails with ErrOutputLimit when the base paid is below minBaseOut.
func (p *Pool) RemoveLiquidity(ctx context.Context, provider string, lpShares, minBaseOut fixedpoint.FixedPoint, destination string) (Withdrawal, error) {
	var w Withdrawal
	err := p.execute(ctx, "remove liquidity", func(tx *tx, e env) (effect, error) {
		if lpShares.IsZero() {
			return effect{}, ErrZeroAmount
		}
		if err := p.requireInitialized(); err != nil {
			return effect{}, err
		}

		c := e.sharePrice
		latest := p.latestCheckpoint(e.now)
		if _, err := p.applyCheckpoint(tx, latest, c, e); err != nil {
			return effect{}, err
		}

		apr := p.fixedAPR()
		supply := p.ledger.TotalSupply(asset.LPShareID)
		if err := p.burn(tx, asset.LPShareID, provider, lpShares); err != nil {
			return effect{}, err
		}

		out := bondmath.OutForLPSharesIn(
			lpShares, supply, p.state.ShareReserves,
			p.state.LongsOutstanding, p.state.ShortsOutstanding, c,
		)
		p.state.ShareReserves = p.state.ShareReserves.Sub(out.ShareProceeds)
		p.resetBondReserves(apr)

		if err := p.mint(tx, longWithdrawalShareID, provider, out.LongWithdrawalShares); err != nil {
			return effect{}, err
		}
		if err := p.mint(tx, shortWithdrawalShareID, provider, out.ShortWithdrawalShares); err != nil {
			return effect{}, err
		}
		p.state.LongWithdrawalSharesOutstanding = p.state.LongWithdrawalSharesOutstanding.Add(out.LongWithdrawalShares)
		p.state.ShortWithdrawalSharesOutstanding = p.state.ShortWithdrawalSharesOutstanding.Add(out.ShortWithdrawalShares)

		base := out.ShareProceeds.MulDown(c)
		if base.Lt(minBaseOut) {
			return effect{}, fmt.Errorf("%w: %s base out, minimum %s", ErrOutputLimit, base, minBaseOut)
		}
		w = Withdrawal{
			Base:                  base,
			Shares:                out.ShareProceeds,
			LongWithdrawalShares:  out.LongWithdrawalShares,
			ShortWithdrawalShares: out.ShortWithdrawalShares,
			SharePrice:            c,
		}
		return effect{withdraw: out.ShareProceeds, destination: destination}, nil
	})
	if err != nil {
		return Withdrawal{}, err
	}
	return w, nil
}

// RedeemWithdrawalShares redeems provider's long and short withdrawal
// shares against the proceeds the pool has set aside for them. Only shares
// whose backing positions have closed can be redeemed; asking for more
// fails with ErrWithdrawalSharesNotReady.
func (p *Pool) RedeemWithdrawalShares(ctx context.Context, provider string, longShares, shortShares, minBaseOut fixedpoint.FixedPoint, destination string) (Receipt, error) {
	var r Receipt
	err := p.execute(ctx, "redeem withdrawal shares", func(tx *tx, e env) (effect, error) {
		if longShares.IsZero() && shortShares.IsZero() {
			return effect{}, ErrZeroAmount
		}
		if err := p.requireInitialized(); err != nil {
			return effect{}, err
		}

		c := e.sharePrice
		latest := p.latestCheckpoint(e.now)
		if _, err := p.applyCheckpoint(tx, latest, c, e); err != nil {
			return effect{}, err
		}

		longProceeds, err := p.redeem(tx, provider, longWithdrawalShareID, longShares,
			&p.state.LongWithdrawalShareProceeds, p.state.LongWithdrawalSharesOutstanding)
		if err != nil {
			return effect{}, err
		}
		shortProceeds, err := p.redeem(tx, provider, shortWithdrawalShareID, shortShares,
			&p.state.ShortWithdrawalShareProceeds, p.state.ShortWithdrawalSharesOutstanding)
		if err != nil {
			return effect{}, err
		}

		shares := longProceeds.Add(shortProceeds)
		base := shares.MulDown(c)
		if base.Lt(minBaseOut) {
			return effect{}, fmt.Errorf("%w: %s base out, minimum %s", ErrOutputLimit, base, minBaseOut)
		}
		r = Receipt{Base: base, Bonds: longShares.Add(shortShares), Shares: shares, SharePrice: c}
		return effect{withdraw: shares, destination: destination}, nil
	})
	if err != nil {
		return Receipt{}, err
	}
	return r, nil
}

func (p *Pool) redeem(tx *tx, provider string, id asset.ID, amount fixedpoint.FixedPoint, pool *fixedpoint.FixedPoint, outstanding fixedpoint.FixedPoint) (fixedpoint.FixedPoint, error) {
	if amount.IsZero() {
		return fixedpoint.Zero(), nil
	}
	supply := p.ledger.TotalSupply(id)
	ready := supply.SubOrZero(outstanding)
	if amount.Gt(ready) {
		return fixedpoint.Zero(), fmt.Errorf("%w: %s %s requested, %s ready", ErrWithdrawalSharesNotReady, amount, id, ready)
	}
	proceeds := bondmath.RedeemProceeds(amount, *pool, supply, outstanding)
	if err := p.burn(tx, id, provider, amount); err != nil {
		return fixedpoint.Zero(), err
	}
	*pool = pool.Sub(proceeds)
	return proceeds, nil
}

// fixedAPR is the rate implied by the current reserves.
func (p *Pool) fixedAPR() fixedpoint.FixedPoint {
	if p.state.ShareReserves.IsZero() || p.state.BondReserves.IsZero() {
		return fixedpoint.Zero()
	}
	return bondmath.APRFromReserves(
		p.state.ShareReserves, p.state.BondReserves, p.config.InitialSharePrice,
		p.config.PositionDuration, p.config.TimeStretch,
	)
}

// resetBondReserves sets the bond reserves that price the current share
// reserves at apr.
func (p *Pool) resetBondReserves(apr fixedpoint.FixedPoint) {
	p.state.BondReserves = bondmath.BondReserves(
		p.state.ShareReserves, p.config.InitialSharePrice, apr,
		p.config.PositionDuration, p.config.TimeStretch,
	)
}

// allocationAdjustments values outstanding longs and shorts in shares,
// interpolating between the base paid and face value by average time
// remaining.
func (p *Pool) allocationAdjustments(e env) (long, short fixedpoint.FixedPoint) {
	d := p.config.PositionDuration
	long = bondmath.AllocationAdjustment(
		p.state.LongsOutstanding, p.state.LongBaseVolume,
		bondmath.TimeRemainingScaled(p.state.LongAverageMaturityTime, e.now, d), e.sharePrice,
	)
	short = bondmath.AllocationAdjustment(
		p.state.ShortsOutstanding, p.state.ShortBaseVolume,
		bondmath.TimeRemainingScaled(p.state.ShortAverageMaturityTime, e.now, d), e.sharePrice,
	)
	return long, short
}
