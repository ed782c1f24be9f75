package engine

import (
	"context"
	"fmt"

	"github.com/atmx/bond-engine/internal/asset"
	"github.com/atmx/bond-engine/internal/bondmath"
	"github.com/atmx/bond-engine/internal/fixedpoint"
)

// OpenShort sells bonds short on behalf of trader, who deposits the
// difference between face value and the sale proceeds plus the interest
// accrued since the latest checkpoint. It fails with ErrOutputLimit when
// that deposit exceeds maxDeposit, and with ErrNegativeInterest when the
// sale would fetch more than face value.
func (p *Pool) OpenShort(ctx context.Context, trader string, bonds, maxDeposit fixedpoint.FixedPoint) (Receipt, error) {
	var r Receipt
	err := p.execute(ctx, "open short", func(tx *tx, e env) (effect, error) {
		var err error
		r, err = p.openShort(tx, e, trader, bonds, maxDeposit)
		if err != nil {
			return effect{}, err
		}
		return effect{deposit: r.Base}, nil
	})
	if err != nil {
		return Receipt{}, err
	}
	return r, nil
}

func (p *Pool) openShort(tx *tx, e env, trader string, bonds, maxDeposit fixedpoint.FixedPoint) (Receipt, error) {
	if bonds.IsZero() {
		return Receipt{}, ErrZeroAmount
	}
	if err := p.requireInitialized(); err != nil {
		return Receipt{}, err
	}

	latest := p.latestCheckpoint(e.now)
	openPrice, err := p.applyCheckpoint(tx, latest, e.sharePrice, e)
	if err != nil {
		return Receipt{}, err
	}

	c := e.sharePrice
	maturity := latest + p.config.PositionDuration
	t := bondmath.TimeRemaining(maturity, e.now, p.config.PositionDuration)

	res, err := p.market(c).OpenShort(bonds, t)
	if err != nil {
		return Receipt{}, pricingError(err)
	}
	deposit, err := bondmath.ShortDeposit(bonds, res.ShareProceeds, openPrice, c)
	if err != nil {
		return Receipt{}, pricingError(err)
	}
	if deposit.Gt(maxDeposit) {
		return Receipt{}, fmt.Errorf("%w: deposit %s, maximum %s", ErrOutputLimit, deposit, maxDeposit)
	}

	if res.ShareReserveDelta.Gt(p.state.ShareReserves) {
		return Receipt{}, fmt.Errorf("%w: short needs %s of %s shares",
			ErrInsufficientLiquidity, res.ShareReserveDelta, p.state.ShareReserves)
	}
	p.state.ShareReserves = p.state.ShareReserves.Sub(res.ShareReserveDelta)
	p.state.BondReserves = p.state.BondReserves.Add(res.BondReserveDelta)
	if err := p.removeShares(res.FlatShareDelta); err != nil {
		return Receipt{}, err
	}

	p.state.ShortAverageMaturityTime = fixedpoint.UpdateWeightedAverage(
		p.state.ShortAverageMaturityTime, p.state.ShortsOutstanding,
		fixedpoint.FromUint64(maturity), bonds, true,
	)
	p.state.ShortsOutstanding = p.state.ShortsOutstanding.Add(bonds)
	p.addBaseVolume(tx, latest, bondmath.BaseVolume(res.ShareProceeds.MulDown(c), bonds, t), false)
	p.state.GovernanceFeesAccrued = p.state.GovernanceFeesAccrued.Add(res.GovernanceFee)

	if err := p.checkSolvency(c); err != nil {
		return Receipt{}, err
	}
	id := asset.ShortID(maturity)
	if err := p.mint(tx, id, trader, bonds); err != nil {
		return Receipt{}, err
	}

	return Receipt{
		Asset:      id,
		Maturity:   maturity,
		Base:       deposit,
		Bonds:      bonds,
		Shares:     deposit.DivDown(c),
		SharePrice: c,
	}, nil
}

// CloseShort buys back bondAmount of trader's shorts maturing at maturity
// and sends what remains of the collateral to destination. It fails with
// ErrOutputLimit when the proceeds are below minBaseOut.
func (p *Pool) CloseShort(ctx context.Context, trader string, maturity uint64, bonds, minBaseOut fixedpoint.FixedPoint, destination string) (Receipt, error) {
	var r Receipt
	err := p.execute(ctx, "close short", func(tx *tx, e env) (effect, error) {
		var err error
		r, err = p.closeShort(tx, e, trader, maturity, bonds, minBaseOut)
		if err != nil {
			return effect{}, err
		}
		return effect{withdraw: r.Shares, destination: destination}, nil
	})
	if err != nil {
		return Receipt{}, err
	}
	return r, nil
}

func (p *Pool) closeShort(tx *tx, e env, trader string, maturity uint64, bonds, minBaseOut fixedpoint.FixedPoint) (Receipt, error) {
	if bonds.IsZero() {
		return Receipt{}, ErrZeroAmount
	}
	if err := p.requireInitialized(); err != nil {
		return Receipt{}, err
	}
	if err := p.validMaturity(maturity, e.now); err != nil {
		return Receipt{}, err
	}

	latest := p.latestCheckpoint(e.now)
	if _, err := p.applyCheckpoint(tx, latest, e.sharePrice, e); err != nil {
		return Receipt{}, err
	}
	matured := maturity <= e.now
	if matured {
		if _, err := p.checkpointFor(tx, maturity, e); err != nil {
			return Receipt{}, err
		}
	}

	id := asset.ShortID(maturity)
	supply := p.ledger.TotalSupply(id)
	if err := p.burn(tx, id, trader, bonds); err != nil {
		return Receipt{}, err
	}

	c := e.sharePrice
	openPrice, closePrice := p.positionPrices(maturity, matured, c)
	t := bondmath.TimeRemaining(maturity, e.now, p.config.PositionDuration)

	// A matured short buys its bonds back at the maturity share price.
	pricedAt := c
	if matured {
		pricedAt = closePrice
	}
	res, err := p.market(pricedAt).CloseShort(bonds, t)
	if err != nil {
		return Receipt{}, pricingError(err)
	}

	if matured {
		p.addShares(res.FlatFee.SubOrZero(res.GovernanceFee))
	} else {
		err := p.applyCloseShort(tx, shortClose{
			bonds:             bonds,
			checkpointBonds:   supply,
			bondReserveDelta:  res.BondReserveDelta,
			shareReserveDelta: res.ShareReserveDelta,
			flatShareDelta:    res.FlatShareDelta,
			sharePayment:      res.SharePayment,
			maturity:          maturity,
		})
		if err != nil {
			return Receipt{}, err
		}
	}
	p.state.GovernanceFeesAccrued = p.state.GovernanceFeesAccrued.Add(res.GovernanceFee)

	proceeds := bondmath.ShortProceeds(bonds, res.SharePayment, openPrice, closePrice, c)
	base := proceeds.MulDown(c)
	if base.Lt(minBaseOut) {
		return Receipt{}, fmt.Errorf("%w: %s base out, minimum %s", ErrOutputLimit, base, minBaseOut)
	}
	return Receipt{
		Asset:      id,
		Maturity:   maturity,
		Base:       base,
		Bonds:      bonds,
		Shares:     proceeds,
		SharePrice: c,
	}, nil
}

// shortClose describes shorts leaving the pool, either closed by a trader
// or settled at maturity.
type shortClose struct {
	bonds             fixedpoint.FixedPoint
	checkpointBonds   fixedpoint.FixedPoint
	bondReserveDelta  fixedpoint.FixedPoint
	shareReserveDelta fixedpoint.FixedPoint
	flatShareDelta    fixedpoint.FixedPoint
	sharePayment      fixedpoint.FixedPoint
	maturity          uint64
}

func (p *Pool) applyCloseShort(tx *tx, d shortClose) error {
	p.state.ShortAverageMaturityTime = fixedpoint.UpdateWeightedAverage(
		p.state.ShortAverageMaturityTime, p.state.ShortsOutstanding,
		fixedpoint.FromUint64(d.maturity), d.bonds, false,
	)
	p.state.ShortsOutstanding = p.state.ShortsOutstanding.Sub(d.bonds)
	p.removeBaseVolume(tx, d.maturity-p.config.PositionDuration, d.bonds, d.checkpointBonds, false)

	if d.bondReserveDelta.Gt(p.state.BondReserves) {
		return fmt.Errorf("%w: closing shorts needs %s of %s bonds",
			ErrInsufficientLiquidity, d.bondReserveDelta, p.state.BondReserves)
	}
	p.state.ShareReserves = p.state.ShareReserves.Add(d.shareReserveDelta)
	p.state.BondReserves = p.state.BondReserves.Sub(d.bondReserveDelta)
	p.addShares(d.flatShareDelta)

	// LPs that withdrew while these shorts were open are owed the matching
	// share of the buyback payment.
	outstanding := p.state.ShortWithdrawalSharesOutstanding
	if outstanding.IsZero() {
		return nil
	}
	amount := outstanding.Min(d.bonds)
	proceeds := d.sharePayment.MulDivDown(amount, d.bonds)
	if err := p.removeShares(proceeds); err != nil {
		return err
	}
	p.state.ShortWithdrawalShareProceeds = p.state.ShortWithdrawalShareProceeds.Add(proceeds)
	p.state.ShortWithdrawalSharesOutstanding = outstanding.Sub(amount)
	return nil
}
