package engine

import (
	"context"
	"fmt"

	"github.com/atmx/bond-engine/internal/asset"
	"github.com/atmx/bond-engine/internal/bondmath"
	"github.com/atmx/bond-engine/internal/fixedpoint"
)

// OpenLong buys bonds with base on behalf of trader. The position matures
// one position duration after the latest checkpoint. It fails with
// ErrOutputLimit when fewer than minBondsOut bonds would be received.
func (p *Pool) OpenLong(ctx context.Context, trader string, base, minBondsOut fixedpoint.FixedPoint) (Receipt, error) {
	var r Receipt
	err := p.execute(ctx, "open long", func(tx *tx, e env) (effect, error) {
		var err error
		r, err = p.openLong(tx, e, trader, base, minBondsOut)
		if err != nil {
			return effect{}, err
		}
		return effect{deposit: base}, nil
	})
	if err != nil {
		return Receipt{}, err
	}
	return r, nil
}

func (p *Pool) openLong(tx *tx, e env, trader string, base, minBondsOut fixedpoint.FixedPoint) (Receipt, error) {
	if base.IsZero() {
		return Receipt{}, ErrZeroAmount
	}
	if err := p.requireInitialized(); err != nil {
		return Receipt{}, err
	}

	latest := p.latestCheckpoint(e.now)
	if _, err := p.applyCheckpoint(tx, latest, e.sharePrice, e); err != nil {
		return Receipt{}, err
	}

	c := e.sharePrice
	shares := base.DivDown(c)
	maturity := latest + p.config.PositionDuration
	t := bondmath.TimeRemaining(maturity, e.now, p.config.PositionDuration)

	res, err := p.market(c).OpenLong(shares, t)
	if err != nil {
		return Receipt{}, pricingError(err)
	}
	bonds := res.BondProceeds
	if bonds.Lt(minBondsOut) {
		return Receipt{}, fmt.Errorf("%w: %s bonds out, minimum %s", ErrOutputLimit, bonds, minBondsOut)
	}

	p.state.ShareReserves = p.state.ShareReserves.Add(res.ShareReserveDelta)
	p.state.BondReserves = p.state.BondReserves.Sub(res.BondReserveDelta)
	p.addShares(res.FlatShareDelta)

	p.state.LongAverageMaturityTime = fixedpoint.UpdateWeightedAverage(
		p.state.LongAverageMaturityTime, p.state.LongsOutstanding,
		fixedpoint.FromUint64(maturity), bonds, true,
	)
	p.state.LongsOutstanding = p.state.LongsOutstanding.Add(bonds)
	p.addBaseVolume(tx, latest, bondmath.BaseVolume(base, bonds, t), true)
	p.state.GovernanceFeesAccrued = p.state.GovernanceFeesAccrued.Add(res.GovernanceFee)

	if err := p.checkSolvency(c); err != nil {
		return Receipt{}, err
	}
	id := asset.LongID(maturity)
	if err := p.mint(tx, id, trader, bonds); err != nil {
		return Receipt{}, err
	}

	return Receipt{
		Asset:      id,
		Maturity:   maturity,
		Base:       base,
		Bonds:      bonds,
		Shares:     shares,
		SharePrice: c,
	}, nil
}

// CloseLong sells bondAmount of trader's longs maturing at maturity and
// sends the proceeds to destination. Matured longs redeem at face value. It
// fails with ErrOutputLimit when the proceeds are below minBaseOut.
func (p *Pool) CloseLong(ctx context.Context, trader string, maturity uint64, bonds, minBaseOut fixedpoint.FixedPoint, destination string) (Receipt, error) {
	var r Receipt
	err := p.execute(ctx, "close long", func(tx *tx, e env) (effect, error) {
		var err error
		r, err = p.closeLong(tx, e, trader, maturity, bonds, minBaseOut)
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

func (p *Pool) closeLong(tx *tx, e env, trader string, maturity uint64, bonds, minBaseOut fixedpoint.FixedPoint) (Receipt, error) {
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

	id := asset.LongID(maturity)
	supply := p.ledger.TotalSupply(id)
	if err := p.burn(tx, id, trader, bonds); err != nil {
		return Receipt{}, err
	}

	c := e.sharePrice
	t := bondmath.TimeRemaining(maturity, e.now, p.config.PositionDuration)
	res, err := p.market(c).CloseLong(bonds, t)
	if err != nil {
		return Receipt{}, pricingError(err)
	}

	openPrice, closePrice := p.positionPrices(maturity, matured, c)
	proceeds := res.ShareProceeds
	if closePrice.Lt(openPrice) {
		// Negative interest over the position's life is shared by the long.
		proceeds = proceeds.MulDivDown(closePrice, openPrice)
	}

	if matured {
		// Settlement already paid the bonds out of the reserves; the flat
		// fee returns to the pool.
		p.addShares(res.FlatFee.SubOrZero(res.GovernanceFee))
	} else {
		err := p.applyCloseLong(tx, longClose{
			bonds:             bonds,
			checkpointBonds:   supply,
			bondReserveDelta:  res.BondReserveDelta,
			shareReserveDelta: res.ShareReserveDelta,
			flatShareDelta:    res.FlatShareDelta,
			shareProceeds:     proceeds,
			maturity:          maturity,
		}, c)
		if err != nil {
			return Receipt{}, err
		}
	}
	p.addShares(res.ShareProceeds.Sub(proceeds))
	p.state.GovernanceFeesAccrued = p.state.GovernanceFeesAccrued.Add(res.GovernanceFee)

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

// positionPrices returns the share prices at a position's open checkpoint
// and at its close: the maturity checkpoint once matured, otherwise now.
func (p *Pool) positionPrices(maturity uint64, matured bool, current fixedpoint.FixedPoint) (open, closing fixedpoint.FixedPoint) {
	open = p.checkpoints[maturity-p.config.PositionDuration].SharePrice
	if open.IsZero() {
		open = current
	}
	closing = current
	if matured {
		if cp := p.checkpoints[maturity].SharePrice; !cp.IsZero() {
			closing = cp
		}
	}
	return open, closing
}

// longClose describes longs leaving the pool, either closed by a trader or
// settled at maturity.
type longClose struct {
	bonds             fixedpoint.FixedPoint
	checkpointBonds   fixedpoint.FixedPoint // supply at this maturity before the close
	bondReserveDelta  fixedpoint.FixedPoint
	shareReserveDelta fixedpoint.FixedPoint
	flatShareDelta    fixedpoint.FixedPoint
	shareProceeds     fixedpoint.FixedPoint
	maturity          uint64
}

func (p *Pool) applyCloseLong(tx *tx, d longClose, sharePrice fixedpoint.FixedPoint) error {
	p.state.LongAverageMaturityTime = fixedpoint.UpdateWeightedAverage(
		p.state.LongAverageMaturityTime, p.state.LongsOutstanding,
		fixedpoint.FromUint64(d.maturity), d.bonds, false,
	)
	p.state.LongsOutstanding = p.state.LongsOutstanding.Sub(d.bonds)
	p.removeBaseVolume(tx, d.maturity-p.config.PositionDuration, d.bonds, d.checkpointBonds, true)

	if d.shareReserveDelta.Gt(p.state.ShareReserves) {
		return fmt.Errorf("%w: closing longs needs %s of %s shares",
			ErrInsufficientLiquidity, d.shareReserveDelta, p.state.ShareReserves)
	}
	p.state.ShareReserves = p.state.ShareReserves.Sub(d.shareReserveDelta)
	p.state.BondReserves = p.state.BondReserves.Add(d.bondReserveDelta)
	if err := p.removeShares(d.flatShareDelta); err != nil {
		return err
	}

	// LPs that withdrew while these longs were open are owed their share of
	// the backing the longs release.
	outstanding := p.state.LongWithdrawalSharesOutstanding
	if outstanding.IsZero() {
		return nil
	}
	amount := outstanding.Min(d.bonds)
	openPrice, _ := p.positionPrices(d.maturity, false, sharePrice)
	proceeds := bondmath.ShortProceeds(
		amount, d.shareProceeds.MulDivDown(amount, d.bonds),
		openPrice, sharePrice, sharePrice,
	)
	if err := p.removeShares(proceeds); err != nil {
		return err
	}
	p.state.LongWithdrawalShareProceeds = p.state.LongWithdrawalShareProceeds.Add(proceeds)
	p.state.LongWithdrawalSharesOutstanding = outstanding.Sub(amount)
	return nil
}
