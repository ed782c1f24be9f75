// Package yieldspace implements the YieldSpace bonding curve used to price
// fixed-rate bonds against a yield-bearing share reserve.
//
// The curve preserves the invariant
//
//	k = (c/μ)·(μ·z)^(1−τ) + y^(1−τ)
//
// where z is the share reserve, y the bond reserve, c the current share
// price, μ the initial share price and τ the time stretch. Trades solve the
// invariant for the reserve that moves in response to a known input.
//
// Every quote rounds in the pool's favour: amounts paid out by the pool are
// rounded down, amounts paid in are rounded up. The curve is stateless;
// reserves are passed in as a Curve value and never mutated.
package yieldspace

import (
	"errors"

	"github.com/atmx/bond-engine/internal/fixedpoint"
)

var (
	// ErrInsufficientLiquidity is returned when a trade would drive a
	// reserve negative or invert the invariant.
	ErrInsufficientLiquidity = errors.New("yieldspace: insufficient liquidity")

	// ErrMaxBuyExceeded is returned when a purchase of bonds would push the
	// spot price above 1, i.e. past the largest trade the curve allows.
	ErrMaxBuyExceeded = errors.New("yieldspace: trade exceeds max buy")

	// ErrMaxSellExceeded is returned when a sale of bonds would drain the
	// share reserves below the configured minimum.
	ErrMaxSellExceeded = errors.New("yieldspace: trade exceeds max sell")
)

// Curve is a snapshot of the reserves and parameters a quote is priced on.
type Curve struct {
	ShareReserves        fixedpoint.FixedPoint // z
	BondReserves         fixedpoint.FixedPoint // y
	SharePrice           fixedpoint.FixedPoint // c
	InitialSharePrice    fixedpoint.FixedPoint // μ
	TimeStretch          fixedpoint.FixedPoint // τ
	MinimumShareReserves fixedpoint.FixedPoint // floor for MaxSellBondsIn
}

// exponent returns the curve exponent 1 − τ.
func (c Curve) exponent() fixedpoint.FixedPoint {
	return fixedpoint.One().Sub(c.TimeStretch)
}

// invert raises base to 1/(1−τ). The reciprocal exponent is rounded so that
// the result errs large when roundLarge is set and small otherwise; for a
// base below one a smaller exponent gives a larger result.
func (c Curve) invert(base fixedpoint.FixedPoint, roundLarge bool) fixedpoint.FixedPoint {
	one := fixedpoint.One()
	t := c.exponent()
	up := roundLarge == base.Gte(one)
	if up {
		return base.Pow(one.DivUp(t))
	}
	return base.Pow(one.DivDown(t))
}

// KUp returns the invariant rounded up.
func (c Curve) KUp() fixedpoint.FixedPoint {
	t := c.exponent()
	shares := c.SharePrice.MulDivUp(c.InitialSharePrice.MulUp(c.ShareReserves).Pow(t), c.InitialSharePrice)
	return shares.Add(c.BondReserves.Pow(t))
}

// KDown returns the invariant rounded down.
func (c Curve) KDown() fixedpoint.FixedPoint {
	t := c.exponent()
	shares := c.SharePrice.MulDivDown(c.InitialSharePrice.MulDown(c.ShareReserves).Pow(t), c.InitialSharePrice)
	return shares.Add(c.BondReserves.Pow(t))
}

// SpotPrice returns the instantaneous price of one bond in base,
// ((μ·z)/y)^τ.
func (c Curve) SpotPrice() fixedpoint.FixedPoint {
	return c.InitialSharePrice.MulDivDown(c.ShareReserves, c.BondReserves).Pow(c.TimeStretch)
}

// BondsOutGivenSharesIn returns the bonds the pool pays out for dz shares
// paid in, rounded down.
func (c Curve) BondsOutGivenSharesIn(dz fixedpoint.FixedPoint) (fixedpoint.FixedPoint, error) {
	maxIn, err := c.MaxBuySharesIn()
	if err != nil {
		return fixedpoint.Zero(), err
	}
	if dz.Gt(maxIn) {
		return fixedpoint.Zero(), ErrMaxBuyExceeded
	}

	k := c.KUp()
	z := c.SharePrice.MulDivDown(
		c.InitialSharePrice.MulDown(c.ShareReserves.Add(dz)).Pow(c.exponent()),
		c.InitialSharePrice,
	)
	if k.Lt(z) {
		return fixedpoint.Zero(), ErrInsufficientLiquidity
	}
	y := c.invert(k.Sub(z), true)
	if y.Gt(c.BondReserves) {
		return fixedpoint.Zero(), ErrInsufficientLiquidity
	}
	return c.BondReserves.Sub(y), nil
}

// SharesInGivenBondsOutUp returns the shares that must be paid in to take
// dy bonds out of the pool, rounded up.
func (c Curve) SharesInGivenBondsOutUp(dy fixedpoint.FixedPoint) (fixedpoint.FixedPoint, error) {
	return c.sharesInGivenBondsOut(dy, true)
}

// SharesInGivenBondsOutDown is SharesInGivenBondsOutUp rounded down. It is
// used to value positions, never to charge traders.
func (c Curve) SharesInGivenBondsOutDown(dy fixedpoint.FixedPoint) (fixedpoint.FixedPoint, error) {
	return c.sharesInGivenBondsOut(dy, false)
}

func (c Curve) sharesInGivenBondsOut(dy fixedpoint.FixedPoint, up bool) (fixedpoint.FixedPoint, error) {
	maxOut, err := c.MaxBuyBondsOut()
	if err != nil {
		return fixedpoint.Zero(), err
	}
	if dy.Gt(maxOut) {
		return fixedpoint.Zero(), ErrMaxBuyExceeded
	}

	k := c.KDown()
	if up {
		k = c.KUp()
	}
	y := c.BondReserves.Sub(dy).Pow(c.exponent())
	if k.Lt(y) {
		return fixedpoint.Zero(), ErrInsufficientLiquidity
	}

	var z fixedpoint.FixedPoint
	if up {
		z = k.Sub(y).MulDivUp(c.InitialSharePrice, c.SharePrice)
		z = c.invert(z, true).DivUp(c.InitialSharePrice)
	} else {
		z = k.Sub(y).MulDivDown(c.InitialSharePrice, c.SharePrice)
		z = c.invert(z, false).DivDown(c.InitialSharePrice)
	}
	if z.Lt(c.ShareReserves) {
		return fixedpoint.Zero(), ErrInsufficientLiquidity
	}
	return z.Sub(c.ShareReserves), nil
}

// SharesOutGivenBondsIn returns the shares the pool pays out for dy bonds
// paid in, rounded down.
func (c Curve) SharesOutGivenBondsIn(dy fixedpoint.FixedPoint) (fixedpoint.FixedPoint, error) {
	maxIn, err := c.MaxSellBondsIn()
	if err != nil {
		return fixedpoint.Zero(), err
	}
	if dy.Gt(maxIn) {
		return fixedpoint.Zero(), ErrMaxSellExceeded
	}

	k := c.KUp()
	y := c.BondReserves.Add(dy).Pow(c.exponent())
	if k.Lt(y) {
		return fixedpoint.Zero(), ErrInsufficientLiquidity
	}
	z := k.Sub(y).MulDivUp(c.InitialSharePrice, c.SharePrice)
	z = c.invert(z, true).DivUp(c.InitialSharePrice)
	return c.ShareReserves.SubOrZero(z), nil
}

// MaxBuySharesIn returns the largest share payment the curve accepts before
// the spot price reaches 1. At that point μ·z = y, so
// z = (k / (c/μ + 1))^(1/(1−τ)) / μ.
func (c Curve) MaxBuySharesIn() (fixedpoint.FixedPoint, error) {
	k := c.KDown()
	z := k.DivDown(c.SharePrice.DivUp(c.InitialSharePrice).Add(fixedpoint.One()))
	z = c.invert(z, false).DivDown(c.InitialSharePrice)
	if z.Lt(c.ShareReserves) {
		return fixedpoint.Zero(), ErrInsufficientLiquidity
	}
	return z.Sub(c.ShareReserves), nil
}

// MaxBuyBondsOut returns the largest bond amount that can be bought before
// the spot price reaches 1.
func (c Curve) MaxBuyBondsOut() (fixedpoint.FixedPoint, error) {
	k := c.KUp()
	y := k.DivUp(c.SharePrice.DivDown(c.InitialSharePrice).Add(fixedpoint.One()))
	y = c.invert(y, true)
	if c.BondReserves.Lt(y) {
		return fixedpoint.Zero(), ErrInsufficientLiquidity
	}
	return c.BondReserves.Sub(y), nil
}

// MaxSellBondsIn returns the largest bond amount that can be sold before the
// share reserves fall to MinimumShareReserves.
func (c Curve) MaxSellBondsIn() (fixedpoint.FixedPoint, error) {
	k := c.KDown()
	floor := c.SharePrice.MulDivUp(
		c.InitialSharePrice.MulUp(c.MinimumShareReserves).Pow(c.exponent()),
		c.InitialSharePrice,
	)
	if k.Lt(floor) {
		return fixedpoint.Zero(), ErrInsufficientLiquidity
	}
	y := c.invert(k.Sub(floor), false)
	if y.Lt(c.BondReserves) {
		return fixedpoint.Zero(), ErrInsufficientLiquidity
	}
	return y.Sub(c.BondReserves), nil
}
