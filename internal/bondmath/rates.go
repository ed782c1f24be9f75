// Package bondmath composes the YieldSpace curve with the fee model into the
// deltas applied when longs, shorts and liquidity enter or leave a pool, and
// converts between reserves, prices and annualized rates.
//
// Functions here are pure: they read reserves and parameters and return the
// amounts a state transition should apply. The engine owns all mutation.
package bondmath

import (
	"errors"

	"github.com/atmx/bond-engine/internal/fixedpoint"
	"github.com/atmx/bond-engine/internal/yieldspace"
)

// SecondsPerYear is the length of the year used to annualize rates.
const SecondsPerYear uint64 = 365 * 24 * 60 * 60

var (
	// ErrNegativeInterest is returned when a trade implies a bond price
	// above par, i.e. a rate beyond 1:1.
	ErrNegativeInterest = errors.New("bondmath: negative interest")

	// ErrInvalidRate is returned for a zero rate where a positive one is required.
	ErrInvalidRate = errors.New("bondmath: rate must be positive")

	ErrInsufficientLiquidity = yieldspace.ErrInsufficientLiquidity
)

var (
	timeStretchNumerator   = fixedpoint.MustParse("5.24592")
	timeStretchDenominator = fixedpoint.MustParse("0.04665")
	hundred                = fixedpoint.FromUint64(100)
)

// TimeStretchFromAPR derives the curve's time stretch for a target rate:
// τ = 1 / (5.24592 / (0.04665 · 100 · apr)).
func TimeStretchFromAPR(apr fixedpoint.FixedPoint) (fixedpoint.FixedPoint, error) {
	if apr.IsZero() {
		return fixedpoint.Zero(), ErrInvalidRate
	}
	stretch := timeStretchNumerator.DivDown(timeStretchDenominator.MulDown(apr.MulDown(hundred)))
	return fixedpoint.One().DivDown(stretch), nil
}

// AnnualizedTime converts a duration in seconds to years.
func AnnualizedTime(seconds uint64) fixedpoint.FixedPoint {
	return fixedpoint.FromUint64(seconds).DivDown(fixedpoint.FromUint64(SecondsPerYear))
}

// TimeRemaining returns the fraction of positionDuration left before
// maturity at now, clamped to [0, 1].
func TimeRemaining(maturity, now, positionDuration uint64) fixedpoint.FixedPoint {
	if maturity <= now {
		return fixedpoint.Zero()
	}
	remaining := fixedpoint.FromUint64(maturity - now).DivDown(fixedpoint.FromUint64(positionDuration))
	return remaining.Min(fixedpoint.One())
}

// TimeRemainingScaled is TimeRemaining for a maturity held as a 1e18-scaled
// timestamp, as average maturities are.
func TimeRemainingScaled(maturity fixedpoint.FixedPoint, now, positionDuration uint64) fixedpoint.FixedPoint {
	nowScaled := fixedpoint.FromUint64(now)
	if maturity.Lte(nowScaled) {
		return fixedpoint.Zero()
	}
	remaining := maturity.Sub(nowScaled).DivDown(fixedpoint.FromUint64(positionDuration))
	return remaining.Min(fixedpoint.One())
}

// SpotPrice returns ((μ·z)/y)^τ.
func SpotPrice(shareReserves, bondReserves, initialSharePrice, timeStretch fixedpoint.FixedPoint) fixedpoint.FixedPoint {
	return yieldspace.Curve{
		ShareReserves:     shareReserves,
		BondReserves:      bondReserves,
		InitialSharePrice: initialSharePrice,
		TimeStretch:       timeStretch,
	}.SpotPrice()
}

// APRFromPrice annualizes a bond price: (1 − p) / (p · t).
func APRFromPrice(price fixedpoint.FixedPoint, positionDuration uint64) fixedpoint.FixedPoint {
	one := fixedpoint.One()
	if price.Gte(one) {
		return fixedpoint.Zero()
	}
	return one.Sub(price).DivDown(price.MulDown(AnnualizedTime(positionDuration)))
}

// APRFromReserves returns the fixed rate implied by the reserves.
func APRFromReserves(shareReserves, bondReserves, initialSharePrice fixedpoint.FixedPoint, positionDuration uint64, timeStretch fixedpoint.FixedPoint) fixedpoint.FixedPoint {
	return APRFromPrice(SpotPrice(shareReserves, bondReserves, initialSharePrice, timeStretch), positionDuration)
}

// BondReserves returns the bond reserves that price shareReserves at apr:
// y = μ·z·(1 + apr·t)^(1/τ).
func BondReserves(shareReserves, initialSharePrice, apr fixedpoint.FixedPoint, positionDuration uint64, timeStretch fixedpoint.FixedPoint) fixedpoint.FixedPoint {
	one := fixedpoint.One()
	growth := one.Add(apr.MulDown(AnnualizedTime(positionDuration)))
	return initialSharePrice.MulDown(shareReserves).MulDown(growth.Pow(one.DivUp(timeStretch)))
}
