package bondmath

import "github.com/atmx/bond-engine/internal/fixedpoint"

// BaseVolume is the base a position paid for its curve portion: the trade's
// base less the bonds settled flat, divided by t. It is 0 when t is 0.
func BaseVolume(base, bonds, t fixedpoint.FixedPoint) fixedpoint.FixedPoint {
	if t.IsZero() {
		return fixedpoint.Zero()
	}
	flat := bonds.MulDown(fixedpoint.One().Sub(t))
	return base.SubOrZero(flat).DivDown(t)
}

// AllocationAdjustment is the share value of outstanding positions on one
// side of the pool, blending the base originally paid for the unmatured
// part with face value for the matured part:
//
//	(t·baseVolume + (1 − t)·outstanding) / c
//
// where t is the average time remaining of those positions.
func AllocationAdjustment(outstanding, baseVolume, averageTimeRemaining, sharePrice fixedpoint.FixedPoint) fixedpoint.FixedPoint {
	t := averageTimeRemaining
	value := t.MulDown(baseVolume).Add(fixedpoint.One().Sub(t).MulDown(outstanding))
	return value.DivDown(sharePrice)
}

// LPSharesForContribution is the LP shares minted for adding shares to a
// pool whose LP supply is totalSupply. The denominator values the pool net
// of trader positions; a non-positive value fails with ErrInsufficientLiquidity.
func LPSharesForContribution(shares, totalSupply, shareReserves, longAdjustment, shortAdjustment fixedpoint.FixedPoint) (fixedpoint.FixedPoint, error) {
	value := shareReserves.Add(shortAdjustment)
	if value.Lte(longAdjustment) {
		return fixedpoint.Zero(), ErrInsufficientLiquidity
	}
	return shares.MulDivDown(totalSupply, value.Sub(longAdjustment)), nil
}

// LPWithdrawal is what burning LP shares releases.
type LPWithdrawal struct {
	// ShareProceeds are paid out immediately.
	ShareProceeds fixedpoint.FixedPoint
	// LongWithdrawalShares and ShortWithdrawalShares are the burnt shares'
	// claim on the backing of outstanding longs and shorts.
	LongWithdrawalShares  fixedpoint.FixedPoint
	ShortWithdrawalShares fixedpoint.FixedPoint
}

// OutForLPSharesIn splits a burn of lpShares out of totalSupply into idle
// shares and withdrawal shares. Idle shares are the reserves not backing
// outstanding longs, taken pro rata.
func OutForLPSharesIn(lpShares, totalSupply, shareReserves, longsOutstanding, shortsOutstanding, sharePrice fixedpoint.FixedPoint) LPWithdrawal {
	idle := shareReserves.SubOrZero(longsOutstanding.DivUp(sharePrice))
	return LPWithdrawal{
		ShareProceeds:         lpShares.MulDivDown(idle, totalSupply),
		LongWithdrawalShares:  lpShares.MulDivDown(longsOutstanding, totalSupply),
		ShortWithdrawalShares: lpShares.MulDivDown(shortsOutstanding, totalSupply),
	}
}

// RedeemProceeds is the pro rata claim of redeemed withdrawal shares on the
// ready pool, where outstanding of totalSupply shares are still unbacked.
func RedeemProceeds(redeemed, pool, totalSupply, outstanding fixedpoint.FixedPoint) fixedpoint.FixedPoint {
	ready := totalSupply.SubOrZero(outstanding)
	if ready.IsZero() {
		return fixedpoint.Zero()
	}
	return pool.MulDivDown(redeemed, ready)
}
