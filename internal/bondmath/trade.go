package bondmath

import (
	"github.com/atmx/bond-engine/internal/fixedpoint"
	"github.com/atmx/bond-engine/internal/yieldspace"
)

// Fees are the pool's fee rates. Curve and Flat are charged to traders;
// Governance is the fraction of every charged fee diverted to governance.
type Fees struct {
	Curve      fixedpoint.FixedPoint `json:"curve"`
	Flat       fixedpoint.FixedPoint `json:"flat"`
	Governance fixedpoint.FixedPoint `json:"governance"`
}

// Market is the pricing context of a trade: the curve at current reserves
// and share price, plus the fee schedule.
//
// Every trade is split by the time remaining t in [0, 1]. The fraction t is
// priced on the curve; the fraction 1 − t has already accrued at the fixed
// rate and is settled 1:1 ("flat").
type Market struct {
	Curve yieldspace.Curve
	Fees  Fees
}

func (m Market) sharePrice() fixedpoint.FixedPoint { return m.Curve.SharePrice }

// curveFeeShares is the curve fee for bonds priced on the curve, in shares:
// (1 − p)·φc·bonds·t / c.
func (m Market) curveFeeShares(spot, bonds, t fixedpoint.FixedPoint) fixedpoint.FixedPoint {
	return fixedpoint.One().SubOrZero(spot).
		MulDown(m.Fees.Curve).
		MulDown(bonds.MulDivDown(t, m.sharePrice()))
}

// OpenLongResult is the outcome of buying bonds with shares.
type OpenLongResult struct {
	// ShareReserveDelta is added to z: curve shares in, net of governance fees.
	ShareReserveDelta fixedpoint.FixedPoint
	// BondReserveDelta is removed from y: curve bonds out, less the fee kept by LPs.
	BondReserveDelta fixedpoint.FixedPoint
	// FlatShareDelta is added to the pool as liquidity.
	FlatShareDelta fixedpoint.FixedPoint
	BondProceeds   fixedpoint.FixedPoint
	// CurveFee and FlatFee are in bonds; GovernanceFee in shares.
	CurveFee      fixedpoint.FixedPoint
	FlatFee       fixedpoint.FixedPoint
	GovernanceFee fixedpoint.FixedPoint
	SpotPrice     fixedpoint.FixedPoint
}

// OpenLong prices a purchase of bonds with shares at time remaining t.
func (m Market) OpenLong(shares, t fixedpoint.FixedPoint) (OpenLongResult, error) {
	c := m.sharePrice()
	spot := m.Curve.SpotPrice()

	curveShares := shares.MulDown(t)
	flatShares := shares.Sub(curveShares)

	curveBonds := fixedpoint.Zero()
	if !curveShares.IsZero() {
		var err error
		curveBonds, err = m.Curve.BondsOutGivenSharesIn(curveShares)
		if err != nil {
			return OpenLongResult{}, err
		}
	}
	flatBonds := flatShares.MulDown(c)

	// (1/p − 1)·φc·c·dz·t, valued in bonds.
	curveFee := fixedpoint.One().DivDown(spot).SubOrZero(fixedpoint.One()).
		MulDown(m.Fees.Curve).
		MulDown(c.MulDown(curveShares))
	flatFee := flatBonds.MulDown(m.Fees.Flat)

	govCurveBonds := curveFee.MulDown(m.Fees.Governance)
	govCurveShares := govCurveBonds.MulDown(spot).DivDown(c)
	govFlatShares := flatFee.MulDown(m.Fees.Governance).DivDown(c)

	return OpenLongResult{
		ShareReserveDelta: curveShares.SubOrZero(govCurveShares),
		BondReserveDelta:  curveBonds.SubOrZero(curveFee.SubOrZero(govCurveBonds)),
		FlatShareDelta:    flatShares.SubOrZero(govFlatShares),
		BondProceeds:      curveBonds.Add(flatBonds).SubOrZero(curveFee.Add(flatFee)),
		CurveFee:          curveFee,
		FlatFee:           flatFee,
		GovernanceFee:     govCurveShares.Add(govFlatShares),
		SpotPrice:         spot,
	}, nil
}

// CloseLongResult is the outcome of selling bonds back to the pool.
type CloseLongResult struct {
	// ShareReserveDelta is removed from z: curve shares out, less the fee
	// kept by LPs, plus the governance cut that also leaves the pool.
	ShareReserveDelta fixedpoint.FixedPoint
	// BondReserveDelta is added to y.
	BondReserveDelta fixedpoint.FixedPoint
	// FlatShareDelta is removed from the pool as liquidity.
	FlatShareDelta fixedpoint.FixedPoint
	ShareProceeds  fixedpoint.FixedPoint
	// All fees are in shares.
	CurveFee      fixedpoint.FixedPoint
	FlatFee       fixedpoint.FixedPoint
	GovernanceFee fixedpoint.FixedPoint
}

// CloseLong prices a sale of bonds for shares at time remaining t.
func (m Market) CloseLong(bonds, t fixedpoint.FixedPoint) (CloseLongResult, error) {
	c := m.sharePrice()
	spot := m.Curve.SpotPrice()

	curveBonds := bonds.MulDown(t)
	flatShares := bonds.MulDivDown(fixedpoint.One().Sub(t), c)

	curveShares := fixedpoint.Zero()
	if !curveBonds.IsZero() {
		var err error
		curveShares, err = m.Curve.SharesOutGivenBondsIn(curveBonds)
		if err != nil {
			return CloseLongResult{}, err
		}
	}

	curveFee := m.curveFeeShares(spot, bonds, t)
	flatFee := flatShares.MulDown(m.Fees.Flat)
	govCurve := curveFee.MulDown(m.Fees.Governance)
	govFlat := flatFee.MulDown(m.Fees.Governance)

	return CloseLongResult{
		ShareReserveDelta: curveShares.SubOrZero(curveFee).Add(govCurve),
		BondReserveDelta:  curveBonds,
		FlatShareDelta:    flatShares.SubOrZero(flatFee).Add(govFlat),
		ShareProceeds:     curveShares.Add(flatShares).SubOrZero(curveFee.Add(flatFee)),
		CurveFee:          curveFee,
		FlatFee:           flatFee,
		GovernanceFee:     govCurve.Add(govFlat),
	}, nil
}

// OpenShortResult is the outcome of selling bonds short to the pool.
type OpenShortResult struct {
	// ShareReserveDelta is removed from z.
	ShareReserveDelta fixedpoint.FixedPoint
	// BondReserveDelta is added to y.
	BondReserveDelta fixedpoint.FixedPoint
	// FlatShareDelta is removed from the pool as liquidity.
	FlatShareDelta fixedpoint.FixedPoint
	// ShareProceeds is what the sold bonds fetch; the trader deposits the
	// difference between face value and these proceeds.
	ShareProceeds fixedpoint.FixedPoint
	CurveFee      fixedpoint.FixedPoint
	FlatFee       fixedpoint.FixedPoint
	GovernanceFee fixedpoint.FixedPoint
}

// OpenShort prices a short of bonds at time remaining t. Shorting sells bonds
// to the pool, so reserves move exactly as in CloseLong. It fails with
// ErrNegativeInterest when the proceeds would exceed face value.
func (m Market) OpenShort(bonds, t fixedpoint.FixedPoint) (OpenShortResult, error) {
	closed, err := m.CloseLong(bonds, t)
	if err != nil {
		return OpenShortResult{}, err
	}
	if closed.ShareProceeds.MulDown(m.sharePrice()).Gt(bonds) {
		return OpenShortResult{}, ErrNegativeInterest
	}
	return OpenShortResult{
		ShareReserveDelta: closed.ShareReserveDelta,
		BondReserveDelta:  closed.BondReserveDelta,
		FlatShareDelta:    closed.FlatShareDelta,
		ShareProceeds:     closed.ShareProceeds,
		CurveFee:          closed.CurveFee,
		FlatFee:           closed.FlatFee,
		GovernanceFee:     closed.GovernanceFee,
	}, nil
}

// CloseShortResult is the outcome of buying back shorted bonds.
type CloseShortResult struct {
	// ShareReserveDelta is added to z: curve shares in plus the LP share of
	// the curve fee.
	ShareReserveDelta fixedpoint.FixedPoint
	// BondReserveDelta is removed from y.
	BondReserveDelta fixedpoint.FixedPoint
	// FlatShareDelta is added to the pool as liquidity.
	FlatShareDelta fixedpoint.FixedPoint
	// SharePayment is the total cost of the buyback, fees included.
	SharePayment  fixedpoint.FixedPoint
	CurveFee      fixedpoint.FixedPoint
	FlatFee       fixedpoint.FixedPoint
	GovernanceFee fixedpoint.FixedPoint
}

// CloseShort prices buying back bonds at time remaining t.
func (m Market) CloseShort(bonds, t fixedpoint.FixedPoint) (CloseShortResult, error) {
	c := m.sharePrice()
	spot := m.Curve.SpotPrice()

	curveBonds := bonds.MulDown(t)
	flatShares := bonds.MulDivUp(fixedpoint.One().Sub(t), c)

	curveShares := fixedpoint.Zero()
	if !curveBonds.IsZero() {
		var err error
		curveShares, err = m.Curve.SharesInGivenBondsOutUp(curveBonds)
		if err != nil {
			return CloseShortResult{}, err
		}
	}

	curveFee := m.curveFeeShares(spot, bonds, t)
	flatFee := flatShares.MulDown(m.Fees.Flat)
	govCurve := curveFee.MulDown(m.Fees.Governance)
	govFlat := flatFee.MulDown(m.Fees.Governance)

	return CloseShortResult{
		ShareReserveDelta: curveShares.Add(curveFee).Sub(govCurve),
		BondReserveDelta:  curveBonds,
		FlatShareDelta:    flatShares.Add(flatFee).Sub(govFlat),
		SharePayment:      curveShares.Add(flatShares).Add(curveFee).Add(flatFee),
		CurveFee:          curveFee,
		FlatFee:           flatFee,
		GovernanceFee:     govCurve.Add(govFlat),
	}, nil
}

// ShortProceeds is the value, in shares at sharePrice, returned to a short
// that opened at openSharePrice and closes at closeSharePrice after paying
// sharePayment to buy back its bonds:
//
//	closeSharePrice · (bonds/openSharePrice − sharePayment) / sharePrice
//
// Interest accrued on the collateral belongs to the short. The result is 0
// when the payment exceeds the collateral.
func ShortProceeds(bonds, sharePayment, openSharePrice, closeSharePrice, sharePrice fixedpoint.FixedPoint) fixedpoint.FixedPoint {
	collateral := bonds.DivDown(openSharePrice)
	if collateral.Lte(sharePayment) {
		return fixedpoint.Zero()
	}
	return collateral.Sub(sharePayment).MulDivDown(closeSharePrice, sharePrice)
}

// ShortDeposit is the base a trader deposits to open a short of bonds whose
// sale fetched shareProceeds: face value grown to the current share price,
// less the proceeds, rounded up.
func ShortDeposit(bonds, shareProceeds, openSharePrice, sharePrice fixedpoint.FixedPoint) (fixedpoint.FixedPoint, error) {
	owed := bonds.MulDivUp(sharePrice, openSharePrice)
	paid := shareProceeds.MulDown(sharePrice)
	if paid.Gt(owed) {
		return fixedpoint.Zero(), ErrNegativeInterest
	}
	return owed.Sub(paid), nil
}
