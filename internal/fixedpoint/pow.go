package fixedpoint

import "github.com/holiman/uint256"

// The exp and ln kernels treat uint256 values as two's-complement int256.
// They are rational approximations evaluated in a 2**96 binary basis and are
// accurate to within a few units of the last 1e18 digit.

var (
	expMinInput  = mustSigned("-42139678854452767551")
	expMaxInput  = mustSigned("135305999368893231589")
	fivePow18    = uint256.MustFromDecimal("3814697265625")
	ln2Scaled    = uint256.MustFromDecimal("54916777467707473351141471128")
	twoPow95     = new(uint256.Int).Lsh(uint256.NewInt(1), 95)
	expScale     = uint256.MustFromDecimal("3822833074963236453042738258902158003155416615667")
	lnScale      = uint256.MustFromDecimal("1677202110996718588342820967067443963516166")
	lnLn2        = uint256.MustFromDecimal("16597577552685614221487285958193947469193820559219878177908093499208371")
	lnBaseOffset = uint256.MustFromDecimal("600920179829731861736702779321621459595472258049074101567377883020018308")
)

// mustSigned parses a possibly negative decimal integer into two's complement.
func mustSigned(s string) *uint256.Int {
	if s[0] == '-' {
		z := uint256.MustFromDecimal(s[1:])
		return z.Neg(z)
	}
	return uint256.MustFromDecimal(s)
}

func fromInt64(n int64) *uint256.Int {
	if n < 0 {
		z := uint256.NewInt(uint64(-n))
		return z.Neg(z)
	}
	return uint256.NewInt(uint64(n))
}

func toInt64(x *uint256.Int) int64 {
	if x.Sign() < 0 {
		return -int64(new(uint256.Int).Neg(x).Uint64())
	}
	return int64(x.Uint64())
}

// dec parses a constant from the rational approximations below.
func dec(s string) *uint256.Int { return uint256.MustFromDecimal(s) }

// mulSar96 returns (a * b) >> 96 with an arithmetic shift.
func mulSar96(a, b *uint256.Int) *uint256.Int {
	z := new(uint256.Int).Mul(a, b)
	return z.SRsh(z, 96)
}

var (
	lnP = []*uint256.Int{
		dec("3273285459638523848632254066296"),
		dec("24828157081833163892658089445524"),
		dec("43456485725739037958740375743393"),
		dec("11111509109440967052023855526967"),
		dec("45023709667254063763336534515857"),
		dec("14706773417378608786704636184526"),
		dec("795164235651350426258249787498"),
	}
	lnQ = []*uint256.Int{
		dec("5573035233440673466300451813936"),
		dec("71694874799317883764090561454958"),
		dec("283447036172924575727196451306956"),
		dec("401686690394027663651624208769553"),
		dec("204048457590392012362485061816622"),
		dec("31853899698501571402653359427138"),
		dec("909429971244387300277376558375"),
	}
	expY = []*uint256.Int{
		dec("1346386616545796478920950773328"),
		dec("57155421227552351082224309758442"),
	}
	expP = []*uint256.Int{
		dec("94201549194550492254356042504812"),
		dec("28719021644029726153956944680412240"),
		dec("4385272521454847904659076985693276"),
	}
	expQ = []*uint256.Int{
		dec("2855989394907223263936484059900"),
		dec("50020603652535783019961831881945"),
		dec("533845033583426703283633433725380"),
		dec("3604857256930695427073651918091429"),
		dec("14423608567350463180887372962807573"),
		dec("26449188498355588339934803723976023"),
	}
)

// ln returns the natural logarithm of a positive 1e18-scaled int256.
func ln(x *uint256.Int) *uint256.Int {
	if x.IsZero() || x.Sign() < 0 {
		fail("ln", ErrLnUndefined)
	}

	// Reduce x to (1, 2) * 2**96: ln(2**k * x) = k * ln(2) + ln(x).
	k := int64(x.BitLen()-1) - 96
	r := new(uint256.Int).Lsh(x, uint(159-k))
	r.Rsh(r, 159)

	p := new(uint256.Int).Add(r, lnP[0])
	p = mulSar96(p, r)
	p.Add(p, lnP[1])
	p = mulSar96(p, r)
	p.Add(p, lnP[2])
	p = mulSar96(p, r)
	p.Sub(p, lnP[3])
	p = mulSar96(p, r)
	p.Sub(p, lnP[4])
	p = mulSar96(p, r)
	p.Sub(p, lnP[5])
	p.Mul(p, r)
	p.Sub(p, new(uint256.Int).Lsh(lnP[6], 96))

	q := new(uint256.Int).Add(r, lnQ[0])
	for _, c := range lnQ[1:] {
		q = mulSar96(q, r)
		q.Add(q, c)
	}

	out := new(uint256.Int).SDiv(p, q)
	out.Mul(out, lnScale)
	out.Add(out, new(uint256.Int).Mul(lnLn2, fromInt64(k)))
	out.Add(out, lnBaseOffset)
	return out.SRsh(out, 174)
}

// exp returns e**x for a 1e18-scaled int256 x.
func exp(x *uint256.Int) *uint256.Int {
	if !x.Sgt(expMinInput) {
		return new(uint256.Int)
	}
	if !x.Slt(expMaxInput) {
		fail("exp", ErrInvalidExponent)
	}

	// Convert to a 2**96 basis: multiply by 2**78 / 5**18.
	v := new(uint256.Int).Lsh(x, 78)
	v.SDiv(v, fivePow18)

	// Factor out powers of two: exp(v) = exp(v') * 2**k.
	kk := new(uint256.Int).Lsh(v, 96)
	kk.SDiv(kk, ln2Scaled)
	kk.Add(kk, twoPow95)
	kk.SRsh(kk, 96)
	v.Sub(v, new(uint256.Int).Mul(kk, ln2Scaled))
	k := toInt64(kk)

	y := new(uint256.Int).Add(v, expY[0])
	y = mulSar96(y, v)
	y.Add(y, expY[1])

	p := new(uint256.Int).Add(y, v)
	p.Sub(p, expP[0])
	p = mulSar96(p, y)
	p.Add(p, expP[1])
	p.Mul(p, v)
	p.Add(p, new(uint256.Int).Lsh(expP[2], 96))

	q := new(uint256.Int).Sub(v, expQ[0])
	q = mulSar96(q, v)
	q.Add(q, expQ[1])
	q = mulSar96(q, v)
	q.Sub(q, expQ[2])
	q = mulSar96(q, v)
	q.Add(q, expQ[3])
	q = mulSar96(q, v)
	q.Sub(q, expQ[4])
	q = mulSar96(q, v)
	q.Add(q, expQ[5])

	r := new(uint256.Int).SDiv(p, q)
	r.Mul(r, expScale)
	return r.Rsh(r, uint(195-k))
}

// Pow returns x**y computed as exp(y * ln(x)).
func (x FixedPoint) Pow(y FixedPoint) FixedPoint {
	if y.IsZero() {
		return One()
	}
	if x.IsZero() {
		return Zero()
	}
	if x.v.Sign() < 0 || y.v.Sign() < 0 {
		fail("pow", ErrOverflow)
	}
	lnx := ln(&x.v)
	ylnx := new(uint256.Int).Mul(&y.v, lnx)
	ylnx.SDiv(ylnx, &wad)
	return FixedPoint{v: *exp(ylnx)}
}

// Exp returns e**x.
func Exp(x FixedPoint) FixedPoint {
	if x.v.Sign() < 0 {
		fail("exp", ErrInvalidExponent)
	}
	return FixedPoint{v: *exp(&x.v)}
}

// Ln returns the natural logarithm of x for x >= 1.
func Ln(x FixedPoint) FixedPoint {
	if x.Lt(One()) {
		fail("ln", ErrLnUndefined)
	}
	return FixedPoint{v: *ln(&x.v)}
}

// UpdateWeightedAverage folds delta (with weight deltaWeight) into avg, which
// currently carries totalWeight. Removing the entire weight resets to 0.
func UpdateWeightedAverage(avg, totalWeight, delta, deltaWeight FixedPoint, adding bool) FixedPoint {
	if deltaWeight.IsZero() {
		return avg
	}
	if adding {
		total := totalWeight.Add(deltaWeight)
		next := avg.MulDivDown(totalWeight, total).Add(delta.MulDivUp(deltaWeight, total))
		return next.Min(avg.Max(delta))
	}
	if totalWeight.Lte(deltaWeight) {
		return Zero()
	}
	total := totalWeight.Sub(deltaWeight)
	weighted := totalWeight.MulDown(avg)
	removed := deltaWeight.MulDown(delta)
	if weighted.Lte(removed) {
		return Zero()
	}
	return weighted.Sub(removed).DivDown(total)
}
