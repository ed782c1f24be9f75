package fixedpoint

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// FromBig converts a raw 1e18-scaled big integer.
func FromBig(b *big.Int) (FixedPoint, error) {
	if b.Sign() < 0 {
		return FixedPoint{}, fmt.Errorf("%w: negative value %s", ErrInvalidNumber, b)
	}
	v, overflow := uint256.FromBig(b)
	if overflow {
		return FixedPoint{}, fmt.Errorf("%w: %s exceeds 256 bits", ErrOverflow, b)
	}
	return FixedPoint{v: *v}, nil
}

// FromDecimal converts a decimal amount, truncating digits beyond the 18th
// fractional place.
func FromDecimal(d decimal.Decimal) (FixedPoint, error) {
	if d.IsNegative() {
		return FixedPoint{}, fmt.Errorf("%w: negative value %s", ErrInvalidNumber, d)
	}
	return FromBig(d.Shift(Decimals).Truncate(0).BigInt())
}

// Parse reads a decimal string such as "1000000" or "0.05".
func Parse(s string) (FixedPoint, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return FixedPoint{}, fmt.Errorf("%w: %q", ErrInvalidNumber, s)
	}
	return FromDecimal(d)
}

// MustParse is Parse for constants; it panics on malformed input.
func MustParse(s string) FixedPoint {
	x, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return x
}

// Decimal returns x as an exact decimal.
func (x FixedPoint) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(x.v.ToBig(), -Decimals)
}

// String formats x as a plain decimal ("1050.25").
func (x FixedPoint) String() string {
	return x.Decimal().String()
}

// MarshalText implements encoding.TextMarshaler.
func (x FixedPoint) MarshalText() ([]byte, error) {
	return []byte(x.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (x *FixedPoint) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*x = v
	return nil
}

// MarshalJSON encodes x as a quoted decimal string so no precision is lost
// to float64 decoders.
func (x FixedPoint) MarshalJSON() ([]byte, error) {
	return []byte(`"` + x.String() + `"`), nil
}

// UnmarshalJSON accepts a quoted decimal string or a bare JSON number.
func (x *FixedPoint) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*x = Zero()
		return nil
	}
	return x.UnmarshalText(bytes.Trim(b, `"`))
}
