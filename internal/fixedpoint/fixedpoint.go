// Package fixedpoint implements unsigned fixed-point numbers with 18
// fractional decimal digits, stored in 256-bit integers.
//
// Every operation that divides has a round-down and a round-up variant so
// callers can always pick the direction that favours pool solvency: amounts
// owed by the pool round down, amounts owed to the pool round up.
//
// Results that leave the representable range (overflow, underflow, division
// by zero, ln of zero, exponent out of range) panic with a *Error. Entry
// points that must turn these into returned errors defer Recover.
package fixedpoint

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// Decimals is the number of fractional decimal digits.
const Decimals = 18

var (
	ErrOverflow        = errors.New("fixedpoint: overflow")
	ErrUnderflow       = errors.New("fixedpoint: underflow")
	ErrDivisionByZero  = errors.New("fixedpoint: division by zero")
	ErrInvalidExponent = errors.New("fixedpoint: exponent out of range")
	ErrLnUndefined     = errors.New("fixedpoint: ln undefined for non-positive input")
	ErrInvalidNumber   = errors.New("fixedpoint: invalid number")
)

// Error is the panic value raised by arithmetic that cannot be represented.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

func fail(op string, err error) {
	panic(&Error{Op: op, Err: err})
}

// Recover converts an arithmetic panic raised by this package into an error
// stored in *errp. Any other panic is re-raised. It must be deferred directly:
//
//	defer fixedpoint.Recover(&err)
func Recover(errp *error) {
	if r := recover(); r != nil {
		if e, ok := r.(*Error); ok {
			*errp = e
			return
		}
		panic(r)
	}
}

var (
	wad     = *uint256.NewInt(1e18)
	rawUnit = *uint256.NewInt(1)
)

// FixedPoint is an unsigned 18-decimal fixed-point number. The zero value is 0.
// Values are immutable; every operation returns a new value.
type FixedPoint struct {
	v uint256.Int
}

// Zero returns 0.
func Zero() FixedPoint { return FixedPoint{} }

// One returns 1.0 (1e18 raw units).
func One() FixedPoint { return FixedPoint{v: wad} }

// FromRaw wraps a raw 1e18-scaled integer.
func FromRaw(x *uint256.Int) FixedPoint {
	return FixedPoint{v: *x}
}

// FromScaled wraps a raw 1e18-scaled value that fits in a uint64.
func FromScaled(raw uint64) FixedPoint {
	return FixedPoint{v: *uint256.NewInt(raw)}
}

// FromUint64 returns the whole number n.
func FromUint64(n uint64) FixedPoint {
	var z FixedPoint
	z.v.Mul(uint256.NewInt(n), &wad)
	return z
}

// Raw returns a copy of the underlying 1e18-scaled integer.
func (x FixedPoint) Raw() *uint256.Int {
	return x.v.Clone()
}

// Truncate returns the integer part of x. It panics if that does not fit in
// a uint64.
func (x FixedPoint) Truncate() uint64 {
	var q uint256.Int
	q.Div(&x.v, &wad)
	if !q.IsUint64() {
		fail("truncate", ErrOverflow)
	}
	return q.Uint64()
}

// Add returns x + y.
func (x FixedPoint) Add(y FixedPoint) FixedPoint {
	var z FixedPoint
	if _, overflow := z.v.AddOverflow(&x.v, &y.v); overflow {
		fail("add", ErrOverflow)
	}
	return z
}

// Sub returns x - y and panics when y > x.
func (x FixedPoint) Sub(y FixedPoint) FixedPoint {
	var z FixedPoint
	if _, underflow := z.v.SubOverflow(&x.v, &y.v); underflow {
		fail("sub", ErrUnderflow)
	}
	return z
}

// SubOrZero returns x - y, or 0 when y >= x.
func (x FixedPoint) SubOrZero(y FixedPoint) FixedPoint {
	if x.Lte(y) {
		return Zero()
	}
	return x.Sub(y)
}

// MulDivDown returns floor(x * y / d) with a 512-bit intermediate product.
func (x FixedPoint) MulDivDown(y, d FixedPoint) FixedPoint {
	if d.v.IsZero() {
		fail("mulDivDown", ErrDivisionByZero)
	}
	var z FixedPoint
	if _, overflow := z.v.MulDivOverflow(&x.v, &y.v, &d.v); overflow {
		fail("mulDivDown", ErrOverflow)
	}
	return z
}

// MulDivUp returns ceil(x * y / d) with a 512-bit intermediate product.
func (x FixedPoint) MulDivUp(y, d FixedPoint) FixedPoint {
	z := x.MulDivDown(y, d)
	var rem uint256.Int
	rem.MulMod(&x.v, &y.v, &d.v)
	if !rem.IsZero() {
		if _, overflow := z.v.AddOverflow(&z.v, &rawUnit); overflow {
			fail("mulDivUp", ErrOverflow)
		}
	}
	return z
}

// MulDown returns x * y rounded down.
func (x FixedPoint) MulDown(y FixedPoint) FixedPoint { return x.MulDivDown(y, One()) }

// MulUp returns x * y rounded up.
func (x FixedPoint) MulUp(y FixedPoint) FixedPoint { return x.MulDivUp(y, One()) }

// DivDown returns x / y rounded down.
func (x FixedPoint) DivDown(y FixedPoint) FixedPoint { return x.MulDivDown(One(), y) }

// DivUp returns x / y rounded up.
func (x FixedPoint) DivUp(y FixedPoint) FixedPoint { return x.MulDivUp(One(), y) }

// Cmp compares x and y and returns -1, 0 or +1.
func (x FixedPoint) Cmp(y FixedPoint) int { return x.v.Cmp(&y.v) }

func (x FixedPoint) Eq(y FixedPoint) bool  { return x.v.Eq(&y.v) }
func (x FixedPoint) Lt(y FixedPoint) bool  { return x.v.Lt(&y.v) }
func (x FixedPoint) Lte(y FixedPoint) bool { return !x.v.Gt(&y.v) }
func (x FixedPoint) Gt(y FixedPoint) bool  { return x.v.Gt(&y.v) }
func (x FixedPoint) Gte(y FixedPoint) bool { return !x.v.Lt(&y.v) }
func (x FixedPoint) IsZero() bool          { return x.v.IsZero() }

// Min returns the smaller of x and y.
func (x FixedPoint) Min(y FixedPoint) FixedPoint {
	if x.Lt(y) {
		return x
	}
	return y
}

// Max returns the larger of x and y.
func (x FixedPoint) Max(y FixedPoint) FixedPoint {
	if x.Gt(y) {
		return x
	}
	return y
}

// AbsDiff returns |x - y|.
func (x FixedPoint) AbsDiff(y FixedPoint) FixedPoint {
	if x.Gt(y) {
		return x.Sub(y)
	}
	return y.Sub(x)
}
