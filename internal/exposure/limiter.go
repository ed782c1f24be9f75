// Package exposure implements per-trader position limits that account for
// correlation between bonds of nearby maturities.
//
// Bonds maturing a day apart carry almost the same rate risk, so a trader
// who splits a large position across neighbouring checkpoints should hit
// the same limit as one who puts it all in a single maturity. Maturities
// within Window of each other are treated as one correlated group.
package exposure

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrPerMaturityLimitExceeded is returned when a trade would push the
	// position at one maturity beyond the per-maturity maximum.
	ErrPerMaturityLimitExceeded = errors.New("exposure: per-maturity position limit exceeded")

	// ErrCorrelatedLimitExceeded is returned when a trade would push the
	// aggregate exposure across correlated maturities beyond the
	// correlated maximum.
	ErrCorrelatedLimitExceeded = errors.New("exposure: correlated exposure limit exceeded")
)

// Limiter enforces position limits with maturity correlation.
type Limiter struct {
	// MaxPerMaturity is the maximum absolute bond position at any single
	// maturity.
	MaxPerMaturity decimal.Decimal

	// MaxCorrelated is the maximum aggregate absolute exposure across all
	// maturities within Window of the traded one.
	MaxCorrelated decimal.Decimal

	// Window is the correlation radius in seconds.
	Window uint64
}

// NewLimiter creates a limiter. A zero window correlates only identical
// maturities.
func NewLimiter(maxPerMaturity, maxCorrelated decimal.Decimal, window uint64) *Limiter {
	return &Limiter{
		MaxPerMaturity: maxPerMaturity,
		MaxCorrelated:  maxCorrelated,
		Window:         window,
	}
}

// CheckLimit validates whether a trade respects position limits.
//
// Parameters:
//   - maturity: maturity time of the bonds being traded
//   - delta: signed change in exposure (longs and shorts both add)
//   - existing: maturity → current absolute bond exposure of this trader
//
// Returns nil if the trade is within limits, or an error describing the violation.
func (l *Limiter) CheckLimit(maturity uint64, delta decimal.Decimal, existing map[uint64]decimal.Decimal) error {
	// 1. Per-maturity limit.
	next := existing[maturity].Add(delta)
	if next.Abs().GreaterThan(l.MaxPerMaturity) {
		return ErrPerMaturityLimitExceeded
	}

	// 2. Correlated exposure: sum |exposure| across maturities in the window.
	total := next.Abs()
	for m, exposure := range existing {
		if m == maturity {
			continue // already counted via next above
		}
		if distance(m, maturity) <= l.Window {
			total = total.Add(exposure.Abs())
		}
	}

	if total.GreaterThan(l.MaxCorrelated) {
		return ErrCorrelatedLimitExceeded
	}
	return nil
}

func distance(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
