// Package yieldsource provides an in-memory yield source whose share price
// accrues simple interest at a variable rate.
package yieldsource

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/atmx/bond-engine/internal/bondmath"
	"github.com/atmx/bond-engine/internal/fixedpoint"
)

var (
	ErrZeroSharePrice     = errors.New("yieldsource: share price must be positive")
	ErrInsufficientShares = errors.New("yieldsource: insufficient shares")
)

// Memory is a yield source backed by process memory. Its share price is
//
//	c(now) = c0 × (1 + rate × (now − t0) / 365d)
//
// until SetSharePrice pins it. It is safe for concurrent use.
type Memory struct {
	mu        sync.Mutex
	basePrice fixedpoint.FixedPoint
	rate      fixedpoint.FixedPoint
	start     time.Time
	pinned    bool
	clock     func() time.Time
	shares    fixedpoint.FixedPoint
	deposited fixedpoint.FixedPoint
	withdrawn map[string]fixedpoint.FixedPoint
}

// Option configures a Memory yield source.
type Option func(*Memory)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Memory) { m.clock = now }
}

// NewMemory creates a yield source priced at sharePrice now, accruing at
// the annual rate.
func NewMemory(sharePrice, rate fixedpoint.FixedPoint, opts ...Option) (*Memory, error) {
	if sharePrice.IsZero() {
		return nil, ErrZeroSharePrice
	}
	m := &Memory{
		basePrice: sharePrice,
		rate:      rate,
		clock:     time.Now,
		withdrawn: make(map[string]fixedpoint.FixedPoint),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.start = m.clock()
	return m, nil
}

func (m *Memory) price() fixedpoint.FixedPoint {
	if m.pinned || m.rate.IsZero() {
		return m.basePrice
	}
	elapsed := m.clock().Sub(m.start)
	if elapsed <= 0 {
		return m.basePrice
	}
	accrued := m.rate.MulDown(bondmath.AnnualizedTime(uint64(elapsed / time.Second)))
	return m.basePrice.MulDown(fixedpoint.One().Add(accrued))
}

// PricePerShare returns the base value of one share.
func (m *Memory) PricePerShare(ctx context.Context) (c fixedpoint.FixedPoint, err error) {
	if err := ctx.Err(); err != nil {
		return fixedpoint.Zero(), err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	defer fixedpoint.Recover(&err)
	return m.price(), nil
}

// Deposit converts base into shares at the current price.
func (m *Memory) Deposit(ctx context.Context, base fixedpoint.FixedPoint) (shares, sharePrice fixedpoint.FixedPoint, err error) {
	if err := ctx.Err(); err != nil {
		return fixedpoint.Zero(), fixedpoint.Zero(), err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	defer fixedpoint.Recover(&err)

	c := m.price()
	shares = base.DivDown(c)
	m.shares = m.shares.Add(shares)
	m.deposited = m.deposited.Add(base)
	return shares, c, nil
}

// Withdraw redeems shares and credits their base value to destination.
func (m *Memory) Withdraw(ctx context.Context, shares fixedpoint.FixedPoint, destination string) (base, sharePrice fixedpoint.FixedPoint, err error) {
	if err := ctx.Err(); err != nil {
		return fixedpoint.Zero(), fixedpoint.Zero(), err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	defer fixedpoint.Recover(&err)

	if shares.Gt(m.shares) {
		return fixedpoint.Zero(), fixedpoint.Zero(),
			fmt.Errorf("%w: withdrawing %s of %s", ErrInsufficientShares, shares, m.shares)
	}
	c := m.price()
	base = shares.MulDown(c)
	m.shares = m.shares.Sub(shares)
	m.withdrawn[destination] = m.withdrawn[destination].Add(base)
	return base, c, nil
}

// SetSharePrice pins the share price, e.g. to model a loss in the
// underlying. Accrual stops until SetRate is called.
func (m *Memory) SetSharePrice(c fixedpoint.FixedPoint) error {
	if c.IsZero() {
		return ErrZeroSharePrice
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.basePrice = c
	m.pinned = true
	return nil
}

// SetRate restarts accrual from the current price at a new annual rate.
func (m *Memory) SetRate(rate fixedpoint.FixedPoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.basePrice = m.price()
	m.start = m.clock()
	m.rate = rate
	m.pinned = false
}

// TotalShares returns the shares currently held.
func (m *Memory) TotalShares() fixedpoint.FixedPoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shares
}

// TotalDeposited returns the base deposited over the source's lifetime.
func (m *Memory) TotalDeposited() fixedpoint.FixedPoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deposited
}

// Withdrawn returns the base paid out to destination.
func (m *Memory) Withdrawn(destination string) fixedpoint.FixedPoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.withdrawn[destination]
}

// State is the persistent form of a Memory yield source.
type State struct {
	BasePrice fixedpoint.FixedPoint            `json:"base_price"`
	Rate      fixedpoint.FixedPoint            `json:"rate"`
	Start     time.Time                        `json:"start"`
	Pinned    bool                             `json:"pinned"`
	Shares    fixedpoint.FixedPoint            `json:"shares"`
	Deposited fixedpoint.FixedPoint            `json:"deposited"`
	Withdrawn map[string]fixedpoint.FixedPoint `json:"withdrawn,omitempty"`
}

// State copies the source's accrual parameters and balances.
func (m *Memory) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		BasePrice: m.basePrice,
		Rate:      m.rate,
		Start:     m.start,
		Pinned:    m.pinned,
		Shares:    m.shares,
		Deposited: m.deposited,
		Withdrawn: maps.Clone(m.withdrawn),
	}
}

// Restore rebuilds a yield source from s. Accrual continues from s.Start.
func Restore(s State, opts ...Option) (*Memory, error) {
	m, err := NewMemory(s.BasePrice, s.Rate, opts...)
	if err != nil {
		return nil, err
	}
	m.start = s.Start
	m.pinned = s.Pinned
	m.shares = s.Shares
	m.deposited = s.Deposited
	for dest, base := range s.Withdrawn {
		m.withdrawn[dest] = base
	}
	return m, nil
}
