package yieldsource

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atmx/bond-engine/internal/fixedpoint"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func TestPriceAccruesSimpleInterest(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	ys, err := NewMemory(fixedpoint.One(), fixedpoint.MustParse("0.05"), WithClock(clock.Now))
	require.NoError(t, err)

	c, err := ys.PricePerShare(context.Background())
	require.NoError(t, err)
	require.Equal(t, fixedpoint.One(), c)

	clock.now = clock.now.Add(365 * 24 * time.Hour)
	c, err = ys.PricePerShare(context.Background())
	require.NoError(t, err)
	require.Equal(t, fixedpoint.MustParse("1.05"), c)
}

func TestDepositWithdraw(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	ys, err := NewMemory(fixedpoint.MustParse("2"), fixedpoint.Zero(), WithClock(clock.Now))
	require.NoError(t, err)
	ctx := context.Background()

	shares, price, err := ys.Deposit(ctx, fixedpoint.FromUint64(100))
	require.NoError(t, err)
	require.Equal(t, fixedpoint.FromUint64(50), shares)
	require.Equal(t, fixedpoint.MustParse("2"), price)

	base, _, err := ys.Withdraw(ctx, fixedpoint.FromUint64(20), "alice")
	require.NoError(t, err)
	require.Equal(t, fixedpoint.FromUint64(40), base)
	require.Equal(t, fixedpoint.FromUint64(40), ys.Withdrawn("alice"))
	require.Equal(t, fixedpoint.FromUint64(30), ys.TotalShares())

	_, _, err = ys.Withdraw(ctx, fixedpoint.FromUint64(31), "alice")
	require.ErrorIs(t, err, ErrInsufficientShares)
}

func TestSetSharePricePinsAndSetRateResumes(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	ys, err := NewMemory(fixedpoint.One(), fixedpoint.MustParse("0.1"), WithClock(clock.Now))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, ys.SetSharePrice(fixedpoint.MustParse("0.9")))
	clock.now = clock.now.Add(365 * 24 * time.Hour)
	c, err := ys.PricePerShare(ctx)
	require.NoError(t, err)
	require.Equal(t, fixedpoint.MustParse("0.9"), c)

	ys.SetRate(fixedpoint.MustParse("0.1"))
	clock.now = clock.now.Add(365 * 24 * time.Hour)
	c, err = ys.PricePerShare(ctx)
	require.NoError(t, err)
	require.Equal(t, fixedpoint.MustParse("0.99"), c)

	require.ErrorIs(t, ys.SetSharePrice(fixedpoint.Zero()), ErrZeroSharePrice)
}

func TestCanceledContext(t *testing.T) {
	ys, err := NewMemory(fixedpoint.One(), fixedpoint.Zero())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err = ys.Deposit(ctx, fixedpoint.One())
	require.ErrorIs(t, err, context.Canceled)
	require.True(t, ys.TotalShares().IsZero())
}

func TestStateRestoreContinuesAccrual(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	ys, err := NewMemory(fixedpoint.One(), fixedpoint.MustParse("0.05"), WithClock(clock.Now))
	require.NoError(t, err)
	ctx := context.Background()

	_, _, err = ys.Deposit(ctx, fixedpoint.FromUint64(100))
	require.NoError(t, err)
	_, _, err = ys.Withdraw(ctx, fixedpoint.FromUint64(10), "bob")
	require.NoError(t, err)

	restored, err := Restore(ys.State(), WithClock(clock.Now))
	require.NoError(t, err)
	require.Equal(t, ys.State(), restored.State())

	clock.now = clock.now.Add(365 * 24 * time.Hour)
	c, err := restored.PricePerShare(ctx)
	require.NoError(t, err)
	require.Equal(t, fixedpoint.MustParse("1.05"), c)
	require.Equal(t, fixedpoint.FromUint64(10), restored.Withdrawn("bob"))
}
