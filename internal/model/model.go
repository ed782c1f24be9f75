// Package model defines the core domain types shared across the bond engine.
// Engine quantities are 18-decimal fixed point; values crossing the service
// boundary (API, store, events) use shopspring/decimal; never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/bond-engine/internal/fixedpoint"
)

// PoolConfig holds the immutable parameters of a pool.
type PoolConfig struct {
	InitialSharePrice    fixedpoint.FixedPoint `json:"initial_share_price"`
	PositionDuration     uint64                `json:"position_duration"`   // seconds
	CheckpointDuration   uint64                `json:"checkpoint_duration"` // seconds; divides PositionDuration
	TimeStretch          fixedpoint.FixedPoint `json:"time_stretch"`
	CurveFee             fixedpoint.FixedPoint `json:"curve_fee"`
	FlatFee              fixedpoint.FixedPoint `json:"flat_fee"`
	GovernanceFee        fixedpoint.FixedPoint `json:"governance_fee"`
	MinimumShareReserves fixedpoint.FixedPoint `json:"minimum_share_reserves"`
}

// MarketState is the mutable state of a pool. Share amounts are in
// yield-source shares; bond and volume amounts in base.
// Invariant: SharePrice × ShareReserves ≥ LongsOutstanding.
type MarketState struct {
	Initialized bool `json:"initialized"`

	ShareReserves fixedpoint.FixedPoint `json:"share_reserves"`
	BondReserves  fixedpoint.FixedPoint `json:"bond_reserves"`

	LongsOutstanding         fixedpoint.FixedPoint `json:"longs_outstanding"`
	ShortsOutstanding        fixedpoint.FixedPoint `json:"shorts_outstanding"`
	LongAverageMaturityTime  fixedpoint.FixedPoint `json:"long_average_maturity_time"` // 1e18-scaled unix seconds
	ShortAverageMaturityTime fixedpoint.FixedPoint `json:"short_average_maturity_time"`
	LongBaseVolume           fixedpoint.FixedPoint `json:"long_base_volume"`
	ShortBaseVolume          fixedpoint.FixedPoint `json:"short_base_volume"`

	LongWithdrawalSharesOutstanding  fixedpoint.FixedPoint `json:"long_withdrawal_shares_outstanding"`
	ShortWithdrawalSharesOutstanding fixedpoint.FixedPoint `json:"short_withdrawal_shares_outstanding"`
	LongWithdrawalShareProceeds      fixedpoint.FixedPoint `json:"long_withdrawal_share_proceeds"`
	ShortWithdrawalShareProceeds     fixedpoint.FixedPoint `json:"short_withdrawal_share_proceeds"`

	GovernanceFeesAccrued fixedpoint.FixedPoint `json:"governance_fees_accrued"` // shares
}

// Checkpoint is one time bucket. SharePrice is written once, when the
// bucket is first touched.
type Checkpoint struct {
	SharePrice      fixedpoint.FixedPoint `json:"share_price"`
	LongBaseVolume  fixedpoint.FixedPoint `json:"long_base_volume"`
	ShortBaseVolume fixedpoint.FixedPoint `json:"short_base_volume"`
}

// PoolInfo is a read-only view of a pool at one instant.
type PoolInfo struct {
	MarketState
	SharePrice       fixedpoint.FixedPoint `json:"share_price"`
	SpotPrice        fixedpoint.FixedPoint `json:"spot_price"`
	FixedAPR         fixedpoint.FixedPoint `json:"fixed_apr"`
	LPTotalSupply    fixedpoint.FixedPoint `json:"lp_total_supply"`
	LPSharePrice     fixedpoint.FixedPoint `json:"lp_share_price"` // base per LP share
	LatestCheckpoint uint64                `json:"latest_checkpoint"`
	Timestamp        uint64                `json:"timestamp"`
}

// Pool is the service record of one bond pool.
type Pool struct {
	ID        string          `json:"id" db:"id"`
	Name      string          `json:"name" db:"name"`
	Config    PoolConfig      `json:"config" db:"config"`
	Info      PoolInfo        `json:"info" db:"-"`
	FixedAPR  decimal.Decimal `json:"fixed_apr" db:"fixed_apr"`
	Status    string          `json:"status" db:"status"` // "active", "paused"
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// TradeKind names a state-changing pool operation.
type TradeKind string

const (
	KindInitialize      TradeKind = "initialize"
	KindAddLiquidity    TradeKind = "add_liquidity"
	KindRemoveLiquidity TradeKind = "remove_liquidity"
	KindRedeem          TradeKind = "redeem_withdrawal_shares"
	KindOpenLong        TradeKind = "open_long"
	KindCloseLong       TradeKind = "close_long"
	KindOpenShort       TradeKind = "open_short"
	KindCloseShort      TradeKind = "close_short"
	KindCheckpoint      TradeKind = "checkpoint"
)

// TradeEvent is an immutable record of an executed pool operation.
// Once created, these are never modified or deleted.
type TradeEvent struct {
	ID         string          `json:"id" db:"id"`
	PoolID     string          `json:"pool_id" db:"pool_id"`
	Trader     string          `json:"trader" db:"trader"`
	Kind       TradeKind       `json:"kind" db:"kind"`
	Asset      string          `json:"asset" db:"asset"` // ticker, e.g. LONG-1767225600
	Maturity   uint64          `json:"maturity" db:"maturity"`
	BaseAmount decimal.Decimal `json:"base_amount" db:"base_amount"` // paid in or out
	BondAmount decimal.Decimal `json:"bond_amount" db:"bond_amount"` // bonds or LP/withdrawal shares
	SharePrice decimal.Decimal `json:"share_price" db:"share_price"`
	SpotPrice  decimal.Decimal `json:"spot_price" db:"spot_price"` // after the trade
	FixedAPR   decimal.Decimal `json:"fixed_apr" db:"fixed_apr"`
	Timestamp  time.Time       `json:"timestamp" db:"timestamp"`
}

// Position is a trader's balance of one asset in one pool.
type Position struct {
	PoolID   string          `json:"pool_id"`
	Trader   string          `json:"trader"`
	Asset    string          `json:"asset"`
	Maturity uint64          `json:"maturity,omitempty"`
	Balance  decimal.Decimal `json:"balance"`
}

// Portfolio aggregates a trader's positions across pools.
type Portfolio struct {
	Trader    string                     `json:"trader"`
	Positions []Position                 `json:"positions"`
	Exposure  map[uint64]decimal.Decimal `json:"exposure"` // maturity → long+short bonds
}
