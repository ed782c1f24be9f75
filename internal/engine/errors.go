package engine

import (
	"errors"
	"fmt"

	"github.com/atmx/bond-engine/internal/bondmath"
	"github.com/atmx/bond-engine/internal/yieldspace"
)

// Configuration errors.
var (
	ErrInvalidCheckpointDuration = errors.New("engine: position duration must be a non-zero multiple of the checkpoint duration")
	ErrInvalidConfig             = errors.New("engine: invalid pool config")
	ErrAlreadyInitialized        = errors.New("engine: pool already initialized")
	ErrNotInitialized            = errors.New("engine: pool not initialized")
)

// Input validation errors.
var (
	ErrZeroAmount            = errors.New("engine: amount must be positive")
	ErrOutputLimit           = errors.New("engine: output limit exceeded")
	ErrInvalidCheckpointTime = errors.New("engine: invalid checkpoint time")
	ErrInvalidMaturity       = errors.New("engine: invalid maturity time")
)

// Solvency errors.
var (
	ErrInsufficientSolvency  = errors.New("engine: share reserves cannot cover longs outstanding")
	ErrNegativeInterest      = errors.New("engine: negative interest")
	ErrInsufficientLiquidity = errors.New("engine: insufficient liquidity")
)

// Lifecycle errors.
var (
	ErrInsufficientBalance      = errors.New("engine: insufficient position balance")
	ErrWithdrawalSharesNotReady = errors.New("engine: withdrawal shares not ready to redeem")
)

// Collaborator and arithmetic errors.
var (
	ErrYieldSource = errors.New("engine: yield source failure")
	ErrArithmetic  = errors.New("engine: arithmetic error")
)

// pricingError maps a curve or trade-math failure onto the engine taxonomy.
func pricingError(err error) error {
	switch {
	case errors.Is(err, bondmath.ErrNegativeInterest):
		return fmt.Errorf("%w: %w", ErrNegativeInterest, err)
	case errors.Is(err, yieldspace.ErrMaxBuyExceeded),
		errors.Is(err, yieldspace.ErrMaxSellExceeded),
		errors.Is(err, yieldspace.ErrInsufficientLiquidity):
		return fmt.Errorf("%w: %w", ErrInsufficientLiquidity, err)
	}
	return err
}
