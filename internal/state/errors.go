package state

import (
	fpmath "IRSLedger/internal/math"
	"errors"
	"fmt"
	"math/big"
)

var (
	ErrPositionNotFound     = errors.New("position not found")
	ErrPositionNotActive    = errors.New("position not active")
	ErrInvalidNotional      = errors.New("notional must be positive")
	ErrInvalidMaturity      = errors.New("maturity must be between one day and one hundred years")
	ErrInvalidFixedRate     = errors.New("fixed rate out of range")
	ErrInvalidAmount        = errors.New("amount must be positive")
	ErrInvalidOwner         = errors.New("invalid owner")
	ErrInsufficientMargin   = errors.New("insufficient margin")
	ErrNotOwner             = errors.New("caller is not the position owner")
	ErrNotGovernor          = errors.New("caller is not the governor")
	ErrNotLiquidationEngine = errors.New("caller is not the liquidation engine")
	ErrNotMatured           = errors.New("position has not matured")
	ErrInvalidTransition    = errors.New("invalid status transition")
)

// InsufficientMarginError reports an opening margin below the requirement.
type InsufficientMarginError struct {
	Required *big.Int
	Provided *big.Int
}

func (e *InsufficientMarginError) Error() string {
	return fmt.Sprintf("insufficient margin: required %s, provided %s",
		fpmath.FormatWad(e.Required), fpmath.FormatWad(e.Provided))
}

func (e *InsufficientMarginError) Unwrap() error { return ErrInsufficientMargin }

// MaxNotionalError reports a notional above the leverage cap for the margin posted.
type MaxNotionalError struct {
	Requested *big.Int
	Max       *big.Int
}

func (e *MaxNotionalError) Error() string {
	return fmt.Sprintf("notional %s exceeds maximum %s",
		fpmath.FormatWad(e.Requested), fpmath.FormatWad(e.Max))
}

func (e *MaxNotionalError) Unwrap() error { return ErrInsufficientMargin }

// UnhealthyError rejects a margin withdrawal that would leave the position liquidatable.
type UnhealthyError struct {
	PositionID   uint64
	HealthFactor *big.Int
	Threshold    *big.Int
}

func (e *UnhealthyError) Error() string {
	return fmt.Sprintf("position %d would become unhealthy: health %s below %s",
		e.PositionID, fpmath.FormatWad(e.HealthFactor), fpmath.FormatWad(e.Threshold))
}

// NotLiquidatableError carries the health factor observed when a liquidation was refused.
type NotLiquidatableError struct {
	PositionID   uint64
	HealthFactor *big.Int
	Threshold    *big.Int
}

func (e *NotLiquidatableError) Error() string {
	return fmt.Sprintf("position %d not liquidatable: health %s, threshold %s",
		e.PositionID, fpmath.FormatWad(e.HealthFactor), fpmath.FormatWad(e.Threshold))
}

// SlippageError rejects a close whose payout is below the caller's minimum.
type SlippageError struct {
	Payout       *big.Int
	MinMarginOut *big.Int
}

func (e *SlippageError) Error() string {
	return fmt.Sprintf("payout %s below minimum %s",
		fpmath.FormatWad(e.Payout), fpmath.FormatWad(e.MinMarginOut))
}

// BoundsError rejects a risk parameter outside its allowed range.
type BoundsError struct {
	Param string
	Value *big.Int
	Min   *big.Int
	Max   *big.Int
	// MaxExclusive is set when Value must be strictly below Max.
	MaxExclusive bool
}

func (e *BoundsError) Error() string {
	closing := "]"
	if e.MaxExclusive {
		closing = ")"
	}
	return fmt.Sprintf("%s = %s outside [%s, %s%s", e.Param,
		fpmath.FormatWad(e.Value), fpmath.FormatWad(e.Min), fpmath.FormatWad(e.Max), closing)
}
