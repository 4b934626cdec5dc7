// internal/math/interest.go
package math

import (
	"IRSLedger/internal/errs"
	"fmt"
	stdmath "math"
	"math/big"
)

// AccrueInterest calculates simple interest on a principal:
//
//	interest = principal * rate * seconds / (WAD * SECONDS_PER_YEAR)
//
// The three-way product is formed in full before the single division. Dividing
// early (e.g. computing a per-second rate first) truncates differently and is a
// different function.
func AccrueInterest(principal, rate *big.Int, seconds int64) (*big.Int, error) {
	if principal.Sign() < 0 {
		return nil, errs.E(errs.InvalidInput, "math.AccrueInterest", "negative principal %s", principal)
	}
	if rate.Sign() < 0 {
		return nil, errs.E(errs.InvalidInput, "math.AccrueInterest", "negative rate %s", rate)
	}
	if seconds < 0 {
		return nil, errs.E(errs.InvalidInput, "math.AccrueInterest", "negative duration %d", seconds)
	}
	if seconds == 0 || principal.Sign() == 0 || rate.Sign() == 0 {
		return new(big.Int), nil
	}

	numerator := getInt()
	defer putInt(numerator)
	numerator.Mul(principal, rate)
	numerator.Mul(numerator, big.NewInt(seconds))

	denominator := getInt()
	defer putInt(denominator)
	denominator.Mul(wad, secondsPerYear)

	return divideRounded(numerator, denominator, RoundDown), nil
}

// SwapLegs holds both interest legs accrued over one settlement interval.
type SwapLegs struct {
	FixedLeg    *big.Int
	FloatingLeg *big.Int
}

// ComputeSettlementDelta nets the fixed and floating legs of a swap over an interval.
// Returns: signed PnL from the trader's point of view
// (payer of fixed: floating - fixed; receiver of fixed: fixed - floating).
func ComputeSettlementDelta(
	notional *big.Int,
	fixedRate *big.Int,
	floatingRate *big.Int,
	elapsedSeconds int64,
	isPayingFixed bool,
) (*big.Int, SwapLegs, error) {
	fixedLeg, err := AccrueInterest(notional, fixedRate, elapsedSeconds)
	if err != nil {
		return nil, SwapLegs{}, fmt.Errorf("fixed leg: %w", err)
	}

	floatingLeg, err := AccrueInterest(notional, floatingRate, elapsedSeconds)
	if err != nil {
		return nil, SwapLegs{}, fmt.Errorf("floating leg: %w", err)
	}

	delta := new(big.Int)
	if isPayingFixed {
		delta.Sub(floatingLeg, fixedLeg)
	} else {
		delta.Sub(fixedLeg, floatingLeg)
	}

	return delta, SwapLegs{FixedLeg: fixedLeg, FloatingLeg: floatingLeg}, nil
}

// PerSecondToAnnual converts a per-second WAD rate into an annualized WAD rate.
func PerSecondToAnnual(perSecond *big.Int) *big.Int {
	return new(big.Int).Mul(perSecond, secondsPerYear)
}

// RayToWad converts a RAY (1e27) rate to WAD, truncating.
func RayToWad(ray *big.Int) *big.Int {
	return new(big.Int).Quo(ray, big.NewInt(1_000_000_000))
}

// DaysToSeconds converts a whole number of days, failing instead of wrapping.
func DaysToSeconds(days int64) (int64, error) {
	if days > stdmath.MaxInt64/SecondsPerDay || days < stdmath.MinInt64/SecondsPerDay {
		return 0, errs.Wrap(errs.Overflow, "math.DaysToSeconds", fmt.Errorf("%w: %d days", ErrRange, days))
	}
	return days * SecondsPerDay, nil
}

// AddSeconds returns t + d, failing instead of wrapping.
func AddSeconds(t, d int64) (int64, error) {
	if (d > 0 && t > stdmath.MaxInt64-d) || (d < 0 && t < stdmath.MinInt64-d) {
		return 0, errs.Wrap(errs.Overflow, "math.AddSeconds", fmt.Errorf("%w: %d + %d", ErrRange, t, d))
	}
	return t + d, nil
}
