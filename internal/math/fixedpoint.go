// internal/math/fixedpoint.go
package math

import (
	"IRSLedger/internal/errs"
	"errors"
	"math/big"
	"sync"
)

// WAD fixed-point: 1e18 represents 1.0
const (
	WadDecimals    = 18
	SecondsPerDay  = 24 * 60 * 60
	SecondsPerYear = 365 * SecondsPerDay
	DaysPerYear    = 365
	BasisPoints    = 10_000
)

var (
	// ErrDivisionByZero is returned by every division helper when the divisor is zero.
	ErrDivisionByZero = errors.New("division by zero")

	wad            = new(big.Int).Exp(big.NewInt(10), big.NewInt(WadDecimals), nil)
	halfWad        = new(big.Int).Rsh(wad, 1)
	secondsPerYear = big.NewInt(SecondsPerYear)
	bpsScale       = new(big.Int).Div(wad, big.NewInt(BasisPoints)) // 1e14
)

// RoundingMode selects how a truncated quotient is adjusted.
type RoundingMode int

const (
	RoundDown     RoundingMode = iota // Toward zero
	RoundUp                           // Away from zero
	RoundHalfEven                     // Banker's rounding
)

// Intermediate products are pooled; settlement runs for every position on every keeper tick.
var intPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt() *big.Int {
	return intPool.Get().(*big.Int)
}

func putInt(v *big.Int) {
	v.SetInt64(0)
	intPool.Put(v)
}

// Wad returns a fresh copy of 1e18.
func Wad() *big.Int {
	return new(big.Int).Set(wad)
}

// FromUnits scales a whole-unit integer to WAD (3 -> 3e18).
func FromUnits(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), wad)
}

// PercentToWad converts a whole percentage (5 -> 0.05e18).
func PercentToWad(pct int64) *big.Int {
	return new(big.Int).Div(new(big.Int).Mul(big.NewInt(pct), wad), big.NewInt(100))
}

// BpsToWad converts basis points (500 -> 0.05e18).
func BpsToWad(bps int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(bps), bpsScale)
}

// WadToBps converts back to basis points, truncating.
func WadToBps(v *big.Int) *big.Int {
	return new(big.Int).Quo(v, bpsScale)
}

// Zero reports whether v is nil or zero.
func Zero(v *big.Int) bool {
	return v == nil || v.Sign() == 0
}

// Min returns a copy of the smaller value.
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// Max returns a copy of the larger value.
func Max(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// Abs returns |v| as a new value.
func Abs(v *big.Int) *big.Int {
	return new(big.Int).Abs(v)
}

// divideRounded performs numerator / denominator with the requested rounding.
// Quotient truncates toward zero; RoundUp moves away from zero on any remainder.
func divideRounded(numerator, denominator *big.Int, mode RoundingMode) *big.Int {
	quotient := new(big.Int)
	remainder := getInt()
	defer putInt(remainder)

	quotient.QuoRem(numerator, denominator, remainder)
	if remainder.Sign() == 0 {
		return quotient
	}

	// Direction of the exact result
	sign := numerator.Sign() * denominator.Sign()

	switch mode {
	case RoundUp:
		quotient.Add(quotient, big.NewInt(int64(sign)))

	case RoundHalfEven:
		// Compare 2*|remainder| with |denominator|
		twiceRem := getInt()
		defer putInt(twiceRem)
		twiceRem.Abs(remainder)
		twiceRem.Lsh(twiceRem, 1)

		cmp := twiceRem.CmpAbs(denominator)
		if cmp > 0 || (cmp == 0 && quotient.Bit(0) == 1) {
			quotient.Add(quotient, big.NewInt(int64(sign)))
		}
	}

	return quotient
}

// MulDiv computes a*b/c with a full-width intermediate product.
func MulDiv(a, b, c *big.Int, mode RoundingMode) (*big.Int, error) {
	if c.Sign() == 0 {
		return nil, errs.Wrap(errs.InvalidInput, "math.MulDiv", ErrDivisionByZero)
	}

	product := getInt()
	defer putInt(product)
	product.Mul(a, b)

	return divideRounded(product, c, mode), nil
}

// WadMul returns a*b/WAD truncated toward zero.
func WadMul(a, b *big.Int) *big.Int {
	return WadMulRound(a, b, RoundDown)
}

// WadMulRound returns a*b/WAD with explicit rounding.
func WadMulRound(a, b *big.Int, mode RoundingMode) *big.Int {
	product := getInt()
	defer putInt(product)
	product.Mul(a, b)

	return divideRounded(product, wad, mode)
}

// WadMulHalfUp is the Solidity-style (a*b + WAD/2)/WAD for non-negative operands.
func WadMulHalfUp(a, b *big.Int) *big.Int {
	product := new(big.Int).Mul(a, b)
	product.Add(product, halfWad)
	return product.Quo(product, wad)
}

// WadDiv returns a*WAD/b truncated toward zero.
func WadDiv(a, b *big.Int) (*big.Int, error) {
	return WadDivRound(a, b, RoundDown)
}

// WadDivRound returns a*WAD/b with explicit rounding.
func WadDivRound(a, b *big.Int, mode RoundingMode) (*big.Int, error) {
	if b.Sign() == 0 {
		return nil, errs.Wrap(errs.InvalidInput, "math.WadDiv", ErrDivisionByZero)
	}

	scaled := getInt()
	defer putInt(scaled)
	scaled.Mul(a, wad)

	return divideRounded(scaled, b, mode), nil
}
