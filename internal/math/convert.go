// internal/math/convert.go
package math

import (
	"IRSLedger/internal/errs"
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// ErrRange is wrapped by every checked cast that would truncate or wrap.
var ErrRange = errors.New("value out of range")

var (
	maxInt256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(1))
	minInt256 = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 255))
)

// ToUint256 narrows v into a 256-bit unsigned word.
func ToUint256(v *big.Int) (*uint256.Int, error) {
	if v.Sign() < 0 {
		return nil, errs.Wrap(errs.Overflow, "math.ToUint256", fmt.Errorf("%w: negative value %s", ErrRange, v))
	}
	u, overflow := uint256.FromBig(v)
	if overflow {
		return nil, errs.Wrap(errs.Overflow, "math.ToUint256", fmt.Errorf("%w: %s exceeds 2^256-1", ErrRange, v))
	}
	return u, nil
}

// CheckUint256 verifies v fits an unsigned 256-bit word without converting it.
func CheckUint256(v *big.Int) error {
	_, err := ToUint256(v)
	return err
}

// CheckInt256 verifies v fits a signed 256-bit word.
func CheckInt256(v *big.Int) error {
	if v.Cmp(maxInt256) > 0 || v.Cmp(minInt256) < 0 {
		return errs.Wrap(errs.Overflow, "math.CheckInt256", fmt.Errorf("%w: %s outside int256", ErrRange, v))
	}
	return nil
}

// ToInt64 narrows v, failing instead of wrapping.
func ToInt64(v *big.Int) (int64, error) {
	if !v.IsInt64() {
		return 0, errs.Wrap(errs.Overflow, "math.ToInt64", fmt.Errorf("%w: %s outside int64", ErrRange, v))
	}
	return v.Int64(), nil
}

// ToUint64 narrows v, failing on negatives and overflow.
func ToUint64(v *big.Int) (uint64, error) {
	if !v.IsUint64() {
		return 0, errs.Wrap(errs.Overflow, "math.ToUint64", fmt.Errorf("%w: %s outside uint64", ErrRange, v))
	}
	return v.Uint64(), nil
}

// Int64ToUint64 converts a signed value that must be non-negative.
func Int64ToUint64(v int64) (uint64, error) {
	if v < 0 {
		return 0, errs.Wrap(errs.Overflow, "math.Int64ToUint64", fmt.Errorf("%w: %d is negative", ErrRange, v))
	}
	return uint64(v), nil
}

// Uint64ToInt64 converts an unsigned value that must fit int64.
func Uint64ToInt64(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, errs.Wrap(errs.Overflow, "math.Uint64ToInt64", fmt.Errorf("%w: %d exceeds int64", ErrRange, v))
	}
	return int64(v), nil
}

// ParseWad converts a decimal string ("0.05", "10000") into a WAD integer.
// Digits beyond 18 decimals are rejected rather than rounded.
func ParseWad(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidInput, "math.ParseWad", err)
	}
	scaled := d.Shift(WadDecimals)
	if !scaled.IsInteger() {
		return nil, errs.E(errs.InvalidInput, "math.ParseWad", "%q has more than %d decimals", s, WadDecimals)
	}
	return scaled.BigInt(), nil
}

// MustParseWad is ParseWad for constants and tests.
func MustParseWad(s string) *big.Int {
	v, err := ParseWad(s)
	if err != nil {
		panic(err)
	}
	return v
}

// FormatWad renders a WAD integer as a plain decimal string ("36.986301369863013698").
func FormatWad(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -WadDecimals).String()
}

// WadToFloat64 is lossy and only meant for metrics.
func WadToFloat64(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := decimal.NewFromBigInt(v, -WadDecimals).Float64()
	return f
}
