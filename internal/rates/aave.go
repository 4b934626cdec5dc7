package rates

import (
	"IRSLedger/internal/errs"
	fpmath "IRSLedger/internal/math"
	"IRSLedger/internal/oracle"
	"context"
	"fmt"
	"math/big"
)

// AaveReserve carries the annual RAY (1e27) rates of one Aave reserve.
type AaveReserve struct {
	LiquidityRate      *big.Int
	VariableBorrowRate *big.Int
}

// AavePool reads reserve data for an underlying asset.
type AavePool interface {
	ReserveData(ctx context.Context, asset string) (AaveReserve, error)
}

// AaveSource converts Aave RAY rates to WAD.
type AaveSource struct {
	name  string
	pool  AavePool
	asset string
}

var _ oracle.RateSource = (*AaveSource)(nil)

func NewAaveSource(name string, pool AavePool, asset string) *AaveSource {
	return &AaveSource{name: name, pool: pool, asset: asset}
}

func (s *AaveSource) Name() string { return s.name }

func (s *AaveSource) SupplyRate(ctx context.Context) (*big.Int, error) {
	r, err := s.reserve(ctx)
	if err != nil {
		return nil, err
	}
	return toWad(s.name, r.LiquidityRate)
}

func (s *AaveSource) BorrowRate(ctx context.Context) (*big.Int, error) {
	r, err := s.reserve(ctx)
	if err != nil {
		return nil, err
	}
	return toWad(s.name, r.VariableBorrowRate)
}

func (s *AaveSource) reserve(ctx context.Context) (AaveReserve, error) {
	r, err := s.pool.ReserveData(ctx, s.asset)
	if err != nil {
		return AaveReserve{}, errs.Wrap(errs.StaleData, "aave.reserve", fmt.Errorf("%s %s: %w", s.name, s.asset, err))
	}
	return r, nil
}

func toWad(name string, ray *big.Int) (*big.Int, error) {
	if ray == nil || ray.Sign() < 0 {
		return nil, errs.E(errs.InvalidInput, "aave.rate", "%s returned invalid rate %v", name, ray)
	}
	return fpmath.RayToWad(ray), nil
}
