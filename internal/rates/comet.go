// Package rates adapts lending markets to the oracle's annualized WAD rate contract.
package rates

import (
	"IRSLedger/internal/errs"
	fpmath "IRSLedger/internal/math"
	"IRSLedger/internal/oracle"
	"context"
	"fmt"
	"math/big"
)

// CometMarket is the read surface of a Compound III (Comet) market.
// Rates are per-second, scaled by 1e18, and depend on current utilization.
type CometMarket interface {
	Utilization(ctx context.Context) (*big.Int, error)
	SupplyRate(ctx context.Context, utilization *big.Int) (*big.Int, error)
	BorrowRate(ctx context.Context, utilization *big.Int) (*big.Int, error)
}

// CometSource annualizes Comet per-second rates.
type CometSource struct {
	name   string
	market CometMarket
}

var _ oracle.RateSource = (*CometSource)(nil)

func NewCometSource(name string, market CometMarket) *CometSource {
	return &CometSource{name: name, market: market}
}

func (s *CometSource) Name() string { return s.name }

func (s *CometSource) SupplyRate(ctx context.Context) (*big.Int, error) {
	return s.rate(ctx, "supply", s.market.SupplyRate)
}

func (s *CometSource) BorrowRate(ctx context.Context) (*big.Int, error) {
	return s.rate(ctx, "borrow", s.market.BorrowRate)
}

func (s *CometSource) rate(
	ctx context.Context,
	side string,
	read func(context.Context, *big.Int) (*big.Int, error),
) (*big.Int, error) {
	op := "comet." + side
	util, err := s.market.Utilization(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.StaleData, op, fmt.Errorf("%s utilization: %w", s.name, err))
	}
	perSecond, err := read(ctx, util)
	if err != nil {
		return nil, errs.Wrap(errs.StaleData, op, fmt.Errorf("%s rate: %w", s.name, err))
	}
	if perSecond == nil || perSecond.Sign() < 0 {
		return nil, errs.E(errs.InvalidInput, op, "%s returned invalid rate %v", s.name, perSecond)
	}
	return fpmath.PerSecondToAnnual(perSecond), nil
}
