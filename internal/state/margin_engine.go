package state

import (
	"IRSLedger/internal/errs"
	fpmath "IRSLedger/internal/math"
	"IRSLedger/internal/observability"
	"IRSLedger/internal/oracle"
	"context"
	"fmt"
	"math/big"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
)

const (
	minFactorDays = 30
	maxFactorDays = 365
)

// MaxHealthFactor is reported when a position has no maintenance requirement.
var MaxHealthFactor = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(1))

// RateProvider supplies the current floating rate. *oracle.RateOracle implements it.
type RateProvider interface {
	CurrentRate() (oracle.RateSnapshot, error)
}

type positionReader interface {
	GetPosition(id uint64) (*Position, error)
}

// HealthReport is the margin engine's view of one position at one instant.
// Reports may be shared through the cache; callers must not mutate them.
type HealthReport struct {
	PositionID        uint64
	EffectiveMargin   *big.Int // margin + accumulated + unrealized
	UnrealizedPnL     *big.Int
	MaintenanceMargin *big.Int
	HealthFactor      *big.Int
	Threshold         *big.Int
	Liquidatable      bool
	RateTimestamp     int64
	ParamsVersion     int64
	EvaluatedAt       int64 // min(now, maturity)
}

type healthKey struct {
	id            uint64
	version       int64
	rateTimestamp int64
	paramsVersion int64
	at            int64
}

// MarginEngine computes margin requirements and position health.
type MarginEngine struct {
	params    *RiskParamsManager
	rates     RateProvider
	positions positionReader
	cache     *lru.Cache
	now       func() time.Time
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewMarginEngine(params *RiskParamsManager, rates RateProvider, opts ...Option) (*MarginEngine, error) {
	o := buildOptions(opts)
	cache, err := lru.New(o.healthCacheSize)
	if err != nil {
		return nil, fmt.Errorf("health cache: %w", err)
	}
	m := &MarginEngine{
		params:  params,
		rates:   rates,
		cache:   cache,
		now:     o.now,
		metrics: o.metrics,
		logger:  o.logger,
	}
	params.OnChange(func(ParamChange) { m.cache.Purge() })
	return m, nil
}

// RiskParams exposes the bounded parameter store behind the engine's setters.
func (m *MarginEngine) RiskParams() *RiskParamsManager {
	return m.params
}

// MaturityFactor is 1.0 up to 30 days, 1.5 from 365 days, linear between.
func MaturityFactor(maturityDays int64) *big.Int {
	switch {
	case maturityDays <= minFactorDays:
		return fpmath.Wad()
	case maturityDays >= maxFactorDays:
		return fpmath.PercentToWad(150)
	}
	// 1 + 0.5 * (days - 30) / 335
	extra := new(big.Int).Mul(fpmath.Wad(), big.NewInt(maturityDays-minFactorDays))
	extra.Quo(extra, big.NewInt(2*(maxFactorDays-minFactorDays)))
	return extra.Add(extra, fpmath.Wad())
}

// volatilityBuffer = notional * volatility * days / 365, rounded up.
func volatilityBuffer(notional, volatility *big.Int, maturityDays int64) (*big.Int, error) {
	scaled := new(big.Int).Mul(notional, volatility)
	denom := new(big.Int).Mul(fpmath.Wad(), big.NewInt(fpmath.DaysPerYear))
	return fpmath.MulDiv(scaled, big.NewInt(maturityDays), denom, fpmath.RoundUp)
}

// MaxMaturityDays bounds a swap's tenor at one hundred years.
const MaxMaturityDays = 36_500

func validateSizing(op string, amount *big.Int, maturityDays int64) error {
	if amount == nil || amount.Sign() <= 0 {
		return errs.Wrap(errs.InvalidInput, op, ErrInvalidNotional)
	}
	if maturityDays < 1 || maturityDays > MaxMaturityDays {
		return errs.Wrap(errs.InvalidInput, op, ErrInvalidMaturity)
	}
	return nil
}

// CalculateInitialMargin returns max(base, base * maturityFactor + volatility buffer)
// where base = notional * initial margin ratio. Requirements round up.
func (m *MarginEngine) CalculateInitialMargin(notional *big.Int, maturityDays int64) (*big.Int, error) {
	const op = "margin.CalculateInitialMargin"
	if err := validateSizing(op, notional, maturityDays); err != nil {
		return nil, err
	}
	return initialMargin(m.params.Get(), notional, maturityDays)
}

func initialMargin(p RiskParams, notional *big.Int, maturityDays int64) (*big.Int, error) {
	base := fpmath.WadMulRound(notional, p.InitialMarginRatio, fpmath.RoundUp)
	adjusted := fpmath.WadMulRound(base, MaturityFactor(maturityDays), fpmath.RoundUp)

	buffer, err := volatilityBuffer(notional, p.VolatilityBuffer, maturityDays)
	if err != nil {
		return nil, err
	}
	adjusted.Add(adjusted, buffer)

	return fpmath.Max(base, adjusted), nil
}

// CalculateMaxNotional returns the largest notional the margin can open:
// min(margin / per-unit initial requirement, margin * MaxLeverage).
func (m *MarginEngine) CalculateMaxNotional(margin *big.Int, maturityDays int64) (*big.Int, error) {
	const op = "margin.CalculateMaxNotional"
	if err := validateSizing(op, margin, maturityDays); err != nil {
		return nil, err
	}
	return maxNotional(m.params.Get(), margin, maturityDays)
}

func maxNotional(p RiskParams, margin *big.Int, maturityDays int64) (*big.Int, error) {
	// Requirement per 1.0 of notional, as a WAD ratio
	perUnit, err := initialMargin(p, fpmath.Wad(), maturityDays)
	if err != nil {
		return nil, err
	}
	byRequirement, err := fpmath.WadDiv(margin, perUnit)
	if err != nil {
		return nil, err
	}
	byLeverage := fpmath.WadMul(margin, p.MaxLeverage)
	return fpmath.Min(byRequirement, byLeverage), nil
}

// UnrealizedPnL projects the settlement that would happen at time at without
// mutating the position.
func UnrealizedPnL(pos *Position, floatingRate *big.Int, at int64) (*big.Int, error) {
	elapsed := settlementWindow(pos, at)
	if elapsed <= 0 {
		return new(big.Int), nil
	}
	delta, _, err := fpmath.ComputeSettlementDelta(pos.Notional, pos.FixedRate, floatingRate, elapsed, pos.IsPayingFixed)
	return delta, err
}

// settlementWindow is min(at, maturity) - lastSettlement.
func settlementWindow(pos *Position, at int64) int64 {
	end := min(at, pos.Maturity)
	return end - pos.LastSettlement
}

// Health evaluates a position value at the current time and rate. The value
// need not match the stored position, so the result is never cached.
func (m *MarginEngine) Health(pos *Position) (HealthReport, error) {
	return m.health(pos, false)
}

func (m *MarginEngine) health(pos *Position, cacheable bool) (HealthReport, error) {
	const op = "margin.Health"

	if !pos.IsActive {
		return HealthReport{}, errs.Wrap(errs.StateConflict, op, fmt.Errorf("%w: %d", ErrPositionNotActive, pos.ID))
	}
	rate, err := m.rates.CurrentRate()
	if err != nil {
		return HealthReport{}, fmt.Errorf("position %d: %w", pos.ID, err)
	}
	return m.healthAt(pos, rate, m.params.Get(), m.now().Unix(), cacheable)
}

// healthAt evaluates pos. Only stored positions may be cached: the key
// assumes (id, version) identifies the position's contents.
func (m *MarginEngine) healthAt(pos *Position, rate oracle.RateSnapshot, p RiskParams, now int64, cacheable bool) (HealthReport, error) {
	at := min(now, pos.Maturity)
	key := healthKey{
		id:            pos.ID,
		version:       pos.Version,
		rateTimestamp: rate.Timestamp,
		paramsVersion: p.Version,
		at:            at,
	}
	if cacheable {
		if v, ok := m.cache.Get(key); ok {
			m.metrics.ObserveHealthCache(true)
			return v.(HealthReport), nil
		}
		m.metrics.ObserveHealthCache(false)
	}

	report, err := evaluateHealth(pos, rate, p, at)
	if err != nil {
		return HealthReport{}, err
	}
	if cacheable {
		m.cache.Add(key, report)
	}
	return report, nil
}

func evaluateHealth(pos *Position, rate oracle.RateSnapshot, p RiskParams, at int64) (HealthReport, error) {
	unrealized, err := UnrealizedPnL(pos, rate.Rate, at)
	if err != nil {
		return HealthReport{}, fmt.Errorf("position %d: %w", pos.ID, err)
	}

	maintenance := fpmath.WadMulRound(pos.Notional, p.MaintenanceMarginRatio, fpmath.RoundUp)
	if unrealized.Sign() < 0 {
		maintenance.Sub(maintenance, unrealized)
	}

	effective := new(big.Int).Add(pos.Margin, pos.AccumulatedPnL)
	effective.Add(effective, unrealized)

	report := HealthReport{
		PositionID:        pos.ID,
		EffectiveMargin:   effective,
		UnrealizedPnL:     unrealized,
		MaintenanceMargin: maintenance,
		Threshold:         p.LiquidationThreshold,
		RateTimestamp:     rate.Timestamp,
		ParamsVersion:     p.Version,
		EvaluatedAt:       at,
	}

	switch {
	case effective.Sign() <= 0:
		report.HealthFactor = new(big.Int)
		report.Liquidatable = true
	case maintenance.Sign() == 0:
		report.HealthFactor = new(big.Int).Set(MaxHealthFactor)
	default:
		hf, err := fpmath.WadDiv(effective, maintenance)
		if err != nil {
			return HealthReport{}, err
		}
		report.HealthFactor = hf
		report.Liquidatable = hf.Cmp(p.LiquidationThreshold) < 0
	}
	return report, nil
}

// Report evaluates a stored position by id.
func (m *MarginEngine) Report(ctx context.Context, id uint64) (HealthReport, error) {
	if err := ctx.Err(); err != nil {
		return HealthReport{}, err
	}
	if m.positions == nil {
		return HealthReport{}, errs.E(errs.StateConflict, "margin.Report", "margin engine not bound to a position manager")
	}
	pos, err := m.positions.GetPosition(id)
	if err != nil {
		return HealthReport{}, err
	}
	return m.health(pos, true)
}

// CalculateMaintenanceMargin returns notional * MMR + |negative unrealized PnL|.
func (m *MarginEngine) CalculateMaintenanceMargin(ctx context.Context, id uint64) (*big.Int, error) {
	r, err := m.Report(ctx, id)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(r.MaintenanceMargin), nil
}

// GetHealthFactor returns effective / maintenance as WAD, or 0 when effective <= 0.
func (m *MarginEngine) GetHealthFactor(ctx context.Context, id uint64) (*big.Int, error) {
	r, err := m.Report(ctx, id)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(r.HealthFactor), nil
}

// IsLiquidatable reports effective <= 0 or health < liquidation threshold.
func (m *MarginEngine) IsLiquidatable(ctx context.Context, id uint64) (bool, error) {
	r, err := m.Report(ctx, id)
	if err != nil {
		return false, err
	}
	return r.Liquidatable, nil
}

// GetUnrealizedPnL is the pure settlement projection for a stored position.
func (m *MarginEngine) GetUnrealizedPnL(ctx context.Context, id uint64) (*big.Int, error) {
	r, err := m.Report(ctx, id)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(r.UnrealizedPnL), nil
}
