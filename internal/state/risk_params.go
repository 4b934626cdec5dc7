package state

import (
	"IRSLedger/internal/errs"
	fpmath "IRSLedger/internal/math"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Parameter names, as used in events, config and errors.
const (
	ParamInitialMarginRatio     = "initial_margin_ratio"
	ParamMaintenanceMarginRatio = "maintenance_margin_ratio"
	ParamLiquidationThreshold   = "liquidation_threshold"
	ParamMaxLeverage            = "max_leverage"
	ParamVolatilityBuffer       = "volatility_buffer"
	ParamLiquidationBonus       = "liquidation_bonus"
	ParamProtocolFee            = "protocol_fee"
	ParamMaxLiquidationRatio    = "max_liquidation_ratio"
)

// RiskParams defines margin and liquidation requirements. All fields are WAD.
type RiskParams struct {
	InitialMarginRatio     *big.Int
	MaintenanceMarginRatio *big.Int
	LiquidationThreshold   *big.Int // Health factor below which a position is liquidatable
	MaxLeverage            *big.Int // Notional / margin, e.g. 10e18 = 10x
	VolatilityBuffer       *big.Int // Annualized, scaled by days/365
	LiquidationBonus       *big.Int
	ProtocolFee            *big.Int
	MaxLiquidationRatio    *big.Int // Share of margin seized per liquidation
	Version                int64    // Bumped on every accepted change
}

type paramBounds struct {
	min, max     *big.Int
	maxExclusive bool
}

var riskParamBounds = map[string]paramBounds{
	ParamInitialMarginRatio:   {min: fpmath.PercentToWad(5), max: fpmath.PercentToWad(50)},
	ParamLiquidationThreshold: {min: fpmath.Wad(), max: fpmath.FromUnits(2)},
	ParamMaxLeverage:          {min: fpmath.FromUnits(1), max: fpmath.FromUnits(20)},
	ParamVolatilityBuffer:     {min: new(big.Int), max: fpmath.PercentToWad(50)},
	ParamLiquidationBonus:     {min: new(big.Int), max: fpmath.PercentToWad(10)},
	ParamProtocolFee:          {min: new(big.Int), max: fpmath.PercentToWad(5)},
	ParamMaxLiquidationRatio:  {min: fpmath.PercentToWad(10), max: fpmath.PercentToWad(100)},
	// Upper bound is the current initial margin ratio, exclusive
	ParamMaintenanceMarginRatio: {min: fpmath.PercentToWad(1)},
}

// DefaultRiskParams returns the launch configuration.
func DefaultRiskParams() RiskParams {
	return RiskParams{
		InitialMarginRatio:     fpmath.PercentToWad(10),
		MaintenanceMarginRatio: fpmath.PercentToWad(5),
		LiquidationThreshold:   fpmath.Wad(),
		MaxLeverage:            fpmath.FromUnits(10),
		VolatilityBuffer:       fpmath.PercentToWad(1),
		LiquidationBonus:       fpmath.PercentToWad(5),
		ProtocolFee:            fpmath.PercentToWad(2),
		MaxLiquidationRatio:    fpmath.PercentToWad(50),
	}
}

// Clone returns a deep copy.
func (p RiskParams) Clone() RiskParams {
	c := p
	c.InitialMarginRatio = cloneInt(p.InitialMarginRatio)
	c.MaintenanceMarginRatio = cloneInt(p.MaintenanceMarginRatio)
	c.LiquidationThreshold = cloneInt(p.LiquidationThreshold)
	c.MaxLeverage = cloneInt(p.MaxLeverage)
	c.VolatilityBuffer = cloneInt(p.VolatilityBuffer)
	c.LiquidationBonus = cloneInt(p.LiquidationBonus)
	c.ProtocolFee = cloneInt(p.ProtocolFee)
	c.MaxLiquidationRatio = cloneInt(p.MaxLiquidationRatio)
	return c
}

// field returns a pointer to the named parameter.
func (p *RiskParams) field(name string) (**big.Int, bool) {
	switch name {
	case ParamInitialMarginRatio:
		return &p.InitialMarginRatio, true
	case ParamMaintenanceMarginRatio:
		return &p.MaintenanceMarginRatio, true
	case ParamLiquidationThreshold:
		return &p.LiquidationThreshold, true
	case ParamMaxLeverage:
		return &p.MaxLeverage, true
	case ParamVolatilityBuffer:
		return &p.VolatilityBuffer, true
	case ParamLiquidationBonus:
		return &p.LiquidationBonus, true
	case ParamProtocolFee:
		return &p.ProtocolFee, true
	case ParamMaxLiquidationRatio:
		return &p.MaxLiquidationRatio, true
	default:
		return nil, false
	}
}

// Values returns a copy of every parameter keyed by name.
func (p RiskParams) Values() map[string]*big.Int {
	out := make(map[string]*big.Int, 8)
	for _, name := range ParamNames() {
		f, _ := p.field(name)
		out[name] = cloneInt(*f)
	}
	return out
}

// RiskParamsFromValues is the inverse of Values. Every parameter must be present.
func RiskParamsFromValues(values map[string]*big.Int, version int64) (RiskParams, error) {
	p := RiskParams{Version: version}
	for _, name := range ParamNames() {
		v, ok := values[name]
		if !ok || v == nil {
			return RiskParams{}, errs.E(errs.InvalidInput, "risk.FromValues", "missing %s", name)
		}
		f, _ := p.field(name)
		*f = cloneInt(v)
	}
	return p, nil
}

// ParamNames lists every settable parameter.
func ParamNames() []string {
	return []string{
		ParamInitialMarginRatio,
		ParamMaintenanceMarginRatio,
		ParamLiquidationThreshold,
		ParamMaxLeverage,
		ParamVolatilityBuffer,
		ParamLiquidationBonus,
		ParamProtocolFee,
		ParamMaxLiquidationRatio,
	}
}

func checkBounds(name string, v *big.Int, b paramBounds) error {
	if v == nil {
		return &BoundsError{Param: name, Value: v, Min: b.min, Max: b.max, MaxExclusive: b.maxExclusive}
	}
	tooHigh := v.Cmp(b.max) > 0 || (b.maxExclusive && v.Cmp(b.max) == 0)
	if v.Cmp(b.min) < 0 || tooHigh {
		return &BoundsError{Param: name, Value: v, Min: b.min, Max: b.max, MaxExclusive: b.maxExclusive}
	}
	return nil
}

// ValidateRiskParams checks every parameter against its bounds, including
// maintenance < initial.
func ValidateRiskParams(params *RiskParams) error {
	for _, name := range ParamNames() {
		ptr, _ := params.field(name)
		b := riskParamBounds[name]
		if name == ParamMaintenanceMarginRatio {
			b.max = params.InitialMarginRatio
			b.maxExclusive = true
			if b.max == nil {
				return fmt.Errorf("%s requires %s", name, ParamInitialMarginRatio)
			}
		}
		if err := checkBounds(name, *ptr, b); err != nil {
			return err
		}
	}
	return nil
}

// ParamChange describes one accepted update.
type ParamChange struct {
	Param    string
	Old      *big.Int
	New      *big.Int
	Governor uuid.UUID
	Version  int64
	At       int64
}

// RiskParamsManager holds the live parameters. Only the governor may change them.
type RiskParamsManager struct {
	mu       sync.RWMutex
	params   RiskParams
	governor uuid.UUID
	now      func() time.Time
	hooks    []func(ParamChange)
}

// NewRiskParamsManager validates the initial parameters.
func NewRiskParamsManager(governor uuid.UUID, params RiskParams) (*RiskParamsManager, error) {
	p := params.Clone()
	if err := ValidateRiskParams(&p); err != nil {
		return nil, errs.Wrap(errs.ParameterOutOfBounds, "risk.New", fmt.Errorf("invalid initial risk params: %w", err))
	}
	return &RiskParamsManager{params: p, governor: governor, now: time.Now}, nil
}

// OnChange registers a hook run after each accepted change, outside the lock.
func (rpm *RiskParamsManager) OnChange(fn func(ParamChange)) {
	rpm.mu.Lock()
	defer rpm.mu.Unlock()
	rpm.hooks = append(rpm.hooks, fn)
}

// Governor returns the identity allowed to change parameters.
func (rpm *RiskParamsManager) Governor() uuid.UUID {
	return rpm.governor
}

// Get returns a copy of the current parameters.
func (rpm *RiskParamsManager) Get() RiskParams {
	rpm.mu.RLock()
	defer rpm.mu.RUnlock()
	return rpm.params.Clone()
}

// Version returns the current parameter version.
func (rpm *RiskParamsManager) Version() int64 {
	rpm.mu.RLock()
	defer rpm.mu.RUnlock()
	return rpm.params.Version
}

// Set changes one parameter. Rejected values leave the parameters unchanged.
func (rpm *RiskParamsManager) Set(caller uuid.UUID, name string, value *big.Int) error {
	const op = "risk.Set"

	if caller != rpm.governor {
		return errs.Wrap(errs.Unauthorized, op, ErrNotGovernor)
	}

	rpm.mu.Lock()
	candidate := rpm.params.Clone()
	ptr, ok := candidate.field(name)
	if !ok {
		rpm.mu.Unlock()
		return errs.E(errs.InvalidInput, op, "unknown risk parameter %q", name)
	}
	old := *ptr
	*ptr = cloneInt(value)
	if value == nil {
		*ptr = nil
	}
	if err := ValidateRiskParams(&candidate); err != nil {
		rpm.mu.Unlock()
		return errs.Wrap(errs.ParameterOutOfBounds, op, err)
	}
	candidate.Version++
	rpm.params = candidate
	change := ParamChange{
		Param:    name,
		Old:      cloneInt(old),
		New:      cloneInt(value),
		Governor: caller,
		Version:  candidate.Version,
		At:       rpm.now().Unix(),
	}
	hooks := rpm.hooks
	rpm.mu.Unlock()

	for _, fn := range hooks {
		fn(change)
	}
	return nil
}

func (rpm *RiskParamsManager) SetInitialMarginRatio(caller uuid.UUID, v *big.Int) error {
	return rpm.Set(caller, ParamInitialMarginRatio, v)
}

func (rpm *RiskParamsManager) SetMaintenanceMarginRatio(caller uuid.UUID, v *big.Int) error {
	return rpm.Set(caller, ParamMaintenanceMarginRatio, v)
}

func (rpm *RiskParamsManager) SetLiquidationThreshold(caller uuid.UUID, v *big.Int) error {
	return rpm.Set(caller, ParamLiquidationThreshold, v)
}

func (rpm *RiskParamsManager) SetMaxLeverage(caller uuid.UUID, v *big.Int) error {
	return rpm.Set(caller, ParamMaxLeverage, v)
}

func (rpm *RiskParamsManager) SetVolatilityBuffer(caller uuid.UUID, v *big.Int) error {
	return rpm.Set(caller, ParamVolatilityBuffer, v)
}

func (rpm *RiskParamsManager) SetLiquidationBonus(caller uuid.UUID, v *big.Int) error {
	return rpm.Set(caller, ParamLiquidationBonus, v)
}

func (rpm *RiskParamsManager) SetProtocolFee(caller uuid.UUID, v *big.Int) error {
	return rpm.Set(caller, ParamProtocolFee, v)
}

func (rpm *RiskParamsManager) SetMaxLiquidationRatio(caller uuid.UUID, v *big.Int) error {
	return rpm.Set(caller, ParamMaxLiquidationRatio, v)
}

// Restore replaces the parameters with a persisted copy, keeping its version.
func (rpm *RiskParamsManager) Restore(params RiskParams) error {
	p := params.Clone()
	if err := ValidateRiskParams(&p); err != nil {
		return errs.Wrap(errs.ParameterOutOfBounds, "risk.Restore", fmt.Errorf("invalid persisted risk params: %w", err))
	}
	rpm.mu.Lock()
	rpm.params = p
	rpm.mu.Unlock()
	return nil
}
