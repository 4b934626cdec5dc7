package state_test

import (
	"IRSLedger/internal/errs"
	"IRSLedger/internal/state"
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/google/uuid"
)

// ============================================================================
// Initial margin and sizing
// ============================================================================

func TestMaturityFactor_ClampsAndInterpolates(t *testing.T) {
	tests := []struct {
		days int64
		want string
	}{
		{1, "1"},
		{30, "1"},
		{90, "1.089552238805970149"},
		{200, "1.253731343283582089"},
		{365, "1.5"},
		{730, "1.5"},
	}
	for _, tc := range tests {
		mustEqual(t, "factor", state.MaturityFactor(tc.days), wad(tc.want))
	}
}

func TestCalculateInitialMargin_MaturityAndVolatility(t *testing.T) {
	f := newFixture(t, state.DefaultRiskParams())

	got, err := f.margin.CalculateInitialMargin(units(10_000), 90)
	if err != nil {
		t.Fatalf("initial margin: %v", err)
	}
	// 1000 * 1.0895... + 10000 * 1% * 90/365, rounded up
	mustEqual(t, "initial margin", got, wad("1114.209773052545491466"))

	short, err := f.margin.CalculateInitialMargin(units(10_000), 1)
	if err != nil {
		t.Fatalf("initial margin: %v", err)
	}
	if short.Cmp(units(1_000)) < 0 {
		t.Fatalf("initial margin %s below base requirement", short)
	}
}

func TestCalculateInitialMargin_RejectsBadInput(t *testing.T) {
	f := newFixture(t, state.DefaultRiskParams())

	_, err := f.margin.CalculateInitialMargin(big.NewInt(0), 90)
	mustKind(t, err, errs.InvalidInput)
	if !errors.Is(err, state.ErrInvalidNotional) {
		t.Fatalf("expected ErrInvalidNotional, got %v", err)
	}

	_, err = f.margin.CalculateInitialMargin(units(1), 0)
	if !errors.Is(err, state.ErrInvalidMaturity) {
		t.Fatalf("expected ErrInvalidMaturity, got %v", err)
	}

	_, err = f.margin.CalculateInitialMargin(units(1), state.MaxMaturityDays+1)
	if !errors.Is(err, state.ErrInvalidMaturity) {
		t.Fatalf("expected ErrInvalidMaturity past the max tenor, got %v", err)
	}
}

func TestCalculateMaxNotional_LeverageCapBinds(t *testing.T) {
	f := newFixture(t, lowIMR())

	got, err := f.margin.CalculateMaxNotional(units(1_000), 90)
	if err != nil {
		t.Fatalf("max notional: %v", err)
	}
	// Requirement allows ~17561, leverage 10x allows 10000
	mustEqual(t, "max notional", got, units(10_000))

	if err := f.params.SetMaxLeverage(f.governor, units(20)); err != nil {
		t.Fatalf("set leverage: %v", err)
	}
	got, _ = f.margin.CalculateMaxNotional(units(1_000), 90)
	mustEqual(t, "max notional", got, wad("17561.308391081109795466"))
}

// ============================================================================
// Health
// ============================================================================

func TestHealth_MaintenanceBreachIsLiquidatable(t *testing.T) {
	f := newFixture(t, state.DefaultRiskParams())
	f.seed(t, f.seeded(1, uuid.New(), 1_000, -600))

	ctx := context.Background()
	maintenance, err := f.margin.CalculateMaintenanceMargin(ctx, 1)
	if err != nil {
		t.Fatalf("maintenance: %v", err)
	}
	mustEqual(t, "maintenance", maintenance, units(500))

	hf, err := f.margin.GetHealthFactor(ctx, 1)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	mustEqual(t, "health factor", hf, wad("0.8"))

	liquidatable, err := f.margin.IsLiquidatable(ctx, 1)
	if err != nil {
		t.Fatalf("liquidatable: %v", err)
	}
	if !liquidatable {
		t.Fatal("effective 400 against maintenance 500 must be liquidatable")
	}
}

func TestHealth_NegativeEffectiveMarginIsZero(t *testing.T) {
	f := newFixture(t, state.DefaultRiskParams())
	f.seed(t, f.seeded(1, uuid.New(), 1_000, -1_200))

	report, err := f.margin.Report(context.Background(), 1)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if report.HealthFactor.Sign() != 0 || !report.Liquidatable {
		t.Fatalf("expected zero health and liquidatable, got %s / %v", report.HealthFactor, report.Liquidatable)
	}
}

func TestHealth_UnrealizedLossRaisesMaintenance(t *testing.T) {
	f := newFixture(t, state.DefaultRiskParams())
	f.seed(t, f.seeded(1, uuid.New(), 2_000, 0))
	f.rates.Set(pct(1)) // paying 5% fixed against 1% floating

	f.clock.Advance(days(30))
	report, err := f.margin.Report(context.Background(), 1)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if report.UnrealizedPnL.Sign() >= 0 {
		t.Fatalf("expected unrealized loss, got %s", report.UnrealizedPnL)
	}
	want := new(big.Int).Sub(units(500), report.UnrealizedPnL)
	mustEqual(t, "maintenance", report.MaintenanceMargin, want)

	pos, _ := f.pm.GetPosition(1)
	if pos.AccumulatedPnL.Sign() != 0 {
		t.Fatal("health evaluation must not mutate accumulated pnl")
	}
}

func TestHealth_MonotonicInMargin(t *testing.T) {
	f := newFixture(t, state.DefaultRiskParams())
	f.rates.Set(pct(2))
	f.seed(t, f.seeded(1, uuid.New(), 100, 0))
	f.clock.Advance(days(10))

	base, err := f.pm.GetPosition(1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	prev := new(big.Int)
	for _, m := range []int64{100, 250, 400, 800, 1_600, 5_000} {
		candidate := base.Clone()
		candidate.Margin = units(m)
		report, err := f.margin.Health(candidate)
		if err != nil {
			t.Fatalf("health: %v", err)
		}
		if report.HealthFactor.Cmp(prev) < 0 {
			t.Fatalf("health decreased from %s to %s when margin rose to %d", prev, report.HealthFactor, m)
		}
		prev = report.HealthFactor
	}
}

func TestHealth_StaleRateFails(t *testing.T) {
	f := newFixture(t, state.DefaultRiskParams())
	f.seed(t, f.seeded(1, uuid.New(), 1_000, 0))
	f.rates.Fail(errs.E(errs.StaleData, "test", "rate too old"))

	_, err := f.margin.GetHealthFactor(context.Background(), 1)
	mustKind(t, err, errs.StaleData)
}

func TestHealth_UnknownAndClosedPositions(t *testing.T) {
	f := newFixture(t, state.DefaultRiskParams())
	closed := f.seeded(1, uuid.New(), 0, 0)
	closed.IsActive = false
	closed.Status = state.PositionStatusClosed
	f.seed(t, closed)

	_, err := f.margin.IsLiquidatable(context.Background(), 7)
	mustKind(t, err, errs.NotFound)
	if !errors.Is(err, state.ErrPositionNotFound) {
		t.Fatalf("expected ErrPositionNotFound, got %v", err)
	}

	_, err = f.margin.IsLiquidatable(context.Background(), 1)
	mustKind(t, err, errs.StateConflict)
}

func TestHealth_ParamChangeInvalidatesCache(t *testing.T) {
	f := newFixture(t, state.DefaultRiskParams())
	f.seed(t, f.seeded(1, uuid.New(), 1_000, -450))
	ctx := context.Background()

	if liq, _ := f.margin.IsLiquidatable(ctx, 1); liq {
		t.Fatal("550 against 500 is healthy")
	}
	if err := f.params.SetLiquidationThreshold(f.governor, wad("1.2")); err != nil {
		t.Fatalf("set threshold: %v", err)
	}
	if liq, _ := f.margin.IsLiquidatable(ctx, 1); !liq {
		t.Fatal("health 1.1 below new threshold 1.2 must be liquidatable")
	}
}
