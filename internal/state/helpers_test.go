package state_test

import (
	"IRSLedger/internal/errs"
	"IRSLedger/internal/event"
	"IRSLedger/internal/ledger"
	fpmath "IRSLedger/internal/math"
	"IRSLedger/internal/oracle"
	"IRSLedger/internal/state"
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// --- Test helpers ---

const usdc ledger.AssetID = 1

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// rateStub serves a fixed floating rate. Every Set advances the snapshot
// timestamp, like a real oracle recording a new observation.
type rateStub struct {
	mu   sync.Mutex
	rate *big.Int
	ts   int64
	err  error
}

func (r *rateStub) CurrentRate() (oracle.RateSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return oracle.RateSnapshot{}, r.err
	}
	return oracle.RateSnapshot{Rate: new(big.Int).Set(r.rate), Timestamp: r.ts}, nil
}

func (r *rateStub) Set(rate *big.Int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rate = new(big.Int).Set(rate)
	r.ts++
	r.err = nil
}

func (r *rateStub) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) Emit(evt event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

// lastClosed returns the most recent PositionClosed event.
func (r *recorder) lastClosed(t *testing.T) *event.PositionClosed {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if c, ok := r.events[i].(*event.PositionClosed); ok {
			return c
		}
	}
	t.Fatal("no PositionClosed event")
	return nil
}

func (r *recorder) Types() []event.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.EventType()
	}
	return out
}

type fixture struct {
	clock    *testClock
	rates    *rateStub
	ledger   *ledger.Ledger
	params   *state.RiskParamsManager
	margin   *state.MarginEngine
	pm       *state.PositionManager
	le       *state.LiquidationEngine
	events   *recorder
	governor uuid.UUID
}

func newFixture(t *testing.T, params state.RiskParams) *fixture {
	t.Helper()
	f := newUnfundedFixture(t, params)
	f.fund(t, ledger.SwapPoolAccount(usdc), 100_000)
	return f
}

// newUnfundedFixture leaves the swap pool empty.
func newUnfundedFixture(t *testing.T, params state.RiskParams) *fixture {
	t.Helper()

	f := &fixture{
		clock:    &testClock{now: time.Unix(1_700_000_000, 0)},
		rates:    &rateStub{},
		events:   &recorder{},
		governor: uuid.New(),
	}
	f.rates.Set(pct(8))
	f.ledger = ledger.New(usdc, ledger.WithClock(f.clock.Now))

	var err error
	f.params, err = state.NewRiskParamsManager(f.governor, params)
	if err != nil {
		t.Fatalf("risk params: %v", err)
	}
	opts := []state.Option{state.WithClock(f.clock.Now), state.WithEventSink(f.events)}
	f.margin, err = state.NewMarginEngine(f.params, f.rates, opts...)
	if err != nil {
		t.Fatalf("margin engine: %v", err)
	}
	f.pm = state.NewPositionManager(f.ledger, f.margin, opts...)
	f.le, err = state.NewLiquidationEngine(f.pm, append(opts, state.WithBatchConcurrency(4))...)
	if err != nil {
		t.Fatalf("liquidation engine: %v", err)
	}
	return f
}

func (f *fixture) fund(t *testing.T, account ledger.AccountKey, amount int64) {
	t.Helper()
	if err := f.ledger.Fund(context.Background(), account, units(amount)); err != nil {
		t.Fatalf("fund %s: %v", account.AccountPath(), err)
	}
}

func (f *fixture) trader(t *testing.T, balance int64) uuid.UUID {
	t.Helper()
	id := uuid.New()
	if err := f.ledger.Deposit(context.Background(), id, units(balance)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	return id
}

func (f *fixture) open(t *testing.T, trader uuid.UUID, notional, margin int64, days int64) *state.Position {
	t.Helper()
	pos, err := f.pm.OpenPosition(context.Background(), trader, state.OpenRequest{
		IsPayingFixed: true,
		Notional:      units(notional),
		FixedRate:     pct(5),
		MaturityDays:  days,
		Margin:        units(margin),
	})
	if err != nil {
		t.Fatalf("open position: %v", err)
	}
	return pos
}

// seed restores positions directly and backs their margin in the vault.
func (f *fixture) seed(t *testing.T, positions ...*state.Position) {
	t.Helper()
	if err := f.pm.Restore(positions); err != nil {
		t.Fatalf("restore: %v", err)
	}
	total := new(big.Int)
	for _, p := range positions {
		if p.IsActive {
			total.Add(total, p.Margin)
		}
	}
	if total.Sign() > 0 {
		if err := f.ledger.Fund(context.Background(), ledger.MarginVaultAccount(usdc), total); err != nil {
			t.Fatalf("fund vault: %v", err)
		}
	}
}

// seeded builds an active pay-fixed position opened now with no elapsed accrual.
func (f *fixture) seeded(id uint64, trader uuid.UUID, margin, accumulated int64) *state.Position {
	now := f.clock.Now().Unix()
	return &state.Position{
		ID:             id,
		Trader:         trader,
		IsPayingFixed:  true,
		StartTime:      now,
		Maturity:       now + 90*fpmath.SecondsPerDay,
		IsActive:       true,
		Notional:       units(10_000),
		Margin:         units(margin),
		FixedRate:      pct(5),
		AccumulatedPnL: units(accumulated),
		LastSettlement: now,
		Status:         state.PositionStatusActive,
		Version:        1,
	}
}

// checkVault asserts the vault holds exactly the margin of active positions.
func (f *fixture) checkVault(t *testing.T) {
	t.Helper()
	total := new(big.Int)
	for _, p := range f.pm.Positions() {
		if p.IsActive {
			total.Add(total, p.Margin)
		}
	}
	if got := f.ledger.Balance(ledger.MarginVaultAccount(usdc)); got.Cmp(total) != 0 {
		t.Fatalf("vault balance %s, active margin %s", fpmath.FormatWad(got), fpmath.FormatWad(total))
	}
	if err := f.ledger.CheckInvariants(); err != nil {
		t.Fatalf("ledger invariants: %v", err)
	}
}

func units(n int64) *big.Int { return fpmath.FromUnits(n) }

func days(n int64) time.Duration { return time.Duration(n) * 24 * time.Hour }

func pct(n int64) *big.Int { return fpmath.PercentToWad(n) }

func wad(s string) *big.Int { return fpmath.MustParseWad(s) }

func lowIMR() state.RiskParams {
	p := state.DefaultRiskParams()
	p.InitialMarginRatio = pct(5)
	p.MaintenanceMarginRatio = pct(4)
	return p
}

func mustKind(t *testing.T, err error, kind errs.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	if got := errs.KindOf(err); got != kind {
		t.Fatalf("expected kind %s, got %s (%v)", kind, got, err)
	}
}

func mustEqual(t *testing.T, what string, got, want *big.Int) {
	t.Helper()
	if got.Cmp(want) != 0 {
		t.Fatalf("%s: got %s, want %s", what, got, want)
	}
}
