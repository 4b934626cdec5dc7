package persistence

import (
	"IRSLedger/internal/core"
	"IRSLedger/internal/ledger"
	"IRSLedger/internal/oracle"
	"IRSLedger/internal/state"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// Components are the in-memory stores a snapshot covers.
type Components struct {
	Dispatcher *core.Dispatcher // nil while restoring
	Ledger     *ledger.Ledger
	Positions  *state.PositionManager
	Oracle     *oracle.RateOracle
	Risk       *state.RiskParamsManager
}

// Capture copies the state of every component. Call it once mutations have
// stopped so the copy matches the dispatcher's chain tip.
func Capture(c Components, now time.Time) *SnapshotData {
	seq, tip := c.Dispatcher.Tip()

	balances, ledgerSeq := c.Ledger.State()
	snap := &SnapshotData{
		Sequence:        seq,
		StateHash:       append([]byte(nil), tip[:]...),
		Balances:        make(map[string]string, len(balances)),
		LedgerSequence:  ledgerSeq,
		IdempotencyKeys: c.Dispatcher.Idempotency().Keys(),
		CreatedAt:       now.UTC(),
	}
	for key, bal := range balances {
		snap.Balances[key.AccountPath()] = bal.String()
	}

	for _, p := range c.Positions.Positions() {
		snap.Positions = append(snap.Positions, PositionSnapshot{
			ID:             p.ID,
			Trader:         p.Trader.String(),
			IsPayingFixed:  p.IsPayingFixed,
			StartTime:      p.StartTime,
			Maturity:       p.Maturity,
			IsActive:       p.IsActive,
			Notional:       p.Notional.String(),
			Margin:         p.Margin.String(),
			FixedRate:      p.FixedRate.String(),
			AccumulatedPnL: p.AccumulatedPnL.String(),
			LastSettlement: p.LastSettlement,
			Status:         p.Status.String(),
			ClosedAt:       p.ClosedAt,
			Version:        p.Version,
		})
	}

	for _, r := range c.Oracle.Snapshots() {
		snap.Rates = append(snap.Rates, RateSnap{Rate: r.Rate.String(), Timestamp: r.Timestamp})
	}

	params := c.Risk.Get()
	snap.RiskParams = RiskParamsSnap{Values: make(map[string]string), Version: params.Version}
	for name, v := range params.Values() {
		snap.RiskParams.Values[name] = v.String()
	}
	return snap
}

// Apply loads a snapshot into fresh components. The dispatcher is built
// afterwards from the snapshot's sequence and tip.
func Apply(snap *SnapshotData, c Components) error {
	balances := make(map[ledger.AccountKey]*big.Int, len(snap.Balances))
	for path, raw := range snap.Balances {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return fmt.Errorf("snapshot balance: %w", err)
		}
		bal, err := parseInt("balance "+path, raw)
		if err != nil {
			return err
		}
		balances[key] = bal
	}

	positions := make([]*state.Position, 0, len(snap.Positions))
	for _, ps := range snap.Positions {
		p, err := ps.position()
		if err != nil {
			return err
		}
		positions = append(positions, p)
	}

	rates := make([]oracle.RateSnapshot, 0, len(snap.Rates))
	for _, r := range snap.Rates {
		rate, err := parseInt("rate", r.Rate)
		if err != nil {
			return err
		}
		rates = append(rates, oracle.RateSnapshot{Rate: rate, Timestamp: r.Timestamp})
	}

	values := make(map[string]*big.Int, len(snap.RiskParams.Values))
	for name, raw := range snap.RiskParams.Values {
		v, err := parseInt(name, raw)
		if err != nil {
			return err
		}
		values[name] = v
	}
	params, err := state.RiskParamsFromValues(values, snap.RiskParams.Version)
	if err != nil {
		return fmt.Errorf("snapshot risk params: %w", err)
	}

	// Components are fresh at startup; a failure here aborts the process
	if err := c.Risk.Restore(params); err != nil {
		return err
	}
	if err := c.Oracle.Restore(rates); err != nil {
		return err
	}
	if err := c.Positions.Restore(positions); err != nil {
		return err
	}
	c.Ledger.Restore(balances, snap.LedgerSequence)
	return nil
}

// Tip returns the chain tip recorded in the snapshot.
func (s *SnapshotData) Tip() ([32]byte, error) {
	var tip [32]byte
	if len(s.StateHash) != len(tip) {
		return tip, fmt.Errorf("snapshot %d: malformed state hash", s.Sequence)
	}
	copy(tip[:], s.StateHash)
	return tip, nil
}

func (ps PositionSnapshot) position() (*state.Position, error) {
	trader, err := uuid.Parse(ps.Trader)
	if err != nil {
		return nil, fmt.Errorf("position %d trader: %w", ps.ID, err)
	}
	status, ok := state.ParsePositionStatus(ps.Status)
	if !ok {
		return nil, fmt.Errorf("position %d: unknown status %q", ps.ID, ps.Status)
	}

	p := &state.Position{
		ID:             ps.ID,
		Trader:         trader,
		IsPayingFixed:  ps.IsPayingFixed,
		StartTime:      ps.StartTime,
		Maturity:       ps.Maturity,
		IsActive:       ps.IsActive,
		LastSettlement: ps.LastSettlement,
		Status:         status,
		ClosedAt:       ps.ClosedAt,
		Version:        ps.Version,
	}
	fields := []struct {
		name string
		raw  string
		dst  **big.Int
	}{
		{"notional", ps.Notional, &p.Notional},
		{"margin", ps.Margin, &p.Margin},
		{"fixed_rate", ps.FixedRate, &p.FixedRate},
		{"accumulated_pnl", ps.AccumulatedPnL, &p.AccumulatedPnL},
	}
	for _, f := range fields {
		v, err := parseInt(fmt.Sprintf("position %d %s", ps.ID, f.name), f.raw)
		if err != nil {
			return nil, err
		}
		*f.dst = v
	}
	return p, nil
}

func parseInt(what, raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("snapshot %s: not an integer: %q", what, raw)
	}
	return v, nil
}
