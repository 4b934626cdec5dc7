package state

import (
	"IRSLedger/internal/event"
	fpmath "IRSLedger/internal/math"
	"IRSLedger/internal/oracle"
	"context"
	"fmt"
	"math/big"
)

// SettlementResult describes one settlement interval.
type SettlementResult struct {
	PositionID     uint64
	FloatingRate   *big.Int
	Legs           fpmath.SwapLegs
	Delta          *big.Int // Signed, trader's point of view
	AccumulatedPnL *big.Int
	ElapsedSeconds int64
	SettledAt      int64
}

// settle accrues both legs from lastSettlement to min(now, maturity) into
// AccumulatedPnL. A zero-length window is a no-op. Operates on pos in place;
// callers pass a clone.
func settle(pos *Position, rate oracle.RateSnapshot, now int64) (SettlementResult, error) {
	result := SettlementResult{
		PositionID:   pos.ID,
		FloatingRate: new(big.Int).Set(rate.Rate),
		Delta:        new(big.Int),
		Legs:         fpmath.SwapLegs{FixedLeg: new(big.Int), FloatingLeg: new(big.Int)},
	}

	elapsed := settlementWindow(pos, now)
	if elapsed <= 0 {
		result.AccumulatedPnL = new(big.Int).Set(pos.AccumulatedPnL)
		result.SettledAt = pos.LastSettlement
		return result, nil
	}

	delta, legs, err := fpmath.ComputeSettlementDelta(pos.Notional, pos.FixedRate, rate.Rate, elapsed, pos.IsPayingFixed)
	if err != nil {
		return SettlementResult{}, fmt.Errorf("settle position %d: %w", pos.ID, err)
	}

	accumulated := new(big.Int).Add(pos.AccumulatedPnL, delta)
	if err := fpmath.CheckInt256(accumulated); err != nil {
		return SettlementResult{}, fmt.Errorf("settle position %d: accumulated pnl: %w", pos.ID, err)
	}

	pos.AccumulatedPnL = accumulated
	pos.LastSettlement += elapsed
	pos.Version++

	result.Legs = legs
	result.Delta = delta
	result.AccumulatedPnL = new(big.Int).Set(accumulated)
	result.ElapsedSeconds = elapsed
	result.SettledAt = pos.LastSettlement
	return result, nil
}

func (r SettlementResult) event() *event.PositionSettled {
	return &event.PositionSettled{
		Position:       r.PositionID,
		FloatingRate:   r.FloatingRate,
		FixedLeg:       r.Legs.FixedLeg,
		FloatingLeg:    r.Legs.FloatingLeg,
		Delta:          r.Delta,
		AccumulatedPnL: r.AccumulatedPnL,
		ElapsedSeconds: r.ElapsedSeconds,
		SettledAt:      r.SettledAt,
	}
}

// Settle accrues the position up to now at the current oracle rate. Settling
// twice at the same instant changes nothing the second time.
func (pm *PositionManager) Settle(ctx context.Context, id uint64) (SettlementResult, error) {
	const op = "positions.Settle"

	if err := ctx.Err(); err != nil {
		return SettlementResult{}, err
	}

	sl, err := pm.lockActive(op, id)
	if err != nil {
		return SettlementResult{}, err
	}
	defer sl.mu.Unlock()

	rate, err := pm.rates.CurrentRate()
	if err != nil {
		return SettlementResult{}, fmt.Errorf("settle position %d: %w", id, err)
	}

	work := sl.pos.Clone()
	result, err := settle(work, rate, pm.now().Unix())
	if err != nil {
		return SettlementResult{}, err
	}
	if result.ElapsedSeconds == 0 {
		return result, nil
	}

	*sl.pos = *work
	pm.metrics.ObserveSettlement()
	pm.events.Emit(result.event())
	return result, nil
}

// SettleAll settles every active position, returning per-position failures.
func (pm *PositionManager) SettleAll(ctx context.Context) (int, map[uint64]error) {
	failed := make(map[uint64]error)
	settled := 0
	for _, id := range pm.ActivePositionIDs() {
		if ctx.Err() != nil {
			failed[id] = ctx.Err()
			continue
		}
		r, err := pm.Settle(ctx, id)
		switch {
		case err != nil:
			failed[id] = err
		case r.ElapsedSeconds > 0:
			settled++
		}
	}
	return settled, failed
}
