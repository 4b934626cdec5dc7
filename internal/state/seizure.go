package state

import (
	"IRSLedger/internal/errs"
	"IRSLedger/internal/event"
	"IRSLedger/internal/ledger"
	"context"
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// LiquidationSplit divides seized margin between liquidator and protocol.
// Reward + Revenue == Seized.
type LiquidationSplit struct {
	Seized  *big.Int
	Fee     *big.Int // Seized * protocol fee
	Bonus   *big.Int // Seized * min(liquidation bonus, protocol fee)
	Reward  *big.Int // Seized - Fee + Bonus, paid to the liquidator
	Revenue *big.Int // Fee - Bonus, kept by the protocol
}

func (s LiquidationSplit) validate(margin *big.Int) error {
	for _, v := range []*big.Int{s.Seized, s.Fee, s.Bonus, s.Reward, s.Revenue} {
		if v == nil || v.Sign() < 0 {
			return fmt.Errorf("liquidation split has a negative or missing amount")
		}
	}
	if s.Seized.Cmp(margin) > 0 {
		return fmt.Errorf("seizing %s exceeds margin %s", s.Seized, margin)
	}
	total := new(big.Int).Add(s.Reward, s.Revenue)
	if total.Cmp(s.Seized) != 0 {
		return fmt.Errorf("reward %s + revenue %s != seized %s", s.Reward, s.Revenue, s.Seized)
	}
	return nil
}

// SeizePlan is the liquidation engine's decision for one position.
type SeizePlan struct {
	Split      LiquidationSplit
	AllowClose bool // Close when the remainder is zero or still liquidatable
}

// SeizePlanner decides a plan from a copy of the position and its health. It
// runs under the position lock and must not call back into the manager.
type SeizePlanner func(pos *Position, report HealthReport, params RiskParams) (SeizePlan, error)

// SeizeOutcome reports a committed seizure.
type SeizeOutcome struct {
	PositionID      uint64
	Before          HealthReport
	After           *HealthReport // Nil when the position was closed
	Split           LiquidationSplit
	RemainingMargin *big.Int // Margin left after the seizure, before any close payout
	Closed          bool
	Close           *CloseResult
}

// Seize is the liquidation critical section: evaluate health, apply the
// planner's split, and close the position if allowed and still required.
// Only the registered liquidation engine may call it.
func (pm *PositionManager) Seize(ctx context.Context, caller, liquidator uuid.UUID, id uint64, planner SeizePlanner) (SeizeOutcome, error) {
	const op = "positions.Seize"

	if err := ctx.Err(); err != nil {
		return SeizeOutcome{}, err
	}
	if !pm.isLiquidationEngine(caller) {
		return SeizeOutcome{}, errs.Wrap(errs.Unauthorized, op, ErrNotLiquidationEngine)
	}
	if liquidator == uuid.Nil {
		return SeizeOutcome{}, errs.Wrap(errs.InvalidInput, op, ErrInvalidOwner)
	}

	sl, err := pm.lockActive(op, id)
	if err != nil {
		return SeizeOutcome{}, err
	}
	defer sl.mu.Unlock()

	rate, err := pm.rates.CurrentRate()
	if err != nil {
		return SeizeOutcome{}, fmt.Errorf("liquidate position %d: %w", id, err)
	}
	params := pm.margin.params.Get()
	now := pm.now().Unix()

	before, err := pm.margin.healthAt(sl.pos, rate, params, now, true)
	if err != nil {
		return SeizeOutcome{}, err
	}
	plan, err := planner(sl.pos.Clone(), before, params)
	if err != nil {
		return SeizeOutcome{}, err
	}
	if err := plan.Split.validate(sl.pos.Margin); err != nil {
		return SeizeOutcome{}, errs.Wrap(errs.StateConflict, op, err)
	}

	work := sl.pos.Clone()
	work.Margin.Sub(work.Margin, plan.Split.Seized)
	work.Version++

	vault := ledger.MarginVaultAccount(pm.asset)
	legs := []ledger.Transfer{
		{From: vault, To: ledger.WalletAccount(liquidator, pm.asset), Amount: plan.Split.Reward, Type: ledger.JournalTypeLiquidationReward},
		{From: vault, To: ledger.FeeAccount(pm.asset), Amount: plan.Split.Revenue, Type: ledger.JournalTypeLiquidationFee},
	}

	outcome := SeizeOutcome{
		PositionID:      id,
		Before:          before,
		Split:           plan.Split,
		RemainingMargin: cloneInt(work.Margin),
	}

	closeNow := false
	var after HealthReport
	if plan.AllowClose && work.Margin.Sign() == 0 {
		closeNow = true
	} else {
		after, err = pm.margin.healthAt(work, rate, params, now, false)
		if err != nil {
			return SeizeOutcome{}, err
		}
		closeNow = plan.AllowClose && after.Liquidatable
	}

	if closeNow {
		pm.insMu.Lock()
		defer pm.insMu.Unlock()

		settlement, err := settle(work, rate, now)
		if err != nil {
			return SeizeOutcome{}, err
		}
		result, closeLegs, err := pm.closeOut(work, PositionStatusLiquidated, now)
		if err != nil {
			return SeizeOutcome{}, errs.Wrap(errs.StateConflict, op, err)
		}
		result.Settlement = settlement
		legs = append(legs, closeLegs...)
		outcome.Closed = true
		outcome.Close = &result
	} else {
		outcome.After = &after
	}

	if _, err := pm.vault.Execute(ctx, fmt.Sprintf("liquidate:%d:%d", id, work.Version), legs...); err != nil {
		return SeizeOutcome{}, fmt.Errorf("liquidate position %d: %w", id, err)
	}

	liquidated := &event.PositionLiquidated{
		Position:        id,
		Liquidator:      liquidator,
		HealthFactor:    before.HealthFactor,
		Seized:          plan.Split.Seized,
		Fee:             plan.Split.Fee,
		Bonus:           plan.Split.Bonus,
		Reward:          plan.Split.Reward,
		Revenue:         plan.Split.Revenue,
		RemainingMargin: outcome.RemainingMargin,
		Partial:         !plan.AllowClose,
		Closed:          outcome.Closed,
		Version:         work.Version,
		Timestamp:       now,
	}

	if !outcome.Closed {
		*sl.pos = *work
	}
	pm.events.Emit(liquidated)
	if outcome.Closed {
		pm.finish(sl, work, *outcome.Close)
	}
	return outcome, nil
}
