package state

import (
	"IRSLedger/internal/errs"
	fpmath "IRSLedger/internal/math"
	"IRSLedger/internal/observability"
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// LiquidationResult describes one successful liquidation.
type LiquidationResult struct {
	PositionID      uint64
	ActionID        uuid.UUID
	State           ActionState // Closed or Reduced
	HealthFactor    *big.Int    // Before the seizure
	Split           LiquidationSplit
	RemainingMargin *big.Int
	Closed          bool
	Close           *CloseResult
}

// ItemFailure is one failed item of a batch.
type ItemFailure struct {
	PositionID uint64
	Err        error
}

// BatchResult aggregates a batch. No item failure aborts the batch.
type BatchResult struct {
	LiquidatedCount int
	TotalReward     *big.Int
	Succeeded       []LiquidationResult
	Failed          []ItemFailure
}

// LiquidationEngine seizes margin from unhealthy positions.
type LiquidationEngine struct {
	id          uuid.UUID
	positions   *PositionManager
	margin      *MarginEngine
	actions     *PositionActionManager
	signal      SignalHandler
	concurrency int

	now     func() time.Time
	logger  zerolog.Logger
	metrics *observability.Metrics
}

// NewLiquidationEngine creates the engine and registers it as the manager's
// only seizing authority.
func NewLiquidationEngine(pm *PositionManager, opts ...Option) (*LiquidationEngine, error) {
	o := buildOptions(opts)
	le := &LiquidationEngine{
		id:          uuid.New(),
		positions:   pm,
		margin:      pm.margin,
		actions:     NewPositionActionManager(),
		signal:      &LiquidationSignalHandler{},
		concurrency: o.batchConcurrency,
		now:         o.now,
		logger:      o.logger,
		metrics:     o.metrics,
	}
	if err := pm.RegisterLiquidationEngine(le.id); err != nil {
		return nil, err
	}
	return le, nil
}

// ID is the engine's caller identity towards the position manager.
func (le *LiquidationEngine) ID() uuid.UUID {
	return le.id
}

// Actions exposes recorded liquidation attempts.
func (le *LiquidationEngine) Actions() *PositionActionManager {
	return le.actions
}

// ComputeSplit applies fee and capped bonus to a seized amount.
func ComputeSplit(seized *big.Int, params RiskParams) LiquidationSplit {
	fee := fpmath.WadMul(seized, params.ProtocolFee)
	bonus := fpmath.WadMul(seized, fpmath.Min(params.LiquidationBonus, params.ProtocolFee))

	reward := new(big.Int).Sub(seized, fee)
	reward.Add(reward, bonus)

	return LiquidationSplit{
		Seized:  new(big.Int).Set(seized),
		Fee:     fee,
		Bonus:   bonus,
		Reward:  reward,
		Revenue: new(big.Int).Sub(fee, bonus),
	}
}

// seizable caps an amount at margin * MaxLiquidationRatio.
func seizable(margin, requested *big.Int, params RiskParams) *big.Int {
	limit := fpmath.Min(margin, fpmath.WadMul(margin, params.MaxLiquidationRatio))
	if requested == nil {
		return limit
	}
	return fpmath.Min(requested, limit)
}

// Liquidate seizes min(margin, margin * MaxLiquidationRatio) from a
// liquidatable position and fully closes it when the remainder is zero or
// still liquidatable.
func (le *LiquidationEngine) Liquidate(ctx context.Context, liquidator uuid.UUID, id uint64) (LiquidationResult, error) {
	return le.run(ctx, ActionTypeLiquidation, liquidator, id, nil)
}

// PartialLiquidate applies the same split to a caller-chosen amount, capped
// by the liquidation ratio. It never closes the position.
func (le *LiquidationEngine) PartialLiquidate(ctx context.Context, liquidator uuid.UUID, id uint64, amount *big.Int) (LiquidationResult, error) {
	if err := positiveAmount("liquidation.PartialLiquidate", amount); err != nil {
		return LiquidationResult{}, err
	}
	return le.run(ctx, ActionTypePartialLiquidation, liquidator, id, amount)
}

func (le *LiquidationEngine) run(ctx context.Context, actionType ActionType, liquidator uuid.UUID, id uint64, requested *big.Int) (LiquidationResult, error) {
	const op = "liquidation.Liquidate"

	action := le.actions.begin(actionType, id, liquidator, le.now().Unix())
	partial := actionType == ActionTypePartialLiquidation

	planner := func(pos *Position, report HealthReport, params RiskParams) (SeizePlan, error) {
		if !le.signal.Evaluate(report) {
			return SeizePlan{}, errs.Wrap(errs.StateConflict, op, &NotLiquidatableError{
				PositionID:   pos.ID,
				HealthFactor: new(big.Int).Set(report.HealthFactor),
				Threshold:    new(big.Int).Set(report.Threshold),
			})
		}
		if err := le.actions.update(action, func(a *PositionAction) error { return a.advance(ActionStateLiquidatable) }); err != nil {
			return SeizePlan{}, errs.Wrap(errs.StateConflict, op, err)
		}

		seized := seizable(pos.Margin, requested, params)
		if partial && seized.Sign() == 0 {
			return SeizePlan{}, errs.E(errs.StateConflict, op, "position %d has no margin to seize", pos.ID)
		}

		next := ActionStateFullLiquidation
		if partial {
			next = ActionStatePartialLiquidation
		}
		if err := le.actions.update(action, func(a *PositionAction) error { return a.advance(next) }); err != nil {
			return SeizePlan{}, errs.Wrap(errs.StateConflict, op, err)
		}
		return SeizePlan{Split: ComputeSplit(seized, params), AllowClose: !partial}, nil
	}

	outcome, err := le.positions.Seize(ctx, le.id, liquidator, id, planner)
	if err != nil {
		le.fail(action, id, err)
		return LiquidationResult{}, err
	}

	final := ActionStateReduced
	if outcome.Closed {
		final = ActionStateClosed
	}
	if err := le.actions.update(action, func(a *PositionAction) error { return a.advance(final) }); err != nil {
		// Seizure already committed
		le.logger.Error().Err(err).Uint64("position_id", id).Msg("liquidation attempt transition rejected")
	}
	le.actions.complete(action, le.now().Unix(), "")

	le.metrics.ObserveLiquidation(final.String(),
		fpmath.WadToFloat64(outcome.Split.Seized),
		fpmath.WadToFloat64(outcome.Split.Reward),
		fpmath.WadToFloat64(outcome.Split.Revenue))
	le.logger.Info().
		Uint64("position_id", id).
		Str("liquidator", liquidator.String()).
		Str("type", actionType.String()).
		Str("health_factor", fpmath.FormatWad(outcome.Before.HealthFactor)).
		Str("seized", fpmath.FormatWad(outcome.Split.Seized)).
		Str("reward", fpmath.FormatWad(outcome.Split.Reward)).
		Str("revenue", fpmath.FormatWad(outcome.Split.Revenue)).
		Bool("closed", outcome.Closed).
		Msg("position liquidated")

	return LiquidationResult{
		PositionID:      id,
		ActionID:        action.ActionID,
		State:           final,
		HealthFactor:    new(big.Int).Set(outcome.Before.HealthFactor),
		Split:           outcome.Split,
		RemainingMargin: outcome.RemainingMargin,
		Closed:          outcome.Closed,
		Close:           outcome.Close,
	}, nil
}

func (le *LiquidationEngine) fail(action *PositionAction, id uint64, err error) {
	le.actions.complete(action, le.now().Unix(), err.Error())

	var notLiquidatable *NotLiquidatableError
	if errors.As(err, &notLiquidatable) {
		le.metrics.ObserveLiquidation("rejected", 0, 0, 0)
		le.logger.Debug().
			Uint64("position_id", id).
			Str("health_factor", fpmath.FormatWad(notLiquidatable.HealthFactor)).
			Msg("liquidation rejected: position healthy")
		return
	}
	le.metrics.ObserveLiquidation("failed", 0, 0, 0)
	le.logger.Warn().Err(err).Uint64("position_id", id).Msg("liquidation failed")
}

// BatchLiquidate liquidates ids concurrently. Each item succeeds or fails on
// its own; results keep input order.
func (le *LiquidationEngine) BatchLiquidate(ctx context.Context, liquidator uuid.UUID, ids []uint64) BatchResult {
	type item struct {
		res LiquidationResult
		err error
	}
	items := make([]item, len(ids))

	var g errgroup.Group
	g.SetLimit(le.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				items[i].err = err
				return nil
			}
			res, err := le.Liquidate(ctx, liquidator, id)
			items[i] = item{res: res, err: err}
			return nil
		})
	}
	_ = g.Wait()

	result := BatchResult{TotalReward: new(big.Int)}
	for i, it := range items {
		if it.err != nil {
			result.Failed = append(result.Failed, ItemFailure{PositionID: ids[i], Err: it.err})
			continue
		}
		result.LiquidatedCount++
		result.TotalReward.Add(result.TotalReward, it.res.Split.Reward)
		result.Succeeded = append(result.Succeeded, it.res)
	}

	le.logger.Info().
		Int("requested", len(ids)).
		Int("liquidated", result.LiquidatedCount).
		Int("failed", len(result.Failed)).
		Str("total_reward", fpmath.FormatWad(result.TotalReward)).
		Msg("batch liquidation finished")
	return result
}

// ScanLiquidatable returns active positions whose health currently triggers
// liquidation. It fails on stale rates rather than reporting nothing.
func (le *LiquidationEngine) ScanLiquidatable(ctx context.Context) ([]uint64, error) {
	var out []uint64
	for _, id := range le.positions.ActivePositionIDs() {
		report, err := le.margin.Report(ctx, id)
		switch {
		case errors.Is(err, errs.StateConflict) || errors.Is(err, errs.NotFound):
			continue // Closed between listing and evaluation
		case err != nil:
			return nil, fmt.Errorf("scan position %d: %w", id, err)
		}
		if le.signal.Evaluate(report) {
			out = append(out, id)
		}
	}
	return out, nil
}
