package state

import (
	"IRSLedger/internal/errs"
	"IRSLedger/internal/event"
	"IRSLedger/internal/ledger"
	fpmath "IRSLedger/internal/math"
	"IRSLedger/internal/observability"
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Vault moves margin-asset funds. *ledger.Ledger implements it; Execute is
// all-or-nothing.
type Vault interface {
	AssetID() ledger.AssetID
	Execute(ctx context.Context, ref string, legs ...ledger.Transfer) (*ledger.Batch, error)
	Balance(key ledger.AccountKey) *big.Int
}

// OpenRequest describes a new swap.
type OpenRequest struct {
	IsPayingFixed bool
	Notional      *big.Int
	FixedRate     *big.Int // Annual WAD, at most 100%
	MaturityDays  int64
	Margin        *big.Int
}

// CloseResult describes a terminal transition.
type CloseResult struct {
	PositionID       uint64
	Status           PositionStatus
	Payout           *big.Int // max(0, margin + accumulated)
	AccumulatedPnL   *big.Int
	Shortfall        *big.Int // Loss beyond margin, absorbed by the protocol
	InsuranceCovered *big.Int // Part of the shortfall paid by the insurance fund
	ProfitCovered    *big.Int // Part of the profit paid by the insurance fund
	Unpaid           *big.Int // Profit neither the pool nor the fund could pay
	Settlement       SettlementResult
}

var maxFixedRate = fpmath.PercentToWad(100)

// PositionManager owns the position store and every mutation of it. Each
// mutation runs under the position's lock: ledger transfers first, then the
// in-memory commit, so a failure leaves both unchanged.
type PositionManager struct {
	store     *positionStore
	margin    *MarginEngine
	rates     RateProvider
	vault     Vault
	insurance *InsuranceFund
	asset     ledger.AssetID

	liqMu      sync.RWMutex
	liquidator uuid.UUID

	// Held from the insurance balance read in closeOut until the close executes
	insMu sync.Mutex

	now     func() time.Time
	logger  zerolog.Logger
	metrics *observability.Metrics
	events  EventSink
}

// NewPositionManager binds the margin engine to the new manager's store.
func NewPositionManager(vault Vault, margin *MarginEngine, opts ...Option) *PositionManager {
	o := buildOptions(opts)
	pm := &PositionManager{
		store:     newPositionStore(),
		margin:    margin,
		rates:     margin.rates,
		vault:     vault,
		insurance: NewInsuranceFund(vault.AssetID()),
		asset:     vault.AssetID(),
		now:       o.now,
		logger:    o.logger,
		metrics:   o.metrics,
		events:    o.events,
	}
	margin.positions = pm
	return pm
}

// RegisterLiquidationEngine records the only identity allowed to seize margin.
func (pm *PositionManager) RegisterLiquidationEngine(id uuid.UUID) error {
	pm.liqMu.Lock()
	defer pm.liqMu.Unlock()

	if pm.liquidator != uuid.Nil && pm.liquidator != id {
		return errs.E(errs.StateConflict, "positions.RegisterLiquidationEngine", "liquidation engine already registered")
	}
	pm.liquidator = id
	return nil
}

func (pm *PositionManager) isLiquidationEngine(caller uuid.UUID) bool {
	pm.liqMu.RLock()
	defer pm.liqMu.RUnlock()
	return caller != uuid.Nil && caller == pm.liquidator
}

func notFound(op string, id uint64) error {
	return errs.Wrap(errs.NotFound, op, fmt.Errorf("%w: %d", ErrPositionNotFound, id))
}

// lockActive returns the locked slot of an active position.
func (pm *PositionManager) lockActive(op string, id uint64) (*positionSlot, error) {
	sl, err := pm.store.slot(id)
	if err != nil {
		return nil, notFound(op, id)
	}
	sl.mu.Lock()
	if !sl.pos.IsActive {
		sl.mu.Unlock()
		return nil, errs.Wrap(errs.StateConflict, op, fmt.Errorf("%w: %d is %s", ErrPositionNotActive, id, sl.pos.Status))
	}
	return sl, nil
}

func positiveAmount(op string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return errs.Wrap(errs.InvalidInput, op, ErrInvalidAmount)
	}
	return errs.Wrap(errs.Overflow, op, fpmath.CheckUint256(amount))
}

// OpenPosition validates sizing against the margin engine, pulls the margin
// from the trader's wallet and records the position.
func (pm *PositionManager) OpenPosition(ctx context.Context, trader uuid.UUID, req OpenRequest) (*Position, error) {
	const op = "positions.Open"

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if trader == uuid.Nil {
		return nil, errs.Wrap(errs.InvalidInput, op, ErrInvalidOwner)
	}
	if err := validateSizing(op, req.Notional, req.MaturityDays); err != nil {
		return nil, err
	}
	if err := fpmath.CheckUint256(req.Notional); err != nil {
		return nil, errs.Wrap(errs.Overflow, op, err)
	}
	if req.FixedRate == nil || req.FixedRate.Sign() < 0 || req.FixedRate.Cmp(maxFixedRate) > 0 {
		return nil, errs.Wrap(errs.InvalidInput, op, ErrInvalidFixedRate)
	}
	if err := positiveAmount(op, req.Margin); err != nil {
		return nil, err
	}

	params := pm.margin.params.Get()
	required, err := initialMargin(params, req.Notional, req.MaturityDays)
	if err != nil {
		return nil, err
	}
	if req.Margin.Cmp(required) < 0 {
		return nil, errs.Wrap(errs.InsufficientFunds, op, &InsufficientMarginError{
			Required: required,
			Provided: new(big.Int).Set(req.Margin),
		})
	}
	limit, err := maxNotional(params, req.Margin, req.MaturityDays)
	if err != nil {
		return nil, err
	}
	if req.Notional.Cmp(limit) > 0 {
		return nil, errs.Wrap(errs.InsufficientFunds, op, &MaxNotionalError{
			Requested: new(big.Int).Set(req.Notional),
			Max:       limit,
		})
	}

	now := pm.now().Unix()
	tenor, err := fpmath.DaysToSeconds(req.MaturityDays)
	if err != nil {
		return nil, errs.Wrap(errs.Overflow, op, err)
	}
	maturity, err := fpmath.AddSeconds(now, tenor)
	if err != nil {
		return nil, errs.Wrap(errs.Overflow, op, err)
	}
	pos := &Position{
		Trader:         trader,
		IsPayingFixed:  req.IsPayingFixed,
		StartTime:      now,
		Maturity:       maturity,
		IsActive:       true,
		Notional:       new(big.Int).Set(req.Notional),
		Margin:         new(big.Int).Set(req.Margin),
		FixedRate:      new(big.Int).Set(req.FixedRate),
		AccumulatedPnL: new(big.Int),
		LastSettlement: now,
		Status:         PositionStatusActive,
		Version:        1,
	}

	if _, err := pm.vault.Execute(ctx, "open:"+uuid.NewString(), ledger.Transfer{
		From:   ledger.WalletAccount(trader, pm.asset),
		To:     ledger.MarginVaultAccount(pm.asset),
		Amount: pos.Margin,
		Type:   ledger.JournalTypeMarginDeposit,
	}); err != nil {
		return nil, fmt.Errorf("open position: pull margin: %w", err)
	}

	opened := pos.Clone()
	opened.ID = pm.store.insert(pos)

	pm.metrics.ObservePositionOpened()
	pm.metrics.SetOpenPositions(pm.store.activeCount())
	pm.logger.Info().
		Uint64("position_id", opened.ID).
		Str("trader", trader.String()).
		Bool("paying_fixed", opened.IsPayingFixed).
		Str("notional", fpmath.FormatWad(opened.Notional)).
		Str("margin", fpmath.FormatWad(opened.Margin)).
		Int64("maturity", opened.Maturity).
		Msg("position opened")

	pm.events.Emit(&event.PositionOpened{
		Position:      opened.ID,
		Trader:        trader,
		IsPayingFixed: opened.IsPayingFixed,
		Notional:      opened.Notional,
		Margin:        opened.Margin,
		FixedRate:     opened.FixedRate,
		StartTime:     opened.StartTime,
		Maturity:      opened.Maturity,
	})
	return opened, nil
}

// AddMargin tops up an active position from the payer's wallet and returns
// the new margin.
func (pm *PositionManager) AddMargin(ctx context.Context, payer uuid.UUID, id uint64, amount *big.Int) (*big.Int, error) {
	const op = "positions.AddMargin"

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := positiveAmount(op, amount); err != nil {
		return nil, err
	}

	sl, err := pm.lockActive(op, id)
	if err != nil {
		return nil, err
	}
	defer sl.mu.Unlock()

	work := sl.pos.Clone()
	work.Margin.Add(work.Margin, amount)
	work.Version++

	if _, err := pm.vault.Execute(ctx, fmt.Sprintf("add_margin:%d:%d", id, work.Version), ledger.Transfer{
		From:   ledger.WalletAccount(payer, pm.asset),
		To:     ledger.MarginVaultAccount(pm.asset),
		Amount: amount,
		Type:   ledger.JournalTypeMarginDeposit,
	}); err != nil {
		return nil, fmt.Errorf("add margin to %d: %w", id, err)
	}

	*sl.pos = *work
	pm.logger.Debug().Uint64("position_id", id).Str("amount", fpmath.FormatWad(amount)).Msg("margin added")
	pm.events.Emit(&event.MarginAdded{
		Position:  id,
		Payer:     payer,
		Amount:    new(big.Int).Set(amount),
		Margin:    cloneInt(work.Margin),
		Version:   work.Version,
		Timestamp: pm.now().Unix(),
	})
	return cloneInt(work.Margin), nil
}

// RemoveMargin releases margin to recipient. The owner may withdraw only while
// the position stays healthy; the registered liquidation engine is not
// health-checked. Any other caller is rejected.
func (pm *PositionManager) RemoveMargin(ctx context.Context, caller uuid.UUID, id uint64, amount *big.Int, recipient uuid.UUID) (*big.Int, error) {
	const op = "positions.RemoveMargin"

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := positiveAmount(op, amount); err != nil {
		return nil, err
	}
	if recipient == uuid.Nil {
		return nil, errs.Wrap(errs.InvalidInput, op, ErrInvalidOwner)
	}

	sl, err := pm.lockActive(op, id)
	if err != nil {
		return nil, err
	}
	defer sl.mu.Unlock()

	isOwner := caller == sl.pos.Trader
	if !isOwner && !pm.isLiquidationEngine(caller) {
		return nil, errs.Wrap(errs.Unauthorized, op, ErrNotOwner)
	}
	if amount.Cmp(sl.pos.Margin) > 0 {
		return nil, errs.Wrap(errs.InsufficientFunds, op, fmt.Errorf("%w: removing %s of %s",
			ErrInsufficientMargin, fpmath.FormatWad(amount), fpmath.FormatWad(sl.pos.Margin)))
	}

	work := sl.pos.Clone()
	work.Margin.Sub(work.Margin, amount)
	work.Version++

	if isOwner {
		rate, err := pm.rates.CurrentRate()
		if err != nil {
			return nil, fmt.Errorf("remove margin from %d: %w", id, err)
		}
		report, err := pm.margin.healthAt(work, rate, pm.margin.params.Get(), pm.now().Unix(), false)
		if err != nil {
			return nil, err
		}
		if report.Liquidatable {
			return nil, errs.Wrap(errs.InsufficientFunds, op, &UnhealthyError{
				PositionID:   id,
				HealthFactor: report.HealthFactor,
				Threshold:    report.Threshold,
			})
		}
	}

	if _, err := pm.vault.Execute(ctx, fmt.Sprintf("remove_margin:%d:%d", id, work.Version), ledger.Transfer{
		From:   ledger.MarginVaultAccount(pm.asset),
		To:     ledger.WalletAccount(recipient, pm.asset),
		Amount: amount,
		Type:   ledger.JournalTypeMarginRelease,
	}); err != nil {
		return nil, fmt.Errorf("remove margin from %d: %w", id, err)
	}

	*sl.pos = *work
	pm.logger.Debug().Uint64("position_id", id).Str("amount", fpmath.FormatWad(amount)).Msg("margin removed")
	pm.events.Emit(&event.MarginRemoved{
		Position:  id,
		Recipient: recipient,
		Amount:    new(big.Int).Set(amount),
		Margin:    cloneInt(work.Margin),
		Version:   work.Version,
		Timestamp: pm.now().Unix(),
	})
	return cloneInt(work.Margin), nil
}

// closeOut realizes accumulated PnL against the swap pool, pays the remaining
// margin to the trader and marks work terminal. It returns the ledger legs
// for the caller to execute. Callers hold insMu.
//
// Profit is paid from the pool up to its balance, then from the insurance
// fund. Whatever neither can pay is recorded as Unpaid and the close still
// goes through.
func (pm *PositionManager) closeOut(work *Position, status PositionStatus, now int64) (CloseResult, []ledger.Transfer, error) {
	vault := ledger.MarginVaultAccount(pm.asset)
	pool := ledger.SwapPoolAccount(pm.asset)

	acc := work.AccumulatedPnL
	payout := new(big.Int).Add(work.Margin, acc)
	shortfall := new(big.Int)
	covered := new(big.Int)
	profitCovered := new(big.Int)
	unpaid := new(big.Int)

	var legs []ledger.Transfer
	switch acc.Sign() {
	case 1:
		fromPool := fpmath.Min(acc, fpmath.Max(pm.vault.Balance(pool), new(big.Int)))
		if fromPool.Sign() > 0 {
			legs = append(legs, ledger.Transfer{From: pool, To: vault, Amount: fromPool, Type: ledger.JournalTypeSwapPnL})
		}
		rest := new(big.Int).Sub(acc, fromPool)
		profitCovered, unpaid = pm.insurance.ComputeCoverage(pm.vault.Balance(pm.insurance.Account()), rest)
		if profitCovered.Sign() > 0 {
			legs = append(legs, pm.insurance.profitLeg(vault, profitCovered))
		}
		payout.Sub(payout, unpaid)
	case -1:
		loss := new(big.Int).Neg(acc)
		retained := fpmath.Min(loss, work.Margin)
		legs = append(legs, ledger.Transfer{From: vault, To: pool, Amount: retained, Type: ledger.JournalTypeSwapPnL})
		shortfall.Sub(loss, retained)
	}
	if payout.Sign() < 0 {
		payout.SetInt64(0)
	}
	legs = append(legs, ledger.Transfer{
		From:   vault,
		To:     ledger.WalletAccount(work.Trader, pm.asset),
		Amount: payout,
		Type:   ledger.JournalTypeMarginRelease,
	})

	if shortfall.Sign() > 0 {
		covered, _ = pm.insurance.ComputeCoverage(pm.vault.Balance(pm.insurance.Account()), shortfall)
		if covered.Sign() > 0 {
			legs = append(legs, pm.insurance.coverLeg(covered))
		}
	}

	if err := work.transition(status, now); err != nil {
		return CloseResult{}, nil, err
	}
	work.Margin = new(big.Int)
	work.Version++

	return CloseResult{
		PositionID:       work.ID,
		Status:           status,
		Payout:           payout,
		AccumulatedPnL:   new(big.Int).Set(acc),
		Shortfall:        shortfall,
		InsuranceCovered: covered,
		ProfitCovered:    profitCovered,
		Unpaid:           unpaid,
	}, legs, nil
}

func (r CloseResult) event(trader uuid.UUID, at int64) *event.PositionClosed {
	return &event.PositionClosed{
		Position:         r.PositionID,
		Trader:           trader,
		Status:           r.Status.String(),
		Payout:           r.Payout,
		AccumulatedPnL:   r.AccumulatedPnL,
		Shortfall:        r.Shortfall,
		InsuranceCovered: r.InsuranceCovered,
		ProfitCovered:    r.ProfitCovered,
		Unpaid:           r.Unpaid,
		Timestamp:        at,
	}
}

// finish commits a terminal transition that has already been executed on the ledger.
func (pm *PositionManager) finish(sl *positionSlot, work *Position, result CloseResult) {
	*sl.pos = *work
	pm.store.indexRemove(work)

	pm.metrics.ObservePositionTerminal(result.Status.String(), fpmath.WadToFloat64(result.Shortfall))
	pm.metrics.SetOpenPositions(pm.store.activeCount())

	level := zerolog.InfoLevel
	if result.Shortfall.Sign() > 0 || result.Unpaid.Sign() > 0 {
		level = zerolog.WarnLevel
	}
	pm.logger.WithLevel(level).
		Uint64("position_id", work.ID).
		Str("status", result.Status.String()).
		Str("payout", fpmath.FormatWad(result.Payout)).
		Str("accumulated_pnl", fpmath.FormatWad(result.AccumulatedPnL)).
		Str("shortfall", fpmath.FormatWad(result.Shortfall)).
		Str("insurance_covered", fpmath.FormatWad(result.InsuranceCovered)).
		Str("unpaid", fpmath.FormatWad(result.Unpaid)).
		Msg("position closed")

	if result.Settlement.ElapsedSeconds > 0 {
		pm.metrics.ObserveSettlement()
		pm.events.Emit(result.Settlement.event())
	}
	pm.events.Emit(result.event(work.Trader, work.ClosedAt))
}

// terminate settles, closes out and executes the legs for a terminal status.
func (pm *PositionManager) terminate(ctx context.Context, sl *positionSlot, status PositionStatus, minMarginOut *big.Int) (CloseResult, error) {
	const op = "positions.terminate"

	rate, err := pm.rates.CurrentRate()
	if err != nil {
		return CloseResult{}, fmt.Errorf("close position %d: %w", sl.pos.ID, err)
	}

	now := pm.now().Unix()
	work := sl.pos.Clone()
	settlement, err := settle(work, rate, now)
	if err != nil {
		return CloseResult{}, err
	}

	pm.insMu.Lock()
	defer pm.insMu.Unlock()
	result, legs, err := pm.closeOut(work, status, now)
	if err != nil {
		return CloseResult{}, errs.Wrap(errs.StateConflict, op, err)
	}
	result.Settlement = settlement

	if minMarginOut != nil && result.Payout.Cmp(minMarginOut) < 0 {
		return CloseResult{}, errs.Wrap(errs.StateConflict, op, &SlippageError{
			Payout:       result.Payout,
			MinMarginOut: new(big.Int).Set(minMarginOut),
		})
	}

	if _, err := pm.vault.Execute(ctx, fmt.Sprintf("%s:%d", status, work.ID), legs...); err != nil {
		return CloseResult{}, fmt.Errorf("close position %d: %w", work.ID, err)
	}

	pm.finish(sl, work, result)
	return result, nil
}

// ClosePosition settles and closes the caller's position, paying out
// max(0, margin + accumulated PnL). Fails if the payout is below minMarginOut.
func (pm *PositionManager) ClosePosition(ctx context.Context, caller uuid.UUID, id uint64, minMarginOut *big.Int) (CloseResult, error) {
	const op = "positions.Close"

	if err := ctx.Err(); err != nil {
		return CloseResult{}, err
	}

	sl, err := pm.lockActive(op, id)
	if err != nil {
		return CloseResult{}, err
	}
	defer sl.mu.Unlock()

	if caller != sl.pos.Trader {
		return CloseResult{}, errs.Wrap(errs.Unauthorized, op, ErrNotOwner)
	}
	return pm.terminate(ctx, sl, PositionStatusClosed, minMarginOut)
}

// ExpirePosition closes a matured position on its owner's behalf. Anyone may call it.
func (pm *PositionManager) ExpirePosition(ctx context.Context, id uint64) (CloseResult, error) {
	const op = "positions.Expire"

	if err := ctx.Err(); err != nil {
		return CloseResult{}, err
	}

	sl, err := pm.lockActive(op, id)
	if err != nil {
		return CloseResult{}, err
	}
	defer sl.mu.Unlock()

	if pm.now().Unix() < sl.pos.Maturity {
		return CloseResult{}, errs.Wrap(errs.StateConflict, op, fmt.Errorf("%w: %d matures at %d", ErrNotMatured, id, sl.pos.Maturity))
	}
	return pm.terminate(ctx, sl, PositionStatusExpired, nil)
}

// TransferPosition hands an active position to a new owner.
func (pm *PositionManager) TransferPosition(ctx context.Context, caller uuid.UUID, id uint64, newOwner uuid.UUID) error {
	const op = "positions.Transfer"

	if err := ctx.Err(); err != nil {
		return err
	}
	if newOwner == uuid.Nil {
		return errs.Wrap(errs.InvalidInput, op, ErrInvalidOwner)
	}

	sl, err := pm.lockActive(op, id)
	if err != nil {
		return err
	}
	defer sl.mu.Unlock()

	if caller != sl.pos.Trader {
		return errs.Wrap(errs.Unauthorized, op, ErrNotOwner)
	}

	from := sl.pos.Trader
	sl.pos.Trader = newOwner
	sl.pos.Version++

	pm.logger.Info().Uint64("position_id", id).Str("from", from.String()).Str("to", newOwner.String()).Msg("position transferred")
	pm.events.Emit(&event.PositionTransferred{
		Position:  id,
		From:      from,
		To:        newOwner,
		Version:   sl.pos.Version,
		Timestamp: pm.now().Unix(),
	})
	return nil
}

// GetPosition returns a copy of the position, active or not.
func (pm *PositionManager) GetPosition(id uint64) (*Position, error) {
	pos, err := pm.store.get(id)
	if err != nil {
		return nil, notFound("positions.Get", id)
	}
	return pos, nil
}

// ActivePositionIDs returns active ids in ascending order.
func (pm *PositionManager) ActivePositionIDs() []uint64 {
	return pm.store.activeIDs()
}

// MaturedPositionIDs returns active positions whose maturity is at or before now.
func (pm *PositionManager) MaturedPositionIDs(now int64) []uint64 {
	return pm.store.maturedIDs(now)
}

// Positions returns copies of every position in id order.
func (pm *PositionManager) Positions() []*Position {
	return pm.store.all()
}

// PositionCount returns how many ids have been assigned.
func (pm *PositionManager) PositionCount() int {
	return pm.store.count()
}

// Restore reloads persisted positions. Ids continue after the highest restored id.
func (pm *PositionManager) Restore(positions []*Position) error {
	if err := pm.store.restore(positions); err != nil {
		return errs.Wrap(errs.InvalidInput, "positions.Restore", err)
	}
	pm.margin.cache.Purge()
	pm.metrics.SetOpenPositions(pm.store.activeCount())
	return nil
}
