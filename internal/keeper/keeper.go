// Package keeper runs the periodic maintenance loops: oracle refresh,
// settlement, expiry, liquidation scans and attempt cleanup.
package keeper

import (
	"IRSLedger/internal/errs"
	fpmath "IRSLedger/internal/math"
	"IRSLedger/internal/observability"
	"IRSLedger/internal/oracle"
	"IRSLedger/internal/state"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// RateUpdater polls the rate sources. *oracle.RateOracle satisfies it.
type RateUpdater interface {
	UpdateRate(ctx context.Context) (oracle.RateSnapshot, error)
}

// Positions is the part of *state.PositionManager the keeper drives.
type Positions interface {
	SettleAll(ctx context.Context) (int, map[uint64]error)
	MaturedPositionIDs(now int64) []uint64
	ExpirePosition(ctx context.Context, id uint64) (state.CloseResult, error)
}

// Liquidations is the part of *state.LiquidationEngine the keeper drives.
type Liquidations interface {
	ScanLiquidatable(ctx context.Context) ([]uint64, error)
	BatchLiquidate(ctx context.Context, liquidator uuid.UUID, ids []uint64) state.BatchResult
	Actions() *state.PositionActionManager
}

// Config sets loop intervals. A zero interval disables that loop.
type Config struct {
	OracleInterval      time.Duration
	SettleInterval      time.Duration
	ExpireInterval      time.Duration
	LiquidationInterval time.Duration
	CleanupInterval     time.Duration
	ActionRetention     time.Duration
}

// Keeper owns no state; every step is safe to run concurrently with API traffic.
type Keeper struct {
	cfg          Config
	rates        RateUpdater
	positions    Positions
	liquidations Liquidations
	liquidator   uuid.UUID

	now     func() time.Time
	logger  zerolog.Logger
	metrics *observability.Metrics
}

type Option func(*Keeper)

func WithClock(now func() time.Time) Option {
	return func(k *Keeper) { k.now = now }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(k *Keeper) { k.logger = logger }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(k *Keeper) { k.metrics = m }
}

// New builds a keeper; liquidator is credited with liquidation rewards.
func New(cfg Config, rates RateUpdater, positions Positions, liquidations Liquidations, liquidator uuid.UUID, opts ...Option) *Keeper {
	k := &Keeper{
		cfg:          cfg,
		rates:        rates,
		positions:    positions,
		liquidations: liquidations,
		liquidator:   liquidator,
		now:          time.Now,
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Run starts every enabled loop and blocks until ctx is cancelled.
// Step failures are logged and counted; they never stop a loop.
func (k *Keeper) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	loops := []struct {
		name     string
		interval time.Duration
		step     func(context.Context) error
	}{
		{"oracle", k.cfg.OracleInterval, k.RefreshRate},
		{"settle", k.cfg.SettleInterval, k.SettleAll},
		{"expire", k.cfg.ExpireInterval, k.ExpireMatured},
		{"liquidate", k.cfg.LiquidationInterval, k.LiquidateUnhealthy},
		{"cleanup", k.cfg.CleanupInterval, k.CleanupActions},
	}
	for _, l := range loops {
		if l.interval <= 0 || l.step == nil {
			continue
		}
		g.Go(func() error {
			k.loop(ctx, l.name, l.interval, l.step)
			return nil
		})
	}
	return g.Wait()
}

func (k *Keeper) loop(ctx context.Context, name string, interval time.Duration, step func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	k.logger.Info().Str("loop", name).Dur("interval", interval).Msg("keeper loop started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := step(ctx)
			k.metrics.ObserveKeeperRun(name, err)
			if err != nil && ctx.Err() == nil {
				k.logger.Warn().Err(err).Str("loop", name).Msg("keeper step failed")
			}
		}
	}
}

// RefreshRate polls the sources once.
func (k *Keeper) RefreshRate(ctx context.Context) error {
	_, err := k.rates.UpdateRate(ctx)
	return err
}

// SettleAll settles every active position. A stale rate fails the whole
// pass; it is reported once rather than per position.
func (k *Keeper) SettleAll(ctx context.Context) error {
	settled, failed := k.positions.SettleAll(ctx)
	if len(failed) > 0 {
		var first error
		for id, err := range failed {
			if errors.Is(err, errs.StaleData) {
				return err
			}
			if first == nil {
				first = fmt.Errorf("position %d: %w", id, err)
			}
		}
		k.logger.Info().Int("settled", settled).Int("failed", len(failed)).Msg("settlement pass finished")
		return fmt.Errorf("%d settlements failed, first: %w", len(failed), first)
	}
	if settled > 0 {
		k.logger.Info().Int("settled", settled).Msg("settlement pass finished")
	}
	return nil
}

// ExpireMatured closes every position past maturity. A position closed
// concurrently is skipped.
func (k *Keeper) ExpireMatured(ctx context.Context) error {
	var failures []error
	for _, id := range k.positions.MaturedPositionIDs(k.now().Unix()) {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := k.positions.ExpirePosition(ctx, id)
		switch {
		case errors.Is(err, errs.StateConflict) || errors.Is(err, errs.NotFound):
			continue
		case err != nil:
			failures = append(failures, fmt.Errorf("position %d: %w", id, err))
			continue
		}
		k.logger.Info().
			Uint64("position_id", id).
			Str("payout", fpmath.FormatWad(res.Payout)).
			Msg("position expired")
	}
	return errors.Join(failures...)
}

// LiquidateUnhealthy liquidates every position that currently qualifies.
func (k *Keeper) LiquidateUnhealthy(ctx context.Context) error {
	ids, err := k.liquidations.ScanLiquidatable(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	res := k.liquidations.BatchLiquidate(ctx, k.liquidator, ids)
	var failures []error
	for _, f := range res.Failed {
		// Healed or closed between scan and seizure
		if errors.Is(f.Err, errs.StateConflict) || errors.Is(f.Err, errs.NotFound) {
			continue
		}
		failures = append(failures, fmt.Errorf("position %d: %w", f.PositionID, f.Err))
	}
	return errors.Join(failures...)
}

// CleanupActions drops finished liquidation attempts older than the retention.
func (k *Keeper) CleanupActions(ctx context.Context) error {
	before := k.now().Add(-k.cfg.ActionRetention).Unix()
	if removed := k.liquidations.Actions().CleanupTerminal(before); removed > 0 {
		k.logger.Debug().Int("removed", removed).Msg("liquidation attempts cleaned up")
	}
	return nil
}
