package persistence

import (
	"IRSLedger/internal/core"
	"IRSLedger/internal/errs"
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// ErrLogAhead means the event log holds events newer than the latest
// verified snapshot, so in-memory state would miss them.
var ErrLogAhead = errors.New("event log ahead of snapshot")

// RecoverOptions tunes startup recovery.
type RecoverOptions struct {
	// AllowLogAhead continues the chain after unmatched log events instead of failing.
	AllowLogAhead bool
	PageSize      int
	WarmKeys      int // Idempotency keys read back on a cold start
}

// RecoveryResult seeds the dispatcher.
type RecoveryResult struct {
	Sequence        int64
	Tip             [32]byte
	IdempotencyKeys []string
	FromSnapshot    bool
	TailEvents      int64
}

// DispatcherConfig applies the recovered position to cfg.
func (r RecoveryResult) DispatcherConfig(cfg core.Config) core.Config {
	cfg.StartSequence = r.Sequence
	cfg.Tip = r.Tip
	return cfg
}

// VerifyResult summarizes a chain walk.
type VerifyResult struct {
	Checked int64
	Next    int64
	Tip     [32]byte
	Keys    []string
}

// VerifyLog walks the log from sequence from, checking every envelope
// extends the chain starting at tip.
func (sm *SnapshotManager) VerifyLog(ctx context.Context, from int64, tip [32]byte, pageSize int) (VerifyResult, error) {
	if pageSize <= 0 {
		pageSize = 1000
	}
	v := core.NewSequenceValidator(from, tip)
	var keys []string

	for {
		rows, err := sm.LoadEventsFrom(ctx, v.Next(), pageSize)
		if err != nil {
			return VerifyResult{}, fmt.Errorf("load events from %d: %w", v.Next(), err)
		}
		for _, row := range rows {
			env, err := row.Envelope()
			if err != nil {
				return VerifyResult{}, err
			}
			if err := v.Validate(env); err != nil {
				return VerifyResult{}, err
			}
			keys = append(keys, core.CompositeKey(row.EventType, row.IdempotencyKey))
		}
		if len(rows) < pageSize {
			break
		}
	}

	return VerifyResult{Checked: v.Checked(), Next: v.Next(), Tip: v.Tip(), Keys: keys}, nil
}

// Recover restores c from the latest verified snapshot and checks the log
// tail after it. Positions are not rebuilt by replay; a tail of unmatched
// events fails with ErrLogAhead unless opts.AllowLogAhead is set.
func Recover(ctx context.Context, sm *SnapshotManager, keys *IdempotencyStore, c Components, opts RecoverOptions, logger zerolog.Logger) (RecoveryResult, error) {
	const op = "persistence.Recover"

	res := RecoveryResult{Tip: core.GenesisHash()}

	snap, err := sm.LoadLatestSnapshot(ctx)
	if err != nil {
		return res, err
	}
	if snap != nil {
		tip, err := snap.Tip()
		if err != nil {
			return res, err
		}
		if err := Apply(snap, c); err != nil {
			return res, fmt.Errorf("apply snapshot %d: %w", snap.Sequence, err)
		}
		res.Sequence = snap.Sequence
		res.Tip = tip
		res.IdempotencyKeys = snap.IdempotencyKeys
		res.FromSnapshot = true
		logger.Info().
			Int64("sequence", snap.Sequence).
			Int("positions", len(snap.Positions)).
			Time("created_at", snap.CreatedAt).
			Msg("restored snapshot")
	}

	tail, err := sm.VerifyLog(ctx, res.Sequence, res.Tip, opts.PageSize)
	if err != nil {
		return res, errs.Wrap(errs.StateConflict, op, err)
	}
	if tail.Checked == 0 {
		return res, nil
	}

	if !opts.AllowLogAhead {
		return res, errs.Wrap(errs.StateConflict, op,
			fmt.Errorf("%w: %d events after sequence %d", ErrLogAhead, tail.Checked, res.Sequence))
	}

	logger.Warn().
		Int64("snapshot_sequence", res.Sequence).
		Int64("tail_events", tail.Checked).
		Msg("event log ahead of snapshot, continuing chain without replay")

	if !res.FromSnapshot && keys != nil && opts.WarmKeys > 0 {
		warm, err := keys.RecentKeys(ctx, opts.WarmKeys)
		if err != nil {
			return res, fmt.Errorf("warm idempotency keys: %w", err)
		}
		res.IdempotencyKeys = warm
	} else {
		res.IdempotencyKeys = append(res.IdempotencyKeys, tail.Keys...)
	}
	res.Sequence = tail.Next
	res.Tip = tail.Tip
	res.TailEvents = tail.Checked
	return res, nil
}

// SaveVerified stores snap as verified once the log ends right before its
// sequence. Call after the persistence worker has drained.
func SaveVerified(ctx context.Context, sm *SnapshotManager, snap *SnapshotData) (int, error) {
	latest, err := sm.GetLatestSequence(ctx)
	if err != nil {
		return 0, fmt.Errorf("latest sequence: %w", err)
	}
	if latest+1 != snap.Sequence {
		return 0, errs.E(errs.StateConflict, "persistence.SaveVerified",
			"log ends at %d, snapshot expects next sequence %d", latest, snap.Sequence)
	}
	return sm.SaveSnapshot(ctx, snap, true)
}
