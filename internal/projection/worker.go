package projection

import (
	"IRSLedger/internal/core"
	"IRSLedger/internal/event"
	"IRSLedger/internal/ledger"
	"IRSLedger/internal/observability"
	"context"
	"database/sql"
	"fmt"
	"math/big"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const watermarkName = "main"

// ProjectionWorker updates projection tables from dispatched outputs.
// The projection channel drops when full; projections are eventually
// consistent and can be rebuilt from the event log.
type ProjectionWorker struct {
	db      *sql.DB
	input   <-chan core.Output
	history *History
	lastSeq int64
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewProjectionWorker(db *sql.DB, input <-chan core.Output, history *History, logger zerolog.Logger, metrics *observability.Metrics) *ProjectionWorker {
	return &ProjectionWorker{
		db:      db,
		input:   input,
		history: history,
		lastSeq: -1,
		logger:  logger,
		metrics: metrics,
	}
}

// Run applies outputs until the input channel closes or ctx is cancelled.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-pw.input:
			if !ok {
				return nil
			}
			if err := pw.apply(ctx, out); err != nil {
				pw.logger.Warn().Err(err).Str("output", out.String()).Msg("projection update failed")
				pw.metrics.ObserveDrop("projection_error")
			}
		}
	}
}

// LastSequence returns the last event sequence applied, or -1.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

func (pw *ProjectionWorker) apply(ctx context.Context, out core.Output) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var evt event.Event
	switch {
	case out.Batch != nil:
		for _, j := range out.Batch.Journals {
			if err := applyJournal(ctx, tx, j); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
		}

	case out.Envelope != nil:
		env := out.Envelope
		evt, err = event.Decode(env.EventType, env.Payload)
		if err != nil {
			return err
		}
		if err := applyEvent(ctx, tx, env.Sequence, evt); err != nil {
			return fmt.Errorf("%s projection: %w", env.EventType, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.watermark (projection, last_sequence, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (projection) DO UPDATE SET last_sequence = $2, updated_at = NOW()
		`, watermarkName, env.Sequence); err != nil {
			return fmt.Errorf("watermark update: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	if out.Envelope != nil {
		pw.lastSeq = out.Envelope.Sequence
		pw.history.Record(out.Envelope.Sequence, evt)
	}
	return nil
}

// applyJournal moves one journal amount: the debit side increases, the credit side decreases.
func applyJournal(ctx context.Context, tx *sql.Tx, j ledger.Journal) error {
	amount := numeric(j.Amount)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_path)
		DO UPDATE SET balance = projections.balances.balance + $3, last_sequence = $4, updated_at = NOW()
	`, j.DebitAccount.AccountPath(), uint16(j.AssetID), amount, j.Sequence); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		VALUES ($1, $2, -$3::numeric, $4)
		ON CONFLICT (account_path)
		DO UPDATE SET balance = projections.balances.balance - $3, last_sequence = $4, updated_at = NOW()
	`, j.CreditAccount.AccountPath(), uint16(j.AssetID), amount, j.Sequence); err != nil {
		return err
	}
	return nil
}

func applyEvent(ctx context.Context, tx *sql.Tx, seq int64, evt event.Event) error {
	var (
		query string
		args  []any
	)

	switch e := evt.(type) {
	case *event.RateUpdated:
		query = `INSERT INTO projections.rates (timestamp, rate, sequence) VALUES ($1, $2, $3)
			ON CONFLICT (timestamp) DO NOTHING`
		args = []any{e.Timestamp, numeric(e.Rate), seq}

	case *event.PositionOpened:
		query = `INSERT INTO projections.positions
			(position_id, trader, is_paying_fixed, notional, margin, fixed_rate, start_time, maturity, status, last_sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'Active', $9)
			ON CONFLICT (position_id) DO NOTHING`
		args = []any{int64(e.Position), e.Trader, e.IsPayingFixed, numeric(e.Notional), numeric(e.Margin),
			numeric(e.FixedRate), e.StartTime, e.Maturity, seq}

	case *event.MarginAdded:
		query, args = updateMargin(e.Position, e.Margin, seq)

	case *event.MarginRemoved:
		query, args = updateMargin(e.Position, e.Margin, seq)

	case *event.PositionSettled:
		query = `UPDATE projections.positions SET accumulated_pnl = $2, last_sequence = $3, updated_at = NOW()
			WHERE position_id = $1`
		args = []any{int64(e.Position), numeric(e.AccumulatedPnL), seq}

	case *event.PositionClosed:
		query = `UPDATE projections.positions
			SET status = $2, accumulated_pnl = $3, margin = 0, last_sequence = $4, updated_at = NOW()
			WHERE position_id = $1`
		args = []any{int64(e.Position), e.Status, numeric(e.AccumulatedPnL), seq}

	case *event.PositionTransferred:
		query = `UPDATE projections.positions SET trader = $2, last_sequence = $3, updated_at = NOW()
			WHERE position_id = $1`
		args = []any{int64(e.Position), e.To, seq}

	case *event.PositionLiquidated:
		if _, err := tx.ExecContext(ctx, `INSERT INTO projections.liquidations
			(sequence, position_id, liquidator, health_factor, seized, reward, revenue, partial, closed, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (sequence) DO NOTHING`,
			seq, int64(e.Position), e.Liquidator, numeric(e.HealthFactor), numeric(e.Seized),
			numeric(e.Reward), numeric(e.Revenue), e.Partial, e.Closed, e.Timestamp,
		); err != nil {
			return err
		}
		query, args = updateMargin(e.Position, e.RemainingMargin, seq)

	default:
		// Risk parameter changes only advance the watermark
		return nil
	}

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func updateMargin(id uint64, margin *big.Int, seq int64) (string, []any) {
	return `UPDATE projections.positions SET margin = $2, last_sequence = $3, updated_at = NOW()
		WHERE position_id = $1`, []any{int64(id), numeric(margin), seq}
}

// numeric binds a WAD integer to a NUMERIC(78,0) column.
func numeric(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, 0)
}

// RebuildProjections rebuilds all projection tables from the event log.
func RebuildProjections(ctx context.Context, db *sql.DB, pageSize int, logger zerolog.Logger) (int64, error) {
	if pageSize <= 0 {
		pageSize = 1000
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`TRUNCATE projections.balances, projections.positions, projections.liquidations, projections.rates`,
		`DELETE FROM projections.watermark WHERE projection = 'main'`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return 0, fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Balances are the net of every journal, debits positive
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		SELECT account_path, asset_id, SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, asset_id, amount AS delta, sequence FROM event_log.journal
			UNION ALL
			SELECT credit_account, asset_id, -amount, sequence FROM event_log.journal
		) legs
		GROUP BY account_path, asset_id
	`); err != nil {
		return 0, fmt.Errorf("rebuild balances: %w", err)
	}

	var applied int64
	from := int64(0)
	for {
		rows, err := tx.QueryContext(ctx, `
			SELECT sequence, event_type, payload FROM event_log.events
			WHERE sequence >= $1 ORDER BY sequence ASC LIMIT $2
		`, from, pageSize)
		if err != nil {
			return applied, err
		}

		type stored struct {
			seq     int64
			name    string
			payload []byte
		}
		var page []stored
		for rows.Next() {
			var s stored
			if err := rows.Scan(&s.seq, &s.name, &s.payload); err != nil {
				rows.Close()
				return applied, err
			}
			page = append(page, s)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return applied, err
		}

		for _, s := range page {
			et, err := event.ParseEventType(s.name)
			if err != nil {
				return applied, err
			}
			evt, err := event.Decode(et, s.payload)
			if err != nil {
				return applied, err
			}
			if err := applyEvent(ctx, tx, s.seq, evt); err != nil {
				return applied, fmt.Errorf("replay %d: %w", s.seq, err)
			}
			applied++
			from = s.seq + 1
		}
		if len(page) < pageSize {
			break
		}
	}

	if applied > 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.watermark (projection, last_sequence, updated_at) VALUES ($1, $2, NOW())
		`, watermarkName, from-1); err != nil {
			return applied, fmt.Errorf("watermark: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return applied, err
	}
	logger.Info().Int64("events", applied).Msg("projection rebuild complete")
	return applied, nil
}
