package query

import (
	"IRSLedger/internal/ledger"
	fpmath "IRSLedger/internal/math"
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ProjectionReader serves queries from the PostgreSQL projection tables and
// the event log. Results may trail the core by the projection lag.
type ProjectionReader struct {
	db *sql.DB
}

func NewProjectionReader(db *sql.DB) *ProjectionReader {
	return &ProjectionReader{db: db}
}

// GetBalance returns a projected account balance; unknown accounts read as zero.
func (pr *ProjectionReader) GetBalance(ctx context.Context, account ledger.AccountKey) (*ProjectedBalance, error) {
	asOf, err := pr.watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	path := account.AccountPath()
	var balance decimal.Decimal
	err = pr.db.QueryRowContext(ctx, `
		SELECT balance FROM projections.balances WHERE account_path = $1
	`, path).Scan(&balance)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	return &ProjectedBalance{
		AccountPath:  path,
		Balance:      balance.Shift(-fpmath.WadDecimals).String(),
		AsOfSequence: asOf,
	}, nil
}

// GetJournalHistory returns journal entries touching an owner's wallet,
// newest first. before, when set, pages below that ledger sequence.
func (pr *ProjectionReader) GetJournalHistory(ctx context.Context, owner uuid.UUID, limit int, before *int64) ([]JournalHistoryEntry, error) {
	accountPrefix := fmt.Sprintf("user:%s:%%", owner)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []any{accountPrefix}
	argIdx := 2

	if before != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *before)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := pr.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var (
			e      JournalHistoryEntry
			amount decimal.Decimal
		)
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.AssetID, &amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.Amount = amount.Shift(-fpmath.WadDecimals).String()
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// VerifyIntegrity checks stored hash links and that projected balances net
// to zero per asset. Full hash recomputation is the verify command's job.
func (pr *ProjectionReader) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := pr.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 0 AND (e2.sequence IS NULL OR e1.prev_hash != e2.state_hash)
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Every journal moves value between two accounts, so each asset sums to zero
	balanceRows, err := pr.db.QueryContext(ctx, `
		SELECT asset_id, SUM(balance) AS total
		FROM projections.balances
		GROUP BY asset_id
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var (
			assetID uint16
			total   decimal.Decimal
		)
		if err := balanceRows.Scan(&assetID, &total); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, UnbalancedAsset{
			AssetID:   assetID,
			Imbalance: total.Shift(-fpmath.WadDecimals).String(),
		})
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

func (pr *ProjectionReader) watermark(ctx context.Context) (int64, error) {
	var seq int64
	err := pr.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE projection = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}
