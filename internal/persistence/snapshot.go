package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const snapshotFormatVersion = 1

// SnapshotManager handles creating and loading state snapshots for recovery.
// A snapshot holds balances, positions, rate history, risk parameters, the
// idempotency LRU, sequence counters and the chain tip.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData contains the full in-memory state at a point in time.
// Sequence is the next event sequence; StateHash is the chain tip before it.
type SnapshotData struct {
	Sequence        int64              `json:"sequence"`
	StateHash       []byte             `json:"state_hash"`
	Balances        map[string]string  `json:"balances"` // AccountPath -> WAD balance
	LedgerSequence  int64              `json:"ledger_sequence"`
	Positions       []PositionSnapshot `json:"positions"`
	Rates           []RateSnap         `json:"rates"`
	RiskParams      RiskParamsSnap     `json:"risk_params"`
	IdempotencyKeys []string           `json:"idempotency_keys"` // Oldest first, for LRU warming
	CreatedAt       time.Time          `json:"created_at"`
}

// PositionSnapshot is a serializable position. Amounts are decimal WAD strings.
type PositionSnapshot struct {
	ID             uint64 `json:"id"`
	Trader         string `json:"trader"`
	IsPayingFixed  bool   `json:"is_paying_fixed"`
	StartTime      int64  `json:"start_time"`
	Maturity       int64  `json:"maturity"`
	IsActive       bool   `json:"is_active"`
	Notional       string `json:"notional"`
	Margin         string `json:"margin"`
	FixedRate      string `json:"fixed_rate"`
	AccumulatedPnL string `json:"accumulated_pnl"`
	LastSettlement int64  `json:"last_settlement"`
	Status         string `json:"status"`
	ClosedAt       int64  `json:"closed_at"`
	Version        int64  `json:"version"`
}

// RateSnap is one recorded oracle rate.
type RateSnap struct {
	Rate      string `json:"rate"`
	Timestamp int64  `json:"timestamp"`
}

// RiskParamsSnap carries the parameter set by name.
type RiskParamsSnap struct {
	Values  map[string]string `json:"values"`
	Version int64             `json:"version"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot and returns its encoded size.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData, verified bool) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6, verified = $7
	`, uuid.New(), snap.Sequence, data, snap.StateHash, snapshotFormatVersion, len(data), verified, snap.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("save snapshot: %w", err)
	}
	return len(data), nil
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil on a cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads up to limit events starting at fromSequence.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, position_id, payload,
		       state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.PositionID,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log, or -1 when empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}
