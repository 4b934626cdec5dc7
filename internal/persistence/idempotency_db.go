package persistence

import (
	"IRSLedger/internal/core"
	"context"
	"database/sql"
	"slices"
)

// IdempotencyStore reads dedup keys back from the event log. The unique
// index on (event_type, idempotency_key) is the durable dedup guarantee;
// this only warms the in-memory LRU.
type IdempotencyStore struct {
	db *sql.DB
}

func NewIdempotencyStore(db *sql.DB) *IdempotencyStore {
	return &IdempotencyStore{db: db}
}

// RecentKeys returns the composite keys of the newest limit events, oldest first.
func (s *IdempotencyStore) RecentKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_type, idempotency_key
		FROM event_log.events
		ORDER BY sequence DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var eventType, key string
		if err := rows.Scan(&eventType, &key); err != nil {
			return nil, err
		}
		keys = append(keys, core.CompositeKey(eventType, key))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(keys)
	return keys, nil
}
