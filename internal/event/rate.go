package event

import (
	"fmt"
	"math/big"
)

// RateUpdated is emitted for every snapshot the oracle records.
type RateUpdated struct {
	Rate      *big.Int `json:"rate"`
	Timestamp int64    `json:"timestamp"`
}

func (r *RateUpdated) IdempotencyKey() string {
	return fmt.Sprintf("rate:%d", r.Timestamp)
}

func (r *RateUpdated) EventType() EventType {
	return EventTypeRateUpdated
}

func (r *RateUpdated) PositionID() *uint64 {
	return nil
}

func (r *RateUpdated) OccurredAt() int64 {
	return r.Timestamp
}
