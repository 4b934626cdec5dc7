package event

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// PositionLiquidated records one seizure of margin by a liquidator.
type PositionLiquidated struct {
	Position        uint64    `json:"position_id"`
	Liquidator      uuid.UUID `json:"liquidator"`
	HealthFactor    *big.Int  `json:"health_factor"`
	Seized          *big.Int  `json:"seized"`
	Fee             *big.Int  `json:"fee"`
	Bonus           *big.Int  `json:"bonus"`
	Reward          *big.Int  `json:"reward"`
	Revenue         *big.Int  `json:"revenue"`
	RemainingMargin *big.Int  `json:"remaining_margin"`
	Partial         bool      `json:"partial"`
	Closed          bool      `json:"closed"`
	Version         int64     `json:"version"`
	Timestamp       int64     `json:"timestamp"`
}

func (l *PositionLiquidated) IdempotencyKey() string {
	return fmt.Sprintf("liquidated:%d:%d", l.Position, l.Version)
}

func (l *PositionLiquidated) EventType() EventType {
	return EventTypePositionLiquidated
}

func (l *PositionLiquidated) PositionID() *uint64 {
	return positionRef(l.Position)
}

func (l *PositionLiquidated) OccurredAt() int64 {
	return l.Timestamp
}
