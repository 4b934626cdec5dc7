package event

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// PositionOpened records a new swap.
type PositionOpened struct {
	Position      uint64    `json:"position_id"`
	Trader        uuid.UUID `json:"trader"`
	IsPayingFixed bool      `json:"is_paying_fixed"`
	Notional      *big.Int  `json:"notional"`
	Margin        *big.Int  `json:"margin"`
	FixedRate     *big.Int  `json:"fixed_rate"`
	StartTime     int64     `json:"start_time"`
	Maturity      int64     `json:"maturity"`
}

func (p *PositionOpened) IdempotencyKey() string {
	return fmt.Sprintf("position_opened:%d", p.Position)
}

func (p *PositionOpened) EventType() EventType {
	return EventTypePositionOpened
}

func (p *PositionOpened) PositionID() *uint64 {
	return positionRef(p.Position)
}

func (p *PositionOpened) OccurredAt() int64 {
	return p.StartTime
}

// MarginAdded records a collateral top-up.
type MarginAdded struct {
	Position  uint64    `json:"position_id"`
	Payer     uuid.UUID `json:"payer"`
	Amount    *big.Int  `json:"amount"`
	Margin    *big.Int  `json:"margin"`
	Version   int64     `json:"version"`
	Timestamp int64     `json:"timestamp"`
}

func (m *MarginAdded) IdempotencyKey() string {
	return fmt.Sprintf("margin_added:%d:%d", m.Position, m.Version)
}

func (m *MarginAdded) EventType() EventType {
	return EventTypeMarginAdded
}

func (m *MarginAdded) PositionID() *uint64 {
	return positionRef(m.Position)
}

func (m *MarginAdded) OccurredAt() int64 {
	return m.Timestamp
}

// MarginRemoved records a collateral withdrawal by the owner.
type MarginRemoved struct {
	Position  uint64    `json:"position_id"`
	Recipient uuid.UUID `json:"recipient"`
	Amount    *big.Int  `json:"amount"`
	Margin    *big.Int  `json:"margin"`
	Version   int64     `json:"version"`
	Timestamp int64     `json:"timestamp"`
}

func (m *MarginRemoved) IdempotencyKey() string {
	return fmt.Sprintf("margin_removed:%d:%d", m.Position, m.Version)
}

func (m *MarginRemoved) EventType() EventType {
	return EventTypeMarginRemoved
}

func (m *MarginRemoved) PositionID() *uint64 {
	return positionRef(m.Position)
}

func (m *MarginRemoved) OccurredAt() int64 {
	return m.Timestamp
}

// PositionSettled records one settlement interval.
type PositionSettled struct {
	Position       uint64   `json:"position_id"`
	FloatingRate   *big.Int `json:"floating_rate"`
	FixedLeg       *big.Int `json:"fixed_leg"`
	FloatingLeg    *big.Int `json:"floating_leg"`
	Delta          *big.Int `json:"delta"`
	AccumulatedPnL *big.Int `json:"accumulated_pnl"`
	ElapsedSeconds int64    `json:"elapsed_seconds"`
	SettledAt      int64    `json:"settled_at"`
}

func (s *PositionSettled) IdempotencyKey() string {
	return fmt.Sprintf("settled:%d:%d", s.Position, s.SettledAt)
}

func (s *PositionSettled) EventType() EventType {
	return EventTypePositionSettled
}

func (s *PositionSettled) PositionID() *uint64 {
	return positionRef(s.Position)
}

func (s *PositionSettled) OccurredAt() int64 {
	return s.SettledAt
}

// PositionClosed records a terminal transition. Status is one of
// Closed, Expired or Liquidated. Unpaid is profit that neither the swap pool
// nor the insurance fund could pay at close.
type PositionClosed struct {
	Position         uint64    `json:"position_id"`
	Trader           uuid.UUID `json:"trader"`
	Status           string    `json:"status"`
	Payout           *big.Int  `json:"payout"`
	AccumulatedPnL   *big.Int  `json:"accumulated_pnl"`
	Shortfall        *big.Int  `json:"shortfall"`
	InsuranceCovered *big.Int  `json:"insurance_covered"`
	ProfitCovered    *big.Int  `json:"profit_covered,omitempty"`
	Unpaid           *big.Int  `json:"unpaid,omitempty"`
	Timestamp        int64     `json:"timestamp"`
}

func (c *PositionClosed) IdempotencyKey() string {
	return fmt.Sprintf("closed:%d", c.Position)
}

func (c *PositionClosed) EventType() EventType {
	return EventTypePositionClosed
}

func (c *PositionClosed) PositionID() *uint64 {
	return positionRef(c.Position)
}

func (c *PositionClosed) OccurredAt() int64 {
	return c.Timestamp
}

// PositionTransferred records an ownership change.
type PositionTransferred struct {
	Position  uint64    `json:"position_id"`
	From      uuid.UUID `json:"from"`
	To        uuid.UUID `json:"to"`
	Version   int64     `json:"version"`
	Timestamp int64     `json:"timestamp"`
}

func (t *PositionTransferred) IdempotencyKey() string {
	return fmt.Sprintf("transferred:%d:%d", t.Position, t.Version)
}

func (t *PositionTransferred) EventType() EventType {
	return EventTypePositionTransferred
}

func (t *PositionTransferred) PositionID() *uint64 {
	return positionRef(t.Position)
}

func (t *PositionTransferred) OccurredAt() int64 {
	return t.Timestamp
}
