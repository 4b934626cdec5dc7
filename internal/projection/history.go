package projection

import (
	"IRSLedger/internal/event"
	"math/big"
	"sync"

	"github.com/google/uuid"
)

// LiquidationEntry is one recorded seizure
type LiquidationEntry struct {
	Sequence        int64
	PositionID      uint64
	Liquidator      uuid.UUID
	HealthFactor    *big.Int // Before seizure
	Seized          *big.Int
	Reward          *big.Int
	Revenue         *big.Int
	RemainingMargin *big.Int
	Partial         bool
	Closed          bool
	Timestamp       int64
}

// RatePoint is one accepted oracle rate
type RatePoint struct {
	Sequence  int64
	Rate      *big.Int
	Timestamp int64
}

// History keeps the most recent liquidations and rates in memory for the
// query API. Older entries are served from the projection tables.
type History struct {
	mu           sync.RWMutex
	capacity     int
	liquidations []LiquidationEntry
	rates        []RatePoint
}

func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 10_000
	}
	return &History{capacity: capacity}
}

// Record keeps the entries derived from evt. Safe on a nil *History.
func (h *History) Record(seq int64, evt event.Event) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	switch e := evt.(type) {
	case *event.PositionLiquidated:
		h.liquidations = appendBounded(h.liquidations, LiquidationEntry{
			Sequence:        seq,
			PositionID:      e.Position,
			Liquidator:      e.Liquidator,
			HealthFactor:    e.HealthFactor,
			Seized:          e.Seized,
			Reward:          e.Reward,
			Revenue:         e.Revenue,
			RemainingMargin: e.RemainingMargin,
			Partial:         e.Partial,
			Closed:          e.Closed,
			Timestamp:       e.Timestamp,
		}, h.capacity)
	case *event.RateUpdated:
		h.rates = appendBounded(h.rates, RatePoint{Sequence: seq, Rate: e.Rate, Timestamp: e.Timestamp}, h.capacity)
	}
}

// LiquidationsByPosition returns a position's liquidations, newest first
func (h *History) LiquidationsByPosition(id uint64, limit int) []LiquidationEntry {
	return h.liquidationsWhere(limit, func(e LiquidationEntry) bool { return e.PositionID == id })
}

// LiquidationsByLiquidator returns a liquidator's seizures, newest first
func (h *History) LiquidationsByLiquidator(liquidator uuid.UUID, limit int) []LiquidationEntry {
	return h.liquidationsWhere(limit, func(e LiquidationEntry) bool { return e.Liquidator == liquidator })
}

func (h *History) liquidationsWhere(limit int, keep func(LiquidationEntry) bool) []LiquidationEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make([]LiquidationEntry, 0)
	for i := len(h.liquidations) - 1; i >= 0 && len(result) < limit; i-- {
		if keep(h.liquidations[i]) {
			result = append(result, h.liquidations[i])
		}
	}
	return result
}

// Rates returns recent rates, newest first
func (h *History) Rates(limit int) []RatePoint {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make([]RatePoint, 0, min(limit, len(h.rates)))
	for i := len(h.rates) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, h.rates[i])
	}
	return result
}

func appendBounded[T any](s []T, v T, capacity int) []T {
	s = append(s, v)
	if len(s) > capacity {
		s = append(s[:0], s[len(s)-capacity:]...)
	}
	return s
}
