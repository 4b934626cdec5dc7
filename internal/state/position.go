package state

import (
	"math/big"

	"github.com/google/uuid"
)

// PositionStatus tracks the lifecycle of a swap
type PositionStatus int32

const (
	PositionStatusActive PositionStatus = iota
	PositionStatusClosed
	PositionStatusLiquidated
	PositionStatusExpired
)

// Position is one interest rate swap. Amounts are WAD fixed-point, times are unix seconds.
type Position struct {
	ID             uint64
	Trader         uuid.UUID
	IsPayingFixed  bool
	StartTime      int64
	Maturity       int64
	IsActive       bool
	Notional       *big.Int
	Margin         *big.Int
	FixedRate      *big.Int
	AccumulatedPnL *big.Int // Signed, mutated only by settlement
	LastSettlement int64
	Status         PositionStatus
	ClosedAt       int64
	Version        int64 // Bumped on every mutation
}

func (s PositionStatus) String() string {
	switch s {
	case PositionStatusActive:
		return "Active"
	case PositionStatusClosed:
		return "Closed"
	case PositionStatusLiquidated:
		return "Liquidated"
	case PositionStatusExpired:
		return "Expired"
	default:
		return "Unknown"
	}
}

// ParsePositionStatus is the inverse of String.
func ParsePositionStatus(s string) (PositionStatus, bool) {
	for _, st := range []PositionStatus{
		PositionStatusActive, PositionStatusClosed, PositionStatusLiquidated, PositionStatusExpired,
	} {
		if st.String() == s {
			return st, true
		}
	}
	return 0, false
}

// CanTransitionTo validates status transitions. Every terminal status is final.
func (s PositionStatus) CanTransitionTo(next PositionStatus) bool {
	validTransitions := map[PositionStatus][]PositionStatus{
		PositionStatusActive: {
			PositionStatusClosed,
			PositionStatusLiquidated,
			PositionStatusExpired,
		},
	}

	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}

	for _, allowedStatus := range allowed {
		if next == allowedStatus {
			return true
		}
	}

	return false
}

// IsTerminal reports whether no further transition is possible.
func (s PositionStatus) IsTerminal() bool {
	return s != PositionStatusActive
}

// Clone returns a deep copy. Callers mutate clones and commit on success.
func (p *Position) Clone() *Position {
	c := *p
	c.Notional = cloneInt(p.Notional)
	c.Margin = cloneInt(p.Margin)
	c.FixedRate = cloneInt(p.FixedRate)
	c.AccumulatedPnL = cloneInt(p.AccumulatedPnL)
	return &c
}

// transition moves the position to a terminal status.
func (p *Position) transition(next PositionStatus, at int64) error {
	if !p.Status.CanTransitionTo(next) {
		return ErrInvalidTransition
	}
	p.Status = next
	p.IsActive = false
	p.ClosedAt = at
	return nil
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 192)

	buf = appendUint64LE(buf, p.ID)

	// trader (16 bytes UUID binary)
	buf = append(buf, p.Trader[:]...)

	if p.IsPayingFixed {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}

	buf = appendInt64LE(buf, p.StartTime)
	buf = appendInt64LE(buf, p.Maturity)

	// amounts are length-prefixed sign+magnitude
	buf = appendBigInt(buf, p.Notional)
	buf = appendBigInt(buf, p.Margin)
	buf = appendBigInt(buf, p.FixedRate)
	buf = appendBigInt(buf, p.AccumulatedPnL)

	buf = appendInt64LE(buf, p.LastSettlement)

	// status (1 byte)
	buf = append(buf, byte(p.Status))

	buf = appendInt64LE(buf, p.Version)

	return buf
}

func appendBigInt(buf []byte, v *big.Int) []byte {
	if v == nil {
		return append(buf, 0, 0)
	}
	mag := v.Bytes()
	sign := byte(0)
	if v.Sign() < 0 {
		sign = 1
	}
	buf = append(buf, sign, byte(len(mag)))
	return append(buf, mag...)
}

func appendUint64LE(buf []byte, v uint64) []byte {
	return appendInt64LE(buf, int64(v))
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
