package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeRateUpdated
	EventTypePositionOpened
	EventTypeMarginAdded
	EventTypeMarginRemoved
	EventTypePositionSettled
	EventTypePositionClosed
	EventTypePositionTransferred
	EventTypePositionLiquidated
	EventTypeRiskParamUpdated
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by the dispatcher
	Sequence int64

	// Stable idempotency key derived from the event
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Position context (nil for global events)
	PositionID *uint64

	// Engine time at which the event happened
	Timestamp time.Time

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 chained over the previous hash and this payload
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// PositionID returns the position context (nil for global events)
	PositionID() *uint64

	// OccurredAt returns the unix-second time the event happened
	OccurredAt() int64
}

// Encode serializes an event payload.
func Encode(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}

// Decode restores the typed payload of a stored envelope.
func Decode(et EventType, payload []byte) (Event, error) {
	var evt Event
	switch et {
	case EventTypeRateUpdated:
		evt = &RateUpdated{}
	case EventTypePositionOpened:
		evt = &PositionOpened{}
	case EventTypeMarginAdded:
		evt = &MarginAdded{}
	case EventTypeMarginRemoved:
		evt = &MarginRemoved{}
	case EventTypePositionSettled:
		evt = &PositionSettled{}
	case EventTypePositionClosed:
		evt = &PositionClosed{}
	case EventTypePositionTransferred:
		evt = &PositionTransferred{}
	case EventTypePositionLiquidated:
		evt = &PositionLiquidated{}
	case EventTypeRiskParamUpdated:
		evt = &RiskParamUpdated{}
	default:
		return nil, fmt.Errorf("decode: unknown event type %d", et)
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", et, err)
	}
	return evt, nil
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(name string) (EventType, error) {
	for et := EventTypeRateUpdated; et <= EventTypeRiskParamUpdated; et++ {
		if et.String() == name {
			return et, nil
		}
	}
	return EventTypeUnknown, fmt.Errorf("unknown event type %q", name)
}

func (et EventType) String() string {
	switch et {
	case EventTypeRateUpdated:
		return "RateUpdated"
	case EventTypePositionOpened:
		return "PositionOpened"
	case EventTypeMarginAdded:
		return "MarginAdded"
	case EventTypeMarginRemoved:
		return "MarginRemoved"
	case EventTypePositionSettled:
		return "PositionSettled"
	case EventTypePositionClosed:
		return "PositionClosed"
	case EventTypePositionTransferred:
		return "PositionTransferred"
	case EventTypePositionLiquidated:
		return "PositionLiquidated"
	case EventTypeRiskParamUpdated:
		return "RiskParamUpdated"
	default:
		return "Unknown"
	}
}

// Subject returns the dotted token used in outbound subjects, e.g. "position_opened".
func (et EventType) Subject() string {
	switch et {
	case EventTypeRateUpdated:
		return "rate_updated"
	case EventTypePositionOpened:
		return "position_opened"
	case EventTypeMarginAdded:
		return "margin_added"
	case EventTypeMarginRemoved:
		return "margin_removed"
	case EventTypePositionSettled:
		return "position_settled"
	case EventTypePositionClosed:
		return "position_closed"
	case EventTypePositionTransferred:
		return "position_transferred"
	case EventTypePositionLiquidated:
		return "position_liquidated"
	case EventTypeRiskParamUpdated:
		return "risk_param_updated"
	default:
		return "unknown"
	}
}

func positionRef(id uint64) *uint64 {
	return &id
}
