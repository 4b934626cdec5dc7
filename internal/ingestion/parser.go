package ingestion

import (
	"IRSLedger/internal/event"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	// OutboundPrefix roots every published ledger event subject.
	OutboundPrefix = "irs.ledger.events"
	// RatePrefix roots inbound rate feed subjects: irs.rates.{source}.
	RatePrefix = "irs.rates"
)

// OutboundMessage is the JSON wire format of a published event.
// Field names use snake_case to match downstream consumers.
type OutboundMessage struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	PositionID     *uint64         `json:"position_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	PrevHash       string          `json:"prev_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

// OutboundSubject returns irs.ledger.events.{event}, with the position id
// appended for position-scoped events.
func OutboundSubject(env *event.EventEnvelope) string {
	subject := OutboundPrefix + "." + env.EventType.Subject()
	if env.PositionID != nil {
		subject = fmt.Sprintf("%s.%d", subject, *env.PositionID)
	}
	return subject
}

// MsgID is the JetStream dedup id of an envelope; redelivered publishes
// of the same event collapse inside the stream's duplicate window.
func MsgID(env *event.EventEnvelope) string {
	return env.EventType.String() + ":" + env.IdempotencyKey
}

// EncodeOutbound renders an envelope in the outbound wire format.
func EncodeOutbound(env *event.EventEnvelope) ([]byte, error) {
	return json.Marshal(OutboundMessage{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		PositionID:     env.PositionID,
		Payload:        env.Payload,
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		PrevHash:       hex.EncodeToString(env.PrevHash[:]),
		Timestamp:      env.Timestamp,
	})
}

// DecodeOutbound parses a published message back into an envelope and its typed event.
func DecodeOutbound(data []byte) (*event.EventEnvelope, event.Event, error) {
	var msg OutboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, nil, fmt.Errorf("parse outbound message: %w", err)
	}
	et, err := event.ParseEventType(msg.EventType)
	if err != nil {
		return nil, nil, err
	}

	env := &event.EventEnvelope{
		Sequence:       msg.Sequence,
		IdempotencyKey: msg.IdempotencyKey,
		EventType:      et,
		PositionID:     msg.PositionID,
		Timestamp:      msg.Timestamp,
		Payload:        msg.Payload,
	}
	if err := decodeHash(msg.StateHash, &env.StateHash); err != nil {
		return nil, nil, fmt.Errorf("parse state_hash: %w", err)
	}
	if err := decodeHash(msg.PrevHash, &env.PrevHash); err != nil {
		return nil, nil, fmt.Errorf("parse prev_hash: %w", err)
	}

	evt, err := event.Decode(et, msg.Payload)
	if err != nil {
		return nil, nil, err
	}
	return env, evt, nil
}

func decodeHash(s string, dst *[32]byte) error {
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) != len(dst) {
		return fmt.Errorf("want %d bytes, got %d", len(dst), len(b))
	}
	copy(dst[:], b)
	return nil
}

// ParseRateSubject extracts the source name from irs.rates.{source}.
func ParseRateSubject(subject string) (string, error) {
	source, ok := strings.CutPrefix(subject, RatePrefix+".")
	if !ok || source == "" || strings.Contains(source, ".") {
		return "", fmt.Errorf("unexpected rate subject %q", subject)
	}
	return source, nil
}
