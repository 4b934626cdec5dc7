package event

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// RiskParamUpdated represents a governor change to one risk parameter.
// When received, consumers invalidate any cached health derived from the
// previous parameter version.
type RiskParamUpdated struct {
	Param     string    `json:"param"`
	Old       *big.Int  `json:"old"`
	New       *big.Int  `json:"new"`
	Governor  uuid.UUID `json:"governor"`
	Version   int64     `json:"version"` // Params version after the change
	Timestamp int64     `json:"timestamp"`
}

func (r *RiskParamUpdated) IdempotencyKey() string {
	return fmt.Sprintf("risk_param:%s:%d", r.Param, r.Version)
}

func (r *RiskParamUpdated) EventType() EventType {
	return EventTypeRiskParamUpdated
}

func (r *RiskParamUpdated) PositionID() *uint64 {
	return nil
}

func (r *RiskParamUpdated) OccurredAt() int64 {
	return r.Timestamp
}
