package state

import (
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// ActionType defines the type of liquidation attempt.
type ActionType int32

const (
	ActionTypeLiquidation        ActionType = iota
	ActionTypePartialLiquidation            // Caller-sized, never closes
)

func (at ActionType) String() string {
	switch at {
	case ActionTypeLiquidation:
		return "Liquidation"
	case ActionTypePartialLiquidation:
		return "PartialLiquidation"
	default:
		return "Unknown"
	}
}

// ActionState represents the progress of a liquidation attempt.
// Healthy → Liquidatable → FullLiquidation|PartialLiquidation → Closed|Reduced
type ActionState int32

const (
	ActionStateHealthy            ActionState = iota
	ActionStateLiquidatable                   // Health below threshold
	ActionStateFullLiquidation                // Seizing with close allowed
	ActionStatePartialLiquidation             // Seizing a caller-requested amount
	ActionStateClosed                         // Position fully closed
	ActionStateReduced                        // Margin seized, position still open
)

func (as ActionState) String() string {
	switch as {
	case ActionStateHealthy:
		return "Healthy"
	case ActionStateLiquidatable:
		return "Liquidatable"
	case ActionStateFullLiquidation:
		return "FullLiquidation"
	case ActionStatePartialLiquidation:
		return "PartialLiquidation"
	case ActionStateClosed:
		return "Closed"
	case ActionStateReduced:
		return "Reduced"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates action state transitions.
func (as ActionState) CanTransitionTo(next ActionState) bool {
	transitions := map[ActionState][]ActionState{
		ActionStateHealthy: {
			ActionStateLiquidatable,
		},
		ActionStateLiquidatable: {
			ActionStateFullLiquidation,
			ActionStatePartialLiquidation,
		},
		ActionStateFullLiquidation: {
			ActionStateClosed,
			ActionStateReduced, // Health restored by the seizure
		},
		ActionStatePartialLiquidation: {
			ActionStateReduced,
		},
		ActionStateClosed: {
			// Terminal state
		},
		ActionStateReduced: {
			// Terminal state
		},
	}

	allowed, ok := transitions[as]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if next == a {
			return true
		}
	}
	return false
}

// PositionAction records one liquidation attempt. It lives only in memory.
type PositionAction struct {
	ActionID    uuid.UUID
	ActionType  ActionType
	PositionID  uint64
	Liquidator  uuid.UUID
	State       ActionState
	History     []ActionState
	StartedAt   int64
	CompletedAt int64  // Zero while in flight
	Failure     string // Why the attempt stopped early, if it did
}

// IsTerminal returns true once the attempt has finished, successfully or not.
func (pa *PositionAction) IsTerminal() bool {
	return pa.CompletedAt != 0
}

// advance moves the attempt to next, rejecting transitions outside the table.
func (pa *PositionAction) advance(next ActionState) error {
	if !pa.State.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, pa.State, next)
	}
	pa.History = append(pa.History, pa.State)
	pa.State = next
	return nil
}

func (pa *PositionAction) clone() *PositionAction {
	c := *pa
	c.History = slices.Clone(pa.History)
	return &c
}

// SignalHandler evaluates whether a liquidation should be attempted.
type SignalHandler interface {
	// Evaluate checks if the signal condition is met for a health report.
	Evaluate(report HealthReport) bool
}

// LiquidationSignalHandler triggers liquidation when health falls below threshold.
type LiquidationSignalHandler struct{}

func (h *LiquidationSignalHandler) Evaluate(report HealthReport) bool {
	return report.Liquidatable
}

// PositionActionManager keeps recent liquidation attempts for inspection.
type PositionActionManager struct {
	mu      sync.RWMutex
	actions map[uuid.UUID]*PositionAction
}

func NewPositionActionManager() *PositionActionManager {
	return &PositionActionManager{
		actions: make(map[uuid.UUID]*PositionAction),
	}
}

func (pam *PositionActionManager) begin(actionType ActionType, positionID uint64, liquidator uuid.UUID, at int64) *PositionAction {
	action := &PositionAction{
		ActionID:   uuid.New(),
		ActionType: actionType,
		PositionID: positionID,
		Liquidator: liquidator,
		State:      ActionStateHealthy,
		StartedAt:  at,
	}
	pam.mu.Lock()
	pam.actions[action.ActionID] = action
	pam.mu.Unlock()
	return action
}

// complete finalizes an attempt. failure is empty on success.
func (pam *PositionActionManager) complete(action *PositionAction, at int64, failure string) {
	pam.mu.Lock()
	defer pam.mu.Unlock()
	action.CompletedAt = at
	action.Failure = failure
}

// update applies fn to the action under the manager lock.
func (pam *PositionActionManager) update(action *PositionAction, fn func(*PositionAction) error) error {
	pam.mu.Lock()
	defer pam.mu.Unlock()
	return fn(action)
}

// ActionsFor returns copies of the recorded attempts on a position, oldest first.
func (pam *PositionActionManager) ActionsFor(positionID uint64) []*PositionAction {
	pam.mu.RLock()
	defer pam.mu.RUnlock()

	var out []*PositionAction
	for _, a := range pam.actions {
		if a.PositionID == positionID {
			out = append(out, a.clone())
		}
	}
	slices.SortFunc(out, func(a, b *PositionAction) int {
		switch {
		case a.StartedAt < b.StartedAt:
			return -1
		case a.StartedAt > b.StartedAt:
			return 1
		default:
			return 0
		}
	})
	return out
}

// GetActiveAction returns the in-flight attempt on a position, if any.
func (pam *PositionActionManager) GetActiveAction(positionID uint64) *PositionAction {
	pam.mu.RLock()
	defer pam.mu.RUnlock()
	for _, a := range pam.actions {
		if a.PositionID == positionID && !a.IsTerminal() {
			return a.clone()
		}
	}
	return nil
}

// CleanupTerminal removes finished attempts completed before the given time
// and returns how many were removed.
func (pam *PositionActionManager) CleanupTerminal(before int64) int {
	pam.mu.Lock()
	defer pam.mu.Unlock()
	removed := 0
	for id, a := range pam.actions {
		if a.IsTerminal() && a.CompletedAt < before {
			delete(pam.actions, id)
			removed++
		}
	}
	return removed
}
