package checkpoint

import (
	"errors"
	"time"

	"github.com/haivt/syncq/internal/core/domain"
)

// State is an alias for domain.CheckpointState for internal use.
type State = domain.CheckpointState

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

// ValidTransitions defines allowed state transitions.
// Key is the current state, value is the list of valid next states.
var ValidTransitions = map[State][]State{
	domain.CheckpointStateInit: {domain.CheckpointStateReplaying, domain.CheckpointStateCatchup},
	domain.CheckpointStateReplaying: {
		domain.CheckpointStateCatchup,
		domain.CheckpointStatePaused,
		domain.CheckpointStateConflicted,
	},
	domain.CheckpointStateCatchup: {
		domain.CheckpointStateReplaying,
		domain.CheckpointStatePaused,
		domain.CheckpointStateConflicted,
	},
	domain.CheckpointStatePaused: {
		domain.CheckpointStateReplaying,
		domain.CheckpointStateCatchup,
	},
	domain.CheckpointStateConflicted: {
		domain.CheckpointStateReplaying,
		domain.CheckpointStatePaused,
	},
}

// CanTransition checks if a transition from one state to another is valid.
func CanTransition(from, to State) bool {
	validTargets, ok := ValidTransitions[from]
	if !ok {
		return false
	}

	for _, target := range validTargets {
		if target == to {
			return true
		}
	}
	return false
}

// Transition represents a state change with metadata.
type Transition struct {
	From      State
	To        State
	Reason    string
	Timestamp time.Time
}

// NewTransition creates a new transition record.
func NewTransition(from, to State, reason string) Transition {
	return Transition{
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: time.Now(),
	}
}

// IsValid returns true if this transition is allowed by the state machine.
func (t Transition) IsValid() bool {
	return CanTransition(t.From, t.To)
}
