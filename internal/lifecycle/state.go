// Package lifecycle implements the per-alert state machine and the expiry
// timers that drive Active alerts to Expired.
//
// An alert moves Queued -> Active -> {Acknowledged, Expired} -> Completed.
// Preemption moves an Active alert back to Queued; it is not terminal since
// the alert can become Active again later.
package lifecycle

import (
	"errors"
	"fmt"
	"slices"
)

// State is the lifecycle position of a single alert.
type State string

const (
	StateQueued       State = "queued"
	StateActive       State = "active"
	StateAcknowledged State = "acknowledged"
	StateExpired      State = "expired"
	StateCompleted    State = "completed"
)

// ErrInvalidTransition is returned by Transition for edges not in the table.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// Queued -> Acknowledged covers a resolution arriving for an alert that was
// preempted while the recipient was responding to it. Active -> Completed and
// Queued -> Completed cover withdrawal without a response.
var transitions = map[State][]State{
	"":                {StateQueued, StateActive},
	StateQueued:       {StateActive, StateAcknowledged, StateCompleted},
	StateActive:       {StateQueued, StateAcknowledged, StateExpired, StateCompleted},
	StateAcknowledged: {StateCompleted},
	StateExpired:      {StateCompleted},
}

// Transition validates the edge from -> to.
func Transition(from, to State) error {
	if slices.Contains(transitions[from], to) {
		return nil
	}
	return fmt.Errorf("%w: %q -> %q", ErrInvalidTransition, from, to)
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted
}
