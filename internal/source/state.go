// state.go defines the adapter lifecycle state machine shared by all
// source kinds. Transitions are driven exclusively by the adapter's own
// supervision loop; external callers only observe states.
package source

import (
	"fmt"
	"slices"
	"time"
)

// LifecycleState represents the current lifecycle state of a supervised source
type LifecycleState int

const (
	// StateStopped indicates the adapter is not running (initial and final state)
	StateStopped LifecycleState = iota
	// StateStarting indicates the source is being acquired (in Source.Open)
	StateStarting
	// StateRunning indicates the source is delivering audio
	StateRunning
	// StateDegraded indicates the source is delivering audio flagged as silent
	StateDegraded
	// StateFailed indicates the last capture attempt ended with an error
	// and the adapter is waiting out its restart backoff
	StateFailed
	// StateWatchdogTimeout indicates the source stalled: running but no
	// data arrived within the watchdog window
	StateWatchdogTimeout
)

// String returns a human-readable name for the lifecycle state
func (s LifecycleState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDegraded:
		return "degraded"
	case StateFailed:
		return "failed"
	case StateWatchdogTimeout:
		return "watchdog_timeout"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// StateTransition records a transition between lifecycle states for debugging
type StateTransition struct {
	From      LifecycleState
	To        LifecycleState
	Timestamp time.Time
	Reason    string
}

// validStateTransitions defines the allowed lifecycle transitions.
// This makes the supervision state machine behavior explicit and lets
// tests assert that no capture path invents its own shortcuts.
var validStateTransitions = map[LifecycleState][]LifecycleState{
	StateStopped:         {StateStarting},                                                    // A stopped adapter can only be started
	StateStarting:        {StateRunning, StateFailed, StateStopped},                          // Open succeeds, fails, or stop was requested
	StateRunning:         {StateDegraded, StateFailed, StateWatchdogTimeout, StateStopped},   // Silence, capture error, stall, or stop
	StateDegraded:        {StateRunning, StateFailed, StateWatchdogTimeout, StateStopped},    // Signal restored, capture error, stall, or stop
	StateFailed:          {StateStarting, StateStopped},                                      // Retry after backoff or stop
	StateWatchdogTimeout: {StateStarting, StateFailed, StateStopped},                         // Forced restart, teardown error, or stop
}

// isValidTransition checks if a lifecycle transition is allowed
func isValidTransition(from, to LifecycleState) bool {
	// Always allow transitions to the same state (idempotent)
	if from == to {
		return true
	}

	allowedTransitions, exists := validStateTransitions[from]
	if !exists {
		return false
	}

	return slices.Contains(allowedTransitions, to)
}
