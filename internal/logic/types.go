// Package logic contains pure business logic for gate state tracking.
// This package has NO external dependencies (no GPIO, MQTT, OS, or time.Sleep).
// Time is always injectable via time.Time parameters.
package logic

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// State represents the logical state of the gate.
type State string

const (
	StateOpen   State = "OPEN"
	StateMoving State = "MOVING"
	StateClosed State = "CLOSED"
)

// ErrInvalidState is returned by ParseState for unknown state names.
var ErrInvalidState = errors.New("invalid state")

// ParseState converts a case-insensitive state name into a State.
func ParseState(s string) (State, error) {
	switch st := State(strings.ToUpper(s)); st {
	case StateOpen, StateMoving, StateClosed:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidState, s)
}

// EventType represents a debounced gate state transition.
type EventType string

const (
	EventOpen   EventType = "GATE_OPEN"
	EventMoving EventType = "GATE_MOVING"
	EventClosed EventType = "GATE_CLOSED"
)

// Event represents a state transition to be published.
type Event struct {
	Timestamp time.Time
	Type      EventType
	State     State
	// Previous stable state
	From State
	// LockedState is the held state at the time of the event, empty if unlocked.
	LockedState State
}

// Input represents a single sample of the gate state.
type Input struct {
	State       State
	LockedState State // empty if no hold is active
	Time        time.Time
}

// EventCounts tracks the number of each event type since startup.
type EventCounts struct {
	Open   int
	Moving int
	Closed int
}

// HeartbeatData contains information for a heartbeat event.
type HeartbeatData struct {
	Timestamp time.Time
	Uptime    time.Duration
	Counts    EventCounts
}
