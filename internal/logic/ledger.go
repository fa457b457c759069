package logic

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConflictingHold is returned when a hold asks for a different state
	// than the holds already in the ledger.
	ErrConflictingHold = errors.New("conflicting hold")

	// ErrInvalidLockState is returned when a hold asks for MOVING.
	ErrInvalidLockState = errors.New("invalid lock state")

	// ErrLockNotFound is returned when removing an unknown lock id.
	ErrLockNotFound = errors.New("lock not found")
)

// Hold is a time-bounded override pinning the gate to the ledger's locked state.
type Hold struct {
	ID      string
	Expires time.Time
}

// Ledger is the set of active holds. All holds share one locked state,
// fixed from the first insert until the ledger is empty again.
// Not safe for concurrent use; the Controller serializes access.
type Ledger struct {
	holds  []Hold
	locked State
	newID  func() (string, error)
}

// NewLedger creates an empty ledger that names holds with newID.
func NewLedger(newID func() (string, error)) *Ledger {
	return &Ledger{newID: newID}
}

// Insert adds a hold on desired that expires at now+ttl and returns its id.
func (l *Ledger) Insert(desired State, ttl time.Duration, now time.Time) (string, error) {
	if desired != StateOpen && desired != StateClosed {
		return "", fmt.Errorf("%w: %s", ErrInvalidLockState, desired)
	}
	if len(l.holds) > 0 && desired != l.locked {
		return "", fmt.Errorf("%w: held %s, requested %s", ErrConflictingHold, l.locked, desired)
	}

	id, err := l.newID()
	if err != nil {
		return "", fmt.Errorf("generate lock id: %w", err)
	}

	l.holds = append(l.holds, Hold{ID: id, Expires: now.Add(ttl)})
	l.locked = desired
	return id, nil
}

// Remove deletes the first hold with the given id.
func (l *Ledger) Remove(id string) error {
	for i, h := range l.holds {
		if h.ID == id {
			l.holds = append(l.holds[:i], l.holds[i+1:]...)
			l.resetIfEmpty()
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrLockNotFound, id)
}

// Sweep removes every hold with expires <= now. It reports whether this call
// took the ledger from non-empty to empty.
func (l *Ledger) Sweep(now time.Time) bool {
	if len(l.holds) == 0 {
		return false
	}

	kept := l.holds[:0]
	for _, h := range l.holds {
		if h.Expires.After(now) {
			kept = append(kept, h)
		}
	}
	l.holds = kept

	if len(l.holds) == 0 {
		l.resetIfEmpty()
		return true
	}
	return false
}

// LockedState returns the shared held state, or false if there are no holds.
func (l *Ledger) LockedState() (State, bool) {
	if len(l.holds) == 0 {
		return "", false
	}
	return l.locked, true
}

// Holds returns a copy of the active holds in insertion order.
func (l *Ledger) Holds() []Hold {
	out := make([]Hold, len(l.holds))
	copy(out, l.holds)
	return out
}

// Len returns the number of active holds.
func (l *Ledger) Len() int {
	return len(l.holds)
}

func (l *Ledger) resetIfEmpty() {
	if len(l.holds) == 0 {
		l.holds = nil
		l.locked = ""
	}
}
