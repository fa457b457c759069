package gpio

import (
	"errors"
	"sync"
)

// Write records a single output write.
type Write struct {
	Pin   Pin
	Value bool
}

// FakeLines is a test double with settable input levels that records every
// output write. Safe for concurrent use.
type FakeLines struct {
	mu     sync.Mutex
	levels map[Pin]bool
	writes []Write

	// Closed tracks if Close was called
	Closed bool

	// ReadError, if set, will be returned by Read()
	ReadError error

	// WriteError, if set, will be returned by Write()
	WriteError error
}

// NewFakeLines creates FakeLines with both sense lines low.
func NewFakeLines() *FakeLines {
	return &FakeLines{levels: make(map[Pin]bool)}
}

// Set sets the level an input line will report.
func (f *FakeLines) Set(pin Pin, value bool) {
	f.mu.Lock()
	f.levels[pin] = value
	f.mu.Unlock()
}

// Read returns the current level of the pin.
func (f *FakeLines) Read(pin Pin) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReadError != nil {
		return false, f.ReadError
	}
	return f.levels[pin], nil
}

// Write records the write and updates the pin level.
func (f *FakeLines) Write(pin Pin, value bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.WriteError != nil {
		return f.WriteError
	}
	if f.Closed {
		return errors.New("write after close")
	}
	f.writes = append(f.writes, Write{Pin: pin, Value: value})
	f.levels[pin] = value
	return nil
}

// Level returns the last level written to (or set on) the pin.
func (f *FakeLines) Level(pin Pin) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.levels[pin]
}

// Writes returns a copy of every recorded write in order.
func (f *FakeLines) Writes() []Write {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Write, len(f.writes))
	copy(out, f.writes)
	return out
}

// Pulses counts rising edges written to the pin.
func (f *FakeLines) Pulses(pin Pin) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	level := false
	for _, w := range f.writes {
		if w.Pin != pin {
			continue
		}
		if w.Value && !level {
			n++
		}
		level = w.Value
	}
	return n
}

// Close marks the lines as closed.
func (f *FakeLines) Close() error {
	f.mu.Lock()
	f.Closed = true
	f.mu.Unlock()
	return nil
}

// Reset clears recorded writes and levels.
func (f *FakeLines) Reset() {
	f.mu.Lock()
	f.levels = make(map[Pin]bool)
	f.writes = nil
	f.Closed = false
	f.mu.Unlock()
}
