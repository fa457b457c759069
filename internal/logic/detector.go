package logic

import "time"

// channel tracks debounce state for the gate.
type channel struct {
	// Current stable (debounced) state
	stable State
	// Pending state during debounce
	pending State
	// Time when pending state was first observed
	pendingSince time.Time
}

// Detector tracks the gate state and detects debounced transitions.
type Detector struct {
	debounceDuration time.Duration
	gate             channel
	baselined        bool
	startTime        time.Time
	eventCounts      EventCounts
	lastHeartbeat    time.Time
}

// NewDetector creates a new transition detector with the given debounce duration.
// The startTime is used for calculating uptime in heartbeat events.
func NewDetector(debounceDuration time.Duration, startTime time.Time) *Detector {
	return &Detector{
		debounceDuration: debounceDuration,
		startTime:        startTime,
		lastHeartbeat:    startTime,
	}
}

// Process takes a new input sample and returns the event that should be
// emitted, or nil. Nothing is emitted until a baseline is established.
func (d *Detector) Process(input Input) *Event {
	ch := &d.gate

	if !d.baselined {
		if ch.pending != input.State {
			// Start observing, or state changed during baseline: restart
			ch.pending = input.State
			ch.pendingSince = input.Time
			return nil
		}
		if input.Time.Sub(ch.pendingSince) >= d.debounceDuration {
			ch.stable = input.State
			ch.pending = ""
			d.baselined = true
		}
		return nil
	}

	if input.State == ch.stable {
		ch.pending = ""
		return nil
	}

	if ch.pending != input.State {
		ch.pending = input.State
		ch.pendingSince = input.Time
		return nil
	}

	if input.Time.Sub(ch.pendingSince) < d.debounceDuration {
		return nil
	}

	from := ch.stable
	ch.stable = input.State
	ch.pending = ""

	event := &Event{
		Timestamp:   input.Time,
		Type:        eventTypeFor(input.State),
		State:       input.State,
		From:        from,
		LockedState: input.LockedState,
	}

	switch event.Type {
	case EventOpen:
		d.eventCounts.Open++
	case EventMoving:
		d.eventCounts.Moving++
	case EventClosed:
		d.eventCounts.Closed++
	}

	return event
}

func eventTypeFor(s State) EventType {
	switch s {
	case StateOpen:
		return EventOpen
	case StateMoving:
		return EventMoving
	default:
		return EventClosed
	}
}

// IsBaselined returns whether the detector has established a baseline.
func (d *Detector) IsBaselined() bool {
	return d.baselined
}

// CurrentState returns the current stable state.
func (d *Detector) CurrentState() State {
	return d.gate.stable
}

// EventCountsSnapshot returns a copy of the event counters.
func (d *Detector) EventCountsSnapshot() EventCounts {
	return d.eventCounts
}

// CheckHeartbeat returns heartbeat data if the interval has elapsed since the
// last heartbeat (or startup). Returns nil if not yet baselined, if the
// interval has not elapsed, or if interval is <= 0 (disabled).
func (d *Detector) CheckHeartbeat(now time.Time, interval time.Duration) *HeartbeatData {
	if interval <= 0 {
		return nil
	}

	if !d.baselined {
		return nil
	}

	if now.Sub(d.lastHeartbeat) < interval {
		return nil
	}

	d.lastHeartbeat = now
	return &HeartbeatData{
		Timestamp: now,
		Uptime:    now.Sub(d.startTime),
		Counts:    d.eventCounts,
	}
}
