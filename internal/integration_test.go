package internal

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/sweeney/gate-controller/internal/gate"
	"github.com/sweeney/gate-controller/internal/gpio"
	"github.com/sweeney/gate-controller/internal/logic"
	"github.com/sweeney/gate-controller/internal/mqtt"
	"github.com/sweeney/gate-controller/internal/status"
)

const (
	pollInterval = 100 * time.Millisecond
	debounce     = 250 * time.Millisecond
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// rig is a controller over fake lines plus the poll-side pipeline that the
// daemon runs: detector, tracker and publisher.
type rig struct {
	t         *testing.T
	lines     *gpio.FakeLines
	ctrl      *gate.Controller
	clock     *clock
	detector  *logic.Detector
	publisher *mqtt.FakePublisher
	tracker   *status.Tracker
	reg       *prometheus.Registry
}

func newRig(t *testing.T) *rig {
	t.Helper()
	clk := &clock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	lines := gpio.NewFakeLines()
	reg := prometheus.NewRegistry()
	ctrl := gate.New(lines, gate.Config{PullToOpen: false},
		gate.WithClock(clk.Now),
		gate.WithSleep(func(time.Duration) {}),
		gate.WithMetrics(gate.NewMetrics(reg)),
	)
	return &rig{
		t:         t,
		lines:     lines,
		ctrl:      ctrl,
		clock:     clk,
		detector:  logic.NewDetector(debounce, clk.Now()),
		publisher: mqtt.NewFakePublisher(),
		tracker:   status.NewTracker(clk.Now(), status.Config{PollMs: pollInterval.Milliseconds(), DebounceMs: debounce.Milliseconds()}),
		reg:       reg,
	}
}

// sample runs one poll tick n times.
func (r *rig) sample(n int) {
	r.t.Helper()
	for i := 0; i < n; i++ {
		r.clock.Advance(pollInterval)
		snap, err := r.ctrl.Snapshot()
		if err != nil {
			r.t.Fatalf("snapshot: %v", err)
		}
		if ev := r.detector.Process(logic.Input{
			State:       snap.State,
			LockedState: snap.LockedState,
			Time:        r.clock.Now(),
		}); ev != nil {
			r.publisher.Publish(*ev)
		}
		r.tracker.Update(r.detector.CurrentState(), r.detector.IsBaselined(), r.detector.EventCountsSnapshot())
		r.tracker.SetHolds(snap.LockedState, len(snap.Holds))
	}
}

// travel simulates the operator: the motor runs, then the gate settles at to.
func (r *rig) travel(to logic.State) {
	r.lines.Set(gpio.PinMotor, true)
	r.sample(4)
	r.lines.Set(gpio.PinMotor, false)
	r.lines.Set(gpio.PinPosition, to == logic.StateClosed)
	r.sample(4)
}

func eventTypes(events []logic.Event) []logic.EventType {
	out := make([]logic.EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func equalTypes(a, b []logic.EventType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// TestIntegrationFullFlow drives a close, a held open, a refused close and
// the hold expiring, checking relays and published events along the way.
func TestIntegrationFullFlow(t *testing.T) {
	r := newRig(t)
	r.sample(4)
	if !r.detector.IsBaselined() {
		t.Fatal("expected baseline after 4 samples")
	}

	// Close the gate.
	if err := r.ctrl.ChangeState(logic.StateClosed); err != nil {
		t.Fatalf("ChangeState(CLOSED): %v", err)
	}
	r.ctrl.Wait()
	if got := r.lines.Pulses(gpio.PinCycleRelay); got != 1 {
		t.Fatalf("cycle relay pulses: got %d, want 1", got)
	}
	r.travel(logic.StateClosed)

	// Hold it open for a minute.
	id, err := r.ctrl.HoldState(logic.StateOpen, time.Minute)
	if err != nil {
		t.Fatalf("HoldState(OPEN): %v", err)
	}
	if id == "" {
		t.Fatal("expected a lock id")
	}
	if !r.lines.Level(gpio.PinExitRelay) {
		t.Fatal("exit relay should be asserted while held open")
	}
	r.travel(logic.StateOpen)

	// Closing is refused while held.
	if err := r.ctrl.ChangeState(logic.StateClosed); !errors.Is(err, gate.ErrTransitionRefused) {
		t.Fatalf("expected ErrTransitionRefused, got %v", err)
	}
	if got := r.lines.Pulses(gpio.PinCycleRelay); got != 1 {
		t.Errorf("refused change must not pulse, got %d cycle pulses", got)
	}

	// Expiry releases the exit relay.
	r.clock.Advance(time.Minute)
	if err := r.ctrl.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if r.lines.Level(gpio.PinExitRelay) {
		t.Error("exit relay should drop once the hold expires")
	}
	if _, held := r.ctrl.LockedState(); held {
		t.Error("gate should be unlocked after expiry")
	}

	want := []logic.EventType{logic.EventMoving, logic.EventClosed, logic.EventMoving, logic.EventOpen}
	if got := eventTypes(r.publisher.Events); !equalTypes(got, want) {
		t.Fatalf("events: got %v, want %v", got, want)
	}
	if r.publisher.Events[1].LockedState != "" {
		t.Errorf("close event should be unlocked, got %q", r.publisher.Events[1].LockedState)
	}
	if r.publisher.Events[3].LockedState != logic.StateOpen {
		t.Errorf("open event should carry locked_state OPEN, got %q", r.publisher.Events[3].LockedState)
	}
}

func TestIntegrationMetricsAfterFlow(t *testing.T) {
	r := newRig(t)
	r.sample(4)

	if _, err := r.ctrl.HoldState(logic.StateOpen, 10*time.Second); err != nil {
		t.Fatalf("HoldState: %v", err)
	}
	r.ctrl.ChangeState(logic.StateClosed)
	r.clock.Advance(10 * time.Second)
	r.ctrl.Sync()

	count, err := testutil.GatherAndCount(r.reg, "gate_holds_expired_total", "gate_transitions_refused_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 series, got %d", count)
	}
}

func TestIntegrationHoldClosedWhileClosedDoesNotPulse(t *testing.T) {
	r := newRig(t)
	r.lines.Set(gpio.PinPosition, true)
	r.sample(4)

	if _, err := r.ctrl.HoldState(logic.StateClosed, time.Minute); err != nil {
		t.Fatalf("HoldState: %v", err)
	}
	r.ctrl.Wait()
	r.sample(4)

	if got := r.lines.Pulses(gpio.PinCycleRelay); got != 0 {
		t.Errorf("cycle relay pulses: got %d, want 0", got)
	}
	if len(r.publisher.Events) != 0 {
		t.Errorf("expected no events, got %v", eventTypes(r.publisher.Events))
	}
	snap := r.tracker.Snapshot()
	if snap.LockedState != logic.StateClosed || snap.Holds != 1 {
		t.Errorf("tracker holds: got %q/%d, want CLOSED/1", snap.LockedState, snap.Holds)
	}
}

func TestIntegrationPulseReportsMoving(t *testing.T) {
	clk := &clock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	lines := gpio.NewFakeLines()
	release := make(chan struct{})
	ctrl := gate.New(lines, gate.Config{},
		gate.WithClock(clk.Now),
		gate.WithSleep(func(time.Duration) { <-release }),
	)

	if err := ctrl.ChangeState(logic.StateClosed); err != nil {
		t.Fatalf("ChangeState: %v", err)
	}
	if s, _ := ctrl.State(); s != logic.StateMoving {
		t.Errorf("state during pulse: got %s, want MOVING", s)
	}
	if err := ctrl.ChangeState(logic.StateOpen); !errors.Is(err, gate.ErrTransitionRefused) {
		t.Errorf("expected refusal during pulse, got %v", err)
	}

	close(release)
	ctrl.Wait()
	if s, _ := ctrl.State(); s != logic.StateOpen {
		t.Errorf("state after pulse with no motor feedback: got %s, want OPEN", s)
	}
}

func TestIntegrationPublishFailureDoesNotCrash(t *testing.T) {
	r := newRig(t)
	r.publisher.PublishError = errors.New("broker down")

	r.sample(4)
	r.travel(logic.StateClosed)

	if len(r.publisher.Events) != 0 {
		t.Errorf("expected no recorded events, got %d", len(r.publisher.Events))
	}
	if got := r.detector.EventCountsSnapshot(); got.Moving != 1 || got.Closed != 1 {
		t.Errorf("detector counts: got %+v", got)
	}
}

func TestIntegrationPayloadFormat(t *testing.T) {
	r := newRig(t)
	r.sample(4)
	r.travel(logic.StateClosed)

	if len(r.publisher.Payloads) != 2 {
		t.Fatalf("expected 2 payloads, got %d", len(r.publisher.Payloads))
	}

	var parsed mqtt.Payload
	if err := json.Unmarshal(r.publisher.Payloads[1], &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if parsed.Gate.Event != "GATE_CLOSED" {
		t.Errorf("event: got %q", parsed.Gate.Event)
	}
	if parsed.Gate.State != "CLOSED" || parsed.Gate.From != "MOVING" {
		t.Errorf("state/from: got %q/%q", parsed.Gate.State, parsed.Gate.From)
	}
}

func TestIntegrationStartupThenShutdown(t *testing.T) {
	r := newRig(t)
	r.tracker.SetNetwork(&status.NetworkInfo{Type: "wifi", IP: "192.168.1.50", Status: "connected"})

	snap := r.tracker.Snapshot()
	r.publisher.PublishSystem(mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      "STARTUP",
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
	})

	r.sample(4)
	r.travel(logic.StateClosed)

	snap = r.tracker.Snapshot()
	r.publisher.PublishSystem(mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      "SHUTDOWN",
		Reason:     "SIGTERM",
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "SHUTDOWN", "SIGTERM"),
	})

	if len(r.publisher.SystemPayloads) != 2 {
		t.Fatalf("expected 2 system payloads, got %d", len(r.publisher.SystemPayloads))
	}

	var startup, shutdown status.StatusJSON
	if err := json.Unmarshal(r.publisher.SystemPayloads[0], &startup); err != nil {
		t.Fatalf("startup JSON: %v", err)
	}
	if err := json.Unmarshal(r.publisher.SystemPayloads[1], &shutdown); err != nil {
		t.Fatalf("shutdown JSON: %v", err)
	}

	if startup.Status.State != "UNKNOWN" || startup.Status.Ready {
		t.Errorf("startup: got state=%q ready=%v", startup.Status.State, startup.Status.Ready)
	}
	if startup.Status.Network == nil || startup.Status.Network.IP != "192.168.1.50" {
		t.Errorf("startup network: got %+v", startup.Status.Network)
	}
	if shutdown.Status.State != "CLOSED" || !shutdown.Status.Ready {
		t.Errorf("shutdown: got state=%q ready=%v", shutdown.Status.State, shutdown.Status.Ready)
	}
	if shutdown.Status.Counts.Moving != 1 || shutdown.Status.Counts.Closed != 1 {
		t.Errorf("shutdown counts: got %+v", shutdown.Status.Counts)
	}
	if shutdown.Status.Reason != "SIGTERM" {
		t.Errorf("shutdown reason: got %q", shutdown.Status.Reason)
	}
}

func TestIntegrationHeartbeatAfterTransitions(t *testing.T) {
	r := newRig(t)
	r.sample(4)
	r.travel(logic.StateClosed)

	hb := r.detector.CheckHeartbeat(r.clock.Now(), time.Second)
	if hb == nil {
		t.Fatal("expected heartbeat after 1.2s with 1s interval")
	}
	if hb.Counts.Moving != 1 || hb.Counts.Closed != 1 {
		t.Errorf("heartbeat counts: got %+v", hb.Counts)
	}
	if again := r.detector.CheckHeartbeat(r.clock.Now(), time.Second); again != nil {
		t.Error("heartbeat should not repeat within the interval")
	}
}
