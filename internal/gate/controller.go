// Package gate owns the physical gate: it derives state from the sense lines,
// pulses relays to move it, and enforces time-bounded holds.
package gate

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sweeney/gate-controller/internal/gpio"
	"github.com/sweeney/gate-controller/internal/logic"
)

// DefaultPulseDuration is how long a relay is held for a normal transition.
const DefaultPulseDuration = time.Second

// ErrTransitionRefused is returned by ChangeState when the gate is locked,
// already moving, or asked to move to MOVING.
var ErrTransitionRefused = errors.New("transition refused")

// ErrClosed is returned by mutations after Close.
var ErrClosed = errors.New("controller closed")

// Hold errors, surfaced unchanged from the ledger.
var (
	ErrConflictingHold  = logic.ErrConflictingHold
	ErrInvalidLockState = logic.ErrInvalidLockState
	ErrLockNotFound     = logic.ErrLockNotFound
)

// Config is the wiring of a single gate.
type Config struct {
	// PullToOpen is true when an asserted master orange line means open.
	PullToOpen bool

	// PulseDuration is how long a relay is asserted per transition.
	// Zero means DefaultPulseDuration.
	PulseDuration time.Duration
}

// Snapshot is a point-in-time view of the gate.
type Snapshot struct {
	State       logic.State
	LockedState logic.State // empty if no hold is active
	Holds       []logic.Hold
}

// Controller is the only mutation and query surface for the gate.
// It is safe for concurrent use.
type Controller struct {
	mu     sync.RWMutex
	lines  gpio.Lines
	ledger *logic.Ledger

	pullToOpen    bool
	pulseDuration time.Duration
	// pulsing is set while a relay pulse on pulsePin is in flight; the gate
	// reports MOVING.
	pulsing  bool
	pulsePin gpio.Pin
	// releasePending is set while the exit relay should be low but the last
	// write failed. Every sweep retries it.
	releasePending bool
	closed         bool
	wg             sync.WaitGroup

	now     func() time.Time
	sleep   func(time.Duration)
	metrics *Metrics
}

// Option configures a Controller.
type Option func(*controllerOptions)

type controllerOptions struct {
	now     func() time.Time
	sleep   func(time.Duration)
	newID   func() (string, error)
	metrics *Metrics
}

// WithClock overrides time.Now for hold expiry.
func WithClock(now func() time.Time) Option {
	return func(o *controllerOptions) { o.now = now }
}

// WithSleep overrides time.Sleep for relay pulses.
func WithSleep(sleep func(time.Duration)) Option {
	return func(o *controllerOptions) { o.sleep = sleep }
}

// WithIDGenerator overrides the lock id generator.
func WithIDGenerator(newID func() (string, error)) Option {
	return func(o *controllerOptions) { o.newID = newID }
}

// WithMetrics records controller activity on m.
func WithMetrics(m *Metrics) Option {
	return func(o *controllerOptions) { o.metrics = m }
}

// New creates a Controller that owns lines.
func New(lines gpio.Lines, cfg Config, opts ...Option) *Controller {
	o := controllerOptions{
		now:   time.Now,
		sleep: time.Sleep,
		newID: newLockID,
	}
	for _, opt := range opts {
		opt(&o)
	}

	pulse := cfg.PulseDuration
	if pulse == 0 {
		pulse = DefaultPulseDuration
	}

	return &Controller{
		lines:         lines,
		ledger:        logic.NewLedger(o.newID),
		pullToOpen:    cfg.PullToOpen,
		pulseDuration: pulse,
		now:           o.now,
		sleep:         o.sleep,
		metrics:       o.metrics,
	}
}

func newLockID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// State returns the current gate state derived from the sense lines.
func (c *Controller) State() (logic.State, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.readState()
}

// LockedState returns the held state, or false if no hold is active.
func (c *Controller) LockedState() (logic.State, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ledger.LockedState()
}

// Snapshot returns state, locked state and holds read under one lock.
func (c *Controller) Snapshot() (Snapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	state, err := c.readState()
	if err != nil {
		return Snapshot{}, err
	}
	locked, _ := c.ledger.LockedState()
	return Snapshot{
		State:       state,
		LockedState: locked,
		Holds:       c.ledger.Holds(),
	}, nil
}

// Sync removes expired holds. When the last hold goes and it was holding the
// gate open, the exit relay is released.
func (c *Controller) Sync() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncLocked()
}

// ChangeState moves the gate towards desired. It returns nil without pulsing
// if the gate is already there, and ErrTransitionRefused if any hold is
// active, the gate is moving, or desired is not OPEN or CLOSED.
// The relay pulse completes in the background.
func (c *Controller) ChangeState(desired logic.State) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if err := c.syncLocked(); err != nil {
		return err
	}

	if held, ok := c.ledger.LockedState(); ok {
		return c.refuse("locked", "gate is held %s", held)
	}
	if desired != logic.StateOpen && desired != logic.StateClosed {
		return c.refuse("invalid_target", "cannot move to %q", desired)
	}

	current, err := c.readState()
	if err != nil {
		return err
	}
	if current == logic.StateMoving {
		return c.refuse("moving", "gate is already moving")
	}
	if current == desired {
		return nil
	}

	log.Printf("gate: change %s -> %s", current, desired)
	return c.startPulse(relayFor(desired))
}

// HoldState pins the gate to desired for ttl and returns the new lock id.
// Holding OPEN asserts the exit relay for as long as any hold remains;
// holding CLOSED pulses the cycle relay once if the gate is not closed.
func (c *Controller) HoldState(desired logic.State, ttl time.Duration) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return "", ErrClosed
	}
	if err := c.syncLocked(); err != nil {
		return "", err
	}

	id, err := c.ledger.Insert(desired, ttl, c.now())
	if err != nil {
		return "", err
	}

	if err := c.applyHold(desired); err != nil {
		if rmErr := c.ledger.Remove(id); rmErr != nil {
			log.Printf("gate: rollback hold %s: %v", id, rmErr)
		}
		return "", err
	}

	log.Printf("gate: hold %s for %v (%d active)", desired, ttl, c.ledger.Len())
	c.metrics.holds(c.ledger.Len(), 0)
	return id, nil
}

func (c *Controller) applyHold(desired logic.State) error {
	if desired == logic.StateOpen {
		if err := c.lines.Write(gpio.PinExitRelay, true); err != nil {
			return fmt.Errorf("assert %s: %w", gpio.PinExitRelay, err)
		}
		c.releasePending = false
		return nil
	}

	current, err := c.readState()
	if err != nil {
		return err
	}
	switch current {
	case logic.StateClosed:
		return nil
	case logic.StateMoving:
		log.Printf("gate: hold CLOSED while moving, not pulsing")
		return nil
	}
	return c.startPulse(gpio.PinCycleRelay)
}

// DeleteLock removes the hold with the given id.
func (c *Controller) DeleteLock(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	held, _ := c.ledger.LockedState()
	if err := c.ledger.Remove(id); err != nil {
		return err
	}
	c.metrics.holds(c.ledger.Len(), 0)
	log.Printf("gate: lock removed (%d active)", c.ledger.Len())

	if c.ledger.Len() == 0 {
		c.release(held)
	}
	return c.retryRelease()
}

// Wait blocks until any in-flight relay pulse has finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Close refuses further mutations, waits for pulses, drops both relays and
// releases the lines.
func (c *Controller) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.releasePending = false

	var errs []error
	for _, pin := range []gpio.Pin{gpio.PinCycleRelay, gpio.PinExitRelay} {
		if err := c.lines.Write(pin, false); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.lines.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// readState derives the state from the lines. Caller must hold c.mu.
func (c *Controller) readState() (logic.State, error) {
	if c.pulsing {
		return logic.StateMoving, nil
	}
	motor, err := c.lines.Read(gpio.PinMotor)
	if err != nil {
		return "", fmt.Errorf("read state: %w", err)
	}
	position, err := c.lines.Read(gpio.PinPosition)
	if err != nil {
		return "", fmt.Errorf("read state: %w", err)
	}
	return logic.DeriveState(motor, position, c.pullToOpen), nil
}

// syncLocked sweeps expired holds. Caller must hold c.mu for writing.
func (c *Controller) syncLocked() error {
	held, _ := c.ledger.LockedState()
	before := c.ledger.Len()
	emptied := c.ledger.Sweep(c.now())

	if expired := before - c.ledger.Len(); expired > 0 {
		log.Printf("gate: %d hold(s) expired", expired)
		c.metrics.holds(c.ledger.Len(), expired)
	}
	if emptied {
		c.release(held)
	}
	return c.retryRelease()
}

// release marks the exit relay for dropping once the last OPEN hold is gone.
func (c *Controller) release(held logic.State) {
	if held == logic.StateOpen {
		log.Printf("gate: OPEN hold released")
		c.releasePending = true
	}
}

// retryRelease drops the exit relay if a release is pending. The flag stays
// set until the write succeeds. An exit pulse in flight keeps the relay and
// finishPulse drops it.
func (c *Controller) retryRelease() error {
	if !c.releasePending {
		return nil
	}
	if c.pulsing && c.pulsePin == gpio.PinExitRelay {
		c.releasePending = false
		return nil
	}
	if err := c.lines.Write(gpio.PinExitRelay, false); err != nil {
		return fmt.Errorf("release %s: %w", gpio.PinExitRelay, err)
	}
	c.releasePending = false
	return nil
}

func (c *Controller) refuse(reason, format string, args ...any) error {
	c.metrics.refuse(reason)
	msg := fmt.Sprintf(format, args...)
	log.Printf("gate: change refused: %s", msg)
	return fmt.Errorf("%w: %s", ErrTransitionRefused, msg)
}
