package gate

import (
	"fmt"
	"log"

	"github.com/sweeney/gate-controller/internal/gpio"
	"github.com/sweeney/gate-controller/internal/logic"
)

// relayFor picks the relay that drives the gate towards desired.
// OPEN uses the exit relay; anything else cycles.
func relayFor(desired logic.State) gpio.Pin {
	if desired == logic.StateOpen {
		return gpio.PinExitRelay
	}
	return gpio.PinCycleRelay
}

// startPulse asserts pin and releases it after the pulse duration on a
// separate goroutine. Caller must hold c.mu for writing.
func (c *Controller) startPulse(pin gpio.Pin) error {
	if err := c.lines.Write(pin, true); err != nil {
		return fmt.Errorf("assert %s: %w", pin, err)
	}
	c.pulsing = true
	c.pulsePin = pin
	c.metrics.pulse(pin)
	log.Printf("gate: pulsing %s for %v", pin, c.pulseDuration)

	c.wg.Add(1)
	go c.finishPulse(pin)
	return nil
}

// finishPulse waits out the pulse without holding the lock, then releases
// the relay. The exit relay stays asserted if an OPEN hold now owns it.
func (c *Controller) finishPulse(pin gpio.Pin) {
	defer c.wg.Done()

	c.sleep(c.pulseDuration)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.pulsing = false

	if pin == gpio.PinExitRelay {
		if held, ok := c.ledger.LockedState(); ok && held == logic.StateOpen {
			return
		}
	}
	if err := c.lines.Write(pin, false); err != nil {
		log.Printf("gate: release %s: %v", pin, err)
		if pin == gpio.PinExitRelay {
			c.releasePending = true
		}
	}
}
