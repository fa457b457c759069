//go:build linux

package gpio

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

const consumer = "gate-controller"

// RealLines drives the gate from actual hardware using Linux GPIO character device.
type RealLines struct {
	chip  *gpiocdev.Chip
	lines map[Pin]*gpiocdev.Line
}

// NewRealLines requests the two sense lines as inputs and the two relay
// lines as outputs driven low.
func NewRealLines(chipName string, offsets Offsets) (*RealLines, error) {
	chip, err := gpiocdev.NewChip(chipName, gpiocdev.WithConsumer(consumer))
	if err != nil {
		return nil, fmt.Errorf("open gpio chip %s: %w", chipName, err)
	}

	r := &RealLines{chip: chip, lines: make(map[Pin]*gpiocdev.Line, 4)}

	requests := []struct {
		pin    Pin
		offset int
		opt    gpiocdev.LineReqOption
	}{
		{PinMotor, offsets.Motor, gpiocdev.AsInput},
		{PinPosition, offsets.Position, gpiocdev.AsInput},
		{PinCycleRelay, offsets.CycleRelay, gpiocdev.AsOutput(0)},
		{PinExitRelay, offsets.ExitRelay, gpiocdev.AsOutput(0)},
	}

	for _, req := range requests {
		line, err := chip.RequestLine(req.offset, req.opt)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("request %s pin %d: %w", req.pin, req.offset, err)
		}
		r.lines[req.pin] = line
	}

	return r, nil
}

// Read returns the raw level of an input line (1 = true).
func (r *RealLines) Read(pin Pin) (bool, error) {
	line, ok := r.lines[pin]
	if !ok {
		return false, fmt.Errorf("read %s: unknown pin", pin)
	}
	v, err := line.Value()
	if err != nil {
		return false, fmt.Errorf("read %s pin: %w", pin, err)
	}
	return v == 1, nil
}

// Write sets an output line.
func (r *RealLines) Write(pin Pin, value bool) error {
	line, ok := r.lines[pin]
	if !ok {
		return fmt.Errorf("write %s: unknown pin", pin)
	}
	v := 0
	if value {
		v = 1
	}
	if err := line.SetValue(v); err != nil {
		return fmt.Errorf("write %s pin: %w", pin, err)
	}
	return nil
}

// Close releases GPIO resources.
// Relays are driven low and every line is reconfigured as an input before
// closing so nothing stays asserted across a restart.
func (r *RealLines) Close() error {
	var errs []error

	for _, pin := range []Pin{PinCycleRelay, PinExitRelay} {
		if line, ok := r.lines[pin]; ok {
			if err := line.SetValue(0); err != nil {
				errs = append(errs, fmt.Errorf("release %s pin: %w", pin, err))
			}
		}
	}
	for pin, line := range r.lines {
		if err := line.Reconfigure(gpiocdev.AsInput); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure %s pin: %w", pin, err))
		}
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s pin: %w", pin, err))
		}
	}
	r.lines = nil

	if r.chip != nil {
		if err := r.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
		r.chip = nil
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
