// Package gpio provides the gate's signal lines with hardware abstraction.
// The real implementation uses Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

// Pin names one of the gate's four logical lines.
type Pin string

const (
	PinMotor      Pin = "motor"         // input: motor running
	PinPosition   Pin = "master_orange" // input: limit/position indicator
	PinCycleRelay Pin = "cycle_relay"   // output: toggle / close
	PinExitRelay  Pin = "exit_relay"    // output: force open
)

// Lines reads and drives the gate's signal lines.
type Lines interface {
	// Read returns the logical level of an input line.
	Read(pin Pin) (bool, error)

	// Write sets the level of an output line.
	Write(pin Pin, value bool) error

	// Close releases GPIO resources.
	Close() error
}

// Offsets maps logical pins to GPIO line offsets on the chip.
type Offsets struct {
	Motor      int
	Position   int
	CycleRelay int
	ExitRelay  int
}

// DefaultChip is the GPIO character device used when none is configured.
const DefaultChip = "gpiochip0"
