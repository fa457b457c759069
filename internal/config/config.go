// Package config loads the service configuration file.
// The file is parsed as YAML, so the JSON form written for earlier
// deployments (service_configuration.json) loads unchanged.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sweeney/gate-controller/internal/gpio"
)

// DefaultPath is the configuration file read when none is given.
const DefaultPath = "service_configuration.json"

// Defaults for optional settings.
const (
	DefaultPulse        = time.Second
	DefaultSyncInterval = 3 * time.Second
	DefaultPoll         = 250 * time.Millisecond
	DefaultDebounce     = 500 * time.Millisecond
	DefaultHeartbeat    = 15 * time.Minute
	DefaultTopicPrefix  = "gate"
)

// GateConfiguration is the wiring of the gate. Every field is required.
type GateConfiguration struct {
	PullToOpen       *bool `yaml:"pull_to_open"`
	GPIOMotor        *int  `yaml:"gpio_motor"`
	GPIOCycleRelay   *int  `yaml:"gpio_cycle_relay"`
	GPIOExitRelay    *int  `yaml:"gpio_exit_relay"`
	GPIOMasterOrange *int  `yaml:"gpio_master_orange"`
}

// file mirrors the on-disk layout.
type file struct {
	ServerPort        *int               `yaml:"server_port"`
	MaxStateLockTTL   *int               `yaml:"max_state_lock_ttl_seconds"`
	GateConfiguration *GateConfiguration `yaml:"gate_configuration"`
	GPIOChip          string             `yaml:"gpio_chip"`
	PulseDurationMs   int                `yaml:"pulse_duration_ms"`
	SyncIntervalMs    int                `yaml:"sync_interval_ms"`
	PollIntervalMs    int                `yaml:"poll_interval_ms"`
	DebounceMs        int                `yaml:"debounce_ms"`
	HeartbeatSeconds  *int               `yaml:"heartbeat_seconds"`
	MQTTBroker        string             `yaml:"mqtt_broker"`
	MQTTTopicPrefix   string             `yaml:"mqtt_topic_prefix"`
}

// Config is the validated, immutable service configuration.
type Config struct {
	ServerPort      int
	MaxStateLockTTL time.Duration

	PullToOpen bool
	Chip       string
	Pins       gpio.Offsets

	PulseDuration time.Duration
	SyncInterval  time.Duration
	PollInterval  time.Duration
	Debounce      time.Duration
	Heartbeat     time.Duration // 0 disables

	MQTTBroker      string // empty disables MQTT
	MQTTTopicPrefix string
}

// Load reads and validates the configuration file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates a configuration document.
func Parse(data []byte) (Config, error) {
	var f file
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	if err := f.validate(); err != nil {
		return Config{}, err
	}

	g := f.GateConfiguration
	cfg := Config{
		ServerPort:      *f.ServerPort,
		MaxStateLockTTL: time.Duration(*f.MaxStateLockTTL) * time.Second,
		PullToOpen:      *g.PullToOpen,
		Chip:            orString(f.GPIOChip, gpio.DefaultChip),
		Pins: gpio.Offsets{
			Motor:      *g.GPIOMotor,
			Position:   *g.GPIOMasterOrange,
			CycleRelay: *g.GPIOCycleRelay,
			ExitRelay:  *g.GPIOExitRelay,
		},
		PulseDuration:   orDuration(f.PulseDurationMs, time.Millisecond, DefaultPulse),
		SyncInterval:    orDuration(f.SyncIntervalMs, time.Millisecond, DefaultSyncInterval),
		PollInterval:    orDuration(f.PollIntervalMs, time.Millisecond, DefaultPoll),
		Debounce:        orDuration(f.DebounceMs, time.Millisecond, DefaultDebounce),
		Heartbeat:       DefaultHeartbeat,
		MQTTBroker:      f.MQTTBroker,
		MQTTTopicPrefix: orString(f.MQTTTopicPrefix, DefaultTopicPrefix),
	}
	if f.HeartbeatSeconds != nil {
		cfg.Heartbeat = time.Duration(*f.HeartbeatSeconds) * time.Second
	}
	return cfg, nil
}

func (f *file) validate() error {
	var missing []string
	if f.ServerPort == nil {
		missing = append(missing, "server_port")
	}
	if f.MaxStateLockTTL == nil {
		missing = append(missing, "max_state_lock_ttl_seconds")
	}
	if g := f.GateConfiguration; g == nil {
		missing = append(missing, "gate_configuration")
	} else {
		if g.PullToOpen == nil {
			missing = append(missing, "gate_configuration.pull_to_open")
		}
		if g.GPIOMotor == nil {
			missing = append(missing, "gate_configuration.gpio_motor")
		}
		if g.GPIOCycleRelay == nil {
			missing = append(missing, "gate_configuration.gpio_cycle_relay")
		}
		if g.GPIOExitRelay == nil {
			missing = append(missing, "gate_configuration.gpio_exit_relay")
		}
		if g.GPIOMasterOrange == nil {
			missing = append(missing, "gate_configuration.gpio_master_orange")
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}

	var errs []error
	if p := *f.ServerPort; p <= 0 || p > 65535 {
		errs = append(errs, fmt.Errorf("server_port %d out of range", p))
	}
	if *f.MaxStateLockTTL < 0 {
		errs = append(errs, errors.New("max_state_lock_ttl_seconds must not be negative"))
	}
	for _, v := range []int{f.PulseDurationMs, f.SyncIntervalMs, f.PollIntervalMs, f.DebounceMs} {
		if v < 0 {
			errs = append(errs, errors.New("durations must not be negative"))
			break
		}
	}
	if f.HeartbeatSeconds != nil && *f.HeartbeatSeconds < 0 {
		errs = append(errs, errors.New("heartbeat_seconds must not be negative"))
	}
	g := f.GateConfiguration
	pins := map[int]string{}
	for name, off := range map[string]int{
		"gpio_motor":         *g.GPIOMotor,
		"gpio_cycle_relay":   *g.GPIOCycleRelay,
		"gpio_exit_relay":    *g.GPIOExitRelay,
		"gpio_master_orange": *g.GPIOMasterOrange,
	} {
		if off < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
		pins[off] = name
	}
	if len(pins) != 4 {
		errs = append(errs, errors.New("gate_configuration pins must be distinct"))
	}
	return errors.Join(errs...)
}

func orString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orDuration(v int, unit, def time.Duration) time.Duration {
	if v == 0 {
		return def
	}
	return time.Duration(v) * unit
}
