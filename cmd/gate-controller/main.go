// Command gate-controller drives a Mighty Mule gate over GPIO, serves an HTTP
// API for it, and publishes gate state changes to MQTT.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/sweeney/gate-controller/internal/config"
	"github.com/sweeney/gate-controller/internal/gate"
	"github.com/sweeney/gate-controller/internal/gpio"
	"github.com/sweeney/gate-controller/internal/logic"
	"github.com/sweeney/gate-controller/internal/mqtt"
	"github.com/sweeney/gate-controller/internal/status"
	"github.com/sweeney/gate-controller/internal/web"
)

const defaultNetworkEnv = "/run/pi-helper.env"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		networkEnv string
		printState bool
	)

	cmd := &cobra.Command{
		Use:           "gate-controller",
		Short:         "Control a Mighty Mule gate over GPIO",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, networkEnv, printState)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", config.DefaultPath, "Service configuration file (JSON or YAML)")
	cmd.Flags().StringVar(&networkEnv, "network-env", defaultNetworkEnv, "pi-helper env file with network state")
	cmd.Flags().BoolVar(&printState, "print-state", false, "Print current gate state and exit")
	return cmd
}

func run(configPath, networkEnv string, printOnly bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	lines, err := gpio.NewRealLines(cfg.Chip, cfg.Pins)
	if err != nil {
		return fmt.Errorf("init gpio: %w", err)
	}

	if printOnly {
		defer lines.Close()
		return printState(os.Stdout, lines, cfg.PullToOpen)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ctrl := gate.New(lines, gate.Config{
		PullToOpen:    cfg.PullToOpen,
		PulseDuration: cfg.PulseDuration,
	}, gate.WithMetrics(gate.NewMetrics(reg)))
	defer func() {
		if err := ctrl.Close(); err != nil {
			log.Printf("gpio close error: %v", err)
		}
	}()

	var publisher mqtt.Publisher = nopPublisher{}
	var mqttStatus mqtt.ConnectionStatus
	if cfg.MQTTBroker != "" {
		p, err := mqtt.NewRealPublisher(cfg.MQTTBroker, cfg.MQTTTopicPrefix)
		if err != nil {
			return fmt.Errorf("init mqtt: %w", err)
		}
		defer p.Close()
		publisher, mqttStatus = p, p
	} else {
		log.Printf("mqtt disabled: no mqtt_broker configured")
	}

	// Initialize status tracker (before STARTUP so snapshot is available)
	tracker := status.NewTracker(time.Now(), status.Config{
		ServerPort:      cfg.ServerPort,
		MaxLockTTLSecs:  int64(cfg.MaxStateLockTTL / time.Second),
		PullToOpen:      cfg.PullToOpen,
		PollMs:          cfg.PollInterval.Milliseconds(),
		SyncMs:          cfg.SyncInterval.Milliseconds(),
		DebounceMs:      cfg.Debounce.Milliseconds(),
		HeartbeatMs:     cfg.Heartbeat.Milliseconds(),
		PulseMs:         cfg.PulseDuration.Milliseconds(),
		Broker:          cfg.MQTTBroker,
		MQTTTopicPrefix: cfg.MQTTTopicPrefix,
	})
	if net := readNetworkInfo(networkEnv); net != nil {
		tracker.SetNetwork(net)
	}

	snap := tracker.Snapshot()
	startupEvent := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      "STARTUP",
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
	}
	if err := publisher.PublishSystem(startupEvent); err != nil {
		log.Printf("failed to publish startup event: %v", err)
	}

	addr := ":" + strconv.Itoa(cfg.ServerPort)
	srv := web.New(web.Config{Addr: addr, MaxLockTTL: cfg.MaxStateLockTTL}, ctrl, tracker, reg)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("http server error: %v", err)
		}
	}()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()
	log.Printf("http api listening on %s", addr)

	log.Printf("started: pull_to_open=%t poll=%v sync=%v debounce=%v max_lock_ttl=%v broker=%q",
		cfg.PullToOpen, cfg.PollInterval, cfg.SyncInterval, cfg.Debounce, cfg.MaxStateLockTTL, cfg.MQTTBroker)

	pollTicker := time.NewTicker(cfg.PollInterval)
	defer pollTicker.Stop()
	syncTicker := time.NewTicker(cfg.SyncInterval)
	defer syncTicker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	loop := loopConfig{
		debounce:   cfg.Debounce,
		heartbeat:  cfg.Heartbeat,
		networkEnv: networkEnv,
	}
	return runLoop(ctrl, publisher, mqttStatus, tracker, loop, time.Now, pollTicker.C, syncTicker.C, sigCh)
}

// gateView is the part of the controller the loop needs.
type gateView interface {
	Sync() error
	Snapshot() (gate.Snapshot, error)
}

type loopConfig struct {
	debounce   time.Duration
	heartbeat  time.Duration
	networkEnv string
}

// runLoop sweeps expired holds on syncTick, samples the gate on pollTick and
// publishes debounced transitions, until a signal arrives.
func runLoop(g gateView, publisher mqtt.Publisher, mqttStatus mqtt.ConnectionStatus, tracker *status.Tracker, cfg loopConfig, now func() time.Time, pollTick, syncTick <-chan time.Time, sig <-chan os.Signal) error {
	detector := logic.NewDetector(cfg.debounce, now())

	refresh := func() {
		if tracker == nil {
			return
		}
		tracker.Update(detector.CurrentState(), detector.IsBaselined(), detector.EventCountsSnapshot())
		if mqttStatus != nil {
			tracker.SetMQTTConnected(mqttStatus.IsConnected())
		}
	}

	for {
		select {
		case s := <-sig:
			log.Printf("received %v, shutting down", s)
			signalName := "UNKNOWN"
			if s == syscall.SIGINT {
				signalName = "SIGINT"
			} else if s == syscall.SIGTERM {
				signalName = "SIGTERM"
			}
			event := mqtt.SystemEvent{
				Timestamp: now(),
				Event:     "SHUTDOWN",
				Reason:    signalName,
				Retained:  true,
			}
			if tracker != nil {
				refresh()
				event.RawPayload = status.FormatStatusEvent(tracker.Snapshot(), "SHUTDOWN", signalName)
			}
			if err := publisher.PublishSystem(event); err != nil {
				log.Printf("failed to publish shutdown event: %v", err)
			}
			return nil

		case <-syncTick:
			if err := g.Sync(); err != nil {
				log.Printf("sync error: %v", err)
			}

		case <-pollTick:
			t := now()
			snap, err := g.Snapshot()
			if err != nil {
				log.Printf("gpio read error: %v", err)
				continue
			}
			if tracker != nil {
				tracker.SetHolds(snap.LockedState, len(snap.Holds))
			}

			if event := detector.Process(logic.Input{
				State:       snap.State,
				LockedState: snap.LockedState,
				Time:        t,
			}); event != nil {
				log.Printf("event: %s (from %s)", event.Type, event.From)
				if err := publisher.Publish(*event); err != nil {
					log.Printf("publish error: %v", err)
				}
			}

			if !detector.IsBaselined() {
				continue
			}

			if hb := detector.CheckHeartbeat(t, cfg.heartbeat); hb != nil {
				log.Printf("heartbeat: uptime=%v open=%d moving=%d closed=%d",
					hb.Uptime, hb.Counts.Open, hb.Counts.Moving, hb.Counts.Closed)

				hbEvent := mqtt.SystemEvent{
					Timestamp: hb.Timestamp,
					Event:     "HEARTBEAT",
				}
				if tracker != nil {
					if net := readNetworkInfo(cfg.networkEnv); net != nil {
						tracker.SetNetwork(net)
					}
					refresh()
					hbEvent.RawPayload = status.FormatStatusEvent(tracker.Snapshot(), "HEARTBEAT", "")
				}
				if err := publisher.PublishSystem(hbEvent); err != nil {
					log.Printf("heartbeat publish error: %v", err)
				}
			}

			refresh()
		}
	}
}

// printState reads the sense lines once and reports the derived state.
func printState(w io.Writer, lines gpio.Lines, pullToOpen bool) error {
	motor, err := lines.Read(gpio.PinMotor)
	if err != nil {
		return fmt.Errorf("read gpio: %w", err)
	}
	position, err := lines.Read(gpio.PinPosition)
	if err != nil {
		return fmt.Errorf("read gpio: %w", err)
	}
	state := logic.DeriveState(motor, position, pullToOpen)
	fmt.Fprintf(w, "State: %s (motor=%t position=%t)\n", state, motor, position)
	return nil
}

// nopPublisher stands in when no broker is configured.
type nopPublisher struct{}

func (nopPublisher) Publish(logic.Event) error { return nil }

func (nopPublisher) PublishSystem(mqtt.SystemEvent) error { return nil }

func (nopPublisher) Close() error { return nil }

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

// readNetworkInfo loads pi-helper's env file, falling back to the process
// environment for any variable the file does not set. Returns nil when no
// network status is known.
func readNetworkInfo(path string) *status.NetworkInfo {
	var file map[string]string
	if path != "" {
		if m, err := godotenv.Read(path); err == nil {
			file = m
		}
	}
	get := func(key string) string {
		if v, ok := file[key]; ok {
			return v
		}
		return os.Getenv(key)
	}

	s := get(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       get(envNetworkType),
		IP:         get(envNetworkIP),
		Status:     s,
		Gateway:    get(envNetworkGateway),
		WifiStatus: get(envNetworkWifiStatus),
		SSID:       get(envNetworkWifiSSID),
	}
}
