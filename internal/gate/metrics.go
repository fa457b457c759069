package gate

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sweeney/gate-controller/internal/gpio"
)

// Metrics exposes controller activity to Prometheus. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	pulses       *prometheus.CounterVec
	refused      *prometheus.CounterVec
	holdsActive  prometheus.Gauge
	holdsExpired prometheus.Counter
}

// NewMetrics creates the controller metrics and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		pulses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gate_relay_pulses_total",
			Help: "Relay pulses issued, by relay.",
		}, []string{"relay"}),
		refused: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gate_transitions_refused_total",
			Help: "State change requests refused, by reason.",
		}, []string{"reason"}),
		holdsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gate_holds_active",
			Help: "Holds currently in the ledger.",
		}),
		holdsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gate_holds_expired_total",
			Help: "Holds removed by expiry.",
		}),
	}
	reg.MustRegister(m.pulses, m.refused, m.holdsActive, m.holdsExpired)
	return m
}

func (m *Metrics) pulse(pin gpio.Pin) {
	if m == nil {
		return
	}
	m.pulses.WithLabelValues(string(pin)).Inc()
}

func (m *Metrics) refuse(reason string) {
	if m == nil {
		return
	}
	m.refused.WithLabelValues(reason).Inc()
}

func (m *Metrics) holds(active, expired int) {
	if m == nil {
		return
	}
	m.holdsActive.Set(float64(active))
	if expired > 0 {
		m.holdsExpired.Add(float64(expired))
	}
}
