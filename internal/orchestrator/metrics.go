package orchestrator

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the orchestrator collectors.
type Metrics struct {
	receivedTotal prometheus.Counter
	droppedTotal  prometheus.Counter
	running       prometheus.Gauge
	failed        prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "settler",
			Subsystem: "orchestrator",
			Name:      name,
			Help:      help,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "settler",
			Subsystem: "orchestrator",
			Name:      name,
			Help:      help,
		})
	}

	m := &Metrics{
		receivedTotal: counter("certificates_received_total", "certificates accepted for settlement"),
		droppedTotal:  counter("notifications_dropped_total", "notifications dropped because a network task was busy"),
		running:       gauge("networks_running", "network tasks running"),
		failed:        gauge("networks_failed", "network tasks stopped by a fatal error"),
	}
	if reg != nil {
		reg.MustRegister(m.receivedTotal, m.droppedTotal, m.running, m.failed)
	}
	return m
}

func (m *Metrics) received() {
	if m != nil {
		m.receivedTotal.Inc()
	}
}

func (m *Metrics) dropped() {
	if m != nil {
		m.droppedTotal.Inc()
	}
}

func (m *Metrics) setNetworks(running, failed int) {
	if m != nil {
		m.running.Set(float64(running))
		m.failed.Set(float64(failed))
	}
}
