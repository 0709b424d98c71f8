package network

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Klingon-tech/klingnet-settler/pkg/types"
)

const (
	namespaceSettler = "settler"
	subsystemNetwork = "network"
	labelNetwork     = "network_id"
)

// Metrics is shared by every network task; series are labelled per network.
type Metrics struct {
	settled      *prometheus.CounterVec
	errored      *prometheus.CounterVec
	reconciled   *prometheus.CounterVec
	submitFailed *prometheus.CounterVec
	staleEpochs  *prometheus.CounterVec
	laggedEpochs *prometheus.CounterVec
	nextHeight   *prometheus.GaugeVec
	atCapacity   *prometheus.GaugeVec
	inFlight     *prometheus.GaugeVec
	settledEpoch *prometheus.GaugeVec
}

// NewMetrics creates the network task collectors and registers them with
// reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceSettler,
			Subsystem: subsystemNetwork,
			Name:      name,
			Help:      help,
		}, append([]string{labelNetwork}, labels...))
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespaceSettler,
			Subsystem: subsystemNetwork,
			Name:      name,
			Help:      help,
		}, []string{labelNetwork})
	}

	m := &Metrics{
		settled:      counter("certificates_settled_total", "certificates settled on L1"),
		errored:      counter("certificates_errored_total", "certificate workers that ended in error"),
		reconciled:   counter("settlements_reconciled_total", "settlements resolved through an earlier or external tx", "path"),
		submitFailed: counter("settlement_submit_failures_total", "settlement submissions that failed"),
		staleEpochs:  counter("stale_epoch_events_total", "epoch events discarded as stale"),
		laggedEpochs: counter("lagged_epoch_events_total", "epoch events dropped because the task lagged"),
		nextHeight:   gauge("next_expected_height", "height of the next certificate to settle"),
		atCapacity:   gauge("at_capacity", "1 when the network already settled in the current epoch"),
		inFlight:     gauge("certificate_in_flight", "1 while a certificate worker is running"),
		settledEpoch: gauge("last_settled_epoch", "epoch of the last settled certificate"),
	}
	if reg != nil {
		reg.MustRegister(
			m.settled, m.errored, m.reconciled, m.submitFailed, m.staleEpochs,
			m.laggedEpochs, m.nextHeight, m.atCapacity, m.inFlight, m.settledEpoch,
		)
	}
	return m
}

// networkMetrics binds Metrics to one network. The zero value discards everything.
type networkMetrics struct {
	m     *Metrics
	label string
}

func (m *Metrics) forNetwork(id types.NetworkID) networkMetrics {
	return networkMetrics{m: m, label: id.String()}
}

func (n networkMetrics) settledCertificate(epoch types.EpochNumber) {
	if n.m == nil {
		return
	}
	n.m.settled.WithLabelValues(n.label).Inc()
	n.m.settledEpoch.WithLabelValues(n.label).Set(float64(epoch))
}

func (n networkMetrics) erroredCertificate() {
	if n.m != nil {
		n.m.errored.WithLabelValues(n.label).Inc()
	}
}

func (n networkMetrics) reconciledSettlement(path string) {
	if n.m != nil {
		n.m.reconciled.WithLabelValues(n.label, path).Inc()
	}
}

func (n networkMetrics) submitFailure() {
	if n.m != nil {
		n.m.submitFailed.WithLabelValues(n.label).Inc()
	}
}

func (n networkMetrics) staleEpoch() {
	if n.m != nil {
		n.m.staleEpochs.WithLabelValues(n.label).Inc()
	}
}

func (n networkMetrics) lagged(skipped uint64) {
	if n.m != nil {
		n.m.laggedEpochs.WithLabelValues(n.label).Add(float64(skipped))
	}
}

func (n networkMetrics) progress(next types.Height, atCapacity bool) {
	if n.m == nil {
		return
	}
	n.m.nextHeight.WithLabelValues(n.label).Set(float64(next))
	n.m.atCapacity.WithLabelValues(n.label).Set(boolGauge(atCapacity))
}

func (n networkMetrics) workerRunning(running bool) {
	if n.m != nil {
		n.m.inFlight.WithLabelValues(n.label).Set(boolGauge(running))
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
