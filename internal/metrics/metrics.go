// Package metrics exposes the core's counters and gauges as Prometheus
// metrics: ACK latency/timeouts, dedup drops, admission rejects, decode
// errors, dispatch outcomes, and per-mesh primary-bridge elections.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics implements internal/transport's Recorder, internal/registry's
// Recorder, and internal/dispatch's Recorder, so it can be wired into all
// three without any of them depending on Prometheus directly.
type Metrics struct {
	ackLatency        prometheus.Histogram
	ackTimeouts       prometheus.Counter
	ackUnmatched      prometheus.Counter
	duplicatesDropped prometheus.Counter

	connectionsTotal  prometheus.Counter
	connectionsActive prometheus.Gauge
	admissionRejects  *prometheus.CounterVec

	decodeErrors   prometheus.Counter
	checksumErrors prometheus.Counter

	dispatchOutcomes *prometheus.CounterVec
	primaryElections prometheus.Counter

	meshPrimary *meshPrimaryCollector
}

// New builds a Metrics under namespace (e.g. "cyncd"). Call Register to
// expose it on a prometheus.Registerer.
func New(namespace string) *Metrics {
	return &Metrics{
		ackLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ack_latency_seconds",
			Help:      "Time between a reliable send and its matching ACK.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		}),
		ackTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ack_timeouts_total",
			Help:      "Pending sends that exhausted all retries without a matching ACK.",
		}),
		ackUnmatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ack_unmatched_total",
			Help:      "Inbound ACK-type packets with no outstanding Pending Send.",
		}),
		duplicatesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_dropped_total",
			Help:      "Packets dropped by the Dedup Entry cache.",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Connections that completed a handshake.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Connections currently in the Operational state.",
		}),
		admissionRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejected_total",
			Help:      "Peers refused by the Bridge Registry before TLS, by reason.",
		}, []string{"reason"}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Packets that failed codec decode.",
		}),
		checksumErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checksum_errors_total",
			Help:      "Framed packets that failed checksum verification.",
		}),
		dispatchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_outcomes_total",
			Help:      "Command Dispatcher results, by outcome kind.",
		}, []string{"outcome"}),
		primaryElections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "primary_elections_total",
			Help:      "Times a mesh primary bridge was elected or re-elected.",
		}),
		meshPrimary: newMeshPrimaryCollector(namespace),
	}
}

// Register exposes every metric on reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.ackLatency,
		m.ackTimeouts,
		m.ackUnmatched,
		m.duplicatesDropped,
		m.connectionsTotal,
		m.connectionsActive,
		m.admissionRejects,
		m.decodeErrors,
		m.checksumErrors,
		m.dispatchOutcomes,
		m.primaryElections,
		m.meshPrimary,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// ObserveAckLatency implements internal/transport's Recorder.
func (m *Metrics) ObserveAckLatency(d time.Duration) { m.ackLatency.Observe(d.Seconds()) }

// AckTimeout implements internal/transport's Recorder.
func (m *Metrics) AckTimeout() { m.ackTimeouts.Inc() }

// AckUnmatched implements internal/transport's Recorder.
func (m *Metrics) AckUnmatched() { m.ackUnmatched.Inc() }

// DuplicateDropped implements internal/transport's Recorder.
func (m *Metrics) DuplicateDropped() { m.duplicatesDropped.Inc() }

// ConnectionOpened records a Connection reaching Operational.
func (m *Metrics) ConnectionOpened() {
	m.connectionsTotal.Inc()
	m.connectionsActive.Inc()
}

// ConnectionClosed records a Connection tearing down.
func (m *Metrics) ConnectionClosed() { m.connectionsActive.Dec() }

// DecodeError records a codec decode failure.
func (m *Metrics) DecodeError() { m.decodeErrors.Inc() }

// ChecksumError records a framed-packet checksum failure.
func (m *Metrics) ChecksumError() { m.checksumErrors.Inc() }

// AdmissionRejected implements internal/registry's Recorder.
func (m *Metrics) AdmissionRejected(reason string) { m.admissionRejects.WithLabelValues(reason).Inc() }

// PrimaryElected implements internal/registry's Recorder.
func (m *Metrics) PrimaryElected(mesh string, endpoint string) {
	m.primaryElections.Inc()
	m.meshPrimary.set(mesh, endpoint)
}

// MeshRemoved implements internal/registry's Recorder.
func (m *Metrics) MeshRemoved(mesh string) { m.meshPrimary.remove(mesh) }

// DispatchOutcome implements internal/dispatch's Recorder.
func (m *Metrics) DispatchOutcome(kind string) { m.dispatchOutcomes.WithLabelValues(kind).Inc() }
