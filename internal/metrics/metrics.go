// Package metrics provides Prometheus metrics for the tunnel.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "shadow_tunnel"
)

// Label values for the side label.
const (
	SideLocal  = "local"
	SideRemote = "remote"
)

// Label values for the direction label.
const (
	DirectionUpstream   = "upstream"   // client towards target
	DirectionDownstream = "downstream" // target towards client
)

// Metrics contains all Prometheus metrics for both tunnel hops.
type Metrics struct {
	// Session metrics
	SessionsActive   *prometheus.GaugeVec
	SessionsTotal    *prometheus.CounterVec
	SessionsRejected *prometheus.CounterVec
	SessionDuration  *prometheus.HistogramVec

	// Negotiation metrics
	Commands         *prometheus.CounterVec
	Replies          *prometheus.CounterVec
	AuthFailures     *prometheus.CounterVec
	TagFailures      *prometheus.CounterVec
	EstablishLatency *prometheus.HistogramVec

	// Data transfer metrics
	BytesRelayed *prometheus.CounterVec

	// UDP metrics
	UDPAssociations prometheus.Gauge
	UDPDatagrams    *prometheus.CounterVec
	UDPDropped      *prometheus.CounterVec

	// Runtime metrics
	PanicsRecovered *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		// Session metrics
		SessionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently open sessions",
		}, []string{"side"}),
		SessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total sessions accepted",
		}, []string{"side"}),
		SessionsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_rejected_total",
			Help:      "Total connections closed because the connection limit was reached",
		}, []string{"side"}),
		SessionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Histogram of session lifetimes in seconds",
			Buckets:   []float64{.1, .5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"side"}),

		// Negotiation metrics
		Commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Total SOCKS5 commands by type",
		}, []string{"side", "command"}),
		Replies: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_total",
			Help:      "Total SOCKS5 command replies by code",
		}, []string{"side", "reply"}),
		AuthFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total authentication failures by reason",
		}, []string{"side", "reason"}),
		TagFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aead_tag_failures_total",
			Help:      "Total AEAD authentication tag verification failures",
		}, []string{"side"}),
		EstablishLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "establish_latency_seconds",
			Help:      "Histogram of time from accept to established",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"side", "command"}),

		// Data transfer metrics
		BytesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_relayed_total",
			Help:      "Total plaintext bytes relayed by direction",
		}, []string{"side", "direction"}),

		// UDP metrics
		UDPAssociations: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "udp_associations_active",
			Help:      "Number of open UDP relays",
		}),
		UDPDatagrams: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_datagrams_total",
			Help:      "Total UDP datagrams relayed by direction",
		}, []string{"side", "direction"}),
		UDPDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_dropped_total",
			Help:      "Total UDP datagrams dropped by reason",
		}, []string{"side", "reason"}),

		// Runtime metrics
		PanicsRecovered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "panics_recovered_total",
			Help:      "Total panics recovered by goroutine name",
		}, []string{"goroutine"}),
	}

	return m
}

// RecordSessionOpen records an accepted session.
func (m *Metrics) RecordSessionOpen(side string) {
	m.SessionsActive.WithLabelValues(side).Inc()
	m.SessionsTotal.WithLabelValues(side).Inc()
}

// RecordSessionClose records a closed session and its lifetime.
func (m *Metrics) RecordSessionClose(side string, durationSeconds float64) {
	m.SessionsActive.WithLabelValues(side).Dec()
	m.SessionDuration.WithLabelValues(side).Observe(durationSeconds)
}

// RecordSessionRejected records a connection refused by the connection limit.
func (m *Metrics) RecordSessionRejected(side string) {
	m.SessionsRejected.WithLabelValues(side).Inc()
}

// RecordCommand records a parsed command.
func (m *Metrics) RecordCommand(side, command string) {
	m.Commands.WithLabelValues(side, command).Inc()
}

// RecordReply records a command reply sent or relayed.
func (m *Metrics) RecordReply(side, reply string) {
	m.Replies.WithLabelValues(side, reply).Inc()
}

// RecordAuthFailure records a failed authentication.
func (m *Metrics) RecordAuthFailure(side, reason string) {
	m.AuthFailures.WithLabelValues(side, reason).Inc()
}

// RecordTagFailure records an AEAD verification failure.
func (m *Metrics) RecordTagFailure(side string) {
	m.TagFailures.WithLabelValues(side).Inc()
}

// RecordEstablished records the time a session took to reach the established state.
func (m *Metrics) RecordEstablished(side, command string, latencySeconds float64) {
	m.EstablishLatency.WithLabelValues(side, command).Observe(latencySeconds)
}

// RecordBytes records relayed plaintext bytes.
func (m *Metrics) RecordBytes(side, direction string, bytes int64) {
	m.BytesRelayed.WithLabelValues(side, direction).Add(float64(bytes))
}

// RecordUDPOpen records a UDP relay being opened.
func (m *Metrics) RecordUDPOpen() {
	m.UDPAssociations.Inc()
}

// RecordUDPClose records a UDP relay being closed.
func (m *Metrics) RecordUDPClose() {
	m.UDPAssociations.Dec()
}

// RecordUDPDatagram records a relayed datagram.
func (m *Metrics) RecordUDPDatagram(side, direction string) {
	m.UDPDatagrams.WithLabelValues(side, direction).Inc()
}

// RecordUDPDrop records a dropped datagram.
func (m *Metrics) RecordUDPDrop(side, reason string) {
	m.UDPDropped.WithLabelValues(side, reason).Inc()
}

// RecordPanic records a recovered panic.
func (m *Metrics) RecordPanic(goroutine string) {
	m.PanicsRecovered.WithLabelValues(goroutine).Inc()
}
