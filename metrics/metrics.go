// Package metrics exposes Prometheus instrumentation for the session engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "soenet"

// Metrics contains all Prometheus metrics for the session engine. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// Datagram metrics
	DatagramsReceived prometheus.Counter
	DatagramsSent     prometheus.Counter
	BytesReceived     prometheus.Counter
	BytesSent         prometheus.Counter
	DecodeFailures    *prometheus.CounterVec
	InboxDrops        prometheus.Counter

	// Session metrics
	ActiveSessions   prometheus.Gauge
	SessionsStarted  prometheus.Counter
	SessionsEnded    *prometheus.CounterVec
	SessionsRejected prometheus.Counter
	SessionDuration  prometheus.Histogram

	// Reliability metrics
	Resends        prometheus.Counter
	AcksSent       prometheus.Counter
	OutOfOrderSent prometheus.Counter
	Delivered      prometheus.Counter
}

// New creates all metrics and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		DatagramsReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_received_total",
			Help:      "Total number of UDP datagrams read from the socket",
		}),
		DatagramsSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_sent_total",
			Help:      "Total number of UDP datagrams written to the socket",
		}),
		BytesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "received_bytes_total",
			Help:      "Total number of bytes read from the socket",
		}),
		BytesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sent_bytes_total",
			Help:      "Total number of bytes written to the socket",
		}),
		DecodeFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_failures_total",
			Help:      "Datagrams dropped because they could not be decoded",
		}, []string{"reason"}),
		InboxDrops: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbox_drops_total",
			Help:      "Datagrams dropped because a session inbox was full",
		}),

		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Current number of established sessions",
		}),
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Total number of sessions established",
		}),
		SessionsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Total number of sessions closed, by reason",
		}, []string{"reason"}),
		SessionsRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_rejected_total",
			Help:      "Session requests dropped by admission control or validation",
		}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Lifetime of closed sessions",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5h
		}),

		Resends: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resends_total",
			Help:      "Reliable packets resent on an out-of-order notice",
		}),
		AcksSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acks_sent_total",
			Help:      "Cumulative acknowledgments sent",
		}),
		OutOfOrderSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "out_of_order_sent_total",
			Help:      "Out-of-order notices sent to peers",
		}),
		Delivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payloads_delivered_total",
			Help:      "Reassembled application payloads handed to the consumer",
		}),
	}
}

// Received records one datagram read from the socket.
func (m *Metrics) Received(n int) {
	if m == nil {
		return
	}
	m.DatagramsReceived.Inc()
	m.BytesReceived.Add(float64(n))
}

// Sent records one datagram written to the socket.
func (m *Metrics) Sent(n int) {
	if m == nil {
		return
	}
	m.DatagramsSent.Inc()
	m.BytesSent.Add(float64(n))
}

// DecodeFailed records a dropped datagram.
func (m *Metrics) DecodeFailed(reason string) {
	if m == nil {
		return
	}
	m.DecodeFailures.WithLabelValues(reason).Inc()
}

// InboxDropped records a datagram dropped under load.
func (m *Metrics) InboxDropped() {
	if m == nil {
		return
	}
	m.InboxDrops.Inc()
}

// SessionStarted records an established session.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
	m.ActiveSessions.Inc()
}

// SessionEnded records a closed session and its lifetime.
func (m *Metrics) SessionEnded(reason string, lifetime time.Duration) {
	if m == nil {
		return
	}
	m.SessionsEnded.WithLabelValues(reason).Inc()
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(lifetime.Seconds())
}

// SessionRejected records a dropped session request.
func (m *Metrics) SessionRejected() {
	if m == nil {
		return
	}
	m.SessionsRejected.Inc()
}

// Resent records one selective resend.
func (m *Metrics) Resent() {
	if m == nil {
		return
	}
	m.Resends.Inc()
}

// AckSent records one acknowledgment.
func (m *Metrics) AckSent() {
	if m == nil {
		return
	}
	m.AcksSent.Inc()
}

// OutOfOrderNoticesSent records n out-of-order notices.
func (m *Metrics) OutOfOrderNoticesSent(n int) {
	if m == nil {
		return
	}
	m.OutOfOrderSent.Add(float64(n))
}

// PayloadDelivered records one payload handed to the consumer.
func (m *Metrics) PayloadDelivered() {
	if m == nil {
		return
	}
	m.Delivered.Inc()
}
