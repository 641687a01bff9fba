// Package metrics holds the Prometheus collectors of the secure association
// layer.
package metrics

import (
	"time"

	"github.com/go-i2p/logger"
	"github.com/prometheus/client_golang/prometheus"
)

var log = logger.GetGoI2PLogger()

const namespace = "secchan"

// Drop causes reported through Dropped.
const (
	DropNotSecured     = "not_secured"
	DropTruncated      = "truncated"
	DropUnknownID      = "unknown_id"
	DropSpoofed        = "remote_id_mismatch"
	DropRecentlyClosed = "recently_closed"
	DropRateLimited    = "rate_limited"
	DropSimultaneous   = "simultaneous_open"
	DropClosed         = "closed"
)

// Metrics groups the collectors for one overlord.
type Metrics struct {
	Associations   prometheus.Gauge
	Spawned        prometheus.Counter
	Handshakes     prometheus.Counter
	Renegotiations prometheus.Counter
	Rejections     prometheus.Counter
	Closed         *prometheus.CounterVec // by close reason
	Dropped        *prometheus.CounterVec // by drop cause
	Latency        prometheus.Histogram   // from creation to first Active
}

// New builds the collectors and registers them with reg. A nil reg leaves
// them unregistered, which tests and embedded users rely on.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Associations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "associations",
			Help:      "Number of registered associations.",
		}),
		Spawned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "associations_spawned_total",
			Help:      "Server associations created for inbound first flights.",
		}),
		Handshakes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_completed_total",
			Help:      "Associations that reached Active for the first time.",
		}),
		Renegotiations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "renegotiations_completed_total",
			Help:      "Completed rekeys of active associations.",
		}),
		Rejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "certificate_rejections_total",
			Help:      "Handshakes whose peer certificate failed verification.",
		}),
		Closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "associations_closed_total",
			Help:      "Closed associations by reason.",
		}, []string{"reason"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_dropped_total",
			Help:      "Inbound packets dropped before reaching an association, by cause.",
		}, []string{"cause"}),
		Latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_seconds",
			Help:      "Time from association creation until it first became Active.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
	}
	if reg != nil {
		for _, c := range m.collectors() {
			if err := reg.Register(c); err != nil {
				log.WithError(err).Warn("failed to register collector")
			}
		}
	}
	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Associations, m.Spawned, m.Handshakes, m.Renegotiations,
		m.Rejections, m.Closed, m.Dropped, m.Latency,
	}
}

func (m *Metrics) Drop(cause string) {
	m.Dropped.WithLabelValues(cause).Inc()
}

func (m *Metrics) CloseReason(reason string) {
	m.Closed.WithLabelValues(reason).Inc()
}

// HandshakeDone records a first completion that took d.
func (m *Metrics) HandshakeDone(d time.Duration) {
	m.Handshakes.Inc()
	m.Latency.Observe(d.Seconds())
}
