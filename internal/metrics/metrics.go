package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "screen_bridge"

// Session outcomes recorded by SessionClosed
const (
	OutcomeConnectFailed = "connect_failed"
	OutcomePeerClosed    = "peer_closed"
	OutcomeStreamError   = "stream_error"
	OutcomeClientClosed  = "client_closed"
	OutcomeShutdown      = "shutdown"
)

// Reasons an inbound message is dropped
const (
	DropMalformed   = "malformed"
	DropUnknownKind = "unknown_kind"
	DropNotActive   = "not_active"
)

// Collector holds the bridge's Prometheus metrics. Each Collector owns its
// registry so several servers can live in one process.
type Collector struct {
	registry *prometheus.Registry

	activeSessions prometheus.Gauge
	sessionsTotal  *prometheus.CounterVec
	framesTotal    prometheus.Counter
	frameBytes     prometheus.Counter
	frameSize      prometheus.Histogram
	eventsTotal    *prometheus.CounterVec
	droppedTotal   *prometheus.CounterVec
}

// New creates a Collector registered on a fresh registry.
func New() *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,

		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of bridged sessions currently open",
		}),

		sessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of finished sessions by outcome",
		}, []string{"outcome"}),

		framesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_forwarded_total",
			Help:      "Total number of screen frames forwarded to clients",
		}),

		frameBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_bytes_forwarded_total",
			Help:      "Total payload bytes of forwarded screen frames",
		}),

		frameSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frame_size_bytes",
			Help:      "Payload size of forwarded screen frames",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 8), // 1KB to 16MB
		}),

		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "input_events_total",
			Help:      "Total number of input events written to the stream peer",
		}, []string{"kind"}),

		droppedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_dropped_total",
			Help:      "Total number of client messages dropped without forwarding",
		}, []string{"reason"}),
	}
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// The recording methods below accept a nil receiver so callers can run
// without metrics.

func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.activeSessions.Inc()
}

func (c *Collector) SessionClosed(outcome string) {
	if c == nil {
		return
	}
	c.activeSessions.Dec()
	c.sessionsTotal.WithLabelValues(outcome).Inc()
}

func (c *Collector) FrameForwarded(size int) {
	if c == nil {
		return
	}
	c.framesTotal.Inc()
	c.frameBytes.Add(float64(size))
	c.frameSize.Observe(float64(size))
}

func (c *Collector) EventForwarded(kind string) {
	if c == nil {
		return
	}
	c.eventsTotal.WithLabelValues(kind).Inc()
}

func (c *Collector) MessageDropped(reason string) {
	if c == nil {
		return
	}
	c.droppedTotal.WithLabelValues(reason).Inc()
}
