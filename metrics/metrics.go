package metrics

import (
	"time"

	"github.com/alwitt/bookingrelay/common"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "bookingrelay"

// Transport labels
const (
	TransportWebSocket = "websocket"
	TransportSSE       = "sse"
)

// Poll tick results
const (
	TickCompleted = "completed"
	TickFailed    = "failed"
	TickSkipped   = "skipped"
)

// Delivery results
const (
	DeliveryDelivered = "delivered"
	DeliverySkipped   = "skipped"
)

// Collector is a prometheus.Collector that collects metrics about the relay.
//
// All methods are safe to call on a nil Collector, which records nothing.
type Collector struct {
	openSessions      *prometheus.GaugeVec
	activeTopics      prometheus.Gauge
	pollTicks         *prometheus.CounterVec
	pollDuration      prometheus.Histogram
	eventsBroadcast   *prometheus.CounterVec
	deliveries        *prometheus.CounterVec
	snapshotsSent     prometheus.Counter
	malformedRequests prometheus.Counter
	mirrorFailures    prometheus.Counter
}

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		openSessions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "open_sessions",
				Help:      "The number of open subscriber sessions.",
			}, []string{"transport"},
		),
		activeTopics: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "active_topics",
				Help:      "The number of bookings with at least one subscriber.",
			},
		),
		pollTicks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "poll_ticks_total",
				Help:      "The number of change detection ticks by result.",
			}, []string{"result"},
		),
		pollDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "poll_duration_seconds",
				Help:      "The time taken by one change detection tick.",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
		),
		eventsBroadcast: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "events_broadcast_total",
				Help:      "The number of events broadcast by kind.",
			}, []string{"kind"},
		),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "deliveries_total",
				Help:      "The number of per subscriber event deliveries by result.",
			}, []string{"result"},
		),
		snapshotsSent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "snapshots_sent_total",
				Help:      "The number of current state snapshots sent on subscribe.",
			},
		),
		malformedRequests: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "malformed_requests_total",
				Help:      "The number of ignored malformed subscriber requests.",
			},
		),
		mirrorFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "mirror_failures_total",
				Help:      "The number of events which failed to mirror into JetStream.",
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.openSessions.Describe(ch)
	c.activeTopics.Describe(ch)
	c.pollTicks.Describe(ch)
	c.pollDuration.Describe(ch)
	c.eventsBroadcast.Describe(ch)
	c.deliveries.Describe(ch)
	c.snapshotsSent.Describe(ch)
	c.malformedRequests.Describe(ch)
	c.mirrorFailures.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.openSessions.Collect(ch)
	c.activeTopics.Collect(ch)
	c.pollTicks.Collect(ch)
	c.pollDuration.Collect(ch)
	c.eventsBroadcast.Collect(ch)
	c.deliveries.Collect(ch)
	c.snapshotsSent.Collect(ch)
	c.malformedRequests.Collect(ch)
	c.mirrorFailures.Collect(ch)
}

// SessionOpened a subscriber session was opened
func (c *Collector) SessionOpened(transport string) {
	if c == nil {
		return
	}
	c.openSessions.WithLabelValues(transport).Inc()
}

// SessionClosed a subscriber session was closed
func (c *Collector) SessionClosed(transport string) {
	if c == nil {
		return
	}
	c.openSessions.WithLabelValues(transport).Dec()
}

// ObserveTick record the outcome of a change detection tick
func (c *Collector) ObserveTick(result string, activeTopics int, duration time.Duration) {
	if c == nil {
		return
	}
	c.pollTicks.WithLabelValues(result).Inc()
	c.activeTopics.Set(float64(activeTopics))
	if result != TickSkipped {
		c.pollDuration.Observe(duration.Seconds())
	}
}

// ObserveBroadcast record the outcome of one broadcast
func (c *Collector) ObserveBroadcast(kind common.EventKind, delivered, skipped int) {
	if c == nil {
		return
	}
	c.eventsBroadcast.WithLabelValues(string(kind)).Inc()
	c.deliveries.WithLabelValues(DeliveryDelivered).Add(float64(delivered))
	c.deliveries.WithLabelValues(DeliverySkipped).Add(float64(skipped))
}

// SnapshotSent a current state snapshot was sent
func (c *Collector) SnapshotSent() {
	if c == nil {
		return
	}
	c.snapshotsSent.Inc()
}

// MalformedRequest a malformed subscriber request was ignored
func (c *Collector) MalformedRequest() {
	if c == nil {
		return
	}
	c.malformedRequests.Inc()
}

// MirrorFailed an event failed to mirror
func (c *Collector) MirrorFailed() {
	if c == nil {
		return
	}
	c.mirrorFailures.Inc()
}
