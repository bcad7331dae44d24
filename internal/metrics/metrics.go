// Package metrics collects and exposes Prometheus metrics for the realtime
// core.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector aggregates the realtime counters and gauges. All methods are
// safe for concurrent use.
type Collector struct {
	messages      *prometheus.CounterVec
	onlineUsers   prometheus.Gauge
	connections   prometheus.Gauge
	calls         *prometheus.CounterVec
	callDuration  prometheus.Histogram
	framesDropped prometheus.Counter
}

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "velora_messages_total",
			Help: "Messages routed, by outcome (delivered, offline, failed).",
		}, []string{"outcome"}),
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "velora_online_users",
			Help: "Users currently considered online by this instance.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "velora_connections",
			Help: "Open websocket connections on this instance.",
		}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "velora_calls_total",
			Help: "Calls by final outcome (ended, rejected, missed, failed).",
		}, []string{"outcome"}),
		callDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "velora_call_duration_seconds",
			Help:    "Duration of completed calls in seconds.",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "velora_frames_dropped_total",
			Help: "Outbound events dropped because a connection fell behind.",
		}),
	}

	reg.MustRegister(
		c.messages,
		c.onlineUsers,
		c.connections,
		c.calls,
		c.callDuration,
		c.framesDropped,
	)

	return c
}

// RecordMessage counts one routed message by outcome.
func (c *Collector) RecordMessage(outcome string) {
	c.messages.WithLabelValues(outcome).Inc()
}

// UserOnline moves the online gauge on presence transitions.
func (c *Collector) UserOnline(online bool) {
	if online {
		c.onlineUsers.Inc()
	} else {
		c.onlineUsers.Dec()
	}
}

// ConnectionOpened and ConnectionClosed track the socket gauge.
func (c *Collector) ConnectionOpened() { c.connections.Inc() }
func (c *Collector) ConnectionClosed() { c.connections.Dec() }

// RecordCall counts a finished call and, for answered calls, its duration.
func (c *Collector) RecordCall(outcome string, duration time.Duration) {
	c.calls.WithLabelValues(outcome).Inc()
	if duration > 0 {
		c.callDuration.Observe(duration.Seconds())
	}
}

// RecordFrameDropped counts one event lost to a slow consumer.
func (c *Collector) RecordFrameDropped() {
	c.framesDropped.Inc()
}

// Handler returns the scrape endpoint for the given gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
