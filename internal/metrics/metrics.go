// Package metrics provides Prometheus instrumentation for the Loopchat
// real-time core: connection and presence gauges plus throughput counters
// for inbound frames and dispatched events.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connections tracks the current number of open WebSocket connections.
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "loopchat_connections",
		Help: "Current number of open WebSocket connections",
	})

	// OnlineUsers tracks the number of users with at least one connection.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "loopchat_online_users",
		Help: "Current number of users with at least one open connection",
	})

	// FramesTotal counts inbound client frames by type discriminator.
	FramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "loopchat_frames_total",
		Help: "Total inbound WebSocket frames processed",
	}, []string{"type"})

	// EventsDispatched counts outbound events by type.
	EventsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "loopchat_events_dispatched_total",
		Help: "Total outbound events dispatched to users",
	}, []string{"type"})

	// DeliveryFailures counts writes that failed and evicted a connection.
	DeliveryFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "loopchat_delivery_failures_total",
		Help: "Total event writes that failed and dropped the connection",
	})

	// TypingEntriesSwept counts typing entries expired by the sweep.
	TypingEntriesSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "loopchat_typing_entries_swept_total",
		Help: "Total typing entries removed by the TTL sweep",
	})
)

func init() {
	prometheus.MustRegister(
		Connections,
		OnlineUsers,
		FramesTotal,
		EventsDispatched,
		DeliveryFailures,
		TypingEntriesSwept,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
