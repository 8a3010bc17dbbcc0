// Package metrics provides Prometheus instrumentation for the real-time node.
// It exposes gauges for connection and topic counts, counters for auth,
// message and presence throughput, and a histogram for send latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of open WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "huddle_connections_total",
		Help: "Current number of open WebSocket connections",
	})

	// AuthenticatedConnections tracks connections bound to an identity.
	AuthenticatedConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "huddle_authenticated_connections",
		Help: "Current number of authenticated connections",
	})

	// AuthAttempts counts authentication attempts by result.
	AuthAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "huddle_auth_attempts_total",
		Help: "Total number of authentication attempts",
	}, []string{"result"}) // result = "ok", "invalid", "unauthorized", "error"

	// MessagesTotal counts send requests by outcome.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "huddle_messages_total",
		Help: "Total number of send requests processed",
	}, []string{"outcome"}) // outcome = "persisted", "invalid", "forbidden", "storage_error"

	// SendLatency records the time from send request to broadcast.
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "huddle_send_latency_seconds",
		Help:    "Send processing latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// DeliveriesDropped counts outbound frames that never reached a client.
	DeliveriesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "huddle_deliveries_dropped_total",
		Help: "Total number of outbound frames dropped",
	}, []string{"reason"}) // reason = "queue_full", "closed", "deliver_error"

	// PresenceTransitions counts emitted presence changes by status.
	PresenceTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "huddle_presence_transitions_total",
		Help: "Total number of presence transitions emitted",
	}, []string{"status"})

	// Topics tracks the current number of topics with at least one subscriber.
	Topics = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "huddle_topics",
		Help: "Current number of live topics",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		AuthenticatedConnections,
		AuthAttempts,
		MessagesTotal,
		SendLatency,
		DeliveriesDropped,
		PresenceTransitions,
		Topics,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
