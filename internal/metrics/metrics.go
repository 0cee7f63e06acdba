package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection state
	Connections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "huddle_connections",
			Help: "Live websocket connections",
		},
	)

	Rooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "huddle_rooms",
			Help: "Non-empty rooms",
		},
	)

	OnlineUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "huddle_online_users",
			Help: "Users currently marked online",
		},
	)

	// Event flow
	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_events_received_total",
			Help: "Inbound events accepted for dispatch",
		},
		[]string{"event"},
	)

	EventsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_events_rejected_total",
			Help: "Inbound events rejected before or during dispatch",
		},
		[]string{"reason"},
	)

	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_deliveries_total",
			Help: "Events enqueued to a connection",
		},
		[]string{"event"},
	)

	DeliveryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_delivery_failures_total",
			Help: "Events that could not be delivered",
		},
		[]string{"reason"}, // "buffer_full", "no_route", "advisory_dropped"
	)

	// Persistence
	PersistDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "huddle_persist_duration_seconds",
			Help:    "Latency of calls to the persistence store",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"op"},
	)
)
