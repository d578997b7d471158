// Package metrics holds the Prometheus collectors of the hub and the client engine.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// Client side

	SubscribeAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parley",
		Subsystem: "connection",
		Name:      "subscribe_attempts_total",
		Help:      "Subscribe attempts by result (ok, error).",
	}, []string{"result"})

	TerminalDisconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "parley",
		Subsystem: "connection",
		Name:      "terminal_disconnects_total",
		Help:      "Connection managers that exhausted their retry budget.",
	})

	EventsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parley",
		Subsystem: "connection",
		Name:      "events_delivered_total",
		Help:      "Decoded events delivered to the engine by event name.",
	}, []string{"event"})

	// Server side

	HubSubscribers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "parley",
		Subsystem: "hub",
		Name:      "subscribers",
		Help:      "Attached subscribers by transport.",
	}, []string{"transport"})

	HubPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parley",
		Subsystem: "hub",
		Name:      "published_total",
		Help:      "Events published to channels by event name.",
	}, []string{"event"})

	HubDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parley",
		Subsystem: "hub",
		Name:      "dropped_total",
		Help:      "Events dropped by reason (egress_full, rate_limited).",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(
		SubscribeAttempts,
		TerminalDisconnects,
		EventsDelivered,
		HubSubscribers,
		HubPublished,
		HubDropped,
	)
}
