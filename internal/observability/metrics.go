package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons recorded on duasync_dropped_messages_total
const (
	DropNotHost        = "not_host"
	DropRateLimited    = "rate_limited"
	DropInvalidPayload = "invalid_payload"
	DropUnknownEvent   = "unknown_event"
	DropNoSession      = "no_session"
	DropBadTarget      = "bad_target"
	DropQueueFull      = "queue_full"
)

// Host transfer reasons
const (
	TransferExplicit = "explicit"
	TransferGrace    = "grace_expired"
)

var (
	registerOnce sync.Once

	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "duasync",
			Name:      "sessions_active",
			Help:      "Live sessions held in memory.",
		},
	)
	connectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "duasync",
			Name:      "connections_active",
			Help:      "Open websocket connections.",
		},
	)
	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "duasync",
			Name:      "messages_total",
			Help:      "Inbound protocol messages by event type.",
		},
		[]string{"type"},
	)
	droppedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "duasync",
			Name:      "dropped_messages_total",
			Help:      "Inbound messages dropped without mutating a session.",
		},
		[]string{"reason"},
	)
	hostTransfers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "duasync",
			Name:      "host_transfers_total",
			Help:      "Host role changes.",
		},
		[]string{"reason"},
	)
	graceExpirations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "duasync",
			Name:      "grace_expirations_total",
			Help:      "Disconnected participants removed after the grace window.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			sessionsActive,
			connectionsActive,
			messagesTotal,
			droppedMessages,
			hostTransfers,
			graceExpirations,
		)
	})
}

func SetSessionsActive(n int) {
	RegisterMetrics()
	sessionsActive.Set(float64(n))
}

func SetConnectionsActive(n int) {
	RegisterMetrics()
	connectionsActive.Set(float64(n))
}

func RecordMessage(eventType string) {
	RegisterMetrics()
	messagesTotal.WithLabelValues(eventType).Inc()
}

func RecordDropped(reason string) {
	RegisterMetrics()
	droppedMessages.WithLabelValues(reason).Inc()
}

func RecordHostTransfer(reason string) {
	RegisterMetrics()
	hostTransfers.WithLabelValues(reason).Inc()
}

func RecordGraceExpiration() {
	RegisterMetrics()
	graceExpirations.Inc()
}
