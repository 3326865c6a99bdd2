package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Signaling metrics for monitoring the realtime connection, presence,
// relay and call coordination paths
var (
	// Connection lifecycle metrics
	SignalingConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signaling_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	SignalingEventsInTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_events_in_total",
		Help: "Total number of inbound client events by type",
	}, []string{"type"})

	SignalingUnknownEventTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signaling_unknown_event_total",
		Help: "Total number of inbound events with an unrecognized type",
	})

	// Presence metrics
	PresenceFanoutTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_fanout_total",
		Help: "Total number of presence transitions fanned out to friends",
	}, []string{"transition"}) // "presence:online", "presence:offline"

	// Message relay metrics
	MessagesRelayedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "messages_relayed_total",
		Help: "Total number of messages relayed after persistence",
	}, []string{"route"}) // "direct", "group"

	MessageSendFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "message_send_failed_total",
		Help: "Total number of messages rejected because persistence failed",
	})

	// SDP/ICE relay metrics
	SignalingRelayDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_relay_dropped_total",
		Help: "Total number of relay payloads dropped",
	}, []string{"kind"}) // "offer", "answer", "ice"

	// Call lifecycle metrics
	CallsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "calls_active",
		Help: "Current number of tracked 1:1 calls",
	})

	CallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calls_total",
		Help: "Total number of finalized call records by terminal status",
	}, []string{"status"})

	CallRingTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_ring_timeouts_total",
		Help: "Total number of calls finalized as missed by the ring timer",
	})

	GroupCallsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "group_calls_active",
		Help: "Current number of active group call sessions",
	})
)
