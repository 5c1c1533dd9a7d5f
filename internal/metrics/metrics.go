// Package metrics provides Prometheus instrumentation for the chat
// synchronization engine and the reference server. It exposes counters for
// channel traffic and reconciliation outcomes, and gauges for connection and
// room counts.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ChannelEventsTotal counts events crossing the channel, labeled by
	// direction ("in", "out") and event name.
	ChannelEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_channel_events_total",
		Help: "Total number of events crossing the channel",
	}, []string{"direction", "event"})

	// ChannelReconnects counts successful automatic reconnects.
	ChannelReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_channel_reconnects_total",
		Help: "Total number of successful automatic channel reconnects",
	})

	// ReconcileOutcomes counts reconciliation results, labeled by outcome:
	// "matched" (pending replaced in place), "appended" (new inbound), or
	// "duplicate" (already-present id dropped).
	ReconcileOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_reconcile_outcomes_total",
		Help: "Total number of confirmed-message reconciliation outcomes",
	}, []string{"outcome"})

	// CoalescerFlushes counts debounce-window flushes applied to the registry.
	CoalescerFlushes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_coalescer_flushes_total",
		Help: "Total number of coalesced flushes applied to the registry",
	})

	// CoalescedPatches counts per-conversation patches applied by flushes.
	CoalescedPatches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_coalesced_patches_total",
		Help: "Total number of conversation patches applied by coalesced flushes",
	})

	// ServerConnections tracks the current number of server-side channels.
	ServerConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_server_connections",
		Help: "Current number of active server-side channel connections",
	})

	// ServerMessages counts client events handled by the server, labeled by
	// event name.
	ServerMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_server_events_total",
		Help: "Total number of client events handled by the server",
	}, []string{"event"})

	// ActiveRooms tracks the number of room memberships held by local
	// sessions.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_server_room_memberships",
		Help: "Current number of room memberships held by local sessions",
	})
)

func init() {
	prometheus.MustRegister(
		ChannelEventsTotal,
		ChannelReconnects,
		ReconcileOutcomes,
		CoalescerFlushes,
		CoalescedPatches,
		ServerConnections,
		ServerMessages,
		ActiveRooms,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
