package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	BusMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_messages_total",
			Help: "Total number of messages handled by the chat bus (count)",
		},
		[]string{"status"},
	)

	BusSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bus_subscribers",
			Help: "Number of active bus subscribers (count)",
		},
	)

	DedupCacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dedup_cache_size",
			Help: "Number of keys retained by the deduplication cache (count)",
		},
	)

	IngestorState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ingestor_state",
			Help: "Connection state per ingestor (0=disconnected, 1=connecting, 2=connected, 3=reconnecting, 4=error)",
		},
		[]string{"platform"},
	)

	BridgeClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_clients",
			Help: "Number of open extension bridge WebSocket sessions (count)",
		},
	)

	BridgeFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_frames_total",
			Help: "Total number of frames received by the extension bridge (count)",
		},
		[]string{"type"},
	)

	SubscriberPanicsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subscriber_panics_total",
			Help: "Total number of recovered subscriber callback panics (count)",
		},
		[]string{"subscriber"},
	)
)

// Bus message statuses.
const (
	StatusReceived    = "received"
	StatusDuplicate   = "duplicate"
	StatusRateLimited = "rate_limited"
	StatusDelivered   = "delivered"
)

// RegisterBusMetrics registers the chat bus collectors.
func RegisterBusMetrics() {
	prometheus.MustRegister(
		BusMessagesTotal,
		BusSubscribers,
		DedupCacheSize,
		SubscriberPanicsTotal,
	)
}

// RegisterIngestMetrics registers the per-ingestor state gauge.
func RegisterIngestMetrics() {
	prometheus.MustRegister(IngestorState)
}

// RegisterBridgeMetrics registers the extension bridge collectors.
func RegisterBridgeMetrics() {
	prometheus.MustRegister(
		BridgeClients,
		BridgeFramesTotal,
	)
}
