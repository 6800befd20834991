// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons used as the "reason" label of FramesDropped.
const (
	ReasonChecksum     = "checksum"
	ReasonMisdelivered = "misdelivered"
	ReasonMalformed    = "malformed"
	ReasonSelfForward  = "self_forward"
	ReasonBadPort      = "bad_port"
)

var (
	// FramesReceived counts frames handed to an adapter or bridge by the medium
	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "epona_frames_received_total",
			Help: "Total number of frames received from the medium",
		},
		[]string{"node"},
	)

	// FramesDropped counts frames discarded without being delivered or forwarded
	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "epona_frames_dropped_total",
			Help: "Total number of frames dropped",
		},
		[]string{"node", "reason"},
	)

	// FramesTransmitted counts frames an adapter handed to the medium
	FramesTransmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "epona_frames_transmitted_total",
			Help: "Total number of frames transmitted by adapters",
		},
		[]string{"node"},
	)

	// FramesDelivered counts payloads passed up to the network layer
	FramesDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "epona_frames_delivered_total",
			Help: "Total number of payloads delivered to the network layer",
		},
		[]string{"node"},
	)

	// FramesForwarded counts frames a bridge sent out a single learned port
	FramesForwarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "epona_bridge_frames_forwarded_total",
			Help: "Total number of frames forwarded to a learned port",
		},
		[]string{"node"},
	)

	// FramesFlooded counts frames a bridge sent out every other port
	FramesFlooded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "epona_bridge_frames_flooded_total",
			Help: "Total number of frames flooded to all other ports",
		},
		[]string{"node"},
	)

	// ForwardingTableSize tracks the number of learned addresses per bridge
	ForwardingTableSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "epona_bridge_table_entries",
			Help: "Current number of entries in the forwarding table",
		},
		[]string{"node"},
	)

	// ResolutionRequests counts resolution requests sent (direction=tx) and answered (direction=rx)
	ResolutionRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "epona_resolution_requests_total",
			Help: "Total number of resolution requests",
		},
		[]string{"node", "direction"},
	)

	// ResolutionReplies counts resolution replies received
	ResolutionReplies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "epona_resolution_replies_total",
			Help: "Total number of resolution replies received",
		},
		[]string{"node"},
	)

	// ResolutionFailures counts sends abandoned with no route to host
	ResolutionFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "epona_resolution_failures_total",
			Help: "Total number of sends that failed to resolve a link address",
		},
		[]string{"node"},
	)

	// ResolutionLatencySeconds measures the time spent resolving a link address
	ResolutionLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "epona_resolution_latency_seconds",
			Help:    "Time to resolve a link address in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 100µs to ~0.8s
		},
		[]string{"node"},
	)

	// ConnectedPorts tracks bridge ports with an attached peer
	ConnectedPorts = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "epona_switch_connected_ports",
			Help: "Number of switch ports with an attached peer",
		},
		[]string{"node"},
	)
)

// Direction label values for ResolutionRequests.
const (
	DirectionTx = "tx"
	DirectionRx = "rx"
)
