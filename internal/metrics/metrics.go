// Package metrics holds the prometheus collectors exported by a session.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// EndpointsTotal counts discovery events by type (found, lost)
var EndpointsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "airlink_endpoints_total",
		Help: "Total number of endpoint discovery events",
	},
	[]string{"type"},
)

// ConnectionsTotal counts connection outcomes (connected, failed, disconnected, rejected)
var ConnectionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "airlink_connections_total",
		Help: "Total number of connection events",
	},
	[]string{"result"},
)

// HandshakesTotal counts handshake outcomes (completed, malformed, fallback, duplicate, aborted)
var HandshakesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "airlink_handshakes_total",
		Help: "Total number of handshake outcomes",
	},
	[]string{"result"},
)

// MessagesTotal counts chat messages by direction
var MessagesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "airlink_messages_total",
		Help: "Total number of chat messages",
	},
	[]string{"direction"},
)

// ParseErrorsTotal counts payloads dropped because they could not be decoded
var ParseErrorsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "airlink_parse_errors_total",
		Help: "Total number of undecodable payloads",
	},
)

// TransfersTotal counts finished file transfers by direction and status
var TransfersTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "airlink_transfers_total",
		Help: "Total number of finished file transfers",
	},
	[]string{"direction", "status"},
)

// TransferBytesTotal counts bytes of successful file transfers
var TransferBytesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "airlink_transfer_bytes_total",
		Help: "Total number of bytes moved by successful file transfers",
	},
	[]string{"direction"},
)

// ConnectedPeers tracks links that completed their handshake
var ConnectedPeers = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "airlink_connected_peers",
		Help: "Number of peers currently connected",
	},
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
