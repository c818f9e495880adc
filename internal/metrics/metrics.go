package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "active_sessions",
		Help:      "Number of currently active torrent sessions.",
	})

	DownloadSpeedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "download_speed_bytes",
		Help:      "Current aggregate download speed in bytes per second.",
	})

	UploadSpeedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "upload_speed_bytes",
		Help:      "Current aggregate upload speed in bytes per second.",
	})

	PeersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "peers_connected",
		Help:      "Total number of peers connected across all sessions.",
	})

	VerifyDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gateway",
		Name:      "verify_duration_seconds",
		Help:      "Duration of piece re-verification phase after restart.",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
	})

	// Connection FSM (internal/gateway): per-connection lifecycle.

	ConnStateTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "conn_state_transitions_total",
		Help:      "Total gateway connection state transitions by from/to state.",
	}, []string{"from", "to"})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "connections_active",
		Help:      "Number of currently open gateway connections.",
	})

	ConnectionsAcceptedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "connections_accepted_total",
		Help:      "Total number of accepted gateway connections.",
	})

	// Request parsing and handling.

	ParserBadRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "parser_bad_requests_total",
		Help:      "Total number of requests rejected by the parser as malformed.",
	})

	RequestsByStatusTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "requests_by_status_total",
		Help:      "Total gateway requests by resulting HTTP status code.",
	}, []string{"status"})

	RangeRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "range_requests_total",
		Help:      "Total number of requests carrying a Range header.",
	})

	// Producer backpressure and throughput.

	ProducerBackpressureTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "producer_backpressure_total",
		Help:      "Total number of producer reads that returned not-ready (n=0, true), by backend.",
	}, []string{"backend"})

	BytesStreamedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "bytes_streamed_total",
		Help:      "Total number of response body bytes streamed to clients.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		ActiveSessions,
		DownloadSpeedBytes,
		UploadSpeedBytes,
		PeersConnected,
		VerifyDuration,
		ConnStateTransitionsTotal,
		ConnectionsActive,
		ConnectionsAcceptedTotal,
		ParserBadRequestsTotal,
		RequestsByStatusTotal,
		RangeRequestsTotal,
		ProducerBackpressureTotal,
		BytesStreamedTotal,
	)
}
