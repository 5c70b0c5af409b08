package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SignalsProcessed counts signals examined per tier.
var SignalsProcessed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cascade_signals_processed_total",
		Help: "Total number of signals examined, by tier",
	},
	[]string{"tier"},
)

// SignalsPassed counts signals that cleared a tier's gates.
var SignalsPassed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cascade_signals_passed_total",
		Help: "Total number of signals passed downstream, by tier",
	},
	[]string{"tier"},
)

// SignalsRejected counts gate rejections by tier and reason.
var SignalsRejected = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cascade_signals_rejected_total",
		Help: "Total number of signals rejected, by tier and gate reason",
	},
	[]string{"tier", "reason"},
)

// WorkersRunning tracks live workers per tier.
var WorkersRunning = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "cascade_workers_running",
		Help: "Number of workers currently running, by tier",
	},
	[]string{"tier"},
)

// WorkerRestarts counts health-monitor relaunches per tier.
var WorkerRestarts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cascade_worker_restarts_total",
		Help: "Total number of worker relaunches performed by the health monitor",
	},
	[]string{"tier"},
)

// StreamPublishes counts records published per stream class.
var StreamPublishes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cascade_stream_publishes_total",
		Help: "Total number of records published, by stream",
	},
	[]string{"stream"},
)

// StoreDegraded is 1 once a client side has fallen back to in-process storage.
var StoreDegraded = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "cascade_store_degraded",
		Help: "Whether the stream (or time-series) client runs on the in-process fallback",
	},
	[]string{"side"},
)

// WSConnections tracks the number of live WebSocket connections.
var WSConnections = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "cascade_ws_connections",
		Help: "Current number of registered WebSocket connections",
	},
)

// WSBroadcasts counts fan-out deliveries by stream.
var WSBroadcasts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cascade_ws_broadcasts_total",
		Help: "Total number of messages delivered to subscribers, by stream",
	},
	[]string{"stream"},
)

func init() {
	prometheus.MustRegister(
		SignalsProcessed, SignalsPassed, SignalsRejected,
		WorkersRunning, WorkerRestarts,
		StreamPublishes, StoreDegraded,
		WSConnections, WSBroadcasts,
	)
}
