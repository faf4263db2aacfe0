package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	OutcomeAcked    = "acked"
	OutcomeError    = "error"
	OutcomeReset    = "reset"
	OutcomeFlushed  = "flushed"
	OutcomeRetrying = "retrying"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerlink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"peer", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "peerlink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"peer", "method", "path", "status"},
	)
	linkEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerlink",
			Subsystem: "link",
			Name:      "enqueued_total",
			Help:      "Entries accepted into a delivery channel.",
		},
		[]string{"peer", "channel", "ack"},
	)
	linkResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerlink",
			Subsystem: "link",
			Name:      "resolved_total",
			Help:      "Entries resolved by outcome.",
		},
		[]string{"peer", "channel", "outcome"},
	)
	linkQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "peerlink",
			Subsystem: "link",
			Name:      "queue_depth",
			Help:      "Pending entries per delivery channel.",
		},
		[]string{"peer", "channel"},
	)
	linkEpoch = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "peerlink",
			Subsystem: "link",
			Name:      "session_epoch",
			Help:      "Current session epoch.",
		},
		[]string{"peer"},
	)
	linkResets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerlink",
			Subsystem: "link",
			Name:      "session_resets_total",
			Help:      "Session epoch transitions.",
		},
		[]string{"peer", "origin"},
	)
	linkInboundDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerlink",
			Subsystem: "link",
			Name:      "inbound_dropped_total",
			Help:      "Inbound items discarded before dispatch.",
		},
		[]string{"peer", "reason"},
	)
	transportSpoolDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerlink",
			Subsystem: "transport",
			Name:      "spool_dropped_total",
			Help:      "Background transfers discarded because the offline spool was full.",
		},
		[]string{"peer"},
	)
	transportConnections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerlink",
			Subsystem: "transport",
			Name:      "connections_total",
			Help:      "Peer connections by result.",
		},
		[]string{"peer", "result"},
	)
	linkReachable = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "peerlink",
			Subsystem: "link",
			Name:      "reachable",
			Help:      "1 when the peer is reachable.",
		},
		[]string{"peer"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			linkEnqueued,
			linkResolved,
			linkQueueDepth,
			linkEpoch,
			linkResets,
			linkInboundDropped,
			linkReachable,
			transportSpoolDropped,
			transportConnections,
		)
	})
}

func RecordHTTPRequest(peer, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(peer, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(peer, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordEnqueued(peer, channel string, ack bool) {
	RegisterMetrics()
	linkEnqueued.WithLabelValues(peer, channel, strconv.FormatBool(ack)).Inc()
}

func RecordResolved(peer, channel, outcome string, n int) {
	if n <= 0 {
		return
	}
	RegisterMetrics()
	linkResolved.WithLabelValues(peer, channel, outcome).Add(float64(n))
}

func SetQueueDepth(peer, channel string, depth int) {
	RegisterMetrics()
	linkQueueDepth.WithLabelValues(peer, channel).Set(float64(depth))
}

func RecordEpoch(peer string, epoch int64, origin string) {
	RegisterMetrics()
	linkEpoch.WithLabelValues(peer).Set(float64(epoch))
	if origin != "" {
		linkResets.WithLabelValues(peer, origin).Inc()
	}
}

func RecordInboundDropped(peer, reason string) {
	RegisterMetrics()
	linkInboundDropped.WithLabelValues(peer, reason).Inc()
}

func SetReachable(peer string, reachable bool) {
	RegisterMetrics()
	v := 0.0
	if reachable {
		v = 1
	}
	linkReachable.WithLabelValues(peer).Set(v)
}

func RecordSpoolDropped(peer string) {
	RegisterMetrics()
	transportSpoolDropped.WithLabelValues(peer).Inc()
}

// RecordConnection counts handshake results: "established", "rejected" or
// "dropped".
func RecordConnection(peer, result string) {
	RegisterMetrics()
	transportConnections.WithLabelValues(peer, result).Inc()
}
