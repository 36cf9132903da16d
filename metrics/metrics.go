// Package metrics exposes this node's Prometheus counters: queue
// depth and churn, relay hop counts, spam rejections, and queue-sync
// activity, all registered against a private Registry rather than the
// global default so a node embedding this module never collides with
// the host process's own metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "meshcore"

// Registry owns every metric this package registers. Callers that also
// use the default Prometheus registry are unaffected.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	// MessagesQueued counts messages admitted to the offline queue, by
	// outcome (accepted, rejected_full, rejected).
	MessagesQueued = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "messages_total",
			Help:      "Total number of messages handed to the offline queue, by outcome",
		},
		[]string{"outcome"},
	)

	// QueueDepth reports the current number of live, undelivered queue
	// entries.
	QueueDepth = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Current number of live (non-tombstoned, non-delivered) queue entries",
		},
	)

	// RelayHops tracks every relay decision, by outcome (relayed,
	// delivered, blocked, dropped).
	RelayHops = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "hops_total",
			Help:      "Total number of relay hop decisions, by outcome",
		},
		[]string{"outcome"},
	)

	// SpamRejections tracks messages refused by the spam checker, by
	// reason (size, rate_limited, duplicate, low_trust, loop,
	// byte_rate_limited).
	SpamRejections = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "spam",
			Name:      "rejections_total",
			Help:      "Total number of messages rejected by the spam checker, by reason",
		},
		[]string{"reason"},
	)

	// SyncRequests tracks queue-sync reconciliation rounds, by outcome
	// (sent, handled, already_synced, rate_limited, pushed).
	SyncRequests = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "requests_total",
			Help:      "Total number of queue-sync reconciliation events, by outcome",
		},
		[]string{"outcome"},
	)

	// HandshakesCompleted tracks completed Noise handshakes, by role
	// (initiator, responder).
	HandshakesCompleted = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "handshakes_completed_total",
			Help:      "Total number of completed Noise handshakes, by role",
		},
		[]string{"role"},
	)

	// CipherMessagesSent mirrors CipherState.MessagesSent per peer, so a
	// rekey approaching its message-count limit is visible.
	CipherMessagesSent = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "cipher_messages_sent",
			Help:      "Messages sent on the current transport cipher state, by peer",
		},
		[]string{"peer"},
	)

	// CipherAgeSeconds mirrors CipherState.Age per peer, so a rekey
	// approaching its time limit is visible.
	CipherAgeSeconds = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "cipher_age_seconds",
			Help:      "Age in seconds of the current transport cipher state, by peer",
		},
		[]string{"peer"},
	)
)

// Handler returns the HTTP handler serving this registry's metrics in
// Prometheus exposition format, for mounting at "/metrics".
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
