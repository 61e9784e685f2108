// Package metrics exposes Prometheus counters for the negotiation lifecycle.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// InboundTotal counts ingested creator messages by result
	// (accepted, duplicate, malformed, error).
	InboundTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "parley",
			Subsystem: "negotiation",
			Name:      "inbound_total",
			Help:      "Total inbound creator messages by result",
		},
		[]string{"result"},
	)

	// DecisionsTotal counts escalation policy outcomes.
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "parley",
			Subsystem: "negotiation",
			Name:      "decisions_total",
			Help:      "Total escalation policy decisions by outcome",
		},
		[]string{"outcome"},
	)

	// ClassifierTotal counts classifier calls by status (ok, unavailable, unparseable).
	ClassifierTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "parley",
			Subsystem: "classifier",
			Name:      "calls_total",
			Help:      "Total classifier calls by status",
		},
		[]string{"status"},
	)

	// ClassifierDuration observes classifier latency.
	ClassifierDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "parley",
			Subsystem: "classifier",
			Name:      "duration_seconds",
			Help:      "Classifier call duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 45},
		},
	)

	// TransitionsTotal counts stage changes.
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "parley",
			Subsystem: "negotiation",
			Name:      "transitions_total",
			Help:      "Total conversation stage transitions",
		},
		[]string{"from", "to"},
	)

	// ApprovalsTotal counts approval queue events (created, merged, approved,
	// rejected, action_taken, conflict).
	ApprovalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "parley",
			Subsystem: "approval",
			Name:      "events_total",
			Help:      "Total approval queue events",
		},
		[]string{"event"},
	)

	// OutboundTotal counts outbound deliveries by status (sent, failed).
	OutboundTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "parley",
			Subsystem: "mailer",
			Name:      "outbound_total",
			Help:      "Total outbound messages by delivery status",
		},
		[]string{"status"},
	)

	// TriggersTotal counts downstream trigger calls.
	TriggersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "parley",
			Subsystem: "trigger",
			Name:      "calls_total",
			Help:      "Total downstream trigger calls by kind and status",
		},
		[]string{"kind", "status"},
	)

	// CommitConflictsTotal counts optimistic version conflicts.
	CommitConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "parley",
			Subsystem: "negotiation",
			Name:      "commit_conflicts_total",
			Help:      "Total optimistic concurrency conflicts on conversation commits",
		},
	)

	// RequestsTotal counts HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "parley",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// RequestDuration observes HTTP latency.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "parley",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"method", "route"},
	)
)

// ObserveClassifier records one classifier call.
func ObserveClassifier(status string, took time.Duration) {
	ClassifierTotal.WithLabelValues(status).Inc()
	ClassifierDuration.Observe(took.Seconds())
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
