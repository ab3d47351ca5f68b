// Package metrics provides Prometheus instrumentation for the trade engine.
package metrics

import (
	"database/sql"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tradeguard"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// TradeTransitionsTotal counts trade status transitions.
	TradeTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trade_transitions_total",
			Help:      "Trade status transitions by from and to status.",
		},
		[]string{"from", "to"},
	)

	// DisputeTransitionsTotal counts dispute status transitions.
	DisputeTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispute_transitions_total",
			Help:      "Dispute status transitions by from and to status.",
		},
		[]string{"from", "to"},
	)

	// RejectedActionsTotal counts state-machine rejections by operation and reason.
	RejectedActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_actions_total",
			Help:      "Rejected trade and dispute operations by op and kind.",
		},
		[]string{"op", "kind"},
	)

	// CustodyCallsTotal counts custody backend calls by leg and result.
	CustodyCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "custody_calls_total",
			Help:      "Custody backend calls by leg (lock, release, refund) and result.",
		},
		[]string{"leg", "result"},
	)

	// CustodyRetriesTotal counts custody retry sleeps.
	CustodyRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "custody_retries_total",
			Help:      "Custody call retries by leg.",
		},
		[]string{"leg"},
	)

	// SchedulerFiredTotal counts fired deadline tasks by kind and result.
	SchedulerFiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "fired_total",
			Help:      "Deadline tasks fired by kind and result.",
		},
		[]string{"kind", "result"},
	)

	// SchedulerStuckTasksTotal counts tasks parked after exhausting retries.
	SchedulerStuckTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "stuck_tasks_total",
			Help:      "Deadline tasks parked as stuck, by kind.",
		},
		[]string{"kind"},
	)

	// AssignmentsTotal counts arbitration assignment attempts by result.
	AssignmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "arbitration_assignments_total",
			Help:      "Admin assignment attempts by result.",
		},
		[]string{"result"},
	)

	// ActiveDisputesPerAdmin tracks live assignments per admin.
	ActiveDisputesPerAdmin = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "arbitration_active_disputes",
			Help:      "Live dispute assignments per admin.",
		},
		[]string{"admin"},
	)

	// EventsDeliveredTotal counts outbox deliveries by sink and result.
	EventsDeliveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_delivered_total",
			Help:      "Outbox event deliveries by sink and result.",
		},
		[]string{"sink", "result"},
	)

	// WebhookDeliveriesTotal counts webhook delivery attempts by result.
	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Total webhook deliveries by result.",
		},
		[]string{"result"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// TradeDuration observes creation-to-terminal time for trades.
	TradeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "trade_duration_seconds",
		Help:      "Time from trade creation to a terminal status.",
		Buckets:   []float64{60, 300, 900, 1800, 3600, 4 * 3600, 86400, 3 * 86400},
	}, []string{"status"})

	// DisputeResolutionDuration observes open-to-resolved time.
	DisputeResolutionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispute_resolution_seconds",
		Help:      "Time from dispute open to resolution.",
		Buckets:   []float64{600, 3600, 6 * 3600, 86400, 2 * 86400, 3 * 86400, 7 * 86400},
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TradeTransitionsTotal,
		DisputeTransitionsTotal,
		RejectedActionsTotal,
		CustodyCallsTotal,
		CustodyRetriesTotal,
		SchedulerFiredTotal,
		SchedulerStuckTasksTotal,
		AssignmentsTotal,
		ActiveDisputesPerAdmin,
		EventsDeliveredTotal,
		WebhookDeliveriesTotal,
		ActiveWebSocketClients,
		TradeDuration,
		DisputeResolutionDuration,
	)
}

// RegisterDB exports connection pool statistics for db as
// go_sql_* series labelled db_name="tradeguard". Registering twice is not an
// error.
func RegisterDB(db *sql.DB) error {
	err := prometheus.Register(collectors.NewDBStatsCollector(db, namespace))
	var dup prometheus.AlreadyRegisteredError
	if errors.As(err, &dup) {
		return nil
	}
	return err
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// FullPath is the route pattern, which keeps label cardinality bounded.
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
