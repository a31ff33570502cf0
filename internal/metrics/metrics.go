// Package metrics provides Prometheus instrumentation for churnshield.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "churnshield",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "churnshield",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// --- Cancel flow ---

	// FlowTransitionsTotal counts accepted transitions by from-step and action.
	FlowTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "churnshield",
		Subsystem: "cancel_flow",
		Name:      "transitions_total",
		Help:      "Cancel-flow transitions by from-step and action.",
	}, []string{"from", "action"})

	// FlowOutcomesTotal counts closed sessions by outcome.
	FlowOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "churnshield",
		Subsystem: "cancel_flow",
		Name:      "outcomes_total",
		Help:      "Closed cancel-flow sessions by outcome.",
	}, []string{"outcome"})

	// ActiveFlowSessions tracks open (not closed) sessions held by this process.
	ActiveFlowSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "churnshield",
		Subsystem: "cancel_flow",
		Name:      "active_sessions",
		Help:      "Number of open cancel-flow sessions.",
	})

	// --- Events ---

	// EventsRecordedTotal counts churn events written by type.
	EventsRecordedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "churnshield",
		Subsystem: "events",
		Name:      "recorded_total",
		Help:      "Churn events successfully written, by event type.",
	}, []string{"event_type"})

	// EventsDroppedTotal counts best-effort writes that failed and were swallowed.
	EventsDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "churnshield",
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Churn events lost because the sink write failed, by event type.",
	}, []string{"event_type"})

	// --- Billing ---

	// BillingCallsTotal counts billing-provider calls by operation and result kind.
	BillingCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "churnshield",
		Subsystem: "billing",
		Name:      "calls_total",
		Help:      "Billing provider calls by operation and result.",
	}, []string{"operation", "result"})

	// BillingCallDuration observes billing call latency including retries.
	BillingCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "churnshield",
		Subsystem: "billing",
		Name:      "call_duration_seconds",
		Help:      "Billing provider call duration including retries.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 8},
	}, []string{"operation"})

	// --- Risk ---

	// RiskRunsTotal counts batch runs by result.
	RiskRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "churnshield",
		Subsystem: "risk",
		Name:      "runs_total",
		Help:      "Risk scoring batch runs by result.",
	}, []string{"result"})

	// RiskCustomersScoredTotal counts customers scored by resulting bucket.
	RiskCustomersScoredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "churnshield",
		Subsystem: "risk",
		Name:      "customers_scored_total",
		Help:      "Customers scored by resulting bucket.",
	}, []string{"bucket"})

	// RiskCustomerErrorsTotal counts customers skipped because scoring failed.
	RiskCustomerErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "churnshield",
		Subsystem: "risk",
		Name:      "customer_errors_total",
		Help:      "Customers skipped in a batch run due to errors.",
	})

	// RiskBucketTransitionsTotal counts bucket changes by from and to bucket.
	RiskBucketTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "churnshield",
		Subsystem: "risk",
		Name:      "bucket_transitions_total",
		Help:      "Risk bucket transitions by from and to bucket.",
	}, []string{"from", "to"})

	// RiskRunDuration observes the wall time of a batch run.
	RiskRunDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "churnshield",
		Subsystem: "risk",
		Name:      "run_duration_seconds",
		Help:      "Risk batch run duration in seconds.",
		Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 3600},
	})

	// NotificationsTotal counts outbound notifications by type and result.
	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "churnshield",
		Subsystem: "notify",
		Name:      "messages_total",
		Help:      "Outbound notifications by message type and result.",
	}, []string{"type", "result"})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "churnshield", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "churnshield", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "churnshield", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		FlowTransitionsTotal,
		FlowOutcomesTotal,
		ActiveFlowSessions,
		EventsRecordedTotal,
		EventsDroppedTotal,
		BillingCallsTotal,
		BillingCallDuration,
		RiskRunsTotal,
		RiskCustomersScoredTotal,
		RiskCustomerErrorsTotal,
		RiskBucketTransitionsTotal,
		RiskRunDuration,
		NotificationsTotal,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and the goroutine
// count into gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern keeps cardinality bounded
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
