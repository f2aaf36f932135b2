// Package metrics provides Prometheus instrumentation for the skillvault
// service.
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
			Namespace: "skillvault",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "skillvault",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EscrowTransitionsTotal counts escrow transitions by outcome
	// (held, released, refunded, conflict).
	EscrowTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skillvault",
			Name:      "escrow_transitions_total",
			Help:      "Total escrow transitions by outcome.",
		},
		[]string{"outcome"},
	)

	// EscrowHeldDuration observes time from hold to resolution.
	EscrowHeldDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "skillvault",
		Name:      "escrow_held_duration_seconds",
		Help:      "Time from escrow hold to resolution in seconds.",
		Buckets:   []float64{60, 300, 1800, 3600, 86400, 604800},
	})

	// WithdrawalDecisionsTotal counts admin withdrawal decisions
	// (approved, rejected, failed).
	WithdrawalDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skillvault",
			Name:      "withdrawal_decisions_total",
			Help:      "Total withdrawal decisions by outcome.",
		},
		[]string{"outcome"},
	)

	// PoolWriteFailuresTotal counts pool movements dropped after retries.
	PoolWriteFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "skillvault",
		Name:      "pool_write_failures_total",
		Help:      "Total pool mirror movements dropped after exhausting retries.",
	})

	// LedgerConflictsTotal counts serialization conflicts seen by the ledger.
	LedgerConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "skillvault",
		Name:      "ledger_conflicts_total",
		Help:      "Total store serialization conflicts retried by the ledger.",
	})

	// ReconciliationMismatches tracks users whose balances disagree with
	// their replayed ledger, by check.
	ReconciliationMismatches = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "skillvault",
			Name:      "reconciliation_mismatches",
			Help:      "Users failing a reconciliation check, by check name.",
		},
		[]string{"check"},
	)

	// ReconciliationLastRun records the unix time of the last sweep.
	ReconciliationLastRun = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "skillvault",
		Name:      "reconciliation_last_run_timestamp",
		Help:      "Unix timestamp of the last completed reconciliation sweep.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "skillvault", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "skillvault", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "skillvault", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "skillvault", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "skillvault", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "skillvault", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EscrowTransitionsTotal,
		EscrowHeldDuration,
		WithdrawalDecisionsTotal,
		PoolWriteFailuresTotal,
		LedgerConflictsTotal,
		ReconciliationMismatches,
		ReconciliationLastRun,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
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
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
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
