// Package metrics provides Prometheus instrumentation for the compliance engine.
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
			Namespace: "saccoguard",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "saccoguard",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// WorkflowsTotal counts workflow lifecycle transitions by terminal status.
	WorkflowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "saccoguard",
			Name:      "workflows_total",
			Help:      "Total approval workflows by status transition.",
		},
		[]string{"status"},
	)

	// WorkflowsInitiatedTotal counts initiated workflows by type and risk level.
	WorkflowsInitiatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "saccoguard",
			Name:      "workflows_initiated_total",
			Help:      "Total workflows initiated by workflow type and risk level.",
		},
		[]string{"type", "risk_level"},
	)

	// ApprovalsTotal counts submitted approval decisions.
	ApprovalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "saccoguard",
			Name:      "approvals_total",
			Help:      "Total approval decisions submitted by decision value.",
		},
		[]string{"decision"},
	)

	// WorkflowExecutionsTotal counts execution hand-offs by result.
	WorkflowExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "saccoguard",
			Name:      "workflow_executions_total",
			Help:      "Total operation executions triggered by approved workflows.",
		},
		[]string{"result"},
	)

	// WorkflowCompletionDuration observes time from initiation to terminal state.
	WorkflowCompletionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "saccoguard",
		Name:      "workflow_completion_duration_seconds",
		Help:      "Time from workflow initiation to terminal status in seconds.",
		Buckets:   []float64{60, 300, 1800, 3600, 14400, 43200, 86400, 172800},
	})

	// SoDViolationsTotal counts segregation-of-duties violations by severity.
	SoDViolationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "saccoguard",
			Name:      "sod_violations_total",
			Help:      "Total segregation-of-duties violations detected by severity.",
		},
		[]string{"severity"},
	)

	// LimitViolationsTotal counts transaction limit violations by severity.
	LimitViolationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "saccoguard",
			Name:      "limit_violations_total",
			Help:      "Total transaction limit violations by severity.",
		},
		[]string{"severity"},
	)

	// RiskAssessmentsTotal counts completed risk assessments by level.
	RiskAssessmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "saccoguard",
			Name:      "risk_assessments_total",
			Help:      "Total risk assessments completed by risk level.",
		},
		[]string{"level"},
	)

	// PendingWorkflows tracks the current number of PENDING workflows.
	PendingWorkflows = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "saccoguard",
			Name:      "pending_workflows",
			Help:      "Number of workflows currently awaiting approval.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "saccoguard", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "saccoguard", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "saccoguard", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "saccoguard", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		WorkflowsTotal,
		WorkflowsInitiatedTotal,
		ApprovalsTotal,
		WorkflowExecutionsTotal,
		WorkflowCompletionDuration,
		SoDViolationsTotal,
		LimitViolationsTotal,
		RiskAssessmentsTotal,
		PendingWorkflows,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
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
