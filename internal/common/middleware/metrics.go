package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hrportal",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"service", "method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hrportal",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"service", "method", "path"},
	)

	httpRequestsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "hrportal",
			Name:      "http_requests_in_flight",
			Help:      "Number of HTTP requests currently being processed",
		},
		[]string{"service"},
	)

	// AuthAttemptsTotal counts login and refresh attempts by method and outcome
	AuthAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hrportal",
			Name:      "auth_attempts_total",
			Help:      "Total number of authentication attempts",
		},
		[]string{"method", "outcome"},
	)

	// PermissionDecisionsTotal counts evaluator decisions by deciding layer
	PermissionDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hrportal",
			Name:      "permission_decisions_total",
			Help:      "Total number of permission decisions",
		},
		[]string{"source", "outcome"},
	)

	// SecurityLevelTransitionsTotal counts security level writes by resulting level
	SecurityLevelTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hrportal",
			Name:      "security_level_transitions_total",
			Help:      "Total number of session security level changes",
		},
		[]string{"level"},
	)

	rateLimitHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hrportal",
			Name:      "rate_limit_hits_total",
			Help:      "Total number of login requests rejected by rate limiting",
		},
	)

	rateLimitFailOpenTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hrportal",
			Name:      "rate_limit_fail_open_total",
			Help:      "Total number of login requests allowed because Redis was unavailable",
		},
	)
)

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// RecordAuthAttempt counts one authentication attempt
func RecordAuthAttempt(method string, ok bool) {
	AuthAttemptsTotal.WithLabelValues(method, outcome(ok)).Inc()
}

// RecordPermissionDecision counts one permission decision
func RecordPermissionDecision(source string, allowed bool) {
	result := "deny"
	if allowed {
		result = "allow"
	}
	PermissionDecisionsTotal.WithLabelValues(source, result).Inc()
}

// RecordSecurityLevel counts one security level write
func RecordSecurityLevel(level string) {
	SecurityLevelTransitionsTotal.WithLabelValues(level).Inc()
}

// PrometheusMetrics returns a Gin middleware that records HTTP metrics.
// serviceName is used as the "service" label on all metrics.
func PrometheusMetrics(serviceName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = "unknown"
		}

		if path == "/metrics" {
			c.Next()
			return
		}

		httpRequestsInFlight.WithLabelValues(serviceName).Inc()
		start := time.Now()

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		httpRequestsTotal.WithLabelValues(serviceName, c.Request.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(serviceName, c.Request.Method, path).Observe(time.Since(start).Seconds())
		httpRequestsInFlight.WithLabelValues(serviceName).Dec()
	}
}

// MetricsHandler serves Prometheus metrics. Register it on "/metrics".
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
