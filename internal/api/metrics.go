package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deesec_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "deesec_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	recordsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deesec_records_created_total",
		Help: "Total ledger records committed.",
	})

	grantsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deesec_grants_total",
		Help: "Total permission grants committed.",
	})

	eventDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deesec_event_deliveries_total",
		Help: "Total event sink deliveries by sink and success status.",
	}, []string{"sink", "status"})

	dependencyChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deesec_dependency_checks_total",
		Help: "Total dependency probes by target and result.",
	}, []string{"target", "result"})

	streamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "deesec_event_stream_clients",
		Help: "Connected Server-Sent Events clients.",
	})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		requestsTotal.WithLabelValues(method, path, status).Inc()
		requestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordCreated counts a committed record. It is installed with
// ledger.Ledger.SetAppendRecorder.
func RecordCreated() {
	recordsCreatedTotal.Inc()
}

// RecordGrant counts a committed grant. It is installed with
// access.Controller.SetGrantRecorder.
func RecordGrant() {
	grantsTotal.Inc()
}

// RecordEventDelivery records a sink delivery attempt. It is installed with
// events.Bus.SetDeliveryRecorder.
func RecordEventDelivery(sink string, success bool) {
	if success {
		eventDeliveriesTotal.WithLabelValues(sink, "success").Inc()
	} else {
		eventDeliveriesTotal.WithLabelValues(sink, "failure").Inc()
	}
}

// RecordDependencyCheck records a dependency probe. It is installed with
// health.Checker.SetMetricsRecord.
func RecordDependencyCheck(target string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	dependencyChecksTotal.WithLabelValues(target, result).Inc()
}
