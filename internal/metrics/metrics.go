// Package metrics provides Prometheus metrics for treefs trees and servers.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cache metrics
	cacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treefs_cache_hits_total",
			Help: "Total cached proxy lookups served from cache",
		},
		[]string{"cache"},
	)

	cacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treefs_cache_misses_total",
			Help: "Total cached proxy lookups that reached the backend",
		},
		[]string{"cache"},
	)

	cacheInvalidationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "treefs_cache_invalidations_total",
			Help: "Total cache clears caused by change events",
		},
	)

	// Backend metrics
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treefs_operations_total",
			Help: "Total backend operations",
		},
		[]string{"backend", "op", "status"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "treefs_operation_duration_seconds",
			Help:    "Backend operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)

	// Mount metrics
	mountsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "treefs_mounts_active",
			Help: "Number of mounted directories",
		},
	)

	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treefs_http_requests_total",
			Help: "Total number of HTTP requests served",
		},
		[]string{"method", "action", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordCacheHit records a lookup answered by the children or path cache.
func RecordCacheHit(cache string) {
	cacheHitsTotal.WithLabelValues(cache).Inc()
}

// RecordCacheMiss records a lookup that went to the wrapped backend.
func RecordCacheMiss(cache string) {
	cacheMissesTotal.WithLabelValues(cache).Inc()
}

// RecordCacheInvalidation records a full cache clear.
func RecordCacheInvalidation() {
	cacheInvalidationsTotal.Inc()
}

// RecordOperation records a backend operation and its outcome.
func RecordOperation(backend, op string, err error, duration time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	operationsTotal.WithLabelValues(backend, op, status).Inc()
	operationDuration.WithLabelValues(backend, op).Observe(duration.Seconds())
}

// MountAdded increments the active mount gauge.
func MountAdded() {
	mountsActive.Inc()
}

// MountRemoved decrements the active mount gauge.
func MountRemoved() {
	mountsActive.Dec()
}

// RecordHTTPRequest records a request served by the remote handler.
func RecordHTTPRequest(method, action string, status int) {
	httpRequestsTotal.WithLabelValues(method, action, strconv.Itoa(status)).Inc()
}
