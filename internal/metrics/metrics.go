// Package metrics provides Prometheus metrics for the photo cache.
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
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photocache_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "photocache_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Cache metrics
	cacheBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "photocache_cache_bytes",
			Help: "Total bytes of live cache entries",
		},
	)

	cacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "photocache_cache_entries",
			Help: "Number of live cache entries",
		},
	)

	cacheEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photocache_cache_evictions_total",
			Help: "Cache entries reclaimed by eviction",
		},
		[]string{"favorite"},
	)

	cacheWriteFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "photocache_cache_write_failures_total",
			Help: "Cache puts that failed to write or rename",
		},
	)

	// Worker metrics
	materializeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photocache_materialize_total",
			Help: "Materialization outcomes",
		},
		[]string{"result"},
	)

	materializeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "photocache_materialize_duration_seconds",
			Help:    "Time to read, transcode and stage one asset",
			Buckets: prometheus.DefBuckets,
		},
	)

	workerQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "photocache_worker_queue_depth",
			Help: "Jobs waiting for a worker",
		},
	)

	// Sync metrics
	syncPassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photocache_sync_passes_total",
			Help: "Sync passes by final state",
		},
		[]string{"state"},
	)

	snapshotsPublishedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "photocache_snapshots_published_total",
			Help: "Snapshots published to readers",
		},
	)

	subscribersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "photocache_subscribers_active",
			Help: "Number of active snapshot subscribers",
		},
	)

	// Original storage metrics
	storageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "photocache_storage_operation_duration_seconds",
			Help:    "Original storage operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	storageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photocache_storage_operations_total",
			Help: "Total original storage operations",
		},
		[]string{"backend", "operation", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// SetCacheUsage sets the cache size gauges.
func SetCacheUsage(bytes int64, entries int) {
	cacheBytes.Set(float64(bytes))
	cacheEntries.Set(float64(entries))
}

// RecordEviction records one evicted entry.
func RecordEviction(favorite bool) {
	cacheEvictionsTotal.WithLabelValues(strconv.FormatBool(favorite)).Inc()
}

// RecordWriteFailure records a failed cache put.
func RecordWriteFailure() {
	cacheWriteFailuresTotal.Inc()
}

// RecordMaterialize records a materialization outcome ("success", "retried", "failed").
func RecordMaterialize(result string, duration time.Duration) {
	materializeTotal.WithLabelValues(result).Inc()
	materializeDuration.Observe(duration.Seconds())
}

// SetQueueDepth sets the pending job gauge.
func SetQueueDepth(n int) {
	workerQueueDepth.Set(float64(n))
}

// RecordSyncPass records the state a sync pass settled in.
func RecordSyncPass(state string) {
	syncPassesTotal.WithLabelValues(state).Inc()
}

// RecordSnapshotPublished records a snapshot publication.
func RecordSnapshotPublished() {
	snapshotsPublishedTotal.Inc()
}

// SetSubscribersActive sets the number of active subscribers.
func SetSubscribersActive(count int) {
	subscribersActive.Set(float64(count))
}

// RecordStorageOperation records an original storage operation.
func RecordStorageOperation(backend, operation string, duration time.Duration, success bool) {
	storageOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	storageOperationsTotal.WithLabelValues(backend, operation, status).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware records request count and latency. The route pattern is used
// as the path label to keep cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		RecordHTTPRequest(r.Method, path, rw.statusCode, time.Since(start))
	})
}
