package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// API Metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hlsmux_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hlsmux_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Segment Metrics
	SegmentsFetchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hlsmux_segments_fetched_total",
			Help: "Total number of segment fetches by final outcome",
		},
		[]string{"status"},
	)

	SegmentRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hlsmux_segment_retries_total",
			Help: "Total number of segment fetch retries",
		},
	)

	SegmentFetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hlsmux_segment_fetch_duration_seconds",
			Help:    "Duration of a single segment request in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		},
	)

	DownloadedBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hlsmux_downloaded_bytes_total",
			Help: "Total segment bytes downloaded",
		},
	)

	// Task Metrics
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hlsmux_tasks_total",
			Help: "Total number of finished tasks by status",
		},
		[]string{"status"},
	)

	TasksActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hlsmux_tasks_active",
			Help: "Number of tasks currently running",
		},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hlsmux_task_duration_seconds",
			Help:    "Task duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		},
		[]string{"status"},
	)

	// Mux Metrics
	MuxSamplesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hlsmux_mux_samples_total",
			Help: "Total number of elementary samples muxed",
		},
		[]string{"media"},
	)

	SpillBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hlsmux_spill_bytes",
			Help: "Segment bytes currently spilled to disk",
		},
	)

	// Storage Metrics
	StorageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hlsmux_storage_operations_total",
			Help: "Total number of storage operations",
		},
		[]string{"operation", "status"},
	)

	StorageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hlsmux_storage_operation_duration_seconds",
			Help:    "Storage operation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"operation"},
	)

	StorageBytesTransferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hlsmux_storage_bytes_transferred_total",
			Help: "Total bytes transferred to/from storage",
		},
		[]string{"operation"},
	)

	// Database Metrics
	DatabaseOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hlsmux_database_operations_total",
			Help: "Total number of database operations",
		},
		[]string{"operation", "status"},
	)

	DatabaseOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hlsmux_database_operation_duration_seconds",
			Help:    "Database operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Cache Metrics
	CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hlsmux_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hlsmux_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	// Error Metrics
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hlsmux_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)
)

// RecordHTTPRequest records an HTTP request
func RecordHTTPRequest(method, endpoint, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordSegmentFetch records the final outcome of a segment fetch
func RecordSegmentFetch(status string, bytes int64) {
	SegmentsFetchedTotal.WithLabelValues(status).Inc()
	if bytes > 0 {
		DownloadedBytesTotal.Add(float64(bytes))
	}
}

// RecordSegmentRequest observes the duration of one request attempt
func RecordSegmentRequest(duration float64) {
	SegmentFetchDuration.Observe(duration)
}

// RecordSegmentRetry records a retried segment request
func RecordSegmentRetry() {
	SegmentRetriesTotal.Inc()
}

// RecordTaskStarted records a task entering the running state
func RecordTaskStarted() {
	TasksActive.Inc()
}

// RecordTaskFinished records a task completion
func RecordTaskFinished(status string, duration float64) {
	TasksActive.Dec()
	TasksTotal.WithLabelValues(status).Inc()
	TaskDuration.WithLabelValues(status).Observe(duration)
}

// RecordMuxSamples records muxed samples for a media type
func RecordMuxSamples(media string, count int) {
	MuxSamplesTotal.WithLabelValues(media).Add(float64(count))
}

// UpdateSpillBytes sets the spilled byte gauge
func UpdateSpillBytes(bytes int64) {
	SpillBytes.Set(float64(bytes))
}

// RecordStorageOperation records a storage operation
func RecordStorageOperation(operation, status string, duration float64, bytesTransferred int64) {
	StorageOperationsTotal.WithLabelValues(operation, status).Inc()
	StorageOperationDuration.WithLabelValues(operation).Observe(duration)
	StorageBytesTransferred.WithLabelValues(operation).Add(float64(bytesTransferred))
}

// RecordDatabaseOperation records a database operation
func RecordDatabaseOperation(operation, status string, duration float64) {
	DatabaseOperationsTotal.WithLabelValues(operation, status).Inc()
	DatabaseOperationDuration.WithLabelValues(operation).Observe(duration)
}

// RecordCacheAccess records cache hit or miss
func RecordCacheAccess(cacheType string, hit bool) {
	if hit {
		CacheHitsTotal.WithLabelValues(cacheType).Inc()
	} else {
		CacheMissesTotal.WithLabelValues(cacheType).Inc()
	}
}

// RecordError records an error
func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
