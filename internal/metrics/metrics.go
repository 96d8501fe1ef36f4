// Package metrics defines the Prometheus metrics exported by Snow Bunny.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for part and file size histograms (bytes).
var sizeBuckets = prometheus.ExponentialBuckets(1<<20, 4, 10)

// Upload metrics.
var (
	// FilesTotal counts finished file uploads by result kind.
	FilesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snowbunny_files_total",
			Help: "Files processed by result kind",
		},
		[]string{"kind"},
	)

	// PartsTotal counts part uploads by status (success, error).
	PartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snowbunny_parts_total",
			Help: "Parts uploaded by status",
		},
		[]string{"status"},
	)

	// BytesUploadedTotal counts bytes acknowledged by the archive backend.
	BytesUploadedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "snowbunny_bytes_uploaded_total",
			Help: "Total bytes acknowledged by the archive backend",
		},
	)

	// FileSize observes the size of every file handed to the backend.
	FileSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "snowbunny_file_size_bytes",
			Help:    "Size of uploaded files in bytes",
			Buckets: sizeBuckets,
		},
	)

	// FileDuration observes the wall time of one file upload in seconds.
	FileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snowbunny_file_duration_seconds",
			Help:    "File upload latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		},
		[]string{"kind"},
	)

	// ActiveFiles is the number of files currently being uploaded.
	ActiveFiles = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "snowbunny_active_files",
			Help: "Files currently in flight",
		},
	)

	// PendingFiles is the size of the pending set at the start of the run.
	PendingFiles = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "snowbunny_pending_files",
			Help: "Pending files at the start of the run",
		},
	)

	// UploadedFiles mirrors the store's upload counter.
	UploadedFiles = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "snowbunny_uploaded_files",
			Help: "Files ever recorded as uploaded",
		},
	)
)

// HTTP metrics for the status server.
var (
	// HTTPRequestsTotal counts status server requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snowbunny_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snowbunny_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Register registers all Prometheus collectors with the default registry.
// It is safe to call multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			FilesTotal,
			PartsTotal,
			BytesUploadedTotal,
			FileSize,
			FileDuration,
			ActiveFiles,
			PendingFiles,
			UploadedFiles,
			HTTPRequestsTotal,
			HTTPRequestDuration,
		)
		// Initialize the per-kind series so they appear in /metrics before
		// the first file finishes.
		for _, k := range []string{"Uploaded", "AlreadyExists", "ReadError", "InitiateError", "PartError", "CompletionError"} {
			FilesTotal.WithLabelValues(k)
		}
	})
}

// NormalizePath maps request paths to the status server's fixed routes so
// arbitrary requests do not create new label values.
func NormalizePath(path string) string {
	switch path {
	case "/healthz", "/metrics", "/status", "/openapi.json":
		return path
	case "/docs", "/docs/":
		return "/docs"
	case "/", "":
		return "/"
	}
	return "/other"
}
