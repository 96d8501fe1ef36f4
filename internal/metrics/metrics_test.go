package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/healthz", "/healthz"},
		{"/metrics", "/metrics"},
		{"/status", "/status"},
		{"/openapi.json", "/openapi.json"},
		{"/docs", "/docs"},
		{"/docs/", "/docs"},
		{"/", "/"},
		{"", "/"},
		{"/wp-admin", "/other"},
		{"/status/extra", "/other"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := NormalizePath(tt.path)
			if got != tt.want {
				t.Errorf("NormalizePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestMetricsRegistered(t *testing.T) {
	Register()
	Register()

	before := testutil.ToFloat64(FilesTotal.WithLabelValues("Uploaded"))
	FilesTotal.WithLabelValues("Uploaded").Inc()
	if got := testutil.ToFloat64(FilesTotal.WithLabelValues("Uploaded")); got != before+1 {
		t.Errorf("FilesTotal{Uploaded} = %v, want %v", got, before+1)
	}

	PartsTotal.WithLabelValues("success").Inc()
	BytesUploadedTotal.Add(1024)
	FileSize.Observe(4 << 20)
	FileDuration.WithLabelValues("Uploaded").Observe(1.5)
	ActiveFiles.Inc()
	ActiveFiles.Dec()
	PendingFiles.Set(3)
	UploadedFiles.Set(7)
	HTTPRequestsTotal.WithLabelValues("GET", "/healthz", "200").Inc()
	HTTPRequestDuration.WithLabelValues("GET", "/healthz").Observe(0.001)

	if got := testutil.ToFloat64(PendingFiles); got != 3 {
		t.Errorf("PendingFiles = %v, want 3", got)
	}
}
