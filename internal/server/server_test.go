package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/schester44/Snow-Bunny/internal/backup"
	"github.com/schester44/Snow-Bunny/internal/metrics"
	"github.com/schester44/Snow-Bunny/internal/upload"
)

func init() {
	// Register metrics once for the entire test binary so that tests
	// checking /metrics output see the expected collectors.
	metrics.Register()
}

type fakeProgress struct {
	p backup.Progress
}

func (f fakeProgress) Progress() backup.Progress {
	return f.p
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return New(fakeProgress{p: backup.Progress{
		Running:  true,
		Total:    5,
		Active:   2,
		Uploaded: 3,
		Errors:   1,
		ByKind:   map[upload.Kind]int{upload.KindUploaded: 3, upload.KindPartError: 1},
	}}, "family-photos")
}

func TestHealthz(t *testing.T) {
	h := newTestServer(t).Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("GET /healthz = %d, want 200", w.Code)
	}
	var body HealthBody
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
	if w.Header().Get("Server") != "SnowBunny" || w.Header().Get("X-Request-Id") == "" {
		t.Errorf("missing common headers: %v", w.Header())
	}

	req = httptest.NewRequest(http.MethodHead, "/healthz", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("HEAD /healthz = %d, want 200", w.Code)
	}
}

func TestStatus(t *testing.T) {
	h := newTestServer(t).Handler()

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("GET /status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var body struct {
		Vault    string         `json:"vault"`
		Running  bool           `json:"running"`
		Total    int            `json:"total"`
		Active   int64          `json:"active"`
		Uploaded int            `json:"uploaded"`
		ByKind   map[string]int `json:"by_kind"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Vault != "family-photos" || !body.Running || body.Total != 5 || body.Active != 2 || body.Uploaded != 3 {
		t.Errorf("status = %+v", body)
	}
	if body.ByKind["PartError"] != 1 {
		t.Errorf("by_kind = %v", body.ByKind)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer(t).Handler()

	// Generate one instrumented request first.
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d, want 200", w.Code)
	}
	out := w.Body.String()
	for _, name := range []string{"snowbunny_files_total", "snowbunny_http_requests_total", "snowbunny_active_files"} {
		if !strings.Contains(out, name) {
			t.Errorf("/metrics missing %s", name)
		}
	}
}

func TestOpenAPIDocument(t *testing.T) {
	h := newTestServer(t).Handler()
	req := httptest.NewRequest(http.MethodGet, "/openapi.json", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /openapi.json = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "/status") {
		t.Error("OpenAPI document does not describe /status")
	}
}

func TestServeAndShutdown(t *testing.T) {
	srv := newTestServer(t)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(l) }()

	resp, err := http.Get("http://" + l.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := <-errCh; err != http.ErrServerClosed {
		t.Errorf("Serve returned %v, want ErrServerClosed", err)
	}
}
