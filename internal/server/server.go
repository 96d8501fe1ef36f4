// Package server implements the run status HTTP server: health, progress and
// Prometheus metrics for a backup that is in progress.
package server

import (
	"context"
	"net"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/schester44/Snow-Bunny/internal/backup"
)

// ProgressSource reports the progress of the current run.
type ProgressSource interface {
	Progress() backup.Progress
}

// Server is the status server.
type Server struct {
	router     chi.Router
	api        huma.API
	progress   ProgressSource
	vault      string
	httpServer *http.Server
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string `json:"status" example:"ok" doc:"Health status"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Body HealthBody
}

// StatusBody is the JSON body returned by the status endpoint.
type StatusBody struct {
	Vault string `json:"vault" doc:"Destination vault"`
	backup.Progress
}

// StatusOutput is the Huma output struct for the status endpoint.
type StatusOutput struct {
	Body StatusBody
}

// New creates a Server reporting on progress for vault.
func New(progress ProgressSource, vault string) *Server {
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("Snow Bunny status", "1.0.0")
	humaConfig.DocsPath = "/docs"
	api := humachi.New(router, humaConfig)

	s := &Server{
		router:   router,
		api:      api,
		progress: progress,
		vault:    vault,
	}
	s.registerRoutes()
	s.httpServer = &http.Server{Handler: s.Handler()}
	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.router
	handler = commonHeaders(handler)
	handler = metricsMiddleware(handler)
	return handler
}

// Serve accepts connections on l until Shutdown is called.
func (s *Server) Serve(l net.Listener) error {
	return s.httpServer.Serve(l)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/healthz",
		Summary:     "Health check",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		return &HealthOutput{Body: HealthBody{Status: "ok"}}, nil
	})

	// Huma only does one method per registration.
	s.router.Head("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Run progress",
		Description: "Returns per-kind counts and the number of files in flight.",
		Tags:        []string{"Backup"},
	}, func(ctx context.Context, input *struct{}) (*StatusOutput, error) {
		return &StatusOutput{Body: StatusBody{Vault: s.vault, Progress: s.progress.Progress()}}, nil
	})

	s.router.Handle("/metrics", promhttp.Handler())
}
