// Package web exposes Warden's HTTP surface: the service catalog, the
// install endpoints (batch and single, both NDJSON-streamed), per-service
// and global history, the ad-hoc test/detect probes, and the ambient
// /metrics and /healthz routes. Routing follows the teacher's own
// registerRoutes() idiom -- a bare *http.ServeMux with Go 1.22 method+path
// patterns, no external router library.
package web

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noona-project/warden/internal/catalog"
	"github.com/noona-project/warden/internal/config"
	"github.com/noona-project/warden/internal/docker"
	"github.com/noona-project/warden/internal/engine"
	"github.com/noona-project/warden/internal/health"
	"github.com/noona-project/warden/internal/history"
	"github.com/noona-project/warden/internal/mount"
)

// Dependencies is everything the HTTP surface needs from the rest of the
// process. Every field is read-only from the server's perspective; mutation
// happens inside the owning package (Engine, HistoryStore, ...).
type Dependencies struct {
	Catalog  *catalog.Catalog
	Endpoint docker.EndpointAPI // primary endpoint, used for installed-status checks
	History  *history.Store
	Engine   *engine.Engine
	Prober   *health.Prober
	Detector *mount.Detector
	Config   *config.Config
	Log      *slog.Logger

	// Ready reports whether the daemon considers itself live: the catalog
	// loaded and at least one Docker endpoint answered Ping at startup.
	Ready func() bool
}

// Server owns the mux and the process-wide Dependencies it dispatches
// against. Construct with NewServer, then ListenAndServe.
type Server struct {
	deps Dependencies
	mux  *http.ServeMux
	http *http.Server
}

// NewServer builds a Server with every route registered.
func NewServer(deps Dependencies) *Server {
	s := &Server{deps: deps, mux: http.NewServeMux()}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /services", s.handleServicesList)
	s.mux.HandleFunc("POST /install", s.handleInstallBatch)
	s.mux.HandleFunc("POST /services/{name}/install", s.handleInstallOne)
	s.mux.HandleFunc("GET /services/{name}/history", s.handleServiceHistory)
	s.mux.HandleFunc("GET /installation/logs", s.handleInstallationLogs)
	s.mux.HandleFunc("POST /services/{name}/test", s.handleServiceTest)
	s.mux.HandleFunc("POST /services/noona-raven/detect", s.handleRavenDetect)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)

	if s.deps.Config == nil || s.deps.Config.MetricsEnabled {
		s.mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
			promhttp.Handler().ServeHTTP(w, r)
		})
	}
}

// ListenAndServe starts the HTTP server on addr.
func (s *Server) ListenAndServe(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.logRequests(s.mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // NDJSON streams are long-lived; per-handler timeouts used instead.
		IdleTimeout:  120 * time.Second,
	}
	s.deps.Log.Info("web surface listening", "addr", addr)
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.deps.Log.Debug("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
