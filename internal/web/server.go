// Package web serves the JSON API over HTTP.
package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/addrsync/internal/web/handlers"
	"github.com/addrsync/internal/web/middleware"
)

// Server represents the web server
type Server struct {
	config     Config
	api        *handlers.APIHandler
	log        logrus.FieldLogger
	httpServer *http.Server
	router     *mux.Router
}

// NewServer creates a new web server instance
func NewServer(config Config, api *handlers.APIHandler, log logrus.FieldLogger) *Server {
	s := &Server{
		config: config,
		api:    api,
		log:    log.WithField("component", "http"),
	}
	s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:         config.Addr,
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

// Handler returns the routed handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()
	s.router.HandleFunc("/healthz", s.api.Health).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(middleware.Authentication(s.config.APIKey))

	// Jobs
	api.HandleFunc("/jobs/fetch", s.api.StartFetch).Methods("POST")
	api.HandleFunc("/jobs/import", s.api.StartImport).Methods("POST")
	api.HandleFunc("/jobs/reconcile", s.api.StartReconcile).Methods("POST")
	api.HandleFunc("/jobs", s.api.ListJobs).Methods("GET")
	api.HandleFunc("/jobs/{id:[0-9]+}", s.api.GetJob).Methods("GET")
	api.HandleFunc("/jobs/{id:[0-9]+}/logs", s.api.JobLogs).Methods("GET")
	api.HandleFunc("/jobs/{id:[0-9]+}/cancel", s.api.CancelJob).Methods("POST")

	// Points and review queue
	api.HandleFunc("/points", s.api.CreatePoint).Methods("POST")
	api.HandleFunc("/points/pending", s.api.PendingPoints).Methods("GET")
	api.HandleFunc("/queue", s.api.ListQueue).Methods("GET")
	api.HandleFunc("/queue/{id:[0-9]+}/resolve", s.api.ResolveQueueItem).Methods("POST")

	// Files, state and locks
	api.HandleFunc("/files", s.api.ListFiles).Methods("GET")
	api.HandleFunc("/files/{name}", s.api.UploadFile).Methods("PUT")
	api.HandleFunc("/state", s.api.GetState).Methods("GET")
	api.HandleFunc("/locks/{type}", s.api.GetLock).Methods("GET")
	api.HandleFunc("/locks/{type}", s.api.ClearLock).Methods("DELETE")

	s.router.Use(middleware.RequestLogging(s.log))
	s.router.Use(middleware.Metrics())
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.log.WithField("addr", ln.Addr().String()).Info("HTTP server listening")

	errc := make(chan error, 1)
	go func() {
		errc <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTP server failed: %w", err)
	case <-ctx.Done():
	}

	s.log.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down HTTP server: %w", err)
	}
	return nil
}
