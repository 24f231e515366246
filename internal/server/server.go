// Package server exposes the worker's local health and status endpoint.
//
// A worker that can no longer create sandboxes reports unhealthy here while
// it finishes in-flight jobs, so orchestration can stop routing to it
// without killing work in progress.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/semanticmachines/clworker/pkg/depcache"
	"github.com/semanticmachines/clworker/pkg/worker"
)

// Server is the local HTTP surface.
type Server struct {
	host   string
	port   int
	worker *worker.Worker
	cache  *depcache.Cache
	log    *zap.Logger
	http   *http.Server
}

func New(host string, port int, w *worker.Worker, cache *depcache.Cache, log *zap.Logger) *Server {
	s := &Server{host: host, port: port, worker: w, cache: cache, log: log}
	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	return r
}

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status string `json:"status"` // healthy | unhealthy
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "healthy"}
	code := http.StatusOK
	if !s.worker.Healthy() {
		resp.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// StatusResponse is the /status payload.
type StatusResponse struct {
	Healthy bool               `json:"healthy"`
	Jobs    []worker.JobStatus `json:"jobs"`
	Cache   depcache.Stats     `json:"cache"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Healthy: s.worker.Healthy(),
		Jobs:    s.worker.Snapshot(),
		Cache:   s.cache.Stats(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		s.log.Info("Status endpoint listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("Status endpoint failed", zap.Error(err))
		}
	}()
}

// Shutdown stops the endpoint gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
