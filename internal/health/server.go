// Package health serves the worker's liveness and status endpoints.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

// Status is the /status payload.
type Status struct {
	JobsStarted   int64     `json:"jobs_started"`
	JobsProcessed int64     `json:"jobs_processed"`
	InFlight      int64     `json:"in_flight"`
	Workers       int       `json:"workers"`
	MaxJobs       int       `json:"max_jobs"`
	ModelVersion  string    `json:"model_version"`
	StartedAt     time.Time `json:"started_at"`
}

// Server exposes /healthz and /status on a dedicated listener.
type Server struct {
	srv    *http.Server
	status func() Status
}

// New creates a health server. status is sampled per request.
func New(addr string, status func() Status) *Server {
	s := &Server{status: status}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	r.HandleFunc("/status", s.handleStatus).Methods("GET")

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return s
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.srv.Addr).Msg("Health endpoint listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Health server failed")
		}
	}()
}

// Shutdown stops the listener, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
