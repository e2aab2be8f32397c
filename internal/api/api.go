// Package api exposes the core's operational surface over HTTP: on-demand
// probes, cached target reads, and the infrastructure health snapshot.
// Target CRUD lives in the REST collaborator, not here.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/upmon-net/upmon/internal/metrics"
	"github.com/upmon-net/upmon/internal/service"
)

// Server routes the operational endpoints.
type Server struct {
	svc    *service.Service
	health *metrics.Collector
	logger *slog.Logger
	mux    *http.ServeMux
}

// NewServer wires the HTTP surface.
func NewServer(svc *service.Service, health *metrics.Collector, logger *slog.Logger) *Server {
	s := &Server{
		svc:    svc,
		health: health,
		logger: logger.With("component", "api"),
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /targets/{id}", s.handleGetTarget)
	s.mux.HandleFunc("GET /targets/{id}/history", s.handleHistory)
	s.mux.HandleFunc("POST /targets/{id}/probe", s.handleProbeNow)
	s.mux.HandleFunc("POST /probes/batch", s.handleProbeBatch)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.health.Collect(r.Context()))
}

func (s *Server) handleGetTarget(w http.ResponseWriter, r *http.Request) {
	target, err := s.svc.GetTarget(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, target)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}
	obs, err := s.svc.History(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, obs)
}

func (s *Server) handleProbeNow(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	obs, err := s.svc.ProbeNow(r.Context(), r.PathValue("id"), force)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, obs)
}

func (s *Server) handleProbeBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetIDs []string `json:"target_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	results, err := s.svc.ProbeBatch(r.Context(), req.TargetIDs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, results)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var limited *service.RateLimitedError
	switch {
	case errors.Is(err, service.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "target not found"})
	case errors.Is(err, service.ErrBatchTooLarge):
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.As(err, &limited):
		w.Header().Set("Retry-After", strconv.Itoa(int(limited.RetryAfter.Seconds())+1))
		s.writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": err.Error()})
	default:
		s.logger.Error("request failed", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response", "error", err)
	}
}
