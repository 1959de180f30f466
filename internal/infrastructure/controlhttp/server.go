// SPDX-License-Identifier: AGPL-3.0-or-later

// Package controlhttp is the minimal operational surface spec §9 keeps
// in-scope (healthz, readyz, run-now): the submission/list/delete/suspend
// REST API is an out-of-scope external collaborator (spec §1's
// Non-goals), so it is not exposed here. Grounded on the teacher's
// presentation/api/health handler and shared response/error helpers,
// wired with go-chi/chi/v5 the way cmd/community/main.go mounts its
// router.
package controlhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/relaycore/smtprelay/internal/application"
	"github.com/relaycore/smtprelay/pkg/logger"
)

// Server hosts the control-plane HTTP surface.
type Server struct {
	httpServer  *http.Server
	router      *chi.Mux
	coordinator *application.Coordinator
}

func NewServer(addr string, coordinator *application.Coordinator) *Server {
	s := &Server{coordinator: coordinator}
	s.router = s.buildRouter()
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Post("/internal/run-now", s.handleRunNow)

	return r
}

func (s *Server) Start() error {
	logger.Logger.Info("control HTTP server starting", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Router() *chi.Mux {
	return s.router
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// handleHealthz reports liveness unconditionally: the process is up and
// able to serve HTTP, independent of storage health.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Timestamp: time.Now()})
}

// handleReadyz reports readiness: the process can reach storage. Grounded
// on cmd/community/main.go's "health" subcommand pattern (a DB-backed
// liveness gate), here expressed through the coordinator's own storage
// access rather than a raw *sql.DB handle.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := s.coordinator.QueueStats(ctx, nil); err != nil {
		writeError(w, http.StatusServiceUnavailable, "storage unreachable")
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Timestamp: time.Now()})
}

type runNowRequest struct {
	TenantID string `json:"tenant_id,omitempty"`
}

// handleRunNow wakes the dispatch and report loops immediately (spec §9's
// run_now operation). It only signals; it does not wait for the cycle to
// complete (spec §7's Open Question, decided in DESIGN.md).
func (s *Server) handleRunNow(w http.ResponseWriter, r *http.Request) {
	var req runNowRequest
	if r.ContentLength != 0 {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	s.coordinator.RunNow()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "acknowledged"})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Logger.Debug("control http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
