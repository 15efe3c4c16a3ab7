package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"reel/internal/api"
	"reel/internal/logging"
	"reel/internal/metrics"
	"reel/internal/queue"
	"reel/internal/services"
)

// httpServer serves /metrics and a read-only JSON view of the queue.
type httpServer struct {
	bind   string
	logger *slog.Logger
	daemon *Daemon

	listener net.Listener
	server   *http.Server
}

func newHTTPServer(bind string, d *Daemon, logger *slog.Logger) *httpServer {
	bind = strings.TrimSpace(bind)
	if bind == "" {
		return nil
	}
	srv := &httpServer{
		bind:   bind,
		logger: logging.NewComponentLogger(logger, "http"),
		daemon: d,
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler(d.registry))
	mux.HandleFunc("GET /api/status", srv.handleStatus)
	mux.HandleFunc("GET /api/jobs", srv.handleJobs)
	mux.HandleFunc("GET /api/jobs/{id}", srv.handleJob)
	mux.HandleFunc("GET /api/cache", srv.handleCache)
	srv.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

// Addr returns the bound address, or "" when not listening.
func (s *httpServer) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *httpServer) start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("metrics listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error",
				logging.Error(err),
				logging.String(logging.FieldEventType, "http_serve_failed"))
		}
	}()
	go func() {
		<-ctx.Done()
		s.stop()
	}()

	s.logger.Info("http server listening",
		logging.String(logging.FieldEventType, "http_listen"),
		logging.String("address", listener.Addr().String()))
	return nil
}

func (s *httpServer) stop() {
	if s == nil || s.server == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(shutdownCtx)
}

func (s *httpServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.daemon.Status(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *httpServer) handleJobs(w http.ResponseWriter, r *http.Request) {
	var statuses []queue.Status
	for _, raw := range r.URL.Query()["status"] {
		for _, part := range strings.Split(raw, ",") {
			status, ok := queue.ParseStatus(part)
			if !ok {
				s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("unknown status %q", part)})
				return
			}
			statuses = append(statuses, status)
		}
	}
	jobs, err := s.daemon.ListJobs(r.Context(), statuses)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.JobListResponse{Jobs: api.FromJobs(jobs)})
}

func (s *httpServer) handleJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.daemon.Job(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.FromJob(job))
}

func (s *httpServer) handleCache(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.daemon.CacheStatus())
}

func (s *httpServer) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch services.Classify(err) {
	case services.KindNotFound:
		code = http.StatusNotFound
	case services.KindValidation:
		code = http.StatusBadRequest
	}
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *httpServer) writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Debug("http response write failed", logging.Error(err))
	}
}
