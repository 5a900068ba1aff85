// Package server exposes crate's HTTP API: enqueue, job views and actions,
// the external trigger, library browsing with cascade delete, integrity
// sweeps, and watchlist management. Every mutating route passes through the
// per-action gate; every route except the trigger opportunistically wakes the
// scheduler.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"crate/internal/api"
	"crate/internal/config"
	"crate/internal/logging"
	"crate/internal/queue"
	"crate/internal/ratelimit"
	"crate/internal/reconcile"
	"crate/internal/scheduler"
	"crate/internal/watchlist"
)

// Status is the daemon-level view reported by /api/status.
type Status struct {
	Running          bool         `json:"running"`
	PID              int          `json:"pid"`
	DatabasePath     string       `json:"databasePath"`
	LockFilePath     string       `json:"lockFilePath"`
	Workers          int          `json:"workers"`
	SchedulerRunning bool         `json:"schedulerRunning"`
	LastError        string       `json:"lastError,omitempty"`
	Counts           queue.Counts `json:"counts"`
}

// StatusProvider reports daemon runtime state. The daemon implements this;
// tests substitute fixtures.
type StatusProvider interface {
	Status(ctx context.Context) Status
}

// Deps bundles the collaborators the server routes to.
type Deps struct {
	Queue      *api.QueueService
	Library    *api.LibraryService
	Scheduler  *scheduler.Scheduler
	Reconciler *reconcile.Reconciler
	Watchlist  *watchlist.Store
	Poller     *watchlist.Poller
	Gate       *ratelimit.Gate
	Daemon     StatusProvider
	Logger     *slog.Logger
}

// Server is crate's HTTP API server.
type Server struct {
	cfg    *config.Config
	deps   Deps
	logger *slog.Logger

	listener net.Listener
	server   *http.Server
}

// New constructs the server. Returns nil when no bind address is configured.
func New(cfg *config.Config, deps Deps) *Server {
	bind := strings.TrimSpace(cfg.Paths.APIBind)
	if bind == "" {
		return nil
	}

	srv := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logging.NewComponentLogger(deps.Logger, "api-server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/jobs", srv.handleJobs)
	mux.HandleFunc("/api/jobs/", srv.handleJob)
	mux.HandleFunc("/api/stats", srv.handleStats)
	mux.HandleFunc("/api/status", srv.handleStatus)
	mux.HandleFunc("/api/trigger", srv.handleTrigger)
	mux.HandleFunc("/api/library", srv.handleLibrary)
	mux.HandleFunc("/api/library/", srv.handleLibraryEntry)
	mux.HandleFunc("/api/integrity/scan", srv.handleIntegrityScan)
	mux.HandleFunc("/api/integrity/heal", srv.handleIntegrityHeal)
	mux.HandleFunc("/api/watchlist", srv.handleWatchlist)
	mux.HandleFunc("/api/watchlist/", srv.handleWatchlistPlaylist)
	mux.HandleFunc("/api/watchlist/refresh", srv.handleWatchlistRefresh)

	srv.server = &http.Server{
		Handler:           srv.wrap(mux),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

// Start begins serving. Shutdown is tied to ctx cancellation.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	listener, err := net.Listen("tcp", strings.TrimSpace(s.cfg.Paths.APIBind))
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

// Stop shuts the server down, draining in-flight requests briefly.
func (s *Server) Stop() {
	if s == nil || s.server == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(shutdownCtx)
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

// Handler returns the fully wrapped handler, used by tests with
// httptest.Server.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// wrap applies, outermost first: bearer auth, the endpoint gate, and the
// scheduler wake-up. The trigger route authenticates with its own secret and
// drains the queue itself, so it skips auth and the kick.
func (s *Server) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		isTrigger := r.URL.Path == "/api/trigger"

		if !isTrigger && !s.authorized(r) {
			s.writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		if !s.allowed(r) {
			s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded, slow down")
			return
		}

		next.ServeHTTP(w, r)

		// Request-piggybacked wake-up: API traffic is a hint that queued work
		// may exist, so nudge an idle worker. Status polling is excluded or a
		// dashboard refreshing every few seconds would defeat the poll interval.
		if !isTrigger && !isStatusPoll(r) && s.deps.Scheduler != nil {
			s.deps.Scheduler.Kick()
		}
	})
}

func isStatusPoll(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	return r.URL.Path == "/api/status" || r.URL.Path == "/api/stats"
}

func (s *Server) authorized(r *http.Request) bool {
	token := strings.TrimSpace(s.cfg.Paths.APIToken)
	if token == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	presented := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1
}

func (s *Server) allowed(r *http.Request) bool {
	if s.deps.Gate == nil || r.Method == http.MethodGet {
		return true
	}
	clientKey := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		clientKey = host
	}
	return s.deps.Gate.Allow(r.Method+" "+r.URL.Path, clientKey)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
