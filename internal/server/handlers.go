package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"crate/internal/api"
	"crate/internal/download"
	"crate/internal/library"
	"crate/internal/logging"
	"crate/internal/queue"
)

const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

type enqueueRequest struct {
	Source      string `json:"source"`
	ExternalRef string `json:"externalRef"`
	Title       string `json:"title"`
	Artist      string `json:"artist"`
	OriginURL   string `json:"originUrl"`
	Format      string `json:"format"`
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		var statuses []queue.Status
		for _, value := range r.URL.Query()["status"] {
			status, ok := queue.ParseStatus(strings.TrimSpace(value))
			if !ok {
				s.writeError(w, http.StatusBadRequest, "unknown status "+value)
				return
			}
			statuses = append(statuses, status)
		}
		jobs, err := s.deps.Queue.List(r.Context(), statuses...)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, api.JobListResponse{Jobs: jobs})
	case http.MethodPost:
		var req enqueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		source, ok := queue.ParseSource(req.Source)
		if !ok {
			s.writeError(w, http.StatusBadRequest, "unknown source "+req.Source)
			return
		}
		outcome, err := s.deps.Queue.Enqueue(r.Context(), queue.Spec{
			Source:      source,
			ExternalRef: req.ExternalRef,
			Title:       req.Title,
			Artist:      req.Artist,
			OriginURL:   req.OriginURL,
			Format:      req.Format,
		})
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		status := http.StatusCreated
		if outcome.Disposition != api.DispositionEnqueued {
			status = http.StatusOK
		}
		s.writeJSON(w, status, outcome)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	idStr, action, _ := strings.Cut(rest, "/")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	switch {
	case action == "retry" && r.Method == http.MethodPost:
		s.retryJob(w, r, id)
	case action == "" && r.Method == http.MethodGet:
		job, err := s.deps.Queue.Describe(r.Context(), id)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if job == nil {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.writeJSON(w, http.StatusOK, job)
	case action == "" && r.Method == http.MethodDelete:
		switch err := s.deps.Queue.Remove(r.Context(), id); {
		case err == nil:
			s.writeJSON(w, http.StatusOK, map[string]any{"removed": id})
		case errors.Is(err, queue.ErrNotFound):
			s.writeError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, queue.ErrInvalidTransition):
			s.writeError(w, http.StatusConflict, err.Error())
		default:
			s.writeError(w, http.StatusInternalServerError, err.Error())
		}
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) retryJob(w http.ResponseWriter, r *http.Request, id int64) {
	switch err := s.deps.Queue.Retry(r.Context(), id); {
	case err == nil:
		s.writeJSON(w, http.StatusOK, map[string]any{"retried": id})
	case errors.Is(err, queue.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, queue.ErrInvalidTransition):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	counts, err := s.deps.Queue.Stats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, api.QueueStatsResponse{Counts: counts})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.deps.Daemon == nil {
		s.writeError(w, http.StatusServiceUnavailable, "status unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Daemon.Status(r.Context()))
}

type triggerResponse struct {
	Status   string             `json:"status"`
	Ran      int                `json:"ran"`
	Outcomes []download.Outcome `json:"outcomes"`
	Counts   queue.Counts       `json:"counts"`
}

// handleTrigger runs a bounded synchronous queue drain on behalf of an
// external caller. It authenticates with the dedicated trigger secret rather
// than the API token and reports "disabled" when no secret is configured,
// never pretending work happened.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	secret := strings.TrimSpace(s.cfg.Trigger.Secret)
	if secret == "" {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "disabled"})
		return
	}
	presented := strings.TrimSpace(r.Header.Get("X-Trigger-Secret"))
	if subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) != 1 {
		s.writeError(w, http.StatusUnauthorized, "invalid trigger secret")
		return
	}

	limit := s.cfg.Trigger.MaxBatch
	if value := strings.TrimSpace(r.URL.Query().Get("count")); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed < 1 {
			s.writeError(w, http.StatusBadRequest, "count must be a positive integer")
			return
		}
		if parsed < limit {
			limit = parsed
		}
	}

	outcomes, err := s.deps.Scheduler.RunBounded(r.Context(), limit)
	if err != nil {
		s.logger.Warn("trigger drain ended early", logging.Error(err))
	}
	counts, err := s.deps.Queue.Stats(r.Context())
	if err != nil {
		s.logger.Warn("could not refresh queue counts after drain", logging.Error(err))
	}
	s.writeJSON(w, http.StatusOK, triggerResponse{
		Status:   "ok",
		Ran:      len(outcomes),
		Outcomes: outcomes,
		Counts:   counts,
	})
}

func (s *Server) handleLibrary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	entries, err := s.deps.Library.List(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, api.EntryListResponse{Entries: entries})
}

func (s *Server) handleLibraryEntry(w http.ResponseWriter, r *http.Request) {
	idStr := strings.TrimPrefix(r.URL.Path, "/api/library/")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid library entry id")
		return
	}

	switch r.Method {
	case http.MethodGet:
		entry, err := s.deps.Library.Describe(r.Context(), id)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if entry == nil {
			s.writeError(w, http.StatusNotFound, "library entry not found")
			return
		}
		s.writeJSON(w, http.StatusOK, entry)
	case http.MethodDelete:
		result, err := s.deps.Library.Delete(r.Context(), id)
		if errors.Is(err, library.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "library entry not found")
			return
		}
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, result)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleIntegrityScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	report, err := s.deps.Reconciler.Scan(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleIntegrityHeal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	report, err := s.deps.Reconciler.Heal(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

type watchlistAddRequest struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

type playlistView struct {
	ID        int64  `json:"id"`
	URL       string `json:"url"`
	Name      string `json:"name,omitempty"`
	CheckedAt string `json:"checkedAt,omitempty"`
}

func (s *Server) handleWatchlist(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		playlists, err := s.deps.Watchlist.Playlists(r.Context())
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		views := make([]playlistView, 0, len(playlists))
		for _, playlist := range playlists {
			view := playlistView{ID: playlist.ID, URL: playlist.URL, Name: playlist.Name}
			if playlist.CheckedAt != nil {
				view.CheckedAt = playlist.CheckedAt.UTC().Format(dateTimeFormat)
			}
			views = append(views, view)
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"playlists": views})
	case http.MethodPost:
		var req watchlistAddRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		playlist, err := s.deps.Watchlist.AddPlaylist(r.Context(), req.URL, req.Name)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeJSON(w, http.StatusCreated, playlistView{ID: playlist.ID, URL: playlist.URL, Name: playlist.Name})
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleWatchlistPlaylist(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	idStr := strings.TrimPrefix(r.URL.Path, "/api/watchlist/")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid playlist id")
		return
	}
	removed, err := s.deps.Watchlist.RemovePlaylist(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !removed {
		s.writeError(w, http.StatusNotFound, "playlist not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"removed": id})
}

func (s *Server) handleWatchlistRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.deps.Poller == nil {
		s.writeError(w, http.StatusServiceUnavailable, "watchlist polling not configured")
		return
	}
	if err := s.deps.Poller.RunOnce(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
