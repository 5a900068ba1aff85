package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"crate/internal/fileutil"
	"crate/internal/library"
	"crate/internal/logging"
	"crate/internal/queue"
	"crate/internal/watchlist"
)

// DeleteResult summarizes the cascade performed by a library delete.
type DeleteResult struct {
	EntryID       int64 `json:"entryId"`
	FileRemoved   bool  `json:"fileRemoved"`
	JobsRemoved   int   `json:"jobsRemoved"`
	TracksRemoved int64 `json:"tracksRemoved"`
}

// LibraryService exposes library views and the delete cascade that keeps the
// queue and watchlist consistent with entry removal.
type LibraryService struct {
	lib    *library.Store
	store  *queue.Store
	watch  *watchlist.Store
	logger *slog.Logger
}

// NewLibraryService constructs a LibraryService. The queue and watchlist
// stores may be nil; the cascade simply skips those legs.
func NewLibraryService(lib *library.Store, store *queue.Store, watch *watchlist.Store, logger *slog.Logger) *LibraryService {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &LibraryService{lib: lib, store: store, watch: watch, logger: logging.NewComponentLogger(logger, "library-service")}
}

// List returns every library entry.
func (s *LibraryService) List(ctx context.Context) ([]EntryView, error) {
	entries, err := s.lib.List(ctx)
	if err != nil {
		return nil, err
	}
	return FromEntries(entries), nil
}

// Describe fetches one library entry. Missing entries return (nil, nil).
func (s *LibraryService) Describe(ctx context.Context, id int64) (*EntryView, error) {
	entry, err := s.lib.GetByID(ctx, id)
	if err != nil || entry == nil {
		return nil, err
	}
	view := FromEntry(entry)
	return &view, nil
}

// Delete removes a library entry together with its file on disk, its terminal
// jobs, and any watchlist tracks sharing the entry's external reference.
// Losing a leg mid-cascade leaves records that reconciliation flags later, so
// each leg proceeds even when an earlier one reported a problem.
func (s *LibraryService) Delete(ctx context.Context, id int64) (DeleteResult, error) {
	entry, err := s.lib.GetByID(ctx, id)
	if err != nil {
		return DeleteResult{}, err
	}
	if entry == nil {
		return DeleteResult{}, library.ErrNotFound
	}

	result := DeleteResult{EntryID: entry.ID}

	if entry.FilePath != "" {
		switch err := os.Remove(entry.FilePath); {
		case err == nil:
			result.FileRemoved = true
			if err := fileutil.RemoveDirIfEmpty(filepath.Dir(entry.FilePath)); err != nil {
				s.logger.Warn("could not remove emptied artist directory", logging.Error(err))
			}
		case errors.Is(err, os.ErrNotExist):
			// Already gone; nothing to do.
		default:
			return DeleteResult{}, fmt.Errorf("remove library file: %w", err)
		}
	}

	if _, err := s.lib.Remove(ctx, entry.ID); err != nil {
		return result, fmt.Errorf("remove library entry: %w", err)
	}

	if s.store != nil {
		result.JobsRemoved = s.removeJobs(ctx, entry)
	}
	if s.watch != nil && entry.ExternalRef != "" {
		removed, err := s.watch.RemoveByExternalRef(ctx, entry.ExternalRef)
		if err != nil {
			s.logger.Warn("watchlist cleanup failed", logging.Error(err))
		}
		result.TracksRemoved = removed
	}

	s.logger.Info("library entry deleted",
		logging.Int64("entry_id", entry.ID),
		logging.String("artist", entry.Artist),
		logging.String("title", entry.Title),
	)
	return result, nil
}

// removeJobs deletes the entry's own job plus any other terminal jobs that
// share its external reference. Processing jobs are left alone; the store
// refuses to delete them anyway.
func (s *LibraryService) removeJobs(ctx context.Context, entry *library.Entry) int {
	removed := 0
	seen := make(map[int64]bool)

	if entry.JobID != nil {
		seen[*entry.JobID] = true
		if err := s.store.Remove(ctx, *entry.JobID); err == nil {
			removed++
		} else if !errors.Is(err, queue.ErrNotFound) {
			s.logger.Warn("could not remove job for deleted entry",
				logging.Int64(logging.FieldJobID, *entry.JobID),
				logging.Error(err),
			)
		}
	}

	if entry.ExternalRef == "" {
		return removed
	}
	jobs, err := s.store.JobsByExternalRef(ctx, entry.ExternalRef, queue.StatusCompleted, queue.StatusFailed)
	if err != nil {
		s.logger.Warn("could not list sibling jobs for deleted entry", logging.Error(err))
		return removed
	}
	for _, job := range jobs {
		if seen[job.ID] {
			continue
		}
		seen[job.ID] = true
		if err := s.store.Remove(ctx, job.ID); err == nil {
			removed++
		} else if !errors.Is(err, queue.ErrNotFound) {
			s.logger.Warn("could not remove sibling job",
				logging.Int64(logging.FieldJobID, job.ID),
				logging.Error(err),
			)
		}
	}
	return removed
}
