package api

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"crate/internal/fileutil"
	"crate/internal/library"
	"crate/internal/logging"
	"crate/internal/queue"
)

// EnqueueDisposition classifies the result of a dedup-checked enqueue.
type EnqueueDisposition string

const (
	// DispositionEnqueued means a new job row was created.
	DispositionEnqueued EnqueueDisposition = "enqueued"
	// DispositionAlreadyActive means a queued or processing job already
	// covers the external reference.
	DispositionAlreadyActive EnqueueDisposition = "already-active"
	// DispositionAlreadyInLibrary means a library entry with a verified file
	// already holds the track.
	DispositionAlreadyInLibrary EnqueueDisposition = "already-in-library"
	// DispositionAlreadyDownloaded means a completed job still points at an
	// existing file even though no library entry survived.
	DispositionAlreadyDownloaded EnqueueDisposition = "already-downloaded"
	// DispositionFailedPreviously means the newest job for the reference
	// failed; re-acquisition requires an explicit retry.
	DispositionFailedPreviously EnqueueDisposition = "failed-previously"
)

// EnqueueOutcome reports how an enqueue request was resolved.
type EnqueueOutcome struct {
	Disposition EnqueueDisposition `json:"disposition"`
	Job         *JobView           `json:"job,omitempty"`
	Entry       *EntryView         `json:"entry,omitempty"`
	Detail      string             `json:"detail,omitempty"`
}

// QueueService layers duplicate suppression and job actions over the stores.
type QueueService struct {
	store  *queue.Store
	lib    *library.Store
	logger *slog.Logger
}

// NewQueueService constructs a QueueService. The library store may be nil,
// which disables the library leg of dedup.
func NewQueueService(store *queue.Store, lib *library.Store, logger *slog.Logger) *QueueService {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &QueueService{store: store, lib: lib, logger: logging.NewComponentLogger(logger, "queue-service")}
}

// Enqueue runs the duplicate checks for the spec's external reference and
// inserts a job only when nothing already covers the track. Stale records
// found on the way (library rows or completed jobs whose files vanished) are
// healed inline so the enqueue can proceed.
func (s *QueueService) Enqueue(ctx context.Context, spec queue.Spec) (EnqueueOutcome, error) {
	spec.Title = strings.TrimSpace(spec.Title)
	spec.Artist = strings.TrimSpace(spec.Artist)
	spec.ExternalRef = strings.TrimSpace(spec.ExternalRef)

	if spec.ExternalRef != "" {
		outcome, done, err := s.checkDuplicate(ctx, spec.ExternalRef)
		if err != nil {
			return EnqueueOutcome{}, err
		}
		if done {
			return outcome, nil
		}
	}

	job, err := s.store.Enqueue(ctx, spec)
	if err != nil {
		return EnqueueOutcome{}, err
	}
	view := FromJob(job)
	s.logger.Info("job enqueued",
		logging.Int64(logging.FieldJobID, job.ID),
		logging.String("artist", job.Artist),
		logging.String("title", job.Title),
	)
	return EnqueueOutcome{Disposition: DispositionEnqueued, Job: &view}, nil
}

// checkDuplicate walks the dedup legs in priority order: active jobs, then
// the library, then completed jobs, then failed jobs.
func (s *QueueService) checkDuplicate(ctx context.Context, externalRef string) (EnqueueOutcome, bool, error) {
	active, err := s.store.JobsByExternalRef(ctx, externalRef, queue.StatusQueued, queue.StatusProcessing)
	if err != nil {
		return EnqueueOutcome{}, false, err
	}
	if len(active) > 0 {
		view := FromJob(active[0])
		return EnqueueOutcome{
			Disposition: DispositionAlreadyActive,
			Job:         &view,
			Detail:      fmt.Sprintf("job %d is %s", active[0].ID, active[0].Status),
		}, true, nil
	}

	if s.lib != nil {
		entry, err := s.lib.FindByExternalRef(ctx, externalRef)
		if err != nil {
			return EnqueueOutcome{}, false, err
		}
		if entry != nil {
			if fileutil.FileExists(entry.FilePath) {
				view := FromEntry(entry)
				return EnqueueOutcome{
					Disposition: DispositionAlreadyInLibrary,
					Entry:       &view,
					Detail:      entry.FilePath,
				}, true, nil
			}
			// The index says archived but the file is gone. Drop the stale
			// row so the track can be acquired again.
			if _, err := s.lib.Remove(ctx, entry.ID); err != nil {
				return EnqueueOutcome{}, false, fmt.Errorf("heal stale library entry: %w", err)
			}
			s.logger.Warn("removed stale library entry during enqueue",
				logging.Int64("entry_id", entry.ID),
				logging.String("file", entry.FilePath),
			)
		}
	}

	completed, err := s.store.JobsByExternalRef(ctx, externalRef, queue.StatusCompleted)
	if err != nil {
		return EnqueueOutcome{}, false, err
	}
	for _, job := range completed {
		if job.FilePath != "" && fileutil.FileExists(job.FilePath) {
			view := FromJob(job)
			return EnqueueOutcome{
				Disposition: DispositionAlreadyDownloaded,
				Job:         &view,
				Detail:      job.FilePath,
			}, true, nil
		}
	}

	failed, err := s.store.JobsByExternalRef(ctx, externalRef, queue.StatusFailed)
	if err != nil {
		return EnqueueOutcome{}, false, err
	}
	if len(failed) > 0 {
		view := FromJob(failed[0])
		return EnqueueOutcome{
			Disposition: DispositionFailedPreviously,
			Job:         &view,
			Detail:      fmt.Sprintf("job %d failed: %s; retry it explicitly", failed[0].ID, failed[0].ErrorMessage),
		}, true, nil
	}

	return EnqueueOutcome{}, false, nil
}

// List returns jobs filtered by status.
func (s *QueueService) List(ctx context.Context, statuses ...queue.Status) ([]JobView, error) {
	jobs, err := s.store.List(ctx, statuses...)
	if err != nil {
		return nil, err
	}
	return FromJobs(jobs), nil
}

// Describe fetches a single job. Missing jobs return (nil, nil).
func (s *QueueService) Describe(ctx context.Context, id int64) (*JobView, error) {
	job, err := s.store.GetByID(ctx, id)
	if err != nil || job == nil {
		return nil, err
	}
	view := FromJob(job)
	return &view, nil
}

// Retry requeues a failed job.
func (s *QueueService) Retry(ctx context.Context, id int64) error {
	if err := s.store.Retry(ctx, id); err != nil {
		return err
	}
	s.logger.Info("job requeued for retry", logging.Int64(logging.FieldJobID, id))
	return nil
}

// Remove deletes a non-processing job.
func (s *QueueService) Remove(ctx context.Context, id int64) error {
	return s.store.Remove(ctx, id)
}

// Stats returns the fixed queue summary counts.
func (s *QueueService) Stats(ctx context.Context) (queue.Counts, error) {
	return s.store.CountsByState(ctx)
}
