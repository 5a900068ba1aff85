// Package reconcile audits the library index, the job ledger, and the
// watchlist against the filesystem, then applies corrective record updates.
// It never deletes files and never re-downloads anything; healing only makes
// records admit what already happened on disk.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"crate/internal/fileutil"
	"crate/internal/library"
	"crate/internal/logging"
	"crate/internal/queue"
	"crate/internal/watchlist"
)

// Finding is one inconsistency discovered by a scan.
type Finding struct {
	Kind        FindingKind `json:"kind"`
	EntryID     int64       `json:"entryId,omitempty"`
	JobID       int64       `json:"jobId,omitempty"`
	TrackID     int64       `json:"trackId,omitempty"`
	ExternalRef string      `json:"externalRef,omitempty"`
	FilePath    string      `json:"filePath,omitempty"`
	Detail      string      `json:"detail,omitempty"`
}

// FindingKind names the category of inconsistency.
type FindingKind string

const (
	// FindingMissingFile is a library entry whose file is gone.
	FindingMissingFile FindingKind = "missing-file"
	// FindingOrphanedJob is a completed job whose file is gone and which has
	// no surviving library entry.
	FindingOrphanedJob FindingKind = "orphaned-job"
	// FindingStaleTrack is a watchlist track marked downloaded whose library
	// record no longer backs it.
	FindingStaleTrack FindingKind = "stale-track"
	// FindingStuckJob is a processing job untouched for far longer than any
	// download runs; its worker is gone and no claim will resolve it.
	FindingStuckJob FindingKind = "stuck-job"
)

// stuckJobCutoff is how long a processing job may go without a row update
// before it counts as abandoned. Well above every source timeout.
const stuckJobCutoff = 2 * time.Hour

// Report is the result of one scan or heal pass.
type Report struct {
	Findings []Finding `json:"findings"`
	Healed   int       `json:"healed"`
	Skipped  int       `json:"skipped"`
}

// Reconciler runs integrity sweeps over the shared stores.
type Reconciler struct {
	store  *queue.Store
	lib    *library.Store
	watch  *watchlist.Store
	logger *slog.Logger
}

// New constructs a reconciler. The watchlist store may be nil.
func New(store *queue.Store, lib *library.Store, watch *watchlist.Store, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:  store,
		lib:    lib,
		watch:  watch,
		logger: logging.NewComponentLogger(logger, "reconcile"),
	}
}

// Scan reports inconsistencies without changing anything. Records that cannot
// be inspected are skipped and counted; one bad row never aborts the sweep.
func (r *Reconciler) Scan(ctx context.Context) (*Report, error) {
	report := &Report{}
	if err := r.scanLibrary(ctx, report, false); err != nil {
		return nil, err
	}
	if err := r.scanJobs(ctx, report, false); err != nil {
		return nil, err
	}
	if err := r.scanStuck(ctx, report, false); err != nil {
		return nil, err
	}
	if err := r.scanWatchlist(ctx, report, false); err != nil {
		return nil, err
	}
	return report, nil
}

// Heal runs a scan and applies the corrective update for each finding:
// missing-file entries are removed from the index, orphaned completed jobs
// are flipped to failed, and stale downloaded tracks return to pending.
func (r *Reconciler) Heal(ctx context.Context) (*Report, error) {
	report := &Report{}
	if err := r.scanLibrary(ctx, report, true); err != nil {
		return nil, err
	}
	if err := r.scanJobs(ctx, report, true); err != nil {
		return nil, err
	}
	if err := r.scanStuck(ctx, report, true); err != nil {
		return nil, err
	}
	if err := r.scanWatchlist(ctx, report, true); err != nil {
		return nil, err
	}
	r.logger.Info("integrity sweep finished",
		logging.Int("findings", len(report.Findings)),
		logging.Int("healed", report.Healed),
		logging.Int("skipped", report.Skipped),
	)
	return report, nil
}

func (r *Reconciler) scanLibrary(ctx context.Context, report *Report, heal bool) error {
	entries, err := r.lib.List(ctx)
	if err != nil {
		return fmt.Errorf("list library entries: %w", err)
	}
	for _, entry := range entries {
		if fileutil.FileExists(entry.FilePath) {
			continue
		}
		finding := Finding{
			Kind:        FindingMissingFile,
			EntryID:     entry.ID,
			ExternalRef: entry.ExternalRef,
			FilePath:    entry.FilePath,
			Detail:      fmt.Sprintf("%s - %s", entry.Artist, entry.Title),
		}
		if entry.JobID != nil {
			finding.JobID = *entry.JobID
		}
		report.Findings = append(report.Findings, finding)
		if !heal {
			continue
		}
		if _, err := r.lib.Remove(ctx, entry.ID); err != nil {
			r.logger.Warn("could not drop stale library entry",
				logging.Int64("entry_id", entry.ID),
				logging.Error(err),
			)
			report.Skipped++
			continue
		}
		report.Healed++
		r.logger.Info("dropped library entry with missing file",
			logging.Int64("entry_id", entry.ID),
			logging.String("file", entry.FilePath),
		)
	}
	return nil
}

func (r *Reconciler) scanJobs(ctx context.Context, report *Report, heal bool) error {
	jobs, err := r.store.List(ctx, queue.StatusCompleted)
	if err != nil {
		return fmt.Errorf("list completed jobs: %w", err)
	}
	for _, job := range jobs {
		if job.FilePath == "" || fileutil.FileExists(job.FilePath) {
			continue
		}
		report.Findings = append(report.Findings, Finding{
			Kind:        FindingOrphanedJob,
			JobID:       job.ID,
			ExternalRef: job.ExternalRef,
			FilePath:    job.FilePath,
			Detail:      fmt.Sprintf("%s - %s", job.Artist, job.Title),
		})
		if !heal {
			continue
		}
		applied, err := r.store.FailCompleted(ctx, job.ID, fmt.Sprintf("archived file missing: %s", job.FilePath))
		if err != nil || !applied {
			if err != nil {
				r.logger.Warn("could not fail orphaned job",
					logging.Int64(logging.FieldJobID, job.ID),
					logging.Error(err),
				)
			}
			report.Skipped++
			continue
		}
		report.Healed++
		r.logger.Info("failed completed job with missing file",
			logging.Int64(logging.FieldJobID, job.ID),
			logging.String("file", job.FilePath),
		)
	}
	return nil
}

// scanStuck flags processing jobs nothing has touched within stuckJobCutoff.
// The daemon fails stranded rows at startup; a stale one during runtime means
// the owning worker died mid-job.
func (r *Reconciler) scanStuck(ctx context.Context, report *Report, heal bool) error {
	jobs, err := r.store.List(ctx, queue.StatusProcessing)
	if err != nil {
		return fmt.Errorf("list processing jobs: %w", err)
	}
	cutoff := time.Now().Add(-stuckJobCutoff)
	for _, job := range jobs {
		if job.UpdatedAt.After(cutoff) {
			continue
		}
		report.Findings = append(report.Findings, Finding{
			Kind:        FindingStuckJob,
			JobID:       job.ID,
			ExternalRef: job.ExternalRef,
			Detail:      fmt.Sprintf("%s - %s", job.Artist, job.Title),
		})
		if !heal {
			continue
		}
		applied, err := r.store.MarkFailed(ctx, job.ID, "processing stalled with no active worker; retry to download again")
		if err != nil || !applied {
			if err != nil {
				r.logger.Warn("could not fail stuck job",
					logging.Int64(logging.FieldJobID, job.ID),
					logging.Error(err),
				)
			}
			report.Skipped++
			continue
		}
		report.Healed++
		r.logger.Info("failed job stuck in processing",
			logging.Int64(logging.FieldJobID, job.ID),
		)
	}
	return nil
}

func (r *Reconciler) scanWatchlist(ctx context.Context, report *Report, heal bool) error {
	if r.watch == nil {
		return nil
	}
	tracks, err := r.watch.DownloadedTracks(ctx)
	if err != nil {
		return fmt.Errorf("list downloaded watchlist tracks: %w", err)
	}
	for _, track := range tracks {
		if track.ExternalRef == "" {
			continue
		}
		backed, err := r.libraryBacks(ctx, track.ExternalRef)
		if err != nil {
			r.logger.Warn("could not verify watchlist track",
				logging.Int64("track_id", track.ID),
				logging.Error(err),
			)
			report.Skipped++
			continue
		}
		if backed {
			continue
		}
		report.Findings = append(report.Findings, Finding{
			Kind:        FindingStaleTrack,
			TrackID:     track.ID,
			ExternalRef: track.ExternalRef,
			Detail:      fmt.Sprintf("%s - %s", track.Artist, track.Title),
		})
		if !heal {
			continue
		}
		if err := r.watch.SetTrackStatus(ctx, track.ID, watchlist.TrackPending); err != nil {
			r.logger.Warn("could not reset watchlist track",
				logging.Int64("track_id", track.ID),
				logging.Error(err),
			)
			report.Skipped++
			continue
		}
		report.Healed++
	}
	return nil
}

// libraryBacks reports whether a verified library entry still exists for the
// external reference.
func (r *Reconciler) libraryBacks(ctx context.Context, externalRef string) (bool, error) {
	entry, err := r.lib.FindByExternalRef(ctx, externalRef)
	if err != nil {
		return false, err
	}
	if entry == nil {
		return false, nil
	}
	return fileutil.FileExists(entry.FilePath), nil
}
