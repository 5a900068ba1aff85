// Package download drives one claimed job through fetch, enrichment, library
// placement, and terminal bookkeeping. Each job is processed statelessly from
// persisted input; failures always resolve to a failed ledger row and never
// propagate to the trigger caller.
package download

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"crate/internal/config"
	"crate/internal/fileutil"
	"crate/internal/library"
	"crate/internal/logging"
	"crate/internal/metadata"
	"crate/internal/queue"
	"crate/internal/ratelimit"
	"crate/internal/services"
	"crate/internal/sources"
	"crate/internal/textutil"
	"crate/internal/watchlist"
)

// Orchestrator executes claimed jobs.
type Orchestrator struct {
	cfg      *config.Config
	store    *queue.Store
	libStore *library.Store
	watch    *watchlist.Store
	registry *sources.Registry
	limiter  *ratelimit.Limiter
	lookup   metadata.Lookup
	tags     metadata.TagWriter
	logger   *slog.Logger
}

// Outcome summarizes one processed job for trigger responses.
type Outcome struct {
	JobID    int64        `json:"job_id"`
	Title    string       `json:"title"`
	Artist   string       `json:"artist"`
	Status   queue.Status `json:"status"`
	FilePath string       `json:"file_path,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// Deps bundles the orchestrator's collaborators. Lookup and Tags may be nil;
// enrichment is optional.
type Deps struct {
	Store    *queue.Store
	Library  *library.Store
	Watch    *watchlist.Store
	Registry *sources.Registry
	Limiter  *ratelimit.Limiter
	Lookup   metadata.Lookup
	Tags     metadata.TagWriter
	Logger   *slog.Logger
}

// NewOrchestrator constructs the orchestrator.
func NewOrchestrator(cfg *config.Config, deps Deps) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		store:    deps.Store,
		libStore: deps.Library,
		watch:    deps.Watch,
		registry: deps.Registry,
		limiter:  deps.Limiter,
		lookup:   deps.Lookup,
		tags:     deps.Tags,
		logger:   logging.NewComponentLogger(deps.Logger, "orchestrator"),
	}
}

// Process runs one claimed job to a terminal state. The job must already be
// in processing (claimed by the caller via the store's atomic claim).
func (o *Orchestrator) Process(ctx context.Context, job *queue.Job) Outcome {
	logger := logging.WithContext(ctx, o.logger).With(
		logging.Int64(logging.FieldJobID, job.ID),
		logging.String(logging.FieldSource, string(job.Source)),
	)
	logger.Info("processing job",
		logging.String("artist", job.Artist),
		logging.String("title", job.Title),
	)

	result, err := o.run(ctx, logger, job)
	if err != nil {
		return o.fail(ctx, logger, job, err)
	}

	// Terminal bookkeeping runs on a cancellation-free context: a shutdown
	// that aborts the fetch must still land the terminal row, or the job
	// stays in processing with no worker owning it.
	persistCtx := context.WithoutCancel(ctx)
	applied, markErr := o.store.MarkCompleted(persistCtx, job.ID, result.Result)
	if markErr != nil {
		return o.fail(ctx, logger, job, fmt.Errorf("persist completion: %w", markErr))
	}
	if !applied {
		// A duplicate trigger already resolved this job; leave its outcome alone.
		logger.Warn("job no longer processing, skipping completion side effects")
		return Outcome{JobID: job.ID, Title: job.Title, Artist: job.Artist, Status: queue.StatusCompleted}
	}

	jobID := job.ID
	entry := library.Entry{
		JobID:        &jobID,
		Title:        job.Title,
		Artist:       job.Artist,
		Album:        result.album,
		FilePath:     result.FilePath,
		DurationSecs: result.DurationSecs,
		Codec:        result.Codec,
		BitrateKbps:  result.BitrateKbps,
		ExternalRef:  job.ExternalRef,
	}
	if _, err := o.libStore.Add(persistCtx, entry); err != nil {
		logger.Error("job completed but library entry insert failed; reconciliation will flag the orphan",
			logging.Error(err))
	}

	o.syncWatchlist(persistCtx, logger, job.ExternalRef, watchlist.TrackDownloaded)

	logger.Info("job completed",
		logging.String("file", result.FilePath),
		logging.String("codec", result.Codec),
	)
	return Outcome{
		JobID:    job.ID,
		Title:    job.Title,
		Artist:   job.Artist,
		Status:   queue.StatusCompleted,
		FilePath: result.FilePath,
	}
}

// enrichedResult is a queue.Result plus the album the library entry records.
type enrichedResult struct {
	queue.Result
	album string
}

func (o *Orchestrator) run(ctx context.Context, logger *slog.Logger, job *queue.Job) (*enrichedResult, error) {
	downloader, err := o.registry.ForSource(job.Source)
	if err != nil {
		return nil, err
	}

	if o.limiter != nil {
		if err := o.limiter.Wait(ctx, string(job.Source)); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	raw, err := downloader.Fetch(ctx, job)
	if err != nil {
		return nil, err
	}
	logger.Info("fetch finished", logging.String("staging_file", raw.FilePath))

	// Canonical fields start as the source's own claims; the job's requested
	// artist/title fill any gaps.
	artist := firstNonEmpty(raw.Artist, job.Artist)
	title := firstNonEmpty(raw.Title, job.Title)
	album := raw.Album
	year := raw.Year
	provenance := "source"

	if o.lookup != nil && fileutil.FileExists(raw.FilePath) {
		canonical, err := o.lookup.Lookup(ctx, artist, title)
		if err != nil {
			return nil, fmt.Errorf("metadata lookup: %w", err)
		}
		if canonical != nil {
			if downloader.Authoritative() {
				// The catalog's artist/title/album stand; only fill gaps.
				if album == "" {
					album = canonical.Album
				}
				if year == 0 {
					year = canonical.Year
				}
			} else {
				artist = firstNonEmpty(canonical.Artist, artist)
				title = firstNonEmpty(canonical.Title, title)
				album = firstNonEmpty(canonical.Album, album)
				if canonical.Year > 0 {
					year = canonical.Year
				}
				provenance = canonical.Provenance
			}
		}
	}

	o.writeTags(ctx, logger, raw.FilePath, metadata.Tags{
		Artist: artist,
		Title:  title,
		Album:  album,
		Year:   year,
	})

	finalPath, err := o.placeFile(raw.FilePath, artist, title)
	if err != nil {
		return nil, err
	}
	if finalPath != raw.FilePath {
		logger.Info("filed into library", logging.String("file", finalPath))
	}

	// The job row keeps the canonical fields the library entry will carry.
	job.Artist = artist
	job.Title = title

	return &enrichedResult{
		Result: queue.Result{
			FilePath:       finalPath,
			Codec:          raw.Codec,
			BitrateKbps:    raw.BitrateKbps,
			DurationSecs:   raw.DurationSecs,
			MetadataSource: provenance,
		},
		album: album,
	}, nil
}

// writeTags asks the external tag writer to stamp the file. The writer's
// contract is best-effort: a tagging failure is logged, never fatal.
func (o *Orchestrator) writeTags(ctx context.Context, logger *slog.Logger, filePath string, tags metadata.Tags) {
	if o.tags == nil || !fileutil.FileExists(filePath) {
		return
	}
	if err := o.tags.Write(ctx, filePath, tags); err != nil {
		logger.Warn("tag write failed", logging.Error(err))
	}
}

// placeFile moves the staged file to its canonical library path
// library/Artist/Title.ext. Collisions get a numeric suffix rather than an
// overwrite, and the emptied source directory is removed.
func (o *Orchestrator) placeFile(stagedPath, artist, title string) (string, error) {
	artistDir := textutil.SanitizePathSegment(artist)
	titleName := textutil.SanitizePathSegment(title)
	if artistDir == "" || titleName == "" {
		return stagedPath, nil
	}

	target := filepath.Join(o.cfg.Paths.LibraryDir, artistDir, titleName+filepath.Ext(stagedPath))
	if target == stagedPath {
		return stagedPath, nil
	}

	target, err := fileutil.UniquePath(target)
	if err != nil {
		return "", fmt.Errorf("resolve library path: %w", err)
	}
	if err := fileutil.MoveFile(stagedPath, target); err != nil {
		return "", fmt.Errorf("move into library: %w", err)
	}
	if err := fileutil.RemoveDirIfEmpty(filepath.Dir(stagedPath)); err != nil {
		o.logger.Warn("could not remove emptied directory",
			logging.String("dir", filepath.Dir(stagedPath)),
			logging.Error(err),
		)
	}
	return target, nil
}

func (o *Orchestrator) fail(ctx context.Context, logger *slog.Logger, job *queue.Job, cause error) Outcome {
	// The cause is frequently the caller's own cancellation; the failed row
	// must persist regardless, so the ledger writes ignore it.
	persistCtx := context.WithoutCancel(ctx)
	message := cause.Error()
	applied, err := o.store.MarkFailed(persistCtx, job.ID, message)
	if err != nil {
		logger.Error("failed to persist job failure", logging.Error(err))
	} else if !applied {
		logger.Warn("job no longer processing, failure not recorded")
	}
	// Partial output files are left in place for forensics; retry downloads
	// from scratch and reconciliation flags orphans.
	o.syncWatchlist(persistCtx, logger, job.ExternalRef, watchlist.TrackFailed)

	hint := "fix the configuration or request before retrying"
	if services.IsRetryable(cause) {
		hint = "transient failure, retry the job"
	}
	logger.Error("job failed",
		logging.Error(cause),
		logging.String(logging.FieldErrorHint, hint),
	)
	return Outcome{
		JobID:  job.ID,
		Title:  job.Title,
		Artist: job.Artist,
		Status: queue.StatusFailed,
		Error:  message,
	}
}

func (o *Orchestrator) syncWatchlist(ctx context.Context, logger *slog.Logger, externalRef string, status watchlist.TrackStatus) {
	if o.watch == nil || externalRef == "" {
		return
	}
	if _, err := o.watch.SetStatusByExternalRef(ctx, externalRef, status); err != nil {
		logger.Warn("watchlist status sync failed", logging.Error(err))
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
