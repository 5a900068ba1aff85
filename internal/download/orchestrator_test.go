package download_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"crate/internal/config"
	"crate/internal/download"
	"crate/internal/library"
	"crate/internal/logging"
	"crate/internal/metadata"
	"crate/internal/queue"
	"crate/internal/sources"
	"crate/internal/testsupport"
	"crate/internal/watchlist"
)

// fakeDownloader stages a file on Fetch and hands back canned metadata.
type fakeDownloader struct {
	t             *testing.T
	stagingDir    string
	raw           sources.RawResult
	err           error
	authoritative bool
}

func (d *fakeDownloader) Fetch(ctx context.Context, job *queue.Job) (*sources.RawResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.err != nil {
		return nil, d.err
	}
	raw := d.raw
	if raw.FilePath == "" {
		raw.FilePath = filepath.Join(d.stagingDir, "job-staging", "track.flac")
		testsupport.WriteFile(d.t, raw.FilePath, 512)
	}
	return &raw, nil
}

func (d *fakeDownloader) Authoritative() bool { return d.authoritative }

type fakeLookup struct {
	canonical *metadata.Canonical
	err       error
	calls     int
}

func (l *fakeLookup) Lookup(ctx context.Context, artist, title string) (*metadata.Canonical, error) {
	l.calls++
	return l.canonical, l.err
}

type fakeTagWriter struct {
	tags  []metadata.Tags
	paths []string
	err   error
}

func (w *fakeTagWriter) Write(ctx context.Context, filePath string, tags metadata.Tags) error {
	w.paths = append(w.paths, filePath)
	w.tags = append(w.tags, tags)
	return w.err
}

type harness struct {
	cfg   *config.Config
	store *queue.Store
	lib   *library.Store
	watch *watchlist.Store
	dl    *fakeDownloader
}

func newHarness(t *testing.T) *harness {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	return &harness{
		cfg:   cfg,
		store: store,
		lib:   library.NewStore(store.DB()),
		watch: watchlist.NewStore(store.DB()),
		dl:    &fakeDownloader{t: t, stagingDir: cfg.Paths.StagingDir},
	}
}

func (h *harness) orchestrator(lookup metadata.Lookup, tags metadata.TagWriter) *download.Orchestrator {
	registry := sources.NewRegistry()
	registry.Register(queue.SourceExtractor, h.dl)
	registry.Register(queue.SourceCDN, h.dl)
	return download.NewOrchestrator(h.cfg, download.Deps{
		Store:    h.store,
		Library:  h.lib,
		Watch:    h.watch,
		Registry: registry,
		Lookup:   lookup,
		Tags:     tags,
		Logger:   logging.NewNop(),
	})
}

func (h *harness) claim(t *testing.T, spec queue.Spec) *queue.Job {
	t.Helper()
	testsupport.NewJob(t, h.store, spec)
	job, err := h.store.ClaimNext(context.Background())
	if err != nil || job == nil {
		t.Fatalf("ClaimNext failed: %v %v", job, err)
	}
	return job
}

func TestProcessCompletesAndFilesTrack(t *testing.T) {
	h := newHarness(t)
	h.dl.raw = sources.RawResult{Codec: "flac", BitrateKbps: 1411, DurationSecs: 245.2}
	orch := h.orchestrator(nil, nil)
	ctx := context.Background()

	job := h.claim(t, queue.Spec{
		Source:      queue.SourceExtractor,
		ExternalRef: "track-1",
		Title:       "Xtal",
		Artist:      "Aphex Twin",
		OriginURL:   "https://example.test/watch?v=track-1",
	})

	outcome := orch.Process(ctx, job)
	if outcome.Status != queue.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", outcome.Status, outcome.Error)
	}
	want := filepath.Join(h.cfg.Paths.LibraryDir, "Aphex Twin", "Xtal.flac")
	if outcome.FilePath != want {
		t.Fatalf("expected file at %s, got %s", want, outcome.FilePath)
	}
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("library file missing: %v", err)
	}

	stored, err := h.store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if stored.Status != queue.StatusCompleted || stored.FilePath != want {
		t.Fatalf("job not recorded completed: %#v", stored)
	}
	if stored.Codec != "flac" || stored.BitrateKbps != 1411 {
		t.Fatalf("media facts not persisted: %#v", stored)
	}

	entry, err := h.lib.FindByExternalRef(ctx, "track-1")
	if err != nil || entry == nil {
		t.Fatalf("library entry missing: %#v err %v", entry, err)
	}
	if entry.FilePath != want || entry.Artist != "Aphex Twin" {
		t.Fatalf("unexpected library entry: %#v", entry)
	}
	if entry.JobID == nil || *entry.JobID != job.ID {
		t.Fatalf("entry not linked to job: %#v", entry.JobID)
	}
}

func TestProcessFetchFailureMarksFailed(t *testing.T) {
	h := newHarness(t)
	h.dl.err = errors.New("extractor exit status 1")
	orch := h.orchestrator(nil, nil)
	ctx := context.Background()

	playlist, err := h.watch.AddPlaylist(ctx, "https://example.test/p", "Mix")
	if err != nil {
		t.Fatalf("AddPlaylist failed: %v", err)
	}
	if err := h.watch.UpsertTrack(ctx, playlist.ID, "Aphex Twin", "Xtal", "track-1", ""); err != nil {
		t.Fatalf("UpsertTrack failed: %v", err)
	}

	job := h.claim(t, queue.Spec{
		Source:      queue.SourceExtractor,
		ExternalRef: "track-1",
		Title:       "Xtal",
		Artist:      "Aphex Twin",
	})

	outcome := orch.Process(ctx, job)
	if outcome.Status != queue.StatusFailed {
		t.Fatalf("expected failed, got %s", outcome.Status)
	}
	if outcome.Error == "" {
		t.Fatal("expected error message in outcome")
	}

	stored, err := h.store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if stored.Status != queue.StatusFailed || stored.ErrorMessage == "" {
		t.Fatalf("failure not persisted: %#v", stored)
	}

	failed, err := h.watch.TracksByStatus(ctx, watchlist.TrackFailed)
	if err != nil {
		t.Fatalf("TracksByStatus failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ExternalRef != "track-1" {
		t.Fatalf("watched track not marked failed: %#v", failed)
	}
}

func TestProcessPersistsFailureWhenContextCanceled(t *testing.T) {
	h := newHarness(t)
	orch := h.orchestrator(nil, nil)
	setup := context.Background()

	playlist, err := h.watch.AddPlaylist(setup, "https://example.test/p", "Mix")
	if err != nil {
		t.Fatalf("AddPlaylist failed: %v", err)
	}
	if err := h.watch.UpsertTrack(setup, playlist.ID, "Aphex Twin", "Rhubarb", "track-7", ""); err != nil {
		t.Fatalf("UpsertTrack failed: %v", err)
	}

	job := h.claim(t, queue.Spec{
		Source:      queue.SourceExtractor,
		ExternalRef: "track-7",
		Title:       "Rhubarb",
		Artist:      "Aphex Twin",
	})

	// Shutdown mid-fetch: the fetch aborts with the cancellation, but the
	// terminal row and the watchlist sync must land anyway.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome := orch.Process(ctx, job)
	if outcome.Status != queue.StatusFailed {
		t.Fatalf("expected failed, got %s", outcome.Status)
	}

	stored, err := h.store.GetByID(setup, job.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if stored.Status != queue.StatusFailed {
		t.Fatalf("job stranded in %s after cancellation", stored.Status)
	}
	if stored.ErrorMessage == "" {
		t.Fatal("expected persisted error message")
	}

	failed, err := h.watch.TracksByStatus(setup, watchlist.TrackFailed)
	if err != nil {
		t.Fatalf("TracksByStatus failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ExternalRef != "track-7" {
		t.Fatalf("watched track not marked failed: %#v", failed)
	}
}

func TestProcessNonAuthoritativeAdoptsCanonicalNames(t *testing.T) {
	h := newHarness(t)
	h.dl.raw = sources.RawResult{Codec: "opus", Artist: "aphex twin - topic", Title: "xtal (official audio)"}
	lookup := &fakeLookup{canonical: &metadata.Canonical{
		Artist:     "Aphex Twin",
		Title:      "Xtal",
		Album:      "Selected Ambient Works 85-92",
		Year:       1992,
		Provenance: "musicbrainz",
	}}
	tags := &fakeTagWriter{}
	orch := h.orchestrator(lookup, tags)
	ctx := context.Background()

	job := h.claim(t, queue.Spec{
		Source:      queue.SourceExtractor,
		ExternalRef: "track-1",
		Title:       "xtal (official audio)",
		Artist:      "aphex twin - topic",
		OriginURL:   "https://example.test/watch?v=track-1",
	})

	outcome := orch.Process(ctx, job)
	if outcome.Status != queue.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", outcome.Status, outcome.Error)
	}
	want := filepath.Join(h.cfg.Paths.LibraryDir, "Aphex Twin", "Xtal.flac")
	if outcome.FilePath != want {
		t.Fatalf("expected canonical placement %s, got %s", want, outcome.FilePath)
	}

	stored, err := h.store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if stored.MetadataSource != "musicbrainz" {
		t.Fatalf("expected lookup provenance, got %q", stored.MetadataSource)
	}

	entry, err := h.lib.FindByExternalRef(ctx, "track-1")
	if err != nil || entry == nil {
		t.Fatalf("library entry missing: %v", err)
	}
	if entry.Artist != "Aphex Twin" || entry.Title != "Xtal" || entry.Album != "Selected Ambient Works 85-92" {
		t.Fatalf("canonical names not adopted: %#v", entry)
	}

	if len(tags.tags) != 1 {
		t.Fatalf("expected one tag write, got %d", len(tags.tags))
	}
	if tags.tags[0].Artist != "Aphex Twin" || tags.tags[0].Year != 1992 {
		t.Fatalf("tags carry uncorrected metadata: %#v", tags.tags[0])
	}
}

func TestProcessAuthoritativeSourceOnlyFillsGaps(t *testing.T) {
	h := newHarness(t)
	h.dl.authoritative = true
	h.dl.raw = sources.RawResult{Codec: "flac", Artist: "Aphex Twin", Title: "Xtal"}
	lookup := &fakeLookup{canonical: &metadata.Canonical{
		Artist:     "Wrong Artist",
		Title:      "Wrong Title",
		Album:      "Selected Ambient Works 85-92",
		Year:       1992,
		Provenance: "musicbrainz",
	}}
	orch := h.orchestrator(lookup, nil)
	ctx := context.Background()

	job := h.claim(t, queue.Spec{
		Source:      queue.SourceCDN,
		ExternalRef: "track-1",
		Title:       "Xtal",
		Artist:      "Aphex Twin",
	})

	outcome := orch.Process(ctx, job)
	if outcome.Status != queue.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", outcome.Status, outcome.Error)
	}

	entry, err := h.lib.FindByExternalRef(ctx, "track-1")
	if err != nil || entry == nil {
		t.Fatalf("library entry missing: %v", err)
	}
	if entry.Artist != "Aphex Twin" || entry.Title != "Xtal" {
		t.Fatalf("catalog names overridden: %#v", entry)
	}
	if entry.Album != "Selected Ambient Works 85-92" {
		t.Fatalf("missing album not filled from lookup: %#v", entry)
	}
	if lookup.calls != 1 {
		t.Fatalf("expected one lookup, got %d", lookup.calls)
	}
}

func TestProcessLookupErrorFailsJob(t *testing.T) {
	h := newHarness(t)
	h.dl.raw = sources.RawResult{Codec: "opus"}
	lookup := &fakeLookup{err: errors.New("catalog unavailable")}
	orch := h.orchestrator(lookup, nil)
	ctx := context.Background()

	job := h.claim(t, queue.Spec{
		Source:      queue.SourceExtractor,
		ExternalRef: "track-1",
		Title:       "Xtal",
		Artist:      "Aphex Twin",
		OriginURL:   "https://example.test/watch?v=track-1",
	})

	outcome := orch.Process(ctx, job)
	if outcome.Status != queue.StatusFailed {
		t.Fatalf("expected lookup error to fail the job, got %s", outcome.Status)
	}

	stored, err := h.store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if stored.Status != queue.StatusFailed {
		t.Fatalf("failure not persisted: %#v", stored)
	}
}

func TestProcessTagWriteFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.dl.raw = sources.RawResult{Codec: "flac"}
	tags := &fakeTagWriter{err: errors.New("tagger crashed")}
	orch := h.orchestrator(nil, tags)
	ctx := context.Background()

	job := h.claim(t, queue.Spec{
		Source:      queue.SourceExtractor,
		ExternalRef: "track-1",
		Title:       "Xtal",
		Artist:      "Aphex Twin",
		OriginURL:   "https://example.test/watch?v=track-1",
	})

	outcome := orch.Process(ctx, job)
	if outcome.Status != queue.StatusCompleted {
		t.Fatalf("tag failure should not fail the job, got %s (%s)", outcome.Status, outcome.Error)
	}
	if len(tags.paths) != 1 {
		t.Fatalf("expected one tag attempt, got %d", len(tags.paths))
	}
}

func TestProcessCollisionGetsNumericSuffix(t *testing.T) {
	h := newHarness(t)
	h.dl.raw = sources.RawResult{Codec: "flac"}
	orch := h.orchestrator(nil, nil)
	ctx := context.Background()

	occupied := filepath.Join(h.cfg.Paths.LibraryDir, "Aphex Twin", "Xtal.flac")
	testsupport.WriteFile(t, occupied, 64)

	job := h.claim(t, queue.Spec{
		Source:      queue.SourceExtractor,
		ExternalRef: "track-2",
		Title:       "Xtal",
		Artist:      "Aphex Twin",
		OriginURL:   "https://example.test/watch?v=track-2",
	})

	outcome := orch.Process(ctx, job)
	if outcome.Status != queue.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", outcome.Status, outcome.Error)
	}
	if outcome.FilePath == occupied {
		t.Fatal("collision overwrote the existing file path")
	}
	if filepath.Dir(outcome.FilePath) != filepath.Dir(occupied) {
		t.Fatalf("suffixed file left the artist directory: %s", outcome.FilePath)
	}
	if _, err := os.Stat(outcome.FilePath); err != nil {
		t.Fatalf("suffixed file missing: %v", err)
	}
}

func TestProcessCleansEmptiedStagingDir(t *testing.T) {
	h := newHarness(t)
	h.dl.raw = sources.RawResult{Codec: "flac"}
	orch := h.orchestrator(nil, nil)
	ctx := context.Background()

	job := h.claim(t, queue.Spec{
		Source:      queue.SourceExtractor,
		ExternalRef: "track-1",
		Title:       "Xtal",
		Artist:      "Aphex Twin",
		OriginURL:   "https://example.test/watch?v=track-1",
	})

	outcome := orch.Process(ctx, job)
	if outcome.Status != queue.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", outcome.Status, outcome.Error)
	}

	stagingSub := filepath.Join(h.cfg.Paths.StagingDir, "job-staging")
	if _, err := os.Stat(stagingSub); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected emptied staging dir to be removed, stat returned %v", err)
	}
}
