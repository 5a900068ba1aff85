package watchlist_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"crate/internal/logging"
	"crate/internal/queue"
	"crate/internal/testsupport"
	"crate/internal/watchlist"
)

// fakeFetcher serves canned playlists keyed by URL.
type fakeFetcher struct {
	playlists map[string]*watchlist.RemotePlaylist
	errs      map[string]error
}

func (f *fakeFetcher) FetchPlaylist(ctx context.Context, url string) (*watchlist.RemotePlaylist, error) {
	if err := f.errs[url]; err != nil {
		return nil, err
	}
	if playlist := f.playlists[url]; playlist != nil {
		return playlist, nil
	}
	return &watchlist.RemotePlaylist{}, nil
}

type enqueueRecorder struct {
	mu     sync.Mutex
	specs  []queue.Spec
	status watchlist.TrackStatus
	err    error
}

func (r *enqueueRecorder) enqueue(ctx context.Context, spec queue.Spec) (watchlist.TrackStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs = append(r.specs, spec)
	return r.status, r.err
}

func TestRunOnceRefreshesAndAdmits(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	watch := watchlist.NewStore(store.DB())
	ctx := context.Background()

	playlist, err := watch.AddPlaylist(ctx, "https://example.test/p", "Mix")
	if err != nil {
		t.Fatalf("AddPlaylist failed: %v", err)
	}

	fetcher := &fakeFetcher{playlists: map[string]*watchlist.RemotePlaylist{
		"https://example.test/p": {
			Name: "Mix",
			Tracks: []watchlist.RemoteTrack{
				{Artist: "Aphex Twin", Title: "Xtal", ExternalRef: "ref-1", OriginURL: "https://example.test/t1"},
				{Title: "Untagged Upload", ExternalRef: "ref-2", OriginURL: "https://example.test/t2"},
			},
		},
	}}
	recorder := &enqueueRecorder{status: watchlist.TrackQueued}
	kicked := 0
	poller := watchlist.NewPoller(watch, fetcher, recorder.enqueue, func() { kicked++ }, 0, logging.NewNop())

	if err := poller.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	if len(recorder.specs) != 2 {
		t.Fatalf("expected 2 enqueues, got %d", len(recorder.specs))
	}
	if recorder.specs[0].ExternalRef != "ref-1" || recorder.specs[0].Artist != "Aphex Twin" {
		t.Fatalf("unexpected first spec: %+v", recorder.specs[0])
	}
	// Listings without an artist get a placeholder rather than an empty field.
	if recorder.specs[1].Artist != "Unknown Artist" {
		t.Fatalf("expected artist placeholder, got %q", recorder.specs[1].Artist)
	}
	if recorder.specs[1].OriginURL != "https://example.test/t2" {
		t.Fatalf("origin url not carried: %+v", recorder.specs[1])
	}
	if kicked != 1 {
		t.Fatalf("expected one scheduler kick, got %d", kicked)
	}

	queued, err := watch.TracksByStatus(ctx, watchlist.TrackQueued)
	if err != nil || len(queued) != 2 {
		t.Fatalf("expected both tracks queued, got %v err %v", queued, err)
	}
	refreshed, err := watch.PlaylistByURL(ctx, playlist.URL)
	if err != nil || refreshed.CheckedAt == nil {
		t.Fatalf("expected checked_at stamped, got %+v err %v", refreshed, err)
	}
}

func TestRunOnceSkipsBrokenPlaylist(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	watch := watchlist.NewStore(store.DB())
	ctx := context.Background()

	if _, err := watch.AddPlaylist(ctx, "https://example.test/broken", ""); err != nil {
		t.Fatalf("AddPlaylist failed: %v", err)
	}
	if _, err := watch.AddPlaylist(ctx, "https://example.test/good", ""); err != nil {
		t.Fatalf("AddPlaylist failed: %v", err)
	}

	fetcher := &fakeFetcher{
		errs: map[string]error{"https://example.test/broken": errors.New("provider down")},
		playlists: map[string]*watchlist.RemotePlaylist{
			"https://example.test/good": {
				Tracks: []watchlist.RemoteTrack{{Artist: "Artist", Title: "Title", ExternalRef: "ref-1"}},
			},
		},
	}
	recorder := &enqueueRecorder{status: watchlist.TrackQueued}
	poller := watchlist.NewPoller(watch, fetcher, recorder.enqueue, nil, 0, logging.NewNop())

	if err := poller.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if len(recorder.specs) != 1 {
		t.Fatalf("expected the healthy playlist's track enqueued, got %d", len(recorder.specs))
	}
}

func TestRunOnceLeavesTrackPendingOnEnqueueError(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	watch := watchlist.NewStore(store.DB())
	ctx := context.Background()

	playlist, err := watch.AddPlaylist(ctx, "https://example.test/p", "")
	if err != nil {
		t.Fatalf("AddPlaylist failed: %v", err)
	}
	if err := watch.UpsertTrack(ctx, playlist.ID, "Artist", "Title", "ref-1", ""); err != nil {
		t.Fatalf("UpsertTrack failed: %v", err)
	}

	recorder := &enqueueRecorder{err: errors.New("queue unavailable")}
	kicked := 0
	poller := watchlist.NewPoller(watch, nil, recorder.enqueue, func() { kicked++ }, 0, logging.NewNop())

	if err := poller.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	pending, err := watch.TracksByStatus(ctx, watchlist.TrackPending)
	if err != nil || len(pending) != 1 {
		t.Fatalf("expected track still pending, got %v err %v", pending, err)
	}
	if kicked != 0 {
		t.Fatal("expected no kick when nothing was enqueued")
	}
}

func TestRunOnceRecordsDedupSettledTracks(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	watch := watchlist.NewStore(store.DB())
	ctx := context.Background()

	playlist, err := watch.AddPlaylist(ctx, "https://example.test/p", "")
	if err != nil {
		t.Fatalf("AddPlaylist failed: %v", err)
	}
	if err := watch.UpsertTrack(ctx, playlist.ID, "Artist", "Title", "ref-1", ""); err != nil {
		t.Fatalf("UpsertTrack failed: %v", err)
	}

	// The dedup check found the track already archived.
	recorder := &enqueueRecorder{status: watchlist.TrackDownloaded}
	kicked := 0
	poller := watchlist.NewPoller(watch, nil, recorder.enqueue, func() { kicked++ }, 0, logging.NewNop())

	if err := poller.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	downloaded, err := watch.DownloadedTracks(ctx)
	if err != nil || len(downloaded) != 1 {
		t.Fatalf("expected track marked downloaded, got %v err %v", downloaded, err)
	}
	if kicked != 0 {
		t.Fatal("no new jobs means no kick")
	}
}
