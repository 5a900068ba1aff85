package watchlist_test

import (
	"context"
	"testing"

	"crate/internal/testsupport"
	"crate/internal/watchlist"
)

func newStore(t *testing.T) *watchlist.Store {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	return watchlist.NewStore(store.DB())
}

func TestAddPlaylistIsIdempotent(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	first, err := store.AddPlaylist(ctx, "https://example.test/p", "Mix")
	if err != nil {
		t.Fatalf("AddPlaylist failed: %v", err)
	}
	second, err := store.AddPlaylist(ctx, "https://example.test/p", "Renamed Mix")
	if err != nil {
		t.Fatalf("re-AddPlaylist failed: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected the same playlist row, got %d and %d", first.ID, second.ID)
	}
	if second.Name != "Renamed Mix" {
		t.Fatalf("expected name updated, got %q", second.Name)
	}

	if _, err := store.AddPlaylist(ctx, "  ", ""); err == nil {
		t.Fatal("expected an error for an empty url")
	}
}

func TestUpsertTrackKeepsStatus(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	playlist, err := store.AddPlaylist(ctx, "https://example.test/p", "")
	if err != nil {
		t.Fatalf("AddPlaylist failed: %v", err)
	}
	if err := store.UpsertTrack(ctx, playlist.ID, "Artist", "Title", "ref-1", "https://example.test/t1"); err != nil {
		t.Fatalf("UpsertTrack failed: %v", err)
	}

	tracks, err := store.TracksByStatus(ctx, watchlist.TrackPending)
	if err != nil || len(tracks) != 1 {
		t.Fatalf("expected one pending track, got %v err %v", tracks, err)
	}
	if err := store.SetTrackStatus(ctx, tracks[0].ID, watchlist.TrackDownloaded); err != nil {
		t.Fatalf("SetTrackStatus failed: %v", err)
	}

	// Re-seeing the track on a refresh must not reset its status.
	if err := store.UpsertTrack(ctx, playlist.ID, "Artist", "Title", "ref-1", "https://example.test/t1"); err != nil {
		t.Fatalf("second UpsertTrack failed: %v", err)
	}
	downloaded, err := store.DownloadedTracks(ctx)
	if err != nil || len(downloaded) != 1 {
		t.Fatalf("expected track still downloaded, got %v err %v", downloaded, err)
	}
	pending, err := store.TracksByStatus(ctx, watchlist.TrackPending)
	if err != nil || len(pending) != 0 {
		t.Fatalf("expected no pending tracks, got %v err %v", pending, err)
	}
}

func TestSetStatusByExternalRefCoversAllPlaylists(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	one, err := store.AddPlaylist(ctx, "https://example.test/one", "")
	if err != nil {
		t.Fatalf("AddPlaylist failed: %v", err)
	}
	two, err := store.AddPlaylist(ctx, "https://example.test/two", "")
	if err != nil {
		t.Fatalf("AddPlaylist failed: %v", err)
	}
	for _, playlist := range []int64{one.ID, two.ID} {
		if err := store.UpsertTrack(ctx, playlist, "Artist", "Shared", "ref-shared", ""); err != nil {
			t.Fatalf("UpsertTrack failed: %v", err)
		}
	}

	updated, err := store.SetStatusByExternalRef(ctx, "ref-shared", watchlist.TrackDownloaded)
	if err != nil {
		t.Fatalf("SetStatusByExternalRef failed: %v", err)
	}
	if updated != 2 {
		t.Fatalf("expected both tracks updated, got %d", updated)
	}

	// Empty refs are a no-op, never a blanket update.
	updated, err = store.SetStatusByExternalRef(ctx, "", watchlist.TrackFailed)
	if err != nil || updated != 0 {
		t.Fatalf("expected no-op for empty ref, got %d err %v", updated, err)
	}
}

func TestRemovePlaylistCascadesTracks(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	playlist, err := store.AddPlaylist(ctx, "https://example.test/p", "")
	if err != nil {
		t.Fatalf("AddPlaylist failed: %v", err)
	}
	if err := store.UpsertTrack(ctx, playlist.ID, "Artist", "Title", "ref-1", ""); err != nil {
		t.Fatalf("UpsertTrack failed: %v", err)
	}

	removed, err := store.RemovePlaylist(ctx, playlist.ID)
	if err != nil || !removed {
		t.Fatalf("RemovePlaylist failed: %v removed=%v", err, removed)
	}
	tracks, err := store.TracksByStatus(ctx, watchlist.TrackPending)
	if err != nil || len(tracks) != 0 {
		t.Fatalf("expected cascade to drop tracks, got %v err %v", tracks, err)
	}

	removed, err = store.RemovePlaylist(ctx, playlist.ID)
	if err != nil || removed {
		t.Fatalf("expected second remove to report false, got %v err %v", removed, err)
	}
}
