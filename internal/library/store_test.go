package library_test

import (
	"context"
	"path/filepath"
	"testing"

	"crate/internal/library"
	"crate/internal/testsupport"
)

func newStore(t *testing.T) (*library.Store, string) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	return library.NewStore(store.DB()), cfg.Paths.LibraryDir
}

func TestAddReadsFileSizeFromDisk(t *testing.T) {
	lib, libraryDir := newStore(t)
	ctx := context.Background()

	filePath := filepath.Join(libraryDir, "Aphex Twin", "Xtal.flac")
	testsupport.WriteFile(t, filePath, 4096)

	entry, err := lib.Add(ctx, library.Entry{
		Title:       "Xtal",
		Artist:      "Aphex Twin",
		Album:       "Selected Ambient Works 85-92",
		FilePath:    filePath,
		FileSize:    1, // upstream claim, ignored in favor of the stat
		ExternalRef: "ref-1",
	})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if entry.FileSize != 4096 {
		t.Fatalf("expected stat-derived size 4096, got %d", entry.FileSize)
	}
	if entry.Album != "Selected Ambient Works 85-92" {
		t.Fatalf("album not persisted: %#v", entry)
	}
}

func TestAddToleratesMissingFile(t *testing.T) {
	lib, libraryDir := newStore(t)

	entry, err := lib.Add(context.Background(), library.Entry{
		Title:    "Gone",
		Artist:   "Artist",
		FilePath: filepath.Join(libraryDir, "Artist", "Gone.flac"),
	})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if entry.FileSize != 0 {
		t.Fatalf("expected size 0 for a missing file, got %d", entry.FileSize)
	}

	if _, err := lib.Add(context.Background(), library.Entry{Title: "No Path", Artist: "Artist"}); err == nil {
		t.Fatal("expected an error for an entry without a file path")
	}
}

func TestFindByExternalRefReturnsNewest(t *testing.T) {
	lib, libraryDir := newStore(t)
	ctx := context.Background()

	for _, name := range []string{"First.flac", "Second.flac"} {
		if _, err := lib.Add(ctx, library.Entry{
			Title:       name,
			Artist:      "Artist",
			FilePath:    filepath.Join(libraryDir, "Artist", name),
			ExternalRef: "ref-dup",
		}); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	entry, err := lib.FindByExternalRef(ctx, "ref-dup")
	if err != nil || entry == nil {
		t.Fatalf("FindByExternalRef failed: %v", err)
	}
	if entry.Title != "Second.flac" {
		t.Fatalf("expected the newest entry, got %q", entry.Title)
	}

	if entry, err := lib.FindByExternalRef(ctx, ""); err != nil || entry != nil {
		t.Fatalf("expected (nil, nil) for an empty ref, got %#v err %v", entry, err)
	}
	if entry, err := lib.FindByExternalRef(ctx, "no-such"); err != nil || entry != nil {
		t.Fatalf("expected (nil, nil) for an unknown ref, got %#v err %v", entry, err)
	}
}

func TestListOrdersByArtistThenTitle(t *testing.T) {
	lib, libraryDir := newStore(t)
	ctx := context.Background()

	seed := []struct{ artist, title string }{
		{"Boards of Canada", "Roygbiv"},
		{"Aphex Twin", "Xtal"},
		{"Aphex Twin", "Alberto Balsalm"},
	}
	for _, s := range seed {
		if _, err := lib.Add(ctx, library.Entry{
			Title:    s.title,
			Artist:   s.artist,
			FilePath: filepath.Join(libraryDir, s.artist, s.title+".flac"),
		}); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	entries, err := lib.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	want := []string{"Alberto Balsalm", "Xtal", "Roygbiv"}
	for i, title := range want {
		if entries[i].Title != title {
			t.Fatalf("position %d: expected %q, got %q", i, title, entries[i].Title)
		}
	}
}

func TestRemove(t *testing.T) {
	lib, libraryDir := newStore(t)
	ctx := context.Background()

	entry, err := lib.Add(ctx, library.Entry{
		Title:    "Xtal",
		Artist:   "Aphex Twin",
		FilePath: filepath.Join(libraryDir, "Aphex Twin", "Xtal.flac"),
	})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	removed, err := lib.Remove(ctx, entry.ID)
	if err != nil || !removed {
		t.Fatalf("Remove failed: removed=%v err=%v", removed, err)
	}
	removed, err = lib.Remove(ctx, entry.ID)
	if err != nil || removed {
		t.Fatalf("expected second remove to report false, got %v err %v", removed, err)
	}

	if got, err := lib.GetByID(ctx, entry.ID); err != nil || got != nil {
		t.Fatalf("removed entry still readable: %#v err %v", got, err)
	}
}
