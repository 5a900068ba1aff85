package metadata_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"crate/internal/config"
	"crate/internal/metadata"
	"crate/internal/services"
)

func lookupConfig(baseURL string) *config.Config {
	cfg := config.Default()
	cfg.Metadata.Enabled = true
	cfg.Metadata.BaseURL = baseURL
	cfg.Metadata.UserAgent = "crate-test/1.0"
	return &cfg
}

func TestLookupPicksBestScoringMatch(t *testing.T) {
	var gotPath, gotAgent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAgent = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"recordings": [
				{"title": "Xtal (live)", "score": 60, "artist-credit": [{"name": "Aphex Twin"}]},
				{"title": "Xtal", "score": 98,
				 "artist-credit": [{"name": "Aphex Twin"}],
				 "releases": [{"title": "Selected Ambient Works 85-92", "date": "1992-11-09"}]}
			]
		}`))
	}))
	defer server.Close()

	client := metadata.NewClient(lookupConfig(server.URL), nil)
	if client == nil {
		t.Fatal("expected a client for an enabled config")
	}

	canonical, err := client.Lookup(context.Background(), "Aphex Twin", "Xtal")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if canonical == nil {
		t.Fatal("expected a match")
	}
	if canonical.Artist != "Aphex Twin" || canonical.Title != "Xtal" {
		t.Fatalf("unexpected canonical fields: %+v", canonical)
	}
	if canonical.Album != "Selected Ambient Works 85-92" || canonical.Year != 1992 {
		t.Fatalf("release details not extracted: %+v", canonical)
	}
	if canonical.Provenance != "musicbrainz" {
		t.Fatalf("unexpected provenance %q", canonical.Provenance)
	}
	if gotPath != "/recording" {
		t.Fatalf("expected the recording endpoint, got %s", gotPath)
	}
	if gotAgent != "crate-test/1.0" {
		t.Fatalf("user agent not sent, got %q", gotAgent)
	}
}

func TestLookupNoConfidentMatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"recordings": [{"title": "Maybe", "score": 40, "artist-credit": [{"name": "Someone"}]}]}`))
	}))
	defer server.Close()

	client := metadata.NewClient(lookupConfig(server.URL), nil)
	canonical, err := client.Lookup(context.Background(), "Aphex Twin", "Xtal")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if canonical != nil {
		t.Fatalf("expected no match below the score floor, got %+v", canonical)
	}
}

func TestLookupServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := metadata.NewClient(lookupConfig(server.URL), nil)
	_, err := client.Lookup(context.Background(), "Aphex Twin", "Xtal")
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
}

func TestNewClientDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.Metadata.Enabled = false
	if metadata.NewClient(&cfg, nil) != nil {
		t.Fatal("expected nil client when lookups are disabled")
	}

	cfg = config.Default()
	cfg.Metadata.Enabled = true
	cfg.Metadata.BaseURL = "  "
	if metadata.NewClient(&cfg, nil) != nil {
		t.Fatal("expected nil client without a base url")
	}

	if metadata.NewClient(nil, nil) != nil {
		t.Fatal("expected nil client for nil config")
	}
}

func TestNilClientLookup(t *testing.T) {
	var client *metadata.Client
	canonical, err := client.Lookup(context.Background(), "a", "b")
	if err != nil || canonical != nil {
		t.Fatalf("expected (nil, nil) from a nil client, got %v %v", canonical, err)
	}
}
