package watchlist

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"crate/internal/config"
	"crate/internal/services"
)

// commandContext is swapped in tests to avoid invoking a real binary.
var commandContext = exec.CommandContext

// RemoteTrack is one track listed by a playlist provider.
type RemoteTrack struct {
	Artist      string
	Title       string
	ExternalRef string
	OriginURL   string
}

// RemotePlaylist is the current remote state of a watched playlist.
type RemotePlaylist struct {
	Name   string
	Tracks []RemoteTrack
}

// PlaylistFetcher resolves a playlist URL to its current track listing.
type PlaylistFetcher interface {
	FetchPlaylist(ctx context.Context, url string) (*RemotePlaylist, error)
}

// ExtractorFetcher lists playlists through the media extractor binary in
// flat-playlist mode, one JSON document per entry on stdout.
type ExtractorFetcher struct {
	binary  string
	timeout time.Duration
}

// NewExtractorFetcher builds a fetcher from the extractor settings. Returns
// nil when no binary is configured.
func NewExtractorFetcher(cfg config.Extractor) *ExtractorFetcher {
	binary := strings.TrimSpace(cfg.Binary)
	if binary == "" {
		return nil
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &ExtractorFetcher{binary: binary, timeout: timeout}
}

type flatEntry struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Artist   string `json:"artist"`
	Uploader string `json:"uploader"`
	URL      string `json:"url"`
	WebURL   string `json:"webpage_url"`
	Playlist string `json:"playlist_title"`
}

// FetchPlaylist runs the extractor and parses one entry per output line.
func (f *ExtractorFetcher) FetchPlaylist(ctx context.Context, url string) (*RemotePlaylist, error) {
	if _, err := exec.LookPath(f.binary); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "watchlist", "fetch playlist",
			fmt.Sprintf("extractor binary %q not found", f.binary), err)
	}

	runCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	cmd := commandContext(runCtx, f.binary, "--flat-playlist", "--dump-json", url)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return nil, services.Wrap(services.ErrExternalTool, "watchlist", "fetch playlist", detail, err)
	}

	playlist := &RemotePlaylist{}
	scanner := bufio.NewScanner(&stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}
		var entry flatEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		track := RemoteTrack{
			Artist:      firstNonEmpty(entry.Artist, entry.Uploader),
			Title:       strings.TrimSpace(entry.Title),
			ExternalRef: strings.TrimSpace(entry.ID),
			OriginURL:   firstNonEmpty(entry.WebURL, entry.URL),
		}
		if track.Title == "" {
			continue
		}
		if playlist.Name == "" {
			playlist.Name = entry.Playlist
		}
		playlist.Tracks = append(playlist.Tracks, track)
	}
	if err := scanner.Err(); err != nil {
		return nil, services.Wrap(services.ErrExternalTool, "watchlist", "fetch playlist", "read extractor output", err)
	}
	return playlist, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
