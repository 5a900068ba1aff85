// Package metadata holds the enrichment collaborators: canonical metadata
// lookup and tag writing. Both are optional; their absence disables
// enrichment, never the download pipeline.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"crate/internal/config"
	"crate/internal/ratelimit"
	"crate/internal/services"
)

// Canonical is the corrected metadata for one track.
type Canonical struct {
	Artist     string
	Title      string
	Album      string
	Year       int
	Provenance string
}

// Lookup resolves canonical metadata for a track. A (nil, nil) return means
// no confident match was found; that is not an error.
type Lookup interface {
	Lookup(ctx context.Context, artist, title string) (*Canonical, error)
}

// SourceKey is the rate limiter key for metadata lookups.
const SourceKey = "metadata"

// Client is a MusicBrainz-compatible recording lookup client.
type Client struct {
	baseURL   string
	userAgent string
	client    *http.Client
	limiter   *ratelimit.Limiter
}

// NewClient builds a lookup client from configuration. Returns nil when
// lookups are disabled.
func NewClient(cfg *config.Config, limiter *ratelimit.Limiter) *Client {
	if cfg == nil || !cfg.Metadata.Enabled || strings.TrimSpace(cfg.Metadata.BaseURL) == "" {
		return nil
	}
	timeout := time.Duration(cfg.Metadata.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimRight(strings.TrimSpace(cfg.Metadata.BaseURL), "/"),
		userAgent: cfg.Metadata.UserAgent,
		client:    &http.Client{Timeout: timeout},
		limiter:   limiter,
	}
}

type recordingResponse struct {
	Recordings []struct {
		Title        string `json:"title"`
		Score        int    `json:"score"`
		ArtistCredit []struct {
			Name string `json:"name"`
		} `json:"artist-credit"`
		Releases []struct {
			Title string `json:"title"`
			Date  string `json:"date"`
		} `json:"releases"`
	} `json:"recordings"`
}

// minScore is the match confidence below which results are discarded.
const minScore = 85

// Lookup queries the recording endpoint for the best-scoring match.
func (c *Client) Lookup(ctx context.Context, artist, title string) (*Canonical, error) {
	if c == nil {
		return nil, nil
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, SourceKey); err != nil {
			return nil, err
		}
	}

	query := fmt.Sprintf(`recording:"%s" AND artist:"%s"`, escapeQuery(title), escapeQuery(artist))
	lookupURL := fmt.Sprintf("%s/recording?query=%s&fmt=json&limit=5", c.baseURL, url.QueryEscape(query))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, lookupURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build lookup request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "metadata", "lookup", "request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, services.Wrap(services.ErrTransient, "metadata", "lookup",
			fmt.Sprintf("lookup returned %d", resp.StatusCode), nil)
	}

	var decoded recordingResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, services.Wrap(services.ErrTransient, "metadata", "lookup", "decode response", err)
	}

	for _, recording := range decoded.Recordings {
		if recording.Score < minScore || len(recording.ArtistCredit) == 0 {
			continue
		}
		canonical := &Canonical{
			Artist:     recording.ArtistCredit[0].Name,
			Title:      recording.Title,
			Provenance: "musicbrainz",
		}
		if len(recording.Releases) > 0 {
			canonical.Album = recording.Releases[0].Title
			canonical.Year = parseYear(recording.Releases[0].Date)
		}
		return canonical, nil
	}
	return nil, nil
}

func escapeQuery(value string) string {
	return strings.ReplaceAll(value, `"`, `\"`)
}

func parseYear(date string) int {
	if len(date) < 4 {
		return 0
	}
	var year int
	if _, err := fmt.Sscanf(date[:4], "%d", &year); err != nil {
		return 0
	}
	return year
}
