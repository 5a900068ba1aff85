package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"crate/internal/config"
	"crate/internal/queue"
	"crate/internal/services"
	"crate/internal/textutil"
)

// HTTPDoer describes the HTTP client used by the CDN downloader.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// CDNDownloader fetches lossless tracks from the catalog CDN. The catalog's
// artist/title/album is authoritative.
type CDNDownloader struct {
	baseURL    string
	apiToken   string
	format     string
	stagingDir string
	client     HTTPDoer
}

// NewCDNDownloader builds the CDN source from configuration. A missing base
// URL or token is a configuration error surfaced at fetch time so the daemon
// still starts with the source disabled.
func NewCDNDownloader(cfg *config.Config) *CDNDownloader {
	timeout := time.Duration(cfg.CDN.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &CDNDownloader{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.CDN.BaseURL), "/"),
		apiToken:   strings.TrimSpace(cfg.CDN.APIToken),
		format:     cfg.CDN.Format,
		stagingDir: cfg.Paths.StagingDir,
		client:     &http.Client{Timeout: timeout},
	}
}

// NewCDNDownloaderWithClient allows injecting the HTTP client (used in tests).
func NewCDNDownloaderWithClient(baseURL, apiToken, format, stagingDir string, client HTTPDoer) *CDNDownloader {
	return &CDNDownloader{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiToken:   strings.TrimSpace(apiToken),
		format:     format,
		stagingDir: stagingDir,
		client:     client,
	}
}

func (d *CDNDownloader) Authoritative() bool { return true }

// trackDescriptor is the catalog's track resolution response.
type trackDescriptor struct {
	DownloadURL  string  `json:"download_url"`
	Artist       string  `json:"artist"`
	Title        string  `json:"title"`
	Album        string  `json:"album"`
	Year         int     `json:"year"`
	Codec        string  `json:"codec"`
	BitrateKbps  int     `json:"bitrate_kbps"`
	DurationSecs float64 `json:"duration_seconds"`
	ThumbnailURL string  `json:"thumbnail_url"`
}

// Fetch resolves the job's external reference against the catalog and streams
// the audio into staging.
func (d *CDNDownloader) Fetch(ctx context.Context, job *queue.Job) (*RawResult, error) {
	if d.baseURL == "" || d.apiToken == "" {
		return nil, services.Wrap(services.ErrConfiguration, "cdn", "fetch",
			"catalog source is not configured; set cdn.base_url and cdn.api_token", nil)
	}
	if job.ExternalRef == "" {
		return nil, services.Wrap(services.ErrValidation, "cdn", "fetch",
			"job has no external track reference", nil)
	}

	desc, err := d.resolveTrack(ctx, job)
	if err != nil {
		return nil, err
	}

	artist := firstNonEmpty(desc.Artist, job.Artist)
	title := firstNonEmpty(desc.Title, job.Title)
	codec := firstNonEmpty(desc.Codec, d.format)

	target := filepath.Join(
		d.stagingDir,
		textutil.SanitizePathSegment(artist),
		textutil.SanitizePathSegment(title)+"."+strings.ToLower(codec),
	)
	if err := d.downloadFile(ctx, desc.DownloadURL, target); err != nil {
		return nil, err
	}

	return &RawResult{
		FilePath:     target,
		Codec:        codec,
		BitrateKbps:  desc.BitrateKbps,
		DurationSecs: desc.DurationSecs,
		Artist:       artist,
		Title:        title,
		Album:        desc.Album,
		Year:         desc.Year,
		ThumbnailURL: desc.ThumbnailURL,
	}, nil
}

func (d *CDNDownloader) resolveTrack(ctx context.Context, job *queue.Job) (*trackDescriptor, error) {
	resolveURL := fmt.Sprintf("%s/tracks/%s?format=%s", d.baseURL,
		url.PathEscape(job.ExternalRef), url.QueryEscape(preferredFormat(job.Format, d.format)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resolveURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build catalog request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.apiToken)
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "cdn", "resolve track", "catalog request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, services.Wrap(services.ErrNotFound, "cdn", "resolve track",
			fmt.Sprintf("track %s not found in catalog", job.ExternalRef), nil)
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, services.Wrap(services.ErrTransient, "cdn", "resolve track",
			fmt.Sprintf("catalog returned %d", resp.StatusCode), nil)
	}

	var desc trackDescriptor
	if err := json.NewDecoder(resp.Body).Decode(&desc); err != nil {
		return nil, services.Wrap(services.ErrTransient, "cdn", "resolve track", "decode catalog response", err)
	}
	if desc.DownloadURL == "" {
		return nil, services.Wrap(services.ErrTransient, "cdn", "resolve track", "catalog response missing download URL", nil)
	}
	return &desc, nil
}

func (d *CDNDownloader) downloadFile(ctx context.Context, downloadURL, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return fmt.Errorf("build download request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.apiToken)

	resp, err := d.client.Do(req)
	if err != nil {
		return services.Wrap(services.ErrTransient, "cdn", "download", "transfer failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return services.Wrap(services.ErrTransient, "cdn", "download",
			fmt.Sprintf("cdn returned %d", resp.StatusCode), nil)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("create staging file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return services.Wrap(services.ErrTransient, "cdn", "download", "write staging file", err)
	}
	return out.Close()
}

func preferredFormat(requested, fallback string) string {
	if strings.TrimSpace(requested) != "" {
		return requested
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
