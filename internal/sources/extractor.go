package sources

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"crate/internal/config"
	"crate/internal/queue"
	"crate/internal/services"
)

var commandContext = exec.CommandContext

// ExtractorDownloader shells out to a generic media extractor binary
// (yt-dlp or compatible) to pull audio from arbitrary origin URLs. Its
// metadata is best-effort, never authoritative.
type ExtractorDownloader struct {
	binary      string
	audioFormat string
	stagingDir  string
	timeout     time.Duration
}

// NewExtractorDownloader builds the extractor source from configuration.
func NewExtractorDownloader(cfg *config.Config) *ExtractorDownloader {
	timeout := time.Duration(cfg.Extractor.TimeoutSeconds) * time.Second
	return &ExtractorDownloader{
		binary:      strings.TrimSpace(cfg.Extractor.Binary),
		audioFormat: cfg.Extractor.AudioFormat,
		stagingDir:  cfg.Paths.StagingDir,
		timeout:     timeout,
	}
}

func (d *ExtractorDownloader) Authoritative() bool { return false }

// extractorOutput is the JSON descriptor the extractor prints after a
// successful download (yt-dlp --print-json convention).
type extractorOutput struct {
	Filename     string  `json:"filename"`
	Filepath     string  `json:"filepath"`
	Title        string  `json:"title"`
	Artist       string  `json:"artist"`
	Uploader     string  `json:"uploader"`
	Album        string  `json:"album"`
	ReleaseYear  int     `json:"release_year"`
	Duration     float64 `json:"duration"`
	ACodec       string  `json:"acodec"`
	ABRKbps      float64 `json:"abr"`
	ThumbnailURL string  `json:"thumbnail"`
}

// Fetch runs the extractor against the job's origin URL. Large transfers may
// legitimately take a long time, so the timeout only applies when configured.
func (d *ExtractorDownloader) Fetch(ctx context.Context, job *queue.Job) (*RawResult, error) {
	if d.binary == "" {
		return nil, services.Wrap(services.ErrConfiguration, "extractor", "fetch",
			"extractor binary is not configured; set extractor.binary", nil)
	}
	if _, err := exec.LookPath(d.binary); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "extractor", "fetch",
			fmt.Sprintf("extractor binary %q not found on PATH", d.binary), err)
	}
	if job.OriginURL == "" {
		return nil, services.Wrap(services.ErrValidation, "extractor", "fetch",
			"job has no origin URL", nil)
	}

	runCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	outputTemplate := filepath.Join(d.stagingDir, "%(uploader)s", "%(title)s.%(ext)s")
	args := []string{
		"--no-playlist",
		"--extract-audio",
		"--audio-format", d.audioFormat,
		"--print-json",
		"--output", outputTemplate,
		job.OriginURL,
	}

	cmd := commandContext(runCtx, d.binary, args...) //nolint:gosec
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := lastLine(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return nil, services.Wrap(services.ErrTransient, "extractor", "fetch", detail, err)
	}

	var out extractorOutput
	if err := json.Unmarshal(firstJSONLine(stdout.Bytes()), &out); err != nil {
		return nil, services.Wrap(services.ErrTransient, "extractor", "parse output",
			"extractor produced no parseable descriptor", err)
	}

	path := out.Filepath
	if path == "" {
		path = out.Filename
	}
	if path == "" {
		return nil, services.Wrap(services.ErrTransient, "extractor", "parse output",
			"extractor descriptor missing file path", nil)
	}
	// The extractor reports the pre-conversion container path; swap the
	// extension for the requested audio format.
	if d.audioFormat != "" {
		path = strings.TrimSuffix(path, filepath.Ext(path)) + "." + d.audioFormat
	}

	artist := firstNonEmpty(out.Artist, out.Uploader, job.Artist)
	title := firstNonEmpty(out.Title, job.Title)

	return &RawResult{
		FilePath:     path,
		Codec:        firstNonEmpty(out.ACodec, d.audioFormat),
		BitrateKbps:  int(out.ABRKbps),
		DurationSecs: out.Duration,
		Artist:       artist,
		Title:        title,
		Album:        out.Album,
		Year:         out.ReleaseYear,
		ThumbnailURL: out.ThumbnailURL,
	}, nil
}

func firstJSONLine(output []byte) []byte {
	scanner := bufio.NewScanner(bytes.NewReader(output))
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) > 0 && line[0] == '{' {
			return append([]byte(nil), line...)
		}
	}
	return nil
}

func lastLine(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}
