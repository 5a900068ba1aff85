package metadata

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"crate/internal/config"
	"crate/internal/services"
)

var commandContext = exec.CommandContext

// Tags is the set of fields written into an audio file.
type Tags struct {
	Artist string
	Title  string
	Album  string
	Year   int
}

// TagWriter writes tags into an audio file. The actual tag binary format is
// out of crate's scope; implementations wrap an external tool.
type TagWriter interface {
	Write(ctx context.Context, filePath string, tags Tags) error
}

// ExecTagWriter shells out to a configured tagger binary with
// key=value arguments. Returns nil when no binary is configured.
type ExecTagWriter struct {
	binary string
}

// NewTagWriter builds the tag writer from configuration, or nil when tagging
// is not configured.
func NewTagWriter(cfg *config.Config) *ExecTagWriter {
	if cfg == nil {
		return nil
	}
	binary := strings.TrimSpace(cfg.Metadata.TaggerBinary)
	if binary == "" {
		return nil
	}
	return &ExecTagWriter{binary: binary}
}

// Write invokes the tagger with the file path and non-empty fields.
func (w *ExecTagWriter) Write(ctx context.Context, filePath string, tags Tags) error {
	if w == nil {
		return nil
	}
	if _, err := exec.LookPath(w.binary); err != nil {
		return services.Wrap(services.ErrConfiguration, "tagger", "write",
			fmt.Sprintf("tagger binary %q not found on PATH", w.binary), err)
	}

	args := []string{filePath}
	if tags.Artist != "" {
		args = append(args, "artist="+tags.Artist)
	}
	if tags.Title != "" {
		args = append(args, "title="+tags.Title)
	}
	if tags.Album != "" {
		args = append(args, "album="+tags.Album)
	}
	if tags.Year > 0 {
		args = append(args, "year="+strconv.Itoa(tags.Year))
	}

	cmd := commandContext(ctx, w.binary, args...) //nolint:gosec
	if output, err := cmd.CombinedOutput(); err != nil {
		detail := strings.TrimSpace(string(output))
		if detail == "" {
			detail = err.Error()
		}
		return services.Wrap(services.ErrExternalTool, "tagger", "write", detail, err)
	}
	return nil
}
