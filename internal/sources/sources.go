// Package sources defines the downloader contract and the two source
// implementations crate ships: the lossless catalog CDN and the generic
// media extractor.
package sources

import (
	"context"
	"fmt"

	"crate/internal/queue"
)

// RawResult describes the bytes a downloader fetched for one job, before
// metadata enrichment. FilePath points into the staging directory.
type RawResult struct {
	FilePath     string
	Codec        string
	BitrateKbps  int
	DurationSecs float64
	Artist       string
	Title        string
	Album        string
	Year         int
	ThumbnailURL string
}

// Downloader fetches the bytes for one job. Implementations block on network
// I/O and honor context cancellation; the orchestrator wraps every call in
// the per-source rate limiter.
type Downloader interface {
	// Fetch downloads the job's track and returns a raw result descriptor.
	Fetch(ctx context.Context, job *queue.Job) (*RawResult, error)
	// Authoritative reports whether this source's artist/title/album is
	// trusted over third-party metadata lookups.
	Authoritative() bool
}

// Registry maps source tags to downloader implementations.
type Registry struct {
	downloaders map[queue.Source]Downloader
}

// NewRegistry builds a registry from explicit source/downloader pairs.
func NewRegistry() *Registry {
	return &Registry{downloaders: make(map[queue.Source]Downloader)}
}

// Register binds a downloader to a source tag.
func (r *Registry) Register(source queue.Source, dl Downloader) {
	r.downloaders[source] = dl
}

// ForSource returns the downloader bound to a source tag.
func (r *Registry) ForSource(source queue.Source) (Downloader, error) {
	dl, ok := r.downloaders[source]
	if !ok {
		return nil, fmt.Errorf("no downloader registered for source %q", source)
	}
	return dl, nil
}
