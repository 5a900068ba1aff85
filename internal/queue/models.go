package queue

import (
	"strings"
	"time"
)

// Source identifies which upstream a job downloads from.
type Source string

const (
	// SourceCDN is the lossless catalog CDN. Its artist/title/album metadata
	// is authoritative and never overwritten by enrichment.
	SourceCDN Source = "cdn"
	// SourceExtractor is the generic media extractor. Its metadata is
	// best-effort and yields to canonical lookups.
	SourceExtractor Source = "extractor"
)

// ParseSource converts a string into a known Source.
func ParseSource(value string) (Source, bool) {
	normalized := Source(strings.ToLower(strings.TrimSpace(value)))
	switch normalized {
	case SourceCDN, SourceExtractor:
		return normalized, true
	}
	return "", false
}

// Authoritative reports whether the source's own metadata is trusted over
// third-party lookups.
func (s Source) Authoritative() bool {
	return s == SourceCDN
}

// Status represents the lifecycle of a download job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var allStatuses = []Status{StatusQueued, StatusProcessing, StatusCompleted, StatusFailed}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	for _, status := range allStatuses {
		if status == normalized {
			return normalized, true
		}
	}
	return "", false
}

// Terminal reports whether no further automatic transition occurs.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is one requested acquisition persisted in the ledger.
type Job struct {
	ID             int64
	Source         Source
	ExternalRef    string
	Title          string
	Artist         string
	OriginURL      string
	Format         string
	Status         Status
	ErrorMessage   string
	FilePath       string
	Codec          string
	BitrateKbps    int
	DurationSecs   float64
	MetadataSource string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// Spec carries the caller-supplied fields for a new job.
type Spec struct {
	Source      Source
	ExternalRef string
	Title       string
	Artist      string
	OriginURL   string
	Format      string
}

// Result carries the fields persisted when a job completes.
type Result struct {
	FilePath       string
	Codec          string
	BitrateKbps    int
	DurationSecs   float64
	MetadataSource string
}

// Counts aggregates job totals per lifecycle state.
type Counts struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}
