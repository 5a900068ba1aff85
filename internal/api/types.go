package api

import (
	"time"

	"crate/internal/library"
	"crate/internal/queue"
)

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// JobView describes a queue job in a transport-friendly format.
type JobView struct {
	ID             int64   `json:"id"`
	Source         string  `json:"source"`
	ExternalRef    string  `json:"externalRef,omitempty"`
	Title          string  `json:"title"`
	Artist         string  `json:"artist"`
	OriginURL      string  `json:"originUrl,omitempty"`
	Format         string  `json:"format,omitempty"`
	Status         string  `json:"status"`
	ErrorMessage   string  `json:"errorMessage,omitempty"`
	FilePath       string  `json:"filePath,omitempty"`
	Codec          string  `json:"codec,omitempty"`
	BitrateKbps    int     `json:"bitrateKbps,omitempty"`
	DurationSecs   float64 `json:"durationSecs,omitempty"`
	MetadataSource string  `json:"metadataSource,omitempty"`
	CreatedAt      string  `json:"createdAt,omitempty"`
	UpdatedAt      string  `json:"updatedAt,omitempty"`
	StartedAt      string  `json:"startedAt,omitempty"`
	CompletedAt    string  `json:"completedAt,omitempty"`
}

// FromJob converts a persisted job into its API view.
func FromJob(job *queue.Job) JobView {
	view := JobView{
		ID:             job.ID,
		Source:         string(job.Source),
		ExternalRef:    job.ExternalRef,
		Title:          job.Title,
		Artist:         job.Artist,
		OriginURL:      job.OriginURL,
		Format:         job.Format,
		Status:         string(job.Status),
		ErrorMessage:   job.ErrorMessage,
		FilePath:       job.FilePath,
		Codec:          job.Codec,
		BitrateKbps:    job.BitrateKbps,
		DurationSecs:   job.DurationSecs,
		MetadataSource: job.MetadataSource,
		CreatedAt:      formatTime(job.CreatedAt),
		UpdatedAt:      formatTime(job.UpdatedAt),
	}
	if job.StartedAt != nil {
		view.StartedAt = formatTime(*job.StartedAt)
	}
	if job.CompletedAt != nil {
		view.CompletedAt = formatTime(*job.CompletedAt)
	}
	return view
}

// FromJobs converts a job slice, preserving order.
func FromJobs(jobs []*queue.Job) []JobView {
	views := make([]JobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, FromJob(job))
	}
	return views
}

// EntryView describes a library entry in a transport-friendly format.
type EntryView struct {
	ID           int64   `json:"id"`
	JobID        *int64  `json:"jobId,omitempty"`
	Title        string  `json:"title"`
	Artist       string  `json:"artist"`
	Album        string  `json:"album,omitempty"`
	FilePath     string  `json:"filePath"`
	FileSize     int64   `json:"fileSize"`
	DurationSecs float64 `json:"durationSecs,omitempty"`
	Codec        string  `json:"codec,omitempty"`
	BitrateKbps  int     `json:"bitrateKbps,omitempty"`
	ExternalRef  string  `json:"externalRef,omitempty"`
	CreatedAt    string  `json:"createdAt,omitempty"`
}

// FromEntry converts a library entry into its API view.
func FromEntry(entry *library.Entry) EntryView {
	return EntryView{
		ID:           entry.ID,
		JobID:        entry.JobID,
		Title:        entry.Title,
		Artist:       entry.Artist,
		Album:        entry.Album,
		FilePath:     entry.FilePath,
		FileSize:     entry.FileSize,
		DurationSecs: entry.DurationSecs,
		Codec:        entry.Codec,
		BitrateKbps:  entry.BitrateKbps,
		ExternalRef:  entry.ExternalRef,
		CreatedAt:    formatTime(entry.CreatedAt),
	}
}

// FromEntries converts an entry slice, preserving order.
func FromEntries(entries []*library.Entry) []EntryView {
	views := make([]EntryView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, FromEntry(entry))
	}
	return views
}

// JobListResponse wraps a collection of jobs for API responses.
type JobListResponse struct {
	Jobs []JobView `json:"jobs"`
}

// EntryListResponse wraps a collection of library entries for API responses.
type EntryListResponse struct {
	Entries []EntryView `json:"entries"`
}

// QueueStatsResponse provides a normalized queue stats payload.
type QueueStatsResponse struct {
	Counts queue.Counts `json:"counts"`
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(dateTimeFormat)
}
