// Package library maintains the durable index of archived tracks, derived
// from completed jobs. Entries point at files under the library root; a
// missing file is expected transient drift that reconciliation repairs.
package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrNotFound indicates the requested library entry does not exist.
var ErrNotFound = errors.New("library entry not found")

// Entry is one archived, playable track.
type Entry struct {
	ID           int64
	JobID        *int64
	Title        string
	Artist       string
	Album        string
	FilePath     string
	FileSize     int64
	DurationSecs float64
	Codec        string
	BitrateKbps  int
	ExternalRef  string
	CreatedAt    time.Time
}

// Store wraps the shared crate database for library entry access.
type Store struct {
	db *sql.DB
}

// NewStore builds a library store over the shared database connection.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const entryColumns = "id, job_id, title, artist, album, file_path, file_size, duration_secs, codec, bitrate_kbps, external_ref, created_at"

// Add inserts an entry for a successfully archived track. The file size is
// read from disk at insert time rather than trusted from upstream.
func (s *Store) Add(ctx context.Context, entry Entry) (*Entry, error) {
	if entry.FilePath == "" {
		return nil, errors.New("library entry requires a file path")
	}
	if info, err := os.Stat(entry.FilePath); err == nil && info.Mode().IsRegular() {
		entry.FileSize = info.Size()
	}
	timestamp := time.Now().UTC().Format(time.RFC3339Nano)

	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO library_entries (
            job_id, title, artist, album, file_path, file_size,
            duration_secs, codec, bitrate_kbps, external_ref, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullableInt64(entry.JobID),
		entry.Title,
		entry.Artist,
		nullableString(entry.Album),
		entry.FilePath,
		entry.FileSize,
		entry.DurationSecs,
		nullableString(entry.Codec),
		entry.BitrateKbps,
		nullableString(entry.ExternalRef),
		timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert library entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(ctx, id)
}

// GetByID fetches an entry by identifier. Missing entries return (nil, nil).
func (s *Store) GetByID(ctx context.Context, id int64) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM library_entries WHERE id = ?`, id)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get library entry: %w", err)
	}
	return entry, nil
}

// FindByExternalRef returns the newest entry matching an external reference.
func (s *Store) FindByExternalRef(ctx context.Context, externalRef string) (*Entry, error) {
	if externalRef == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+entryColumns+` FROM library_entries WHERE external_ref = ? ORDER BY id DESC LIMIT 1`,
		externalRef,
	)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find library entry: %w", err)
	}
	return entry, nil
}

// List returns all entries ordered by artist then title.
func (s *Store) List(ctx context.Context) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM library_entries ORDER BY artist, title, id`)
	if err != nil {
		return nil, fmt.Errorf("list library entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Remove deletes the entry row only. Reconciliation uses this to drop entries
// whose file is confirmed missing; it never touches the filesystem.
func (s *Store) Remove(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM library_entries WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete library entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

func scanEntry(scanner interface{ Scan(dest ...any) error }) (*Entry, error) {
	var (
		id          int64
		jobID       sql.NullInt64
		title       string
		artist      string
		album       sql.NullString
		filePath    string
		fileSize    sql.NullInt64
		duration    sql.NullFloat64
		codec       sql.NullString
		bitrate     sql.NullInt64
		externalRef sql.NullString
		createdRaw  sql.NullString
	)
	if err := scanner.Scan(
		&id,
		&jobID,
		&title,
		&artist,
		&album,
		&filePath,
		&fileSize,
		&duration,
		&codec,
		&bitrate,
		&externalRef,
		&createdRaw,
	); err != nil {
		return nil, err
	}

	entry := &Entry{
		ID:           id,
		Title:        title,
		Artist:       artist,
		Album:        album.String,
		FilePath:     filePath,
		FileSize:     fileSize.Int64,
		DurationSecs: duration.Float64,
		Codec:        codec.String,
		BitrateKbps:  int(bitrate.Int64),
		ExternalRef:  externalRef.String,
	}
	if jobID.Valid {
		value := jobID.Int64
		entry.JobID = &value
	}
	if created, err := time.Parse(time.RFC3339Nano, createdRaw.String); err == nil {
		entry.CreatedAt = created
	}
	return entry, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableInt64(value *int64) any {
	if value == nil {
		return nil
	}
	return *value
}
