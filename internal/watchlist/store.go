// Package watchlist tracks the desired contents of watched playlists and
// feeds pending tracks into the job ledger. Track status mirrors job terminal
// states and is maintained by the download pipeline's completion hook.
package watchlist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TrackStatus is the lifecycle of one desired playlist track.
type TrackStatus string

const (
	TrackPending    TrackStatus = "pending"
	TrackQueued     TrackStatus = "queued"
	TrackDownloaded TrackStatus = "downloaded"
	TrackFailed     TrackStatus = "failed"
)

// Playlist is one watched playlist.
type Playlist struct {
	ID        int64
	URL       string
	Name      string
	CreatedAt time.Time
	CheckedAt *time.Time
}

// Track is one desired track inside a watched playlist.
type Track struct {
	ID          int64
	PlaylistID  int64
	Artist      string
	Title       string
	ExternalRef string
	OriginURL   string
	Status      TrackStatus
	UpdatedAt   time.Time
}

// Store wraps the shared crate database for watchlist access.
type Store struct {
	db *sql.DB
}

// NewStore builds a watchlist store over the shared database connection.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// AddPlaylist registers a playlist URL to watch. Re-adding an existing URL
// returns the existing row.
func (s *Store) AddPlaylist(ctx context.Context, url, name string) (*Playlist, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("playlist url is required")
	}
	timestamp := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO watched_playlists (url, name, created_at) VALUES (?, ?, ?)
         ON CONFLICT (url) DO UPDATE SET name = excluded.name`,
		url,
		nullableString(name),
		timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert watched playlist: %w", err)
	}
	return s.PlaylistByURL(ctx, url)
}

// PlaylistByURL fetches a playlist by URL. Missing playlists return (nil, nil).
func (s *Store) PlaylistByURL(ctx context.Context, url string) (*Playlist, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, url, name, created_at, checked_at FROM watched_playlists WHERE url = ?`,
		url,
	)
	playlist, err := scanPlaylist(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get watched playlist: %w", err)
	}
	return playlist, nil
}

// Playlists returns all watched playlists.
func (s *Store) Playlists(ctx context.Context) ([]*Playlist, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, url, name, created_at, checked_at FROM watched_playlists ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list watched playlists: %w", err)
	}
	defer rows.Close()

	var playlists []*Playlist
	for rows.Next() {
		playlist, err := scanPlaylist(rows)
		if err != nil {
			return nil, err
		}
		playlists = append(playlists, playlist)
	}
	return playlists, rows.Err()
}

// RemovePlaylist deletes a playlist and, via the schema cascade, its tracks.
func (s *Store) RemovePlaylist(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM watched_playlists WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete watched playlist: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// MarkChecked records when a playlist was last refreshed.
func (s *Store) MarkChecked(ctx context.Context, id int64) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := s.db.ExecContext(ctx, `UPDATE watched_playlists SET checked_at = ? WHERE id = ?`, now, id); err != nil {
		return fmt.Errorf("mark playlist checked: %w", err)
	}
	return nil
}

// UpsertTrack records a desired track, keeping the existing status when the
// track is already known.
func (s *Store) UpsertTrack(ctx context.Context, playlistID int64, artist, title, externalRef, originURL string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO watched_tracks (playlist_id, artist, title, external_ref, origin_url, status, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT (playlist_id, artist, title) DO UPDATE SET
             external_ref = excluded.external_ref,
             origin_url = excluded.origin_url`,
		playlistID,
		artist,
		title,
		nullableString(externalRef),
		nullableString(originURL),
		TrackPending,
		now,
	)
	if err != nil {
		return fmt.Errorf("upsert watched track: %w", err)
	}
	return nil
}

// TracksByStatus returns tracks in the given status across all playlists.
func (s *Store) TracksByStatus(ctx context.Context, status TrackStatus) ([]*Track, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, playlist_id, artist, title, external_ref, origin_url, status, updated_at
         FROM watched_tracks WHERE status = ? ORDER BY id`,
		status,
	)
	if err != nil {
		return nil, fmt.Errorf("list watched tracks: %w", err)
	}
	defer rows.Close()

	var tracks []*Track
	for rows.Next() {
		track, err := scanTrack(rows)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, track)
	}
	return tracks, rows.Err()
}

// SetTrackStatus updates one track's status.
func (s *Store) SetTrackStatus(ctx context.Context, id int64, status TrackStatus) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := s.db.ExecContext(
		ctx,
		`UPDATE watched_tracks SET status = ?, updated_at = ? WHERE id = ?`,
		status,
		now,
		id,
	); err != nil {
		return fmt.Errorf("set track status: %w", err)
	}
	return nil
}

// SetStatusByExternalRef updates every track sharing an external reference.
// The download pipeline calls this when a job reaches a terminal state.
func (s *Store) SetStatusByExternalRef(ctx context.Context, externalRef string, status TrackStatus) (int64, error) {
	if externalRef == "" {
		return 0, nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE watched_tracks SET status = ?, updated_at = ? WHERE external_ref = ?`,
		status,
		now,
		externalRef,
	)
	if err != nil {
		return 0, fmt.Errorf("set track status by external ref: %w", err)
	}
	return res.RowsAffected()
}

// RemoveByExternalRef deletes tracks sharing an external reference. Library
// cascade deletion uses this to drop stale rows.
func (s *Store) RemoveByExternalRef(ctx context.Context, externalRef string) (int64, error) {
	if externalRef == "" {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM watched_tracks WHERE external_ref = ?`, externalRef)
	if err != nil {
		return 0, fmt.Errorf("delete watched tracks: %w", err)
	}
	return res.RowsAffected()
}

// DownloadedTracks returns tracks claiming downloaded status.
func (s *Store) DownloadedTracks(ctx context.Context) ([]*Track, error) {
	return s.TracksByStatus(ctx, TrackDownloaded)
}

func scanPlaylist(scanner interface{ Scan(dest ...any) error }) (*Playlist, error) {
	var (
		id         int64
		url        string
		name       sql.NullString
		createdRaw sql.NullString
		checkedRaw sql.NullString
	)
	if err := scanner.Scan(&id, &url, &name, &createdRaw, &checkedRaw); err != nil {
		return nil, err
	}
	playlist := &Playlist{ID: id, URL: url, Name: name.String}
	if created, err := time.Parse(time.RFC3339Nano, createdRaw.String); err == nil {
		playlist.CreatedAt = created
	}
	if checkedRaw.Valid {
		if checked, err := time.Parse(time.RFC3339Nano, checkedRaw.String); err == nil {
			playlist.CheckedAt = &checked
		}
	}
	return playlist, nil
}

func scanTrack(scanner interface{ Scan(dest ...any) error }) (*Track, error) {
	var (
		id          int64
		playlistID  int64
		artist      string
		title       string
		externalRef sql.NullString
		originURL   sql.NullString
		status      string
		updatedRaw  sql.NullString
	)
	if err := scanner.Scan(&id, &playlistID, &artist, &title, &externalRef, &originURL, &status, &updatedRaw); err != nil {
		return nil, err
	}
	track := &Track{
		ID:          id,
		PlaylistID:  playlistID,
		Artist:      artist,
		Title:       title,
		ExternalRef: externalRef.String,
		OriginURL:   originURL.String,
		Status:      TrackStatus(status),
	}
	if updated, err := time.Parse(time.RFC3339Nano, updatedRaw.String); err == nil {
		track.UpdatedAt = updated
	}
	return track, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
