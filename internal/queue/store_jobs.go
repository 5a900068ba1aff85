package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"crate/internal/services"
)

// ErrNotFound indicates the requested job id does not exist.
var ErrNotFound = errors.New("job not found")

// ErrInvalidTransition indicates a state change outside the job state machine.
var ErrInvalidTransition = errors.New("invalid job state transition")

const jobColumns = "id, source, external_ref, title, artist, origin_url, format, status, error_message, file_path, codec, bitrate_kbps, duration_secs, metadata_source, created_at, updated_at, started_at, completed_at"

// Enqueue inserts a new job in state queued. Duplicate suppression is the
// caller's responsibility; see api.QueueService.
func (s *Store) Enqueue(ctx context.Context, spec Spec) (*Job, error) {
	if spec.Title == "" || spec.Artist == "" {
		return nil, fmt.Errorf("%w: title and artist are required", services.ErrValidation)
	}
	if _, ok := ParseSource(string(spec.Source)); !ok {
		return nil, fmt.Errorf("%w: unknown source %q", services.ErrValidation, spec.Source)
	}
	timestamp := time.Now().UTC().Format(time.RFC3339Nano)

	res, err := s.execWithRetry(
		ctx,
		`INSERT INTO jobs (
            source, external_ref, title, artist, origin_url, format,
            status, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(spec.Source),
		nullableString(spec.ExternalRef),
		spec.Title,
		spec.Artist,
		nullableString(spec.OriginURL),
		nullableString(spec.Format),
		StatusQueued,
		timestamp,
		timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(ctx, id)
}

// GetByID fetches a job by identifier. Missing jobs return (nil, nil).
func (s *Store) GetByID(ctx context.Context, id int64) (*Job, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// List returns jobs filtered by status set (or all jobs when no status is
// provided), ordered by creation time.
func (s *Store) List(ctx context.Context, statuses ...Status) ([]*Job, error) {
	ctx = ensureContext(ctx)
	baseQuery := `SELECT ` + jobColumns + ` FROM jobs`
	orderClause := ` ORDER BY created_at, id`

	var (
		rows *sql.Rows
		err  error
	)
	if len(statuses) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(statuses))
		args := make([]any, len(statuses))
		for i, status := range statuses {
			args[i] = status
		}
		rows, err = s.db.QueryContext(ctx, baseQuery+` WHERE status IN (`+placeholders+`)`+orderClause, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// JobsByExternalRef returns jobs sharing an external reference, optionally
// filtered by status, newest first.
func (s *Store) JobsByExternalRef(ctx context.Context, externalRef string, statuses ...Status) ([]*Job, error) {
	if externalRef == "" {
		return nil, nil
	}
	ctx = ensureContext(ctx)
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE external_ref = ?`
	args := []any{externalRef}
	if len(statuses) > 0 {
		query += ` AND status IN (` + makePlaceholders(len(statuses)) + `)`
		for _, status := range statuses {
			args = append(args, status)
		}
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("jobs by external ref: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ClaimNext atomically transitions the oldest queued job to processing and
// returns it. The claim is a single conditional UPDATE so that under
// concurrent callers exactly one wins a given job; everyone else gets
// (nil, nil). Never reimplement this as SELECT-then-UPDATE.
func (s *Store) ClaimNext(ctx context.Context) (*Job, error) {
	ctx = ensureContext(ctx)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	var (
		job     *Job
		scanErr error
	)
	err := retryOnBusy(ctx, func() error {
		row := s.db.QueryRowContext(
			ctx,
			`UPDATE jobs
             SET status = ?, started_at = ?, updated_at = ?
             WHERE id = (
                 SELECT id FROM jobs WHERE status = ? ORDER BY created_at, id LIMIT 1
             ) AND status = ?
             RETURNING `+jobColumns,
			StatusProcessing,
			now,
			now,
			StatusQueued,
			StatusQueued,
		)
		job, scanErr = scanJob(row)
		return scanErr
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next job: %w", err)
	}
	return job, nil
}

// MarkCompleted transitions a processing job to completed with its result
// fields. It reports whether the transition applied; a false return means the
// job was not processing (stale or duplicate completion) and nothing changed.
func (s *Store) MarkCompleted(ctx context.Context, id int64, result Result) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs
         SET status = ?, error_message = NULL, file_path = ?, codec = ?,
             bitrate_kbps = ?, duration_secs = ?, metadata_source = ?,
             completed_at = ?, updated_at = ?
         WHERE id = ? AND status = ?`,
		StatusCompleted,
		nullableString(result.FilePath),
		nullableString(result.Codec),
		result.BitrateKbps,
		result.DurationSecs,
		nullableString(result.MetadataSource),
		now,
		now,
		id,
		StatusProcessing,
	)
	if err != nil {
		return false, fmt.Errorf("mark job completed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected == 1, nil
}

// MarkFailed transitions a processing job to failed with a human-readable
// message. Same idempotence contract as MarkCompleted.
func (s *Store) MarkFailed(ctx context.Context, id int64, message string) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs
         SET status = ?, error_message = ?, completed_at = ?, updated_at = ?
         WHERE id = ? AND status = ?`,
		StatusFailed,
		message,
		now,
		now,
		id,
		StatusProcessing,
	)
	if err != nil {
		return false, fmt.Errorf("mark job failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected == 1, nil
}

// FailCompleted flips a completed job to failed. Reconciliation uses this
// when a completed job's file went missing out of band.
func (s *Store) FailCompleted(ctx context.Context, id int64, message string) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET status = ?, error_message = ?, updated_at = ? WHERE id = ? AND status = ?`,
		StatusFailed,
		message,
		now,
		id,
		StatusCompleted,
	)
	if err != nil {
		return false, fmt.Errorf("fail completed job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected == 1, nil
}

// Retry moves a failed job back to queued, clearing its error and run
// timestamps. Only failed jobs may be retried.
func (s *Store) Retry(ctx context.Context, id int64) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs
         SET status = ?, error_message = NULL, started_at = NULL,
             completed_at = NULL, updated_at = ?
         WHERE id = ? AND status = ?`,
		StatusQueued,
		now,
		id,
		StatusFailed,
	)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}
	job, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return ErrNotFound
	}
	return fmt.Errorf("%w: cannot retry job in state %s", ErrInvalidTransition, job.Status)
}

// Remove deletes a job. Processing jobs cannot be deleted; they run to a
// terminal state first.
func (s *Store) Remove(ctx context.Context, id int64) error {
	res, err := s.execWithRetry(ctx, `DELETE FROM jobs WHERE id = ? AND status != ?`, id, StatusProcessing)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}
	job, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return ErrNotFound
	}
	return fmt.Errorf("%w: cannot delete a processing job", ErrInvalidTransition)
}

// Stats returns a count of jobs grouped by status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), `SELECT status, COUNT(1) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// CountsByState aggregates Stats into the fixed summary shape used by the API.
func (s *Store) CountsByState(ctx context.Context) (Counts, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return Counts{}, err
	}
	counts := Counts{
		Queued:     stats[StatusQueued],
		Processing: stats[StatusProcessing],
		Completed:  stats[StatusCompleted],
		Failed:     stats[StatusFailed],
	}
	counts.Total = counts.Queued + counts.Processing + counts.Completed + counts.Failed
	return counts, nil
}

// ClearTerminal deletes completed and failed jobs created before the cutoff,
// skipping any still referenced by a library entry.
func (s *Store) ClearTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.execWithRetry(
		ctx,
		`DELETE FROM jobs
         WHERE status IN (?, ?) AND created_at < ?
           AND id NOT IN (SELECT job_id FROM library_entries WHERE job_id IS NOT NULL)`,
		StatusCompleted,
		StatusFailed,
		olderThan.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("clear terminal jobs: %w", err)
	}
	return res.RowsAffected()
}

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		id           int64
		source       string
		externalRef  sql.NullString
		title        string
		artist       string
		originURL    sql.NullString
		format       sql.NullString
		statusStr    string
		errorMessage sql.NullString
		filePath     sql.NullString
		codec        sql.NullString
		bitrate      sql.NullInt64
		duration     sql.NullFloat64
		metaSource   sql.NullString
		createdRaw   sql.NullString
		updatedRaw   sql.NullString
		startedRaw   sql.NullString
		completedRaw sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&source,
		&externalRef,
		&title,
		&artist,
		&originURL,
		&format,
		&statusStr,
		&errorMessage,
		&filePath,
		&codec,
		&bitrate,
		&duration,
		&metaSource,
		&createdRaw,
		&updatedRaw,
		&startedRaw,
		&completedRaw,
	); err != nil {
		return nil, err
	}

	job := &Job{
		ID:             id,
		Source:         Source(source),
		ExternalRef:    externalRef.String,
		Title:          title,
		Artist:         artist,
		OriginURL:      originURL.String,
		Format:         format.String,
		Status:         Status(statusStr),
		ErrorMessage:   errorMessage.String,
		FilePath:       filePath.String,
		Codec:          codec.String,
		BitrateKbps:    int(bitrate.Int64),
		DurationSecs:   duration.Float64,
		MetadataSource: metaSource.String,
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		job.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		job.UpdatedAt = updated
	}
	if startedRaw.Valid {
		if started, err := parseTimeString(startedRaw.String); err == nil {
			job.StartedAt = &started
		}
	}
	if completedRaw.Valid {
		if completed, err := parseTimeString(completedRaw.String); err == nil {
			job.CompletedAt = &completed
		}
	}
	return job, nil
}
