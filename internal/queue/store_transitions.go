package queue

import (
	"context"
	"fmt"
	"time"
)

// ResetStuckProcessing fails every processing job. It runs at daemon startup,
// before any worker exists: a processing row at that point belonged to a
// previous run and no claim will ever resolve it. Failed is the legal terminal
// for an interrupted run and keeps the job retryable.
func (s *Store) ResetStuckProcessing(ctx context.Context) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs
         SET status = ?, error_message = ?, completed_at = ?, updated_at = ?
         WHERE status = ?`,
		StatusFailed,
		"interrupted by daemon restart; retry to download again",
		now,
		now,
		StatusProcessing,
	)
	if err != nil {
		return 0, fmt.Errorf("reset stuck jobs: %w", err)
	}
	return res.RowsAffected()
}
