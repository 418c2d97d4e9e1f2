package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/datakiln/internal/lifecycle"
)

// StaleTasks returns tasks that have sat in CREATED, UPLOADING or
// UPLOAD_FAILED since before the cutoff. The clock runs from the
// upload window's start, not task creation: a task that entered
// UPLOADING recently still has its full window even if it idled in
// CREATED first. These are candidates for expiry by the sweeper.
func (s *Store) StaleTasks(ctx context.Context, cutoff time.Time, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status IN (?, ?, ?) AND COALESCE(upload_started_at, created_at) < ?
		ORDER BY COALESCE(upload_started_at, created_at) ASC
		LIMIT ?;
	`, lifecycle.StatusCreated, lifecycle.StatusUploading, lifecycle.StatusUploadFailed, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query stale tasks: %w", err)
	}
	return collectTasks(rows)
}

// StuckProcessing returns PROCESSING tasks whose run started before the
// cutoff. These have exceeded the processing deadline and are failed by
// the sweeper.
func (s *Store) StuckProcessing(ctx context.Context, cutoff time.Time, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND processing_started_at IS NOT NULL AND processing_started_at < ?
		ORDER BY processing_started_at ASC
		LIMIT ?;
	`, lifecycle.StatusProcessing, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query stuck processing: %w", err)
	}
	return collectTasks(rows)
}

// InputCleanupCandidates returns COMPLETED tasks whose input blobs have
// outlived the input retention window and have not been reclaimed yet.
// Outputs keep their own, longer clock.
func (s *Store) InputCleanupCandidates(ctx context.Context, cutoff time.Time, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE inputs_cleaned = 0 AND status = ? AND completed_at < ?
		ORDER BY completed_at ASC
		LIMIT ?;
	`, lifecycle.StatusCompleted, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query input cleanup candidates: %w", err)
	}
	return collectTasks(rows)
}

// FailedCleanupCandidates returns FAILED, CANCELLED and EXPIRED tasks
// whose storage has outlived the failed-task retention window. These
// never produced durable outputs, so the whole prefix is reclaimable.
func (s *Store) FailedCleanupCandidates(ctx context.Context, cutoff time.Time, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE inputs_cleaned = 0
		  AND status IN (?, ?, ?)
		  AND COALESCE(failed_at, cancelled_at, expired_at) < ?
		ORDER BY updated_at ASC
		LIMIT ?;
	`, lifecycle.StatusFailed, lifecycle.StatusCancelled, lifecycle.StatusExpired, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query failed cleanup candidates: %w", err)
	}
	return collectTasks(rows)
}

// OutputCleanupCandidates returns COMPLETED tasks whose output blobs
// have outlived the retention window and have not been reclaimed yet.
func (s *Store) OutputCleanupCandidates(ctx context.Context, cutoff time.Time, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE outputs_cleaned = 0 AND status = ? AND completed_at < ?
		ORDER BY completed_at ASC
		LIMIT ?;
	`, lifecycle.StatusCompleted, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query output cleanup candidates: %w", err)
	}
	return collectTasks(rows)
}

// MarkInputsCleaned records that a task's input prefix was deleted.
func (s *Store) MarkInputsCleaned(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET inputs_cleaned = 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, taskID)
	if err != nil {
		return fmt.Errorf("mark inputs cleaned: %w", err)
	}
	return nil
}

// MarkOutputsCleaned records that a task's output prefix was deleted.
func (s *Store) MarkOutputsCleaned(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET outputs_cleaned = 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, taskID)
	if err != nil {
		return fmt.Errorf("mark outputs cleaned: %w", err)
	}
	return nil
}

// RecoverInterrupted fails any task left in PROCESSING by a previous
// process. Called once at startup before the runner accepts work.
func (s *Store) RecoverInterrupted(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM tasks WHERE status = ?;`, lifecycle.StatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("query interrupted tasks: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan interrupted task: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("interrupted task rows: %w", err)
	}

	recovered := 0
	for _, id := range ids {
		_, err := s.Transition(ctx, id, lifecycle.StatusProcessing, lifecycle.StatusFailed, TransitionUpdate{
			ErrorCode:    lifecycle.CodeInternalError,
			ErrorMessage: "process restarted while task was processing",
			EventType:    "task.recovered",
		})
		if err != nil {
			return recovered, fmt.Errorf("recover task %s: %w", id, err)
		}
		recovered++
	}
	return recovered, nil
}

// PurgeTaskEvents deletes events of tasks that no longer exist plus any
// events older than the cutoff. Returns rows removed.
func (s *Store) PurgeTaskEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM task_events
		WHERE created_at < ? AND task_id NOT IN (SELECT id FROM tasks);
	`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge task events: %w", err)
	}
	return res.RowsAffected()
}

// PurgeAuditLog deletes audit rows older than the cutoff.
func (s *Store) PurgeAuditLog(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge audit log: %w", err)
	}
	return res.RowsAffected()
}

// CountByStatus returns the number of tasks in each status.
func (s *Store) CountByStatus(ctx context.Context) (map[lifecycle.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM tasks GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	out := make(map[lifecycle.Status]int)
	for rows.Next() {
		var st lifecycle.Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		out[st] = n
	}
	return out, rows.Err()
}
