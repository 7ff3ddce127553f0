package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/registrarlab/registrar-api/internal/queue"
	"github.com/registrarlab/registrar-api/internal/store"
)

// taskColumns is the scan order shared by every task query in this store.
const taskColumns = `id, task_type, status, priority, payload, result,
	rollback_payload, error_message, retry_count, max_retries, progress,
	needs_rollback, locked_by, locked_at, scheduled_at, started_at,
	completed_at, created_at, updated_at`

// TaskStore implements queue.TaskStore on PostgreSQL. Claims run in a short
// transaction with FOR UPDATE SKIP LOCKED so concurrent workers never block
// on or double-claim the same row.
type TaskStore struct {
	db *sql.DB
}

// NewTaskStore creates a TaskStore. The connection is initialized and
// managed by the caller.
func NewTaskStore(db *sql.DB) *TaskStore {
	return &TaskStore{db: db}
}

// Ensure TaskStore implements the queue.TaskStore interface.
var _ queue.TaskStore = (*TaskStore)(nil)

// CreateTask inserts a new task record.
func (s *TaskStore) CreateTask(ctx context.Context, t *queue.Task) error {
	query := `
		INSERT INTO tasks (id, task_type, status, priority, payload, result,
			rollback_payload, error_message, retry_count, max_retries, progress,
			needs_rollback, locked_by, locked_at, scheduled_at, started_at,
			completed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`
	_, err := s.db.ExecContext(ctx, query,
		t.ID, t.Type, t.Status, t.Priority,
		nullableJSON(t.Payload), nullableJSON(t.Result), nullableJSON(t.RollbackPayload),
		nullableString(t.ErrorMessage), t.RetryCount, t.MaxRetries, t.Progress,
		t.NeedsRollback, nullableString(t.LockedBy), t.LockedAt,
		t.ScheduledAt, t.StartedAt, t.CompletedAt, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", MapError(err))
	}
	return nil
}

// GetTask returns the task by id, or store.ErrTaskNotFound.
func (s *TaskStore) GetTask(ctx context.Context, id uuid.UUID) (*queue.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`

	t, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", MapError(err))
	}
	return t, nil
}

// UpdateTask persists the full mutable state of the task.
func (s *TaskStore) UpdateTask(ctx context.Context, t *queue.Task) error {
	t.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE tasks
		SET status = $2, priority = $3, payload = $4, result = $5,
			rollback_payload = $6, error_message = $7, retry_count = $8,
			max_retries = $9, progress = $10, needs_rollback = $11,
			locked_by = $12, locked_at = $13, scheduled_at = $14,
			started_at = $15, completed_at = $16, updated_at = $17
		WHERE id = $1
	`
	result, err := s.db.ExecContext(ctx, query,
		t.ID, t.Status, t.Priority,
		nullableJSON(t.Payload), nullableJSON(t.Result), nullableJSON(t.RollbackPayload),
		nullableString(t.ErrorMessage), t.RetryCount, t.MaxRetries, t.Progress,
		t.NeedsRollback, nullableString(t.LockedBy), t.LockedAt,
		t.ScheduledAt, t.StartedAt, t.CompletedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", MapError(err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrTaskNotFound
	}
	return nil
}

// ClaimNextTask atomically claims the next eligible task: the lowest
// priority, oldest-scheduled row that is pending and due, or processing with
// an expired soft lock. SKIP LOCKED keeps concurrent claimers from queueing
// behind each other's row locks.
func (s *TaskStore) ClaimNextTask(ctx context.Context, workerID string, lockTimeout time.Duration) (*queue.Task, error) {
	now := time.Now().UTC()
	lockExpiry := now.Add(-lockTimeout)

	var t *queue.Task
	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		claimed, err := selectClaimable(ctx, tx, now, lockExpiry)
		if err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return fmt.Errorf("failed to select claimable task: %w", MapError(err))
		}

		if err := markClaimed(ctx, tx, claimed.ID, workerID, now); err != nil {
			return fmt.Errorf("failed to lock task: %w", MapError(err))
		}
		t = claimed
		return nil
	})
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, nil
	}

	t.Status = queue.TaskStatusProcessing
	t.LockedBy = workerID
	t.LockedAt = &now
	t.StartedAt = &now
	t.UpdatedAt = now
	return t, nil
}

// selectClaimable locks the next eligible row. q is the claim transaction.
func selectClaimable(ctx context.Context, q store.DBTX, now, lockExpiry time.Time) (*queue.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE (status = 'pending' AND scheduled_at <= $1)
		   OR (status = 'processing' AND locked_at IS NOT NULL AND locked_at < $2)
		ORDER BY priority ASC, scheduled_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`
	return scanTask(q.QueryRowContext(ctx, query, now, lockExpiry))
}

// markClaimed transitions the selected row to processing under the worker's
// soft lock. Runs inside the same transaction that holds the row lock.
func markClaimed(ctx context.Context, q store.DBTX, id uuid.UUID, workerID string, now time.Time) error {
	query := `
		UPDATE tasks
		SET status = 'processing', locked_by = $2, locked_at = $3,
			started_at = $3, updated_at = $3
		WHERE id = $1
	`
	_, err := q.ExecContext(ctx, query, id, workerID, now)
	return err
}

// CancelTask moves a pending or processing task to cancelled. The status
// guard in the WHERE clause makes the transition atomic; a task that already
// reached a terminal state is left alone.
func (s *TaskStore) CancelTask(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE tasks
		SET status = 'cancelled', completed_at = $2, locked_by = NULL,
			locked_at = NULL, updated_at = $2
		WHERE id = $1 AND status IN ('pending', 'processing')
	`
	return s.guardedUpdate(ctx, query, id)
}

// RetryTask resets a failed task to pending. The retry count is preserved,
// so a task that already spent its budget gets exactly one more attempt.
func (s *TaskStore) RetryTask(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE tasks
		SET status = 'pending', error_message = NULL, locked_by = NULL,
			locked_at = NULL, started_at = NULL, completed_at = NULL,
			scheduled_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'failed'
	`
	return s.guardedUpdate(ctx, query, id)
}

// guardedUpdate runs a status-guarded single-row update, reporting whether
// the guard matched.
func (s *TaskStore) guardedUpdate(ctx context.Context, query string, id uuid.UUID) (bool, error) {
	result, err := s.db.ExecContext(ctx, query, id, time.Now().UTC())
	if err != nil {
		return false, MapError(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// DeleteTask removes the task row.
func (s *TaskStore) DeleteTask(ctx context.Context, id uuid.UUID) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return false, MapError(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// DeleteAllTasks removes every task and returns the count removed.
func (s *TaskStore) DeleteAllTasks(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks`)
	if err != nil {
		return 0, MapError(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

// DeleteOldTasks removes completed and cancelled tasks finished before the
// cutoff.
func (s *TaskStore) DeleteOldTasks(ctx context.Context, cutoff time.Time) (int, error) {
	query := `
		DELETE FROM tasks
		WHERE status IN ('completed', 'cancelled') AND completed_at < $1
	`
	result, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, MapError(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

// ResetOrphanedTasks returns processing tasks with an expired soft lock to
// the pending pool.
func (s *TaskStore) ResetOrphanedTasks(ctx context.Context, olderThan time.Duration) (int, error) {
	now := time.Now().UTC()
	query := `
		UPDATE tasks
		SET status = 'pending', locked_by = NULL, locked_at = NULL,
			started_at = NULL, updated_at = $2
		WHERE status = 'processing' AND locked_at IS NOT NULL AND locked_at < $1
	`
	result, err := s.db.ExecContext(ctx, query, now.Add(-olderThan), now)
	if err != nil {
		return 0, MapError(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

// CountByStatus returns task counts per status.
func (s *TaskStore) CountByStatus(ctx context.Context) (map[queue.TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	counts := map[queue.TaskStatus]int{
		queue.TaskStatusPending:    0,
		queue.TaskStatusProcessing: 0,
		queue.TaskStatusCompleted:  0,
		queue.TaskStatusFailed:     0,
		queue.TaskStatusCancelled:  0,
	}
	for rows.Next() {
		var status queue.TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating status counts: %w", err)
	}
	return counts, nil
}

// CountPending returns the number of pending tasks.
func (s *TaskStore) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE status = 'pending'`).Scan(&n)
	if err != nil {
		return 0, MapError(err)
	}
	return n, nil
}

// ListTasks returns tasks matching the filter, ordered by priority ascending
// then scheduled_at descending.
func (s *TaskStore) ListTasks(ctx context.Context, filter queue.ListFilter) ([]*queue.Task, error) {
	var conditions []string
	var args []any

	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		conditions = append(conditions, fmt.Sprintf("task_type = $%d", len(args)))
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY priority ASC, scheduled_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*queue.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task rows: %w", err)
	}
	return tasks, nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanTask reads one task row in taskColumns order.
func scanTask(row rowScanner) (*queue.Task, error) {
	var t queue.Task
	var payload, result, rollbackPayload []byte
	var errorMessage, lockedBy sql.NullString
	var lockedAt, startedAt, completedAt sql.NullTime

	err := row.Scan(
		&t.ID, &t.Type, &t.Status, &t.Priority, &payload, &result,
		&rollbackPayload, &errorMessage, &t.RetryCount, &t.MaxRetries,
		&t.Progress, &t.NeedsRollback, &lockedBy, &lockedAt,
		&t.ScheduledAt, &startedAt, &completedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Payload = payload
	t.Result = result
	t.RollbackPayload = rollbackPayload
	t.ErrorMessage = errorMessage.String
	t.LockedBy = lockedBy.String
	if lockedAt.Valid {
		v := lockedAt.Time
		t.LockedAt = &v
	}
	if startedAt.Valid {
		v := startedAt.Time
		t.StartedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time
		t.CompletedAt = &v
	}
	return &t, nil
}

// nullableJSON maps an empty raw message to NULL so jsonb columns stay NULL
// instead of holding empty strings Postgres would reject.
func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

// nullableString maps "" to NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
