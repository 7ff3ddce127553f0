package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ListFilter narrows ListTasks results. Zero values mean "no filter".
type ListFilter struct {
	Status TaskStatus
	Type   string
	Offset int
	Limit  int
}

// TaskStore defines the persistence contract for tasks. Implementations must
// make ClaimNextTask atomic: two concurrent claims never return the same task.
type TaskStore interface {
	// CreateTask inserts a new task record.
	CreateTask(ctx context.Context, task *Task) error

	// GetTask returns the task by id, or store.ErrTaskNotFound.
	GetTask(ctx context.Context, id uuid.UUID) (*Task, error)

	// UpdateTask persists the full mutable state of the task.
	UpdateTask(ctx context.Context, task *Task) error

	// ClaimNextTask atomically selects the lowest-priority, oldest-scheduled
	// task that is claimable — pending and due, or processing with a soft
	// lock older than lockTimeout — and transitions it to processing, locked
	// by workerID. Returns (nil, nil) when no task is eligible. A claim
	// attempt must never block behind another worker's in-flight claim
	// (skip-locked semantics).
	ClaimNextTask(ctx context.Context, workerID string, lockTimeout time.Duration) (*Task, error)

	// CancelTask moves a pending or processing task to cancelled, clearing
	// its lock. Returns false when the task is missing or already terminal.
	CancelTask(ctx context.Context, id uuid.UUID) (bool, error)

	// RetryTask resets a failed task to pending, clearing error, lock and
	// lifecycle timestamps. The retry count is preserved: a task that
	// already exhausted its budget gets exactly one more attempt before
	// failing terminally again. Returns false unless the task is failed.
	RetryTask(ctx context.Context, id uuid.UUID) (bool, error)

	// DeleteTask removes the task. Returns false when it does not exist.
	DeleteTask(ctx context.Context, id uuid.UUID) (bool, error)

	// DeleteAllTasks removes every task and returns the count removed.
	DeleteAllTasks(ctx context.Context) (int, error)

	// DeleteOldTasks removes completed and cancelled tasks finished before
	// the cutoff and returns the count removed.
	DeleteOldTasks(ctx context.Context, cutoff time.Time) (int, error)

	// ResetOrphanedTasks moves processing tasks whose soft lock is older
	// than olderThan back to pending, clearing lock and start time.
	// Returns the number of tasks reset.
	ResetOrphanedTasks(ctx context.Context, olderThan time.Duration) (int, error)

	// CountByStatus returns the number of tasks in each status.
	CountByStatus(ctx context.Context) (map[TaskStatus]int, error)

	// CountPending returns the number of pending tasks.
	CountPending(ctx context.Context) (int, error)

	// ListTasks returns tasks matching the filter, ordered by priority
	// ascending then scheduled_at descending.
	ListTasks(ctx context.Context, filter ListFilter) ([]*Task, error)
}
