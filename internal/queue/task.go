package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

// Possible task status values.
const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// Task type and priority constants.
const (
	// TaskTypeRollback is the reserved task type that compensates a
	// permanently failed task. Rollback tasks never carry a rollback
	// payload of their own, which caps the rollback chain at depth one.
	TaskTypeRollback = "rollback_operation"

	// RollbackPriority is the priority assigned to rollback tasks so they
	// are claimed ahead of regular work.
	RollbackPriority = 1

	// MinPriority and MaxPriority bound the accepted priority range.
	// Lower values are served first.
	MinPriority = 1
	MaxPriority = 10

	// DefaultPriority is used when the caller does not specify one.
	DefaultPriority = 5

	// DefaultMaxRetries bounds automatic re-scheduling when the caller
	// does not specify a retry budget.
	DefaultMaxRetries = 3
)

// Backoff constants for retry scheduling.
const (
	retryBaseDelay = 30 * time.Second
	retryMaxDelay  = 300 * time.Second
)

// Task is a persistent unit of deferred, retryable work. All mutations go
// through the TaskStore; the struct itself carries no synchronization.
type Task struct {
	ID              uuid.UUID       `json:"task_id"`
	Type            string          `json:"task_type"`
	Status          TaskStatus      `json:"status"`
	Priority        int             `json:"priority"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	RollbackPayload json.RawMessage `json:"rollback_payload,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	RetryCount      int             `json:"retry_count"`
	MaxRetries      int             `json:"max_retries"`
	Progress        float64         `json:"progress"`
	NeedsRollback   bool            `json:"needs_rollback"`

	// LockedBy and LockedAt form the soft lock used for orphan recovery.
	// They are advisory and independent of any row-level lock held during
	// the claim transaction itself.
	LockedBy string     `json:"locked_by,omitempty"`
	LockedAt *time.Time `json:"locked_at,omitempty"`

	ScheduledAt time.Time  `json:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// NewTask builds a pending task ready for insertion.
func NewTask(taskType string, payload json.RawMessage, priority, maxRetries int, rollbackPayload json.RawMessage) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:              uuid.New(),
		Type:            taskType,
		Status:          TaskStatusPending,
		Priority:        priority,
		Payload:         payload,
		RollbackPayload: rollbackPayload,
		MaxRetries:      maxRetries,
		ScheduledAt:     now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// CanRetry reports whether the task still has retry budget left.
func (t *Task) CanRetry() bool {
	return t.RetryCount < t.MaxRetries
}

// IsTerminal reports whether the task has reached a final state.
func (t *Task) IsTerminal() bool {
	switch t.Status {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Unlock clears the soft lock fields.
func (t *Task) Unlock() {
	t.LockedBy = ""
	t.LockedAt = nil
}

// RetryDelay returns the backoff delay for the given retry attempt:
// min(30 * 2^attempt, 300) seconds. Successive delays are non-decreasing
// and capped, so a task never waits more than five minutes between tries.
func RetryDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// 2^attempt saturates well before overflow for any sane retry budget,
	// but guard the shift anyway.
	if attempt > 30 {
		return retryMaxDelay
	}
	d := retryBaseDelay * time.Duration(1<<uint(attempt))
	if d > retryMaxDelay {
		return retryMaxDelay
	}
	return d
}
