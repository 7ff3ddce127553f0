package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Queue lifecycle event types published to external observers.
const (
	EventTaskCreated   = "task_created"
	EventTaskStarted   = "task_started"
	EventTaskCompleted = "task_completed"
	EventTaskFailed    = "task_failed"
	EventTaskCancelled = "task_cancelled"
	EventTaskRetried   = "task_retried"
)

// Event is a queue lifecycle notification. Delivery is best-effort:
// the engine logs publish failures and carries on, a lost event never
// affects the task itself.
type Event struct {
	ID        uuid.UUID      `json:"event_id"`
	Type      string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	TaskID    string         `json:"task_id,omitempty"`
	TaskType  string         `json:"task_type,omitempty"`
	WorkerID  string         `json:"worker_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent builds an event with a fresh id and timestamp.
func NewEvent(eventType string, task *Task, workerID string, data map[string]any) Event {
	ev := Event{
		ID:        uuid.New(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		WorkerID:  workerID,
		Data:      data,
	}
	if task != nil {
		ev.TaskID = task.ID.String()
		ev.TaskType = task.Type
	}
	return ev
}

// EventPublisher fans queue events out to external observers.
type EventPublisher interface {
	// Publish sends one event. Implementations should be fast; the engine
	// treats any returned error as log-and-continue.
	Publish(ctx context.Context, event Event) error

	// RegisterWorkerHeartbeat records that a worker is alive and which task
	// it is executing. An empty taskID means the worker is idle.
	RegisterWorkerHeartbeat(ctx context.Context, workerID, taskID string) error
}

// NopPublisher discards all events. Used when no event transport is
// configured and as the default in tests.
type NopPublisher struct{}

// Publish discards the event.
func (NopPublisher) Publish(ctx context.Context, event Event) error { return nil }

// RegisterWorkerHeartbeat discards the heartbeat.
func (NopPublisher) RegisterWorkerHeartbeat(ctx context.Context, workerID, taskID string) error {
	return nil
}
