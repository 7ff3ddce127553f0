package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EngineConfig holds tunables for the task queue engine.
type EngineConfig struct {
	// WorkerCount determines how many concurrent workers claim tasks.
	WorkerCount int

	// PollInterval bounds how long an idle worker waits for a wake signal
	// before sweeping the store anyway.
	PollInterval time.Duration

	// MonitorInterval is how often the monitor goroutine checks the store
	// for pending work enqueued while all workers were asleep.
	MonitorInterval time.Duration

	// LockTimeout is the soft-lock age after which a processing task is
	// considered orphaned and becomes claimable again.
	LockTimeout time.Duration

	// MaxTasksPerSweep caps how many tasks one worker processes per wake
	// before yielding, so a burst does not monopolize a single worker.
	MaxTasksPerSweep int
}

// DefaultEngineConfig returns an EngineConfig with reasonable defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		WorkerCount:      4,
		PollInterval:     5 * time.Second,
		MonitorInterval:  10 * time.Second,
		LockTimeout:      5 * time.Minute,
		MaxTasksPerSweep: 10,
	}
}

// Stats is a point-in-time snapshot of queue state.
type Stats struct {
	Running        bool               `json:"running"`
	WorkerCount    int                `json:"worker_count"`
	TaskCounts     map[TaskStatus]int `json:"task_counts"`
	TotalTasks     int                `json:"total_tasks"`
	TasksProcessed int64              `json:"tasks_processed"`
	TasksCompleted int64              `json:"tasks_completed"`
	TasksFailed    int64              `json:"tasks_failed"`
	UptimeSeconds  float64            `json:"uptime_seconds"`
}

// Engine claims, executes, retries and rolls back tasks using a fixed pool of
// worker goroutines. It is constructed once at process start and passed by
// reference to callers; Start and Stop bound its lifecycle.
type Engine struct {
	store     TaskStore
	registry  *Registry
	publisher EventPublisher
	cfg       EngineConfig
	logger    *slog.Logger

	// wake is a level-triggered signal: a buffered slot that enqueue, the
	// monitor, and productive workers raise so idle workers sweep the store.
	wake chan struct{}

	mu         sync.Mutex
	running    bool
	startedAt  time.Time
	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup

	tasksProcessed atomic.Int64
	tasksCompleted atomic.Int64
	tasksFailed    atomic.Int64
}

// NewEngine creates an engine. A nil publisher disables event publishing.
func NewEngine(store TaskStore, registry *Registry, publisher EventPublisher, cfg EngineConfig, logger *slog.Logger) *Engine {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = DefaultEngineConfig().WorkerCount
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultEngineConfig().PollInterval
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = DefaultEngineConfig().MonitorInterval
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultEngineConfig().LockTimeout
	}
	if cfg.MaxTasksPerSweep <= 0 {
		cfg.MaxTasksPerSweep = DefaultEngineConfig().MaxTasksPerSweep
	}
	if publisher == nil {
		publisher = NopPublisher{}
	}

	return &Engine{
		store:     store,
		registry:  registry,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.With("component", "queue_engine"),
		wake:      make(chan struct{}, 1),
	}
}

// Start recovers orphaned tasks and launches the worker pool and monitor.
// Calling Start on a running engine is a no-op.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		e.logger.Warn("engine already running, ignoring start")
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.ctx = ctx
	e.cancelFunc = cancel

	// Tasks left processing by a crashed worker become claimable again
	// before any new claims happen.
	recovered, err := e.store.ResetOrphanedTasks(ctx, e.cfg.LockTimeout)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to recover orphaned tasks: %w", err)
	}
	if recovered > 0 {
		e.logger.Info("recovered orphaned tasks", "count", recovered)
	}

	for i := 0; i < e.cfg.WorkerCount; i++ {
		workerID := fmt.Sprintf("worker_%d", i+1)
		e.wg.Add(1)
		go e.runWorker(workerID)
	}

	e.wg.Add(1)
	go e.runMonitor()

	e.running = true
	e.startedAt = time.Now().UTC()
	e.logger.Info("engine started",
		"worker_count", e.cfg.WorkerCount,
		"poll_interval", e.cfg.PollInterval,
		"lock_timeout", e.cfg.LockTimeout)
	return nil
}

// Stop shuts the engine down and waits for workers to finish their current
// task. A task mid-execution runs to completion; it is never interrupted.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancelFunc
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
	e.logger.Info("engine stopped")
}

// Running reports whether the engine has been started and not yet stopped.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Enqueue inserts a pending task and signals workers. The task type is not
// validated against the registry here: an unknown type fails at execution
// time instead of rejecting the call. Rollback tasks are stripped of any
// rollback payload so a failing rollback can never spawn another one.
func (e *Engine) Enqueue(ctx context.Context, taskType string, payload json.RawMessage, priority, maxRetries int, rollbackPayload json.RawMessage) (uuid.UUID, error) {
	if taskType == "" {
		return uuid.Nil, fmt.Errorf("task type is required")
	}
	if priority == 0 {
		priority = DefaultPriority
	}
	if priority < MinPriority || priority > MaxPriority {
		return uuid.Nil, fmt.Errorf("priority %d out of range [%d, %d]", priority, MinPriority, MaxPriority)
	}
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	if taskType == TaskTypeRollback {
		rollbackPayload = nil
	}

	task := NewTask(taskType, payload, priority, maxRetries, rollbackPayload)
	if err := e.store.CreateTask(ctx, task); err != nil {
		return uuid.Nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	e.logger.Info("task enqueued",
		"task_id", task.ID,
		"task_type", taskType,
		"priority", priority)
	e.publish(ctx, NewEvent(EventTaskCreated, task, "", map[string]any{"priority": priority}))
	e.signalWake()

	return task.ID, nil
}

// GetTask returns the full task record for the status contract.
func (e *Engine) GetTask(ctx context.Context, id uuid.UUID) (*Task, error) {
	return e.store.GetTask(ctx, id)
}

// ListTasks returns tasks matching the filter.
func (e *Engine) ListTasks(ctx context.Context, filter ListFilter) ([]*Task, error) {
	return e.store.ListTasks(ctx, filter)
}

// Cancel moves a pending or processing task to cancelled. A task already
// inside a processor is not preempted: its worker's terminal update may land
// after the cancel and wins (last-write-wins, documented behavior).
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	ok, err := e.store.CancelTask(ctx, id)
	if err != nil || !ok {
		return ok, err
	}
	e.logger.Info("task cancelled", "task_id", id)
	e.publish(ctx, Event{
		ID:        uuid.New(),
		Type:      EventTaskCancelled,
		Timestamp: time.Now().UTC(),
		TaskID:    id.String(),
	})
	return true, nil
}

// Retry resets a failed task to pending and wakes the workers.
func (e *Engine) Retry(ctx context.Context, id uuid.UUID) (bool, error) {
	ok, err := e.store.RetryTask(ctx, id)
	if err != nil || !ok {
		return ok, err
	}
	e.logger.Info("task retried manually", "task_id", id)
	e.publish(ctx, Event{
		ID:        uuid.New(),
		Type:      EventTaskRetried,
		Timestamp: time.Now().UTC(),
		TaskID:    id.String(),
	})
	e.signalWake()
	return true, nil
}

// Delete removes a task record regardless of state.
func (e *Engine) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	return e.store.DeleteTask(ctx, id)
}

// DeleteAll removes every task record and returns the count.
func (e *Engine) DeleteAll(ctx context.Context) (int, error) {
	return e.store.DeleteAllTasks(ctx)
}

// CleanupOldTasks removes completed and cancelled tasks older than maxAge.
func (e *Engine) CleanupOldTasks(ctx context.Context, maxAge time.Duration) (int, error) {
	return e.store.DeleteOldTasks(ctx, time.Now().UTC().Add(-maxAge))
}

// Stats returns a snapshot of queue counts and engine counters.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	counts, err := e.store.CountByStatus(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count tasks: %w", err)
	}

	total := 0
	for _, n := range counts {
		total += n
	}

	e.mu.Lock()
	running := e.running
	startedAt := e.startedAt
	e.mu.Unlock()

	var uptime float64
	if running {
		uptime = time.Since(startedAt).Seconds()
	}

	return Stats{
		Running:        running,
		WorkerCount:    e.cfg.WorkerCount,
		TaskCounts:     counts,
		TotalTasks:     total,
		TasksProcessed: e.tasksProcessed.Load(),
		TasksCompleted: e.tasksCompleted.Load(),
		TasksFailed:    e.tasksFailed.Load(),
		UptimeSeconds:  uptime,
	}, nil
}

// signalWake raises the wake signal without blocking. The single buffered
// slot makes repeated signals collapse into one sweep.
func (e *Engine) signalWake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// runWorker is the per-worker loop: wait for a wake signal (bounded by the
// poll interval), then claim and execute tasks up to the sweep cap. After a
// productive sweep the worker re-raises the signal so idle siblings sweep too.
func (e *Engine) runWorker(workerID string) {
	defer e.wg.Done()

	logger := e.logger.With("worker_id", workerID)
	logger.Debug("worker started")

	for {
		select {
		case <-e.ctx.Done():
			logger.Debug("worker stopping")
			return
		case <-e.wake:
		case <-time.After(e.cfg.PollInterval):
		}

		processed := 0
		for processed < e.cfg.MaxTasksPerSweep {
			if e.ctx.Err() != nil {
				return
			}
			if !e.processNextTask(workerID) {
				break
			}
			processed++
		}

		if processed > 0 {
			logger.Debug("sweep finished", "tasks_processed", processed)
			e.signalWake()
		}
	}
}

// runMonitor periodically checks for pending work and wakes the workers.
// This covers tasks that became due (retry backoff) or were enqueued by
// another process while every local worker was asleep.
func (e *Engine) runMonitor() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			pending, err := e.store.CountPending(e.ctx)
			if err != nil {
				if e.ctx.Err() == nil {
					e.logger.Error("monitor failed to count pending tasks", "error", err)
				}
				continue
			}
			if pending > 0 {
				e.logger.Debug("monitor detected pending tasks", "count", pending)
				e.signalWake()
			}
		}
	}
}

// processNextTask claims and executes a single task. Returns false when no
// task was claimed, either because none is eligible or because the claim
// itself failed (store errors degrade to "no task claimed").
func (e *Engine) processNextTask(workerID string) bool {
	task, err := e.store.ClaimNextTask(e.ctx, workerID, e.cfg.LockTimeout)
	if err != nil {
		if e.ctx.Err() == nil {
			e.logger.Error("claim failed", "worker_id", workerID, "error", err)
		}
		return false
	}
	if task == nil {
		return false
	}

	e.tasksProcessed.Add(1)
	e.executeTask(task, workerID)
	return true
}

// executeTask resolves the processor and drives the task to a terminal state
// or a retry. Processor panics and errors are contained here; a worker never
// dies because of a task.
func (e *Engine) executeTask(task *Task, workerID string) {
	// A claimed task runs to completion even during shutdown, so execution
	// does not inherit the engine's cancellable context.
	ctx := context.Background()
	logger := e.logger.With(
		"task_id", task.ID,
		"task_type", task.Type,
		"worker_id", workerID)

	logger.Info("processing task", "retry_count", task.RetryCount)

	e.publish(ctx, NewEvent(EventTaskStarted, task, workerID, map[string]any{
		"priority":    task.Priority,
		"retry_count": task.RetryCount,
	}))
	e.heartbeat(ctx, workerID, task.ID.String())
	defer e.heartbeat(ctx, workerID, "")

	processor, ok := e.registry.Resolve(task.Type)
	if !ok {
		e.handleFailure(task, workerID, fmt.Sprintf("no processor registered for task type %q", task.Type))
		return
	}

	task.Progress = 10
	if err := e.store.UpdateTask(ctx, task); err != nil {
		logger.Error("failed to update task progress", "error", err)
	}

	result, err := e.runProcessor(ctx, processor, task)

	switch {
	case err != nil:
		e.handleFailure(task, workerID, err.Error())
	case !result.Success:
		msg := result.Error
		if msg == "" {
			msg = "processor reported failure"
		}
		e.handleFailure(task, workerID, msg)
	default:
		e.completeTask(task, workerID, result)
	}
}

// runProcessor invokes the processor, converting a panic into an error so
// failure handling stays on one path.
func (e *Engine) runProcessor(ctx context.Context, processor Processor, task *Task) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panicked: %v", r)
		}
	}()
	return processor.Process(ctx, task.Payload, task)
}

// completeTask records a successful execution.
func (e *Engine) completeTask(task *Task, workerID string, result Result) {
	ctx := context.Background()
	now := time.Now().UTC()

	resultJSON, err := json.Marshal(result)
	if err != nil {
		resultJSON = nil
	}

	task.Status = TaskStatusCompleted
	task.Result = resultJSON
	task.Progress = 100
	task.CompletedAt = &now
	task.ErrorMessage = ""
	task.Unlock()

	if err := e.store.UpdateTask(ctx, task); err != nil {
		e.logger.Error("failed to mark task completed",
			"task_id", task.ID, "error", err)
		return
	}

	e.tasksCompleted.Add(1)
	e.logger.Info("task completed", "task_id", task.ID, "task_type", task.Type)

	if task.Type == TaskTypeRollback {
		e.clearNeedsRollback(ctx, task)
	}

	data := map[string]any{}
	if task.StartedAt != nil {
		data["duration_seconds"] = now.Sub(*task.StartedAt).Seconds()
	}
	e.publish(ctx, NewEvent(EventTaskCompleted, task, workerID, data))
}

// handleFailure records a failed attempt: reschedule with backoff while the
// retry budget lasts, otherwise fail terminally and schedule the rollback.
func (e *Engine) handleFailure(task *Task, workerID, errorMessage string) {
	ctx := context.Background()
	logger := e.logger.With("task_id", task.ID, "task_type", task.Type)
	logger.Warn("task attempt failed", "error", errorMessage, "retry_count", task.RetryCount)

	e.publish(ctx, NewEvent(EventTaskFailed, task, workerID, map[string]any{
		"error":       errorMessage,
		"retry_count": task.RetryCount,
	}))

	task.ErrorMessage = errorMessage
	task.Unlock()

	if task.CanRetry() {
		task.RetryCount++
		task.Status = TaskStatusPending
		task.StartedAt = nil
		delay := RetryDelay(task.RetryCount)
		task.ScheduledAt = time.Now().UTC().Add(delay)

		if err := e.store.UpdateTask(ctx, task); err != nil {
			logger.Error("failed to reschedule task", "error", err)
			return
		}
		logger.Info("task rescheduled",
			"retry_count", task.RetryCount,
			"max_retries", task.MaxRetries,
			"delay", delay)
		return
	}

	now := time.Now().UTC()
	task.Status = TaskStatusFailed
	task.CompletedAt = &now
	task.NeedsRollback = true

	if err := e.store.UpdateTask(ctx, task); err != nil {
		logger.Error("failed to mark task failed", "error", err)
		return
	}

	e.tasksFailed.Add(1)
	logger.Error("task failed permanently", "error", errorMessage)

	if len(task.RollbackPayload) > 0 && task.Type != TaskTypeRollback {
		e.scheduleRollback(ctx, task)
	}
}

// clearNeedsRollback flips needs_rollback off on the original task once its
// rollback completed. The original stays failed and queryable; only the
// outstanding-rollback flag changes.
func (e *Engine) clearNeedsRollback(ctx context.Context, rollbackTask *Task) {
	var payload RollbackPayload
	if err := json.Unmarshal(rollbackTask.Payload, &payload); err != nil || payload.OriginalTaskID == "" {
		return
	}
	originalID, err := uuid.Parse(payload.OriginalTaskID)
	if err != nil {
		return
	}

	original, err := e.store.GetTask(ctx, originalID)
	if err != nil {
		e.logger.Warn("original task for completed rollback not found",
			"original_task_id", originalID, "error", err)
		return
	}

	original.NeedsRollback = false
	if err := e.store.UpdateTask(ctx, original); err != nil {
		e.logger.Error("failed to clear needs_rollback on original task",
			"original_task_id", originalID, "error", err)
	}
}

// scheduleRollback enqueues the compensating rollback task at the highest
// priority, carrying the original task id alongside the captured snapshot.
func (e *Engine) scheduleRollback(ctx context.Context, failed *Task) {
	var payload map[string]any
	if err := json.Unmarshal(failed.RollbackPayload, &payload); err != nil {
		e.logger.Error("rollback payload is not valid JSON, skipping rollback",
			"task_id", failed.ID, "error", err)
		return
	}
	payload["original_task_id"] = failed.ID.String()

	data, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error("failed to marshal rollback payload",
			"task_id", failed.ID, "error", err)
		return
	}

	rollbackID, err := e.Enqueue(ctx, TaskTypeRollback, data, RollbackPriority, DefaultMaxRetries, nil)
	if err != nil {
		e.logger.Error("failed to schedule rollback",
			"task_id", failed.ID, "error", err)
		return
	}
	e.logger.Info("rollback scheduled",
		"task_id", failed.ID, "rollback_task_id", rollbackID)
}

// publish sends an event, logging failures. Event delivery never affects
// the task outcome.
func (e *Engine) publish(ctx context.Context, event Event) {
	if err := e.publisher.Publish(ctx, event); err != nil {
		e.logger.Warn("failed to publish queue event",
			"event_type", event.Type,
			"task_id", event.TaskID,
			"error", err)
	}
}

// heartbeat registers worker liveness, logging failures.
func (e *Engine) heartbeat(ctx context.Context, workerID, taskID string) {
	if err := e.publisher.RegisterWorkerHeartbeat(ctx, workerID, taskID); err != nil {
		e.logger.Debug("failed to register worker heartbeat",
			"worker_id", workerID, "error", err)
	}
}
