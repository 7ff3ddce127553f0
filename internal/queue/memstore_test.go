package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/registrarlab/registrar-api/internal/store"
)

// memStore is an in-memory TaskStore for engine tests. A single mutex makes
// every operation atomic, which is exactly the claim guarantee the real
// store provides with FOR UPDATE SKIP LOCKED.
type memStore struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*Task
}

func newMemStore() *memStore {
	return &memStore{tasks: make(map[uuid.UUID]*Task)}
}

func copyTask(t *Task) *Task {
	c := *t
	return &c
}

func (m *memStore) CreateTask(ctx context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = copyTask(task)
	return nil
}

func (m *memStore) GetTask(ctx context.Context, id uuid.UUID) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return copyTask(t), nil
}

func (m *memStore) UpdateTask(ctx context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; !ok {
		return store.ErrTaskNotFound
	}
	task.UpdatedAt = time.Now().UTC()
	m.tasks[task.ID] = copyTask(task)
	return nil
}

func (m *memStore) ClaimNextTask(ctx context.Context, workerID string, lockTimeout time.Duration) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var candidate *Task
	for _, t := range m.tasks {
		eligible := (t.Status == TaskStatusPending && !t.ScheduledAt.After(now)) ||
			(t.Status == TaskStatusProcessing && t.LockedAt != nil && now.Sub(*t.LockedAt) > lockTimeout)
		if !eligible {
			continue
		}
		if candidate == nil ||
			t.Priority < candidate.Priority ||
			(t.Priority == candidate.Priority && t.ScheduledAt.Before(candidate.ScheduledAt)) {
			candidate = t
		}
	}
	if candidate == nil {
		return nil, nil
	}

	candidate.Status = TaskStatusProcessing
	candidate.LockedBy = workerID
	candidate.LockedAt = &now
	candidate.StartedAt = &now
	return copyTask(candidate), nil
}

func (m *memStore) CancelTask(ctx context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || (t.Status != TaskStatusPending && t.Status != TaskStatusProcessing) {
		return false, nil
	}
	now := time.Now().UTC()
	t.Status = TaskStatusCancelled
	t.CompletedAt = &now
	t.Unlock()
	return true, nil
}

func (m *memStore) RetryTask(ctx context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Status != TaskStatusFailed {
		return false, nil
	}
	t.Status = TaskStatusPending
	t.ErrorMessage = ""
	t.StartedAt = nil
	t.CompletedAt = nil
	t.ScheduledAt = time.Now().UTC()
	t.Unlock()
	return true, nil
}

func (m *memStore) DeleteTask(ctx context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return false, nil
	}
	delete(m.tasks, id)
	return true, nil
}

func (m *memStore) DeleteAllTasks(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.tasks)
	m.tasks = make(map[uuid.UUID]*Task)
	return n, nil
}

func (m *memStore) DeleteOldTasks(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, t := range m.tasks {
		old := (t.Status == TaskStatusCompleted || t.Status == TaskStatusCancelled) &&
			t.CompletedAt != nil && t.CompletedAt.Before(cutoff)
		if old {
			delete(m.tasks, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) ResetOrphanedTasks(ctx context.Context, olderThan time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	n := 0
	for _, t := range m.tasks {
		if t.Status == TaskStatusProcessing && t.LockedAt != nil && now.Sub(*t.LockedAt) > olderThan {
			t.Status = TaskStatusPending
			t.StartedAt = nil
			t.Unlock()
			n++
		}
	}
	return n, nil
}

func (m *memStore) CountByStatus(ctx context.Context) (map[TaskStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[TaskStatus]int{
		TaskStatusPending:    0,
		TaskStatusProcessing: 0,
		TaskStatusCompleted:  0,
		TaskStatusFailed:     0,
		TaskStatusCancelled:  0,
	}
	for _, t := range m.tasks {
		counts[t.Status]++
	}
	return counts, nil
}

func (m *memStore) CountPending(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if t.Status == TaskStatusPending {
			n++
		}
	}
	return n, nil
}

func (m *memStore) ListTasks(ctx context.Context, filter ListFilter) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Task
	for _, t := range m.tasks {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.Type != "" && t.Type != filter.Type {
			continue
		}
		out = append(out, copyTask(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ScheduledAt.After(out[j].ScheduledAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// taskByType returns some stored task of the given type, or nil.
func (m *memStore) taskByType(taskType string) *Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.Type == taskType {
			return copyTask(t)
		}
	}
	return nil
}

// countByType returns how many stored tasks have the given type.
func (m *memStore) countByType(taskType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if t.Type == taskType {
			n++
		}
	}
	return n
}
