package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/registrarlab/registrar-api/internal/pagination"
	"github.com/registrarlab/registrar-api/internal/queue"
	"github.com/registrarlab/registrar-api/internal/store"
)

// fakeTaskStore is a minimal in-memory queue.TaskStore for handler tests.
type fakeTaskStore struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*queue.Task
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{tasks: make(map[uuid.UUID]*queue.Task)}
}

func (f *fakeTaskStore) put(t *queue.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := *t
	f.tasks[t.ID] = &c
}

func (f *fakeTaskStore) CreateTask(ctx context.Context, task *queue.Task) error {
	f.put(task)
	return nil
}

func (f *fakeTaskStore) GetTask(ctx context.Context, id uuid.UUID) (*queue.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	c := *t
	return &c, nil
}

func (f *fakeTaskStore) UpdateTask(ctx context.Context, task *queue.Task) error {
	f.put(task)
	return nil
}

func (f *fakeTaskStore) ClaimNextTask(ctx context.Context, workerID string, lockTimeout time.Duration) (*queue.Task, error) {
	return nil, nil
}

func (f *fakeTaskStore) CancelTask(ctx context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok || t.IsTerminal() {
		return false, nil
	}
	t.Status = queue.TaskStatusCancelled
	return true, nil
}

func (f *fakeTaskStore) RetryTask(ctx context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok || t.Status != queue.TaskStatusFailed {
		return false, nil
	}
	t.Status = queue.TaskStatusPending
	return true, nil
}

func (f *fakeTaskStore) DeleteTask(ctx context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tasks[id]; !ok {
		return false, nil
	}
	delete(f.tasks, id)
	return true, nil
}

func (f *fakeTaskStore) DeleteAllTasks(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.tasks)
	f.tasks = make(map[uuid.UUID]*queue.Task)
	return n, nil
}

func (f *fakeTaskStore) DeleteOldTasks(ctx context.Context, cutoff time.Time) (int, error) {
	return 0, nil
}

func (f *fakeTaskStore) ResetOrphanedTasks(ctx context.Context, olderThan time.Duration) (int, error) {
	return 0, nil
}

func (f *fakeTaskStore) CountByStatus(ctx context.Context) (map[queue.TaskStatus]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[queue.TaskStatus]int)
	for _, t := range f.tasks {
		counts[t.Status]++
	}
	return counts, nil
}

func (f *fakeTaskStore) CountPending(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.tasks {
		if t.Status == queue.TaskStatusPending {
			n++
		}
	}
	return n, nil
}

func (f *fakeTaskStore) ListTasks(ctx context.Context, filter queue.ListFilter) ([]*queue.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*queue.Task
	for _, t := range f.tasks {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.Type != "" && t.Type != filter.Type {
			continue
		}
		c := *t
		out = append(out, &c)
	}
	if filter.Offset >= len(out) {
		return nil, nil
	}
	out = out[filter.Offset:]
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// fakeSessionStore is a minimal in-memory pagination.SessionStore.
type fakeSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*pagination.Session
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: make(map[string]*pagination.Session)}
}

func (f *fakeSessionStore) FindActive(ctx context.Context, sessionID, endpoint, queryHash string) (*pagination.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.IsActive && s.SessionID == sessionID && s.Endpoint == endpoint && s.QueryHash == queryHash {
			c := *s
			return &c, nil
		}
	}
	return nil, nil
}

func (f *fakeSessionStore) Create(ctx context.Context, session *pagination.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := *session
	f.sessions[session.ID.String()] = &c
	return nil
}

func (f *fakeSessionStore) Update(ctx context.Context, session *pagination.Session) error {
	return f.Create(ctx, session)
}

func (f *fakeSessionStore) Deactivate(ctx context.Context, sessionID, endpoint string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sessions {
		if !s.IsActive || s.SessionID != sessionID {
			continue
		}
		if endpoint != "" && s.Endpoint != endpoint {
			continue
		}
		s.IsActive = false
		n++
	}
	return n, nil
}

func (f *fakeSessionStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for id, s := range f.sessions {
		if s.IsExpired(now) {
			delete(f.sessions, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeSessionStore) ListActive(ctx context.Context, sessionID string) ([]*pagination.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*pagination.Session
	for _, s := range f.sessions {
		if s.IsActive && s.SessionID == sessionID {
			c := *s
			out = append(out, &c)
		}
	}
	return out, nil
}

// testEnv bundles the handler wiring shared by the API tests. The engine is
// built but never started: handlers only use its store-backed operations.
type testEnv struct {
	taskStore    *fakeTaskStore
	sessionStore *fakeSessionStore
	engine       *queue.Engine
	paginator    *pagination.Paginator
	router       http.Handler
}

func newTestEnv(t *testing.T, monitor QueueMonitor) *testEnv {
	t.Helper()

	logger := slog.Default()
	taskStore := newFakeTaskStore()
	sessionStore := newFakeSessionStore()

	engine := queue.NewEngine(taskStore, queue.NewRegistry(), nil, queue.DefaultEngineConfig(), logger)
	paginator := pagination.New(sessionStore, pagination.DefaultConfig(), logger)

	taskHandler := NewTaskHandler(engine, paginator, logger)
	paginationHandler := NewPaginationHandler(paginator, logger)
	monitorHandler := NewMonitorHandler(monitor, logger)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/queue", func(r chi.Router) {
			r.Post("/tasks", taskHandler.EnqueueTask)
			r.Get("/tasks", taskHandler.ListTasks)
			r.Delete("/tasks", taskHandler.DeleteAllTasks)
			r.Get("/tasks/{id}", taskHandler.GetTask)
			r.Delete("/tasks/{id}", taskHandler.DeleteTask)
			r.Post("/tasks/{id}/cancel", taskHandler.CancelTask)
			r.Post("/tasks/{id}/retry", taskHandler.RetryTask)
			r.Get("/stats", taskHandler.GetStats)
			r.Post("/cleanup", taskHandler.CleanupOldTasks)
			r.Get("/events", monitorHandler.RecentEvents)
			r.Get("/workers", monitorHandler.ActiveWorkers)
		})
		r.Route("/pagination", func(r chi.Router) {
			r.Post("/reset", paginationHandler.ResetSession)
			r.Post("/cleanup", paginationHandler.CleanupSessions)
			r.Get("/sessions/{session_id}", paginationHandler.GetSessionInfo)
		})
	})

	return &testEnv{
		taskStore:    taskStore,
		sessionStore: sessionStore,
		engine:       engine,
		paginator:    paginator,
		router:       r,
	}
}
