package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/registrarlab/registrar-api/internal/queue"
)

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestEnqueueTask(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	rec := doJSON(t, env.router, http.MethodPost, "/api/v1/queue/tasks", EnqueueTaskRequest{
		TaskType: "enroll_student",
		Payload:  json.RawMessage(`{"student_id":7}`),
		Priority: 3,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp EnqueueTaskResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "pending", resp.Status)

	id, err := uuid.Parse(resp.TaskID)
	require.NoError(t, err)

	task, err := env.taskStore.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "enroll_student", task.Type)
	assert.Equal(t, 3, task.Priority)
	assert.Equal(t, queue.DefaultMaxRetries, task.MaxRetries)
}

func TestEnqueueTaskValidation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	// Missing task_type.
	rec := doJSON(t, env.router, http.MethodPost, "/api/v1/queue/tasks", EnqueueTaskRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Priority out of range.
	rec = doJSON(t, env.router, http.MethodPost, "/api/v1/queue/tasks", EnqueueTaskRequest{
		TaskType: "enroll_student",
		Priority: 11,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Malformed body.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/queue/tasks", bytes.NewBufferString("{nope"))
	recRaw := httptest.NewRecorder()
	env.router.ServeHTTP(recRaw, req)
	assert.Equal(t, http.StatusBadRequest, recRaw.Code)

	// Unknown fields are rejected.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/queue/tasks",
		bytes.NewBufferString(`{"task_type":"x","surprise":true}`))
	recRaw = httptest.NewRecorder()
	env.router.ServeHTTP(recRaw, req)
	assert.Equal(t, http.StatusBadRequest, recRaw.Code)
}

func TestGetTask(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	task := queue.NewTask("grade_import", nil, 5, 3, nil)
	env.taskStore.put(task)

	rec := doJSON(t, env.router, http.MethodGet, "/api/v1/queue/tasks/"+task.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got queue.Task
	decodeBody(t, rec, &got)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, "grade_import", got.Type)

	rec = doJSON(t, env.router, http.MethodGet, "/api/v1/queue/tasks/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, env.router, http.MethodGet, "/api/v1/queue/tasks/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListTasksPaginates(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	for i := 0; i < 15; i++ {
		env.taskStore.put(queue.NewTask("grade_import", nil, 5, 3, nil))
	}

	var page struct {
		Items    []json.RawMessage `json:"items"`
		Metadata struct {
			CurrentPage   int  `json:"current_page"`
			TotalReturned int  `json:"total_items_returned"`
			HasMorePages  bool `json:"has_more_pages"`
		} `json:"metadata"`
	}

	rec := doJSON(t, env.router, http.MethodGet,
		"/api/v1/queue/tasks?session_id=client-1&page_size=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &page)
	assert.Len(t, page.Items, 10)
	assert.Equal(t, 1, page.Metadata.CurrentPage)
	assert.True(t, page.Metadata.HasMorePages)

	// The same session continues where it left off.
	rec = doJSON(t, env.router, http.MethodGet,
		"/api/v1/queue/tasks?session_id=client-1&page_size=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &page)
	assert.Len(t, page.Items, 5)
	assert.Equal(t, 2, page.Metadata.CurrentPage)
	assert.Equal(t, 15, page.Metadata.TotalReturned)
	assert.False(t, page.Metadata.HasMorePages)
}

func TestCancelTask(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	task := queue.NewTask("enroll_student", nil, 5, 3, nil)
	env.taskStore.put(task)

	rec := doJSON(t, env.router, http.MethodPost, "/api/v1/queue/tasks/"+task.ID.String()+"/cancel", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Already cancelled.
	rec = doJSON(t, env.router, http.MethodPost, "/api/v1/queue/tasks/"+task.ID.String()+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRetryTask(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	failed := queue.NewTask("enroll_student", nil, 5, 3, nil)
	failed.Status = queue.TaskStatusFailed
	env.taskStore.put(failed)

	pending := queue.NewTask("enroll_student", nil, 5, 3, nil)
	env.taskStore.put(pending)

	rec := doJSON(t, env.router, http.MethodPost, "/api/v1/queue/tasks/"+failed.ID.String()+"/retry", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, env.router, http.MethodPost, "/api/v1/queue/tasks/"+pending.ID.String()+"/retry", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeleteTask(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	task := queue.NewTask("enroll_student", nil, 5, 3, nil)
	env.taskStore.put(task)

	rec := doJSON(t, env.router, http.MethodDelete, "/api/v1/queue/tasks/"+task.ID.String(), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, env.router, http.MethodDelete, "/api/v1/queue/tasks/"+task.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteAllTasks(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.taskStore.put(queue.NewTask("a", nil, 5, 3, nil))
	env.taskStore.put(queue.NewTask("b", nil, 5, 3, nil))

	rec := doJSON(t, env.router, http.MethodDelete, "/api/v1/queue/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]int
	decodeBody(t, rec, &resp)
	assert.Equal(t, 2, resp["deleted"])
}

func TestGetStats(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.taskStore.put(queue.NewTask("a", nil, 5, 3, nil))

	rec := doJSON(t, env.router, http.MethodGet, "/api/v1/queue/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats queue.Stats
	decodeBody(t, rec, &stats)
	assert.Equal(t, 1, stats.TotalTasks)
	assert.False(t, stats.Running, "the engine is not started in handler tests")
}

func TestCleanupOldTasksValidatesDays(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	rec := doJSON(t, env.router, http.MethodPost, "/api/v1/queue/cleanup?days=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, env.router, http.MethodPost, "/api/v1/queue/cleanup?days=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, env.router, http.MethodPost, "/api/v1/queue/cleanup", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
