package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/registrarlab/registrar-api/internal/api/shared"
	"github.com/registrarlab/registrar-api/internal/pagination"
	"github.com/registrarlab/registrar-api/internal/queue"
	"github.com/registrarlab/registrar-api/internal/store"
)

// EnqueueTaskRequest represents the request body for enqueueing a task.
type EnqueueTaskRequest struct {
	TaskType        string          `json:"task_type"                  validate:"required,min=1"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Priority        int             `json:"priority,omitempty"         validate:"omitempty,gte=1,lte=10"`
	MaxRetries      int             `json:"max_retries,omitempty"      validate:"omitempty,gte=0,lte=10"`
	RollbackPayload json.RawMessage `json:"rollback_payload,omitempty"`
}

// EnqueueTaskResponse carries the id the caller polls for status.
type EnqueueTaskResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// TaskHandler handles the queue-management HTTP surface.
type TaskHandler struct {
	engine    *queue.Engine
	paginator *pagination.Paginator
	validator *validator.Validate
	logger    *slog.Logger
}

// NewTaskHandler creates a TaskHandler.
func NewTaskHandler(engine *queue.Engine, paginator *pagination.Paginator, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{
		engine:    engine,
		paginator: paginator,
		validator: validator.New(),
		logger:    logger,
	}
}

// EnqueueTask handles POST /api/v1/queue/tasks. The write is deferred: the
// response is 202 with the task id and the caller polls for the outcome.
func (h *TaskHandler) EnqueueTask(w http.ResponseWriter, r *http.Request) {
	var req EnqueueTaskRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Validation error: "+err.Error())
		return
	}

	maxRetries := req.MaxRetries
	if maxRetries == 0 {
		maxRetries = queue.DefaultMaxRetries
	}

	taskID, err := h.engine.Enqueue(r.Context(), req.TaskType, req.Payload, req.Priority, maxRetries, req.RollbackPayload)
	if err != nil {
		h.logger.Error("failed to enqueue task", "task_type", req.TaskType, "error", err)
		shared.RespondWithError(w, r, http.StatusInternalServerError, "Failed to enqueue task")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusAccepted, EnqueueTaskResponse{
		TaskID: taskID.String(),
		Status: string(queue.TaskStatusPending),
	})
}

// GetTask handles GET /api/v1/queue/tasks/{id}.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := h.taskID(w, r)
	if !ok {
		return
	}

	task, err := h.engine.GetTask(r.Context(), id)
	if err != nil {
		if store.IsNotFoundError(err) {
			shared.RespondWithError(w, r, http.StatusNotFound, "Task not found")
			return
		}
		h.logger.Error("failed to get task", "task_id", id, "error", err)
		shared.RespondWithError(w, r, http.StatusInternalServerError, "Failed to get task")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, task)
}

// taskItem exposes the id the paginator records per listed task.
type taskItem struct {
	*queue.Task
}

// ItemID returns the task id for pagination bookkeeping.
func (t taskItem) ItemID() string { return t.Task.ID.String() }

// ListTasks handles GET /api/v1/queue/tasks. Listing goes through the smart
// paginator: repeated calls with the same session_id and filters continue
// where the previous page left off.
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	sessionID := q.Get("session_id")
	if sessionID == "" {
		sessionID = "anonymous"
	}
	pageSize, _ := strconv.Atoi(q.Get("page_size"))

	params := map[string]string{}
	status := q.Get("status")
	if status != "" {
		params["status"] = status
	}
	taskType := q.Get("task_type")
	if taskType != "" {
		params["task_type"] = taskType
	}

	page, err := h.paginator.GetNextPage(r.Context(), pagination.Request{
		SessionID: sessionID,
		Endpoint:  "/queue/tasks",
		Params:    params,
		PageSize:  pageSize,
		Query: func(ctx context.Context, offset, limit int) ([]any, error) {
			tasks, err := h.engine.ListTasks(ctx, queue.ListFilter{
				Status: queue.TaskStatus(status),
				Type:   taskType,
				Offset: offset,
				Limit:  limit,
			})
			if err != nil {
				return nil, err
			}
			items := make([]any, 0, len(tasks))
			for _, t := range tasks {
				items = append(items, taskItem{t})
			}
			return items, nil
		},
	})
	if err != nil {
		h.logger.Error("failed to list tasks", "error", err)
		shared.RespondWithError(w, r, http.StatusInternalServerError, "Failed to list tasks")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, page)
}

// CancelTask handles POST /api/v1/queue/tasks/{id}/cancel.
func (h *TaskHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	id, ok := h.taskID(w, r)
	if !ok {
		return
	}

	cancelled, err := h.engine.Cancel(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to cancel task", "task_id", id, "error", err)
		shared.RespondWithError(w, r, http.StatusInternalServerError, "Failed to cancel task")
		return
	}
	if !cancelled {
		shared.RespondWithError(w, r, http.StatusConflict, "Task not found or not in a cancellable state")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, map[string]any{"success": true})
}

// RetryTask handles POST /api/v1/queue/tasks/{id}/retry.
func (h *TaskHandler) RetryTask(w http.ResponseWriter, r *http.Request) {
	id, ok := h.taskID(w, r)
	if !ok {
		return
	}

	retried, err := h.engine.Retry(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to retry task", "task_id", id, "error", err)
		shared.RespondWithError(w, r, http.StatusInternalServerError, "Failed to retry task")
		return
	}
	if !retried {
		shared.RespondWithError(w, r, http.StatusConflict, "Only failed tasks can be retried")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, map[string]any{"success": true})
}

// DeleteTask handles DELETE /api/v1/queue/tasks/{id}.
func (h *TaskHandler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	id, ok := h.taskID(w, r)
	if !ok {
		return
	}

	deleted, err := h.engine.Delete(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to delete task", "task_id", id, "error", err)
		shared.RespondWithError(w, r, http.StatusInternalServerError, "Failed to delete task")
		return
	}
	if !deleted {
		shared.RespondWithError(w, r, http.StatusNotFound, "Task not found")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, map[string]any{"success": true})
}

// DeleteAllTasks handles DELETE /api/v1/queue/tasks.
func (h *TaskHandler) DeleteAllTasks(w http.ResponseWriter, r *http.Request) {
	n, err := h.engine.DeleteAll(r.Context())
	if err != nil {
		h.logger.Error("failed to delete all tasks", "error", err)
		shared.RespondWithError(w, r, http.StatusInternalServerError, "Failed to delete tasks")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, map[string]any{"deleted": n})
}

// GetStats handles GET /api/v1/queue/stats.
func (h *TaskHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Stats(r.Context())
	if err != nil {
		h.logger.Error("failed to get queue stats", "error", err)
		shared.RespondWithError(w, r, http.StatusInternalServerError, "Failed to get queue stats")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, stats)
}

// CleanupOldTasks handles POST /api/v1/queue/cleanup. The optional "days"
// query parameter defaults to 7.
func (h *TaskHandler) CleanupOldTasks(w http.ResponseWriter, r *http.Request) {
	days := 7
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			shared.RespondWithError(w, r, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		days = parsed
	}

	n, err := h.engine.CleanupOldTasks(r.Context(), time.Duration(days)*24*time.Hour)
	if err != nil {
		h.logger.Error("failed to clean up old tasks", "error", err)
		shared.RespondWithError(w, r, http.StatusInternalServerError, "Failed to clean up tasks")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, map[string]any{"deleted": n})
}

// taskID parses the {id} path parameter, responding 400 on garbage.
func (h *TaskHandler) taskID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid task id")
		return uuid.Nil, false
	}
	return id, true
}
