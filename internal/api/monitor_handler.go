package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/registrarlab/registrar-api/internal/api/shared"
	"github.com/registrarlab/registrar-api/internal/queue"
)

// QueueMonitor reads the recent-event history and worker heartbeats kept by
// the event publisher.
type QueueMonitor interface {
	RecentEvents(ctx context.Context, limit int) ([]queue.Event, error)
	ActiveWorkers(ctx context.Context) (map[string]time.Time, error)
}

// MonitorHandler serves queue observability endpoints. It is only mounted
// when an event publisher is configured; monitor is nil otherwise and every
// endpoint reports the feature as disabled.
type MonitorHandler struct {
	monitor QueueMonitor
	logger  *slog.Logger
}

// NewMonitorHandler creates a MonitorHandler. monitor may be nil.
func NewMonitorHandler(monitor QueueMonitor, logger *slog.Logger) *MonitorHandler {
	return &MonitorHandler{monitor: monitor, logger: logger}
}

// RecentEvents handles GET /api/v1/queue/events. The optional "limit" query
// parameter defaults to 50 and is capped at the stored history size.
func (h *MonitorHandler) RecentEvents(w http.ResponseWriter, r *http.Request) {
	if h.monitor == nil {
		shared.RespondWithError(w, r, http.StatusServiceUnavailable, "Queue event monitoring is not configured")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			shared.RespondWithError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	events, err := h.monitor.RecentEvents(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to read recent queue events", "error", err)
		shared.RespondWithError(w, r, http.StatusInternalServerError, "Failed to read queue events")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

// ActiveWorkers handles GET /api/v1/queue/workers. Reports workers with a
// live heartbeat and the task each one is holding.
func (h *MonitorHandler) ActiveWorkers(w http.ResponseWriter, r *http.Request) {
	if h.monitor == nil {
		shared.RespondWithError(w, r, http.StatusServiceUnavailable, "Queue event monitoring is not configured")
		return
	}

	workers, err := h.monitor.ActiveWorkers(r.Context())
	if err != nil {
		h.logger.Error("failed to read active workers", "error", err)
		shared.RespondWithError(w, r, http.StatusInternalServerError, "Failed to read active workers")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, map[string]any{
		"workers": workers,
		"count":   len(workers),
	})
}
