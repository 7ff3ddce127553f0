package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/registrarlab/registrar-api/internal/api/shared"
	"github.com/registrarlab/registrar-api/internal/pagination"
)

// PaginationHandler handles the pagination session management endpoints.
type PaginationHandler struct {
	paginator *pagination.Paginator
	logger    *slog.Logger
}

// NewPaginationHandler creates a PaginationHandler.
func NewPaginationHandler(paginator *pagination.Paginator, logger *slog.Logger) *PaginationHandler {
	return &PaginationHandler{paginator: paginator, logger: logger}
}

// ResetSession handles POST /api/v1/pagination/reset. Deactivates the
// caller's sessions so the next page request starts from the beginning.
// The optional "endpoint" query parameter scopes the reset; without it
// every session for the caller is reset.
func (h *PaginationHandler) ResetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		shared.RespondWithError(w, r, http.StatusBadRequest, "session_id is required")
		return
	}
	endpoint := r.URL.Query().Get("endpoint")

	reset, err := h.paginator.ResetSession(r.Context(), sessionID, endpoint)
	if err != nil {
		h.logger.Error("failed to reset pagination session", "session_id", sessionID, "error", err)
		shared.RespondWithError(w, r, http.StatusInternalServerError, "Failed to reset pagination session")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, map[string]any{"reset": reset})
}

// GetSessionInfo handles GET /api/v1/pagination/sessions/{session_id}.
func (h *PaginationHandler) GetSessionInfo(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	sessions, err := h.paginator.GetSessionInfo(r.Context(), sessionID)
	if err != nil {
		h.logger.Error("failed to get pagination sessions", "session_id", sessionID, "error", err)
		shared.RespondWithError(w, r, http.StatusInternalServerError, "Failed to get pagination sessions")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"sessions":   sessions,
	})
}

// CleanupSessions handles POST /api/v1/pagination/cleanup. Removes expired
// sessions; normally the periodic janitor does this.
func (h *PaginationHandler) CleanupSessions(w http.ResponseWriter, r *http.Request) {
	n, err := h.paginator.CleanupExpired(r.Context())
	if err != nil {
		h.logger.Error("failed to clean up pagination sessions", "error", err)
		shared.RespondWithError(w, r, http.StatusInternalServerError, "Failed to clean up pagination sessions")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, map[string]any{"deleted": n})
}
