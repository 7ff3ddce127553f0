package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/registrarlab/registrar-api/internal/api"
)

// setupRouter configures the application router with all routes and
// middleware.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	taskHandler := api.NewTaskHandler(app.engine, app.paginator, app.logger)
	paginationHandler := api.NewPaginationHandler(app.paginator, app.logger)
	monitorHandler := api.NewMonitorHandler(app.monitor, app.logger)

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

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			app.logger.Error("failed to write health check response", "error", err)
		}
	})

	return r
}
