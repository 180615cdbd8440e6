package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/iammorganparry/clive/apps/maestro/internal/server"
	"github.com/iammorganparry/clive/apps/maestro/internal/store"
)

// NewRouter creates the Chi router with all routes and middleware. push
// serves the websocket endpoint.
func NewRouter(
	db *store.DB,
	svc *server.Service,
	push http.Handler,
	apiKey string,
	logger *slog.Logger,
) *chi.Mux {
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()

	// Global middleware (runs on ALL routes including /health)
	r.Use(CORS)
	r.Use(RequestID)
	r.Use(Logger(logger))
	r.Use(Recovery(logger))

	healthH := NewHealthHandler(db, svc)
	projectH := NewProjectHandler(svc)
	taskH := NewTaskHandler(svc)
	sessionH := NewSessionHandler(svc)

	// Unauthenticated routes
	r.Get("/health", healthH.Health)

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(apiKey))

		if push != nil {
			r.Handle("/ws", push)
		}

		r.Route("/api/projects", func(r chi.Router) {
			r.Get("/", projectH.List)
			r.Post("/", projectH.Create)
			r.Get("/{id}", projectH.Get)
			r.Patch("/{id}", projectH.Update)
			r.Delete("/{id}", projectH.Delete)
		})

		r.Route("/api/tasks", func(r chi.Router) {
			r.Get("/", taskH.List)
			r.Post("/", taskH.Create)
			r.Get("/{id}", taskH.Get)
			r.Patch("/{id}", taskH.Update)
			r.Delete("/{id}", taskH.Delete)
		})

		r.Route("/api/sessions", func(r chi.Router) {
			r.Get("/", sessionH.List)
			r.Post("/", sessionH.Create)
			r.Post("/spawn", sessionH.Spawn)
			r.Get("/{id}", sessionH.Get)
			r.Patch("/{id}", sessionH.Update)
			r.Delete("/{id}", sessionH.Delete)
			r.Post("/{id}/tasks/{taskId}", sessionH.AddTask)
			r.Delete("/{id}/tasks/{taskId}", sessionH.RemoveTask)
			r.Post("/{id}/events", sessionH.AppendEvent)
		})
	})

	return r
}
