// internal/api/routes/routes.go
package routes

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/fawad-mazhar/regsync/internal/api/handlers"
	"github.com/fawad-mazhar/regsync/internal/config"
)

// Service is everything the HTTP API needs from the task service
type Service interface {
	handlers.TaskService
	handlers.StatusService
}

func SetupRouter(cfg *config.Config, service Service, logger *zap.Logger) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(config.Seconds(cfg.Server.WriteTimeout)))

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			next.ServeHTTP(w, r)
		})
	})

	// Initialize handlers
	taskHandler := handlers.NewTaskHandler(service, logger)
	statusHandler := handlers.NewStatusHandler(service, logger)

	// Routes
	r.Route("/api/v1", func(r chi.Router) {
		// Sync endpoints
		r.Put("/packages/{name}/syncs", taskHandler.SyncPackage)
		r.Put("/packages/{scope}/{name}/syncs", taskHandler.SyncPackage)
		r.Put("/binaries/{name}/syncs", taskHandler.SyncBinary)

		// Task endpoints
		r.Route("/tasks/{taskId}", func(r chi.Router) {
			r.Get("/", taskHandler.GetTask)
			r.Get("/log", taskHandler.GetTaskLog)
		})

		// System Status endpoint
		r.Get("/system/status", statusHandler.GetSystemStatus)
	})

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	return r
}
