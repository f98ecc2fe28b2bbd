package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// NewRouter builds the admin API router
func NewRouter(handlers *AdminHandlers, secret string) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handlers.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(secret))

		r.Get("/stats", handlers.handleStats)
		r.Post("/exec", handlers.handleExec)
		r.Post("/query", handlers.handleQuery)

		r.Route("/watches", func(r chi.Router) {
			r.Get("/", handlers.handleListWatches)
			r.Get("/{name}", handlers.handleWatch)
			r.Post("/{name}/refresh", handlers.handleRefresh)
		})
	})

	return r
}

// RegisterRoutes mounts the admin API under /admin and metrics under /metrics
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers, secret string, metrics http.Handler) {
	r := NewRouter(handlers, secret)

	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}

	log.Info().Bool("metrics", metrics != nil).Msg("Admin endpoints enabled at /admin/*")
}
