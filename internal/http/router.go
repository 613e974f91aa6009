package httpapi

import (
	stdhttp "net/http"

	"cutout/internal/cache"
	"cutout/internal/http/handlers"
	"cutout/internal/middleware"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

type RouterOptions struct {
	Cache           cache.Cache
	Logger          zerolog.Logger
	CORSOrigins     []string
	RateLimitPerMin int
}

func NewRouter(app *handlers.App, opts RouterOptions) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(opts.Logger),
		middleware.CORS(opts.CORSOrigins),
	)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/healthz", app.Health)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Identity, middleware.RateLimit(opts.Cache, opts.RateLimitPerMin))

			r.Route("/projects", func(r chi.Router) {
				r.Post("/", app.CreateProject)
				r.Get("/", app.ListProjects)
				r.Get("/{id}", app.GetProject)
				r.Get("/{id}/status", app.ProjectStatus)
				r.Get("/{id}/download", app.DownloadResult)
				r.Post("/{id}/cancel", app.CancelProject)
				r.Delete("/{id}", app.DeleteProject)
			})

			r.Get("/dashboard/stats", app.DashboardStats)
		})
	})

	// Lease-token authenticated worker callbacks; no account identity here.
	r.Route("/internal/projects/{id}", func(r chi.Router) {
		r.Post("/progress", app.CallbackProgress)
		r.Post("/complete", app.CallbackComplete)
		r.Post("/fail", app.CallbackFail)
	})

	return r
}
