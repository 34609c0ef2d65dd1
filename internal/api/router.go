package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apihandler "github.com/jmalhotra/crashlake/internal/api/handler"
	apimw "github.com/jmalhotra/crashlake/internal/api/middleware"
	"github.com/jmalhotra/crashlake/internal/extract"
	"github.com/jmalhotra/crashlake/internal/objstore"
	"github.com/jmalhotra/crashlake/internal/queue"
	"github.com/jmalhotra/crashlake/internal/registry"
	"github.com/jmalhotra/crashlake/internal/store"
)

// RouterDeps holds the wiring the handlers need beyond the store.
type RouterDeps struct {
	Registry     registry.Registry
	Objects      objstore.Store
	Publisher    queue.Publisher
	Schema       extract.SchemaProvider
	ExtractQueue string
}

func NewRouter(logger *slog.Logger, s *store.Store, deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(apimw.Logger(logger))
	r.Use(apimw.CORS)
	r.Use(chimw.Recoverer)

	// Health checks
	health := apihandler.NewHealthHandler(s.Pool())
	r.Get("/healthz", health.Healthz)
	r.Get("/readyz", health.Readyz)

	// Prometheus scrape endpoint
	r.Handle("/metrics", promhttp.Handler())

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		runs := apihandler.NewRunHandler(logger, deps.Registry, deps.Objects, deps.Publisher, deps.ExtractQueue)
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", runs.List)
			r.Post("/", runs.Trigger)
			r.Route("/{corrid}", func(r chi.Router) {
				r.Get("/", runs.Get)
				r.Delete("/artifacts", runs.PurgeArtifacts)
			})
		})

		schedules := apihandler.NewScheduleHandler(logger, s)
		r.Route("/schedules", func(r chi.Router) {
			r.Get("/", schedules.List)
			r.Post("/", schedules.Create)
			r.Route("/{scheduleID}", func(r chi.Router) {
				r.Get("/", schedules.Get)
				r.Patch("/enabled", schedules.SetEnabled)
				r.Delete("/", schedules.Delete)
			})
		})

		gold := apihandler.NewGoldHandler(logger, s)
		r.Get("/gold/stats", gold.Stats)

		if deps.Schema != nil {
			schemas := apihandler.NewSchemaHandler(logger, deps.Schema)
			r.Route("/schemas/{dataset}", func(r chi.Router) {
				r.Get("/", schemas.Columns)
				r.Post("/invalidate", schemas.Invalidate)
			})
		}
	})

	return r
}
