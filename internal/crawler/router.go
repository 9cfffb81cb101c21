package crawler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/blockedby/tg-crawler/internal/logger"
)

// NewRouter creates a chi router with all crawler endpoints.
func NewRouter(handler *Handler, log *logger.Logger) http.Handler {
	r := chi.NewRouter()

	// middleware
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger.OrNop(log).Component("http")))

	// basic cors
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS", "DELETE"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Get("/health", handler.Health)

	r.Route("/api/v1", func(r chi.Router) {
		// background runs
		r.Post("/search", handler.StartSearch)
		r.Post("/extract", handler.StartExtract)
		r.Post("/sweep", handler.StartSweep)
		r.Post("/reclassify", handler.StartReclassify)

		r.Get("/runs", handler.ListRuns)
		r.Get("/runs/status", handler.RunStatus)
		r.Delete("/runs/current", handler.StopRun)

		r.Post("/join", handler.Join)

		r.Get("/entities", handler.ListEntities)
		r.Get("/stats", handler.Stats)
	})

	return r
}

// requestLogger logs one line per request with zerolog.
func requestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http: request")
		})
	}
}
