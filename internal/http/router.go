package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// NewRouter mounts the reservation API. The result is wrapped by otelhttp so
// every request starts a server span.
func NewRouter(h *ReservationHandler, logger *zap.Logger, requestTimeout time.Duration) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(HolderMiddleware)

		r.Route("/products/{product_id}", func(r chi.Router) {
			r.Get("/availability", h.Check)
			r.Put("/hold", h.Reserve)
			r.Delete("/hold", h.Release)
		})

		r.Route("/holds", func(r chi.Router) {
			r.Delete("/", h.ReleaseAll)
			r.Post("/touch", h.Touch)
			r.Post("/commit", h.Commit)
		})
	})

	return otelhttp.NewHandler(r, "reservation-service")
}
