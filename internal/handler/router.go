package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	custommiddleware "github.com/mmeshcher/guarantee-service/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса гарантий.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.CORS)
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/stripe/webhook", h.StripeWebhook)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/guarantee", h.GetMyGuarantee)
			r.Post("/guarantee/usage", h.RecordUsage)

			r.Route("/admin/guarantees", func(r chi.Router) {
				r.Use(custommiddleware.RequireAdmin(h.service, h.logger))

				r.Get("/", h.ListEnrollments)
				r.Get("/summary", h.GetSummary)
				r.Get("/{id}", h.GetEnrollment)
				r.Post("/{id}/deny", h.DenyEnrollment)
				r.Post("/{id}/refund", h.RefundEnrollment)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
