package httptransport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	httpSwagger "github.com/swaggo/http-swagger"

	_ "generation-job-service/docs"
	"generation-job-service/internal/metrics"
)

func Routes(h *Handler) http.Handler {
	r := chi.NewRouter()

	// базовые middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// наш логгер (после RequestID)
	r.Use(RequestLogger)
	r.Use(metrics.InstrumentHandler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", h.SubmitJob)
		r.Post("/{jobId}/cancel", h.CancelJob)
	})

	r.Route("/status", func(r chi.Router) {
		r.Get("/{jobId}", h.GetStatus)
		r.Get("/request/{requestId}", h.GetStatusByRequest)
	})

	r.Post("/webhooks/provider", h.ProviderWebhook)

	r.Route("/usage", func(r chi.Router) {
		r.Post("/credit", h.CreditBack)
		r.Get("/{userId}/{category}", h.GetUsage)
	})

	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	return r
}
