// Package http exposes the notification engine over REST and receives
// gateway webhooks.
package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chi_middleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/theraptrack/golang_services/internal/notification_service/app"
)

// RouterDeps are the collaborators the router wires into handlers.
type RouterDeps struct {
	Engine         Engine
	Records        RecordReader
	StatusIngestor app.StatusIngestor
	WebhookSecret  string
	Logger         *slog.Logger
}

func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(chi_middleware.RequestID)
	r.Use(chi_middleware.RealIP)
	r.Use(chi_middleware.Recoverer)
	r.Use(PrometheusMetricsMiddleware)
	r.Use(chi_middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		st := deps.Engine.Status()
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "engine": st})
	})
	r.Handle("/metrics", promhttp.Handler())

	notify := NewNotifyHandler(deps.Engine, deps.Records, deps.Logger)
	r.Route("/api/v1", notify.RegisterRoutes)

	webhooks := NewWebhookHandler(deps.StatusIngestor, deps.Logger)
	r.Route("/webhooks", func(wr chi.Router) {
		wr.Use(WebhookAuth(deps.WebhookSecret, deps.Logger))
		webhooks.RegisterRoutes(wr)
	})

	return r
}
