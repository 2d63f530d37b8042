package httptransport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"veto/internal/platform/middleware"
	"veto/internal/transport/http/shared"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Registrar is implemented by feature handlers that mount their own routes.
type Registrar interface {
	Register(r chi.Router)
}

// NewRouter assembles the service router: observability endpoints outside the
// API middleware chain, feature routes inside it. When validator is non-nil
// every API route requires a bearer token.
func NewRouter(logger *slog.Logger, validator middleware.JWTValidator, handlers ...Registrar) http.Handler {
	root := chi.NewRouter()
	root.Get("/healthz", handleHealth)
	root.Method(http.MethodGet, "/metrics", promhttp.Handler())

	api := chi.NewRouter()
	api.Use(middleware.Recovery(logger))
	api.Use(middleware.RequestID)
	api.Use(middleware.Logger(logger))
	api.Use(middleware.Timeout(30 * time.Second))
	api.Use(middleware.ContentTypeJSON)
	if validator != nil {
		api.Use(middleware.RequireAuth(validator, logger))
	}
	for _, h := range handlers {
		h.Register(api)
	}

	root.Mount("/", api)
	return root
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	shared.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "veto",
		"version": Version,
	})
}
