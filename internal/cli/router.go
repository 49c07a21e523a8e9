package cli

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"nearby/internal/config"
	"nearby/internal/handlers"
	"nearby/internal/metrics"
	"nearby/internal/service"
)

// newRouter mounts the presence API, probes and metrics.
// Middlewares: request ID -> access log -> CORS -> rate limit.
func newRouter(m *service.ProximityMatcher, cfg *config.Config, logger *slog.Logger) http.Handler {
	var sizer metrics.CacheSizer
	if c := m.Cache(); c != nil {
		sizer = c
	}

	r := mux.NewRouter()

	ph := handlers.NewPresenceHandler(m, cfg.Matcher.DefaultRadiusMeters, logger)
	r.Handle("/user_available",
		metrics.Middleware("/user_available", http.HandlerFunc(ph.PublishAvailability), sizer)).
		Methods(http.MethodPost, http.MethodOptions)
	r.Handle("/contacts_availables_nearby",
		metrics.Middleware("/contacts_availables_nearby", http.HandlerFunc(ph.NearbyContacts), sizer)).
		Methods(http.MethodGet, http.MethodOptions)

	hh := handlers.NewHealthHandler(m, VersionString())
	r.HandleFunc("/health/liveness", hh.Liveness).Methods(http.MethodGet)
	r.HandleFunc("/health/readiness", hh.Readiness).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	r.Use(
		handlers.RequestID,
		handlers.AccessLog(logger),
		handlers.CORSMiddleware(handlers.CORSConfigFromEnv()),
		handlers.RateLimit(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
	)
	return r
}
