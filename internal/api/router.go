// Package api exposes the HTTP surface of the RTLS roles: the relay
// websocket endpoint, the push API, admin reload signals, health and metrics.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// HealthCheck reports whether one dependency is usable
type HealthCheck func(ctx context.Context) error

// Options wires the router. Every collaborator is optional.
type Options struct {
	Samples  SampleInjector
	Triggers TriggerControl
	Rules    RuleReloader
	Zones    CacheInvalidator
	Subjects SubjectRefresher
	Relay    SubscriptionLister
	History  EventHistory

	WebSocket http.Handler
	Metrics   http.Handler
	Checks    map[string]HealthCheck

	Role           string
	Version        string
	AllowedOrigins []string
	Logger         *slog.Logger
}

// NewRouter creates the HTTP router for one role
func NewRouter(opts Options) *chi.Mux {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}

	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  slog.NewLogLogger(logger.Handler(), slog.LevelDebug),
		NoColor: true,
	}))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler(opts.Role, opts.Version, opts.Checks))
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	if opts.WebSocket != nil {
		r.Method(http.MethodGet, "/ws", opts.WebSocket)
	}

	h := &Handler{
		samples:  opts.Samples,
		triggers: opts.Triggers,
		rules:    opts.Rules,
		zones:    opts.Zones,
		subjects: opts.Subjects,
		relay:    opts.Relay,
		history:  opts.History,
		logger:   logger.With("component", "api"),
	}
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Mount("/", h.Routes())
	})

	return r
}

type healthResponse struct {
	Status  string            `json:"status"`
	Role    string            `json:"role,omitempty"`
	Version string            `json:"version,omitempty"`
	Checks  map[string]string `json:"checks,omitempty"`
}

func healthHandler(role, version string, checks map[string]HealthCheck) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		resp := healthResponse{Status: "healthy", Role: role, Version: version}
		if len(names) > 0 {
			resp.Checks = make(map[string]string, len(names))
		}
		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				resp.Status = "degraded"
				resp.Checks[name] = err.Error()
				continue
			}
			resp.Checks[name] = "ok"
		}

		status := http.StatusOK
		if resp.Status != "healthy" {
			status = http.StatusServiceUnavailable
		}
		JSON(w, status, resp)
	}
}
