/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:     Unique ID per request for tracing
  2. RequestLogger: Request-scoped slog logger, completion log line
  3. Recoverer:     Panic recovery (500 instead of crash)
  4. CORS:          Cross-origin requests for the wallet frontend
  5. RateLimit:     Per-IP request budget (optional)
  6. Authenticate:  Actor resolution, /api only

ROUTE GROUPS:
  /healthz                     Liveness and store ping
  /api/accounts/*              Wallet reads, earn, redeem, close (admin)
  /api/entries/*               Voids (admin)
  /api/reconciliation/*        Drift checks

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Logging, rate limit and auth middleware
  - cmd/server/main.go: Server startup
*/
package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/ulule/limiter/v3"
)

// RouterConfig holds the transport settings. The zero value is a local
// development setup: no auth, no rate limit, localhost CORS.
type RouterConfig struct {
	AllowedOrigins []string
	JWTSecret      string
	Limiter        *limiter.Limiter
	Logger         *slog.Logger
}

var defaultOrigins = []string{"http://localhost:3000", "http://localhost:5173"}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = defaultOrigins
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", actorHeader},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: true,
	}))
	if cfg.Limiter != nil {
		r.Use(RateLimit(cfg.Limiter))
	}

	r.Get("/healthz", h.Healthz)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(Authenticate(cfg.JWTSecret))

		// Account routes
		r.Route("/accounts/{id}", func(r chi.Router) {
			r.Get("/", h.GetAccount)
			r.Get("/entries", h.ListEntries)
			r.Post("/earn", h.Earn)
			r.Post("/redeem", h.Redeem)
			r.With(RequireAdmin).Post("/close", h.CloseAccount)
		})

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(RequireAdmin)
			r.Post("/entries/{id}/void", h.VoidEntry)
			r.Post("/reconciliation/run", h.RunReconciliation)
		})

		r.Get("/reconciliation/runs/latest", h.LatestReconciliation)
		r.Get("/reconciliation/{id}", h.GetReconciliation)
	})

	return r
}
