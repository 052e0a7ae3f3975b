// Package server wires the HTTP middleware chain and the API routes.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"rest-api/backend/internal/auth"
	"rest-api/backend/internal/config"
	"rest-api/backend/internal/db"
	"rest-api/backend/internal/logging"
	"rest-api/backend/internal/render"
	"rest-api/backend/internal/users"
)

// UserStore is the subset of *users.Store the handlers use.
type UserStore interface {
	Create(ctx context.Context, username, password, role string) (users.User, error)
	ByID(ctx context.Context, id string) (users.User, error)
	List(ctx context.Context) ([]users.User, error)
	Delete(ctx context.Context, id string) error
	Authenticate(ctx context.Context, username, password string) (users.User, error)
}

// Database reports the state of the managed session.
type Database interface {
	State() db.State
}

// Deps are the collaborators a Server needs.
type Deps struct {
	Users    UserStore
	Database Database
	Tokens   *auth.Tokens
	Logger   *zap.Logger
	// Registry receives the HTTP metrics and is served on /metrics.
	Registry *prometheus.Registry
}

// Server holds the handlers' dependencies.
type Server struct {
	cfg     *config.Config
	users   UserStore
	db      Database
	tokens  *auth.Tokens
	logger  *zap.Logger
	reg     *prometheus.Registry
	metrics *httpMetrics
}

// New returns a Server. Logger and Registry may be nil.
func New(cfg *config.Config, d Deps) *Server {
	s := &Server{
		cfg:    cfg,
		users:  d.Users,
		db:     d.Database,
		tokens: d.Tokens,
		logger: d.Logger,
		reg:    d.Registry,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.reg != nil {
		s.metrics = newHTTPMetrics(s.reg)
	}
	return s
}

// Routes returns the full handler: middleware chain first, then routes.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"Api-Version", "Request-Id", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.Requests(s.logger))
	r.Use(s.metrics.instrument)
	r.Use(middleware.Recoverer)
	r.Use(s.fullResponse)
	r.Use(middleware.RequestSize(s.cfg.BodyLimit))
	r.Use(middleware.AllowContentType("application/json", "application/x-www-form-urlencoded"))
	r.Use(acceptable("application/json", "text/plain"))
	exempt := auth.NewExemptions(s.cfg.AuthExempt)
	r.Use(auth.ParseAuthorization)
	r.Use(auth.Middleware(s.tokens, exempt))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		render.Error(w, "Not found.", http.StatusNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		render.Error(w, "Method not allowed.", http.StatusMethodNotAllowed)
	})

	r.Get("/healthz", s.healthz)
	r.Post("/login", s.login)

	r.Route("/users", func(r chi.Router) {
		r.With(httprate.LimitByIP(s.cfg.RegisterRateLimit, time.Minute)).Post("/", s.register)
		r.Get("/me", s.me)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole(users.RoleAdmin))
			r.Get("/", s.listUsers)
			r.Delete("/{id}", s.deleteUser)
		})
	})

	if s.reg != nil {
		r.With(adminUnlessExempt(exempt)).
			Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{Registry: s.reg}))
	}
	return r
}

// adminUnlessExempt lets exempted requests through and requires the admin
// role from everyone else.
func adminUnlessExempt(exempt auth.Exemptions) func(http.Handler) http.Handler {
	requireAdmin := auth.RequireRole(users.RoleAdmin)
	return func(next http.Handler) http.Handler {
		guarded := requireAdmin(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if exempt.Match(r) {
				next.ServeHTTP(w, r)
				return
			}
			guarded.ServeHTTP(w, r)
		})
	}
}
