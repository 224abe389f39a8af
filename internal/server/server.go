// Package server provides the HTTP API for binding sessions, routing
// messages, and inspecting the audit trail.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/leadgov-io/warden/internal/audit"
	"github.com/leadgov-io/warden/internal/escalation"
	wardenotel "github.com/leadgov-io/warden/internal/otel"
	"github.com/leadgov-io/warden/internal/profile"
	"github.com/leadgov-io/warden/internal/session"
)

const defaultTimeout = 60 * time.Second

// Server holds all dependencies for the HTTP API.
type Server struct {
	router      *chi.Mux
	sessions    *session.Manager
	auditStore  *audit.Store
	escalations *escalation.Handler
	registry    *profile.Registry
	apiKeys     map[string]bool
	corsOrigins []string
	startTime   time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithCORSOrigins sets allowed CORS origins (e.g. ["*"]).
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// NewServer builds a Server. apiKeys protects the admin endpoints; the
// session endpoints are open to the messaging integration layer.
func NewServer(
	sessions *session.Manager,
	auditStore *audit.Store,
	escalations *escalation.Handler,
	registry *profile.Registry,
	apiKeys map[string]bool,
	opts ...Option,
) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		sessions:    sessions,
		auditStore:  auditStore,
		escalations: escalations,
		registry:    registry,
		apiKeys:     apiKeys,
		corsOrigins: []string{"*"},
		startTime:   time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.apiKeys == nil {
		s.apiKeys = make(map[string]bool)
	}
	return s
}

// Routes returns the configured http.Handler.
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(wardenotel.Middleware())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Warden-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.Timeout(defaultTimeout))

	r.Get("/health", s.handleHealth)

	r.Route("/v1/sessions", func(r chi.Router) {
		r.Post("/", s.handleSessionCreate)
		r.Post("/{id}/messages", s.handleSessionMessage)
		r.Delete("/{id}", s.handleSessionClose)
	})

	// Admin group: audit inspection and role corrections.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.apiKeys))

		r.Get("/v1/audit", s.handleAuditTail)
		r.Get("/v1/audit/sessions/{id}", s.handleAuditSession)
		r.Get("/v1/audit/{id}/verify", s.handleAuditVerify)

		r.Post("/v1/admin/mismatch", s.handleMismatchReport)
		r.Get("/v1/admin/mismatch", s.handleMismatchList)
		r.Post("/v1/admin/corrections", s.handleCorrectionApply)
	})

	return r
}
