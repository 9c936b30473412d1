// Package server exposes the router over HTTP: inbound customer messages,
// the monitoring snapshot and admin toggles.
package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	keyrouter "github.com/ineyio/keyrouter"
	"github.com/ineyio/keyrouter/batch"
	"github.com/ineyio/keyrouter/reply"
)

// Server holds the HTTP handlers.
type Server struct {
	router     *keyrouter.Router
	queue      *batch.Queue
	admin      keyrouter.Admin
	replies    *reply.Memory
	metrics    http.Handler
	adminToken string
	logger     *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithAdmin enables the /admin routes. token is the bearer secret; an empty
// token makes every admin call fail with 503.
func WithAdmin(admin keyrouter.Admin, token string) Option {
	return func(s *Server) {
		s.admin = admin
		s.adminToken = token
	}
}

// WithReplies serves stored replies under .../replies.
func WithReplies(m *reply.Memory) Option {
	return func(s *Server) { s.replies = m }
}

// WithMetrics mounts h on /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithLogger sets the logger used for access logs and handler errors.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a Server.
func New(router *keyrouter.Router, queue *batch.Queue, opts ...Option) *Server {
	s := &Server{router: router, queue: queue}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Handler returns the chi mux with every route mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestLogger(&chimw.DefaultLogFormatter{
		Logger:  slog.NewLogLogger(s.logger.Handler(), slog.LevelInfo),
		NoColor: true,
	}))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", s.health)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/snapshot", s.snapshot)
		r.Route("/tenants/{tenant}/conversations/{conversation}", func(r chi.Router) {
			r.Post("/messages", s.postMessage)
			r.Post("/flush", s.flush)
			r.Get("/replies", s.listReplies)
		})
	})

	if s.admin != nil {
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.adminAuth)
			r.Get("/exclusions", s.listExclusions)
			r.Route("/instances/{credential}/{model}", func(r chi.Router) {
				r.Put("/enable", s.setEnabled(true))
				r.Put("/disable", s.setEnabled(false))
				r.Put("/priority", s.setPriority)
				r.Delete("/exclusion", s.clearExclusion)
			})
		})
	}
	return r
}
