package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/shohag/notifyrelay/internal/config"
	"github.com/shohag/notifyrelay/internal/intake"
	"github.com/shohag/notifyrelay/internal/metrics"
	"github.com/shohag/notifyrelay/internal/storage"
)

// Submitter accepts validated submissions. *intake.Service implements it.
type Submitter interface {
	Submit(ctx context.Context, sub intake.Submission) (*intake.Result, error)
}

type Server struct {
	cfg         config.ServerConfig
	store       storage.Storage
	intake      Submitter
	metrics     *metrics.Metrics
	metricsPath string
	service     string
	router      *chi.Mux
	log         zerolog.Logger
	http        *http.Server
}

type Option func(*Server)

// WithIntake mounts POST /messages. Without it the server only answers queries.
func WithIntake(s Submitter) Option {
	return func(srv *Server) { srv.intake = s }
}

func WithMetrics(m *metrics.Metrics, path string) Option {
	return func(srv *Server) {
		srv.metrics = m
		srv.metricsPath = path
	}
}

// WithService sets the name reported by /health.
func WithService(name string) Option {
	return func(srv *Server) { srv.service = name }
}

func NewServer(cfg config.ServerConfig, store storage.Storage, log zerolog.Logger, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		store:   store,
		service: "notifyrelay",
		log:     log.With().Str("component", "api").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(s.log))

	msgHandler := NewMessageHandler(s.store, s.intake, s.metrics, s.log)
	dlvHandler := NewDeliveryHandler(s.store)
	statsHandler := NewStatsHandler(s.store, s.service)

	r.Get("/health", statsHandler.Health)
	if s.metrics != nil && s.metricsPath != "" {
		r.Method(http.MethodGet, s.metricsPath, s.metrics.Handler())
	}

	r.Route("/messages", func(r chi.Router) {
		if s.intake != nil {
			r.Post("/", msgHandler.Create)
		}
		r.Get("/{id}", msgHandler.Get)
	})

	r.Route("/deliveries", func(r chi.Router) {
		r.Get("/", dlvHandler.List)
		r.Get("/stats", statsHandler.Stats)
		r.Get("/{messageId}", dlvHandler.Get)
	})

	return r
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.log.Info().Str("addr", addr).Msg("Starting HTTP server")
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(timeout time.Duration) error {
	if s.http == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}
