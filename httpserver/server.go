package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/isdmx/execbox/sandbox"
)

// Executor runs code requests.
type Executor interface {
	Execute(ctx context.Context, req sandbox.ExecuteRequest, emit sandbox.EmitFunc) (sandbox.ExecuteResult, error)
	ExecuteBuffered(ctx context.Context, req sandbox.ExecuteRequest) (sandbox.ExecuteResult, []byte, error)
}

// Pinger reports whether the container engine is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP front end of the service.
type Server struct {
	logger    *zap.Logger
	addr      string
	exec      Executor
	profiles  *sandbox.ProfileTable
	terminals Terminals
	pinger    Pinger
	metrics   http.Handler
	router    chi.Router
	http      *http.Server
}

// Option defines a functional option for Server
type Option func(*Server)

// WithTerminals enables GET /terminal.
func WithTerminals(t Terminals) Option {
	return func(s *Server) {
		s.terminals = t
	}
}

// WithPinger makes /healthz check the engine.
func WithPinger(p Pinger) Option {
	return func(s *Server) {
		s.pinger = p
	}
}

// WithMetrics serves h on /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// New creates a Server listening on port once started.
func New(log *zap.Logger, port int, exec Executor, profiles *sandbox.ProfileTable, opts ...Option) *Server {
	s := &Server{
		logger:   log.Named("http"),
		addr:     fmt.Sprintf(":%d", port),
		exec:     exec,
		profiles: profiles,
		router:   chi.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	s.http = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Post("/execute", s.handleExecute)
	r.Get("/languages", s.handleLanguages)
	r.Get("/healthz", s.handleHealth)
	if s.terminals != nil {
		r.Get("/terminal", s.handleTerminal)
	}
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.logger.Info("starting HTTP server", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.http.Shutdown(ctx)
}

// requestLogger logs one line per request with zap.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			started := time.Now()
			defer func() {
				log.Info("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("elapsed", time.Since(started)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("remote", r.RemoteAddr))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
