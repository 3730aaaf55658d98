// Package server wires the router, middleware and handlers, and runs the
// HTTP server with graceful shutdown.
//
// It is the composition root of the HTTP surface: main builds the engine and
// passes it in; everything below the router only sees the interfaces it needs.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sakif/code-engine/internal/auth"
	"github.com/sakif/code-engine/internal/handler"
	"github.com/sakif/code-engine/internal/middleware"
	"github.com/sakif/code-engine/internal/service"
)

// Config holds server configuration.
type Config struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	CORSOrigins []string

	// RateLimitRPS is the per-client request rate; 0 disables limiting.
	RateLimitRPS   float64
	RateLimitBurst int

	// Registry is served on /metrics; nil disables metrics.
	Registry *prometheus.Registry

	// Tokens protects the API routes; nil leaves them open.
	Tokens *auth.TokenService
}

// Server represents the HTTP server and all its dependencies.
type Server struct {
	router *chi.Mux
	config Config
	logger *slog.Logger
	engine *service.Engine

	// stop ends background work owned by the router (rate limiter sweeps).
	stop    context.CancelFunc
	onClose []func(context.Context) error
}

// New creates a Server serving engine.
func New(cfg Config, engine *service.Engine, logger *slog.Logger) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	ctx, stop := context.WithCancel(context.Background())
	s := &Server{
		router: chi.NewRouter(),
		config: cfg,
		logger: logger,
		engine: engine,
		stop:   stop,
	}
	s.setupRoutes(ctx)
	return s
}

// OnShutdown registers fn to run after the HTTP server and the engine have
// stopped, in registration order. main uses it to drain the supervisor.
func (s *Server) OnShutdown(fn func(context.Context) error) {
	s.onClose = append(s.onClose, fn)
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures all middleware and routes.
//
//	GET    /healthz                 liveness and sandbox capacity
//	GET    /metrics                 Prometheus (when enabled)
//	POST   /execute                 run code, wait for the result
//	POST   /execute/async           run code in the background → 202
//	GET    /execute/{id}            poll an async execution
//	DELETE /execute/{id}            cancel an async execution
//	POST   /analyze                 complexity metrics
//	POST   /diff                    files touched by a unified diff
//	POST   /transform               digest or compress data
//	POST   /transform/fingerprints  per-chunk xxHash64
//
// Everything except /healthz and /metrics sits behind auth and the rate
// limiter.
func (s *Server) setupRoutes(ctx context.Context) {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(middleware.CORS(s.config.CORSOrigins))
	if reg := s.config.Registry; reg != nil {
		s.router.Use(instrument(reg))
		s.router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}

	s.router.Get("/healthz", handler.HandleHealth(s.engine))

	executeHandler := handler.NewExecuteHandler(s.engine, s.logger)
	analyzeHandler := handler.NewAnalyzeHandler(s.engine, s.logger)
	transformHandler := handler.NewTransformHandler(s.engine, s.logger)

	s.router.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth(s.config.Tokens, handler.WriteError))
		if s.config.RateLimitRPS > 0 {
			r.Use(middleware.NewRateLimiter(ctx, s.config.RateLimitRPS, s.config.RateLimitBurst).Middleware)
		}

		r.Post("/execute", executeHandler.HandleExecute)
		r.Post("/execute/async", executeHandler.HandleSubmit)
		r.Get("/execute/{id}", executeHandler.HandleGetTask)
		r.Delete("/execute/{id}", executeHandler.HandleCancelTask)

		r.Post("/analyze", analyzeHandler.HandleAnalyze)
		r.Post("/diff", analyzeHandler.HandleDiff)

		r.Post("/transform", transformHandler.HandleTransform)
		r.Post("/transform/fingerprints", transformHandler.HandleFingerprints)
	})
}

// instrument counts requests by status code and method.
func instrument(reg prometheus.Registerer) func(http.Handler) http.Handler {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codeengine",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by status code and method.",
	}, []string{"code", "method"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "codeengine",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"code", "method"})
	reg.MustRegister(requests, duration)

	return func(next http.Handler) http.Handler {
		return promhttp.InstrumentHandlerCounter(requests,
			promhttp.InstrumentHandlerDuration(duration, next))
	}
}

// Start serves until SIGINT/SIGTERM or ctx ends, then shuts down:
//  1. stop accepting connections and drain in-flight requests
//  2. cancel async tasks still running in the engine
//  3. run the OnShutdown hooks
//
// Everything shares one ShutdownTimeout budget.
func (s *Server) Start(ctx context.Context) error {
	ctx, stopSignals := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()
	defer s.stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadTimeout:       s.config.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Port),
			slog.Bool("auth", s.config.Tokens != nil),
			slog.Bool("metrics", s.config.Registry != nil),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("graceful shutdown failed: %w", err))
	}
	s.engine.Close()
	for _, fn := range s.onClose {
		if err := fn(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	s.logger.Info("server stopped gracefully")
	return nil
}
