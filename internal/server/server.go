package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/discoversutd/discover/internal/auth/handlers"
	"github.com/discoversutd/discover/internal/config"
	"github.com/discoversutd/discover/internal/events"
	"github.com/discoversutd/discover/internal/health"
	"github.com/discoversutd/discover/internal/httpx"
	"github.com/discoversutd/discover/internal/logger"
	"github.com/discoversutd/discover/internal/metrics"
	"github.com/discoversutd/discover/internal/middleware"
)

// Deps are the components the API router is assembled from.
type Deps struct {
	Config     *config.Discover
	Auth       *handlers.AuthHandler
	Events     *events.Handler
	Health     *health.Checker
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
	HTTPLogger *zap.Logger

	// MetricsAllowlist guards /metrics when set.
	MetricsAllowlist *middleware.IPAllowlist
}

// Server owns the API listener.
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
	wg         sync.WaitGroup
}

// NewRouter builds the API handler. Probes and /metrics bypass the global
// rate limit; everything under /api shares it.
func NewRouter(deps Deps) http.Handler {
	cfg := deps.Config
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	if cfg.Server.TrustProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(middleware.RequestID{}.Middleware)
	r.Use(middleware.NewLoggingMiddleware(deps.HTTPLogger,
		middleware.WithExcludePaths([]string{"/healthz", "/readyz", "/metrics"}),
	).Middleware)
	r.Use(middleware.NewSecurityMiddleware(cfg.Auth.CookieSecure).Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.RequestIDHeader},
		ExposedHeaders:   []string{middleware.RequestIDHeader, "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.NewMetrics(deps.Metrics).Middleware)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpx.NotFound(w, "Route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httpx.Error(w, http.StatusMethodNotAllowed, httpx.CodeMethodNotAllowed, "Method not allowed", nil)
	})

	r.Get("/healthz", health.Live)
	r.Get("/readyz", deps.Health.Handler())
	metricsHandler := deps.Metrics.Handler()
	if deps.MetricsAllowlist != nil {
		metricsHandler = deps.MetricsAllowlist.Middleware(metricsHandler)
	}
	r.Handle("/metrics", metricsHandler)

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewRateLimit(cfg.RateLimit.Requests, cfg.RateLimit.Window).Middleware)

		loginLimit := middleware.NewRateLimit(cfg.RateLimit.LoginRequests, cfg.RateLimit.LoginWindow)
		deps.Auth.Routes(r, loginLimit.Middleware)
		deps.Auth.AdminRoutes(r)
		deps.Events.Routes(r)
	})

	return r
}

func New(deps Deps) *Server {
	s := deps.Config.Server
	return &Server{
		httpServer: &http.Server{
			Addr:              s.Addr(),
			Handler:           NewRouter(deps),
			ReadTimeout:       s.ReadTimeout,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      s.WriteTimeout,
			IdleTimeout:       s.IdleTimeout,
			ErrorLog:          logger.StdLogger(deps.Logger, zapcore.ErrorLevel, "http: "),
		},
		logger: deps.Logger,
	}
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves in its own goroutine. A listener failure is sent on errCh.
func (s *Server) Start(errCh chan<- error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		s.logger.Info("Server started", zap.String("listen_on", s.httpServer.Addr))
		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Error starting server", zap.Error(err))
			errCh <- err
			return
		}
		s.logger.Info("Server stopped gracefully")
	}()
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.wg.Wait()
	return err
}
