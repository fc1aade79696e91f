// Package server wires the HTTP and WebSocket surface of the proxy: the
// login/registration endpoints, the diagnostics endpoints, and the real-time
// session event stream.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/printbridge/printproxy/internal/audit"
	"github.com/printbridge/printproxy/internal/broadcast"
	"github.com/printbridge/printproxy/internal/environment"
	"github.com/printbridge/printproxy/internal/metrics"
	"github.com/printbridge/printproxy/internal/printapi"
	"github.com/printbridge/printproxy/internal/probe"
)

// Deps are the collaborators the server exposes over HTTP. Audit, Prober,
// and Metrics are optional.
type Deps struct {
	Logger   *slog.Logger
	Registry *environment.Registry
	Client   *printapi.Client
	Hub      *broadcast.Hub
	Audit    *audit.Recorder
	Prober   *probe.Prober
	Metrics  *metrics.Collector
}

// Server serves the proxy's HTTP and WebSocket surface.
type Server struct {
	router *chi.Mux
	http   *http.Server

	logger   *slog.Logger
	registry *environment.Registry
	client   *printapi.Client
	hub      *broadcast.Hub
	auditor  *audit.Recorder
	prober   *probe.Prober
	metrics  *metrics.Collector

	allowedOrigins []string
	startedAt      time.Time
}

// New builds the router and middleware chain.
func New(port int, allowedOrigins []string, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		router:         chi.NewRouter(),
		logger:         logger,
		registry:       deps.Registry,
		client:         deps.Client,
		hub:            deps.Hub,
		auditor:        deps.Audit,
		prober:         deps.Prober,
		metrics:        deps.Metrics,
		allowedOrigins: allowedOrigins,
		startedAt:      time.Now(),
	}

	r := s.router
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "printproxy")
	})

	// The WebSocket endpoint lives outside the timeout group: its
	// connections are long-lived by design.
	r.Get("/ws", s.handleWebSocket)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(TimeoutMiddleware(30 * time.Second))
		r.Get("/health", s.handleHealth)
		r.Get("/ws-info", s.handleWSInfo)
		r.Route("/api/proxy", func(r chi.Router) {
			r.Get("/debug", s.handleDebug)
			r.Post("/auto-login", s.handleAutoLogin)
			r.Post("/test-login", s.handleTestLogin)
			r.Post("/register", s.handleRegister)
		})
	})

	s.http = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: r,
	}
	return s
}

// Router exposes the mux, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start blocks serving HTTP until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	s.logger.Info("starting server", slog.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until the context expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
