// Package server provides the local HTTP proxy that browser-hosted clients
// use to reach provider APIs when direct calls fail on CORS or network
// policy. The transport layer targets it at /api/proxy?target=<url>.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/funkpopo/writebot-sub002/internal/logging"
)

// Config holds proxy server configuration.
type Config struct {
	// Listen is the bind address, e.g. "127.0.0.1:8765".
	Listen string

	ReadTimeout time.Duration

	// WriteTimeout stays zero: proxied provider responses stream for an
	// unbounded time.
	WriteTimeout time.Duration
}

// DefaultConfig returns the default proxy configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:      "127.0.0.1:8765",
		ReadTimeout: 30 * time.Second,
	}
}

// Server is the proxy HTTP server.
type Server struct {
	config   *Config
	router   *chi.Mux
	httpSrv  *http.Server
	upstream *http.Client
}

// New creates a proxy server.
func New(cfg *Config) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	s := &Server{
		config: cfg,
		router: chi.NewRouter(),
		// No client timeout: the per-request context governs lifetime and
		// streamed bodies must not be cut off mid-read.
		upstream: &http.Client{
			Transport: &http.Transport{DisableCompression: true},
		},
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	log := logging.ForComponent("server")
	log.Info().Str("listen", s.config.Listen).Msg("proxy listening")
	s.httpSrv = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
