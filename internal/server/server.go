// Package server exposes the analyzer over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-surprisal/internal/analysis"
	"github.com/23skdu/longbow-surprisal/internal/config"
	"github.com/23skdu/longbow-surprisal/internal/logger"
)

type Server struct {
	analyzer *analysis.Analyzer
	cfg      config.Config
	log      *logger.Logger
	started  time.Time
	checks   map[string]Check

	cors    *CORSMiddleware
	auth    *AuthMiddleware
	logging *LoggingMiddleware
}

type Option func(*Server)

// WithCheck registers a readiness check reported by /readyz.
func WithCheck(name string, check Check) Option {
	return func(s *Server) { s.checks[name] = check }
}

func New(a *analysis.Analyzer, cfg config.Config, opts ...Option) *Server {
	log := logger.Log.With("component", "server")
	s := &Server{
		analyzer: a,
		cfg:      cfg,
		log:      log,
		started:  time.Now(),
		checks:   make(map[string]Check),
		cors:     NewCORSMiddleware(cfg.Server.AllowedOrigins),
		auth:     NewAuthMiddleware(cfg.Server.APIKey),
		logging:  NewLoggingMiddleware(log),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/health", s.HealthHandler())
	mux.Handle("/healthz", HealthzHandler())
	mux.Handle("/readyz", s.ReadyzHandler())
	mux.Handle("/version", s.VersionHandler())
	mux.Handle("/metrics", s.logging.Middleware("metrics", promhttp.Handler().ServeHTTP))

	api := func(endpoint string, h http.HandlerFunc) http.HandlerFunc {
		return s.logging.Middleware(endpoint, s.cors.Middleware(s.auth.Authenticate(h)))
	}
	mux.Handle("/api/analyze", api("analyze", s.AnalyzeHandler()))
	mux.Handle("/api/statistics", api("statistics", s.StatisticsHandler()))
	mux.Handle("/ws", s.logging.Middleware("ws", s.auth.Authenticate(s.WebSocketHandler())))

	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info("Server listening", "addr", srv.Addr, "auth", s.cfg.Server.APIKey != "")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		s.log.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
