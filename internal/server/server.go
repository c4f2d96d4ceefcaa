package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/HummdG/tazaticket/internal/chat"
	"github.com/HummdG/tazaticket/internal/config"
	"github.com/HummdG/tazaticket/internal/memory"
	"github.com/HummdG/tazaticket/internal/telemetry"
)

// Server is the inbound webhook HTTP server.
type Server struct {
	cfg    config.ServerConfig
	engine *chat.Engine
	memory *memory.Manager
	logger *telemetry.Logger
	http   *http.Server
}

// NewServer creates the webhook server.
func NewServer(cfg config.ServerConfig, engine *chat.Engine, mem *memory.Manager, logger *telemetry.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		engine: engine,
		memory: mem,
		logger: logger,
	}
	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Post("/webhook", s.handleWebhook)
	return r
}

// Start serves until ctx is canceled, then drains connections and flushes
// every live conversation to the durable store.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := s.http.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown failed", "error", err)
	}
	if err := s.memory.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("memory flush on shutdown failed", "error", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}
