package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ignite/bulk-verifier/internal/config"
)

// Server is the HTTP front of the verifier.
type Server struct {
	config   config.ServerConfig
	handler  http.Handler
	handlers *Handlers
	server   *http.Server
}

// NewServer builds the router for h.
func NewServer(cfg config.ServerConfig, h *Handlers) *Server {
	return &Server{
		config:   cfg,
		handler:  SetupRoutes(h, cfg.AllowedOrigins, cfg.GetAdminToken()),
		handlers: h,
	}
}

// ListenAndServe blocks until the server stops. WriteTimeout is left at zero
// because the event stream holds responses open for the life of a job.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadTimeout:       5 * time.Minute,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) Handler() http.Handler {
	return s.handler
}
