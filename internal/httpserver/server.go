package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"GreetingCardBot/internal/config"
	"GreetingCardBot/internal/utils/logger/sl"
)

// Server hosts the per-bot webhook endpoints and the liveness probe.
type Server struct {
	srv *http.Server
	log *slog.Logger
}

// New builds the server. webhooks maps a path to the handler of one bot
// identity; each configured bot gets its own endpoint.
func New(logger *slog.Logger, cfg config.HttpServerConfig, webhooks map[string]http.Handler) *Server {
	log := logger.With(slog.String("component", "httpserver"))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ok"}`)
	})
	for path, handler := range webhooks {
		mux.Handle("POST "+path, handler)
		log.Debug("webhook endpoint registered", slog.String("path", path))
	}

	return &Server{
		srv: &http.Server{
			Addr:         net.JoinHostPort(cfg.Address, cfg.Port),
			Handler:      mux,
			ReadTimeout:  cfg.Timeout,
			WriteTimeout: cfg.Timeout,
		},
		log: log,
	}
}

// Start serves until Shutdown is called.
func (s *Server) Start() {
	s.log.Info("http server listening", slog.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Error("http server stopped", sl.Err(err))
	}
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	op := "Server.Shutdown"
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("error exit %s: %w", op, err)
	}
	return nil
}
