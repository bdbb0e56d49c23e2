// Package web provides the JSON status API: a read surface over the live
// queue plus an enqueue endpoint, for whatever front end wants to render it.
package web

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ZJHSteven/smartclass-downloader/internal/capture"
	"github.com/ZJHSteven/smartclass-downloader/internal/queue"
)

// Server represents the HTTP server
type Server struct {
	server *http.Server
	logger *slog.Logger
}

// NewServer creates the HTTP server and wires the API routes.
func NewServer(port string, q *queue.Queue, tokens *capture.TokenCache, sink *capture.Sink, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	handlers := NewHandlers(q, tokens, sink, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tasks", handlers.Tasks)
	mux.HandleFunc("GET /api/queue", handlers.Queue)
	mux.HandleFunc("GET /api/token", handlers.Token)
	mux.HandleFunc("POST /api/enqueue", handlers.Enqueue)

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		server: server,
		logger: logger,
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Handler exposes the routed mux, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}
