// Package server exposes the adapter over HTTP: a JSON REST surface for
// sessions, messages, and pending questions, plus a server-sent-events push
// channel carrying the adapter's outward event stream.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/tailored-agentic-units/relay/adapter"
)

const defaultAddr = ":4096"

// Config holds the HTTP server parameters.
type Config struct {
	// Addr is the listen address.
	Addr string `json:"addr,omitempty"`

	// ShutdownSeconds bounds graceful shutdown.
	ShutdownSeconds int `json:"shutdown_seconds,omitempty"`

	Logger *slog.Logger `json:"-"`
}

// DefaultConfig returns the default server parameters.
func DefaultConfig() Config {
	return Config{
		Addr:            defaultAddr,
		ShutdownSeconds: 5,
	}
}

// Merge applies non-zero values from source into c.
func (c *Config) Merge(source *Config) {
	if source.Addr != "" {
		c.Addr = source.Addr
	}
	if source.ShutdownSeconds > 0 {
		c.ShutdownSeconds = source.ShutdownSeconds
	}
	if source.Logger != nil {
		c.Logger = source.Logger
	}
}

func (c *Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Server routes HTTP traffic to one adapter.
type Server struct {
	adapter  *adapter.Adapter
	mux      *http.ServeMux
	addr     string
	shutdown time.Duration
	logger   *slog.Logger
}

// New creates a Server over the adapter.
func New(cfg *Config, a *adapter.Adapter) *Server {
	s := &Server{
		adapter:  a,
		mux:      http.NewServeMux(),
		addr:     cfg.Addr,
		shutdown: time.Duration(cfg.ShutdownSeconds) * time.Second,
		logger:   cfg.logger(),
	}

	s.mux.HandleFunc("POST /session", s.handleCreateSession)
	s.mux.HandleFunc("GET /session", s.handleListSessions)
	s.mux.HandleFunc("GET /session/{id}", s.handleGetSession)
	s.mux.HandleFunc("DELETE /session/{id}", s.handleDeleteSession)
	s.mux.HandleFunc("GET /session/{id}/message", s.handleListMessages)
	s.mux.HandleFunc("POST /session/{id}/message", s.handlePrompt)
	s.mux.HandleFunc("GET /session/{id}/permissions", s.handleListQuestions)
	s.mux.HandleFunc("POST /permission/{id}/reply", s.handleReply)
	s.mux.HandleFunc("POST /permission/{id}/reject", s.handleReject)
	s.mux.HandleFunc("GET /event", s.handleEvents)
	s.mux.HandleFunc("GET /health", s.handleHealth)

	return s
}

// Handler returns the routing handler, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves until the context is canceled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdown)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("server shutdown incomplete", slog.String("error", err.Error()))
		}
	}()

	s.logger.Info("listening", slog.String("addr", s.addr))
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
