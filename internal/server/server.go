// Package server exposes the conversational agent over HTTP: a streaming
// chat endpoint, conversation and decision APIs, the upload side-channel,
// and a websocket feed for pending confirmations.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parleyhq/parley/internal/agent"
	"github.com/parleyhq/parley/internal/auth"
	"github.com/parleyhq/parley/internal/history"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/scheduler"
	"github.com/parleyhq/parley/internal/uploads"
)

// Config holds the server's dependencies and listen settings.
type Config struct {
	// Addr is the listen address, e.g. "0.0.0.0:8080".
	Addr string

	// ReadHeaderTimeout bounds header reads (default: 10s).
	ReadHeaderTimeout time.Duration

	// ShutdownTimeout bounds graceful shutdown (default: 10s).
	ShutdownTimeout time.Duration

	// Runtime drives conversation turns. Required.
	Runtime *agent.Runtime

	// Store reads conversation listings and transcripts. Required.
	Store history.Store

	// Uploads serves the file side-channel. A service with no backend is
	// fine; upload endpoints then fail with storage not configured.
	Uploads *uploads.Service

	// Auth guards /api/* and /ws when enabled. Optional.
	Auth *auth.Service

	// Hub feeds pending-confirmation events to websocket clients. Optional.
	Hub *Hub

	// Scheduler exposes scheduled task listings. Optional.
	Scheduler *scheduler.Scheduler

	// Metrics records HTTP and pipeline metrics. Optional.
	Metrics *observability.Metrics

	// MetricsEnabled mounts promhttp at /metrics.
	MetricsEnabled bool

	// Logger receives request and handler logs.
	Logger *slog.Logger
}

// Server is the HTTP front end.
type Server struct {
	config     Config
	logger     *slog.Logger
	metrics    *observability.Metrics
	hub        *Hub
	handler    http.Handler
	httpServer *http.Server
	listener   net.Listener
	startTime  time.Time
}

// New assembles the server and its routes.
func New(cfg Config) (*Server, error) {
	if cfg.Runtime == nil {
		return nil, errors.New("runtime is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("history store is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		config:    cfg,
		logger:    cfg.Logger.With("component", "server"),
		metrics:   cfg.Metrics,
		hub:       cfg.Hub,
		startTime: time.Now(),
	}
	s.handler = s.routes()
	return s, nil
}

// routes builds the handler tree. Auth wraps the API surface and the
// websocket feed; health, metrics, and upload retrieval stay open so
// probes and capability URLs keep working.
func (s *Server) routes() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("/api/chat", s.handleChat)
	api.HandleFunc("/api/upload", s.handleUpload)
	api.HandleFunc("/api/conversations", s.handleConversationList)
	api.HandleFunc("/api/conversations/", s.handleConversation)
	api.HandleFunc("/api/tasks", s.handleTaskList)
	api.HandleFunc("/api/tasks/", s.handleTaskRun)

	guard := auth.Middleware(s.config.Auth, s.logger)

	mux := http.NewServeMux()
	mux.Handle("/api/", guard(api))
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/uploads/", s.handleUploadGet)
	if s.hub != nil {
		mux.Handle("/ws", guard(http.HandlerFunc(s.hub.ServeHTTP)))
	}
	if s.config.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
	}

	return s.instrument(mux)
}

// Handler returns the fully wrapped handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens and serves in the background. It returns once the
// listener is bound; serve errors surface through the logger.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("http server started", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound listen address, or empty before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown drains in-flight requests, bounded by ShutdownTimeout when
// the given context has no earlier deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}
	if s.hub != nil {
		s.hub.Close()
	}
	err := s.httpServer.Shutdown(ctx)
	s.logger.Info("http server stopped")
	return err
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
	})
}
