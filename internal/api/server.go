// Package api implements mailroom's HTTP JSON API and the websocket
// event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/mailroom/internal/buildinfo"
	"github.com/nugget/mailroom/internal/connwatch"
	"github.com/nugget/mailroom/internal/email"
	"github.com/nugget/mailroom/internal/mailcache"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// PollFunc runs an immediate new-mail check.
type PollFunc func(ctx context.Context) []email.NewMail

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	mail    Mail
	cache   *mailcache.Cache
	health  *connwatch.Manager
	hub     *Hub
	poll    PollFunc
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, mail Mail, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		mail:    mail,
		logger:  logger,
	}
}

// SetCache enables serving the last cached copy of a folder when a
// live fetch times out.
func (s *Server) SetCache(c *mailcache.Cache) {
	s.cache = c
}

// SetHealth configures the connection watcher behind /health.
func (s *Server) SetHealth(m *connwatch.Manager) {
	s.health = m
}

// SetHub configures the websocket hub behind /v1/events.
func (s *Server) SetHub(h *Hub) {
	s.hub = h
}

// SetPoller enables POST /v1/poll.
func (s *Server) SetPoller(fn PollFunc) {
	s.poll = fn
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/accounts", s.handleAccounts)
	mux.HandleFunc("GET /v1/folders", s.handleFolders)
	mux.HandleFunc("GET /v1/folders/tree", s.handleFolderTree)
	mux.HandleFunc("GET /v1/messages", s.handleFetchFolder)
	mux.HandleFunc("GET /v1/messages/{uid}", s.handleReadMessage)
	mux.HandleFunc("GET /v1/messages/{uid}/attachments/{index}", s.handleAttachment)
	mux.HandleFunc("GET /v1/search", s.handleSearch)
	mux.HandleFunc("POST /v1/messages/move", s.handleMove)
	mux.HandleFunc("POST /v1/messages/flags", s.handleFlags)
	mux.HandleFunc("POST /v1/send", s.handleSend)
	mux.HandleFunc("POST /v1/poll", s.handlePoll)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns when the server stops.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Whole-folder fetches can take a while.
		WriteTimeout: 5 * time.Minute,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Close()
	}
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	resp := map[string]any{"status": "healthy"}
	if s.health != nil {
		resp["services"] = s.health.Status()
		if !s.health.Healthy() {
			resp["status"] = "degraded"
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}
	writeJSON(w, resp, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

// mailError reports a failed mail operation. The message is the short
// user-facing text; the underlying cause is only logged.
func (s *Server) mailError(w http.ResponseWriter, op string, err error) {
	code := http.StatusBadGateway
	message := email.UserMessage(err)

	switch {
	case email.IsTimeout(err):
		code = http.StatusGatewayTimeout
	case errors.Is(err, email.ErrNotFound):
		code = http.StatusNotFound
		message = "Message not found"
	case errors.Is(err, email.ErrUntrusted):
		code = http.StatusForbidden
		// The trust report follows the first line of the error.
		if _, issues, ok := strings.Cut(err.Error(), "\n"); ok {
			message = issues
		}
	}

	s.logger.Warn("mail operation failed", "op", op, "status", code, "error", err)
	s.errorResponse(w, code, message)
}
