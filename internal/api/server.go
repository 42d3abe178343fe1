// Package api exposes the active chat store and the archive pipeline
// over HTTP. It is thin glue: usernames arrive as path segments and no
// authentication is performed here.
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

	"github.com/gitNoodler/wankr-sub000/internal/archive"
	"github.com/gitNoodler/wankr-sub000/internal/buildinfo"
	"github.com/gitNoodler/wankr-sub000/internal/chat"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 8 << 20

// CredentialHeader carries the caller's annotation credential.
const CredentialHeader = "X-Annotation-Key"

// ChatStore is the active chat store as the API uses it.
type ChatStore interface {
	Load(user string) []chat.Chat
	Get(user, id string) *chat.Chat
	Add(user string, c chat.Chat) (*chat.Chat, error)
	Remove(user, id string) (*chat.Chat, error)
	Update(user string, c chat.Chat) (bool, error)
}

// Archiver runs the archive pipeline.
type Archiver interface {
	Process(ctx context.Context, c chat.Chat, isDelete bool, username, credential string) (*archive.Result, error)
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	store    ChatStore
	archiver Archiver
	logger   *slog.Logger
	server   *http.Server

	defaultCredential string
	metricsPath       string
	metricsHandler    http.Handler
}

// NewServer creates a new API server.
func NewServer(address string, port int, store ChatStore, archiver Archiver, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:  address,
		port:     port,
		store:    store,
		archiver: archiver,
		logger:   logger.With("component", "api"),
	}
}

// SetDefaultCredential sets the annotation credential used when a
// request does not send one in [CredentialHeader].
func (s *Server) SetDefaultCredential(credential string) {
	s.defaultCredential = credential
}

// SetMetricsHandler mounts h at path.
func (s *Server) SetMetricsHandler(path string, h http.Handler) {
	s.metricsPath = path
	s.metricsHandler = h
}

// Handler returns the routed handler, wrapped with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Active chats
	mux.HandleFunc("GET /v1/users/{user}/chats", s.handleList)
	mux.HandleFunc("POST /v1/users/{user}/chats", s.handleAdd)
	mux.HandleFunc("PUT /v1/users/{user}/chats/{id}", s.handleUpdate)

	// Archive pipeline
	mux.HandleFunc("POST /v1/users/{user}/chats/{id}/archive", s.handleArchive)
	mux.HandleFunc("DELETE /v1/users/{user}/chats/{id}", s.handleDelete)

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)

	if s.metricsHandler != nil {
		mux.Handle("GET "+s.metricsPath, s.metricsHandler)
	}

	return s.withLogging(mux)
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
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
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
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

// credential picks the request's annotation credential.
func (s *Server) credential(r *http.Request) string {
	if c := strings.TrimSpace(r.Header.Get(CredentialHeader)); c != "" {
		return c
	}
	return s.defaultCredential
}

// decodeChat reads a chat from the body. A non-empty pathID overrides
// the body's id.
func decodeChat(w http.ResponseWriter, r *http.Request, pathID string) (chat.Chat, error) {
	var c chat.Chat
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&c); err != nil {
		return c, err
	}
	if pathID != "" {
		c.ID = pathID
	}
	if strings.TrimSpace(c.ID) == "" {
		return c, errors.New("chat id is required")
	}
	return c, nil
}
