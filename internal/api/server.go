// Package api serves the /newbing endpoints over HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/clawinfra/bingrelay/internal/progress"
	"github.com/clawinfra/bingrelay/internal/turns"
)

const (
	defaultReadTimeout  = 15 * time.Second
	defaultWriteTimeout = 90 * time.Second
	maxBodyBytes        = 1 << 20
)

// Server is the HTTP API server
type Server struct {
	port         int
	version      string
	turns        *turns.Coordinator
	store        *progress.Store
	logger       *slog.Logger
	readTimeout  time.Duration
	writeTimeout time.Duration
	httpServer   *http.Server
}

// NewServer creates a new API server
func NewServer(port int, coord *turns.Coordinator, store *progress.Store, logger *slog.Logger) *Server {
	return &Server{
		port:         port,
		version:      "dev",
		turns:        coord,
		store:        store,
		logger:       logger.With("component", "api"),
		readTimeout:  defaultReadTimeout,
		writeTimeout: defaultWriteTimeout,
	}
}

// SetTimeouts overrides the read and write timeouts. Zero keeps the current value.
func (s *Server) SetTimeouts(read, write time.Duration) {
	if read > 0 {
		s.readTimeout = read
	}
	if write > 0 {
		s.writeTimeout = write
	}
}

// SetVersion sets the version reported by /healthz.
func (s *Server) SetVersion(v string) {
	s.version = v
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/newbing/query", s.handleQuery)
	mux.HandleFunc("/newbing/convo", s.handleConvo)
	mux.HandleFunc("/newbing/onprogress", s.handleOnProgress)
	mux.HandleFunc("/healthz", s.handleHealth)

	return s.corsMiddleware(s.loggingMiddleware(s.recoverMiddleware(mux)))
}

// Start listens on the configured port and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// recoverMiddleware turns a handler panic into an err reply.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panicked", "path", r.URL.Path, "panic", rec)
				s.respondJSON(w, envelope{Err: "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// respondJSON writes a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON", "error", err)
	}
}
