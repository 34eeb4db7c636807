package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/colegrim/hubdeck/internal/config"
	"github.com/colegrim/hubdeck/internal/store"
	"github.com/colegrim/hubdeck/internal/vault"
)

// AccountHeader carries the scoping account identifier on every call.
const AccountHeader = "X-Hubdeck-Account"

// Server is the settings API HTTP server.
type Server struct {
	cfg     config.Config
	store   *store.Store
	vault   *vault.Vault
	limiter *rateLimiter
	mux     *http.ServeMux
	http    *http.Server
}

// NewServer creates a Server, registers all routes, and sets up the
// middleware chain.
func NewServer(cfg config.Config, st *store.Store, v *vault.Vault) *Server {
	s := &Server{
		cfg:     cfg,
		store:   st,
		vault:   v,
		limiter: newRateLimiter(cfg.RateLimitWindow, cfg.RateLimitMax),
		mux:     http.NewServeMux(),
	}

	s.registerRoutes()
	return s
}

// Handler returns the mux wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)

	// Final order (outermost to innermost):
	//   recovery -> logging -> CORS -> token auth -> body cap -> handler
	h = http.MaxBytesHandler(h, 1<<20)
	h = s.authMiddleware(h)
	h = s.corsMiddleware(h)
	h = s.loggingMiddleware(h)
	h = s.recoveryMiddleware(h)

	return h
}

// ListenAndServe starts the HTTP server on the configured address and
// handles graceful shutdown when the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}

	s.http = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the HTTP server. No-op if not started.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	s.mux.HandleFunc("GET /settings/current", s.scoped(s.handleGetCurrent))
	s.mux.HandleFunc("PUT /settings/current", s.scoped(s.handlePutCurrent))
	s.mux.HandleFunc("GET /settings/history", s.scoped(s.handleListHistory))
	s.mux.HandleFunc("DELETE /settings/history", s.scoped(s.handleClearHistory))
	s.mux.HandleFunc("GET /settings/devices", s.scoped(s.handleListDevices))
	s.mux.HandleFunc("DELETE /settings/devices", s.scoped(s.handleDeleteDevice))
	s.mux.HandleFunc("PUT /settings/devices/label", s.scoped(s.handleRenameDevice))
	s.mux.HandleFunc("POST /settings/publish", s.scoped(s.handlePublish))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, map[string]string{"status": "ok"}, http.StatusOK)
}

// scoped extracts the account identifier from the request header,
// rejects unscoped requests, and applies the per-account rate limit.
func (s *Server) scoped(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		account := strings.TrimSpace(r.Header.Get(AccountHeader))
		if account == "" {
			WriteError(w, ErrUnauthorized, "missing account header", http.StatusUnauthorized)
			return
		}
		if !validIdentifier(account) {
			WriteError(w, ErrValidation, "malformed account identifier", http.StatusBadRequest)
			return
		}
		if !s.limiter.allow(account) {
			WriteError(w, ErrRateLimited, "request rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r, account)
	}
}

// validIdentifier accepts account and device ids: non-empty, bounded,
// no control characters.
func validIdentifier(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, r := range id {
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}

// ============================================================================
// Middleware
// ============================================================================

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.code = code
	sr.ResponseWriter.WriteHeader(code)
}

// recoveryMiddleware catches panics, logs the stack trace, and returns
// a 500 error envelope.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				stack := debug.Stack()
				slog.Error("panic recovered",
					"panic", rec,
					"method", r.Method,
					"path", r.URL.Path,
					"stack", string(stack),
				)
				WriteError(w, ErrInternal, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs each request with method, path, status code,
// and duration.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sr, r)
		slog.Info("req",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sr.code,
			"dur", time.Since(start).String(),
		)
	})
}

// corsMiddleware handles CORS preflight and sets response headers when
// a CORS origin is configured, so a browser dashboard can call the
// API. No-op pass-through otherwise.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.CORSOrigin == "" {
			next.ServeHTTP(w, r)
			return
		}

		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}

		if s.cfg.CORSOrigin != "*" && s.cfg.CORSOrigin != origin {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization,"+AccountHeader)
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// authMiddleware validates the Bearer token when the server is
// configured with one. GET /healthz is always exempt.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token == "" {
			next.ServeHTTP(w, r)
			return
		}

		if r.Method == http.MethodGet && r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			WriteError(w, ErrUnauthorized, "missing authorization header", http.StatusUnauthorized)
			return
		}
		if !strings.HasPrefix(authHeader, "Bearer ") {
			WriteError(w, ErrUnauthorized, "invalid authorization format", http.StatusUnauthorized)
			return
		}
		if strings.TrimPrefix(authHeader, "Bearer ") != s.cfg.Token {
			WriteError(w, ErrUnauthorized, "invalid token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}
