// Package server implements the status HTTP server: health probes,
// version, and run-ledger queries, with the standard error envelope on
// every non-2xx response.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/earthscale/geoflow/internal/errors"
	"github.com/earthscale/geoflow/internal/server/handlers"
	"github.com/earthscale/geoflow/internal/server/middleware"
)

// adminTokenEnv guards the admin signal endpoint. The endpoint is not
// registered at all when the variable is empty.
const adminTokenEnv = "GEOFLOW_ADMIN_TOKEN"

// Server is the status HTTP server.
type Server struct {
	host   string
	port   int
	router chi.Router

	ledger   handlers.RunStore
	onSignal func(signal string)
	logger   *zap.Logger

	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration
	pprofEnabled bool

	httpServer *http.Server
}

// Option adjusts server construction.
type Option func(*Server)

// WithRunLedger backs /runs and /runs/{id} with the given store.
func WithRunLedger(store handlers.RunStore) Option {
	return func(s *Server) {
		s.ledger = store
	}
}

// WithTimeouts sets the HTTP server timeouts.
func WithTimeouts(read, write, idle time.Duration) Option {
	return func(s *Server) {
		s.readTimeout = read
		s.writeTimeout = write
		s.idleTimeout = idle
	}
}

// WithPprof mounts the pprof handlers under /debug when enabled.
func WithPprof(enabled bool) Option {
	return func(s *Server) {
		s.pprofEnabled = enabled
	}
}

// WithSignalHandler installs the callback invoked by the admin signal
// endpoint.
func WithSignalHandler(fn func(signal string)) Option {
	return func(s *Server) {
		s.onSignal = fn
	}
}

// WithLogger sets the server's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New builds a server listening on host:port once started.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:         host,
		port:         port,
		logger:       zap.NewNop(),
		readTimeout:  30 * time.Second,
		writeTimeout: 30 * time.Second,
		idleTimeout:  120 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// Start serves until the listener fails or Shutdown runs. A clean
// shutdown returns nil.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
		IdleTimeout:  s.idleTimeout,
	}
	s.logger.Info("status server listening", zap.String("addr", s.Addr()))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("status server shutting down")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		resp := apperrors.NewHTTPError("NOT_FOUND", fmt.Sprintf("no route for %s %s", req.Method, req.URL.Path)).
			WithRequestID(apperrors.RequestIDFromContext(req.Context()))
		apperrors.WriteHTTPError(w, resp, http.StatusNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		resp := apperrors.NewHTTPError("METHOD_NOT_ALLOWED", fmt.Sprintf("%s is not allowed on %s", req.Method, req.URL.Path)).
			WithRequestID(apperrors.RequestIDFromContext(req.Context()))
		apperrors.WriteHTTPError(w, resp, http.StatusMethodNotAllowed)
	})

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler)

	r.Get("/runs", handlers.ListRunsHandler(s.ledger))
	r.Get("/runs/{id}", handlers.GetRunHandler(s.ledger))

	if token := os.Getenv(adminTokenEnv); token != "" {
		s.registerAdminEndpoint(r, token)
	}

	if s.pprofEnabled {
		r.Mount("/debug", chimw.Profiler())
	}

	return r
}

// registerAdminEndpoint mounts POST /admin/signal behind bearer-token
// auth. Signals are forwarded to the installed handler.
func (s *Server) registerAdminEndpoint(r chi.Router, token string) {
	r.Post("/admin/signal", func(w http.ResponseWriter, req *http.Request) {
		if !authorized(req, token) {
			resp := apperrors.NewHTTPError("UNAUTHORIZED", "invalid or missing admin token").
				WithRequestID(apperrors.RequestIDFromContext(req.Context()))
			apperrors.WriteHTTPError(w, resp, http.StatusUnauthorized)
			return
		}

		var body struct {
			Signal string `json:"signal"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Signal == "" {
			resp := apperrors.NewHTTPError("INVALID_ARGUMENT", `body must be {"signal":"<name>"}`).
				WithRequestID(apperrors.RequestIDFromContext(req.Context()))
			apperrors.WriteHTTPError(w, resp, http.StatusBadRequest)
			return
		}
		if body.Signal != "shutdown" {
			resp := apperrors.NewHTTPError("INVALID_ARGUMENT", fmt.Sprintf("unsupported signal %q", body.Signal)).
				WithRequestID(apperrors.RequestIDFromContext(req.Context()))
			apperrors.WriteHTTPError(w, resp, http.StatusBadRequest)
			return
		}

		s.logger.Warn("admin signal accepted", zap.String("signal", body.Signal))
		if s.onSignal != nil {
			// Asynchronous so the response flushes before a shutdown
			// tears the connection down.
			go s.onSignal(body.Signal)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "accepted",
			"signal": body.Signal,
		})
	})
}

func authorized(req *http.Request, token string) bool {
	header := req.Header.Get("Authorization")
	bearer, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(bearer), []byte(token)) == 1
}
