// Package statusapi serves the internal database health endpoint, the
// operator actions (degradation reset, on-demand probe, pool optimization,
// deadlock journal) and Prometheus metrics over HTTP.
package statusapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/migadu/dbrouter/logger"
	"github.com/migadu/dbrouter/pkg/correlation"
	"github.com/migadu/dbrouter/pkg/deadlock"
	"github.com/migadu/dbrouter/pkg/degradation"
	"github.com/migadu/dbrouter/pkg/health"
	"github.com/migadu/dbrouter/pkg/metrics"
	"github.com/migadu/dbrouter/pkg/pool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"
)

// HealthSource is the health prober.
type HealthSource interface {
	Snapshot() map[string]health.Status
	Fresh(alias string) bool
	ProbeNow(ctx context.Context, alias string) (health.Status, error)
}

// DegradationSource is the degradation tracker.
type DegradationSource interface {
	Snapshot() map[string]degradation.State
	State(alias string) (degradation.State, bool)
	Reset(alias string) error
}

// PoolSource is the connection pool manager.
type PoolSource interface {
	Status() map[string]pool.Metrics
	Optimize(alias string, targetUtilization float64) (pool.OptimizeResult, error)
}

// DeadlockSource is the deadlock journal.
type DeadlockSource interface {
	Recent(limit int) []deadlock.Pattern
}

// ServerOptions holds configuration options for the status API server
type ServerOptions struct {
	Addr       string
	APIKey     string
	APIKeyHash string

	// TargetUtilization is used by optimize requests that do not name one.
	TargetUtilization float64

	Health      HealthSource
	Degradation DegradationSource
	Pools       PoolSource
	Deadlocks   DeadlockSource
}

// Server represents the status API server
type Server struct {
	addr              string
	apiKey            []byte
	apiKeyHash        []byte
	targetUtilization float64
	health            HealthSource
	degradation       DegradationSource
	pools             PoolSource
	deadlocks         DeadlockSource
	server            *http.Server
}

// New creates a new status API server. Without an API key the admin routes
// answer 403.
func New(options ServerOptions) (*Server, error) {
	if options.Health == nil || options.Degradation == nil || options.Pools == nil {
		return nil, fmt.Errorf("status API requires health, degradation and pool sources")
	}
	if options.APIKeyHash != "" {
		if _, err := bcrypt.Cost([]byte(options.APIKeyHash)); err != nil {
			return nil, fmt.Errorf("invalid status_api.api_key_hash: %w", err)
		}
	}
	if options.APIKey == "" && options.APIKeyHash == "" {
		logger.Warn("Status API has no API key, admin routes are disabled", "component", "STATUS-API")
	}

	target := options.TargetUtilization
	if target <= 0 || target > 1 {
		target = 0.7
	}

	return &Server{
		addr:              options.Addr,
		apiKey:            []byte(options.APIKey),
		apiKeyHash:        []byte(options.APIKeyHash),
		targetUtilization: target,
		health:            options.Health,
		degradation:       options.Degradation,
		pools:             options.Pools,
		deadlocks:         options.Deadlocks,
	}, nil
}

// Start starts the status API server
func Start(ctx context.Context, options ServerOptions, errChan chan error) {
	server, err := New(options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create status API server: %w", err)
		return
	}

	logger.Info("Status API: Starting server", "component", "STATUS-API", "addr", options.Addr)
	if err := server.start(ctx); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
		errChan <- fmt.Errorf("status API server failed: %w", err)
	}
}

// start initializes and starts the HTTP server
func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		logger.Info("Status API: Shutting down server", "component", "STATUS-API")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Status API: Error shutting down server", "component", "STATUS-API", "error", err)
		}
	}()

	return s.server.ListenAndServe()
}

// Handler returns the routed handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	router.Use(correlation.Middleware)
	router.Use(s.metricsMiddleware)
	router.Use(s.loggingMiddleware)

	router.HandleFunc("/internal/db-health", s.handleHealth).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	admin := router.PathPrefix("/internal").Subrouter()
	admin.Use(s.authMiddleware)
	admin.HandleFunc("/db-health/{alias}/reset", s.handleReset).Methods("POST")
	admin.HandleFunc("/db-health/{alias}/probe", s.handleProbe).Methods("POST")
	admin.HandleFunc("/pools/{alias}/optimize", s.handleOptimize).Methods("POST")
	admin.HandleFunc("/deadlocks", s.handleDeadlocks).Methods("GET")

	// Use only wraps matched routes.
	router.NotFoundHandler = correlation.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, http.StatusNotFound, "Not found")
	}))
	router.MethodNotAllowedHandler = correlation.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}))

	return router
}

// Middleware functions

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		logger.DebugContext(r.Context(), "Status API: Request", "component", "STATUS-API",
			"method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
		logger.DebugContext(r.Context(), "Status API: Request completed", "component", "STATUS-API",
			"method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.apiKey) == 0 && len(s.apiKeyHash) == 0 {
			s.writeError(w, http.StatusForbidden, "Admin API is disabled")
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if !s.validKey(parts[1]) {
			logger.WarnContext(r.Context(), "Status API: Invalid API key", "component", "STATUS-API",
				"path", r.URL.Path, "remote", r.RemoteAddr)
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) validKey(key string) bool {
	if len(s.apiKeyHash) > 0 {
		return bcrypt.CompareHashAndPassword(s.apiKeyHash, []byte(key)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(key), s.apiKey) == 1
}

// Utility functions

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("Status API: Error encoding JSON response", "component", "STATUS-API", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	body := map[string]string{"error": message}
	if id := w.Header().Get(correlation.Header); id != "" {
		body["correlation_id"] = id
	}
	s.writeJSON(w, status, body)
}
