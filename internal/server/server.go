// Package server exposes a grid node's admin HTTP endpoints.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/devrev/pairdb/datagrid/internal/cache"
	grerrors "github.com/devrev/pairdb/datagrid/internal/errors"
	"github.com/devrev/pairdb/datagrid/internal/health"
	"github.com/devrev/pairdb/datagrid/internal/metrics"
	"github.com/devrev/pairdb/datagrid/internal/statetransfer"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Cache is the part of a cache the admin endpoints read
type Cache interface {
	Status() statetransfer.Status
	KeyStatus(key string) (cache.KeyStatus, error)
}

// Health backs the liveness and readiness endpoints
type Health interface {
	IsLive() bool
	IsReady() bool
	Report() health.Report
}

// Server is the admin HTTP server
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	cache      Cache
	health     Health
	logger     *zap.Logger
}

// NewServer creates the admin server listening on port. m may be nil, in which case /metrics is not served.
func NewServer(port int, c Cache, h Health, m *metrics.Metrics, logger *zap.Logger) *Server {
	router := mux.NewRouter()
	s := &Server{
		router: router,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      router,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		cache:  c,
		health: h,
		logger: logger.With(zap.String("component", "admin_server")),
	}
	s.setupRoutes(m)
	return s
}

func (s *Server) setupRoutes(m *metrics.Metrics) {
	s.router.Use(Chain(Recovery(s.logger), RequestID, Logging(s.logger)))

	if m != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	s.router.HandleFunc("/health", s.liveness).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.readiness).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/state-transfer", s.stateTransfer).Methods(http.MethodGet)
	v1.HandleFunc("/state-transfer/keys/{key}", s.keyStatus).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "endpoint not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("Starting admin server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start admin server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down admin server")
	return s.httpServer.Shutdown(ctx)
}

// liveness fails once the periodic checks stop running
func (s *Server) liveness(w http.ResponseWriter, r *http.Request) {
	code := http.StatusOK
	if !s.health.IsLive() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, s.health.Report())
}

// readiness reports 200 once the cache has joined and no check is critical
func (s *Server) readiness(w http.ResponseWriter, r *http.Request) {
	code := http.StatusOK
	if !s.health.IsReady() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, s.health.Report())
}

func (s *Server) stateTransfer(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cache.Status())
}

func (s *Server) keyStatus(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	status, err := s.cache.KeyStatus(key)
	if err != nil {
		code := http.StatusInternalServerError
		if grerrors.GetCode(err) == grerrors.ErrCodeNoTopology {
			code = http.StatusServiceUnavailable
		}
		writeError(w, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "message": message})
}
