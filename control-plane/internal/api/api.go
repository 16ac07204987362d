// Package api provides HTTP handlers for the control plane.
//
// # Endpoints
//
// Daemon API (X-Daemon-ID plus Bearer API key, except register):
//   - POST /api/v1/daemons/register - Register a daemon and issue credentials
//   - POST /api/v1/daemons/{id}/heartbeat - Daemon heartbeat
//   - POST /api/v1/daemons/discovery_update - Session progress report
//   - POST /api/v1/discovery/hosts - Gzip batch of discovered hosts
//   - POST /api/v1/discovery/daemon-initiate - Daemon asks for a session id
//
// Discovery API:
//   - POST /api/v1/discovery/initiate - Start a session on a daemon
//   - GET  /api/v1/discovery/active - List running sessions
//   - GET  /api/v1/discovery/{id}/status - Session status
//   - POST /api/v1/discovery/{id}/cancel - Cancel a session
//
// Inventory API:
//   - GET /api/v1/daemons - List daemons
//   - GET /api/v1/daemons/{id} - Get a daemon
//   - DELETE /api/v1/daemons/{id} - Remove a daemon
//   - GET /api/v1/hosts - List hosts
//   - GET /api/v1/hosts/{id} - Get a host with its services
//   - GET /api/v1/services - List services
//   - GET /api/v1/services/{id} - Get a service
//   - GET /api/v1/subnets - List subnets
//   - GET /api/v1/catalog/definitions - Service definitions
//
// Health:
//   - GET /api/v1/health - Health check
//   - GET /api/v1/health/infrastructure - Process, database and buffer health
//   - GET /metrics - Prometheus metrics
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/netscope-io/netscope/control-plane/internal/cache"
	"github.com/netscope-io/netscope/control-plane/internal/config"
	"github.com/netscope-io/netscope/control-plane/internal/discovery"
	"github.com/netscope-io/netscope/control-plane/internal/metrics"
	"github.com/netscope-io/netscope/control-plane/internal/service"
	"github.com/netscope-io/netscope/pkg/types"
)

// Server is the HTTP API server.
type Server struct {
	svc              *service.Service
	metricsCollector *metrics.Collector
	cache            *cache.Cache
	logger           *slog.Logger
	mux              *http.ServeMux

	// Daemon authentication (enforced unless a grace period is configured)
	daemonAuthEnabled bool
}

// NewServer creates a new API server. The collector and cache may be nil.
func NewServer(svc *service.Service, metricsCollector *metrics.Collector, responseCache *cache.Cache, logger *slog.Logger) *Server {
	return NewServerWithAuth(svc, metricsCollector, responseCache, logger, true)
}

// NewServerWithAuth creates a server with daemon authentication enforced or,
// when enforce is false, checked and logged only.
func NewServerWithAuth(svc *service.Service, metricsCollector *metrics.Collector, responseCache *cache.Cache, logger *slog.Logger, enforce bool) *Server {
	s := &Server{
		svc:               svc,
		metricsCollector:  metricsCollector,
		cache:             responseCache,
		logger:            logger.With("component", "api"),
		mux:               http.NewServeMux(),
		daemonAuthEnabled: enforce,
	}
	if !enforce {
		s.logger.Warn("daemon API key authentication in grace period mode")
	}
	s.registerRoutes()
	return s
}

// Mux returns the underlying ServeMux for registering additional routes.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Encoding, Authorization, X-Daemon-ID")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	start := time.Now()
	s.mux.ServeHTTP(w, r)
	s.logger.Debug("request",
		"method", r.Method,
		"path", r.URL.Path,
		"duration", time.Since(start))
}

func (s *Server) registerRoutes() {
	daemonAuth := s.DaemonAuthMiddleware(DaemonAuthConfig{
		Enabled: s.daemonAuthEnabled,
		Logger:  s.logger,
	})

	// Health
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/v1/health/infrastructure", s.handleInfrastructureHealth)
	s.mux.Handle("GET /metrics", metrics.Handler())

	// Daemon registration (open - daemons don't have keys yet)
	s.mux.HandleFunc("POST /api/v1/daemons/register", s.handleDaemonRegister)

	// Daemon to control plane calls
	s.mux.HandleFunc("POST /api/v1/daemons/{id}/heartbeat", wrapHandler(s.handleDaemonHeartbeat, daemonAuth))
	s.mux.HandleFunc("POST /api/v1/daemons/discovery_update", wrapHandler(s.handleDiscoveryUpdate, daemonAuth))
	s.mux.HandleFunc("POST /api/v1/discovery/hosts", wrapHandler(s.handleIngestHosts, daemonAuth))
	s.mux.HandleFunc("POST /api/v1/discovery/daemon-initiate", wrapHandler(s.handleDaemonInitiate, daemonAuth))

	// Discovery sessions - static routes before wildcard {id} routes
	s.mux.HandleFunc("POST /api/v1/discovery/initiate", s.handleInitiateDiscovery)
	s.mux.HandleFunc("GET /api/v1/discovery/active", s.handleActiveSessions)
	s.mux.HandleFunc("GET /api/v1/discovery/{id}/status", s.handleSessionStatus)
	s.mux.HandleFunc("POST /api/v1/discovery/{id}/cancel", s.handleCancelDiscovery)

	// Inventory
	s.mux.HandleFunc("GET /api/v1/daemons", s.handleListDaemons)
	s.mux.HandleFunc("GET /api/v1/daemons/{id}", s.handleGetDaemon)
	s.mux.HandleFunc("DELETE /api/v1/daemons/{id}", s.handleDeleteDaemon)
	s.mux.HandleFunc("GET /api/v1/hosts", s.handleListHosts)
	s.mux.HandleFunc("GET /api/v1/hosts/{id}", s.handleGetHost)
	s.mux.HandleFunc("GET /api/v1/services", s.handleListServices)
	s.mux.HandleFunc("GET /api/v1/services/{id}", s.handleGetService)
	s.mux.HandleFunc("GET /api/v1/subnets", s.handleListSubnets)
	s.mux.HandleFunc("GET /api/v1/catalog/definitions", s.handleListDefinitions)
}

// =============================================================================
// HEALTH
// =============================================================================

type healthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, healthResponse{
		Status: "ok",
		Time:   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleInfrastructureHealth(w http.ResponseWriter, r *http.Request) {
	if s.metricsCollector == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics collector not initialized")
		return
	}

	const cacheKey = "infrastructure_health"

	if s.cache != nil {
		var cached types.InfrastructureHealth
		if ok, err := s.cache.GetJSON(r.Context(), cacheKey, &cached); err == nil && ok {
			writeData(w, http.StatusOK, cached)
			return
		}
	}

	health, err := s.metricsCollector.GetInfrastructureHealth(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get infrastructure health: "+err.Error())
		return
	}

	if s.cache != nil {
		if err := s.cache.SetJSON(r.Context(), cacheKey, health, config.CacheTTLInfraHealth); err != nil {
			s.logger.Warn("failed to cache infrastructure health", "error", err)
		}
	}

	writeData(w, http.StatusOK, health)
}

// =============================================================================
// HELPERS
// =============================================================================

func readJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeData writes v inside a successful envelope.
func writeData[T any](w http.ResponseWriter, status int, v T) {
	writeJSON(w, status, types.Success(v))
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, types.Failure(message))
}

// statusFor maps service and registry errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, discovery.ErrInvalidPhase):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrDaemonNotFound),
		errors.Is(err, discovery.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, discovery.ErrDaemonMismatch):
		return http.StatusForbidden
	case errors.Is(err, discovery.ErrAlreadyRunning),
		errors.Is(err, discovery.ErrSessionExists),
		errors.Is(err, discovery.ErrStaleUpdate),
		errors.Is(err, discovery.ErrInvalidTransition),
		errors.Is(err, service.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, service.ErrDaemonUnreachable):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeServiceError maps err to a status and writes it. Server errors are
// logged and their detail is kept out of the response.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, status, "internal server error")
		return
	}
	writeError(w, status, err.Error())
}
