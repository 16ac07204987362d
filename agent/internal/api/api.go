// Package api serves the daemon's HTTP endpoints the control plane calls into.
//
// # Endpoints
//
//   - POST /api/discovery/initiate - Start a discovery session (409 if one is running)
//   - POST /api/discovery/cancel - Cancel the running session
//   - GET  /api/health - Liveness and current session
//
// Discovery endpoints require the control token issued at registration as a
// bearer token.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/netscope-io/netscope/agent/internal/discovery"
	"github.com/netscope-io/netscope/agent/internal/probe"
	"github.com/netscope-io/netscope/pkg/types"
)

// Discovery is the session control surface the handlers drive.
type Discovery interface {
	Start(sess discovery.Session) error
	Cancel(sessionID string) (bool, error)
	Running() bool
	SessionID() string
}

// Health is the body of GET /api/health.
type Health struct {
	Status      string `json:"status"`
	DaemonID    string `json:"daemon_id,omitempty"`
	Version     string `json:"version"`
	Discovering bool   `json:"discovering"`
	SessionID   string `json:"session_id,omitempty"`
	Uptime      string `json:"uptime"`
}

// Server is the daemon HTTP API.
type Server struct {
	disc    Discovery
	version string
	started time.Time
	logger  *slog.Logger
	mux     *http.ServeMux

	mu           sync.RWMutex
	controlToken string
	daemonID     string
}

// NewServer creates the daemon API.
func NewServer(disc Discovery, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		disc:    disc,
		version: version,
		started: time.Now(),
		logger:  logger.With("component", "api"),
		mux:     http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// SetIdentity installs the credentials issued at registration.
func (s *Server) SetIdentity(daemonID, controlToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.daemonID = daemonID
	s.controlToken = controlToken
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	s.mux.ServeHTTP(w, r)
	s.logger.Debug("request",
		"method", r.Method,
		"path", r.URL.Path,
		"duration", time.Since(start))
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /api/discovery/initiate", s.requireControlToken(s.handleInitiate))
	s.mux.HandleFunc("POST /api/discovery/cancel", s.requireControlToken(s.handleCancel))
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
}

// requireControlToken rejects requests without the server's bearer token.
func (s *Server) requireControlToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.RLock()
		expected := s.controlToken
		s.mu.RUnlock()

		auth := r.Header.Get("Authorization")
		if expected == "" || !strings.HasPrefix(auth, "Bearer ") {
			s.logger.Warn("control auth failed: missing credentials", "path", r.URL.Path)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		token := strings.TrimPrefix(auth, "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			s.logger.Warn("control auth failed: invalid token", "path", r.URL.Path)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req types.InitiateDiscoveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	if req.DiscoveryType == "" {
		req.DiscoveryType = types.DiscoveryNetwork
	}
	if !req.DiscoveryType.Valid() {
		writeError(w, http.StatusBadRequest, "unknown discovery_type")
		return
	}
	for _, cidr := range req.Subnets {
		if _, err := probe.ParseCIDR(cidr); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	err := s.disc.Start(discovery.Session{
		ID:      req.SessionID,
		Type:    req.DiscoveryType,
		Subnets: req.Subnets,
	})
	if errors.Is(err, discovery.ErrAlreadyRunning) {
		writeError(w, http.StatusConflict, "discovery session already running: "+s.disc.SessionID())
		return
	}
	if err != nil {
		s.logger.Error("starting discovery", "session_id", req.SessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start discovery")
		return
	}

	s.logger.Info("discovery initiated", "session_id", req.SessionID, "type", req.DiscoveryType)
	writeJSON(w, http.StatusOK, types.Success(types.InitiateDiscoveryResponse{SessionID: req.SessionID}))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req types.CancelDiscoveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	clean, err := s.disc.Cancel(req.SessionID)
	switch {
	case errors.Is(err, discovery.ErrNotRunning):
		writeError(w, http.StatusConflict, "no discovery session running")
		return
	case errors.Is(err, discovery.ErrSessionMismatch):
		writeError(w, http.StatusConflict, "session "+req.SessionID+" is not running")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !clean {
		s.logger.Warn("discovery task abandoned after grace period", "session_id", req.SessionID)
		writeError(w, http.StatusInternalServerError, "discovery did not stop within the grace period and was aborted")
		return
	}

	writeJSON(w, http.StatusOK, types.Success(types.CancelDiscoveryResponse{SessionID: req.SessionID}))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	daemonID := s.daemonID
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, types.Success(Health{
		Status:      "ok",
		DaemonID:    daemonID,
		Version:     s.version,
		Discovering: s.disc.Running(),
		SessionID:   s.disc.SessionID(),
		Uptime:      time.Since(s.started).Round(time.Second).String(),
	}))
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes an error envelope.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, types.Failure(message))
}
