// Package service contains the business logic for the control plane.
//
// It ties the session registry to the daemons that run discovery: sessions
// are created here, the daemon is told to start or cancel over its API, and
// the progress the daemon reports back is applied through the registry.
// Host reports land in the inventory through IngestHosts.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/netscope-io/netscope/control-plane/internal/discovery"
	"github.com/netscope-io/netscope/control-plane/internal/metrics"
	"github.com/netscope-io/netscope/control-plane/internal/secrets"
	"github.com/netscope-io/netscope/pkg/catalog"
	"github.com/netscope-io/netscope/pkg/types"
)

var (
	// ErrInvalidRequest wraps validation failures of caller input.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrDaemonNotFound is returned for unknown daemon ids.
	ErrDaemonNotFound = errors.New("daemon not found")
	// ErrDaemonUnreachable is returned when a daemon's API cannot be reached.
	ErrDaemonUnreachable = errors.New("daemon unreachable")
	// ErrNotRunning is returned when cancelling a session that already ended.
	ErrNotRunning = errors.New("session is not running")
)

// Store is the persistence the service depends on.
type Store interface {
	CreateDaemon(ctx context.Context, d *types.Daemon) error
	UpdateDaemon(ctx context.Context, d *types.Daemon) error
	GetDaemon(ctx context.Context, id string) (*types.Daemon, error)
	GetDaemonByName(ctx context.Context, name string) (*types.Daemon, error)
	ListDaemons(ctx context.Context) ([]types.Daemon, error)
	UpdateDaemonHeartbeat(ctx context.Context, daemonID, version string) error
	SetDaemonAPIKey(ctx context.Context, daemonID, keyHash string) error
	GetDaemonAPIKeyHash(ctx context.Context, daemonID string) (string, error)
	DeleteDaemon(ctx context.Context, daemonID string) error

	UpsertSubnet(ctx context.Context, sub *types.Subnet) (*types.Subnet, error)
	ListSubnets(ctx context.Context) ([]types.Subnet, error)
	GetHost(ctx context.Context, id string) (*types.Host, error)
	FindHostByInterfaces(ctx context.Context, ifaces []types.Interface) (*types.Host, error)
	FindHostByHostname(ctx context.Context, hostname string) (*types.Host, error)
	UpsertHost(ctx context.Context, h *types.Host) error
	ListHosts(ctx context.Context) ([]types.Host, error)
	GetService(ctx context.Context, id string) (*types.Service, error)
	ListServicesForHost(ctx context.Context, hostID string) ([]types.Service, error)
	ListServices(ctx context.Context) ([]types.Service, error)
	SaveService(ctx context.Context, svc *types.Service) error
}

// DaemonClient sends control requests to daemons.
type DaemonClient interface {
	Initiate(ctx context.Context, daemon *types.Daemon, token string, req types.InitiateDiscoveryRequest) error
	Cancel(ctx context.Context, daemon *types.Daemon, token, sessionID string) error
}

// DaemonCache is an optional read-through cache for daemon records.
type DaemonCache interface {
	GetDaemon(ctx context.Context, id string) (*types.Daemon, error)
	SetDaemon(ctx context.Context, d *types.Daemon) error
	InvalidateDaemon(ctx context.Context, id string) error
}

// HostQueue is an optional write-ahead buffer for host reports.
type HostQueue interface {
	Push(ctx context.Context, hosts []types.DiscoveredHost) error
}

// Service provides business logic operations.
type Service struct {
	store    Store
	sessions *discovery.Registry
	daemons  DaemonClient
	tokens   secrets.TokenStore
	catalog  *catalog.Registry
	logger   *slog.Logger

	cache     DaemonCache // optional
	hostQueue HostQueue   // optional
	now       func() time.Time
}

// NewService creates a new service.
func NewService(store Store, sessions *discovery.Registry, daemons DaemonClient, tokens secrets.TokenStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		sessions: sessions,
		daemons:  daemons,
		tokens:   tokens,
		catalog:  catalog.Default(),
		logger:   logger.With("component", "service"),
		now:      time.Now,
	}
}

// SetDaemonCache enables the daemon lookup cache.
func (s *Service) SetDaemonCache(c DaemonCache) {
	s.cache = c
}

// SetHostQueue routes IngestHosts through a write-ahead buffer instead of
// writing straight to the inventory.
func (s *Service) SetHostQueue(q HostQueue) {
	s.hostQueue = q
}

// Sessions returns the session registry.
func (s *Service) Sessions() *discovery.Registry {
	return s.sessions
}

// =============================================================================
// DAEMON OPERATIONS
// =============================================================================

// RegisterDaemon registers a new daemon, or refreshes one re-registering under
// the same name, and issues fresh credentials.
func (s *Service) RegisterDaemon(ctx context.Context, req types.DaemonRegisterRequest) (*types.DaemonRegisterResponse, error) {
	candidate := types.Daemon{Name: req.Name, IP: req.IP, Port: req.Port, Version: req.Version}
	if err := candidate.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	existing, err := s.store.GetDaemonByName(ctx, req.Name)
	if err != nil {
		return nil, fmt.Errorf("looking up daemon: %w", err)
	}

	var daemon *types.Daemon
	if existing != nil {
		existing.IP = req.IP
		existing.Port = req.Port
		existing.Version = req.Version
		if err := s.store.UpdateDaemon(ctx, existing); err != nil {
			return nil, fmt.Errorf("updating daemon: %w", err)
		}
		daemon = existing
		s.closeOrphanedSession(ctx, daemon.ID)
		s.logger.Info("daemon re-registered", "name", req.Name, "daemon_id", daemon.ID, "ip", req.IP)
	} else {
		candidate.ID = uuid.New().String()
		candidate.Status = types.DaemonStatusActive
		candidate.CreatedAt = s.now()
		candidate.LastHeartbeat = candidate.CreatedAt
		if err := s.store.CreateDaemon(ctx, &candidate); err != nil {
			return nil, fmt.Errorf("creating daemon: %w", err)
		}
		daemon = &candidate
		s.logger.Info("daemon registered", "name", req.Name, "daemon_id", daemon.ID, "ip", req.IP)
	}

	apiKey, hash, err := GenerateDaemonAPIKey(daemon.ID)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetDaemonAPIKey(ctx, daemon.ID, hash); err != nil {
		return nil, fmt.Errorf("storing api key: %w", err)
	}
	controlToken, err := s.tokens.IssueControlToken(ctx, daemon.ID)
	if err != nil {
		return nil, fmt.Errorf("issuing control token: %w", err)
	}
	s.invalidateDaemon(ctx, daemon.ID)

	return &types.DaemonRegisterResponse{
		DaemonID:     daemon.ID,
		APIKey:       apiKey,
		ControlToken: controlToken,
	}, nil
}

// closeOrphanedSession fails the session a restarted daemon can no longer be running.
func (s *Service) closeOrphanedSession(ctx context.Context, daemonID string) {
	sessionID, ok := s.sessions.IsDaemonDiscovering(daemonID)
	if !ok {
		return
	}
	if sess, err := s.sessions.CloseSession(ctx, sessionID, types.PhaseFailed, "daemon restarted"); err == nil {
		s.sessionClosed(ctx, sess)
	}
}

// ProcessHeartbeat records a daemon heartbeat.
func (s *Service) ProcessHeartbeat(ctx context.Context, hb types.Heartbeat) (*types.HeartbeatResponse, error) {
	daemon, err := s.GetDaemon(ctx, hb.DaemonID)
	if err != nil {
		return nil, err
	}
	if daemon == nil {
		return nil, ErrDaemonNotFound
	}
	if err := s.store.UpdateDaemonHeartbeat(ctx, hb.DaemonID, hb.Version); err != nil {
		return nil, fmt.Errorf("recording heartbeat: %w", err)
	}
	metrics.HeartbeatsTotal.Inc()

	resp := &types.HeartbeatResponse{Acknowledged: true}
	if sessionID, ok := s.sessions.IsDaemonDiscovering(hb.DaemonID); ok {
		resp.ActiveSessionID = sessionID
		if !hb.Discovering {
			s.logger.Debug("daemon idle while server tracks an active session",
				"daemon_id", hb.DaemonID, "session_id", sessionID)
		}
	}
	return resp, nil
}

// GetDaemon returns a daemon by id, or nil if it does not exist.
func (s *Service) GetDaemon(ctx context.Context, id string) (*types.Daemon, error) {
	if s.cache != nil {
		if d, err := s.cache.GetDaemon(ctx, id); err != nil {
			s.logger.Debug("daemon cache read failed", "daemon_id", id, "error", err)
		} else if d != nil {
			return d, nil
		}
	}

	d, err := s.store.GetDaemon(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting daemon: %w", err)
	}
	if d != nil && s.cache != nil {
		if err := s.cache.SetDaemon(ctx, d); err != nil {
			s.logger.Debug("daemon cache write failed", "daemon_id", id, "error", err)
		}
	}
	return d, nil
}

// ListDaemons returns all daemons.
func (s *Service) ListDaemons(ctx context.Context) ([]types.Daemon, error) {
	return s.store.ListDaemons(ctx)
}

// DeleteDaemon removes a daemon. A session it was running is cancelled and
// its control token revoked.
func (s *Service) DeleteDaemon(ctx context.Context, id string) error {
	daemon, err := s.GetDaemon(ctx, id)
	if err != nil {
		return err
	}
	if daemon == nil {
		return ErrDaemonNotFound
	}

	if sessionID, ok := s.sessions.IsDaemonDiscovering(id); ok {
		if sess, err := s.sessions.CloseSession(ctx, sessionID, types.PhaseCancelled, "daemon removed"); err == nil {
			s.sessionClosed(ctx, sess)
		}
	}
	if err := s.store.DeleteDaemon(ctx, id); err != nil {
		return fmt.Errorf("deleting daemon: %w", err)
	}
	if err := s.tokens.DeleteControlToken(ctx, id); err != nil {
		s.logger.Warn("failed to revoke control token", "daemon_id", id, "error", err)
	}
	s.invalidateDaemon(ctx, id)

	s.logger.Info("daemon removed", "daemon_id", id, "name", daemon.Name)
	return nil
}

// AuthenticateDaemon checks a daemon's API key.
func (s *Service) AuthenticateDaemon(ctx context.Context, daemonID, apiKey string) (bool, error) {
	hash, err := s.store.GetDaemonAPIKeyHash(ctx, daemonID)
	if err != nil {
		return false, fmt.Errorf("loading api key: %w", err)
	}
	return VerifyAPIKey(apiKey, hash), nil
}

func (s *Service) invalidateDaemon(ctx context.Context, id string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateDaemon(ctx, id); err != nil {
		s.logger.Debug("daemon cache invalidation failed", "daemon_id", id, "error", err)
	}
}

// =============================================================================
// CATALOG
// =============================================================================

// ListDefinitions returns the service definitions in evaluation order.
func (s *Service) ListDefinitions() []catalog.Summary {
	return s.catalog.Summaries()
}
