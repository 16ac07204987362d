package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/netscope-io/netscope/control-plane/internal/daemonclient"
	"github.com/netscope-io/netscope/control-plane/internal/discovery"
	"github.com/netscope-io/netscope/control-plane/internal/metrics"
	"github.com/netscope-io/netscope/pkg/types"
)

const (
	initiatorServer = "server"
	initiatorDaemon = "daemon"
)

// =============================================================================
// SESSION LIFECYCLE
// =============================================================================

// InitiateDiscovery creates a session and asks the daemon to run it. If the
// daemon does not accept, the session is closed as Failed before returning.
func (s *Service) InitiateDiscovery(ctx context.Context, req types.DaemonInitiateRequest) (*types.DiscoverySession, error) {
	daemon, err := s.prepareSession(ctx, &req)
	if err != nil {
		return nil, err
	}
	token, err := s.tokens.GetControlToken(ctx, daemon.ID)
	if err != nil {
		return nil, fmt.Errorf("loading control token: %w", err)
	}

	sess, err := s.sessions.CreateSession(ctx, uuid.New().String(), daemon.ID, req.DiscoveryType)
	if err != nil {
		return nil, err
	}
	metrics.RecordSessionStarted(string(req.DiscoveryType), initiatorServer)
	s.updateActiveGauge()

	err = s.daemons.Initiate(ctx, daemon, token, types.InitiateDiscoveryRequest{
		SessionID:     sess.SessionID,
		DiscoveryType: req.DiscoveryType,
		Subnets:       req.Subnets,
	})
	if err == nil {
		s.logger.Info("discovery initiated",
			"session_id", sess.SessionID,
			"daemon_id", daemon.ID,
			"type", req.DiscoveryType)
		if current, ok := s.sessions.GetSession(sess.SessionID); ok {
			return current, nil
		}
		return sess, nil
	}

	reason := "daemon did not accept the session: " + err.Error()
	if closed, cerr := s.sessions.CloseSession(ctx, sess.SessionID, types.PhaseFailed, reason); cerr == nil {
		s.sessionClosed(ctx, closed)
	}
	s.logger.Warn("discovery initiate failed",
		"session_id", sess.SessionID,
		"daemon_id", daemon.ID,
		"error", err)

	if errors.Is(err, daemonclient.ErrConflict) {
		return nil, fmt.Errorf("%w: %v", discovery.ErrAlreadyRunning, err)
	}
	return nil, fmt.Errorf("%w: %v", ErrDaemonUnreachable, err)
}

// DaemonInitiate creates a session the calling daemon will run itself, as
// scheduled scans and self reports do.
func (s *Service) DaemonInitiate(ctx context.Context, req types.DaemonInitiateRequest) (*types.DiscoverySession, error) {
	daemon, err := s.prepareSession(ctx, &req)
	if err != nil {
		return nil, err
	}
	sess, err := s.sessions.CreateSession(ctx, uuid.New().String(), daemon.ID, req.DiscoveryType)
	if err != nil {
		return nil, err
	}
	metrics.RecordSessionStarted(string(req.DiscoveryType), initiatorDaemon)
	s.updateActiveGauge()
	s.logger.Info("daemon initiated discovery",
		"session_id", sess.SessionID,
		"daemon_id", daemon.ID,
		"type", req.DiscoveryType)
	return sess, nil
}

// prepareSession validates an initiate request and resolves its daemon.
func (s *Service) prepareSession(ctx context.Context, req *types.DaemonInitiateRequest) (*types.Daemon, error) {
	if req.DaemonID == "" {
		return nil, fmt.Errorf("%w: daemon_id is required", ErrInvalidRequest)
	}
	if req.DiscoveryType == "" {
		req.DiscoveryType = types.DiscoveryNetwork
	}
	if !req.DiscoveryType.Valid() {
		return nil, fmt.Errorf("%w: unknown discovery type %q", ErrInvalidRequest, req.DiscoveryType)
	}
	for _, cidr := range req.Subnets {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return nil, fmt.Errorf("%w: invalid subnet %q", ErrInvalidRequest, cidr)
		}
	}

	daemon, err := s.GetDaemon(ctx, req.DaemonID)
	if err != nil {
		return nil, err
	}
	if daemon == nil {
		return nil, fmt.Errorf("%w: %s", ErrDaemonNotFound, req.DaemonID)
	}
	return daemon, nil
}

// CancelDiscovery asks the daemon to stop a running session.
//
// A cooperative cancel leaves the session open until the daemon reports
// Cancelled. A forced abort on the daemon, or a daemon that no longer runs
// the session, closes it here. If the daemon cannot be reached the session
// stays open and the watchdog eventually fails it.
func (s *Service) CancelDiscovery(ctx context.Context, sessionID string) (*types.DiscoverySession, error) {
	sess, ok := s.sessions.GetSession(sessionID)
	if !ok {
		return nil, discovery.ErrSessionNotFound
	}
	if sess.Phase.IsTerminal() {
		return nil, fmt.Errorf("%w: session is %s", ErrNotRunning, sess.Phase)
	}

	daemon, err := s.GetDaemon(ctx, sess.DaemonID)
	if err != nil {
		return nil, err
	}
	if daemon == nil {
		return s.closeCancelled(ctx, sessionID, "daemon no longer registered")
	}
	token, err := s.tokens.GetControlToken(ctx, daemon.ID)
	if err != nil {
		return nil, fmt.Errorf("loading control token: %w", err)
	}

	err = s.daemons.Cancel(ctx, daemon, token, sessionID)
	var statusErr *daemonclient.StatusError
	switch {
	case err == nil:
		s.logger.Info("cancel requested", "session_id", sessionID, "daemon_id", daemon.ID)
		current, _ := s.sessions.GetSession(sessionID)
		return current, nil
	case errors.Is(err, daemonclient.ErrConflict):
		return s.closeCancelled(ctx, sessionID, "daemon was not running the session")
	case errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusInternalServerError:
		return s.closeCancelled(ctx, sessionID, "forced abort")
	default:
		s.logger.Warn("cancel failed", "session_id", sessionID, "daemon_id", daemon.ID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrDaemonUnreachable, err)
	}
}

func (s *Service) closeCancelled(ctx context.Context, sessionID, reason string) (*types.DiscoverySession, error) {
	sess, err := s.sessions.CloseSession(ctx, sessionID, types.PhaseCancelled, reason)
	if err != nil {
		return nil, err
	}
	return s.sessionClosed(ctx, sess), nil
}

// UpdateDiscovery applies a daemon's progress report. Once the report is
// terminal the server's Finished phase is applied on top of it.
func (s *Service) UpdateDiscovery(ctx context.Context, update types.DiscoveryUpdatePayload) (*types.DiscoverySession, error) {
	if err := update.Validate(); err != nil {
		metrics.RecordUpdate("invalid")
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	sess, err := s.sessions.UpdateSession(ctx, update)
	switch {
	case err == nil:
		metrics.RecordUpdate("applied")
	case errors.Is(err, discovery.ErrStaleUpdate):
		metrics.RecordUpdate("stale")
		s.logger.Debug("stale update dropped", "session_id", update.SessionID, "seq", update.Seq, "error", err)
		return nil, err
	default:
		metrics.RecordUpdate("rejected")
		return nil, err
	}

	s.logger.Debug("session updated",
		"session_id", sess.SessionID,
		"phase", sess.Phase,
		"completed", sess.Completed,
		"total", sess.Total,
		"discovered", sess.DiscoveredCount)

	if sess.Phase.IsTerminal() {
		return s.sessionClosed(ctx, sess), nil
	}
	return sess, nil
}

// sessionClosed records metrics for a session that just reached a terminal
// phase and applies Finished. It returns the latest record.
func (s *Service) sessionClosed(ctx context.Context, sess *types.DiscoverySession) *types.DiscoverySession {
	end := s.now()
	if sess.FinishedAt != nil {
		end = *sess.FinishedAt
	}
	metrics.RecordSessionClosed(string(sess.DiscoveryType), string(sess.Phase), end.Sub(sess.CreatedAt))
	s.updateActiveGauge()

	finished, err := s.sessions.FinishSession(ctx, sess.SessionID)
	if err != nil || finished == nil {
		if err != nil {
			s.logger.Warn("finishing session", "session_id", sess.SessionID, "error", err)
		}
		return sess
	}
	return finished
}

// GetSessionStatus returns a session record.
func (s *Service) GetSessionStatus(sessionID string) (*types.DiscoverySession, error) {
	sess, ok := s.sessions.GetSession(sessionID)
	if !ok {
		return nil, discovery.ErrSessionNotFound
	}
	return sess, nil
}

// ActiveSessions returns every running session.
func (s *Service) ActiveSessions() []types.DiscoverySession {
	return s.sessions.ActiveSessions()
}

// =============================================================================
// MAINTENANCE
// =============================================================================

// FailStaleSessions fails sessions that have been silent for longer than
// maxIdle and returns how many were failed.
func (s *Service) FailStaleSessions(ctx context.Context, maxIdle time.Duration) int {
	failed := s.sessions.FailStale(ctx, maxIdle)
	for i := range failed {
		s.sessionClosed(ctx, &failed[i])
	}
	metrics.RecordWatchdogTimeouts(len(failed))
	return len(failed)
}

// CleanupSessions drops sessions that finished more than maxAge ago.
func (s *Service) CleanupSessions(ctx context.Context, maxAge time.Duration) int {
	return s.sessions.CleanupOldSessions(ctx, maxAge)
}

func (s *Service) updateActiveGauge() {
	metrics.ActiveSessions.Set(float64(len(s.sessions.ActiveSessions())))
}
