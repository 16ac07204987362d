// Package discovery tracks discovery sessions on the control plane.
//
// # Invariants
//
//   - A daemon has at most one active session. The daemon index holds an
//     entry from creation until the session reaches a terminal phase.
//   - Updates carry a per-session seq; anything not newer than the last
//     applied update is rejected.
//   - Finished is only applied by the server, and only after a terminal phase.
//   - Finished sessions stay queryable until the retention window passes.
//
// # Persistence
//
// A SessionStore, when set, receives every mutation so session existence and
// phase survive a restart. The in-memory maps stay authoritative; store
// failures are logged.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/netscope-io/netscope/pkg/types"
)

var (
	// ErrAlreadyRunning is returned when the daemon already has an active session.
	ErrAlreadyRunning = errors.New("daemon already has an active discovery session")
	// ErrSessionExists is returned when a session id is reused.
	ErrSessionExists = errors.New("session already exists")
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrStaleUpdate is returned for out-of-order updates and updates to closed sessions.
	ErrStaleUpdate = errors.New("stale session update")
	// ErrDaemonMismatch is returned when an update comes from another daemon.
	ErrDaemonMismatch = errors.New("update does not come from the session's daemon")
	// ErrNotTerminal is returned when finishing a session that is still running.
	ErrNotTerminal = errors.New("session has not reached a terminal phase")
	// ErrInvalidPhase is returned when a phase cannot be applied by the caller.
	ErrInvalidPhase = errors.New("invalid phase")
	// ErrInvalidTransition is returned when a report moves a session backwards.
	ErrInvalidTransition = errors.New("invalid phase transition")
)

// SessionStore persists session records.
type SessionStore interface {
	SaveDiscoverySession(ctx context.Context, sess *types.DiscoverySession) error
	DeleteDiscoverySessions(ctx context.Context, ids []string) error
	ListDiscoverySessions(ctx context.Context) ([]types.DiscoverySession, error)
}

// Registry holds every known session and the daemon to active session index.
type Registry struct {
	sessionsMu sync.RWMutex
	sessions   map[string]*types.DiscoverySession

	// daemonsMu is always taken after sessionsMu.
	daemonsMu sync.RWMutex
	byDaemon  map[string]string

	store  SessionStore
	logger *slog.Logger
	now    func() time.Time
}

// NewRegistry creates a registry. store may be nil.
func NewRegistry(store SessionStore, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*types.DiscoverySession),
		byDaemon: make(map[string]string),
		store:    store,
		logger:   logger.With("component", "session_registry"),
		now:      time.Now,
	}
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// CreateSession records a new Initiated session for daemonID.
func (r *Registry) CreateSession(ctx context.Context, sessionID, daemonID string, dt types.DiscoveryType) (*types.DiscoverySession, error) {
	if sessionID == "" || daemonID == "" {
		return nil, fmt.Errorf("session id and daemon id are required")
	}

	r.sessionsMu.Lock()
	r.daemonsMu.Lock()
	if running, ok := r.byDaemon[daemonID]; ok {
		r.daemonsMu.Unlock()
		r.sessionsMu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, running)
	}
	if _, ok := r.sessions[sessionID]; ok {
		r.daemonsMu.Unlock()
		r.sessionsMu.Unlock()
		return nil, ErrSessionExists
	}

	now := r.now()
	sess := &types.DiscoverySession{
		SessionID:     sessionID,
		DaemonID:      daemonID,
		DiscoveryType: dt,
		Phase:         types.PhaseInitiated,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	r.sessions[sessionID] = sess
	r.byDaemon[daemonID] = sessionID
	snapshot := *sess
	r.daemonsMu.Unlock()
	r.sessionsMu.Unlock()

	r.persist(ctx, &snapshot)
	r.logger.Info("session created", "session_id", sessionID, "daemon_id", daemonID, "type", dt)
	return &snapshot, nil
}

// UpdateSession applies a daemon's progress report and returns the updated record.
// Terminal phases stamp finished_at and free the daemon.
func (r *Registry) UpdateSession(ctx context.Context, update types.DiscoveryUpdatePayload) (*types.DiscoverySession, error) {
	if !update.Phase.Valid() || update.Phase.IsServerOnly() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPhase, update.Phase)
	}

	r.sessionsMu.Lock()
	sess, ok := r.sessions[update.SessionID]
	if !ok {
		r.sessionsMu.Unlock()
		return nil, ErrSessionNotFound
	}
	if update.DaemonID != "" && update.DaemonID != sess.DaemonID {
		r.sessionsMu.Unlock()
		return nil, ErrDaemonMismatch
	}
	if sess.Phase.IsTerminal() {
		r.sessionsMu.Unlock()
		return nil, fmt.Errorf("%w: session is %s", ErrStaleUpdate, sess.Phase)
	}
	if update.Seq <= sess.LastSeq {
		r.sessionsMu.Unlock()
		return nil, fmt.Errorf("%w: seq %d <= %d", ErrStaleUpdate, update.Seq, sess.LastSeq)
	}
	if !sess.Phase.CanAdvanceTo(update.Phase) {
		r.sessionsMu.Unlock()
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sess.Phase, update.Phase)
	}

	now := r.now()
	sess.Phase = update.Phase
	sess.Completed = update.Completed
	sess.Total = update.Total
	sess.DiscoveredCount = update.DiscoveredCount
	sess.Error = update.Error
	sess.LastSeq = update.Seq
	sess.UpdatedAt = now
	if sess.StartedAt == nil {
		started := now
		if update.StartedAt != nil {
			started = *update.StartedAt
		}
		sess.StartedAt = &started
	}
	if update.Phase.IsTerminal() {
		r.closeLocked(sess, now)
	}
	snapshot := *sess
	r.sessionsMu.Unlock()

	r.persist(ctx, &snapshot)
	if snapshot.Phase.IsTerminal() {
		r.logger.Info("session ended",
			"session_id", snapshot.SessionID,
			"daemon_id", snapshot.DaemonID,
			"phase", snapshot.Phase,
			"discovered", snapshot.DiscoveredCount)
	}
	return &snapshot, nil
}

// FinishSession applies the server-only Finished phase. Unknown sessions are a
// no-op; running sessions return ErrNotTerminal; finishing twice is harmless.
func (r *Registry) FinishSession(ctx context.Context, sessionID string) (*types.DiscoverySession, error) {
	r.sessionsMu.Lock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		r.sessionsMu.Unlock()
		return nil, nil
	}
	if !sess.Phase.IsTerminal() {
		r.sessionsMu.Unlock()
		return nil, ErrNotTerminal
	}
	if sess.Phase == types.PhaseFinished {
		snapshot := *sess
		r.sessionsMu.Unlock()
		return &snapshot, nil
	}

	sess.Outcome = sess.Phase
	sess.Phase = types.PhaseFinished
	sess.UpdatedAt = r.now()
	snapshot := *sess
	r.sessionsMu.Unlock()

	r.persist(ctx, &snapshot)
	return &snapshot, nil
}

// CloseSession ends a session on the server's behalf, e.g. when the daemon
// cannot be reached. phase must be Failed or Cancelled. Closing an already
// terminal session returns it unchanged.
func (r *Registry) CloseSession(ctx context.Context, sessionID string, phase types.DiscoveryPhase, reason string) (*types.DiscoverySession, error) {
	if phase != types.PhaseFailed && phase != types.PhaseCancelled {
		return nil, fmt.Errorf("%w: cannot close with %s", ErrInvalidPhase, phase)
	}

	r.sessionsMu.Lock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		r.sessionsMu.Unlock()
		return nil, ErrSessionNotFound
	}
	if sess.Phase.IsTerminal() {
		snapshot := *sess
		r.sessionsMu.Unlock()
		return &snapshot, nil
	}

	now := r.now()
	sess.Phase = phase
	if reason != "" {
		sess.Error = &reason
	}
	sess.UpdatedAt = now
	r.closeLocked(sess, now)
	snapshot := *sess
	r.sessionsMu.Unlock()

	r.persist(ctx, &snapshot)
	r.logger.Info("session closed by server", "session_id", sessionID, "phase", phase, "reason", reason)
	return &snapshot, nil
}

// closeLocked stamps finished_at and frees the daemon slot. Requires sessionsMu.
func (r *Registry) closeLocked(sess *types.DiscoverySession, now time.Time) {
	finished := now
	sess.FinishedAt = &finished

	r.daemonsMu.Lock()
	if r.byDaemon[sess.DaemonID] == sess.SessionID {
		delete(r.byDaemon, sess.DaemonID)
	}
	r.daemonsMu.Unlock()
}

// =============================================================================
// QUERIES
// =============================================================================

// GetSession returns a copy of the record, or (nil, false).
func (r *Registry) GetSession(sessionID string) (*types.DiscoverySession, bool) {
	r.sessionsMu.RLock()
	defer r.sessionsMu.RUnlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	snapshot := *sess
	return &snapshot, true
}

// IsDaemonDiscovering returns the daemon's active session id, if any.
func (r *Registry) IsDaemonDiscovering(daemonID string) (string, bool) {
	r.daemonsMu.RLock()
	defer r.daemonsMu.RUnlock()
	id, ok := r.byDaemon[daemonID]
	return id, ok
}

// ActiveSessions returns every non-terminal session, oldest first.
func (r *Registry) ActiveSessions() []types.DiscoverySession {
	r.sessionsMu.RLock()
	out := make([]types.DiscoverySession, 0)
	for _, sess := range r.sessions {
		if !sess.Phase.IsTerminal() {
			out = append(out, *sess)
		}
	}
	r.sessionsMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Len returns the number of tracked sessions, finished ones included.
func (r *Registry) Len() int {
	r.sessionsMu.RLock()
	defer r.sessionsMu.RUnlock()
	return len(r.sessions)
}

// =============================================================================
// MAINTENANCE
// =============================================================================

// CleanupOldSessions removes sessions that finished more than maxAge ago.
// Sessions without finished_at are never removed.
func (r *Registry) CleanupOldSessions(ctx context.Context, maxAge time.Duration) int {
	cutoff := r.now().Add(-maxAge)

	r.sessionsMu.Lock()
	var removed []string
	for id, sess := range r.sessions {
		if sess.FinishedAt != nil && sess.FinishedAt.Before(cutoff) {
			delete(r.sessions, id)
			removed = append(removed, id)
		}
	}
	r.sessionsMu.Unlock()

	if len(removed) > 0 && r.store != nil {
		if err := r.store.DeleteDiscoverySessions(ctx, removed); err != nil {
			r.logger.Error("deleting expired sessions", "count", len(removed), "error", err)
		}
	}
	if len(removed) > 0 {
		r.logger.Debug("expired sessions removed", "count", len(removed))
	}
	return len(removed)
}

// FailStale fails active sessions with no update for longer than maxIdle and
// returns them.
func (r *Registry) FailStale(ctx context.Context, maxIdle time.Duration) []types.DiscoverySession {
	now := r.now()
	cutoff := now.Add(-maxIdle)

	r.sessionsMu.Lock()
	var failed []types.DiscoverySession
	for _, sess := range r.sessions {
		if sess.Phase.IsTerminal() || !sess.UpdatedAt.Before(cutoff) {
			continue
		}
		msg := fmt.Sprintf("session timed out: no update for %s", maxIdle)
		sess.Phase = types.PhaseFailed
		sess.Error = &msg
		sess.UpdatedAt = now
		r.closeLocked(sess, now)
		failed = append(failed, *sess)
	}
	r.sessionsMu.Unlock()

	for i := range failed {
		r.persist(ctx, &failed[i])
		r.logger.Warn("session timed out",
			"session_id", failed[i].SessionID,
			"daemon_id", failed[i].DaemonID,
			"max_idle", maxIdle)
	}
	return failed
}

// Restore loads persisted sessions and rebuilds the daemon index. Existing
// in-memory records take precedence.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	sessions, err := r.store.ListDiscoverySessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading sessions: %w", err)
	}

	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()
	r.daemonsMu.Lock()
	defer r.daemonsMu.Unlock()

	restored := 0
	for i := range sessions {
		sess := sessions[i]
		if _, ok := r.sessions[sess.SessionID]; ok {
			continue
		}
		if !sess.Phase.IsTerminal() {
			if _, busy := r.byDaemon[sess.DaemonID]; busy {
				r.logger.Warn("skipping second active session for daemon",
					"session_id", sess.SessionID, "daemon_id", sess.DaemonID)
				continue
			}
			r.byDaemon[sess.DaemonID] = sess.SessionID
		}
		r.sessions[sess.SessionID] = &sess
		restored++
	}
	r.logger.Info("sessions restored", "count", restored)
	return restored, nil
}

func (r *Registry) persist(ctx context.Context, sess *types.DiscoverySession) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveDiscoverySession(ctx, sess); err != nil {
		r.logger.Error("persisting session", "session_id", sess.SessionID, "phase", sess.Phase, "error", err)
	}
}
