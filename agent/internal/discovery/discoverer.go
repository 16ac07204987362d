package discovery

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/netscope-io/netscope/pkg/types"
)

// ErrSessionMismatch is returned when cancelling a session other than the running one.
var ErrSessionMismatch = errors.New("session is not the running session")

// Discoverer launches orchestrator runs inside the guard's single slot.
type Discoverer struct {
	guard  *Guard
	orch   *Orchestrator
	logger *slog.Logger

	mu       sync.RWMutex
	daemonID string
	last     types.DiscoveryPhase
}

// NewDiscoverer creates a discoverer.
func NewDiscoverer(guard *Guard, orch *Orchestrator, logger *slog.Logger) *Discoverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discoverer{
		guard:  guard,
		orch:   orch,
		logger: logger.With("component", "discoverer"),
	}
}

// SetDaemonID sets the id stamped on sessions that do not carry one.
func (d *Discoverer) SetDaemonID(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.daemonID = id
}

// Start launches sess in the background. It returns ErrAlreadyRunning if the
// slot is taken.
func (d *Discoverer) Start(sess Session) error {
	if sess.DaemonID == "" {
		d.mu.RLock()
		sess.DaemonID = d.daemonID
		d.mu.RUnlock()
	}

	_, err := d.guard.Launch(sess.ID, func(tok *Token) {
		phase := d.orch.Run(tok, sess)
		d.mu.Lock()
		d.last = phase
		d.mu.Unlock()
	})
	if err != nil {
		d.logger.Warn("discovery rejected", "session_id", sess.ID, "running", d.guard.SessionID())
		return err
	}
	return nil
}

// Cancel stops the running session. An empty sessionID matches any session.
// The bool is false when the task had to be abandoned.
func (d *Discoverer) Cancel(sessionID string) (bool, error) {
	running := d.guard.SessionID()
	if running == "" {
		return false, ErrNotRunning
	}
	if sessionID != "" && sessionID != running {
		return false, ErrSessionMismatch
	}
	return d.guard.Cancel(), nil
}

// Running reports whether a session holds the slot.
func (d *Discoverer) Running() bool { return d.guard.IsRunning() }

// SessionID returns the running session, or "".
func (d *Discoverer) SessionID() string { return d.guard.SessionID() }

// LastPhase returns the terminal phase of the most recent finished session.
func (d *Discoverer) LastPhase() types.DiscoveryPhase {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.last
}
