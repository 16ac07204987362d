package types

import (
	"fmt"
	"time"
)

// =============================================================================
// DISCOVERY PHASE
// =============================================================================

// DiscoveryPhase is the lifecycle position of a discovery session.
//
//	Initiated -> Started -> Scanning -> {Complete | Failed | Cancelled} -> Finished
//
// Initiated is set by the server on creation, Finished by the server once a
// terminal report has been observed. Everything in between comes from the daemon.
type DiscoveryPhase string

const (
	PhaseInitiated DiscoveryPhase = "initiated"
	PhaseStarted   DiscoveryPhase = "started"
	PhaseScanning  DiscoveryPhase = "scanning"
	PhaseComplete  DiscoveryPhase = "complete"
	PhaseFailed    DiscoveryPhase = "failed"
	PhaseCancelled DiscoveryPhase = "cancelled"
	PhaseFinished  DiscoveryPhase = "finished"
)

// IsTerminal reports whether the daemon is done with the session.
func (p DiscoveryPhase) IsTerminal() bool {
	switch p {
	case PhaseComplete, PhaseFailed, PhaseCancelled, PhaseFinished:
		return true
	}
	return false
}

// IsServerOnly reports whether only the control plane may apply the phase.
func (p DiscoveryPhase) IsServerOnly() bool {
	return p == PhaseInitiated || p == PhaseFinished
}

// Valid reports whether p is a known phase.
func (p DiscoveryPhase) Valid() bool {
	switch p {
	case PhaseInitiated, PhaseStarted, PhaseScanning, PhaseComplete,
		PhaseFailed, PhaseCancelled, PhaseFinished:
		return true
	}
	return false
}

// CanAdvanceTo reports whether a daemon report may move a session from p to
// next. Running phases may repeat; Scanning never returns to Started.
func (p DiscoveryPhase) CanAdvanceTo(next DiscoveryPhase) bool {
	if next.IsServerOnly() || !next.Valid() {
		return false
	}
	switch p {
	case PhaseInitiated:
		return true
	case PhaseStarted:
		return next != PhaseInitiated
	case PhaseScanning:
		return next != PhaseStarted
	}
	return false
}

// Description returns a human-readable summary for UI display.
func (p DiscoveryPhase) Description() string {
	switch p {
	case PhaseInitiated:
		return "Session created in server"
	case PhaseStarted:
		return "Session started in daemon"
	case PhaseScanning:
		return "Scanning for active hosts"
	case PhaseComplete:
		return "Discovery complete"
	case PhaseFailed:
		return "Discovery failed"
	case PhaseCancelled:
		return "Discovery cancelled"
	case PhaseFinished:
		return "Session finished in server"
	}
	return string(p)
}

// DiscoveryType selects what a session scans.
type DiscoveryType string

const (
	// DiscoverySelfReport registers the daemon's own host and service.
	DiscoverySelfReport DiscoveryType = "self_report"
	// DiscoveryNetwork sweeps the address range of local (or requested) subnets.
	DiscoveryNetwork DiscoveryType = "network"
	// DiscoveryDocker classifies containers visible through the local Docker socket.
	DiscoveryDocker DiscoveryType = "docker"
)

// Valid reports whether t is a known discovery type.
func (t DiscoveryType) Valid() bool {
	switch t {
	case DiscoverySelfReport, DiscoveryNetwork, DiscoveryDocker:
		return true
	}
	return false
}

// =============================================================================
// WIRE PROTOCOL
// =============================================================================

// DiscoverySessionUpdate is the progress record a daemon pushes on each tick.
// Seq is a per-session counter that starts at 1 and increases with every update sent.
type DiscoverySessionUpdate struct {
	Seq             uint64         `json:"seq"`
	Phase           DiscoveryPhase `json:"phase"`
	Completed       int            `json:"completed"`
	Total           int            `json:"total"`
	DiscoveredCount int            `json:"discovered_count"`
	Error           *string        `json:"error,omitempty"`
	FinishedAt      *time.Time     `json:"finished_at,omitempty"`
}

// DiscoveryUpdatePayload is the body of POST /api/v1/daemons/discovery_update.
type DiscoveryUpdatePayload struct {
	SessionID string     `json:"session_id"`
	DaemonID  string     `json:"daemon_id"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	DiscoverySessionUpdate
}

// Validate checks the payload before it reaches the registry.
func (p *DiscoveryUpdatePayload) Validate() error {
	if p.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if p.DaemonID == "" {
		return fmt.Errorf("daemon_id is required")
	}
	if !p.Phase.Valid() {
		return fmt.Errorf("unknown phase: %q", p.Phase)
	}
	if p.Phase.IsServerOnly() {
		return fmt.Errorf("phase %s cannot be reported by a daemon", p.Phase)
	}
	if p.Completed < 0 || p.DiscoveredCount < 0 || p.Total < 0 {
		return fmt.Errorf("counters must not be negative")
	}
	return nil
}

// InitiateDiscoveryRequest is sent from server to daemon (POST /api/discovery/initiate).
type InitiateDiscoveryRequest struct {
	SessionID     string        `json:"session_id"`
	DiscoveryType DiscoveryType `json:"discovery_type"`
	// Subnets optionally narrows a network scan to these CIDRs.
	Subnets []string `json:"subnets,omitempty"`
}

// InitiateDiscoveryResponse acknowledges a started session.
type InitiateDiscoveryResponse struct {
	SessionID string `json:"session_id"`
}

// CancelDiscoveryRequest is sent from server to daemon (POST /api/discovery/cancel).
type CancelDiscoveryRequest struct {
	SessionID string `json:"session_id"`
}

// CancelDiscoveryResponse acknowledges a cancelled session.
type CancelDiscoveryResponse struct {
	SessionID string `json:"session_id"`
}

// DaemonInitiateRequest is sent by a daemon that wants to start its own session.
type DaemonInitiateRequest struct {
	DaemonID      string        `json:"daemon_id"`
	DiscoveryType DiscoveryType `json:"discovery_type"`
	Subnets       []string      `json:"subnets,omitempty"`
}

// =============================================================================
// SESSION RECORD
// =============================================================================

// DiscoverySession is the server-owned record for one discovery run.
type DiscoverySession struct {
	SessionID     string         `json:"session_id"`
	DaemonID      string         `json:"daemon_id"`
	DiscoveryType DiscoveryType  `json:"discovery_type"`
	Phase         DiscoveryPhase `json:"phase"`
	// Outcome keeps the daemon's terminal phase once the server applies Finished.
	Outcome         DiscoveryPhase `json:"outcome,omitempty"`
	Completed       int            `json:"completed"`
	Total           int            `json:"total"`
	DiscoveredCount int            `json:"discovered_count"`
	Error           *string        `json:"error,omitempty"`
	LastSeq         uint64         `json:"last_seq"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at"`
	FinishedAt      *time.Time     `json:"finished_at,omitempty"`
}

// PhaseDescription is a convenience for API consumers.
func (s *DiscoverySession) PhaseDescription() string {
	return s.Phase.Description()
}
