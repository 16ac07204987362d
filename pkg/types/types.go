// Package types defines the core domain types shared between daemon and control plane.
//
// # Design Principles
//
// 1. Simplicity: Types represent the domain model directly, no ORM abstractions
// 2. Serialization: All types are JSON-serializable for API transport
// 3. Equality: Entities that can be rediscovered define equality on their content, not their ID
// 4. Validation: Types include Validate() methods for business rule enforcement
package types

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// =============================================================================
// DAEMON
// =============================================================================

// Daemon is a scanning agent registered with the control plane.
type Daemon struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	IP            string       `json:"ip"`
	Port          int          `json:"port"`
	Version       string       `json:"version"`
	Status        DaemonStatus `json:"status"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	CreatedAt     time.Time    `json:"created_at"`
}

// DaemonStatus represents the health status of a daemon.
type DaemonStatus string

const (
	DaemonStatusActive   DaemonStatus = "active"
	DaemonStatusDegraded DaemonStatus = "degraded"
	DaemonStatusOffline  DaemonStatus = "offline"
)

// BaseURL returns the URL the control plane uses to reach the daemon API.
func (d *Daemon) BaseURL() string {
	return "http://" + net.JoinHostPort(d.IP, strconv.Itoa(d.Port))
}

// Validate checks the daemon can be contacted.
func (d *Daemon) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("daemon name is required")
	}
	if net.ParseIP(d.IP) == nil {
		return fmt.Errorf("invalid daemon ip: %q", d.IP)
	}
	if d.Port <= 0 || d.Port > 65535 {
		return fmt.Errorf("invalid daemon port: %d", d.Port)
	}
	return nil
}

// DaemonRegisterRequest is sent by a daemon on startup.
type DaemonRegisterRequest struct {
	Name    string `json:"name"`
	IP      string `json:"ip"`
	Port    int    `json:"port"`
	Version string `json:"version"`
}

// DaemonRegisterResponse carries the credentials a daemon uses for the rest of its life.
// APIKey authenticates daemon to server calls; ControlToken authenticates server to daemon calls.
type DaemonRegisterResponse struct {
	DaemonID     string `json:"daemon_id"`
	APIKey       string `json:"api_key"`
	ControlToken string `json:"control_token"`
}

// Heartbeat is a periodic health report from a daemon.
type Heartbeat struct {
	DaemonID       string    `json:"daemon_id"`
	Timestamp      time.Time `json:"timestamp"`
	Version        string    `json:"version"`
	Discovering    bool      `json:"discovering"`
	HostsQueued    int       `json:"hosts_queued"`
	HostsShipped   int64     `json:"hosts_shipped"`
	MemoryMB       float64   `json:"memory_mb"`
	GoroutineCount int       `json:"goroutine_count"`
}

// HeartbeatResponse is returned to the daemon after a heartbeat.
type HeartbeatResponse struct {
	Acknowledged bool `json:"acknowledged"`
	// ActiveSessionID is set when the server believes the daemon is running a session.
	ActiveSessionID string `json:"active_session_id,omitempty"`
}

// =============================================================================
// API ENVELOPE
// =============================================================================

// ApiResponse is the uniform JSON envelope used by both HTTP surfaces.
type ApiResponse[T any] struct {
	Success bool   `json:"success"`
	Data    *T     `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Success wraps data in a successful envelope.
func Success[T any](data T) ApiResponse[T] {
	return ApiResponse[T]{Success: true, Data: &data}
}

// Failure builds an error envelope.
func Failure(message string) ApiResponse[struct{}] {
	return ApiResponse[struct{}]{Success: false, Error: message}
}
