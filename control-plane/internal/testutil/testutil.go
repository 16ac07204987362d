// Package testutil provides testing utilities and fixtures for the control plane.
//
// This package contains:
//   - Test loggers
//   - Fixture factories for domain types (daemons, sessions, hosts, services)
//   - In-memory fakes of the store and the daemon client
//
// # Usage
//
// Fixtures use functional options for customization:
//
//	daemon := testutil.FixtureDaemon()
//	daemon := testutil.FixtureDaemon(func(d *types.Daemon) {
//		d.Name = "basement-rack"
//		d.Port = 60073
//	})
package testutil

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/netscope-io/netscope/pkg/types"
)

// NewTestLogger returns a logger that discards all output.
// Use for tests where logging output is not needed.
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewVerboseTestLogger returns a debug logger that writes to stderr.
// Use for debugging test failures.
func NewVerboseTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// =============================================================================
// DAEMON FIXTURES
// =============================================================================

// FixtureDaemon creates a test daemon with sensible defaults.
// Use overrides to customize specific fields.
func FixtureDaemon(overrides ...func(*types.Daemon)) *types.Daemon {
	daemon := &types.Daemon{
		ID:            uuid.New().String(),
		Name:          "test-daemon-" + uuid.New().String()[:8],
		IP:            "192.168.1.10",
		Port:          60073,
		Version:       "1.0.0",
		Status:        types.DaemonStatusActive,
		LastHeartbeat: time.Now(),
		CreatedAt:     time.Now(),
	}

	for _, override := range overrides {
		override(daemon)
	}

	return daemon
}

// FixtureDaemonOffline creates an offline daemon (no recent heartbeat).
func FixtureDaemonOffline(overrides ...func(*types.Daemon)) *types.Daemon {
	return FixtureDaemon(append([]func(*types.Daemon){
		func(d *types.Daemon) {
			d.Status = types.DaemonStatusOffline
			d.LastHeartbeat = time.Now().Add(-5 * time.Minute)
		},
	}, overrides...)...)
}

// =============================================================================
// SESSION FIXTURES
// =============================================================================

// FixtureSession creates a running network session.
func FixtureSession(daemonID string, overrides ...func(*types.DiscoverySession)) *types.DiscoverySession {
	now := time.Now()
	sess := &types.DiscoverySession{
		SessionID:     uuid.New().String(),
		DaemonID:      daemonID,
		DiscoveryType: types.DiscoveryNetwork,
		Phase:         types.PhaseScanning,
		Completed:     10,
		Total:         254,
		LastSeq:       2,
		CreatedAt:     now,
		StartedAt:     &now,
		UpdatedAt:     now,
	}

	for _, override := range overrides {
		override(sess)
	}

	return sess
}

// FixtureSessionFinished creates a session that finished d ago.
func FixtureSessionFinished(daemonID string, d time.Duration, overrides ...func(*types.DiscoverySession)) *types.DiscoverySession {
	return FixtureSession(daemonID, append([]func(*types.DiscoverySession){
		func(s *types.DiscoverySession) {
			s.Phase = types.PhaseFinished
			s.Outcome = types.PhaseComplete
			s.Completed = s.Total
			s.FinishedAt = TimeAgoPtr(d)
		},
	}, overrides...)...)
}

// =============================================================================
// INVENTORY FIXTURES
// =============================================================================

// FixtureHost creates a host with one interface on 192.168.1.0/24 and the
// DNS ports open.
func FixtureHost(overrides ...func(*types.Host)) *types.Host {
	now := time.Now()
	host := &types.Host{
		ID:   uuid.New().String(),
		Name: "192.168.1.53",
		Interfaces: []types.Interface{{
			ID:         uuid.New().String(),
			IP:         "192.168.1.53",
			MAC:        "b8:27:eb:00:00:01",
			SubnetCIDR: "192.168.1.0/24",
		}},
		Ports: []types.Port{
			{ID: uuid.New().String(), PortBase: types.PortDnsUdp},
			{ID: uuid.New().String(), PortBase: types.PortDnsTcp},
		},
		Source:    types.EntitySource{Kind: types.SourceDiscovery},
		CreatedAt: now,
		UpdatedAt: now,
	}

	for _, override := range overrides {
		override(host)
	}

	return host
}

// FixtureService creates a DNS service bound to every port of host.
func FixtureService(host *types.Host, overrides ...func(*types.Service)) *types.Service {
	now := time.Now()
	svc := &types.Service{
		ID:         uuid.New().String(),
		HostID:     host.ID,
		Definition: "Dns Server",
		Category:   types.CategoryDNS,
		Generic:    true,
		Name:       "Dns Server",
		Source:     types.EntitySource{Kind: types.SourceDiscovery},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	var ifaceID string
	if len(host.Interfaces) > 0 {
		ifaceID = host.Interfaces[0].ID
	}
	for _, p := range host.Ports {
		svc.Bindings = append(svc.Bindings, types.NewPortBinding(uuid.New().String(), p.ID, ifaceID))
	}

	for _, override := range overrides {
		override(svc)
	}

	return svc
}

// FixtureDiscoveredHost wraps host and its services in a daemon report.
func FixtureDiscoveredHost(daemonID string, host *types.Host, services ...types.Service) types.DiscoveredHost {
	return types.DiscoveredHost{
		SessionID:     uuid.New().String(),
		DaemonID:      daemonID,
		DiscoveryType: types.DiscoveryNetwork,
		Host:          *host,
		Subnets: []types.Subnet{{
			CIDR: "192.168.1.0/24",
			Name: "192.168.1.0/24",
			Type: types.SubnetLan,
		}},
		Services:     services,
		DiscoveredAt: time.Now(),
	}
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// Ptr returns a pointer to the given value.
// Useful for setting optional fields in fixtures.
func Ptr[T any](v T) *T {
	return &v
}

// TimeAgo returns a time in the past by the given duration.
func TimeAgo(d time.Duration) time.Time {
	return time.Now().Add(-d)
}

// TimeAgoPtr returns a pointer to a time in the past.
func TimeAgoPtr(d time.Duration) *time.Time {
	t := time.Now().Add(-d)
	return &t
}
