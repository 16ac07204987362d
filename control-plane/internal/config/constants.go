// Package config provides configuration constants for the control plane.
//
// This package centralizes tuning values for daemon health, session
// lifecycle, buffering and caching so they are easy to find and test.
package config

import "time"

// Daemon health thresholds determine daemon status based on heartbeat age.
const (
	// DaemonDegradedThreshold - daemon is considered degraded if no heartbeat
	// has been received within this duration (two missed beats).
	DaemonDegradedThreshold = 60 * time.Second

	// DaemonOfflineThreshold - daemon is considered offline if no heartbeat
	// has been received within this duration (five missed beats).
	DaemonOfflineThreshold = 150 * time.Second
)

// SQL interval strings used by get_daemon_status().
// These must match the Go duration constants above.
const (
	SQLDaemonDegradedInterval = "60 seconds"
	SQLDaemonOfflineInterval  = "150 seconds"
)

// Discovery session lifecycle.
const (
	// SessionRetention is how long a terminal session stays queryable.
	SessionRetention = 24 * time.Hour

	// SessionCleanupInterval is how often expired sessions are purged.
	SessionCleanupInterval = 10 * time.Minute

	// SessionMaxIdle is how long a running session may go without an
	// update before the watchdog marks it failed.
	SessionMaxIdle = 10 * time.Minute

	// WatchdogInterval is how often the watchdog sweeps running sessions.
	WatchdogInterval = 30 * time.Second
)

// Host report buffering.
const (
	// BufferFlushBatchSize is the number of host reports applied per flush.
	BufferFlushBatchSize = 500

	// BufferFlushInterval is how often to flush the Redis buffer.
	BufferFlushInterval = 2 * time.Second

	// MaxHostBatchBytes caps a decompressed host batch upload.
	MaxHostBatchBytes = 32 << 20
)

// HTTP client timeouts and limits.
const (
	// DaemonRequestTimeout bounds a single server to daemon call.
	DaemonRequestTimeout = 10 * time.Second

	// DaemonRequestsPerMinute rate limits server to daemon calls.
	DaemonRequestsPerMinute = 120
)

// Cache TTLs.
const (
	// CacheTTLDaemon is the TTL for cached daemon records.
	CacheTTLDaemon = 5 * time.Minute

	// CacheTTLInfraHealth is the TTL for infrastructure health data.
	CacheTTLInfraHealth = 60 * time.Second
)

// Database connection configuration.
const (
	// DatabasePingTimeout is the timeout for database connectivity checks.
	DatabasePingTimeout = 5 * time.Second

	// RedisConnectionTimeout is the timeout for Redis connectivity checks.
	RedisConnectionTimeout = 5 * time.Second
)

// DaemonHeartbeatInterval is how often daemons send heartbeats by default.
const DaemonHeartbeatInterval = 30 * time.Second
