package types

import "time"

// InfrastructureHealth is the control plane's view of its own dependencies.
type InfrastructureHealth struct {
	Timestamp    time.Time          `json:"timestamp"`
	ControlPlane ControlPlaneHealth `json:"control_plane"`
	Database     DatabaseHealth     `json:"database"`
	Buffer       BufferHealth       `json:"buffer"`
	Discovery    DiscoveryHealth    `json:"discovery"`
	Inventory    InventoryCounts    `json:"inventory"`
}

// ControlPlaneHealth contains control plane runtime metrics.
type ControlPlaneHealth struct {
	Status        string  `json:"status"` // healthy, degraded, down
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryMB      float64 `json:"memory_mb"`
	MemoryPercent float64 `json:"memory_percent"`
	Goroutines    int     `json:"goroutines"`
	UptimeSeconds int64   `json:"uptime_seconds"`
}

// DatabaseHealth contains database connection metrics.
type DatabaseHealth struct {
	Status        string    `json:"status"`
	Pool          PoolStats `json:"pool"`
	SizeBytes     int64     `json:"size_bytes"`
	SizeFormatted string    `json:"size_formatted"`
}

// PoolStats contains pgxpool connection pool statistics.
type PoolStats struct {
	TotalConnections    int32 `json:"total_connections"`
	IdleConnections     int32 `json:"idle_connections"`
	AcquiredConnections int32 `json:"acquired_connections"`
	MaxConnections      int32 `json:"max_connections"`
}

// BufferHealth contains Redis host-report buffer metrics.
type BufferHealth struct {
	Enabled    bool    `json:"enabled"`
	Connected  bool    `json:"connected"`
	QueueDepth int64   `json:"queue_depth"`
	FlushRate  float64 `json:"flush_rate_per_second"`
}

// DiscoveryHealth summarizes the session registry.
type DiscoveryHealth struct {
	ActiveSessions  int `json:"active_sessions"`
	TrackedSessions int `json:"tracked_sessions"`
	OnlineDaemons   int `json:"online_daemons"`
}

// InventoryCounts reports row counts for the discovery tables.
type InventoryCounts struct {
	Daemons  int `json:"daemons"`
	Hosts    int `json:"hosts"`
	Services int `json:"services"`
	Subnets  int `json:"subnets"`
}

// BufferStats represents buffer statistics for health reporting.
type BufferStats struct {
	QueueDepth int64
	FlushRate  float64
	Connected  bool
}
