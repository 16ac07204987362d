// Package metrics provides infrastructure health collection and Prometheus
// metrics for the control plane.
package metrics

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/netscope-io/netscope/pkg/types"
)

// HealthStore is the database surface the collector reads.
type HealthStore interface {
	GetPoolStats() types.PoolStats
	GetDatabaseSize(ctx context.Context) (int64, error)
	ListDaemons(ctx context.Context) ([]types.Daemon, error)
	GetInventoryCounts(ctx context.Context) (*types.InventoryCounts, error)
}

// BufferStatsProvider is an interface for getting buffer statistics.
type BufferStatsProvider interface {
	GetStats(ctx context.Context) (types.BufferStats, error)
}

// SessionCounter reports registry occupancy.
type SessionCounter interface {
	ActiveSessions() []types.DiscoverySession
	Len() int
}

// Collector gathers infrastructure metrics with caching.
type Collector struct {
	store    HealthStore
	buffer   BufferStatsProvider // may be nil if buffer is disabled
	sessions SessionCounter

	startTime time.Time

	mu            sync.RWMutex
	cachedHealth  *types.InfrastructureHealth
	cacheExpiry   time.Time
	cacheDuration time.Duration
}

// NewCollector creates a new metrics collector.
func NewCollector(store HealthStore, buffer BufferStatsProvider, sessions SessionCounter) *Collector {
	return &Collector{
		store:         store,
		buffer:        buffer,
		sessions:      sessions,
		startTime:     time.Now(),
		cacheDuration: 30 * time.Second,
	}
}

// GetInfrastructureHealth returns the current infrastructure health metrics.
// Results are cached for 30 seconds.
func (c *Collector) GetInfrastructureHealth(ctx context.Context) (*types.InfrastructureHealth, error) {
	c.mu.RLock()
	if c.cachedHealth != nil && time.Now().Before(c.cacheExpiry) {
		health := *c.cachedHealth
		c.mu.RUnlock()
		return &health, nil
	}
	c.mu.RUnlock()

	health := c.collectHealth(ctx)

	c.mu.Lock()
	c.cachedHealth = health
	c.cacheExpiry = time.Now().Add(c.cacheDuration)
	c.mu.Unlock()

	return health, nil
}

func (c *Collector) collectHealth(ctx context.Context) *types.InfrastructureHealth {
	health := &types.InfrastructureHealth{
		Timestamp:    time.Now(),
		ControlPlane: c.collectControlPlaneHealth(),
		Buffer:       c.collectBufferHealth(ctx),
		Discovery:    c.collectDiscoveryHealth(ctx),
	}

	if counts, err := c.store.GetInventoryCounts(ctx); err == nil {
		health.Inventory = *counts
	}

	dbHealth, err := c.collectDatabaseHealth(ctx)
	if err != nil {
		health.Database = types.DatabaseHealth{Status: "error"}
	} else {
		health.Database = *dbHealth
	}

	return health
}

func (c *Collector) collectControlPlaneHealth() types.ControlPlaneHealth {
	health := types.ControlPlaneHealth{
		Status:        "healthy",
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err == nil {
		if cpu, err := proc.CPUPercent(); err == nil {
			health.CPUPercent = cpu
		}
		if mem, err := proc.MemoryInfo(); err == nil {
			health.MemoryMB = float64(mem.RSS) / (1024 * 1024)
		}
		if memPct, err := proc.MemoryPercent(); err == nil {
			health.MemoryPercent = float64(memPct)
		}
	}

	if health.MemoryPercent > 90 || health.CPUPercent > 90 {
		health.Status = "degraded"
	}

	return health
}

func (c *Collector) collectDatabaseHealth(ctx context.Context) (*types.DatabaseHealth, error) {
	health := &types.DatabaseHealth{
		Status: "healthy",
		Pool:   c.store.GetPoolStats(),
	}

	if health.Pool.MaxConnections > 0 && health.Pool.AcquiredConnections >= health.Pool.MaxConnections-2 {
		health.Status = "degraded"
	}

	size, err := c.store.GetDatabaseSize(ctx)
	if err != nil {
		return nil, err
	}
	health.SizeBytes = size
	health.SizeFormatted = formatBytes(size)

	return health, nil
}

func (c *Collector) collectBufferHealth(ctx context.Context) types.BufferHealth {
	if c.buffer == nil {
		return types.BufferHealth{}
	}

	stats, err := c.buffer.GetStats(ctx)
	if err != nil {
		return types.BufferHealth{Enabled: true}
	}

	return types.BufferHealth{
		Enabled:    true,
		Connected:  stats.Connected,
		QueueDepth: stats.QueueDepth,
		FlushRate:  stats.FlushRate,
	}
}

func (c *Collector) collectDiscoveryHealth(ctx context.Context) types.DiscoveryHealth {
	var health types.DiscoveryHealth
	if c.sessions != nil {
		health.ActiveSessions = len(c.sessions.ActiveSessions())
		health.TrackedSessions = c.sessions.Len()
	}
	daemons, err := c.store.ListDaemons(ctx)
	if err == nil {
		for _, d := range daemons {
			if d.Status == types.DaemonStatusActive {
				health.OnlineDaemons++
			}
		}
	}
	return health
}

// formatBytes converts bytes to a human-readable string.
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
