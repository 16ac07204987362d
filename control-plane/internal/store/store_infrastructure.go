package store

import (
	"context"

	"github.com/netscope-io/netscope/pkg/types"
)

// GetDatabaseSize returns the total size of the database in bytes.
func (s *Store) GetDatabaseSize(ctx context.Context) (int64, error) {
	var size int64
	err := s.pool.QueryRow(ctx, `
		SELECT pg_database_size(current_database())
	`).Scan(&size)
	return size, err
}

// GetPoolStats returns the current connection pool statistics.
func (s *Store) GetPoolStats() types.PoolStats {
	stat := s.pool.Stat()
	return types.PoolStats{
		TotalConnections:    stat.TotalConns(),
		IdleConnections:     stat.IdleConns(),
		AcquiredConnections: stat.AcquiredConns(),
		MaxConnections:      stat.MaxConns(),
	}
}

// GetInventoryCounts counts daemons, hosts, services and subnets.
func (s *Store) GetInventoryCounts(ctx context.Context) (*types.InventoryCounts, error) {
	var c types.InventoryCounts
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM daemons),
			(SELECT COUNT(*) FROM hosts),
			(SELECT COUNT(*) FROM services),
			(SELECT COUNT(*) FROM subnets)
	`).Scan(&c.Daemons, &c.Hosts, &c.Services, &c.Subnets)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
