// Package buffer provides a Redis-backed write-ahead buffer for discovered
// host reports. This decouples daemon uploads from inventory writes, so a
// slow database does not stall a running scan's shipper.
package buffer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/netscope-io/netscope/control-plane/internal/config"
	"github.com/netscope-io/netscope/pkg/types"
)

// Redis key for the host report queue
const keyHostReports = "netscope:host_reports"

// HostBuffer provides Redis-backed buffering for host reports.
type HostBuffer struct {
	client *redis.Client
	logger *slog.Logger
}

// NewHostBuffer creates a new Redis-backed host buffer.
func NewHostBuffer(redisURL string, logger *slog.Logger) (*HostBuffer, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), config.RedisConnectionTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &HostBuffer{
		client: client,
		logger: logger.With("component", "host_buffer"),
	}, nil
}

func encodeHosts(hosts []types.DiscoveredHost) ([]any, error) {
	values := make([]any, len(hosts))
	for i, h := range hosts {
		data, err := json.Marshal(h)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal host report: %w", err)
		}
		values[i] = data
	}
	return values, nil
}

// Push adds host reports to the tail of the queue.
func (b *HostBuffer) Push(ctx context.Context, hosts []types.DiscoveredHost) error {
	if len(hosts) == 0 {
		return nil
	}
	values, err := encodeHosts(hosts)
	if err != nil {
		return err
	}
	if err := b.client.LPush(ctx, keyHostReports, values...).Err(); err != nil {
		return fmt.Errorf("failed to push host reports to redis: %w", err)
	}
	return nil
}

// Requeue puts reports back at the head of the queue, preserving their order,
// so a failed flush retries them before newer reports.
func (b *HostBuffer) Requeue(ctx context.Context, hosts []types.DiscoveredHost) error {
	if len(hosts) == 0 {
		return nil
	}
	// RPUSH appends in argument order; the last argument is popped first.
	reversed := make([]types.DiscoveredHost, len(hosts))
	for i, h := range hosts {
		reversed[len(hosts)-1-i] = h
	}
	values, err := encodeHosts(reversed)
	if err != nil {
		return err
	}
	if err := b.client.RPush(ctx, keyHostReports, values...).Err(); err != nil {
		return fmt.Errorf("failed to requeue host reports: %w", err)
	}
	return nil
}

// Pop retrieves and removes up to max reports in FIFO order.
func (b *HostBuffer) Pop(ctx context.Context, max int) ([]types.DiscoveredHost, error) {
	pipe := b.client.Pipeline()
	cmds := make([]*redis.StringCmd, max)
	for i := 0; i < max; i++ {
		cmds[i] = pipe.RPop(ctx, keyHostReports)
	}

	_, err := pipe.Exec(ctx)
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to pop host reports from redis: %w", err)
	}

	hosts := make([]types.DiscoveredHost, 0, max)
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}
		var h types.DiscoveredHost
		if err := json.Unmarshal(data, &h); err != nil {
			b.logger.Warn("dropping undecodable host report", "error", err)
			continue
		}
		hosts = append(hosts, h)
	}
	return hosts, nil
}

// Len returns the number of buffered reports.
func (b *HostBuffer) Len(ctx context.Context) (int64, error) {
	return b.client.LLen(ctx, keyHostReports).Result()
}

// Ping checks the Redis connection.
func (b *HostBuffer) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (b *HostBuffer) Close() error {
	return b.client.Close()
}
