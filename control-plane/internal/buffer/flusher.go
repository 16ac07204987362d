package buffer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/netscope-io/netscope/control-plane/internal/config"
	"github.com/netscope-io/netscope/pkg/types"
)

// Queue is the buffer surface the flusher drains.
type Queue interface {
	Pop(ctx context.Context, max int) ([]types.DiscoveredHost, error)
	Requeue(ctx context.Context, hosts []types.DiscoveredHost) error
	Len(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}

// Sink applies host reports to the inventory.
type Sink interface {
	ApplyHosts(ctx context.Context, hosts []types.DiscoveredHost) error
}

// Flusher reads from the Redis buffer and applies reports to the inventory.
type Flusher struct {
	queue    Queue
	sink     Sink
	logger   *slog.Logger
	interval time.Duration
	batch    int

	flushed   atomic.Int64
	startTime time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewFlusher creates a new buffer flusher.
func NewFlusher(queue Queue, sink Sink, logger *slog.Logger) *Flusher {
	return &Flusher{
		queue:     queue,
		sink:      sink,
		logger:    logger.With("component", "buffer_flusher"),
		interval:  config.BufferFlushInterval,
		batch:     config.BufferFlushBatchSize,
		startTime: time.Now(),
		stopCh:    make(chan struct{}),
	}
}

// Start begins the background flushing loop.
func (f *Flusher) Start() {
	f.wg.Add(1)
	go f.run()
	f.logger.Info("buffer flusher started", "interval", f.interval, "batch_size", f.batch)
}

// Stop stops the flusher and waits for completion.
func (f *Flusher) Stop() {
	close(f.stopCh)
	f.wg.Wait()
	f.logger.Info("buffer flusher stopped")
}

func (f *Flusher) run() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			f.flush(context.Background())
			return
		case <-ticker.C:
			f.flush(context.Background())
		}
	}
}

// flush applies one batch. It returns the number of reports applied.
func (f *Flusher) flush(ctx context.Context) int {
	size, err := f.queue.Len(ctx)
	if err != nil {
		f.logger.Error("failed to get buffer size", "error", err)
		return 0
	}
	if size == 0 {
		return 0
	}

	hosts, err := f.queue.Pop(ctx, f.batch)
	if err != nil {
		f.logger.Error("failed to pop from buffer", "error", err)
		return 0
	}
	if len(hosts) == 0 {
		return 0
	}

	start := time.Now()
	if err := f.sink.ApplyHosts(ctx, hosts); err != nil {
		f.logger.Error("failed to apply host reports",
			"error", err,
			"count", len(hosts),
		)
		if rerr := f.queue.Requeue(ctx, hosts); rerr != nil {
			f.logger.Error("failed to requeue host reports, dropping batch",
				"error", rerr,
				"count", len(hosts),
			)
		}
		return 0
	}

	f.flushed.Add(int64(len(hosts)))
	f.logger.Info("flushed host reports",
		"count", len(hosts),
		"remaining", size-int64(len(hosts)),
		"duration", time.Since(start),
	)
	return len(hosts)
}

// GetStats reports queue depth, average flush rate and connectivity.
func (f *Flusher) GetStats(ctx context.Context) (types.BufferStats, error) {
	stats := types.BufferStats{Connected: f.queue.Ping(ctx) == nil}

	depth, err := f.queue.Len(ctx)
	if err != nil {
		return stats, err
	}
	stats.QueueDepth = depth

	if elapsed := time.Since(f.startTime).Seconds(); elapsed > 0 {
		stats.FlushRate = float64(f.flushed.Load()) / elapsed
	}
	return stats, nil
}
