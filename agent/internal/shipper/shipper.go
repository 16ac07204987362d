// Package shipper batches discovered hosts and ships them to the control plane.
//
// # Design
//
// Hosts are buffered in memory and shipped when:
// 1. Batch size is reached
// 2. Batch timeout expires
// 3. A discovery session flushes before its terminal update
// 4. Shutdown is requested (flush remaining)
//
// # Resilience
//
// Hosts from a failed batch are put back at the front of the queue. The queue
// is bounded by MaxQueued; when full the oldest hosts are dropped.
package shipper

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/netscope-io/netscope/pkg/types"
)

// Credentials identify the daemon on outgoing requests.
type Credentials interface {
	DaemonID() string
	Authorize(req *http.Request)
}

// Shipper batches and ships discovered hosts to the control plane.
type Shipper struct {
	client   *http.Client
	endpoint string
	creds    Credentials
	logger   *slog.Logger

	batchSize    int
	batchTimeout time.Duration
	maxQueued    int

	bufferMu sync.Mutex
	buffer   []types.DiscoveredHost

	// shipMu keeps batches in order when a session flush races the ticker.
	shipMu sync.Mutex

	metricsMu sync.Mutex
	shipped   int64
	failed    int64
	dropped   int64

	flushCh chan struct{}
}

// Config for the shipper.
type Config struct {
	Endpoint     string        // URL to POST batches
	Credentials  Credentials   // Daemon identity (optional)
	BatchSize    int           // Max hosts per batch
	BatchTimeout time.Duration // Max time before sending batch
	MaxQueued    int           // Queue bound across failures
	Client       *http.Client  // HTTP client (optional)
	Logger       *slog.Logger  // Logger (optional)
}

// NewShipper creates a new host shipper.
func NewShipper(cfg Config) *Shipper {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 5 * time.Second
	}
	if cfg.MaxQueued < cfg.BatchSize {
		cfg.MaxQueued = cfg.BatchSize * 100
	}

	return &Shipper{
		client:       cfg.Client,
		endpoint:     cfg.Endpoint,
		creds:        cfg.Credentials,
		logger:       cfg.Logger.With("component", "shipper"),
		batchSize:    cfg.BatchSize,
		batchTimeout: cfg.BatchTimeout,
		maxQueued:    cfg.MaxQueued,
		buffer:       make([]types.DiscoveredHost, 0, cfg.BatchSize),
		flushCh:      make(chan struct{}, 1),
	}
}

// Add queues hosts. May trigger an immediate flush if batch size is reached.
func (s *Shipper) Add(hosts ...types.DiscoveredHost) {
	s.bufferMu.Lock()
	s.buffer = append(s.buffer, hosts...)
	dropped := s.trimLocked()
	shouldFlush := len(s.buffer) >= s.batchSize
	s.bufferMu.Unlock()

	s.countDropped(dropped)
	if shouldFlush {
		select {
		case s.flushCh <- struct{}{}:
		default:
		}
	}
}

// Run starts the shipper loop. Blocks until context is cancelled.
func (s *Shipper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.batchTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush on shutdown
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			s.Flush(shutdownCtx)
			cancel()
			return ctx.Err()
		case <-ticker.C:
			s.Flush(ctx)
		case <-s.flushCh:
			s.Flush(ctx)
		}
	}
}

// Flush ships everything queued, one batch at a time. It stops at the first
// failed batch, which is re-queued.
func (s *Shipper) Flush(ctx context.Context) {
	s.shipMu.Lock()
	defer s.shipMu.Unlock()

	for {
		s.bufferMu.Lock()
		if len(s.buffer) == 0 {
			s.bufferMu.Unlock()
			return
		}
		n := min(len(s.buffer), s.batchSize)
		hosts := make([]types.DiscoveredHost, n)
		copy(hosts, s.buffer[:n])
		s.buffer = s.buffer[n:]
		s.bufferMu.Unlock()

		if err := s.ship(ctx, hosts); err != nil {
			s.logger.Error("failed to ship hosts", "count", len(hosts), "error", err)
			s.requeue(hosts)
			s.metricsMu.Lock()
			s.failed += int64(len(hosts))
			s.metricsMu.Unlock()
			return
		}

		s.metricsMu.Lock()
		s.shipped += int64(len(hosts))
		s.metricsMu.Unlock()
		s.logger.Debug("shipped hosts", "count", len(hosts))
	}
}

// requeue puts a failed batch back in front of anything added meanwhile.
func (s *Shipper) requeue(hosts []types.DiscoveredHost) {
	s.bufferMu.Lock()
	s.buffer = append(hosts, s.buffer...)
	dropped := s.trimLocked()
	s.bufferMu.Unlock()
	s.countDropped(dropped)
}

// trimLocked drops the oldest hosts beyond maxQueued.
func (s *Shipper) trimLocked() int {
	over := len(s.buffer) - s.maxQueued
	if over <= 0 {
		return 0
	}
	s.buffer = append(s.buffer[:0:0], s.buffer[over:]...)
	return over
}

func (s *Shipper) countDropped(n int) {
	if n == 0 {
		return
	}
	s.logger.Warn("host queue full, dropped oldest", "dropped", n)
	s.metricsMu.Lock()
	s.dropped += int64(n)
	s.metricsMu.Unlock()
}

// ship sends one batch to the control plane.
func (s *Shipper) ship(ctx context.Context, hosts []types.DiscoveredHost) error {
	batch := types.HostBatch{Hosts: hosts}
	if s.creds != nil {
		batch.DaemonID = s.creds.DaemonID()
	}

	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshaling batch: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return fmt.Errorf("compressing batch: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("closing gzip: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, &buf)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	if s.creds != nil {
		s.creds.Authorize(req)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

// Stats returns shipper statistics.
type Stats struct {
	Queued  int   `json:"queued"`
	Shipped int64 `json:"shipped"`
	Failed  int64 `json:"failed"`
	Dropped int64 `json:"dropped"`
}

func (s *Shipper) Stats() Stats {
	s.bufferMu.Lock()
	queued := len(s.buffer)
	s.bufferMu.Unlock()

	s.metricsMu.Lock()
	defer s.metricsMu.Unlock()
	return Stats{
		Queued:  queued,
		Shipped: s.shipped,
		Failed:  s.failed,
		Dropped: s.dropped,
	}
}
