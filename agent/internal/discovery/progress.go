package discovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/netscope-io/netscope/pkg/types"
)

// Reporter delivers progress updates to the control plane.
type Reporter interface {
	ReportProgress(ctx context.Context, update types.DiscoveryUpdatePayload) error
}

// ProgressConfig controls how often scanning updates are sent.
type ProgressConfig struct {
	// Every sends an update after this many completed hosts.
	Every int

	// MinInterval is the minimum spacing between non-terminal updates.
	MinInterval time.Duration

	// Timeout bounds each delivery.
	Timeout time.Duration
}

// DefaultProgressConfig reports every 20 hosts, at most twice a second.
func DefaultProgressConfig() ProgressConfig {
	return ProgressConfig{
		Every:       20,
		MinInterval: 500 * time.Millisecond,
		Timeout:     10 * time.Second,
	}
}

// progress tracks one session's counters and sends numbered updates.
//
// Updates are built and delivered under one lock, so seq order matches
// delivery order. Non-terminal updates are throttled; phase changes and the
// terminal update are always sent.
type progress struct {
	reporter Reporter
	cfg      ProgressConfig
	limiter  *rate.Limiter
	logger   *slog.Logger

	sessionID string
	daemonID  string
	startedAt time.Time

	mu         sync.Mutex
	seq        uint64
	phase      types.DiscoveryPhase
	completed  int
	total      int
	discovered int
	terminal   bool
}

func newProgress(reporter Reporter, cfg ProgressConfig, sessionID, daemonID string, logger *slog.Logger) *progress {
	def := DefaultProgressConfig()
	if cfg.Every <= 0 {
		cfg.Every = def.Every
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}
	return &progress{
		reporter:  reporter,
		cfg:       cfg,
		limiter:   rate.NewLimiter(limit, 1),
		logger:    logger,
		sessionID: sessionID,
		daemonID:  daemonID,
		startedAt: time.Now().UTC(),
		phase:     types.PhaseInitiated,
	}
}

// started sends the Started phase.
func (p *progress) started() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.phase = types.PhaseStarted
	p.sendLocked(nil)
}

// scanning sends the Scanning phase with the host total.
func (p *progress) scanning(total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.phase = types.PhaseScanning
	p.total = total
	p.sendLocked(nil)
}

// hostDone records one processed host and sends a throttled update.
func (p *progress) hostDone(found bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completed++
	if found {
		p.discovered++
	}
	if p.completed%p.cfg.Every != 0 && p.completed != p.total {
		return
	}
	if !p.limiter.Allow() {
		return
	}
	p.sendLocked(nil)
}

// finish sends the terminal update. Only the first call has an effect.
func (p *progress) finish(phase types.DiscoveryPhase, errMsg *string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminal {
		return
	}
	p.terminal = true
	p.phase = phase
	now := time.Now().UTC()
	p.sendLocked(func(u *types.DiscoveryUpdatePayload) {
		u.Error = errMsg
		u.FinishedAt = &now
	})
}

func (p *progress) snapshot() (completed, discovered int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completed, p.discovered
}

func (p *progress) sendLocked(mutate func(*types.DiscoveryUpdatePayload)) {
	if p.reporter == nil {
		return
	}
	p.seq++
	startedAt := p.startedAt
	update := types.DiscoveryUpdatePayload{
		SessionID: p.sessionID,
		DaemonID:  p.daemonID,
		StartedAt: &startedAt,
		DiscoverySessionUpdate: types.DiscoverySessionUpdate{
			Seq:             p.seq,
			Phase:           p.phase,
			Completed:       p.completed,
			Total:           p.total,
			DiscoveredCount: p.discovered,
		},
	}
	if mutate != nil {
		mutate(&update)
	}

	// Deliveries outlive cancellation so the terminal phase always goes out.
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
	defer cancel()
	if err := p.reporter.ReportProgress(ctx, update); err != nil {
		p.logger.Warn("failed to report progress",
			"session_id", p.sessionID,
			"phase", p.phase,
			"seq", p.seq,
			"error", err)
	}
}
