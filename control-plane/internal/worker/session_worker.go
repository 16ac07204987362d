// Package worker provides background workers for the control plane.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/netscope-io/netscope/control-plane/internal/config"
)

// SessionMaintainer is the session housekeeping the worker drives.
type SessionMaintainer interface {
	// FailStaleSessions fails running sessions silent for longer than maxIdle
	// and returns how many were failed.
	FailStaleSessions(ctx context.Context, maxIdle time.Duration) int

	// CleanupSessions drops sessions that finished more than maxAge ago and
	// returns how many were dropped.
	CleanupSessions(ctx context.Context, maxAge time.Duration) int
}

// SessionWorkerConfig holds configuration for the session worker.
type SessionWorkerConfig struct {
	// WatchdogInterval is how often running sessions are checked for silence.
	WatchdogInterval time.Duration

	// MaxIdle is how long a running session may go without an applied update
	// before it is failed.
	MaxIdle time.Duration

	// CleanupInterval is how often finished sessions are purged.
	CleanupInterval time.Duration

	// Retention is how long a finished session stays queryable.
	Retention time.Duration
}

// DefaultSessionWorkerConfig returns sensible defaults.
func DefaultSessionWorkerConfig() SessionWorkerConfig {
	return SessionWorkerConfig{
		WatchdogInterval: config.WatchdogInterval,
		MaxIdle:          config.SessionMaxIdle,
		CleanupInterval:  config.SessionCleanupInterval,
		Retention:        config.SessionRetention,
	}
}

// SessionWorker fails sessions whose daemon went silent and purges old ones.
type SessionWorker struct {
	sessions SessionMaintainer
	config   SessionWorkerConfig
	logger   *slog.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSessionWorker creates a new session worker.
func NewSessionWorker(sessions SessionMaintainer, cfg SessionWorkerConfig, logger *slog.Logger) *SessionWorker {
	return &SessionWorker{
		sessions: sessions,
		config:   cfg,
		logger:   logger.With("component", "session_worker"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the session worker in a goroutine.
func (w *SessionWorker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to exit.
func (w *SessionWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *SessionWorker) run(ctx context.Context) {
	defer w.wg.Done()
	w.logger.Info("session worker started",
		"watchdog_interval", w.config.WatchdogInterval,
		"max_idle", w.config.MaxIdle,
		"cleanup_interval", w.config.CleanupInterval,
		"retention", w.config.Retention,
	)

	watchdog := time.NewTicker(w.config.WatchdogInterval)
	defer watchdog.Stop()
	cleanup := time.NewTicker(w.config.CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("session worker stopping (context cancelled)")
			return
		case <-w.stopCh:
			w.logger.Info("session worker stopping (stop signal)")
			return
		case <-watchdog.C:
			w.runWatchdog(ctx)
		case <-cleanup.C:
			w.runCleanup(ctx)
		}
	}
}

func (w *SessionWorker) runWatchdog(ctx context.Context) int {
	failed := w.sessions.FailStaleSessions(ctx, w.config.MaxIdle)
	if failed > 0 {
		w.logger.Warn("watchdog failed silent sessions", "count", failed, "max_idle", w.config.MaxIdle)
	}
	return failed
}

func (w *SessionWorker) runCleanup(ctx context.Context) int {
	removed := w.sessions.CleanupSessions(ctx, w.config.Retention)
	if removed > 0 {
		w.logger.Info("expired sessions purged", "count", removed, "retention", w.config.Retention)
	}
	return removed
}
