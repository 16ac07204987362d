// Package scheduler triggers network discovery on a schedule.
//
// # Schedules
//
// A schedule is either a Go duration ("6h", "90m"), measured from the previous
// run, or a standard five-field cron expression ("0 3 * * *").
//
// # Loop
//
// Every check interval:
//  1. Skip if no run is due
//  2. Skip if a discovery session already holds the daemon's slot (stays due)
//  3. Trigger the run and record the run time, whether it succeeded or not
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultCheckInterval is how often the loop evaluates the schedule.
const DefaultCheckInterval = 30 * time.Second

// Runner starts scheduled discovery.
type Runner interface {
	// Running reports whether a session is in progress.
	Running() bool
	// RunScheduled starts a session and returns once it has been launched.
	RunScheduled(ctx context.Context) error
}

// Scheduler runs discovery when the schedule is due.
type Scheduler struct {
	schedule      string
	runner        Runner
	checkInterval time.Duration
	logger        *slog.Logger
	now           func() time.Time

	mu        sync.Mutex
	createdAt time.Time
	lastRunAt *time.Time
	runs      int
	skipped   int
}

// NewScheduler creates a scheduler. The schedule must pass ValidateSchedule.
func NewScheduler(schedule string, runner Runner, checkInterval time.Duration, logger *slog.Logger) (*Scheduler, error) {
	if err := ValidateSchedule(schedule); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if checkInterval <= 0 {
		checkInterval = DefaultCheckInterval
	}
	return &Scheduler{
		schedule:      strings.TrimSpace(schedule),
		runner:        runner,
		checkInterval: checkInterval,
		logger:        logger.With("component", "scheduler"),
		now:           time.Now,
		createdAt:     time.Now(),
	}, nil
}

// Run evaluates the schedule until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduled discovery enabled", "schedule", s.schedule)

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

// runOnce triggers a run if one is due. It reports whether it did.
func (s *Scheduler) runOnce(ctx context.Context) bool {
	now := s.now()

	s.mu.Lock()
	due, err := IsDue(s.schedule, s.lastRunAt, s.createdAt, now)
	s.mu.Unlock()
	if err != nil {
		s.logger.Error("evaluating schedule", "schedule", s.schedule, "error", err)
		return false
	}
	if !due {
		return false
	}

	if s.runner.Running() {
		s.mu.Lock()
		s.skipped++
		s.mu.Unlock()
		s.logger.Debug("scheduled discovery deferred, session in progress")
		return false
	}

	if err := s.runner.RunScheduled(ctx); err != nil {
		s.logger.Warn("scheduled discovery failed to start", "error", err)
	} else {
		s.logger.Info("scheduled discovery started")
	}

	s.mu.Lock()
	s.lastRunAt = &now
	s.runs++
	s.mu.Unlock()
	return true
}

// Stats reports how often the schedule fired.
type Stats struct {
	Runs      int        `json:"runs"`
	Skipped   int        `json:"skipped"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Runs: s.runs, Skipped: s.skipped, LastRunAt: s.lastRunAt}
}

// ValidateSchedule checks that expr is a positive duration or a cron expression.
func ValidateSchedule(expr string) error {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return fmt.Errorf("schedule is required")
	}
	if d, err := time.ParseDuration(expr); err == nil {
		if d <= 0 {
			return fmt.Errorf("interval must be > 0")
		}
		return nil
	}
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return nil
}

// IsDue reports whether a run is due at now. Runs are anchored at lastRunAt,
// or createdAt before the first run.
func IsDue(schedule string, lastRunAt *time.Time, createdAt, now time.Time) (bool, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return false, fmt.Errorf("schedule is required")
	}

	anchor := createdAt.UTC()
	if anchor.IsZero() {
		anchor = now.UTC()
	}
	if lastRunAt != nil {
		anchor = lastRunAt.UTC()
	}

	if interval, err := time.ParseDuration(schedule); err == nil {
		if interval <= 0 {
			return false, fmt.Errorf("interval must be > 0")
		}
		return !anchor.Add(interval).After(now.UTC()), nil
	}

	spec, err := cron.ParseStandard(schedule)
	if err != nil {
		return false, err
	}
	return !spec.Next(anchor).After(now.UTC()), nil
}
