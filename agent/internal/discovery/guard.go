package discovery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrAlreadyRunning is returned when a session is started while another runs.
	ErrAlreadyRunning = errors.New("discovery session already running")

	// ErrNotRunning is returned when cancelling with nothing to cancel.
	ErrNotRunning = errors.New("no discovery session running")
)

// DefaultCancelGrace is how long a cancelled task gets to stop on its own.
const DefaultCancelGrace = time.Second

// =============================================================================
// TOKEN
// =============================================================================

// Token is the cancellation signal for one session.
//
// It carries two contexts. The soft context is cancelled when a stop is
// requested and is only observed at checkpoints between hosts. The hard
// context is what network calls run under; it is cancelled only when a task
// is abandoned after the grace period, so probes already in flight normally
// finish.
type Token struct {
	soft       context.Context
	cancelSoft context.CancelFunc
	hard       context.Context
	cancelHard context.CancelFunc
}

func newToken() *Token {
	soft, cancelSoft := context.WithCancel(context.Background())
	hard, cancelHard := context.WithCancel(context.Background())
	return &Token{soft: soft, cancelSoft: cancelSoft, hard: hard, cancelHard: cancelHard}
}

// Cancelled reports whether a stop has been requested.
func (t *Token) Cancelled() bool {
	return t.soft.Err() != nil
}

// Done is closed when a stop is requested.
func (t *Token) Done() <-chan struct{} {
	return t.soft.Done()
}

// Context is the context network calls should use.
func (t *Token) Context() context.Context {
	return t.hard
}

// Cancel requests a cooperative stop.
func (t *Token) Cancel() {
	t.cancelSoft()
}

func (t *Token) abort() {
	t.cancelSoft()
	t.cancelHard()
}

// =============================================================================
// TASK
// =============================================================================

// Task is the handle of a running session goroutine.
type Task struct {
	sessionID string
	done      chan struct{}
	abandoned atomic.Bool
}

func newTask(sessionID string) *Task {
	return &Task{sessionID: sessionID, done: make(chan struct{})}
}

// SessionID is the session the task runs.
func (t *Task) SessionID() string { return t.sessionID }

// Done is closed when the task function returns.
func (t *Task) Done() <-chan struct{} { return t.done }

// Finished reports whether the task function has returned.
func (t *Task) Finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Abandoned reports whether the guard gave up on the task.
func (t *Task) Abandoned() bool { return t.abandoned.Load() }

// =============================================================================
// GUARD
// =============================================================================

// Guard owns the daemon's single discovery slot.
//
// # States
//
//	Idle -> Running -> Idle (task returned, or cancelled cooperatively)
//	                -> Idle (abandoned after the grace period)
//
// Go cannot kill a goroutine. An abandoned task keeps running until its hard
// context unwinds it, but it no longer holds the slot.
type Guard struct {
	mu     sync.RWMutex
	token  *Token
	task   *Task
	grace  time.Duration
	logger *slog.Logger
}

// NewGuard creates a guard. A non-positive grace uses DefaultCancelGrace.
func NewGuard(grace time.Duration, logger *slog.Logger) *Guard {
	if grace <= 0 {
		grace = DefaultCancelGrace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		grace:  grace,
		logger: logger.With("component", "session_guard"),
	}
}

// IsRunning reports whether a task holds the slot and has not returned.
func (g *Guard) IsRunning() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.runningLocked()
}

func (g *Guard) runningLocked() bool {
	return g.task != nil && !g.task.Finished()
}

// SessionID returns the running session, or "" when idle.
func (g *Guard) SessionID() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.runningLocked() {
		return ""
	}
	return g.task.sessionID
}

// StartSession resets the token and clears any finished task. It must be
// called before the session's task is launched.
func (g *Guard) StartSession() (*Token, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.startLocked()
}

func (g *Guard) startLocked() (*Token, error) {
	if g.runningLocked() {
		return nil, ErrAlreadyRunning
	}
	g.task = nil
	g.token = newToken()
	return g.token, nil
}

// SetTask records the handle of the task started for the current token.
func (g *Guard) SetTask(task *Task) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.task = task
}

// Launch starts fn as the session task. The slot check, token reset and task
// registration happen under one lock, so two concurrent launches cannot both win.
func (g *Guard) Launch(sessionID string, fn func(tok *Token)) (*Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	tok, err := g.startLocked()
	if err != nil {
		return nil, err
	}
	task := newTask(sessionID)
	g.task = task

	go func() {
		defer g.ClearCompletedTask()
		defer close(task.done)
		fn(tok)
	}()

	g.logger.Info("discovery task started", "session_id", sessionID)
	return task, nil
}

// Cancel stops the running session. It returns false immediately if nothing is
// running. Otherwise it signals the token and waits up to the grace period:
// true means the task stopped on its own; false means it was abandoned. In both
// cases the slot is free when Cancel returns.
func (g *Guard) Cancel() bool {
	g.mu.RLock()
	task, tok := g.task, g.token
	running := g.runningLocked()
	g.mu.RUnlock()

	if !running {
		return false
	}

	tok.Cancel()
	g.logger.Info("cancellation requested", "session_id", task.sessionID)

	timer := time.NewTimer(g.grace)
	defer timer.Stop()

	select {
	case <-task.done:
		g.release(task)
		g.logger.Info("discovery task stopped", "session_id", task.sessionID)
		return true
	case <-timer.C:
	}

	task.abandoned.Store(true)
	tok.abort()
	g.release(task)
	g.logger.Warn("discovery task ignored cancellation, abandoned",
		"session_id", task.sessionID,
		"grace", g.grace)
	return false
}

// ClearCompletedTask frees the slot once the task has returned.
func (g *Guard) ClearCompletedTask() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.task != nil && g.task.Finished() {
		g.task = nil
		g.token = newToken()
	}
}

// release frees the slot if it is still held by task.
func (g *Guard) release(task *Task) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.task == task {
		g.task = nil
		g.token = newToken()
	}
}
