package discovery

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitDone(t *testing.T, task *Task) {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("task did not finish")
	}
}

func TestGuard_SingleFlight(t *testing.T) {
	g := NewGuard(time.Second, testLogger())
	release := make(chan struct{})
	defer close(release)

	task, err := g.Launch("s1", func(tok *Token) { <-release })
	if err != nil {
		t.Fatalf("first launch failed: %v", err)
	}
	if !g.IsRunning() {
		t.Fatal("expected guard to report running")
	}
	if g.SessionID() != "s1" || task.SessionID() != "s1" {
		t.Errorf("session id = %q", g.SessionID())
	}

	if _, err := g.Launch("s2", func(tok *Token) {}); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second launch error = %v, want ErrAlreadyRunning", err)
	}
	if _, err := g.StartSession(); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("StartSession() error = %v, want ErrAlreadyRunning", err)
	}
}

func TestGuard_TaskCompletionFreesSlot(t *testing.T) {
	g := NewGuard(time.Second, testLogger())

	task, err := g.Launch("s1", func(tok *Token) {})
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, task)

	if g.IsRunning() {
		t.Error("finished task must not hold the slot")
	}
	if g.SessionID() != "" {
		t.Errorf("session id = %q, want empty", g.SessionID())
	}
	if _, err := g.Launch("s2", func(tok *Token) {}); err != nil {
		t.Errorf("launch after completion failed: %v", err)
	}
}

func TestGuard_CancelIdle(t *testing.T) {
	g := NewGuard(time.Second, testLogger())
	if g.Cancel() {
		t.Error("cancel with nothing running must return false")
	}
}

func TestGuard_CooperativeCancel(t *testing.T) {
	g := NewGuard(time.Second, testLogger())

	task, err := g.Launch("s1", func(tok *Token) { <-tok.Done() })
	if err != nil {
		t.Fatal(err)
	}

	if !g.Cancel() {
		t.Fatal("expected cooperative cancel to succeed")
	}
	if g.IsRunning() {
		t.Error("slot must be free right after a cooperative cancel")
	}
	if task.Abandoned() {
		t.Error("cooperative task must not be abandoned")
	}
}

func TestGuard_ForcedAbort(t *testing.T) {
	g := NewGuard(50*time.Millisecond, testLogger())
	release := make(chan struct{})

	var hardCancelled bool
	tokCh := make(chan *Token, 1)
	task, err := g.Launch("s1", func(tok *Token) {
		tokCh <- tok
		<-release
		hardCancelled = tok.Context().Err() != nil
	})
	if err != nil {
		t.Fatal(err)
	}
	<-tokCh

	start := time.Now()
	if g.Cancel() {
		t.Fatal("expected cancel of an unresponsive task to report false")
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Error("cancel returned before the grace period")
	}
	if g.IsRunning() {
		t.Error("slot must be free after a forced abort")
	}
	if !task.Abandoned() {
		t.Error("task should be marked abandoned")
	}

	// A new session can start while the abandoned goroutine unwinds.
	block := make(chan struct{})
	next, err := g.Launch("s2", func(tok *Token) { <-block })
	if err != nil {
		t.Fatalf("launch after abort failed: %v", err)
	}

	close(release)
	waitDone(t, task)
	if !hardCancelled {
		t.Error("abandoned task should see its network context cancelled")
	}

	// The old task's cleanup must not free the new session's slot.
	if !g.IsRunning() || g.SessionID() != "s2" {
		t.Errorf("running = %v, session = %q", g.IsRunning(), g.SessionID())
	}
	close(block)
	waitDone(t, next)
}

func TestGuard_ManualTask(t *testing.T) {
	g := NewGuard(time.Second, testLogger())

	tok, err := g.StartSession()
	if err != nil {
		t.Fatal(err)
	}
	if tok.Cancelled() {
		t.Fatal("fresh token must not be cancelled")
	}
	if g.IsRunning() {
		t.Error("no task has been set yet")
	}

	task := newTask("manual")
	g.SetTask(task)
	if !g.IsRunning() {
		t.Fatal("expected running after SetTask")
	}

	close(task.done)
	if g.IsRunning() {
		t.Error("finished task must not count as running")
	}
	g.ClearCompletedTask()

	tok2, err := g.StartSession()
	if err != nil {
		t.Fatal(err)
	}
	if tok2 == tok {
		t.Error("expected a fresh token for the next session")
	}
}
