package connwatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// fastSchedule keeps test loops in the millisecond range.
func fastSchedule() schedule {
	return schedule{
		firstDelay:   time.Millisecond,
		maxDelay:     5 * time.Millisecond,
		pollEvery:    5 * time.Millisecond,
		checkTimeout: 100 * time.Millisecond,
		startupTries: 5,
	}
}

func newTestMonitor() *Monitor {
	m := New(nil)
	m.sched = fastSchedule()
	return m
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached within deadline")
}

func TestDefaultSchedule(t *testing.T) {
	t.Parallel()
	s := defaultSchedule()
	if s.firstDelay != 2*time.Second {
		t.Errorf("firstDelay = %v, want 2s", s.firstDelay)
	}
	if s.maxDelay != 60*time.Second {
		t.Errorf("maxDelay = %v, want 60s", s.maxDelay)
	}
	if s.pollEvery != 60*time.Second {
		t.Errorf("pollEvery = %v, want 60s", s.pollEvery)
	}
	if s.startupTries != 10 {
		t.Errorf("startupTries = %d, want 10", s.startupTries)
	}
}

func TestTrackImmediateSuccess(t *testing.T) {
	t.Parallel()
	m := newTestMonitor()
	defer m.Stop()

	m.Track(context.Background(), "backend", func(ctx context.Context) error { return nil })

	waitFor(t, func() bool { return m.Ready("backend") })

	st := m.Status()["backend"]
	if st.LastError != "" {
		t.Errorf("LastError = %q, want empty", st.LastError)
	}
	if st.LastCheck.IsZero() {
		t.Error("LastCheck not recorded")
	}
}

func TestTrackRetriesUntilReachable(t *testing.T) {
	t.Parallel()
	m := newTestMonitor()
	defer m.Stop()

	var attempts atomic.Int32
	m.Track(context.Background(), "backend", func(ctx context.Context) error {
		if attempts.Add(1) <= 3 {
			return errors.New("still starting")
		}
		return nil
	})

	waitFor(t, func() bool { return m.Ready("backend") })

	if n := attempts.Load(); n < 4 {
		t.Errorf("attempts = %d, want at least 4", n)
	}
}

func TestTrackNeverReachable(t *testing.T) {
	t.Parallel()
	m := newTestMonitor()
	defer m.Stop()

	var attempts atomic.Int32
	m.Track(context.Background(), "backend", func(ctx context.Context) error {
		attempts.Add(1)
		return errors.New("refused")
	})

	// Startup tries exhaust, then the loop keeps polling.
	waitFor(t, func() bool { return attempts.Load() > int32(fastSchedule().startupTries) })

	if m.Ready("backend") {
		t.Error("backend reported ready while every check fails")
	}
	if st := m.Status()["backend"]; st.LastError == "" {
		t.Error("LastError empty for a failing backend")
	}
}

func TestTrackDetectsOutageAndRecovery(t *testing.T) {
	t.Parallel()
	m := newTestMonitor()
	defer m.Stop()

	var failing atomic.Bool
	m.Track(context.Background(), "backend", func(ctx context.Context) error {
		if failing.Load() {
			return errors.New("gone")
		}
		return nil
	})

	waitFor(t, func() bool { return m.Ready("backend") })

	failing.Store(true)
	waitFor(t, func() bool { return !m.Ready("backend") })

	failing.Store(false)
	waitFor(t, func() bool { return m.Ready("backend") })
}

func TestCheckTimeout(t *testing.T) {
	t.Parallel()
	m := newTestMonitor()
	m.sched.checkTimeout = 5 * time.Millisecond
	defer m.Stop()

	var timedOut atomic.Bool
	m.Track(context.Background(), "backend", func(ctx context.Context) error {
		<-ctx.Done()
		timedOut.Store(true)
		return ctx.Err()
	})

	waitFor(t, timedOut.Load)

	if m.Ready("backend") {
		t.Error("backend reported ready when every check times out")
	}
}

func TestReadyUnknownName(t *testing.T) {
	t.Parallel()
	m := newTestMonitor()
	if m.Ready("never-tracked") {
		t.Error("unknown backend reported ready")
	}
}

func TestStatusMultipleBackends(t *testing.T) {
	t.Parallel()
	m := newTestMonitor()
	defer m.Stop()

	m.Track(context.Background(), "up", func(ctx context.Context) error { return nil })
	m.Track(context.Background(), "down", func(ctx context.Context) error {
		return errors.New("unreachable")
	})

	waitFor(t, func() bool {
		st := m.Status()
		return !st["up"].LastCheck.IsZero() && !st["down"].LastCheck.IsZero()
	})

	st := m.Status()
	if len(st) != 2 {
		t.Fatalf("Status has %d entries, want 2", len(st))
	}
	if !st["up"].Ready {
		t.Error("up backend not ready")
	}
	if st["down"].Ready {
		t.Error("down backend ready")
	}
	if st["down"].LastError == "" {
		t.Error("down backend has no error recorded")
	}
}

func TestStopEndsLoops(t *testing.T) {
	t.Parallel()
	m := newTestMonitor()

	m.Track(context.Background(), "a", func(ctx context.Context) error { return nil })
	m.Track(context.Background(), "b", func(ctx context.Context) error { return errors.New("down") })

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestContextCancelEndsLoop(t *testing.T) {
	t.Parallel()
	m := newTestMonitor()

	ctx, cancel := context.WithCancel(context.Background())
	m.Track(ctx, "backend", func(ctx context.Context) error { return errors.New("down") })
	cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit after context cancel")
	}
}
