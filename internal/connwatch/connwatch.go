// Package connwatch tracks whether the external backends reeve talks
// to (the model server, primarily) are reachable. A backend that is
// down at startup is retried with growing delays instead of being
// fatal; once the startup window has passed, the backend is polled on
// a steady interval and transitions are logged. The health endpoint
// reads the current picture via [Monitor.Status].
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CheckFunc reports whether a backend is reachable. A nil return means
// healthy. The context carries the per-check timeout.
type CheckFunc func(ctx context.Context) error

// schedule holds the retry timing for one monitor. Startup checks back
// off from firstDelay, doubling up to maxDelay, for at most
// startupTries attempts; after that (or after the first success)
// checks run every pollEvery.
type schedule struct {
	firstDelay   time.Duration
	maxDelay     time.Duration
	pollEvery    time.Duration
	checkTimeout time.Duration
	startupTries int
}

func defaultSchedule() schedule {
	return schedule{
		firstDelay:   2 * time.Second,
		maxDelay:     60 * time.Second,
		pollEvery:    60 * time.Second,
		checkTimeout: 10 * time.Second,
		startupTries: 10,
	}
}

// ServiceStatus is one backend's health as reported to the API layer.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Monitor runs one background check loop per tracked backend.
type Monitor struct {
	logger *slog.Logger
	sched  schedule

	mu       sync.Mutex
	services map[string]*service
	cancels  []context.CancelFunc
	wg       sync.WaitGroup
}

type service struct {
	name  string
	check CheckFunc

	mu        sync.Mutex
	ready     bool
	lastErr   error
	lastCheck time.Time
}

// record stores one check outcome and returns the previous readiness,
// so the caller can log transitions.
func (s *service) record(err error) (wasReady bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wasReady = s.ready
	s.ready = err == nil
	s.lastErr = err
	s.lastCheck = time.Now()
	return wasReady
}

func (s *service) status() ServiceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := ServiceStatus{
		Name:      s.name,
		Ready:     s.ready,
		LastCheck: s.lastCheck,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// New creates a Monitor with the default check schedule.
func New(logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		logger:   logger,
		sched:    defaultSchedule(),
		services: make(map[string]*service),
	}
}

// Track starts a background check loop for one named backend. The loop
// runs until ctx is cancelled or Stop is called. Tracking the same
// name twice replaces the status entry but leaves the old loop running;
// callers register each backend once at startup.
func (m *Monitor) Track(ctx context.Context, name string, check CheckFunc) {
	s := &service{name: name, check: check}

	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.services[name] = s
	m.cancels = append(m.cancels, cancel)
	m.mu.Unlock()

	m.wg.Add(1)
	go m.watch(ctx, s)
}

// Ready reports whether the named backend was reachable at the last
// check. Unknown names are not ready.
func (m *Monitor) Ready(name string) bool {
	m.mu.Lock()
	s, ok := m.services[name]
	m.mu.Unlock()
	return ok && s.status().Ready
}

// Status returns the current health of every tracked backend.
func (m *Monitor) Status() map[string]ServiceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]ServiceStatus, len(m.services))
	for name, s := range m.services {
		out[name] = s.status()
	}
	return out
}

// Stop cancels all check loops and waits for them to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancels := m.cancels
	m.cancels = nil
	m.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	m.wg.Wait()
}

// watch is one backend's check loop. The first check runs immediately;
// while the backend has never been reachable, failures retry on the
// doubling startup delays until startupTries is exhausted. Everything
// after that runs on the steady poll interval.
func (m *Monitor) watch(ctx context.Context, s *service) {
	defer m.wg.Done()

	delay := m.sched.firstDelay
	tries := 0
	startupOver := false

	for {
		err := m.runCheck(ctx, s)
		if ctx.Err() != nil {
			return
		}
		wasReady := s.record(err)

		switch {
		case err == nil && !wasReady:
			m.logger.Info("backend reachable", "service", s.name)
		case err != nil && wasReady:
			m.logger.Info("backend lost", "service", s.name, "error", err)
		case err != nil:
			m.logger.Debug("backend still unreachable", "service", s.name, "error", err)
		}
		if err == nil {
			startupOver = true
		}

		wait := m.sched.pollEvery
		if !startupOver {
			tries++
			if tries >= m.sched.startupTries {
				m.logger.Info("startup checks exhausted, polling",
					"service", s.name, "error", err)
				startupOver = true
			} else {
				wait = delay
				if delay *= 2; delay > m.sched.maxDelay {
					delay = m.sched.maxDelay
				}
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// runCheck applies the per-check timeout.
func (m *Monitor) runCheck(ctx context.Context, s *service) error {
	ctx, cancel := context.WithTimeout(ctx, m.sched.checkTimeout)
	defer cancel()
	return s.check(ctx)
}
