package timers

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrExhausted indicates the outstanding-timer cap has been reached.
	ErrExhausted = errors.New("timers: capacity exhausted")

	// ErrStopped indicates the service has been stopped.
	ErrStopped = errors.New("timers: service stopped")
)

// Logger is the minimal logging interface used by the timer service.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Service manages id-keyed single-shot timers.
//
// Each timer fires its callback exactly once unless cancelled first.
// Cancellation is safe from any goroutine, including the callback of
// another timer, and is a no-op for unknown or already-fired ids.
// The number of outstanding timers is capped; Schedule returns
// ErrExhausted beyond the cap.
type Service struct {
	mu      sync.Mutex
	pending map[string]*handle
	max     int
	stopped bool
	logger  Logger
}

// handle identifies one arming of a timer id. Comparing handle pointers
// lets a late callback detect that its id has been cancelled and re-armed.
type handle struct {
	timer *time.Timer
	fn    func()
}

// New creates a timer service with the given outstanding-timer cap.
func New(maxTimers int) *Service {
	return &Service{
		pending: make(map[string]*handle),
		max:     maxTimers,
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger. Must be called before the first Schedule.
func (s *Service) SetLogger(logger Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Schedule arms a single-shot timer that invokes fn after delay.
//
// Scheduling an id that is already pending cancels the previous timer
// and replaces it. The callback runs in its own goroutine; by the time
// it runs the id is no longer pending, so a late Cancel is a no-op.
func (s *Service) Schedule(id string, delay time.Duration, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}

	if prev, ok := s.pending[id]; ok {
		prev.timer.Stop()
		delete(s.pending, id)
	} else if len(s.pending) >= s.max {
		s.logger.Warn("timer capacity exhausted", "cap", s.max)
		return ErrExhausted
	}

	s.arm(id, delay, fn)
	s.logger.Debug("timer scheduled", "id", id, "delay", delay)
	return nil
}

// arm installs a fresh handle for id and starts its timer. Callers hold
// s.mu. The fresh handle is what defeats an expiry already in flight:
// a callback from an earlier arming finds a different pointer in the
// map and does nothing.
func (s *Service) arm(id string, delay time.Duration, fn func()) {
	h := &handle{fn: fn}
	s.pending[id] = h
	h.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		// A Cancel, Stop, or re-arm that won the race replaced or removed
		// the entry; the callback must not run in that case.
		live := s.pending[id] == h
		if live {
			delete(s.pending, id)
		}
		s.mu.Unlock()

		if live {
			fn()
		}
	})
}

// Cancel stops the timer with the given id.
//
// Returns true if a pending timer was cancelled. Unknown and
// already-fired ids return false without error.
func (s *Service) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.pending[id]
	if !ok {
		return false
	}
	h.timer.Stop()
	delete(s.pending, id)
	s.logger.Debug("timer cancelled", "id", id)
	return true
}

// Reset re-arms a pending timer with a new delay.
//
// Returns false if the id is not pending (unknown, fired, or cancelled).
func (s *Service) Reset(id string, delay time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.pending[id]
	if !ok {
		return false
	}
	// Never Reset the existing time.Timer: if its callback has already
	// fired and is blocked on s.mu, it would still match the handle and
	// run immediately. A fresh arming makes that callback a no-op.
	h.timer.Stop()
	s.arm(id, delay, h.fn)
	s.logger.Debug("timer reset", "id", id, "delay", delay)
	return true
}

// Pending returns the number of outstanding timers.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stop cancels all pending timers and rejects further scheduling.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	s.stopped = true
	for id, h := range s.pending {
		h.timer.Stop()
		delete(s.pending, id)
	}
}
