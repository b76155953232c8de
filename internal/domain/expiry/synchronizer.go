// Package expiry schedules the forced logout at the backend-issued absolute
// session expiry, independent of the idle tracker.
package expiry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sessionwarden/sessionwarden/internal/clock"
)

// Synchronizer owns the single fire-once timer against the absolute expiry
// instant. Rescheduling (login, refresh) cancels the previous timer first,
// so at most one expiry timer is ever pending.
type Synchronizer struct {
	clk      clock.Clock
	logger   *slog.Logger
	onExpire func()

	mu    sync.Mutex
	timer clock.Timer
	gen   uint64
}

// New creates a synchronizer. onExpire runs when the scheduled instant is
// reached; it is never invoked after Stop, and at most once per Schedule.
func New(clk clock.Clock, logger *slog.Logger, onExpire func()) *Synchronizer {
	return &Synchronizer{clk: clk, logger: logger, onExpire: onExpire}
}

// Schedule arms the timer for the given absolute instant, replacing any
// pending one. An instant already in the past fires immediately (the app may
// have resumed long after the server session lapsed).
func (s *Synchronizer) Schedule(at time.Time) {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	delay := at.Sub(s.clk.Now())
	if delay < 0 {
		delay = 0
	}
	s.timer = s.clk.AfterFunc(delay, func() { s.fire(gen) })
	s.mu.Unlock()

	s.logger.Debug("absolute expiry scheduled", "at", at, "in", delay)
}

func (s *Synchronizer) fire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		// A reschedule or Stop won the race against timer delivery.
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.mu.Unlock()

	s.onExpire()
}

// Stop cancels any pending timer. Safe to call multiple times and from
// within onExpire.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Pending reports whether an expiry timer is currently armed.
func (s *Synchronizer) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}
