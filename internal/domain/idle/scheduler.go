// Package idle implements the idle deadline scheduler: a single authoritative
// countdown over the inactivity budget, with a warning phase before expiry.
package idle

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sessionwarden/sessionwarden/internal/clock"
)

// State is the scheduler's lifecycle state.
type State int

const (
	// Running means the user is active and no warning is showing.
	Running State = iota
	// Warning means remaining time has entered the warning window.
	Warning
	// Expired means the idle budget lapsed; terminal until a new session
	// re-initializes the machine (the manager builds a fresh scheduler per
	// session, so this state never resets in place).
	Expired
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Warning:
		return "warning"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// Config holds the scheduler's fixed durations.
type Config struct {
	// Budget is the total inactivity allowance.
	Budget time.Duration
	// WarnWindow is the trailing part of the budget with the warning shown.
	WarnWindow time.Duration
	// Tick is the evaluation period. Remaining time is recomputed from the
	// absolute deadline on every tick, never decremented, so missed ticks
	// (backgrounding, device sleep) cannot skew it.
	Tick time.Duration
}

// Callbacks are fired by the scheduler on state changes. All callbacks run
// outside the scheduler's lock; re-entrant calls back into the scheduler
// are allowed.
type Callbacks struct {
	// OnWarn fires exactly once per idle cycle, when remaining time first
	// crosses into the warning window.
	OnWarn func(remaining, total time.Duration)
	// OnTick fires on every evaluation while in Warning, with the freshly
	// derived remaining time.
	OnTick func(remaining time.Duration)
	// OnExpire fires exactly once, when remaining time reaches zero.
	OnExpire func()
}

// Scheduler is the idle countdown state machine.
type Scheduler struct {
	clk    clock.Clock
	cfg    Config
	cbs    Callbacks
	logger *slog.Logger

	mu       sync.Mutex
	deadline time.Time
	state    State

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// New creates a scheduler in Running with a full-budget deadline.
// Call Start to begin ticking; Evaluate may also be driven manually.
func New(clk clock.Clock, cfg Config, cbs Callbacks, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		clk:      clk,
		cfg:      cfg,
		cbs:      cbs,
		logger:   logger,
		deadline: clk.Now().Add(cfg.Budget),
		state:    Running,
		stopChan: make(chan struct{}),
	}
}

// Start launches the fixed-period tick loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := s.clk.NewTicker(s.cfg.Tick)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopChan:
				return
			case <-ticker.C():
				s.Evaluate()
			}
		}
	}()
}

// Stop halts the tick loop. Safe to call multiple times, including from
// inside a callback (it does not wait for the loop to exit).
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stopChan) })
}

// Wait blocks until the tick loop has exited. Must not be called from a
// callback.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Reset moves the deadline to now + budget. Used on qualifying activity and
// on a successful extend; a reset from Warning returns the machine to
// Running. Ignored once Expired.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Expired {
		return
	}
	s.deadline = s.clk.Now().Add(s.cfg.Budget)
	if s.state == Warning {
		s.state = Running
	}
}

// Remaining returns the derived time left, floored at zero.
func (s *Scheduler) Remaining() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remainingLocked()
}

func (s *Scheduler) remainingLocked() time.Duration {
	if d := s.deadline.Sub(s.clk.Now()); d > 0 {
		return d
	}
	return 0
}

// State returns the current machine state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Evaluate recomputes remaining time from the absolute deadline and applies
// state transitions. It is the tick body, and is also called directly when
// the host instance becomes visible again, so a tab backgrounded past its
// budget reports zero immediately instead of waiting for the next tick.
func (s *Scheduler) Evaluate() {
	s.mu.Lock()
	remaining := s.remainingLocked()

	var warn, tick, expire bool
	switch s.state {
	case Running:
		if remaining <= 0 {
			// Clock jumped past the whole warning window (device sleep).
			s.state = Expired
			expire = true
		} else if remaining <= s.cfg.WarnWindow {
			s.state = Warning
			warn = true
		}
	case Warning:
		if remaining <= 0 {
			s.state = Expired
			expire = true
		} else {
			tick = true
		}
	case Expired:
		// Terminal; repeated ticks must not double-fire.
	}
	s.mu.Unlock()

	switch {
	case warn:
		s.logger.Info("idle warning window entered", "remaining", remaining)
		if s.cbs.OnWarn != nil {
			s.cbs.OnWarn(remaining, s.cfg.WarnWindow)
		}
	case tick:
		if s.cbs.OnTick != nil {
			s.cbs.OnTick(remaining)
		}
	case expire:
		s.logger.Info("idle budget exhausted")
		if s.cbs.OnExpire != nil {
			s.cbs.OnExpire()
		}
	}
}
