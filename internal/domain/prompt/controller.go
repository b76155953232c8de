// Package prompt owns the warning prompt's transient state: the countdown
// the presentation layer renders, the extend/logout actions, and the
// best-effort attention cues.
package prompt

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Cuer emits an audible or haptic attention cue. Implementations may fail or
// panic (platform capability missing, device blocked); the controller
// contains all of that; a cue must never break the countdown.
type Cuer interface {
	Cue(remaining time.Duration)
}

// DefaultCueThresholds are the remaining-time marks at which a cue fires
// while the prompt is open, in addition to the cue on open.
var DefaultCueThresholds = []time.Duration{30 * time.Second, 10 * time.Second, 5 * time.Second}

// State is the prompt's observable value for rendering a countdown or
// progress ring.
type State struct {
	Open      bool          `json:"open"`
	Remaining time.Duration `json:"remaining"`
	Total     time.Duration `json:"total"`
}

// Actions are the user-facing operations the controller delegates to the
// session manager.
type Actions struct {
	// Extend refreshes the session. On failure the prompt stays open and the
	// countdown keeps running toward forced logout.
	Extend func(ctx context.Context) error
	// LogoutNow performs the immediate, idempotent forced logout.
	LogoutNow func()
}

// Controller manages the warning prompt lifecycle.
type Controller struct {
	logger     *slog.Logger
	cuer       Cuer
	thresholds []time.Duration
	actions    Actions

	mu      sync.Mutex
	state   State
	fired   []time.Duration // thresholds already cued this showing
}

// New creates a controller. cuer may be nil (cues disabled). thresholds nil
// selects DefaultCueThresholds.
func New(logger *slog.Logger, cuer Cuer, thresholds []time.Duration, actions Actions) *Controller {
	if thresholds == nil {
		thresholds = DefaultCueThresholds
	}
	return &Controller{
		logger:     logger,
		cuer:       cuer,
		thresholds: thresholds,
		actions:    actions,
	}
}

// Show opens the prompt with the given countdown. Cues on open.
func (c *Controller) Show(remaining, total time.Duration) {
	c.mu.Lock()
	c.state = State{Open: true, Remaining: remaining, Total: total}
	c.fired = c.fired[:0]
	c.mu.Unlock()

	c.logger.Info("warning prompt opened", "remaining", remaining, "total", total)
	c.cue(remaining)
}

// Hide closes the prompt.
func (c *Controller) Hide() {
	c.mu.Lock()
	wasOpen := c.state.Open
	c.state = State{}
	c.mu.Unlock()

	if wasOpen {
		c.logger.Info("warning prompt closed")
	}
}

// Update republishes the freshly derived remaining time while the prompt is
// open, firing any cue thresholds crossed since the last update.
func (c *Controller) Update(remaining time.Duration) {
	c.mu.Lock()
	if !c.state.Open {
		c.mu.Unlock()
		return
	}
	prev := c.state.Remaining
	c.state.Remaining = remaining
	var due []time.Duration
	for _, th := range c.thresholds {
		if prev > th && remaining <= th && !slices.Contains(c.fired, th) {
			c.fired = append(c.fired, th)
			due = append(due, th)
		}
	}
	c.mu.Unlock()

	for range due {
		c.cue(remaining)
	}
}

// Snapshot returns the current observable state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open reports whether the prompt is visible. Activity tracking consults
// this: interaction while the user is reading the prompt must not silently
// dismiss it.
func (c *Controller) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Open
}

// Extend runs the extend action. The prompt is hidden by the manager only
// after the refresh commits, so a failed extend leaves the countdown
// visibly running.
func (c *Controller) Extend(ctx context.Context) error {
	if c.actions.Extend == nil {
		return nil
	}
	return c.actions.Extend(ctx)
}

// LogoutNow runs the immediate logout action.
func (c *Controller) LogoutNow() {
	if c.actions.LogoutNow != nil {
		c.actions.LogoutNow()
	}
}

// cue dispatches a cue without ever letting it block or crash the caller.
func (c *Controller) cue(remaining time.Duration) {
	if c.cuer == nil {
		return
	}
	cuer := c.cuer
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Debug("cue panicked, ignored", "panic", r)
			}
		}()
		cuer.Cue(remaining)
	}()
}
