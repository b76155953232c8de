// Package activity turns raw user interaction signals into idle-deadline
// resets, with suppression while the warning prompt is open and a token
// bucket guarding against write amplification.
package activity

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/sessionwarden/sessionwarden/internal/clock"
)

// Kind classifies a qualifying interaction event.
type Kind string

const (
	KindPointerMove Kind = "pointermove"
	KindPointerDown Kind = "pointerdown"
	KindKeyDown     Kind = "keydown"
	KindScroll      Kind = "scroll"
	KindTouchStart  Kind = "touchstart"
	KindClick       Kind = "click"
)

// Qualifying reports whether k is one of the tracked interaction classes.
func Qualifying(k Kind) bool {
	switch k {
	case KindPointerMove, KindPointerDown, KindKeyDown, KindScroll, KindTouchStart, KindClick:
		return true
	}
	return false
}

// Disposition is what happened to an observed event.
type Disposition string

const (
	// Accepted means the event reset the idle deadline.
	Accepted Disposition = "accepted"
	// Suppressed means the warning prompt was open (or the session gone);
	// stray input must not dismiss the prompt.
	Suppressed Disposition = "suppressed"
	// RateLimited means the event arrived inside the minimum spacing window
	// and was dropped without side effects.
	RateLimited Disposition = "ratelimited"
	// Unqualified means the event class is not tracked.
	Unqualified Disposition = "unqualified"
)

// Tracker observes interaction events and republishes activity.
type Tracker struct {
	clk     clock.Clock
	logger  *slog.Logger
	limiter *rate.Limiter

	// suppress reports whether activity must currently be ignored.
	suppress func() bool
	// onActivity receives the observation instant for accepted events.
	// It is the caller's hook for resetting the idle deadline and writing
	// the cross-instance activity signal.
	onActivity func(at time.Time)
}

// New creates a tracker. minInterval is the smallest spacing between
// accepted events (rate limiting is an implementation freedom; zero disables
// it).
func New(clk clock.Clock, logger *slog.Logger, minInterval time.Duration, suppress func() bool, onActivity func(at time.Time)) *Tracker {
	var limiter *rate.Limiter
	if minInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(minInterval), 1)
	}
	return &Tracker{
		clk:        clk,
		logger:     logger,
		limiter:    limiter,
		suppress:   suppress,
		onActivity: onActivity,
	}
}

// Observe handles one interaction event. Purely side-effecting: the
// underlying event is never blocked or cancelled.
func (t *Tracker) Observe(kind Kind) Disposition {
	if !Qualifying(kind) {
		return Unqualified
	}
	if t.suppress != nil && t.suppress() {
		return Suppressed
	}
	now := t.clk.Now()
	if t.limiter != nil && !t.limiter.AllowN(now, 1) {
		return RateLimited
	}
	t.logger.Debug("activity observed", "kind", kind)
	if t.onActivity != nil {
		t.onActivity(now)
	}
	return Accepted
}
