// Package clock abstracts time for components that schedule against
// absolute deadlines, so tests can drive them deterministically.
package clock

import "time"

// Clock provides the current time and timer construction.
type Clock interface {
	// Now returns the current time in UTC.
	Now() time.Time

	// AfterFunc schedules f to run after d and returns a handle to stop it.
	AfterFunc(d time.Duration, f func()) Timer

	// NewTicker returns a ticker that delivers on its channel every d.
	NewTicker(d time.Duration) Ticker
}

// Timer is a cancellable one-shot timer handle.
type Timer interface {
	// Stop cancels the timer. Returns false if it already fired or was stopped.
	Stop() bool
}

// Ticker delivers periodic ticks until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real is the wall-clock implementation backed by the time package.
type Real struct{}

// New returns the wall-clock implementation.
func New() Real { return Real{} }

func (Real) Now() time.Time { return time.Now().UTC() }

func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return realTimer{t: time.AfterFunc(d, f)}
}

func (Real) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTimer struct {
	t *time.Timer
}

func (r realTimer) Stop() bool { return r.t.Stop() }

type realTicker struct {
	t *time.Ticker
}

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }
