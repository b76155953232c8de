// Package broadcast defines the cross-instance signal schema and channel port.
//
// Signals are a best-effort, eventually-consistent medium: transports may
// deliver them late, twice, or not at all. Receivers treat signals as
// idempotent triggers, never as authoritative state.
package broadcast

import (
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Kind identifies what a signal means.
type Kind string

const (
	// KindLogout instructs every sibling instance to tear down immediately.
	KindLogout Kind = "logout"
	// KindActivity instructs sibling instances to reset their idle deadline,
	// unless their own warning prompt is open.
	KindActivity Kind = "activity"
)

// Valid reports whether k is a known signal kind.
func (k Kind) Valid() bool {
	return k == KindLogout || k == KindActivity
}

// Signal is one cross-instance event.
type Signal struct {
	// Kind is the signal type.
	Kind Kind `json:"kind"`
	// At is the originating instant, epoch milliseconds.
	At int64 `json:"at"`
	// Origin is the emitting instance's ID, so instances can ignore their
	// own writes echoed back by the transport.
	Origin string `json:"origin"`
}

// NewSignal builds a signal stamped at the given instant.
func NewSignal(kind Kind, at time.Time, origin string) Signal {
	return Signal{Kind: kind, At: at.UnixMilli(), Origin: origin}
}

// Fingerprint returns a stable hash of the signal's identity, used by
// transports to suppress duplicate deliveries of the same write.
func (s Signal) Fingerprint() uint64 {
	h := xxhash.New()
	fmt.Fprintf(h, "%s|%d|%s", s.Kind, s.At, s.Origin)
	return h.Sum64()
}

// Channel is the cross-instance broadcast port.
//
// Publish is fire-and-forget from the caller's point of view: transports
// must contain storage failures (a returned error is for logging only, never
// for control flow). Subscribe callbacks may be invoked from a transport
// goroutine; handlers must be safe for that.
type Channel interface {
	Publish(sig Signal) error
	Subscribe(fn func(Signal)) (cancel func())
	Close() error
}
