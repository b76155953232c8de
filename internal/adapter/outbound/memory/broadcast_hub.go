// Package memory provides in-memory implementations of the outbound ports,
// used for tests and for single-process dev mode.
package memory

import (
	"sync"

	"github.com/sessionwarden/sessionwarden/internal/domain/broadcast"
)

// BroadcastHub is an in-process broadcast.Channel: every published signal is
// delivered synchronously to every subscriber, including the publisher's
// own instance (receivers filter on Signal.Origin, as they would with a real
// shared-storage transport).
type BroadcastHub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(broadcast.Signal)
	closed bool
}

// NewBroadcastHub creates an empty hub.
func NewBroadcastHub() *BroadcastHub {
	return &BroadcastHub{subs: make(map[int]func(broadcast.Signal))}
}

// Publish delivers sig to all current subscribers.
func (h *BroadcastHub) Publish(sig broadcast.Signal) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	fns := make([]func(broadcast.Signal), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(sig)
	}
	return nil
}

// Subscribe registers fn and returns its cancel function.
func (h *BroadcastHub) Subscribe(fn func(broadcast.Signal)) (cancel func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	h.subs[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs, id)
	}
}

// Close drops all subscribers; later publishes are no-ops.
func (h *BroadcastHub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.subs = map[int]func(broadcast.Signal){}
	return nil
}

var _ broadcast.Channel = (*BroadcastHub)(nil)
