package outbound

import (
	"context"

	"github.com/sessionwarden/sessionwarden/internal/domain/session"
)

// SessionStore persists the current session for boot-time rehydration.
// Implementations: SQLite (durable), in-memory (tests).
//
// Storage access failures degrade to "feature unavailable": callers log and
// continue without persisted rehydration rather than failing the lifecycle.
type SessionStore interface {
	// Load returns the persisted session, or session.ErrNoSession when none
	// is stored.
	Load(ctx context.Context) (*session.Session, error)

	// Save replaces the persisted session.
	Save(ctx context.Context, sess *session.Session) error

	// Clear removes any persisted session. Clearing an empty store is a
	// no-op, not an error.
	Clear(ctx context.Context) error

	// Close releases the underlying storage handle.
	Close() error
}
