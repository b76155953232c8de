package memory

import (
	"context"
	"sync"

	"github.com/sessionwarden/sessionwarden/internal/domain/session"
	"github.com/sessionwarden/sessionwarden/internal/port/outbound"
)

// SessionStore is an in-memory outbound.SessionStore. Thread-safe; stores a
// copy so callers cannot mutate the persisted session.
type SessionStore struct {
	mu   sync.Mutex
	sess *session.Session
}

// NewSessionStore creates an empty store.
func NewSessionStore() *SessionStore {
	return &SessionStore{}
}

// Load returns a copy of the stored session or session.ErrNoSession.
func (s *SessionStore) Load(ctx context.Context) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		return nil, session.ErrNoSession
	}
	return s.sess.Clone(), nil
}

// Save replaces the stored session with a copy of sess.
func (s *SessionStore) Save(ctx context.Context, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sess = sess.Clone()
	return nil
}

// Clear removes the stored session.
func (s *SessionStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sess = nil
	return nil
}

// Close is a no-op.
func (s *SessionStore) Close() error { return nil }

var _ outbound.SessionStore = (*SessionStore)(nil)
