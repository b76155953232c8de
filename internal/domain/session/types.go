// Package session defines the client-side view of an authenticated session.
package session

import (
	"errors"
	"slices"
	"time"
)

// ErrNoSession is returned when no session exists (not logged in, or the
// persisted copy was cleared).
var ErrNoSession = errors.New("no session")

// Profile holds the authenticated principal's display identity.
// The ID is opaque; the backend owns its meaning.
type Profile struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	Email       string `json:"email,omitempty"`
}

// Session is the client's current knowledge of server session state.
//
// A Session with a zero ExpiresAt is treated as absent (logged out): the
// backend-issued expiry is what makes a session real.
type Session struct {
	// Profile is the authenticated principal.
	Profile Profile `json:"profile"`
	// Permissions is the granted permission set. May be empty.
	Permissions []string `json:"permissions"`
	// ExpiresAt is the absolute server-side expiry instant (UTC).
	ExpiresAt time.Time `json:"expires_at"`
	// Token is the bearer credential the backend issued with this session.
	// Persisted so a restarted instance can present it on the silent boot
	// refresh. Empty for backends that hold session state server-side.
	Token string `json:"token,omitempty"`
	// Loaded reports whether the session came from a confirmed backend
	// response rather than a not-yet-validated rehydration.
	Loaded bool `json:"loaded"`
}

// Valid reports whether the session is present and not yet expired at now.
func (s *Session) Valid(now time.Time) bool {
	return s != nil && !s.ExpiresAt.IsZero() && now.Before(s.ExpiresAt)
}

// Remaining returns the time until absolute expiry, floored at zero.
func (s *Session) Remaining(now time.Time) time.Duration {
	if s == nil || s.ExpiresAt.IsZero() {
		return 0
	}
	if d := s.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// HasPermission reports whether the permission set contains perm.
func (s *Session) HasPermission(perm string) bool {
	return s != nil && slices.Contains(s.Permissions, perm)
}

// Clone returns a deep copy, so stored sessions cannot be mutated by callers.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Permissions = slices.Clone(s.Permissions)
	return &cp
}

// LogoutReason identifies what terminated a session.
type LogoutReason string

const (
	// ReasonUser is an explicit user-initiated logout.
	ReasonUser LogoutReason = "user"
	// ReasonInactivity is a forced logout after the idle budget lapsed.
	ReasonInactivity LogoutReason = "inactivity"
	// ReasonExpiry is a forced logout at the server-issued absolute expiry.
	ReasonExpiry LogoutReason = "expiry"
	// ReasonRemote is a teardown triggered by another instance's logout signal.
	ReasonRemote LogoutReason = "remote"
	// ReasonBootFailed is the silent boot refresh failing; the user is simply
	// not logged in, no error is surfaced.
	ReasonBootFailed LogoutReason = "boot_failed"
)

// LogoutNotice records the last teardown so the presentation layer can
// explain it (inactivity vs. session expiry) before routing to login.
type LogoutNotice struct {
	Reason LogoutReason `json:"reason"`
	At     time.Time    `json:"at"`
}
