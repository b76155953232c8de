// Package outbound defines the outbound ports: the authentication backend
// and the persisted session store. Adapters implement these for HTTP
// backends, SQLite persistence, and in-memory test doubles.
package outbound

import (
	"context"
	"errors"
	"time"

	"github.com/sessionwarden/sessionwarden/internal/domain/session"
)

var (
	// ErrInvalidCredentials is returned by Login for a bad username/password
	// or a bad MFA code.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrNotAuthenticated is returned by Refresh when the backend no longer
	// recognizes the session (expired, revoked, never existed).
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrBackendUnavailable wraps transport-level failures reaching the
	// backend. Callers treat it per the failure taxonomy: boot refresh
	// degrades to logged-out, extend leaves the warning open, logout
	// proceeds with local teardown regardless.
	ErrBackendUnavailable = errors.New("auth backend unavailable")
)

// Credentials are the primary login factors.
type Credentials struct {
	Username string
	Password string
}

// Grant is what the backend hands down on login, MFA completion, or refresh:
// the principal, its permission set, and the absolute expiry of the
// server-side session.
type Grant struct {
	Profile     session.Profile
	Permissions []string
	ExpiresAt   time.Time
	// Token is the bearer credential backing the grant, when the backend
	// issues one. It travels with the session so a restart can rehydrate it.
	Token string
}

// CredentialCarrier is implemented by backends whose session credential is
// held client-side. Seeding restores the credential from a rehydrated
// session so the silent boot refresh can present it after a restart.
type CredentialCarrier interface {
	SeedCredential(token string)
}

// MFAChallenge asks the caller for a second factor before a grant is issued.
type MFAChallenge struct {
	ChallengeID string
	// Method names the expected factor (e.g. "totp").
	Method string
}

// LoginResult carries either a grant or an MFA challenge, never both.
type LoginResult struct {
	Grant     *Grant
	Challenge *MFAChallenge
}

// AuthBackend is the authentication collaborator, specified shape-only: the
// lifecycle manager consumes whatever the backend returns, normalized at
// this boundary.
type AuthBackend interface {
	// Login exchanges credentials for a grant or an MFA challenge.
	Login(ctx context.Context, creds Credentials) (*LoginResult, error)

	// VerifyMFA completes a pending challenge.
	VerifyMFA(ctx context.Context, challengeID, code string) (*LoginResult, error)

	// Refresh re-issues the absolute expiry (and possibly updated profile
	// fields) for the current session. Safe to call while a session exists.
	Refresh(ctx context.Context) (*Grant, error)

	// Logout notifies the backend that the session ended. Best-effort: the
	// caller tears down locally whether or not this succeeds.
	Logout(ctx context.Context) error
}
