package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"

	"github.com/sessionwarden/sessionwarden/internal/clock"
	"github.com/sessionwarden/sessionwarden/internal/domain/session"
	"github.com/sessionwarden/sessionwarden/internal/port/outbound"
)

// User is a local account for the in-memory backend.
type User struct {
	Profile      session.Profile
	Permissions  []string
	PasswordHash string
	// TOTPSecret, when set, makes Login return an MFA challenge instead of
	// a grant.
	TOTPSecret string
}

// AuthBackend is an in-process outbound.AuthBackend backed by a fixed user
// set. Credentials are argon2id hashes; MFA is TOTP. Grants carry an
// absolute expiry of now + ttl, renewed on every refresh, matching the shape
// a token-issuing backend hands down.
type AuthBackend struct {
	clk   clock.Clock
	ttl   time.Duration
	users map[string]User // by username

	mu         sync.Mutex
	current    string // username of the authenticated principal, "" if none
	challenges map[string]string
}

// NewAuthBackend creates a backend with the given session ttl and users.
func NewAuthBackend(clk clock.Clock, ttl time.Duration, users []User) *AuthBackend {
	byName := make(map[string]User, len(users))
	for _, u := range users {
		byName[u.Profile.Username] = u
	}
	return &AuthBackend{
		clk:        clk,
		ttl:        ttl,
		users:      byName,
		challenges: make(map[string]string),
	}
}

// HashPassword produces an argon2id hash for seeding users.
func HashPassword(password string) (string, error) {
	return argon2id.CreateHash(password, argon2id.DefaultParams)
}

// Login checks credentials and either issues a grant or opens a TOTP
// challenge.
func (b *AuthBackend) Login(ctx context.Context, creds Credentials) (*outbound.LoginResult, error) {
	user, ok := b.users[creds.Username]
	if !ok {
		return nil, outbound.ErrInvalidCredentials
	}
	match, err := argon2id.ComparePasswordAndHash(creds.Password, user.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("compare password hash: %w", err)
	}
	if !match {
		return nil, outbound.ErrInvalidCredentials
	}

	if user.TOTPSecret != "" {
		id := uuid.New().String()
		b.mu.Lock()
		b.challenges[id] = user.Profile.Username
		b.mu.Unlock()
		return &outbound.LoginResult{
			Challenge: &outbound.MFAChallenge{ChallengeID: id, Method: "totp"},
		}, nil
	}

	return b.establish(user), nil
}

// VerifyMFA validates a TOTP code against a pending challenge.
func (b *AuthBackend) VerifyMFA(ctx context.Context, challengeID, code string) (*outbound.LoginResult, error) {
	b.mu.Lock()
	username, ok := b.challenges[challengeID]
	b.mu.Unlock()
	if !ok {
		return nil, outbound.ErrInvalidCredentials
	}
	user := b.users[username]
	if !totp.Validate(code, user.TOTPSecret) {
		return nil, outbound.ErrInvalidCredentials
	}

	b.mu.Lock()
	delete(b.challenges, challengeID)
	b.mu.Unlock()

	return b.establish(user), nil
}

// Refresh extends the current principal's expiry by a full ttl.
func (b *AuthBackend) Refresh(ctx context.Context) (*outbound.Grant, error) {
	b.mu.Lock()
	username := b.current
	b.mu.Unlock()
	if username == "" {
		return nil, outbound.ErrNotAuthenticated
	}
	user := b.users[username]
	return b.grant(user), nil
}

// Logout forgets the authenticated principal.
func (b *AuthBackend) Logout(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = ""
	return nil
}

func (b *AuthBackend) establish(user User) *outbound.LoginResult {
	b.mu.Lock()
	b.current = user.Profile.Username
	b.mu.Unlock()
	return &outbound.LoginResult{Grant: b.grant(user)}
}

func (b *AuthBackend) grant(user User) *outbound.Grant {
	return &outbound.Grant{
		Profile:     user.Profile,
		Permissions: append([]string(nil), user.Permissions...),
		ExpiresAt:   b.clk.Now().Add(b.ttl),
	}
}

// Credentials aliases the port type for call-site brevity in tests.
type Credentials = outbound.Credentials

var _ outbound.AuthBackend = (*AuthBackend)(nil)
