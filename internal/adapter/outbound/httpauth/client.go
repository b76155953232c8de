// Package httpauth adapts a JSON-over-HTTP authentication backend to the
// outbound.AuthBackend port. The absolute session expiry is read from the
// issued token's exp claim; this daemon is a token consumer, not a verifier,
// so the claim is parsed without signature verification.
package httpauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sessionwarden/sessionwarden/internal/domain/session"
	"github.com/sessionwarden/sessionwarden/internal/port/outbound"
)

const defaultTimeout = 10 * time.Second

// Config holds the backend endpoint layout.
type Config struct {
	// BaseURL is the backend origin, e.g. "https://auth.example.com".
	BaseURL string
	// Paths relative to BaseURL. Zero values select the defaults.
	LoginPath   string
	MFAPath     string
	RefreshPath string
	LogoutPath  string
	// Timeout bounds each call. Zero selects the default.
	Timeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.LoginPath == "" {
		c.LoginPath = "/auth/login"
	}
	if c.MFAPath == "" {
		c.MFAPath = "/auth/mfa"
	}
	if c.RefreshPath == "" {
		c.RefreshPath = "/auth/refresh"
	}
	if c.LogoutPath == "" {
		c.LogoutPath = "/auth/logout"
	}
	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}
}

// Client is the HTTP outbound.AuthBackend.
type Client struct {
	cfg    Config
	http   *http.Client
	tracer trace.Tracer

	mu    sync.Mutex
	token string
}

// New creates a client for the given backend.
func New(cfg Config) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		tracer: otel.Tracer("sessionwarden/httpauth"),
	}
}

// grantPayload is the backend's response shape for login/mfa/refresh.
type grantPayload struct {
	Token       string          `json:"token"`
	Profile     session.Profile `json:"profile"`
	Permissions []string        `json:"permissions"`
	// ExpiresAtMs is a fallback for backends that do not issue a JWT.
	ExpiresAtMs int64 `json:"expires_at_ms"`
	Challenge   *struct {
		ChallengeID string `json:"challenge_id"`
		Method      string `json:"method"`
	} `json:"mfa_challenge"`
}

// Login exchanges credentials for a grant or MFA challenge.
func (c *Client) Login(ctx context.Context, creds outbound.Credentials) (*outbound.LoginResult, error) {
	body := map[string]string{"username": creds.Username, "password": creds.Password}
	payload, err := c.post(ctx, "auth.login", c.cfg.LoginPath, body)
	if err != nil {
		return nil, err
	}
	return c.toResult(payload)
}

// VerifyMFA completes a challenge opened by Login.
func (c *Client) VerifyMFA(ctx context.Context, challengeID, code string) (*outbound.LoginResult, error) {
	body := map[string]string{"challenge_id": challengeID, "code": code}
	payload, err := c.post(ctx, "auth.mfa", c.cfg.MFAPath, body)
	if err != nil {
		return nil, err
	}
	return c.toResult(payload)
}

// Refresh re-issues the token and absolute expiry for the current session.
func (c *Client) Refresh(ctx context.Context) (*outbound.Grant, error) {
	payload, err := c.post(ctx, "auth.refresh", c.cfg.RefreshPath, nil)
	if err != nil {
		return nil, err
	}
	res, err := c.toResult(payload)
	if err != nil {
		return nil, err
	}
	if res.Grant == nil {
		return nil, fmt.Errorf("refresh response carried no grant: %w", outbound.ErrNotAuthenticated)
	}
	return res.Grant, nil
}

// Logout notifies the backend. The caller treats failures as non-blocking.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.post(ctx, "auth.logout", c.cfg.LogoutPath, nil)
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
	return err
}

func (c *Client) post(ctx context.Context, op, path string, body any) (*grantPayload, error) {
	ctx, span := c.tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("auth.path", path),
	))
	defer span.End()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s request: %w", op, err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.mu.Lock()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.mu.Unlock()

	resp, err := c.http.Do(req)
	if err != nil {
		span.SetStatus(codes.Error, "transport failure")
		span.RecordError(err)
		return nil, fmt.Errorf("%s: %v: %w", op, err, outbound.ErrBackendUnavailable)
	}
	defer func() { _ = resp.Body.Close() }()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		if op == "auth.login" || op == "auth.mfa" {
			return nil, outbound.ErrInvalidCredentials
		}
		return nil, outbound.ErrNotAuthenticated
	case resp.StatusCode >= 500:
		span.SetStatus(codes.Error, resp.Status)
		return nil, fmt.Errorf("%s: backend returned %s: %w", op, resp.Status, outbound.ErrBackendUnavailable)
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("%s: unexpected status %s", op, resp.Status)
	}

	var payload grantPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", op, err)
	}
	return &payload, nil
}

// toResult normalizes the backend payload into the port's result shape.
func (c *Client) toResult(p *grantPayload) (*outbound.LoginResult, error) {
	if p.Challenge != nil {
		return &outbound.LoginResult{Challenge: &outbound.MFAChallenge{
			ChallengeID: p.Challenge.ChallengeID,
			Method:      p.Challenge.Method,
		}}, nil
	}

	expiresAt, err := expiryOf(p)
	if err != nil {
		return nil, err
	}
	if p.Token != "" {
		c.mu.Lock()
		c.token = p.Token
		c.mu.Unlock()
	}
	return &outbound.LoginResult{Grant: &outbound.Grant{
		Profile:     p.Profile,
		Permissions: p.Permissions,
		ExpiresAt:   expiresAt,
		Token:       p.Token,
	}}, nil
}

// SeedCredential installs a rehydrated bearer token so the next call can
// present it. Used at boot, before the silent refresh.
func (c *Client) SeedCredential(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// expiryOf derives the absolute expiry: the token's exp claim when a token
// is present, otherwise the explicit expires_at_ms field.
func expiryOf(p *grantPayload) (time.Time, error) {
	if p.Token != "" {
		var claims jwt.RegisteredClaims
		if _, _, err := jwt.NewParser().ParseUnverified(p.Token, &claims); err != nil {
			return time.Time{}, fmt.Errorf("parse token claims: %w", err)
		}
		if claims.ExpiresAt == nil {
			return time.Time{}, fmt.Errorf("token carries no exp claim")
		}
		return claims.ExpiresAt.Time.UTC(), nil
	}
	if p.ExpiresAtMs > 0 {
		return time.UnixMilli(p.ExpiresAtMs).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("response carries neither token nor expires_at_ms")
}

var (
	_ outbound.AuthBackend       = (*Client)(nil)
	_ outbound.CredentialCarrier = (*Client)(nil)
)
