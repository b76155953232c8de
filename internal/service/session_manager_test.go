package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/sessionwarden/sessionwarden/internal/adapter/outbound/memory"
	"github.com/sessionwarden/sessionwarden/internal/clock"
	"github.com/sessionwarden/sessionwarden/internal/domain/activity"
	"github.com/sessionwarden/sessionwarden/internal/domain/broadcast"
	"github.com/sessionwarden/sessionwarden/internal/domain/session"
	"github.com/sessionwarden/sessionwarden/internal/port/outbound"
)

const testPassword = "correct horse battery staple"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testUsers(t *testing.T) []memory.User {
	t.Helper()
	hash, err := memory.HashPassword(testPassword)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	return []memory.User{{
		Profile:      session.Profile{Username: "ada", DisplayName: "Ada"},
		Permissions:  []string{"reports:read"},
		PasswordHash: hash,
	}}
}

// countingBackend wraps a backend and counts Logout calls.
type countingBackend struct {
	outbound.AuthBackend
	logouts atomic.Int64
}

func (b *countingBackend) Logout(ctx context.Context) error {
	b.logouts.Add(1)
	return b.AuthBackend.Logout(ctx)
}

type testRig struct {
	mgr     *SessionManager
	clk     *clock.Fake
	backend *countingBackend
	store   *memory.SessionStore
	hub     *memory.BroadcastHub
}

func newTestRig(t *testing.T, ttl time.Duration, hub *memory.BroadcastHub) *testRig {
	t.Helper()
	clk := clock.NewFake()
	if hub == nil {
		hub = memory.NewBroadcastHub()
	}
	backend := &countingBackend{AuthBackend: memory.NewAuthBackend(clk, ttl, testUsers(t))}
	store := memory.NewSessionStore()
	mgr := NewSessionManager(Config{
		IdleBudget: 900 * time.Second,
		WarnWindow: 120 * time.Second,
		Tick:       250 * time.Millisecond,
	}, Deps{
		Clock:   clk,
		Logger:  testLogger(),
		Backend: backend,
		Store:   store,
		Channel: hub,
	})
	t.Cleanup(mgr.Close)
	return &testRig{mgr: mgr, clk: clk, backend: backend, store: store, hub: hub}
}

func login(t *testing.T, rig *testRig) {
	t.Helper()
	out, err := rig.mgr.Login(context.Background(), memory.Credentials{Username: "ada", Password: testPassword})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if out.Session == nil {
		t.Fatalf("Login returned no session: %+v", out)
	}
}

func TestManager_LoginEstablishesSession(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	rig := newTestRig(t, 2*time.Hour, nil)
	login(t, rig)

	snap := rig.mgr.SnapshotState()
	if !snap.Authenticated {
		t.Fatal("expected authenticated snapshot")
	}
	if snap.Profile.Username != "ada" {
		t.Errorf("profile = %+v", snap.Profile)
	}
	if snap.IdleState != "running" {
		t.Errorf("idle state = %q, want running", snap.IdleState)
	}
	if snap.IdleRemaining != 900*time.Second {
		t.Errorf("idle remaining = %v, want 900s", snap.IdleRemaining)
	}
	if snap.Warning.Open {
		t.Error("warning should be closed at login")
	}

	sess, err := rig.store.Load(context.Background())
	if err != nil {
		t.Fatalf("store.Load: %v", err)
	}
	if sess.Profile.Username != "ada" {
		t.Errorf("persisted session = %+v", sess)
	}
	rig.mgr.Close()
}

func TestManager_IdleExpiryLogsOutOnce(t *testing.T) {

	rig := newTestRig(t, 2*time.Hour, nil)
	login(t, rig)

	rig.clk.Advance(900 * time.Second)
	rig.mgr.Resume()

	snap := rig.mgr.SnapshotState()
	if snap.Authenticated {
		t.Fatal("expected logged out after full idle budget")
	}
	if snap.LastLogout == nil || snap.LastLogout.Reason != session.ReasonInactivity {
		t.Fatalf("last logout = %+v, want inactivity", snap.LastLogout)
	}
	if _, err := rig.store.Load(context.Background()); !errors.Is(err, session.ErrNoSession) {
		t.Errorf("store.Load after logout = %v, want ErrNoSession", err)
	}

	// Redundant teardown triggers must not repeat side effects.
	rig.mgr.Resume()
	rig.mgr.Logout(context.Background(), session.ReasonUser)
	if got := rig.backend.logouts.Load(); got != 1 {
		t.Errorf("backend logout calls = %d, want exactly 1", got)
	}
	if snap := rig.mgr.SnapshotState(); snap.LastLogout.Reason != session.ReasonInactivity {
		t.Errorf("first reason must win, got %q", snap.LastLogout.Reason)
	}
}

func TestManager_WarningOpensAndExtendCloses(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	rig := newTestRig(t, 2*time.Hour, nil)
	login(t, rig)

	rig.clk.Advance(800 * time.Second)
	rig.mgr.Resume()

	warning := rig.mgr.WarningState()
	if !warning.Open {
		t.Fatal("expected warning open 100s before deadline")
	}
	if warning.Remaining != 100*time.Second {
		t.Errorf("warning remaining = %v, want 100s", warning.Remaining)
	}
	if warning.Total != 120*time.Second {
		t.Errorf("warning total = %v, want the 120s window", warning.Total)
	}

	// Activity does not dismiss an open warning.
	if disp := rig.mgr.Activity(activity.KindKeyDown); disp != activity.Suppressed {
		t.Errorf("activity during warning = %v, want suppressed", disp)
	}
	if !rig.mgr.WarningState().Open {
		t.Fatal("warning dismissed by suppressed activity")
	}

	if err := rig.mgr.Extend(context.Background()); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	snap := rig.mgr.SnapshotState()
	if snap.Warning.Open {
		t.Error("warning still open after successful extend")
	}
	if snap.IdleState != "running" {
		t.Errorf("idle state = %q, want running", snap.IdleState)
	}
	if snap.IdleRemaining != 900*time.Second {
		t.Errorf("idle remaining = %v, want full budget after extend", snap.IdleRemaining)
	}
	rig.mgr.Close()
}

// scriptedBackend blocks Refresh until released and then succeeds, to
// interleave a forced logout with an in-flight extend that the server
// answered too late.
type scriptedBackend struct {
	outbound.AuthBackend
	grant   outbound.Grant
	entered chan struct{}
	release chan struct{}
}

func (b *scriptedBackend) Refresh(ctx context.Context) (*outbound.Grant, error) {
	close(b.entered)
	<-b.release
	g := b.grant
	return &g, nil
}

func TestManager_LateExtendCannotResurrectSession(t *testing.T) {

	rig := newTestRig(t, 2*time.Hour, nil)
	login(t, rig)

	scripted := &scriptedBackend{
		AuthBackend: rig.backend,
		grant: outbound.Grant{
			Profile:   session.Profile{Username: "ada"},
			ExpiresAt: rig.clk.Now().Add(2 * time.Hour),
		},
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	rig.mgr.backend = scripted

	done := make(chan error, 1)
	go func() { done <- rig.mgr.Extend(context.Background()) }()

	<-scripted.entered
	rig.mgr.Logout(context.Background(), session.ReasonUser)
	close(scripted.release)

	if err := <-done; !errors.Is(err, ErrSessionTerminated) {
		t.Fatalf("late extend = %v, want ErrSessionTerminated", err)
	}
	snap := rig.mgr.SnapshotState()
	if snap.Authenticated {
		t.Fatal("late refresh resurrected a logged-out session")
	}
	if _, err := rig.store.Load(context.Background()); !errors.Is(err, session.ErrNoSession) {
		t.Errorf("store repopulated by late refresh: %v", err)
	}
}

func TestManager_FailedExtendLeavesWarningOpen(t *testing.T) {

	rig := newTestRig(t, 2*time.Hour, nil)
	login(t, rig)
	// Drop the backend principal so Refresh fails.
	if err := rig.backend.AuthBackend.Logout(context.Background()); err != nil {
		t.Fatalf("backend logout: %v", err)
	}

	rig.clk.Advance(800 * time.Second)
	rig.mgr.Resume()
	if !rig.mgr.WarningState().Open {
		t.Fatal("expected warning open")
	}

	if err := rig.mgr.Extend(context.Background()); err == nil {
		t.Fatal("expected extend to fail")
	}
	if !rig.mgr.WarningState().Open {
		t.Fatal("failed extend must leave the warning open")
	}
	// The countdown keeps running to expiry.
	rig.clk.Advance(100 * time.Second)
	rig.mgr.Resume()
	snap := rig.mgr.SnapshotState()
	if snap.Authenticated || snap.LastLogout.Reason != session.ReasonInactivity {
		t.Fatalf("snapshot after countdown = %+v", snap.LastLogout)
	}
}

func TestManager_RemoteLogoutTearsDownWithoutBackendCall(t *testing.T) {

	hub := memory.NewBroadcastHub()
	rigA := newTestRig(t, 2*time.Hour, hub)
	rigB := newTestRig(t, 2*time.Hour, hub)
	login(t, rigA)
	login(t, rigB)

	rigA.mgr.Logout(context.Background(), session.ReasonUser)

	snapB := rigB.mgr.SnapshotState()
	if snapB.Authenticated {
		t.Fatal("sibling instance still authenticated after logout signal")
	}
	if snapB.LastLogout == nil || snapB.LastLogout.Reason != session.ReasonRemote {
		t.Fatalf("sibling last logout = %+v, want remote", snapB.LastLogout)
	}
	if got := rigB.backend.logouts.Load(); got != 0 {
		t.Errorf("sibling made %d backend logout calls, want 0", got)
	}
	if got := rigA.backend.logouts.Load(); got != 1 {
		t.Errorf("originating instance backend logout calls = %d, want 1", got)
	}
	if _, err := rigB.store.Load(context.Background()); !errors.Is(err, session.ErrNoSession) {
		t.Errorf("sibling store not cleared: %v", err)
	}
}

func TestManager_RemoteActivityResetsIdle(t *testing.T) {

	hub := memory.NewBroadcastHub()
	rig := newTestRig(t, 2*time.Hour, hub)
	login(t, rig)

	rig.clk.Advance(700 * time.Second)
	sig := broadcast.NewSignal(broadcast.KindActivity, rig.clk.Now(), "sibling-instance")
	if err := hub.Publish(sig); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got := rig.mgr.SnapshotState().IdleRemaining; got != 900*time.Second {
		t.Errorf("idle remaining after remote activity = %v, want full budget", got)
	}

	// Duplicate delivery of the same signal is harmless.
	if err := hub.Publish(sig); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got := rig.mgr.SnapshotState().IdleRemaining; got != 900*time.Second {
		t.Errorf("idle remaining after duplicate = %v", got)
	}
}

func TestManager_RemoteActivityIgnoredWhileWarningOpen(t *testing.T) {

	hub := memory.NewBroadcastHub()
	rig := newTestRig(t, 2*time.Hour, hub)
	login(t, rig)

	rig.clk.Advance(800 * time.Second)
	rig.mgr.Resume()
	if !rig.mgr.WarningState().Open {
		t.Fatal("expected warning open")
	}

	sig := broadcast.NewSignal(broadcast.KindActivity, rig.clk.Now(), "sibling-instance")
	if err := hub.Publish(sig); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if !rig.mgr.WarningState().Open {
		t.Fatal("remote activity dismissed an open warning")
	}
	if got := rig.mgr.SnapshotState().IdleRemaining; got != 100*time.Second {
		t.Errorf("remote activity moved the deadline: remaining = %v", got)
	}
}

func TestManager_LocalActivityResetsAndBroadcasts(t *testing.T) {

	hub := memory.NewBroadcastHub()
	var seen atomic.Int64
	var lastKind atomic.Value
	cancel := hub.Subscribe(func(sig broadcast.Signal) {
		seen.Add(1)
		lastKind.Store(sig)
	})
	defer cancel()

	rig := newTestRig(t, 2*time.Hour, hub)
	login(t, rig)

	rig.clk.Advance(700 * time.Second)
	if disp := rig.mgr.Activity(activity.KindPointerMove); disp != activity.Accepted {
		t.Fatalf("activity disposition = %v, want accepted", disp)
	}
	if got := rig.mgr.SnapshotState().IdleRemaining; got != 900*time.Second {
		t.Errorf("idle remaining after activity = %v, want full budget", got)
	}
	if seen.Load() == 0 {
		t.Fatal("activity was not broadcast to siblings")
	}
	sig := lastKind.Load().(broadcast.Signal)
	if sig.Kind != broadcast.KindActivity {
		t.Errorf("broadcast kind = %q, want activity", sig.Kind)
	}
	if sig.Origin != rig.mgr.InstanceID() {
		t.Errorf("broadcast origin = %q, want this instance", sig.Origin)
	}
}

func TestManager_AbsoluteExpiryBeatsIdleDeadline(t *testing.T) {

	rig := newTestRig(t, 30*time.Second, nil) // server expiry well inside the idle budget
	login(t, rig)

	rig.clk.Advance(29 * time.Second)
	if snap := rig.mgr.SnapshotState(); !snap.Authenticated {
		t.Fatal("logged out before the absolute expiry")
	}

	rig.clk.Advance(time.Second)
	snap := rig.mgr.SnapshotState()
	if snap.Authenticated {
		t.Fatal("still authenticated past the absolute expiry")
	}
	if snap.LastLogout == nil || snap.LastLogout.Reason != session.ReasonExpiry {
		t.Fatalf("last logout = %+v, want expiry", snap.LastLogout)
	}
	if got := rig.backend.logouts.Load(); got != 1 {
		t.Errorf("backend logout calls = %d, want 1", got)
	}
}

func TestManager_ExtendReschedulesAbsoluteExpiry(t *testing.T) {

	rig := newTestRig(t, 60*time.Second, nil)
	login(t, rig)

	rig.clk.Advance(50 * time.Second)
	if err := rig.mgr.Extend(context.Background()); err != nil {
		t.Fatalf("Extend: %v", err)
	}

	// The old expiry instant passes without effect; only the new one fires.
	rig.clk.Advance(30 * time.Second)
	if snap := rig.mgr.SnapshotState(); !snap.Authenticated {
		t.Fatal("stale expiry timer fired after extend")
	}
	rig.clk.Advance(30 * time.Second)
	snap := rig.mgr.SnapshotState()
	if snap.Authenticated || snap.LastLogout.Reason != session.ReasonExpiry {
		t.Fatalf("snapshot after rescheduled expiry = %+v", snap.LastLogout)
	}
}

func TestManager_BootRefreshEstablishesSession(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	rig := newTestRig(t, 2*time.Hour, nil)
	// The backend still holds a principal from a previous run.
	if _, err := rig.backend.Login(context.Background(), memory.Credentials{Username: "ada", Password: testPassword}); err != nil {
		t.Fatalf("seed backend: %v", err)
	}
	if err := rig.store.Save(context.Background(), &session.Session{
		Profile:   session.Profile{Username: "ada"},
		ExpiresAt: rig.clk.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	rig.mgr.Boot(context.Background())

	snap := rig.mgr.SnapshotState()
	if !snap.Authenticated || !snap.Loaded {
		t.Fatalf("snapshot after boot = %+v", snap)
	}
	if snap.IdleState != "running" {
		t.Errorf("idle state = %q, want running", snap.IdleState)
	}
	rig.mgr.Close()
}

func TestManager_BootRefreshFailureStartsLoggedOut(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	rig := newTestRig(t, 2*time.Hour, nil)
	if err := rig.store.Save(context.Background(), &session.Session{
		Profile:   session.Profile{Username: "ada"},
		ExpiresAt: rig.clk.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	// No principal on the backend: the silent refresh is rejected.
	rig.mgr.Boot(context.Background())

	if snap := rig.mgr.SnapshotState(); snap.Authenticated {
		t.Fatal("boot established a session despite failed refresh")
	}
	if _, err := rig.store.Load(context.Background()); !errors.Is(err, session.ErrNoSession) {
		t.Errorf("stale persisted session not cleared: %v", err)
	}
	rig.mgr.Close()
}

func TestManager_LoginReplacesExistingSession(t *testing.T) {

	rig := newTestRig(t, 2*time.Hour, nil)
	login(t, rig)

	rig.clk.Advance(800 * time.Second)
	rig.mgr.Resume()
	if !rig.mgr.WarningState().Open {
		t.Fatal("expected warning open")
	}

	// A fresh login clears the old generation's warning and deadline.
	login(t, rig)
	snap := rig.mgr.SnapshotState()
	if snap.Warning.Open {
		t.Error("old generation's warning survived re-login")
	}
	if snap.IdleRemaining != 900*time.Second {
		t.Errorf("idle remaining = %v, want full budget", snap.IdleRemaining)
	}
	if snap.LastLogout != nil {
		t.Errorf("re-login left a logout notice: %+v", snap.LastLogout)
	}
}

func TestManager_OperationsWhenLoggedOut(t *testing.T) {

	rig := newTestRig(t, 2*time.Hour, nil)

	if err := rig.mgr.Extend(context.Background()); !errors.Is(err, ErrNotLoggedIn) {
		t.Errorf("Extend logged out = %v, want ErrNotLoggedIn", err)
	}
	if disp := rig.mgr.Activity(activity.KindClick); disp != activity.Suppressed {
		t.Errorf("Activity logged out = %v, want suppressed", disp)
	}
	rig.mgr.Resume() // must not panic
	rig.mgr.Logout(context.Background(), session.ReasonUser)
	if got := rig.backend.logouts.Load(); got != 0 {
		t.Errorf("logout while logged out reached the backend %d times", got)
	}
	if sess := rig.mgr.CurrentSession(); sess != nil {
		t.Errorf("CurrentSession = %+v, want nil", sess)
	}
}

// tokenIssuer is the server side of a bearer-token backend: it tracks the
// token currently accepted for refresh.
type tokenIssuer struct {
	mu    sync.Mutex
	valid string
}

// tokenClient mimics the HTTP backend's credential model: the token lives
// only in this instance's memory, so a restarted instance cannot refresh
// until it is seeded from the persisted session.
type tokenClient struct {
	issuer *tokenIssuer
	clk    clock.Clock
	ttl    time.Duration

	mu    sync.Mutex
	token string
}

func (c *tokenClient) grantLocked() *outbound.Grant {
	return &outbound.Grant{
		Profile:     session.Profile{Username: "ada"},
		Permissions: []string{"reports:read"},
		ExpiresAt:   c.clk.Now().Add(c.ttl),
		Token:       c.token,
	}
}

func (c *tokenClient) Login(_ context.Context, creds outbound.Credentials) (*outbound.LoginResult, error) {
	tok := "bearer-" + creds.Username
	c.issuer.mu.Lock()
	c.issuer.valid = tok
	c.issuer.mu.Unlock()
	c.mu.Lock()
	c.token = tok
	g := c.grantLocked()
	c.mu.Unlock()
	return &outbound.LoginResult{Grant: g}, nil
}

func (c *tokenClient) VerifyMFA(context.Context, string, string) (*outbound.LoginResult, error) {
	return nil, outbound.ErrInvalidCredentials
}

func (c *tokenClient) Refresh(context.Context) (*outbound.Grant, error) {
	c.issuer.mu.Lock()
	valid := c.issuer.valid
	c.issuer.mu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" || c.token != valid {
		return nil, outbound.ErrNotAuthenticated
	}
	return c.grantLocked(), nil
}

func (c *tokenClient) Logout(context.Context) error {
	c.issuer.mu.Lock()
	c.issuer.valid = ""
	c.issuer.mu.Unlock()
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
	return nil
}

func (c *tokenClient) SeedCredential(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func TestManager_RestartRehydratesBearerCredential(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	ctx := context.Background()
	clk := clock.NewFake()
	store := memory.NewSessionStore()
	issuer := &tokenIssuer{}
	cfg := Config{
		IdleBudget: 900 * time.Second,
		WarnWindow: 120 * time.Second,
		Tick:       250 * time.Millisecond,
	}

	first := NewSessionManager(cfg, Deps{
		Clock:   clk,
		Logger:  testLogger(),
		Backend: &tokenClient{issuer: issuer, clk: clk, ttl: 2 * time.Hour},
		Store:   store,
		Channel: memory.NewBroadcastHub(),
	})
	if _, err := first.Login(ctx, outbound.Credentials{Username: "ada", Password: testPassword}); err != nil {
		t.Fatalf("Login: %v", err)
	}
	saved, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load after login: %v", err)
	}
	if saved.Token == "" {
		t.Fatal("issued token was not persisted with the session")
	}
	first.Close()

	// The restarted instance holds no credential in memory. Boot seeds its
	// backend from the persisted session before the silent refresh.
	second := NewSessionManager(cfg, Deps{
		Clock:   clk,
		Logger:  testLogger(),
		Backend: &tokenClient{issuer: issuer, clk: clk, ttl: 2 * time.Hour},
		Store:   store,
		Channel: memory.NewBroadcastHub(),
	})
	defer second.Close()
	second.Boot(ctx)

	snap := second.SnapshotState()
	if !snap.Authenticated || !snap.Loaded {
		t.Fatalf("snapshot after restart boot = %+v, want confirmed session", snap)
	}
	if snap.Profile.Username != "ada" {
		t.Errorf("profile after restart = %q, want ada", snap.Profile.Username)
	}
}

// rehydrateBackend blocks the boot refresh so the test can observe the
// snapshot while it is still in flight, then rejects it.
type rehydrateBackend struct {
	outbound.AuthBackend
	entered chan struct{}
	release chan struct{}
}

func (b *rehydrateBackend) Refresh(ctx context.Context) (*outbound.Grant, error) {
	close(b.entered)
	<-b.release
	return nil, outbound.ErrNotAuthenticated
}

func TestManager_BootSurfacesUnconfirmedSessionDuringRefresh(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	rig := newTestRig(t, 2*time.Hour, nil)
	if err := rig.store.Save(context.Background(), &session.Session{
		Profile:   session.Profile{Username: "ada"},
		ExpiresAt: rig.clk.Now().Add(time.Hour),
		Token:     "bearer-stale",
	}); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	blocked := &rehydrateBackend{
		AuthBackend: rig.backend,
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	rig.mgr.backend = blocked

	done := make(chan struct{})
	go func() {
		rig.mgr.Boot(context.Background())
		close(done)
	}()

	<-blocked.entered
	snap := rig.mgr.SnapshotState()
	if !snap.Authenticated || snap.Loaded {
		t.Fatalf("mid-boot snapshot = %+v, want rehydrated but unconfirmed", snap)
	}
	if snap.Profile.Username != "ada" {
		t.Errorf("mid-boot profile = %q, want ada", snap.Profile.Username)
	}

	close(blocked.release)
	<-done
	if snap := rig.mgr.SnapshotState(); snap.Authenticated {
		t.Fatal("rejected refresh left the unconfirmed session visible")
	}
}
