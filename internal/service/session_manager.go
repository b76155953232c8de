// Package service wires the session lifecycle together: the auth session
// store, the idle and absolute-expiry schedules, the warning prompt, and
// cross-instance signal handling.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sessionwarden/sessionwarden/internal/clock"
	"github.com/sessionwarden/sessionwarden/internal/domain/activity"
	"github.com/sessionwarden/sessionwarden/internal/domain/broadcast"
	"github.com/sessionwarden/sessionwarden/internal/domain/expiry"
	"github.com/sessionwarden/sessionwarden/internal/domain/idle"
	"github.com/sessionwarden/sessionwarden/internal/domain/prompt"
	"github.com/sessionwarden/sessionwarden/internal/domain/session"
	"github.com/sessionwarden/sessionwarden/internal/port/outbound"
)

// ErrSessionTerminated is returned by Extend when the session was torn down
// while the refresh call was in flight: first to commit wins, and a late
// refresh must not resurrect a logged-out session.
var ErrSessionTerminated = errors.New("session terminated")

// ErrNotLoggedIn is returned by operations that require an active session.
var ErrNotLoggedIn = errors.New("not logged in")

// Config holds the lifecycle durations.
type Config struct {
	// IdleBudget is the total inactivity allowance.
	IdleBudget time.Duration
	// WarnWindow is the trailing prompt window of the idle budget.
	WarnWindow time.Duration
	// Tick is the idle scheduler's evaluation period.
	Tick time.Duration
	// ActivityMinInterval is the minimum spacing between accepted activity
	// events. Zero disables rate limiting.
	ActivityMinInterval time.Duration
	// CueThresholds selects the prompt's cue marks; nil selects defaults.
	CueThresholds []time.Duration
}

// Deps are the manager's collaborators.
type Deps struct {
	Clock   clock.Clock
	Logger  *slog.Logger
	Backend outbound.AuthBackend
	Store   outbound.SessionStore
	Channel broadcast.Channel
	Metrics Metrics
	Cuer    prompt.Cuer
}

// LoginOutcome is what a login attempt produced: an established session
// snapshot, or a pending MFA challenge.
type LoginOutcome struct {
	Session   *Snapshot
	Challenge *outbound.MFAChallenge
}

// Snapshot is the observable state exposed to presentation collaborators.
type Snapshot struct {
	Authenticated bool                  `json:"authenticated"`
	Loaded        bool                  `json:"loaded"`
	Profile       session.Profile       `json:"profile"`
	Permissions   []string              `json:"permissions"`
	ExpiresAtMs   int64                 `json:"expires_at_ms,omitempty"`
	IdleState     string                `json:"idle_state"`
	IdleRemaining time.Duration         `json:"idle_remaining"`
	Warning       prompt.State          `json:"warning"`
	LastLogout    *session.LogoutNotice `json:"last_logout,omitempty"`
}

// machinery is the per-session-generation timer apparatus. A new login
// builds a fresh set; teardown stops the old set before anything else runs,
// so no callback from a dead generation can fire against a cleared session.
type machinery struct {
	gen     uint64
	sched   *idle.Scheduler
	sync    *expiry.Synchronizer
	prompt  *prompt.Controller
	tracker *activity.Tracker
}

func (m *machinery) stop() {
	m.sync.Stop()
	m.sched.Stop()
	m.prompt.Hide()
}

// SessionManager owns the process-wide authentication state. It is built
// explicitly and injected into its callers; there is no ambient singleton.
type SessionManager struct {
	cfg      Config
	clk      clock.Clock
	logger   *slog.Logger
	backend  outbound.AuthBackend
	store    outbound.SessionStore
	channel  broadcast.Channel
	metrics  Metrics
	cuer     prompt.Cuer
	instance string

	mu          sync.Mutex
	sess        *session.Session
	mach        *machinery
	gen         uint64
	booted      bool
	lastLogout  *session.LogoutNotice
	unsubscribe func()
}

// NewSessionManager creates a manager and subscribes it to the broadcast
// channel. Call Boot once per process, Close on shutdown.
func NewSessionManager(cfg Config, deps Deps) *SessionManager {
	if deps.Metrics == nil {
		deps.Metrics = NopMetrics{}
	}
	m := &SessionManager{
		cfg:      cfg,
		clk:      deps.Clock,
		logger:   deps.Logger,
		backend:  deps.Backend,
		store:    deps.Store,
		channel:  deps.Channel,
		metrics:  deps.Metrics,
		cuer:     deps.Cuer,
		instance: uuid.New().String(),
	}
	m.unsubscribe = deps.Channel.Subscribe(m.onSignal)
	return m
}

// InstanceID returns this manager's broadcast origin ID.
func (m *SessionManager) InstanceID() string { return m.instance }

// Boot rehydrates any persisted session and performs the one silent refresh
// that decides whether the user starts logged in. Refresh failure is not an
// error: the user is simply not logged in, and the stale persisted session
// is cleared. Exactly one boot sequence runs per process; later calls no-op.
func (m *SessionManager) Boot(ctx context.Context) {
	m.mu.Lock()
	if m.booted {
		m.mu.Unlock()
		return
	}
	m.booted = true
	m.mu.Unlock()

	persisted, err := m.store.Load(ctx)
	switch {
	case err == nil:
		// Seed the backend with the persisted credential so the silent
		// refresh can present it, and expose the unconfirmed session
		// (Loaded=false) while the refresh decides its fate.
		if carrier, ok := m.backend.(outbound.CredentialCarrier); ok && persisted.Token != "" {
			carrier.SeedCredential(persisted.Token)
		}
		m.mu.Lock()
		if m.sess == nil {
			unconfirmed := persisted.Clone()
			unconfirmed.Loaded = false
			m.sess = unconfirmed
		}
		m.mu.Unlock()
		m.logger.Info("persisted session rehydrated", "user", persisted.Profile.Username)
	case errors.Is(err, session.ErrNoSession):
		m.logger.Debug("no persisted session")
	default:
		// Storage unavailable degrades to no rehydration, never to a crash.
		m.logger.Warn("session rehydration failed, continuing without", "error", err)
	}

	grant, err := m.backend.Refresh(ctx)
	if err != nil {
		m.logger.Info("silent boot refresh failed, starting logged out", "error", err)
		m.mu.Lock()
		if m.sess != nil && !m.sess.Loaded {
			m.sess = nil
		}
		m.mu.Unlock()
		if clearErr := m.store.Clear(ctx); clearErr != nil {
			m.logger.Warn("failed to clear persisted session", "error", clearErr)
		}
		return
	}

	m.establish(ctx, grant)
	m.logger.Info("session established from boot refresh", "user", grant.Profile.Username)
}

// Login exchanges credentials for a session or an MFA challenge. It does
// not navigate or render; that is the caller's concern.
func (m *SessionManager) Login(ctx context.Context, creds outbound.Credentials) (*LoginOutcome, error) {
	res, err := m.backend.Login(ctx, creds)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	return m.outcome(ctx, res)
}

// VerifyMFA completes a pending login challenge.
func (m *SessionManager) VerifyMFA(ctx context.Context, challengeID, code string) (*LoginOutcome, error) {
	res, err := m.backend.VerifyMFA(ctx, challengeID, code)
	if err != nil {
		return nil, fmt.Errorf("verify mfa: %w", err)
	}
	return m.outcome(ctx, res)
}

func (m *SessionManager) outcome(ctx context.Context, res *outbound.LoginResult) (*LoginOutcome, error) {
	if res.Challenge != nil {
		return &LoginOutcome{Challenge: res.Challenge}, nil
	}
	if res.Grant == nil || res.Grant.ExpiresAt.IsZero() {
		return nil, fmt.Errorf("backend issued no usable grant")
	}
	m.establish(ctx, res.Grant)
	snap := m.SnapshotState()
	return &LoginOutcome{Session: &snap}, nil
}

// establish installs a fresh session and its timer machinery, guaranteeing
// any previous generation's timers are stopped first.
func (m *SessionManager) establish(ctx context.Context, grant *outbound.Grant) {
	sess := &session.Session{
		Profile:     grant.Profile,
		Permissions: append([]string(nil), grant.Permissions...),
		ExpiresAt:   grant.ExpiresAt.UTC(),
		Token:       grant.Token,
		Loaded:      true,
	}

	m.mu.Lock()
	if m.mach != nil {
		m.mach.stop()
	}
	m.gen++
	gen := m.gen
	m.sess = sess
	m.lastLogout = nil

	promptCtl := prompt.New(m.logger, m.cuer, m.cfg.CueThresholds, prompt.Actions{
		Extend:    func(ctx context.Context) error { return m.Extend(ctx) },
		LogoutNow: func() { m.Logout(context.Background(), session.ReasonUser) },
	})
	sched := idle.New(m.clk, idle.Config{
		Budget:     m.cfg.IdleBudget,
		WarnWindow: m.cfg.WarnWindow,
		Tick:       m.cfg.Tick,
	}, idle.Callbacks{
		OnWarn: func(remaining, total time.Duration) {
			m.metrics.WarningOpened()
			promptCtl.Show(remaining, total)
		},
		OnTick: promptCtl.Update,
		OnExpire: func() {
			m.Logout(context.Background(), session.ReasonInactivity)
		},
	}, m.logger)
	sync := expiry.New(m.clk, m.logger, func() {
		m.Logout(context.Background(), session.ReasonExpiry)
	})
	tracker := activity.New(m.clk, m.logger, m.cfg.ActivityMinInterval,
		func() bool { return m.suppressed(gen) },
		func(at time.Time) { m.onLocalActivity(gen, at) },
	)

	m.mach = &machinery{gen: gen, sched: sched, sync: sync, prompt: promptCtl, tracker: tracker}
	m.mu.Unlock()

	if err := m.store.Save(ctx, sess); err != nil {
		m.logger.Warn("failed to persist session", "error", err)
	}
	m.metrics.SessionActive(true)

	sync.Schedule(sess.ExpiresAt)
	sched.Start()
}

// Extend is the warning prompt's "stay logged in" path: refresh the backend
// session, and only if this session generation is still alive apply the new
// expiry and reset the idle deadline. On refresh failure the prompt stays
// open and the countdown keeps running.
func (m *SessionManager) Extend(ctx context.Context) error {
	m.mu.Lock()
	if m.sess == nil {
		m.mu.Unlock()
		return ErrNotLoggedIn
	}
	gen := m.gen
	m.mu.Unlock()

	grant, err := m.backend.Refresh(ctx)
	if err != nil {
		m.metrics.RefreshRecorded("failed")
		m.logger.Warn("extend refresh failed, warning stays open", "error", err)
		return fmt.Errorf("extend: %w", err)
	}
	if grant.ExpiresAt.IsZero() {
		m.metrics.RefreshRecorded("failed")
		return fmt.Errorf("extend: backend issued grant without expiry")
	}

	m.mu.Lock()
	if m.sess == nil || m.gen != gen {
		// Forced logout committed while the refresh was in flight.
		m.mu.Unlock()
		m.metrics.RefreshRecorded("stale")
		return ErrSessionTerminated
	}
	m.sess.Profile = grant.Profile
	if grant.Permissions != nil {
		m.sess.Permissions = append([]string(nil), grant.Permissions...)
	}
	m.sess.ExpiresAt = grant.ExpiresAt.UTC()
	if grant.Token != "" {
		// Rotated credential replaces the persisted one.
		m.sess.Token = grant.Token
	}
	sessCopy := m.sess.Clone()
	mach := m.mach
	m.mu.Unlock()

	if err := m.store.Save(ctx, sessCopy); err != nil {
		m.logger.Warn("failed to persist refreshed session", "error", err)
	}
	mach.sync.Schedule(sessCopy.ExpiresAt)
	mach.sched.Reset()
	mach.prompt.Hide()
	m.metrics.RefreshRecorded("ok")
	m.logger.Info("session extended", "expires_at", sessCopy.ExpiresAt)
	return nil
}

// Logout is the single choke point for ending the session, whether
// user-initiated, idle-forced, expiry-forced, or remote. Idempotent: only
// the first caller per session performs teardown; the rest no-op.
func (m *SessionManager) Logout(ctx context.Context, reason session.LogoutReason) {
	m.mu.Lock()
	if m.sess == nil {
		m.mu.Unlock()
		return
	}
	mach := m.mach
	m.sess = nil
	m.mach = nil
	m.gen++
	notice := &session.LogoutNotice{Reason: reason, At: m.clk.Now()}
	m.lastLogout = notice
	m.mu.Unlock()

	m.logger.Info("logging out", "reason", reason)
	mach.stop()
	m.metrics.SessionActive(false)
	m.metrics.LogoutRecorded(string(reason))

	if err := m.store.Clear(ctx); err != nil {
		m.logger.Warn("failed to clear persisted session", "error", err)
	}

	if reason != session.ReasonRemote {
		// Remote teardowns neither re-broadcast (the originating instance
		// already did) nor notify the backend (ditto).
		m.publish(broadcast.KindLogout)
		if err := m.backend.Logout(ctx); err != nil {
			// Backend unreachable must never block local teardown.
			m.logger.Warn("backend logout notification failed, proceeding", "error", err)
		}
	}
}

// Activity handles one qualifying interaction event from the presentation
// layer.
func (m *SessionManager) Activity(kind activity.Kind) activity.Disposition {
	m.mu.Lock()
	mach := m.mach
	m.mu.Unlock()
	if mach == nil {
		return activity.Suppressed
	}
	disp := mach.tracker.Observe(kind)
	m.metrics.ActivityRecorded(string(disp))
	return disp
}

// Resume is the visibility-change hook: re-derive remaining time now instead
// of waiting for the next tick, so an instance backgrounded past its budget
// logs out immediately.
func (m *SessionManager) Resume() {
	m.mu.Lock()
	mach := m.mach
	m.mu.Unlock()
	if mach != nil {
		mach.sched.Evaluate()
	}
}

// WarningState returns the prompt's observable state.
func (m *SessionManager) WarningState() prompt.State {
	m.mu.Lock()
	mach := m.mach
	m.mu.Unlock()
	if mach == nil {
		return prompt.State{}
	}
	return mach.prompt.Snapshot()
}

// CurrentSession returns a copy of the active session, or nil.
func (m *SessionManager) CurrentSession() *session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess.Clone()
}

// SnapshotState returns the full observable state for rendering and route
// guarding.
func (m *SessionManager) SnapshotState() Snapshot {
	m.mu.Lock()
	sess := m.sess.Clone()
	mach := m.mach
	notice := m.lastLogout
	m.mu.Unlock()

	snap := Snapshot{IdleState: "stopped", LastLogout: notice}
	if sess != nil {
		snap.Authenticated = true
		snap.Loaded = sess.Loaded
		snap.Profile = sess.Profile
		snap.Permissions = sess.Permissions
		snap.ExpiresAtMs = sess.ExpiresAt.UnixMilli()
	}
	if mach != nil {
		snap.IdleState = mach.sched.State().String()
		snap.IdleRemaining = mach.sched.Remaining()
		snap.Warning = mach.prompt.Snapshot()
	}
	return snap
}

// Close stops all timers and the broadcast subscription without logout
// semantics (process shutdown is not a logout).
func (m *SessionManager) Close() {
	m.mu.Lock()
	mach := m.mach
	m.mach = nil
	m.sess = nil
	m.gen++
	unsub := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()

	if mach != nil {
		mach.stop()
		mach.sched.Wait()
	}
	if unsub != nil {
		unsub()
	}
}

// suppressed reports whether activity for the given generation must be
// ignored: the generation died, or its warning prompt is open.
func (m *SessionManager) suppressed(gen uint64) bool {
	m.mu.Lock()
	mach := m.mach
	alive := mach != nil && mach.gen == gen
	m.mu.Unlock()
	if !alive {
		return true
	}
	return mach.prompt.Open()
}

// onLocalActivity resets the idle deadline and best-effort publishes the
// activity signal for sibling instances.
func (m *SessionManager) onLocalActivity(gen uint64, at time.Time) {
	m.mu.Lock()
	mach := m.mach
	m.mu.Unlock()
	if mach == nil || mach.gen != gen {
		return
	}
	mach.sched.Reset()
	m.publish(broadcast.KindActivity)
}

// publish writes a cross-instance signal. Failures are logged and swallowed
// by design: a broken broadcast medium (private browsing, quota) downgrades
// cross-instance sync, never the session lifecycle.
func (m *SessionManager) publish(kind broadcast.Kind) {
	sig := broadcast.NewSignal(kind, m.clk.Now(), m.instance)
	if err := m.channel.Publish(sig); err != nil {
		m.logger.Debug("broadcast publish failed", "kind", kind, "error", err)
		return
	}
	m.metrics.SignalRecorded(string(kind), "sent")
}

// onSignal handles signals from sibling instances. Signals are idempotent
// triggers: duplicates and stale deliveries are tolerated by construction.
func (m *SessionManager) onSignal(sig broadcast.Signal) {
	if sig.Origin == m.instance {
		return
	}
	m.metrics.SignalRecorded(string(sig.Kind), "received")

	switch sig.Kind {
	case broadcast.KindLogout:
		m.logger.Info("logout signal from sibling instance", "origin", sig.Origin)
		m.Logout(context.Background(), session.ReasonRemote)
	case broadcast.KindActivity:
		m.mu.Lock()
		mach := m.mach
		m.mu.Unlock()
		if mach == nil || mach.prompt.Open() {
			// A tab reading its own warning ignores sibling activity.
			return
		}
		mach.sched.Reset()
	}
}
