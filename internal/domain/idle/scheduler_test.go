package idle

import (
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/sessionwarden/sessionwarden/internal/clock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		Budget:     900 * time.Second,
		WarnWindow: 120 * time.Second,
		Tick:       250 * time.Millisecond,
	}
}

// step advances the fake clock and evaluates, simulating the tick loop
// deterministically.
func step(s *Scheduler, fc *clock.Fake, d time.Duration) {
	fc.Advance(d)
	s.Evaluate()
}

func TestScheduler_ActivityKeepsRunning(t *testing.T) {
	t.Parallel()

	fc := clock.NewFake()
	s := New(fc, testConfig(), Callbacks{}, testLogger())

	// Activity spaced short of the warning threshold: never warns.
	for i := 0; i < 20; i++ {
		step(s, fc, 700*time.Second)
		s.Reset()
	}

	if got := s.State(); got != Running {
		t.Errorf("state = %v, want running", got)
	}
}

func TestScheduler_WarnsExactlyOncePerCycle(t *testing.T) {
	t.Parallel()

	fc := clock.NewFake()
	var warns atomic.Int32
	s := New(fc, testConfig(), Callbacks{
		OnWarn: func(remaining, total time.Duration) {
			warns.Add(1)
			if total != 120*time.Second {
				t.Errorf("total = %v, want 120s", total)
			}
		},
	}, testLogger())

	// Cross the threshold, then keep evaluating inside the window.
	step(s, fc, 781*time.Second)
	for i := 0; i < 10; i++ {
		step(s, fc, 250*time.Millisecond)
	}

	if got := warns.Load(); got != 1 {
		t.Errorf("OnWarn fired %d times, want 1", got)
	}
	if got := s.State(); got != Warning {
		t.Errorf("state = %v, want warning", got)
	}
}

func TestScheduler_StraightforwardExpiryTimeline(t *testing.T) {
	t.Parallel()

	fc := clock.NewFake()
	start := fc.Now()
	var warnedAt, expiredAt time.Time
	s := New(fc, testConfig(), Callbacks{
		OnWarn:   func(_, _ time.Duration) { warnedAt = fc.Now() },
		OnExpire: func() { expiredAt = fc.Now() },
	}, testLogger())

	// No activity after t=0; tick every 250ms until past the budget.
	for fc.Now().Sub(start) < 901*time.Second {
		step(s, fc, 250*time.Millisecond)
	}

	if warnedAt.IsZero() || expiredAt.IsZero() {
		t.Fatal("warning or expiry never fired")
	}
	if got := warnedAt.Sub(start); got < 780*time.Second || got > 780*time.Second+time.Second {
		t.Errorf("warning at t=%v, want 780s (±tick)", got)
	}
	if got := expiredAt.Sub(start); got < 900*time.Second || got > 900*time.Second+time.Second {
		t.Errorf("expiry at t=%v, want 900s (±tick)", got)
	}
}

func TestScheduler_RemainingNeverNegative(t *testing.T) {
	t.Parallel()

	fc := clock.NewFake()
	s := New(fc, testConfig(), Callbacks{}, testLogger())

	// Simulated clock jump far past the deadline.
	fc.Advance(48 * time.Hour)

	if got := s.Remaining(); got != 0 {
		t.Errorf("Remaining() = %v, want 0", got)
	}
}

func TestScheduler_SleepJumpExpiresOnSingleEvaluate(t *testing.T) {
	t.Parallel()

	fc := clock.NewFake()
	var expires atomic.Int32
	s := New(fc, testConfig(), Callbacks{
		OnExpire: func() { expires.Add(1) },
	}, testLogger())

	// Device slept through budget and warning window; the resume-triggered
	// Evaluate must expire immediately, once.
	fc.Advance(2 * time.Hour)
	s.Evaluate()
	s.Evaluate()
	s.Evaluate()

	if got := expires.Load(); got != 1 {
		t.Errorf("OnExpire fired %d times, want 1", got)
	}
	if got := s.State(); got != Expired {
		t.Errorf("state = %v, want expired", got)
	}
}

func TestScheduler_ResetFromWarningReturnsToRunning(t *testing.T) {
	t.Parallel()

	fc := clock.NewFake()
	s := New(fc, testConfig(), Callbacks{}, testLogger())

	step(s, fc, 790*time.Second)
	if got := s.State(); got != Warning {
		t.Fatalf("state = %v, want warning", got)
	}

	s.Reset()

	if got := s.State(); got != Running {
		t.Errorf("state after reset = %v, want running", got)
	}
	if got := s.Remaining(); got != 900*time.Second {
		t.Errorf("remaining after reset = %v, want full budget", got)
	}
}

func TestScheduler_ResetIgnoredOnceExpired(t *testing.T) {
	t.Parallel()

	fc := clock.NewFake()
	s := New(fc, testConfig(), Callbacks{}, testLogger())

	step(s, fc, 2000*time.Second)
	if got := s.State(); got != Expired {
		t.Fatalf("state = %v, want expired", got)
	}

	s.Reset()

	if got := s.State(); got != Expired {
		t.Errorf("state = %v, want expired (terminal)", got)
	}
}

func TestScheduler_OnTickReportsDerivedRemaining(t *testing.T) {
	t.Parallel()

	fc := clock.NewFake()
	var last atomic.Int64
	s := New(fc, testConfig(), Callbacks{
		OnTick: func(remaining time.Duration) { last.Store(int64(remaining)) },
	}, testLogger())

	step(s, fc, 800*time.Second) // warning opens, remaining 100s
	step(s, fc, 40*time.Second)  // tick within warning

	if got := time.Duration(last.Load()); got != 60*time.Second {
		t.Errorf("OnTick remaining = %v, want 60s", got)
	}
}

func TestScheduler_StartStopNoLeak(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := New(clock.New(), Config{
		Budget:     time.Hour,
		WarnWindow: time.Minute,
		Tick:       time.Millisecond,
	}, Callbacks{}, testLogger())

	s.Start()
	time.Sleep(10 * time.Millisecond)
	s.Stop()
	s.Wait()
}
