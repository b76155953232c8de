package signalfile

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/sessionwarden/sessionwarden/internal/domain/broadcast"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestChannel(t *testing.T, path string) *Channel {
	t.Helper()
	ch, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func waitSignal(t *testing.T, ch <-chan broadcast.Signal) broadcast.Signal {
	t.Helper()
	select {
	case sig := <-ch:
		return sig
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for signal delivery")
		return broadcast.Signal{}
	}
}

func TestChannel_PublishReachesSiblingInstance(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	path := filepath.Join(t.TempDir(), "signals.json")
	writer := openTestChannel(t, path)
	reader := openTestChannel(t, path)

	got := make(chan broadcast.Signal, 4)
	reader.Subscribe(func(s broadcast.Signal) { got <- s })

	sent := broadcast.NewSignal(broadcast.KindLogout, time.Now(), "tab-1")
	if err := writer.Publish(sent); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	sig := waitSignal(t, got)
	if sig.Kind != broadcast.KindLogout || sig.Origin != "tab-1" || sig.At != sent.At {
		t.Errorf("received %+v, want %+v", sig, sent)
	}
}

func TestChannel_DistinctWritesEachDelivered(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	path := filepath.Join(t.TempDir(), "signals.json")
	writer := openTestChannel(t, path)
	reader := openTestChannel(t, path)

	got := make(chan broadcast.Signal, 8)
	reader.Subscribe(func(s broadcast.Signal) { got <- s })

	base := time.Now()
	for i := 0; i < 3; i++ {
		sig := broadcast.NewSignal(broadcast.KindActivity, base.Add(time.Duration(i)*time.Second), "tab-2")
		if err := writer.Publish(sig); err != nil {
			t.Fatalf("Publish(%d) error: %v", i, err)
		}
		// Serialize deliveries so most-recent-wins cannot coalesce them.
		if s := waitSignal(t, got); s.At != sig.At {
			t.Errorf("delivery %d: at = %d, want %d", i, s.At, sig.At)
		}
	}
}

func TestChannel_StaleSignalNotReplayedOnOpen(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	path := filepath.Join(t.TempDir(), "signals.json")
	writer := openTestChannel(t, path)
	if err := writer.Publish(broadcast.NewSignal(broadcast.KindLogout, time.Now(), "tab-1")); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	_ = writer.Close()

	// A new instance starting later must not act on the old logout.
	late := openTestChannel(t, path)
	got := make(chan broadcast.Signal, 1)
	late.Subscribe(func(s broadcast.Signal) { got <- s })

	select {
	case sig := <-got:
		t.Fatalf("stale signal replayed: %+v", sig)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestChannel_MalformedFileIgnored(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	path := filepath.Join(t.TempDir(), "signals.json")
	reader := openTestChannel(t, path)

	got := make(chan broadcast.Signal, 1)
	reader.Subscribe(func(s broadcast.Signal) { got <- s })

	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}

	select {
	case sig := <-got:
		t.Fatalf("malformed write delivered: %+v", sig)
	case <-time.After(300 * time.Millisecond):
	}

	// The channel still works afterwards.
	writer := openTestChannel(t, path)
	sent := broadcast.NewSignal(broadcast.KindActivity, time.Now(), "tab-3")
	if err := writer.Publish(sent); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	if sig := waitSignal(t, got); sig.At != sent.At {
		t.Errorf("received %+v, want %+v", sig, sent)
	}
}

func TestChannel_CancelledSubscriberNotCalled(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	path := filepath.Join(t.TempDir(), "signals.json")
	writer := openTestChannel(t, path)
	reader := openTestChannel(t, path)

	got := make(chan broadcast.Signal, 1)
	cancel := reader.Subscribe(func(s broadcast.Signal) { got <- s })
	cancel()

	if err := writer.Publish(broadcast.NewSignal(broadcast.KindActivity, time.Now(), "tab-1")); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	select {
	case sig := <-got:
		t.Fatalf("cancelled subscriber received %+v", sig)
	case <-time.After(300 * time.Millisecond):
	}
}
