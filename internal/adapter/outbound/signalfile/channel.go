// Package signalfile implements the cross-instance broadcast channel over a
// shared signal file: one JSON signal per write, most-recent-wins. Writers
// take a flock and replace the file atomically (write-tmp-then-rename);
// readers subscribe to filesystem change events. The medium is best-effort
// and eventually consistent; receivers must tolerate stale or duplicate
// deliveries, which the fingerprint check here suppresses where it can.
package signalfile

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/sessionwarden/sessionwarden/internal/domain/broadcast"
)

// Channel is the file-backed broadcast.Channel.
type Channel struct {
	path   string
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[int]func(broadcast.Signal)
	nextID int
	lastFP uint64
	seeded bool

	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
	once    sync.Once
}

// Open creates a channel on the signal file at path, watching its directory
// for replacements (the file itself changes inode on every atomic write).
func Open(path string, logger *slog.Logger) (*Channel, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create signal dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create signal watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch signal dir: %w", err)
	}

	c := &Channel{
		path:    path,
		logger:  logger,
		subs:    make(map[int]func(broadcast.Signal)),
		watcher: watcher,
	}

	// Remember (without delivering) whatever signal is already on disk, so a
	// freshly opened channel does not replay a stale logout from a previous
	// run.
	if sig, ok := c.read(); ok {
		c.lastFP = sig.Fingerprint()
		c.seeded = true
	}

	c.wg.Add(1)
	go c.watch()
	return c, nil
}

func (c *Channel) watch() {
	defer c.wg.Done()
	for {
		select {
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != c.path {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			c.dispatch()
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Debug("signal watcher error", "error", err)
		}
	}
}

// dispatch reads the current signal and delivers it once per distinct write.
func (c *Channel) dispatch() {
	sig, ok := c.read()
	if !ok {
		return
	}

	c.mu.Lock()
	fp := sig.Fingerprint()
	if c.seeded && fp == c.lastFP {
		// Duplicate delivery of a write we already handled.
		c.mu.Unlock()
		return
	}
	c.lastFP = fp
	c.seeded = true
	fns := make([]func(broadcast.Signal), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(sig)
	}
}

// read loads and validates the signal file. Partial or garbled content (a
// racing non-atomic writer, manual edits) degrades to "no signal".
func (c *Channel) read() (broadcast.Signal, bool) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return broadcast.Signal{}, false
	}
	var sig broadcast.Signal
	if err := json.Unmarshal(data, &sig); err != nil {
		c.logger.Debug("ignoring malformed signal file", "error", err)
		return broadcast.Signal{}, false
	}
	if !sig.Kind.Valid() {
		return broadcast.Signal{}, false
	}
	return sig, true
}

// Publish writes sig to the shared file. Errors are returned for logging
// only; callers never fail their critical path on them.
func (c *Channel) Publish(sig broadcast.Signal) error {
	lockPath := c.path + ".lock"
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open signal lock: %w", err)
	}
	defer func() { _ = lockFile.Close() }()

	if err := flockLock(lockFile.Fd()); err != nil {
		return fmt.Errorf("acquire signal lock: %w", err)
	}
	defer flockUnlock(lockFile.Fd()) //nolint:errcheck

	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	return c.writeAtomic(data)
}

// writeAtomic writes data to a temp file, fsyncs it, and renames it over the
// signal path. On any error the temp file is cleaned up.
func (c *Channel) writeAtomic(data []byte) error {
	tmpPath := c.path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create temp signal file: %w", err)
	}
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := f.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp signal file: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("fsync temp signal file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp signal file: %w", err)
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp signal file: %w", err)
	}
	return nil
}

// Subscribe registers fn for future signal deliveries. fn runs on the
// watcher goroutine.
func (c *Channel) Subscribe(fn func(broadcast.Signal)) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

// Close stops the watcher and waits for the delivery goroutine to exit.
// Safe to call multiple times.
func (c *Channel) Close() error {
	var err error
	c.once.Do(func() {
		err = c.watcher.Close()
	})
	c.wg.Wait()
	return err
}

var _ broadcast.Channel = (*Channel)(nil)
