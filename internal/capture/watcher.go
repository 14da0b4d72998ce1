// Package capture reports whether the input-capture subsystem is usable,
// judged by the presence of matching device nodes.
package capture

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"tools.zach/dev/inputbridge/internal/fswatch"
	"tools.zach/dev/inputbridge/internal/logger"
)

// Options configures a [Watcher].
type Options struct {
	// DeviceDir holds the device nodes.
	DeviceDir string
	// IsDevice selects node names that count. Nil counts every entry.
	IsDevice func(name string) bool
	// PollInterval is the fallback polling interval.
	PollInterval time.Duration
	// ForcePolling skips filesystem notifications.
	ForcePolling bool
	// OnChange, if set, is called from the watcher goroutine with each new
	// availability, including the initial one.
	OnChange func(available bool)
	// Logger receives diagnostics. Nil discards them.
	Logger *slog.Logger
}

// Watcher tracks capture availability.
type Watcher struct {
	opts Options
	log  *slog.Logger
	fw   *fswatch.Watcher

	available atomic.Bool
	known     bool

	done chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	started bool

	closeOnce sync.Once
}

// New creates a Watcher. It does not touch the filesystem.
func New(opts Options) *Watcher {
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Watcher{
		opts: opts,
		log:  log,
		fw: fswatch.New(fswatch.Options{
			Path:         opts.DeviceDir,
			Dir:          true,
			Match:        opts.IsDevice,
			PollInterval: opts.PollInterval,
			ForcePolling: opts.ForcePolling,
			Logger:       log,
		}),
		done: make(chan struct{}),
	}
}

// Start takes an initial reading and begins observation. Calling it again is
// a no-op.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}
	if err := w.fw.Start(); err != nil {
		return fmt.Errorf("watch input devices: %w", err)
	}
	w.started = true
	w.refresh()
	w.wg.Add(1)
	go w.loop()
	return nil
}

// Available reports the most recent reading.
func (w *Watcher) Available() bool {
	return w.available.Load()
}

// Close stops observation. OnChange is not called after Close returns.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fw.Close()
		w.wg.Wait()
	})
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case <-w.fw.Events():
			w.refresh()
		}
	}
}

// refresh recounts devices and publishes a changed availability. Called from
// Start before loop runs, then only from loop.
func (w *Watcher) refresh() {
	n := w.count()
	available := n > 0
	if w.known && available == w.available.Load() {
		return
	}
	w.known = true
	w.available.Store(available)
	w.log.Info("input capture availability changed", "available", available, "devices", n)
	if w.opts.OnChange != nil {
		w.opts.OnChange(available)
	}
}

// count returns the number of matching device nodes.
func (w *Watcher) count() int {
	entries, err := os.ReadDir(w.opts.DeviceDir)
	if err != nil {
		if !os.IsNotExist(err) {
			w.log.Warn("cannot list input devices", "dir", w.opts.DeviceDir, "error", err)
		}
		return 0
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if w.opts.IsDevice == nil || w.opts.IsDevice(e.Name()) {
			n++
		}
	}
	return n
}
