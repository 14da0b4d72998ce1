// Package version watches the installer's version marker and reports when
// it no longer names the running build.
package version

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"tools.zach/dev/inputbridge/internal/fswatch"
	"tools.zach/dev/inputbridge/internal/logger"
)

// Options tunes a [Watcher].
type Options struct {
	// PollInterval is the fallback polling interval.
	PollInterval time.Duration
	// ForcePolling skips filesystem notifications.
	ForcePolling bool
	// Logger receives diagnostics. Nil discards them.
	Logger *slog.Logger
}

// Watcher compares the marker file against the running build each time the
// file changes or a manual check is requested. A missing or empty marker is
// never a change.
type Watcher struct {
	path     string
	expected string
	log      *slog.Logger
	fw       *fswatch.Watcher

	changes chan string
	check   chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	started bool

	closeOnce sync.Once

	// reported is the last marker sent on changes. Touched only by loop.
	reported string
}

// New creates a Watcher for the marker at path. expected is the running
// build's version string.
func New(path, expected string, opts Options) *Watcher {
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Watcher{
		path:     path,
		expected: expected,
		log:      log,
		fw: fswatch.New(fswatch.Options{
			Path:         path,
			PollInterval: opts.PollInterval,
			ForcePolling: opts.ForcePolling,
			Logger:       log,
		}),
		changes: make(chan string, 1),
		check:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Start begins observation and schedules an initial comparison. Calling it
// again is a no-op.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}
	if err := w.fw.Start(); err != nil {
		return fmt.Errorf("watch version marker: %w", err)
	}
	w.started = true
	w.wg.Add(1)
	go w.loop()
	w.ManualCheck()
	return nil
}

// ManualCheck requests an immediate comparison without waiting for it.
// Requests made while one is pending collapse into one.
func (w *Watcher) ManualCheck() {
	select {
	case w.check <- struct{}{}:
	default:
	}
}

// Changes delivers the new marker content each time it starts differing from
// the running build. The same content is reported once.
func (w *Watcher) Changes() <-chan string {
	return w.changes
}

// Path returns the watched marker path.
func (w *Watcher) Path() string {
	return w.path
}

// Close stops observation and waits for the watcher goroutine. Nothing is
// sent on Changes after Close returns.
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
		case <-w.check:
		}
		w.compare()
	}
}

// compare reads the marker and emits it if it differs from the running build.
func (w *Watcher) compare() {
	marker, ok := w.read()
	if !ok {
		return
	}
	if marker == w.expected {
		w.reported = ""
		logger.Trace(w.log, "version marker matches running build", "version", marker)
		return
	}
	if marker == w.reported {
		return
	}
	w.reported = marker
	w.log.Info("version marker changed", "running", w.expected, "marker", marker)

	select {
	case w.changes <- marker:
	case <-w.done:
	}
}

// read returns the trimmed marker content, or false when there is nothing to
// compare.
func (w *Watcher) read() (string, bool) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.log.Warn("cannot read version marker", "path", w.path, "error", err)
		}
		return "", false
	}
	marker := string(bytes.TrimSpace(data))
	return marker, marker != ""
}
