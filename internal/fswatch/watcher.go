// Package fswatch reports changes to a file or to selected entries of a
// directory. It uses fsnotify as the primary mechanism and falls back to
// stat-based polling when fsnotify is unavailable, cannot watch the target, or
// reports an error.
//
// A file target is watched through its parent directory so that replacements
// by rename (installers, atomic writers, login managers rewriting utmp) keep
// producing events.
package fswatch

import (
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"tools.zach/dev/inputbridge/internal/logger"
)

// DefaultPollInterval is used when [Options.PollInterval] is zero.
const DefaultPollInterval = 2 * time.Second

// ErrClosed is returned by [Watcher.Start] after [Watcher.Close].
var ErrClosed = errors.New("watcher closed")

// ///////////////////////////////////////////////
// Options
// ///////////////////////////////////////////////

// Options configures a [Watcher].
type Options struct {
	// Path is the file or directory to observe.
	Path string
	// Dir selects directory mode: every entry of Path accepted by Match counts.
	// In file mode only Path itself counts.
	Dir bool
	// Match filters directory entries by base name. Nil accepts everything.
	// Ignored in file mode.
	Match func(name string) bool
	// PollInterval is the stat interval in polling mode.
	PollInterval time.Duration
	// ForcePolling skips fsnotify entirely.
	ForcePolling bool
	// Logger receives fallback and error messages. Nil discards them.
	Logger *slog.Logger
}

// ///////////////////////////////////////////////
// Watcher
// ///////////////////////////////////////////////

// Watcher monitors a file or directory. Construction has no side effects;
// observation begins with [Watcher.Start].
type Watcher struct {
	opts Options
	log  *slog.Logger

	// events delivers a signal each time the target changes. Buffered to 1 so
	// back-to-back changes coalesce.
	events chan struct{}
	// done is closed by [Watcher.Close] to stop goroutines.
	done chan struct{}
	// wg tracks the observation goroutine so Close can wait for it.
	wg sync.WaitGroup

	// mu protects fsw and started.
	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	started bool

	closeOnce sync.Once
	polling   atomic.Bool
}

// New creates a Watcher. It does not touch the filesystem.
func New(opts Options) *Watcher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Watcher{
		opts:   opts,
		log:    log,
		events: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Start begins observation. Calling Start more than once is a no-op.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	select {
	case <-w.done:
		return ErrClosed
	default:
	}
	if w.started {
		return nil
	}
	w.started = true

	if w.opts.ForcePolling {
		w.startPolling()
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Info("fsnotify unavailable, falling back to polling", "path", w.opts.Path, "error", err)
		w.startPolling()
		return nil
	}
	if err := fsw.Add(w.watchRoot()); err != nil {
		w.log.Info("cannot watch path, falling back to polling", "path", w.watchRoot(), "error", err)
		fsw.Close()
		w.startPolling()
		return nil
	}

	w.fsw = fsw
	w.wg.Add(1)
	go w.watch(fsw)
	return nil
}

// startPolling launches the polling loop. Caller holds w.mu.
func (w *Watcher) startPolling() {
	w.polling.Store(true)
	w.wg.Add(1)
	go w.poll()
}

// watchRoot is the directory handed to fsnotify.
func (w *Watcher) watchRoot() string {
	if w.opts.Dir {
		return w.opts.Path
	}
	return filepath.Dir(w.opts.Path)
}

// relevant reports whether an fsnotify event name concerns the target.
func (w *Watcher) relevant(name string) bool {
	base := filepath.Base(name)
	if !w.opts.Dir {
		return filepath.Clean(name) == filepath.Clean(w.opts.Path)
	}
	return w.opts.Match == nil || w.opts.Match(base)
}

// Events returns a channel that receives a signal when the target changes.
func (w *Watcher) Events() <-chan struct{} {
	return w.events
}

// Polling reports whether the watcher is using polling instead of fsnotify.
func (w *Watcher) Polling() bool {
	return w.polling.Load()
}

// Path returns the observed path.
func (w *Watcher) Path() string {
	return w.opts.Path
}

// Close stops observation and waits for the observation goroutine to exit.
// No event is sent after Close returns. Close is idempotent.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		w.mu.Lock()
		if w.fsw != nil {
			if closeErr := w.fsw.Close(); closeErr != nil {
				err = fmt.Errorf("closing fsnotify watcher: %w", closeErr)
			}
			w.fsw = nil
		}
		w.mu.Unlock()
		w.wg.Wait()
		select {
		case <-w.events:
		default:
		}
	})
	return err
}

// watch forwards relevant fsnotify events. On an fsnotify error it closes the
// native watcher and hands over to polling.
func (w *Watcher) watch(fsw *fsnotify.Watcher) {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) {
				continue
			}
			if w.relevant(event.Name) {
				w.notify()
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.log.Info("fsnotify error, switching to polling", "path", w.opts.Path, "error", err)
			w.mu.Lock()
			if w.fsw == fsw {
				fsw.Close()
				w.fsw = nil
			}
			select {
			case <-w.done:
			default:
				w.startPolling()
			}
			w.mu.Unlock()
			return
		}
	}
}

// poll fingerprints the target every interval and notifies when the
// fingerprint changes.
func (w *Watcher) poll() {
	defer w.wg.Done()

	last := w.fingerprint()
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			fp := w.fingerprint()
			if fp != last {
				last = fp
				w.notify()
			}
		}
	}
}

// fingerprint hashes existence, size and mtime of every relevant entry.
// A missing target hashes to zero.
func (w *Watcher) fingerprint() uint64 {
	h := fnv.New64a()
	if !w.opts.Dir {
		info, err := os.Stat(w.opts.Path)
		if err != nil {
			return 0
		}
		fmt.Fprintf(h, "%d:%d", info.Size(), info.ModTime().UnixNano())
		return h.Sum64()
	}

	entries, err := os.ReadDir(w.opts.Path)
	if err != nil {
		return 0
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if w.opts.Match == nil || w.opts.Match(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(h, "%s", name)
		if info, err := os.Stat(filepath.Join(w.opts.Path, name)); err == nil {
			fmt.Fprintf(h, ":%d:%d;", info.Size(), info.ModTime().UnixNano())
		}
	}
	return h.Sum64()
}

// notify sends a single signal to the events channel, coalescing with any
// signal already pending.
func (w *Watcher) notify() {
	select {
	case <-w.done:
		return
	default:
	}
	select {
	case w.events <- struct{}{}:
	default:
	}
}
