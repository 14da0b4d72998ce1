// Package consoleuser tracks which operating-system user owns the graphical
// console. Login records are enumerated with gopsutil; a rescan runs whenever
// the login records file changes and on a fixed interval.
package consoleuser

import (
	"context"
	"fmt"
	"log/slog"
	"os/user"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"tools.zach/dev/inputbridge/internal/fswatch"
	"tools.zach/dev/inputbridge/internal/logger"
)

// DefaultPollInterval is used when [Options.PollInterval] is zero.
const DefaultPollInterval = 3 * time.Second

// changeBuffer bounds how many undelivered changes queue up before the
// scanner blocks. Changes are never coalesced.
const changeBuffer = 16

// ///////////////////////////////////////////////
// Types
// ///////////////////////////////////////////////

// UID is an operating-system user id. Zero means "no user".
type UID = uint32

// Change reports a new console user. Present is false when nobody is logged
// into the console, in which case UID is 0.
type Change struct {
	UID     UID
	Present bool
}

// String renders the uid or "none".
func (c Change) String() string {
	if !c.Present {
		return "none"
	}
	return strconv.FormatUint(uint64(c.UID), 10)
}

// Options configures a [Watcher].
type Options struct {
	// UtmpFile is the login records file watched for changes. Empty disables
	// file watching; the interval rescan still runs.
	UtmpFile string
	// PollInterval is the rescan interval.
	PollInterval time.Duration
	// ForcePolling skips filesystem notifications on UtmpFile.
	ForcePolling bool
	// IsConsoleTerminal selects login records on the graphical console.
	// Nil accepts every terminal.
	IsConsoleTerminal func(terminal string) bool
	// IsIgnoredUser rejects user names such as display-manager greeters.
	// Nil rejects nothing.
	IsIgnoredUser func(name string) bool
	// Logger receives diagnostics. Nil discards them.
	Logger *slog.Logger
}

// ///////////////////////////////////////////////
// Watcher
// ///////////////////////////////////////////////

// Watcher emits a [Change] each time the console user differs from the last
// one reported. The first scan after Start always reports.
type Watcher struct {
	opts Options
	log  *slog.Logger
	fw   *fswatch.Watcher

	// users and lookup are replaced in tests.
	users  func(ctx context.Context) ([]host.UserStat, error)
	lookup func(name string) (UID, error)

	changes chan Change
	rescan  chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool

	closeOnce sync.Once

	// last and reported are touched only by loop.
	last     Change
	reported bool
}

// New creates a Watcher. It does not touch the system until Start.
func New(opts Options) *Watcher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	w := &Watcher{
		opts:    opts,
		log:     log,
		users:   host.UsersWithContext,
		lookup:  lookupUID,
		changes: make(chan Change, changeBuffer),
		rescan:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if opts.UtmpFile != "" {
		w.fw = fswatch.New(fswatch.Options{
			Path:         opts.UtmpFile,
			PollInterval: opts.PollInterval,
			ForcePolling: opts.ForcePolling,
			Logger:       log,
		})
	}
	return w
}

// Start performs an initial scan in the background and begins observation.
// Calling it again is a no-op.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fswatch.ErrClosed
	}
	if w.started {
		return nil
	}
	if w.fw != nil {
		if err := w.fw.Start(); err != nil {
			return fmt.Errorf("watch login records: %w", err)
		}
	}
	w.started = true
	w.wg.Add(1)
	go w.loop()
	return nil
}

// Rescan requests an immediate scan without waiting for it.
func (w *Watcher) Rescan() {
	select {
	case w.rescan <- struct{}{}:
	default:
	}
}

// Changes delivers console-user changes in the order they were observed.
func (w *Watcher) Changes() <-chan Change {
	return w.changes
}

// Close stops observation and waits for the scanner. Nothing is sent on
// Changes after Close returns.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()

		close(w.done)
		if w.fw != nil {
			err = w.fw.Close()
		}
		w.wg.Wait()
	})
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	var fsEvents <-chan struct{}
	if w.fw != nil {
		fsEvents = w.fw.Events()
	}
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	w.scan()
	for {
		select {
		case <-w.done:
			return
		case <-fsEvents:
		case <-ticker.C:
		case <-w.rescan:
		}
		w.scan()
	}
}

// scan resolves the current console user and reports it if it changed.
// Enumeration failures keep the last known user.
func (w *Watcher) scan() {
	ctx, cancel := context.WithTimeout(context.Background(), w.opts.PollInterval)
	defer cancel()

	stats, err := w.users(ctx)
	if err != nil {
		w.log.Warn("cannot enumerate login sessions", "error", err)
		return
	}

	next := w.resolve(stats)
	if w.reported && next == w.last {
		return
	}
	w.last = next
	w.reported = true
	logger.Trace(w.log, "console user resolved", "uid", next.String())

	select {
	case w.changes <- next:
	case <-w.done:
	}
}

// resolve picks the console user among login records: the most recently
// started session on a console terminal whose user is not ignored and can be
// mapped to a uid. Ties break by user name.
func (w *Watcher) resolve(stats []host.UserStat) Change {
	candidates := make([]host.UserStat, 0, len(stats))
	for _, s := range stats {
		if s.User == "" {
			continue
		}
		if w.opts.IsConsoleTerminal != nil && !w.opts.IsConsoleTerminal(s.Terminal) {
			continue
		}
		if w.opts.IsIgnoredUser != nil && w.opts.IsIgnoredUser(s.User) {
			continue
		}
		candidates = append(candidates, s)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Started != candidates[j].Started {
			return candidates[i].Started > candidates[j].Started
		}
		return candidates[i].User < candidates[j].User
	})

	for _, s := range candidates {
		uid, err := w.lookup(s.User)
		if err != nil {
			w.log.Debug("skipping login record", "user", s.User, "terminal", s.Terminal, "error", err)
			continue
		}
		return Change{UID: uid, Present: true}
	}
	return Change{}
}

// lookupUID maps a user name to its numeric uid.
func lookupUID(name string) (UID, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("user %s has non-numeric uid %q", name, u.Uid)
	}
	return UID(id), nil
}
