// Package supervisor owns the lifecycle of inputbridged's long-lived
// components: the version marker watcher, the console-user watcher, the
// capture availability watcher and the per-user receiver.
//
// All supervisor state is mutated on a private [dispatch.Queue]. Watcher
// notifications are forwarded into that queue by one goroutine per watcher,
// so notifications from one watcher keep their order and never overlap with a
// reconfiguration or with teardown.
package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"tools.zach/dev/inputbridge/internal/consoleuser"
	"tools.zach/dev/inputbridge/internal/dispatch"
	"tools.zach/dev/inputbridge/internal/killswitch"
	"tools.zach/dev/inputbridge/internal/logger"
	"tools.zach/dev/inputbridge/internal/metrics"
	"tools.zach/dev/inputbridge/internal/status"
)

var (
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("supervisor already started")
	// ErrStopped is returned by Start after Shutdown.
	ErrStopped = errors.New("supervisor stopped")
)

// ///////////////////////////////////////////////
// Collaborators
// ///////////////////////////////////////////////

// VersionWatcher reports when the installed build differs from the running one.
type VersionWatcher interface {
	Start() error
	// ManualCheck requests an immediate comparison without blocking.
	ManualCheck()
	Changes() <-chan string
	Close() error
}

// SessionWatcher reports console-user changes.
type SessionWatcher interface {
	Start() error
	Changes() <-chan consoleuser.Change
	Close() error
}

// CaptureWatcher observes input-capture availability.
type CaptureWatcher interface {
	Start() error
	Available() bool
	Close() error
}

// Receiver is a per-user IPC endpoint.
type Receiver interface {
	UID() uint32
	Close() error
}

// ReceiverFactory builds a Receiver bound to uid. The status handle is
// passed through unchanged and may already be released.
type ReceiverFactory func(uid uint32, h *status.Handle) (Receiver, error)

// Options wires a Supervisor.
type Options struct {
	// Status is handed to every receiver. It may be nil or released.
	Status *status.Handle
	// KillSwitch resolves the process kill switch. Nil uses killswitch.Current.
	KillSwitch killswitch.Lookup
	// Version, Session and NewReceiver are required.
	Version     VersionWatcher
	Session     SessionWatcher
	Capture     CaptureWatcher
	NewReceiver ReceiverFactory
	// Logger receives supervisor messages. Nil discards them.
	Logger *slog.Logger
	// Metrics may be nil.
	Metrics *metrics.Metrics
}

// ///////////////////////////////////////////////
// State
// ///////////////////////////////////////////////

// State is the supervisor lifecycle stage.
type State int

const (
	StateCreated State = iota
	StateStarted
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ///////////////////////////////////////////////
// Supervisor
// ///////////////////////////////////////////////

// Supervisor starts, reconfigures and tears down the daemon's components.
type Supervisor struct {
	status      *status.Handle
	killSwitch  killswitch.Lookup
	version     VersionWatcher
	session     SessionWatcher
	capture     CaptureWatcher
	newReceiver ReceiverFactory
	log         *slog.Logger
	metrics     *metrics.Metrics

	queue *dispatch.Queue

	// stop severs the watcher subscriptions.
	stop       chan struct{}
	forwarders sync.WaitGroup

	// mu guards state.
	mu    sync.Mutex
	state State

	// receiver is touched only from queue units.
	receiver Receiver
}

// New wires a Supervisor. It performs no I/O and starts nothing.
func New(opts Options) (*Supervisor, error) {
	switch {
	case opts.Version == nil:
		return nil, errors.New("supervisor: version watcher is required")
	case opts.Session == nil:
		return nil, errors.New("supervisor: session watcher is required")
	case opts.NewReceiver == nil:
		return nil, errors.New("supervisor: receiver factory is required")
	}

	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	lookup := opts.KillSwitch
	if lookup == nil {
		lookup = killswitch.Current
	}

	return &Supervisor{
		status:      opts.Status,
		killSwitch:  lookup,
		version:     opts.Version,
		session:     opts.Session,
		capture:     opts.Capture,
		newReceiver: opts.NewReceiver,
		log:         log,
		metrics:     opts.Metrics,
		queue:       dispatch.New(log),
		stop:        make(chan struct{}),
	}, nil
}

// State returns the lifecycle stage.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start subscribes to the watchers and enqueues the start sequence: start the
// version watcher, bind a receiver to uid 0, start the session watcher, then
// the capture watcher. It returns without waiting. Only the first call has
// an effect.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateStarted:
		s.log.Warn("ignoring repeated start")
		return ErrAlreadyStarted
	case StateStopped:
		s.log.Warn("ignoring start after shutdown")
		return ErrStopped
	}
	s.state = StateStarted

	s.forwarders.Add(2)
	go s.forwardVersion()
	go s.forwardSession()

	s.queue.Enqueue(func() {
		if err := s.version.Start(); err != nil {
			s.log.Error("version watcher failed to start", "error", err)
		}
		s.reconfigure(0)
		if err := s.session.Start(); err != nil {
			s.log.Error("session watcher failed to start", "error", err)
		}
		if s.capture != nil {
			if err := s.capture.Start(); err != nil {
				s.log.Error("capture watcher failed to start", "error", err)
			}
		}
	})
	return nil
}

// Shutdown severs the watcher subscriptions, lets every unit already queued
// finish, then releases the receiver, the session watcher, the version
// watcher and the capture watcher, in that order. No notification reaches
// the supervisor after Shutdown returns. Later calls wait for the first.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		s.queue.Detach(nil)
		return
	}
	s.state = StateStopped
	s.mu.Unlock()

	close(s.stop)
	s.forwarders.Wait()
	s.dropPending()

	s.queue.Detach(s.teardown)
	s.log.Info("supervisor stopped")
}

// CurrentUID reports the uid the active receiver is bound to. ok is false
// when no receiver is active or the supervisor has stopped.
func (s *Supervisor) CurrentUID() (uid uint32, ok bool) {
	s.queue.Sync(func() {
		if s.receiver != nil {
			uid, ok = s.receiver.UID(), true
		}
	})
	return uid, ok
}

// ///////////////////////////////////////////////
// Notification Forwarding
// ///////////////////////////////////////////////

// forwardVersion moves marker changes onto the queue until stop. The queue is
// detached only after every forwarder has returned, so Enqueue always succeeds.
func (s *Supervisor) forwardVersion() {
	defer s.forwarders.Done()
	for {
		select {
		case <-s.stop:
			return
		case marker := <-s.version.Changes():
			s.queue.Enqueue(func() { s.onVersionChanged(marker) })
		}
	}
}

func (s *Supervisor) forwardSession() {
	defer s.forwarders.Done()
	for {
		select {
		case <-s.stop:
			return
		case change := <-s.session.Changes():
			s.queue.Enqueue(func() { s.onUserChanged(change) })
		}
	}
}

// dropPending counts notifications still buffered once the forwarders have
// stopped. They are never delivered.
func (s *Supervisor) dropPending() {
	for {
		select {
		case _, ok := <-s.version.Changes():
			if !ok {
				return
			}
			s.metrics.NotificationDropped("version")
			s.log.Debug("dropped version notification during shutdown")
		case change, ok := <-s.session.Changes():
			if !ok {
				return
			}
			s.metrics.NotificationDropped("session")
			s.log.Debug("dropped console user notification during shutdown", "change", change.String())
		default:
			return
		}
	}
}

// ///////////////////////////////////////////////
// Handlers (queue only)
// ///////////////////////////////////////////////

// onVersionChanged asks the kill switch, if any, to terminate the process.
func (s *Supervisor) onVersionChanged(marker string) {
	ks := s.killSwitch()
	if ks == nil {
		s.log.Debug("version changed but no kill switch is installed", "marker", marker)
		return
	}
	s.metrics.TerminationRequested()
	ks.RequestTermination(fmt.Sprintf("version marker changed to %q", marker))
}

// onUserChanged rebinds the receiver to the new console user, or to uid 0
// when nobody is logged in.
func (s *Supervisor) onUserChanged(change consoleuser.Change) {
	var uid uint32
	if change.Present {
		uid = change.UID
		s.log.Info("current console user", "uid", uid)
	} else {
		s.log.Info("current console user", "uid", "none")
	}
	s.reconfigure(uid)
}

// reconfigure re-checks the version marker, releases the current receiver
// and builds one for uid. A construction failure leaves the slot empty.
func (s *Supervisor) reconfigure(uid uint32) {
	s.version.ManualCheck()

	if s.receiver != nil {
		old := s.receiver
		s.receiver = nil
		if err := old.Close(); err != nil {
			s.log.Warn("failed to close receiver", "uid", old.UID(), "error", err)
		}
		s.metrics.ReceiverReleased()
	}

	r, err := s.newReceiver(uid, s.status)
	if err != nil {
		s.log.Error("failed to start receiver", "uid", uid, "error", err)
		s.metrics.ReceiverFailed()
		return
	}
	s.receiver = r
	s.metrics.ReceiverBound(uid)
	logger.Trace(s.log, "receiver bound", "uid", uid)
}

// teardown releases owned components in order. It runs as the final unit.
// A failing or panicking step does not stop the ones after it.
func (s *Supervisor) teardown() {
	if r := s.receiver; r != nil {
		s.receiver = nil
		s.release("receiver", r.Close)
		s.metrics.ReceiverReleased()
	}
	s.release("session watcher", s.session.Close)
	s.release("version watcher", s.version.Close)
	if s.capture != nil {
		s.release("capture watcher", s.capture.Close)
	}
}

// release runs one teardown step, logging its error or panic.
func (s *Supervisor) release(name string, closeFn func() error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic while closing "+name, "panic", fmt.Sprint(r))
		}
	}()
	if err := closeFn(); err != nil {
		s.log.Warn("failed to close "+name, "error", err)
	}
}
