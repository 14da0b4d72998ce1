// Package killswitch holds the process-wide capability to request termination
// of the daemon. The daemon's main loop owns the [KillSwitch] and watches
// [KillSwitch.Done]; everything else reaches it through a [Lookup] and treats
// a nil result as "nothing to do".
package killswitch

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"tools.zach/dev/inputbridge/internal/logger"
)

// Lookup returns the installed KillSwitch, or nil when none is available.
type Lookup func() *KillSwitch

// KillSwitch requests asynchronous process termination. Only the first
// request has an effect; termination is irreversible.
type KillSwitch struct {
	log *slog.Logger

	once   sync.Once
	done   chan struct{}
	reason atomic.Value
	calls  atomic.Int64
}

// New creates an armed KillSwitch.
func New(log *slog.Logger) *KillSwitch {
	if log == nil {
		log = logger.Discard()
	}
	return &KillSwitch{log: log, done: make(chan struct{})}
}

// RequestTermination asks the owner to terminate the process. It never
// blocks. Calls after the first are counted and otherwise ignored.
func (k *KillSwitch) RequestTermination(reason string) {
	k.calls.Add(1)
	k.once.Do(func() {
		k.reason.Store(reason)
		k.log.Warn("termination requested", "reason", reason)
		close(k.done)
	})
}

// Done is closed by the first [KillSwitch.RequestTermination].
func (k *KillSwitch) Done() <-chan struct{} {
	return k.done
}

// Reason returns the reason passed to the first request, or "".
func (k *KillSwitch) Reason() string {
	r, _ := k.reason.Load().(string)
	return r
}

// Requests returns how many times termination was requested.
func (k *KillSwitch) Requests() int64 {
	return k.calls.Load()
}

// ///////////////////////////////////////////////
// Process-wide Slot
// ///////////////////////////////////////////////

var current atomic.Pointer[KillSwitch]

// Install makes k the process-wide KillSwitch.
func Install(k *KillSwitch) {
	current.Store(k)
}

// Uninstall clears the process-wide slot if it still holds k.
func Uninstall(k *KillSwitch) {
	current.CompareAndSwap(k, nil)
}

// Current is the default [Lookup]: the installed KillSwitch or nil.
func Current() *KillSwitch {
	return current.Load()
}
