// Package status maintains the daemon's status document: a small JSON file
// other tools read to see which console user the service is bound to, how
// many clients are connected and whether input capture is available.
//
// The [Writer] is owned by the daemon's main function. Everything else holds a
// [Handle], a non-owning reference that stops resolving once the owner calls
// [Handle.Release]. Users must check liveness on every use and skip silently
// when the writer is gone.
package status

import (
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"tools.zach/dev/inputbridge/internal/atomicfile"
	"tools.zach/dev/inputbridge/internal/logger"
	"tools.zach/dev/inputbridge/internal/migrate"
)

// ///////////////////////////////////////////////
// Document
// ///////////////////////////////////////////////

// Document is the on-disk status schema.
type Document struct {
	// Version is the schema version of this document.
	Version int `json:"version"`
	// Build is the running daemon build.
	Build string `json:"build"`
	// PID is the daemon's process id.
	PID int `json:"pid"`
	// ConsoleUserID is the identity the active receiver is bound to; 0 when
	// no console user is logged in.
	ConsoleUserID uint32 `json:"console_user_id"`
	// ReceiverClients counts currently connected receiver clients.
	ReceiverClients int `json:"receiver_clients"`
	// CaptureAvailable reports whether input devices are present.
	CaptureAvailable bool `json:"capture_available"`
	// Reports holds the latest key/value reports sent by clients.
	Reports map[string]string `json:"reports,omitempty"`
	// UpdatedAt is the time of the last write.
	UpdatedAt time.Time `json:"updated_at"`
}

// ///////////////////////////////////////////////
// Writer
// ///////////////////////////////////////////////

// Writer owns the status document and persists every change atomically.
type Writer struct {
	path string
	log  *slog.Logger
	now  func() time.Time

	mu  sync.Mutex
	doc Document
}

// NewWriter creates a Writer for path. Nothing is written until the first
// change or [Writer.Flush].
func NewWriter(path, build string, pid int, log *slog.Logger) *Writer {
	if log == nil {
		log = logger.Discard()
	}
	return &Writer{
		path: path,
		log:  log,
		now:  time.Now,
		doc: Document{
			Version: migrate.Status.CurrentVersion,
			Build:   build,
			PID:     pid,
		},
	}
}

// SetConsoleUser records the identity the active receiver is bound to and
// drops reports that belonged to the previous user.
func (w *Writer) SetConsoleUser(uid uint32) error {
	return w.update(func(d *Document) {
		if d.ConsoleUserID != uid {
			d.Reports = nil
		}
		d.ConsoleUserID = uid
	})
}

// AddClients adjusts the connected-client count by delta, never below zero.
func (w *Writer) AddClients(delta int) error {
	return w.update(func(d *Document) {
		d.ReceiverClients = max(0, d.ReceiverClients+delta)
	})
}

// SetCaptureAvailable records input-capture availability.
func (w *Writer) SetCaptureAvailable(available bool) error {
	return w.update(func(d *Document) {
		d.CaptureAvailable = available
	})
}

// Report stores a client-supplied key/value pair.
func (w *Writer) Report(key, value string) error {
	if key == "" {
		return fmt.Errorf("report: empty key")
	}
	return w.update(func(d *Document) {
		if d.Reports == nil {
			d.Reports = make(map[string]string)
		}
		d.Reports[key] = value
	})
}

// Flush writes the current document without changing it.
func (w *Writer) Flush() error {
	return w.update(func(*Document) {})
}

// Snapshot returns a copy of the current document.
func (w *Writer) Snapshot() Document {
	w.mu.Lock()
	defer w.mu.Unlock()
	d := w.doc
	d.Reports = maps.Clone(w.doc.Reports)
	return d
}

// Path returns the document location.
func (w *Writer) Path() string {
	return w.path
}

// update applies fn and persists the result.
func (w *Writer) update(fn func(*Document)) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	fn(&w.doc)
	w.doc.UpdatedAt = w.now().UTC()
	if err := atomicfile.WriteJSON(w.path, w.doc, 0o644); err != nil {
		w.log.Warn("failed to write status document", "path", w.path, "error", err)
		return fmt.Errorf("write status: %w", err)
	}
	return nil
}

// ///////////////////////////////////////////////
// Handle
// ///////////////////////////////////////////////

// Handle is a non-owning, possibly expired reference to a [Writer]. A nil
// *Handle behaves like an expired one.
type Handle struct {
	p atomic.Pointer[Writer]
}

// NewHandle returns a live Handle to w.
func NewHandle(w *Writer) *Handle {
	h := &Handle{}
	h.p.Store(w)
	return h
}

// Writer resolves the handle. ok is false once the handle was released.
func (h *Handle) Writer() (w *Writer, ok bool) {
	if h == nil {
		return nil, false
	}
	w = h.p.Load()
	return w, w != nil
}

// Do calls fn with the writer if the handle is still live and reports
// whether it did.
func (h *Handle) Do(fn func(*Writer)) bool {
	w, ok := h.Writer()
	if !ok {
		return false
	}
	fn(w)
	return true
}

// Release expires the handle. Holders resolve nothing afterwards.
func (h *Handle) Release() {
	if h != nil {
		h.p.Store(nil)
	}
}
