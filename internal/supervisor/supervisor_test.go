package supervisor

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tools.zach/dev/inputbridge/internal/consoleuser"
	"tools.zach/dev/inputbridge/internal/killswitch"
	"tools.zach/dev/inputbridge/internal/metrics"
	"tools.zach/dev/inputbridge/internal/status"
)

// ///////////////////////////////////////////////
// Fakes
// ///////////////////////////////////////////////

// recorder collects lifecycle events from every fake in order.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

func (r *recorder) count(event string) int {
	n := 0
	for _, e := range r.all() {
		if e == event {
			n++
		}
	}
	return n
}

// index returns the position of the first occurrence of event, or -1.
func (r *recorder) index(event string) int {
	return slices.Index(r.all(), event)
}

type fakeVersion struct {
	rec     *recorder
	changes chan string
}

func (f *fakeVersion) Start() error           { f.rec.add("version.start"); return nil }
func (f *fakeVersion) ManualCheck()           { f.rec.add("version.check") }
func (f *fakeVersion) Changes() <-chan string { return f.changes }
func (f *fakeVersion) Close() error           { f.rec.add("version.close"); return nil }

type fakeSession struct {
	rec     *recorder
	changes chan consoleuser.Change
}

func (f *fakeSession) Start() error                       { f.rec.add("session.start"); return nil }
func (f *fakeSession) Changes() <-chan consoleuser.Change { return f.changes }
func (f *fakeSession) Close() error                       { f.rec.add("session.close"); return nil }

type fakeCapture struct {
	rec *recorder
}

func (f *fakeCapture) Start() error    { f.rec.add("capture.start"); return nil }
func (f *fakeCapture) Available() bool { return true }
func (f *fakeCapture) Close() error    { f.rec.add("capture.close"); return nil }

type fakeReceiver struct {
	f   *fakeFactory
	uid uint32
}

func (r *fakeReceiver) UID() uint32 { return r.uid }

func (r *fakeReceiver) Close() error {
	r.f.mu.Lock()
	if r.f.panicClose {
		r.f.mu.Unlock()
		panic("receiver close failed")
	}
	r.f.live--
	r.f.mu.Unlock()
	r.f.rec.add("close:%d", r.uid)
	return nil
}

// fakeFactory builds fakeReceivers and tracks how many are alive at once.
type fakeFactory struct {
	rec *recorder

	mu      sync.Mutex
	live    int
	maxLive int
	fail    map[uint32]bool
	handles []*status.Handle
	// block, when set for a uid, is waited on before the receiver is built.
	block   map[uint32]chan struct{}
	entered chan uint32
	// panicClose makes every receiver's Close panic.
	panicClose bool
}

func (f *fakeFactory) build(uid uint32, h *status.Handle) (Receiver, error) {
	f.mu.Lock()
	gate := f.block[uid]
	f.mu.Unlock()
	if gate != nil {
		f.entered <- uid
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.handles = append(f.handles, h)
	if f.fail[uid] {
		f.rec.add("fail:%d", uid)
		return nil, errors.New("address in use")
	}
	f.live++
	f.maxLive = max(f.maxLive, f.live)
	f.rec.add("new:%d", uid)
	return &fakeReceiver{f: f, uid: uid}, nil
}

func (f *fakeFactory) liveCount() (live, maxLive int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live, f.maxLive
}

type harness struct {
	sup     *Supervisor
	rec     *recorder
	version *fakeVersion
	session *fakeSession
	factory *fakeFactory
	metrics *metrics.Metrics
	handle  *status.Handle
	ks      *killswitch.KillSwitch
}

type harnessOption func(*Options, *harness)

func withoutKillSwitch() harnessOption {
	return func(o *Options, _ *harness) {
		o.KillSwitch = func() *killswitch.KillSwitch { return nil }
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	rec := &recorder{}
	w := status.NewWriter(filepath.Join(t.TempDir(), "status.json"), "test", 1, nil)
	h := &harness{
		rec:     rec,
		version: &fakeVersion{rec: rec, changes: make(chan string, 4)},
		session: &fakeSession{rec: rec, changes: make(chan consoleuser.Change, 16)},
		factory: &fakeFactory{
			rec:     rec,
			fail:    map[uint32]bool{},
			block:   map[uint32]chan struct{}{},
			entered: make(chan uint32, 1),
		},
		metrics: metrics.New(),
		handle:  status.NewHandle(w),
		ks:      killswitch.New(nil),
	}

	o := Options{
		Status:      h.handle,
		KillSwitch:  func() *killswitch.KillSwitch { return h.ks },
		Version:     h.version,
		Session:     h.session,
		Capture:     &fakeCapture{rec: rec},
		NewReceiver: h.factory.build,
		Metrics:     h.metrics,
	}
	for _, opt := range opts {
		opt(&o, h)
	}

	sup, err := New(o)
	require.NoError(t, err)
	h.sup = sup
	t.Cleanup(sup.Shutdown)
	return h
}

// started starts the supervisor and waits for the start sequence.
func (h *harness) started(t *testing.T) {
	t.Helper()
	require.NoError(t, h.sup.Start())
	h.waitUID(t, 0)
}

// waitUID waits until the active receiver is bound to uid.
func (h *harness) waitUID(t *testing.T, uid uint32) {
	t.Helper()
	require.Eventually(t, func() bool {
		got, ok := h.sup.CurrentUID()
		return ok && got == uid
	}, 2*time.Second, 5*time.Millisecond, "receiver never bound to uid %d", uid)
}

// metricValue reads the single sample of an unlabeled metric.
func metricValue(t *testing.T, m *metrics.Metrics, name string) float64 {
	t.Helper()
	families, err := m.Gatherer().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		sample := mf.GetMetric()[0]
		if c := sample.GetCounter(); c != nil {
			return c.GetValue()
		}
		return sample.GetGauge().GetValue()
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

// droppedNotifications reads dropped_notifications_total for watcher.
func droppedNotifications(t *testing.T, m *metrics.Metrics, watcher string) float64 {
	t.Helper()
	families, err := m.Gatherer().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "inputbridge_dropped_notifications_total" {
			continue
		}
		for _, sample := range mf.GetMetric() {
			for _, lp := range sample.GetLabel() {
				if lp.GetName() == "watcher" && lp.GetValue() == watcher {
					return sample.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func (h *harness) user(uid uint32) {
	h.session.changes <- consoleuser.Change{UID: uid, Present: true}
}

func (h *harness) noUser() {
	h.session.changes <- consoleuser.Change{}
}

// ///////////////////////////////////////////////
// Construction
// ///////////////////////////////////////////////

func TestNewRequiresCollaborators(t *testing.T) {
	rec := &recorder{}
	v := &fakeVersion{rec: rec, changes: make(chan string)}
	s := &fakeSession{rec: rec, changes: make(chan consoleuser.Change)}
	f := (&fakeFactory{rec: rec}).build

	tests := []struct {
		name string
		opts Options
	}{
		{"no version watcher", Options{Session: s, NewReceiver: f}},
		{"no session watcher", Options{Version: v, NewReceiver: f}},
		{"no receiver factory", Options{Version: v, Session: s}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts)
			assert.Error(t, err)
		})
	}
}

func TestNewDoesNothing(t *testing.T) {
	h := newHarness(t)
	assert.Empty(t, h.rec.all())
	assert.Equal(t, StateCreated, h.sup.State())
}

// ///////////////////////////////////////////////
// Start
// ///////////////////////////////////////////////

func TestStartBindsRootReceiver(t *testing.T) {
	h := newHarness(t)
	h.started(t)

	require.Eventually(t, func() bool { return h.rec.index("capture.start") >= 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{
		"version.start",
		"version.check",
		"new:0",
		"session.start",
		"capture.start",
	}, h.rec.all())
	assert.Equal(t, StateStarted, h.sup.State())

	live, _ := h.factory.liveCount()
	assert.Equal(t, 1, live)
	assert.Equal(t, float64(0), metricValue(t, h.metrics, "inputbridge_receiver_bound_uid"))
}

func TestStartTwiceIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.started(t)

	assert.ErrorIs(t, h.sup.Start(), ErrAlreadyStarted)
	h.sup.CurrentUID()
	assert.Equal(t, 1, h.rec.count("version.start"))
	assert.Equal(t, 1, h.rec.count("new:0"))
}

func TestStartAfterShutdown(t *testing.T) {
	h := newHarness(t)
	h.sup.Shutdown()
	assert.ErrorIs(t, h.sup.Start(), ErrStopped)
	assert.Equal(t, StateStopped, h.sup.State())
}

// ///////////////////////////////////////////////
// Console User Changes
// ///////////////////////////////////////////////

func TestUserChangeReplacesReceiver(t *testing.T) {
	h := newHarness(t)
	h.started(t)

	h.user(501)
	h.waitUID(t, 501)

	events := h.rec.all()
	closeRoot := slices.Index(events, "close:0")
	newUser := slices.Index(events, "new:501")
	require.NotEqual(t, -1, closeRoot)
	require.NotEqual(t, -1, newUser)
	assert.Less(t, closeRoot, newUser, "old receiver must be released before the new one is built")
	assert.Equal(t, "version.check", events[closeRoot-1], "every reconfiguration re-checks the version marker")
}

func TestUserSequenceKeepsOneReceiver(t *testing.T) {
	h := newHarness(t)
	h.started(t)

	h.user(501)
	h.user(502)
	h.noUser()
	h.waitUID(t, 0)

	live, maxLive := h.factory.liveCount()
	assert.Equal(t, 1, live)
	assert.Equal(t, 1, maxLive, "two receivers were alive at once")
	assert.Equal(t, 2, h.rec.count("new:0"))
	assert.Equal(t, 1, h.rec.count("new:501"))
	assert.Equal(t, 1, h.rec.count("new:502"))
}

func TestSameUserStillReconfigures(t *testing.T) {
	h := newHarness(t)
	h.started(t)

	h.user(42)
	h.user(42)
	require.Eventually(t, func() bool { return h.rec.count("new:42") == 2 }, 2*time.Second, 5*time.Millisecond)
	h.waitUID(t, 42)

	var cycle []string
	for _, e := range h.rec.all() {
		if strings.HasSuffix(e, ":42") {
			cycle = append(cycle, e)
		}
	}
	assert.Equal(t, []string{"new:42", "close:42", "new:42"}, cycle)
}

func TestReceiverFailureLeavesSlotEmpty(t *testing.T) {
	h := newHarness(t)
	h.factory.fail[13] = true
	h.started(t)

	h.user(13)
	require.Eventually(t, func() bool { return h.rec.count("fail:13") == 1 }, 2*time.Second, 5*time.Millisecond)

	_, ok := h.sup.CurrentUID()
	assert.False(t, ok, "failed construction must leave no receiver")
	assert.Equal(t, 1, h.rec.count("close:0"), "old receiver is released before the attempt")
	assert.Equal(t, float64(1), metricValue(t, h.metrics, "inputbridge_receiver_failures_total"))
	assert.Equal(t, float64(-1), metricValue(t, h.metrics, "inputbridge_receiver_bound_uid"))

	h.user(14)
	h.waitUID(t, 14)
}

func TestStatusHandlePassedThrough(t *testing.T) {
	h := newHarness(t)
	h.started(t)
	h.handle.Release()

	h.user(501)
	h.waitUID(t, 501)

	h.factory.mu.Lock()
	defer h.factory.mu.Unlock()
	require.Len(t, h.factory.handles, 2)
	for _, got := range h.factory.handles {
		assert.Same(t, h.handle, got)
	}
}

// ///////////////////////////////////////////////
// Version Changes
// ///////////////////////////////////////////////

func TestVersionChangeRequestsTermination(t *testing.T) {
	h := newHarness(t)
	h.started(t)

	h.version.changes <- "2.0.0"
	select {
	case <-h.ks.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("kill switch was not triggered")
	}

	assert.Equal(t, int64(1), h.ks.Requests())
	assert.Contains(t, h.ks.Reason(), "2.0.0")
	assert.Equal(t, float64(1), metricValue(t, h.metrics, "inputbridge_termination_requests_total"))

	// Termination is the kill switch's job; the receiver stays up.
	uid, ok := h.sup.CurrentUID()
	assert.True(t, ok)
	assert.Equal(t, uint32(0), uid)
}

func TestVersionChangeWithoutKillSwitch(t *testing.T) {
	h := newHarness(t, withoutKillSwitch())
	h.started(t)

	h.version.changes <- "2.0.0"
	require.Eventually(t, func() bool { return len(h.version.changes) == 0 }, 2*time.Second, 5*time.Millisecond)

	uid, ok := h.sup.CurrentUID()
	assert.True(t, ok)
	assert.Equal(t, uint32(0), uid)
	assert.Equal(t, int64(0), h.ks.Requests())
	assert.Equal(t, float64(0), metricValue(t, h.metrics, "inputbridge_termination_requests_total"))
}

func TestDefaultKillSwitchLookup(t *testing.T) {
	ks := killswitch.New(nil)
	killswitch.Install(ks)
	t.Cleanup(func() { killswitch.Uninstall(ks) })

	h := newHarness(t, func(o *Options, _ *harness) { o.KillSwitch = nil })
	h.started(t)

	h.version.changes <- "9.9.9"
	select {
	case <-ks.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("installed kill switch was not used")
	}
}

// ///////////////////////////////////////////////
// Shutdown
// ///////////////////////////////////////////////

func TestShutdownOrder(t *testing.T) {
	h := newHarness(t)
	h.started(t)
	h.user(501)
	h.waitUID(t, 501)

	h.sup.Shutdown()

	events := h.rec.all()
	tail := events[len(events)-4:]
	assert.Equal(t, []string{"close:501", "session.close", "version.close", "capture.close"}, tail)
	assert.Equal(t, StateStopped, h.sup.State())

	live, _ := h.factory.liveCount()
	assert.Zero(t, live)
}

func TestShutdownIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.started(t)

	h.sup.Shutdown()
	h.sup.Shutdown()

	assert.Equal(t, 1, h.rec.count("session.close"))
	assert.Equal(t, 1, h.rec.count("version.close"))
	assert.Equal(t, 1, h.rec.count("close:0"))
}

func TestShutdownWithoutStart(t *testing.T) {
	h := newHarness(t)
	h.sup.Shutdown()

	assert.Equal(t, []string{"session.close", "version.close", "capture.close"}, h.rec.all())
}

func TestNoNotificationsAfterShutdown(t *testing.T) {
	h := newHarness(t)
	h.started(t)
	h.sup.Shutdown()
	before := h.rec.all()

	h.user(777)
	h.version.changes <- "2.0.0"
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, before, h.rec.all())
	assert.Zero(t, h.ks.Requests())
	_, ok := h.sup.CurrentUID()
	assert.False(t, ok)
}

func TestShutdownWaitsForQueuedWork(t *testing.T) {
	h := newHarness(t)
	h.started(t)

	gate := make(chan struct{})
	h.factory.mu.Lock()
	h.factory.block[501] = gate
	h.factory.mu.Unlock()

	h.user(501)
	select {
	case <-h.factory.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("reconfiguration never started")
	}

	done := make(chan struct{})
	go func() {
		h.sup.Shutdown()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Shutdown returned while a reconfiguration was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not finish")
	}

	events := h.rec.all()
	built := slices.Index(events, "new:501")
	released := slices.Index(events, "close:501")
	sessionClosed := slices.Index(events, "session.close")
	require.NotEqual(t, -1, built)
	assert.Less(t, built, released)
	assert.Less(t, released, sessionClosed)
}

func TestShutdownRunsReconfigurationQueuedBehindBusyOne(t *testing.T) {
	h := newHarness(t)
	h.started(t)

	gate := make(chan struct{})
	h.factory.mu.Lock()
	h.factory.block[501] = gate
	h.factory.mu.Unlock()

	h.user(501)
	select {
	case <-h.factory.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("reconfiguration never started")
	}

	// 502 waits in the queue behind the blocked 501 unit.
	h.user(502)
	require.Eventually(t, func() bool { return len(h.session.changes) == 0 }, 2*time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		h.sup.Shutdown()
		close(done)
	}()
	close(gate)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not finish")
	}

	var order []string
	for _, e := range h.rec.all() {
		switch e {
		case "new:501", "close:501", "new:502", "close:502", "session.close":
			order = append(order, e)
		}
	}
	assert.Equal(t, []string{"new:501", "close:501", "new:502", "close:502", "session.close"}, order)
	assert.Zero(t, droppedNotifications(t, h.metrics, "session"))

	live, maxLive := h.factory.liveCount()
	assert.Zero(t, live)
	assert.Equal(t, 1, maxLive)
}

func TestShutdownCountsUndeliveredNotifications(t *testing.T) {
	h := newHarness(t)

	// Never started: nothing forwards these.
	h.user(7)
	h.noUser()
	h.version.changes <- "2.0.0"

	h.sup.Shutdown()

	assert.Equal(t, float64(2), droppedNotifications(t, h.metrics, "session"))
	assert.Equal(t, float64(1), droppedNotifications(t, h.metrics, "version"))
	assert.Zero(t, h.ks.Requests())
	for _, e := range h.rec.all() {
		assert.False(t, strings.HasPrefix(e, "new:"), "receiver built after shutdown: %s", e)
	}
	assert.Empty(t, h.session.changes)
}

func TestShutdownSurvivesPanickingReceiverClose(t *testing.T) {
	h := newHarness(t)
	h.started(t)

	h.factory.mu.Lock()
	h.factory.panicClose = true
	h.factory.mu.Unlock()

	h.sup.Shutdown()

	for _, e := range []string{"session.close", "version.close", "capture.close"} {
		assert.Equal(t, 1, h.rec.count(e), "%s after a panicking receiver close", e)
	}
	assert.Equal(t, float64(-1), metricValue(t, h.metrics, "inputbridge_receiver_bound_uid"))
	_, ok := h.sup.CurrentUID()
	assert.False(t, ok)
}
