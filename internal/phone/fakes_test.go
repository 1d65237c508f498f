package phone

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	when    time.Time
	f       func()
	fired   bool
	stopped bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, when: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves the clock forward, firing due timers in order. Timer
// functions run without the clock lock held.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.fired || t.stopped || t.when.After(target) {
				continue
			}
			if next == nil || t.when.Before(next.when) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.fired = true
		c.now = next.when
		f := next.f
		c.mu.Unlock()
		f()
	}
}

// pending returns the number of timers that are armed.
func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.fired && !t.stopped {
			n++
		}
	}
	return n
}

type fakeMedia struct {
	mu          sync.Mutex
	started     bool
	stopped     bool
	sendEnabled bool
}

func (m *fakeMedia) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = true
	m.sendEnabled = true
	return nil
}

func (m *fakeMedia) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
}

func (m *fakeMedia) SetSendEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendEnabled = enabled
}

func (m *fakeMedia) sending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sendEnabled
}

func (m *fakeMedia) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

type fakeCall struct {
	id   string
	peer string

	media  *fakeMedia
	dialCh chan error

	mu        sync.Mutex
	acceptErr error
	referErr  error
	accepts   int
	rejects   []RejectReason
	hangups   int
	refers    []string
	replaces  []Call
	cancelled bool
}

func newFakeCall(id, peer string) *fakeCall {
	return &fakeCall{
		id:     id,
		peer:   peer,
		media:  &fakeMedia{},
		dialCh: make(chan error, 1),
	}
}

func (c *fakeCall) ID() string   { return c.id }
func (c *fakeCall) Peer() string { return c.peer }

func (c *fakeCall) Dial(ctx context.Context) error {
	select {
	case err := <-c.dialCh:
		return err
	case <-ctx.Done():
		c.mu.Lock()
		c.cancelled = true
		c.mu.Unlock()
		return ctx.Err()
	}
}

// answer completes a pending Dial with err.
func (c *fakeCall) answer(err error) {
	c.dialCh <- err
}

func (c *fakeCall) Accept(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accepts++
	return c.acceptErr
}

func (c *fakeCall) Reject(_ context.Context, reason RejectReason) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejects = append(c.rejects, reason)
	return nil
}

func (c *fakeCall) Hangup(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hangups++
	return nil
}

func (c *fakeCall) Refer(_ context.Context, target string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refers = append(c.refers, target)
	return c.referErr
}

func (c *fakeCall) ReferReplaces(_ context.Context, consult Call) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replaces = append(c.replaces, consult)
	return c.referErr
}

func (c *fakeCall) Media() MediaStream { return c.media }

func (c *fakeCall) rejectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rejects)
}

func (c *fakeCall) lastReject() RejectReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rejects[len(c.rejects)-1]
}

func (c *fakeCall) hangupCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hangups
}

func (c *fakeCall) wasCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

type fakeTransport struct {
	mu          sync.Mutex
	registerErr error
	newCallErr  error
	listener    Listener
	calls       []*fakeCall
	closed      bool
}

func (t *fakeTransport) Register(_ context.Context, _ Credentials, l Listener) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listener = l
	return t.registerErr
}

func (t *fakeTransport) NewCall(target string) (Call, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.newCallErr != nil {
		return nil, t.newCallErr
	}
	c := newFakeCall(fmt.Sprintf("out-%d", len(t.calls)+1), target)
	t.calls = append(t.calls, c)
	return c, nil
}

func (t *fakeTransport) Close(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) lastCall() *fakeCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.calls) == 0 {
		return nil
	}
	return t.calls[len(t.calls)-1]
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakeOutput struct {
	mu      sync.Mutex
	ringing bool
	rings   int
	selects bool
	speaker bool
	setErr  error
}

func (o *fakeOutput) StartRinging(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ringing = true
	o.rings++
}

func (o *fakeOutput) StopRinging() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ringing = false
}

func (o *fakeOutput) SupportsOutputSelection() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.selects
}

func (o *fakeOutput) SetSpeaker(on bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.setErr != nil {
		return o.setErr
	}
	o.speaker = on
	return nil
}

func (o *fakeOutput) isRinging() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ringing
}

type harness struct {
	t         *testing.T
	ctrl      *Controller
	transport *fakeTransport
	clock     *fakeClock
	output    *fakeOutput
	events    <-chan Event
}

var testCreds = Credentials{
	Username: "1001",
	Password: "secret",
	Domain:   "pbx.example.com",
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		transport: &fakeTransport{},
		clock:     newFakeClock(),
		output:    &fakeOutput{},
	}
	h.ctrl = New(h.transport, Options{
		Output: h.output,
		Clock:  h.clock,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	events, cancel := h.ctrl.Subscribe()
	h.events = events
	t.Cleanup(func() {
		cancel()
		h.ctrl.Shutdown(context.Background())
	})
	return h
}

// start creates a harness with an initialized line.
func start(t *testing.T) *harness {
	t.Helper()
	h := newHarness(t)
	if err := h.ctrl.Initialize(context.Background(), testCreds); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	h.drain()
	return h
}

// sync waits until every message queued so far has been handled.
func (h *harness) sync() Snapshot {
	return h.ctrl.Snapshot()
}

// drain returns the events delivered so far.
func (h *harness) drain() []Event {
	h.sync()
	var evs []Event
	for {
		select {
		case ev, ok := <-h.events:
			if !ok {
				return evs
			}
			evs = append(evs, ev)
		default:
			return evs
		}
	}
}

func (h *harness) waitStatus(want string) Snapshot {
	h.t.Helper()
	var s Snapshot
	waitFor(h.t, func() bool {
		s = h.ctrl.Snapshot()
		return s.PhoneStatus == want
	})
	return s
}

// tick advances the clock one second at a time.
func (h *harness) tick(seconds int) {
	for i := 0; i < seconds; i++ {
		h.clock.Advance(time.Second)
		h.sync()
	}
}

func (h *harness) incoming(id, peer string) *fakeCall {
	c := newFakeCall(id, peer)
	h.ctrl.IncomingCall(c)
	h.sync()
	return c
}

// established returns an answered inbound call.
func (h *harness) established(peer string) *fakeCall {
	h.t.Helper()
	c := h.incoming("in-"+peer, peer)
	if err := h.ctrl.AcceptCall(); err != nil {
		h.t.Fatalf("AcceptCall() error = %v", err)
	}
	h.waitStatus(StatusInCall)
	h.drain()
	return c
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 2s")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func countEvents(evs []Event, typ EventType) int {
	n := 0
	for _, ev := range evs {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func findEvent(evs []Event, typ EventType) (Event, bool) {
	for _, ev := range evs {
		if ev.Type == typ {
			return ev, true
		}
	}
	return Event{}, false
}
