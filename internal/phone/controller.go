package phone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Options configures a Controller. Zero values select defaults.
type Options struct {
	Output      AudioOutput
	Clock       Clock
	RingTimeout time.Duration
	// QueueSize is the capacity of the event queue.
	QueueSize int
}

// Controller owns all phone and call state. Every UI intent, transport event
// and timer firing is handled on a single goroutine, so the state fields
// below need no locking.
type Controller struct {
	transport   Transport
	output      AudioOutput
	clock       Clock
	ringTimeout time.Duration
	logger      *slog.Logger

	queue chan any
	stop  chan struct{}
	done  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	shutdownOnce sync.Once

	// loop-owned state
	creds      Credentials
	ready      bool
	closed     bool
	reg        RegistrationState
	regFailure string
	failure    string
	failTimer  Timer
	failSeq    int
	speaker    bool
	session    *leg
	pending    []Event

	mu   sync.Mutex
	last Snapshot

	subMu sync.Mutex
	subs  map[int]chan Event
	subID int
}

// New creates a Controller and starts its event loop.
func New(transport Transport, opts Options, logger *slog.Logger) *Controller {
	if opts.Output == nil {
		opts.Output = silentOutput{}
	}
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = DefaultRingTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		transport:   transport,
		output:      opts.Output,
		clock:       opts.Clock,
		ringTimeout: opts.RingTimeout,
		logger:      logger.With("subsystem", "phone"),
		queue:       make(chan any, opts.QueueSize),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		reg:         RegistrationUnregistered,
		subs:        make(map[int]chan Event),
	}
	c.last = c.snapshot()

	go c.run()
	return c
}

type request struct {
	fn    func() error
	reply chan error
}

func (c *Controller) run() {
	defer close(c.done)
	for {
		select {
		case <-c.stop:
			return
		case msg := <-c.queue:
			c.dispatch(msg)
			c.flush()
		}
	}
}

// do runs fn on the controller loop and waits for its result.
func (c *Controller) do(fn func() error) error {
	req := request{fn: fn, reply: make(chan error, 1)}
	select {
	case c.queue <- req:
	case <-c.done:
		return ErrClosed
	}
	select {
	case err := <-req.reply:
		return err
	case <-c.done:
		return ErrClosed
	}
}

// post queues msg for the loop without waiting.
func (c *Controller) post(msg any) {
	select {
	case c.queue <- msg:
	case <-c.done:
	}
}

// Subscribe returns a channel of controller events and a function that
// cancels the subscription. Events are dropped for subscribers that fall
// behind.
func (c *Controller) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)

	c.subMu.Lock()
	id := c.subID
	c.subID++
	if c.subs == nil {
		close(ch)
		c.subMu.Unlock()
		return ch, func() {}
	}
	c.subs[id] = ch
	c.subMu.Unlock()

	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
}

func (c *Controller) broadcast(ev Event) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for id, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			c.logger.Warn("subscriber queue full, dropping event",
				"subscriber", id,
				"event", ev.Type,
			)
		}
	}
}

func (c *Controller) queueEvent(ev Event) {
	ev.Time = c.clock.Now()
	if ev.Err != nil && ev.Message == "" {
		ev.Message = StatusText(ev.Err)
	}
	c.pending = append(c.pending, ev)
}

// flush publishes the events queued while handling one message, followed by
// a state event when the read model changed.
func (c *Controller) flush() {
	snap := c.snapshot()
	events := c.pending
	c.pending = nil
	for _, ev := range events {
		ev.Snapshot = snap
		c.broadcast(ev)
	}

	c.mu.Lock()
	changed := snap != c.last
	c.last = snap
	c.mu.Unlock()

	if changed {
		c.broadcast(Event{Type: EventState, Time: c.clock.Now(), Snapshot: snap})
	}
}

// Snapshot returns the current read model.
func (c *Controller) Snapshot() Snapshot {
	var s Snapshot
	if err := c.do(func() error {
		s = c.snapshot()
		return nil
	}); err != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.last
	}
	return s
}

// Session returns a detailed view of the current call, or nil when idle.
func (c *Controller) Session() *CallSession {
	var cs *CallSession
	_ = c.do(func() error {
		if c.session != nil {
			cs = c.session.view()
		}
		return nil
	})
	return cs
}

func (c *Controller) snapshot() Snapshot {
	s := Snapshot{
		PhoneStatus:  c.idleStatus(),
		IsSpeakerOn:  c.speaker,
		Registration: c.reg,
	}
	primary := c.session
	if primary == nil {
		return s
	}

	focus := c.focus()
	s.PeerID = primary.peer
	s.Direction = primary.direction
	s.CallDurationSeconds = primary.duration
	s.IsMuted = focus.muted
	s.IsOnHold = focus.onHold

	switch primary.state() {
	case StateRinging:
		s.PhoneStatus = StatusRinging
		s.IncomingCallerID = primary.peer
	case StateDialing:
		s.PhoneStatus = StatusDialing
	case StateEstablished, StateOnHold:
		s.PhoneStatus = StatusInCall
	}

	if primary.consult != nil {
		s.ConsultPeerID = primary.consult.peer
		s.ConsultState = primary.consult.state()
	}
	return s
}

// idleStatus is the status shown without a session. A registration failure
// persists and wins over the transient call failure.
func (c *Controller) idleStatus() string {
	if c.reg == RegistrationFailed && c.regFailure != "" {
		return c.regFailure
	}
	if c.failure != "" {
		return c.failure
	}
	return StatusIdle
}

// showFailure sets the transient failure status. It clears after
// failureDisplay or when the next session starts.
func (c *Controller) showFailure(status string) {
	c.clearFailure()
	c.failure = status
	seq := c.failSeq
	c.failTimer = c.clock.AfterFunc(failureDisplay, func() {
		c.post(failureExpired{seq: seq})
	})
}

func (c *Controller) clearFailure() {
	if c.failTimer != nil {
		c.failTimer.Stop()
		c.failTimer = nil
	}
	c.failure = ""
	c.failSeq++
}

// focus is the leg the user is talking on: the consultation leg while an
// attended transfer is in progress, otherwise the primary leg.
func (c *Controller) focus() *leg {
	if c.session == nil {
		return nil
	}
	if c.session.consult != nil {
		return c.session.consult
	}
	return c.session
}

func (c *Controller) legByHandle(handle string) *leg {
	if c.session == nil {
		return nil
	}
	if c.session.handle == handle {
		return c.session
	}
	if c.session.consult != nil && c.session.consult.handle == handle {
		return c.session.consult
	}
	return nil
}

func (c *Controller) legByCall(call Call) *leg {
	if c.session == nil || call == nil {
		return nil
	}
	if c.session.call == call {
		return c.session
	}
	if c.session.consult != nil && c.session.consult.call == call {
		return c.session.consult
	}
	return nil
}

func (c *Controller) newLeg(dir Direction, peer string, call Call, initial SessionState) *leg {
	l := &leg{
		handle:    uuid.NewString(),
		direction: dir,
		peer:      peer,
		call:      call,
		fsm:       newLegFSM(initial),
		startedAt: c.clock.Now(),
	}
	l.ctx, l.cancel = context.WithCancel(c.ctx)
	return l
}

// Initialize registers the line with the PBX. It returns once the first
// registration attempt has completed; the controller stays responsive while
// it is in flight.
func (c *Controller) Initialize(ctx context.Context, creds Credentials) error {
	if err := creds.validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrRegistration, err)
	}

	if err := c.do(func() error {
		if c.closed {
			return ErrClosed
		}
		if c.reg == RegistrationRegistering || c.reg == RegistrationRegistered {
			return fmt.Errorf("%w: already initialized", ErrRegistration)
		}
		c.creds = creds
		c.reg = RegistrationRegistering
		c.regFailure = ""
		return nil
	}); err != nil {
		return err
	}

	c.logger.Info("registering line",
		"username", creds.Username,
		"domain", creds.Domain,
	)

	err := c.transport.Register(ctx, creds, c)
	c.post(registrationEvent{initial: true, err: err, state: registrationStateFor(err)})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRegistration, err)
	}
	return nil
}

func registrationStateFor(err error) RegistrationState {
	if err != nil {
		return RegistrationFailed
	}
	return RegistrationRegistered
}

// Shutdown unregisters the line and releases every timer, media stream and
// call regardless of the current state. It is safe to call more than once.
func (c *Controller) Shutdown(ctx context.Context) error {
	var err error
	c.shutdownOnce.Do(func() {
		err = c.shutdown(ctx)
	})
	return err
}

func (c *Controller) shutdown(ctx context.Context) error {
	type teardown struct {
		call   Call
		reject bool
	}
	var calls []teardown

	_ = c.do(func() error {
		c.closed = true
		c.clearFailure()
		c.output.StopRinging()
		if c.session == nil {
			return nil
		}
		legs := []*leg{c.session}
		if c.session.consult != nil {
			legs = append(legs, c.session.consult)
		}
		for _, l := range legs {
			inboundRinging := l.direction == Inbound && l.is(StateRinging) && !l.wasAnswered
			calls = append(calls, teardown{call: l.call, reject: inboundRinging})
			d := DispositionCancelled
			if l.is(StateEstablished, StateOnHold) {
				d = DispositionAnswered
			}
			c.endLeg(l, d)
		}
		c.session = nil
		return nil
	})

	close(c.stop)
	<-c.done

	for _, t := range calls {
		var err error
		if t.reject {
			err = t.call.Reject(ctx, RejectTimeout)
		} else {
			err = t.call.Hangup(ctx)
		}
		if err != nil {
			c.logger.Warn("failed to release call on shutdown",
				"call_id", t.call.ID(),
				"error", err,
			)
		}
	}

	var errs []error
	if c.transport != nil {
		if err := c.transport.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("closing transport: %w", err))
		}
	}
	c.cancel()

	c.subMu.Lock()
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
	c.subs = nil
	c.subMu.Unlock()

	c.logger.Info("phone shut down")
	return errors.Join(errs...)
}

// RegistrationChanged implements Listener.
func (c *Controller) RegistrationChanged(state RegistrationState, err error) {
	c.post(registrationEvent{state: state, err: err})
}

// IncomingCall implements Listener.
func (c *Controller) IncomingCall(call Call) {
	c.post(incomingEvent{call: call})
}

// CallTerminated implements Listener.
func (c *Controller) CallTerminated(call Call, err error) {
	c.post(terminatedEvent{call: call, err: err})
}
