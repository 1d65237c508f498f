package phone

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type registrationEvent struct {
	state   RegistrationState
	err     error
	initial bool
}

type incomingEvent struct {
	call Call
}

type terminatedEvent struct {
	call Call
	err  error
}

type dialResult struct {
	handle string
	call   Call
	err    error
}

type acceptResult struct {
	handle string
	call   Call
	err    error
}

type transferResult struct {
	handle   string
	attended bool
	err      error
}

type failureExpired struct {
	seq int
}

type timerKind int

const (
	ringTimeout timerKind = iota
	durationTick
)

type timerEvent struct {
	handle string
	kind   timerKind
}

// signalTimeout bounds transport operations started by the controller.
const signalTimeout = 32 * time.Second

// failureDisplay is how long "Call Failed" stays in the read model.
const failureDisplay = 5 * time.Second

// dispatch routes one queued message to its handler. Messages carrying a
// handle or Call that no longer matches the current session are dropped.
func (c *Controller) dispatch(msg any) {
	switch m := msg.(type) {
	case request:
		m.reply <- m.fn()
	case registrationEvent:
		c.onRegistration(m)
	case incomingEvent:
		c.onIncoming(m.call)
	case terminatedEvent:
		c.onTerminated(m.call, m.err)
	case dialResult:
		c.onDialResult(m)
	case acceptResult:
		c.onAcceptResult(m)
	case transferResult:
		c.onTransferResult(m)
	case timerEvent:
		c.onTimer(m)
	case failureExpired:
		if m.seq == c.failSeq {
			c.failTimer = nil
			c.failure = ""
		}
	default:
		c.logger.Error("unknown controller message", "type", msg)
	}
}

func (c *Controller) onRegistration(ev registrationEvent) {
	if c.closed {
		return
	}
	if ev.initial {
		c.ready = ev.err == nil || !errors.Is(ev.err, ErrConnection)
	}
	if ev.state == RegistrationRegistered {
		c.ready = true
	}

	prev := c.reg
	c.reg = ev.state
	switch {
	case ev.state != RegistrationFailed:
		c.regFailure = ""
	case errors.Is(ev.err, ErrConnection):
		c.regFailure = StatusConnectionFailed
	default:
		c.regFailure = StatusRegistrationFailed
	}

	if prev != ev.state {
		if ev.err != nil {
			c.logger.Warn("registration state changed", "from", prev, "to", ev.state, "error", ev.err)
		} else {
			c.logger.Info("registration state changed", "from", prev, "to", ev.state)
		}
		out := Event{Type: EventRegistration, Err: ev.err}
		if ev.err != nil {
			out.Message = c.regFailure
			if out.Message == "" {
				out.Message = StatusRegistrationFailed
			}
		}
		c.queueEvent(out)
	}
}

func (c *Controller) onIncoming(call Call) {
	peer := call.Peer()
	if peer == "" {
		peer = UnknownCaller
	}

	if c.closed || c.session != nil {
		c.logger.Info("rejecting invite, line busy",
			"call_id", call.ID(),
			"peer", peer,
		)
		c.goSignal(call, "reject", func(ctx context.Context) error {
			return call.Reject(ctx, RejectBusy)
		})
		now := c.clock.Now()
		c.queueEvent(Event{Type: EventCallEnded, Peer: peer, Call: &CallSummary{
			CallID:      call.ID(),
			Direction:   Inbound,
			Peer:        peer,
			StartedAt:   now,
			EndedAt:     now,
			Disposition: DispositionBusy,
		}})
		return
	}

	l := c.newLeg(Inbound, peer, call, StateRinging)
	c.session = l
	c.clearFailure()

	handle := l.handle
	l.ringTimer = c.clock.AfterFunc(c.ringTimeout, func() {
		c.post(timerEvent{handle: handle, kind: ringTimeout})
	})
	c.output.StartRinging(peer)

	c.logger.Info("incoming call",
		"call_id", call.ID(),
		"handle", handle,
		"peer", peer,
	)
	c.queueEvent(Event{Type: EventIncomingCall, Peer: peer})
}

func (c *Controller) onTimer(ev timerEvent) {
	l := c.legByHandle(ev.handle)
	if l == nil {
		return
	}

	switch ev.kind {
	case ringTimeout:
		if l != c.session || !l.is(StateRinging) || l.wasAnswered {
			return
		}
		l.ringTimer = nil
		c.logger.Info("incoming call not answered, rejecting",
			"call_id", l.call.ID(),
			"handle", l.handle,
			"timeout", c.ringTimeout.String(),
		)
		c.finishRinging(l, RejectTimeout, DispositionMissed)

	case durationTick:
		if !l.is(StateEstablished, StateOnHold) {
			return
		}
		l.duration++
		c.armTick(l)
	}
}

func (c *Controller) armTick(l *leg) {
	handle := l.handle
	l.tickTimer = c.clock.AfterFunc(time.Second, func() {
		c.post(timerEvent{handle: handle, kind: durationTick})
	})
}

// finishRinging declines a ringing inbound leg and clears the session.
func (c *Controller) finishRinging(l *leg, reason RejectReason, d Disposition) {
	call := l.call
	c.output.StopRinging()
	c.goSignal(call, "reject", func(ctx context.Context) error {
		return call.Reject(ctx, reason)
	})
	c.endLeg(l, d)
	c.session = nil
}

func (c *Controller) onTerminated(call Call, err error) {
	l := c.legByCall(call)
	if l == nil {
		return
	}

	c.logger.Info("call terminated by remote",
		"call_id", call.ID(),
		"handle", l.handle,
		"state", l.state(),
		"error", err,
	)

	if l != c.session {
		c.dropConsult(c.session, l.is(StateEstablished, StateOnHold))
		return
	}

	switch {
	case l.is(StateRinging):
		c.output.StopRinging()
		d := DispositionMissed
		if l.wasAnswered {
			d = DispositionCancelled
		}
		c.endLeg(l, d)
		c.session = nil

	case l.is(StateDialing):
		c.endLeg(l, dispositionFor(err))
		c.session = nil
		c.showFailure(StatusCallFailed)

	default:
		consult := l.consult
		l.consult = nil
		c.endLeg(l, DispositionAnswered)
		c.session = nil
		if consult != nil {
			// The consultation call becomes the active call.
			c.session = consult
		}
	}
}

func (c *Controller) onDialResult(res dialResult) {
	l := c.legByHandle(res.handle)
	if l == nil || !l.is(StateDialing) {
		if res.err == nil && l == nil {
			c.logger.Debug("dial answered after the call was abandoned, hanging up", "handle", res.handle)
			call := res.call
			c.goSignal(call, "hangup", func(ctx context.Context) error {
				return call.Hangup(ctx)
			})
		}
		return
	}

	if res.err != nil {
		c.logger.Warn("outbound call failed",
			"call_id", l.call.ID(),
			"handle", l.handle,
			"peer", l.peer,
			"error", res.err,
		)
		if l != c.session {
			c.dropConsult(c.session, false)
			c.queueEvent(Event{Type: EventError, Peer: l.peer, Err: fmt.Errorf("%w: %w", ErrTransfer, res.err)})
			return
		}
		c.endLeg(l, dispositionFor(res.err))
		c.session = nil
		c.showFailure(StatusCallFailed)
		c.queueEvent(Event{Type: EventError, Peer: l.peer, Err: fmt.Errorf("%w: %w", ErrDial, res.err)})
		return
	}

	c.establish(l)
}

func (c *Controller) onAcceptResult(res acceptResult) {
	l := c.legByHandle(res.handle)
	if l == nil || l != c.session || !l.is(StateRinging) {
		if res.err == nil && l == nil {
			call := res.call
			c.goSignal(call, "hangup", func(ctx context.Context) error {
				return call.Hangup(ctx)
			})
		}
		return
	}
	l.accepting = false

	if res.err != nil {
		c.logger.Warn("accept failed",
			"call_id", l.call.ID(),
			"handle", l.handle,
			"error", res.err,
		)
		c.endLeg(l, DispositionFailed)
		c.session = nil
		c.showFailure(StatusCallFailed)
		c.queueEvent(Event{Type: EventError, Peer: l.peer, Err: fmt.Errorf("%w: %w", ErrAccept, res.err)})
		return
	}

	c.establish(l)
}

// establish moves a leg to Established, attaches its media and starts the
// duration counter.
func (c *Controller) establish(l *leg) {
	if err := l.fire(evAnswer); err != nil {
		c.logger.Error("invalid answer transition", "handle", l.handle, "error", err)
		return
	}
	l.wasAnswered = true
	l.establishedAt = c.clock.Now()
	l.duration = 0

	if m := l.call.Media(); m != nil {
		if err := m.Start(); err != nil {
			c.logger.Error("failed to start media",
				"call_id", l.call.ID(),
				"error", err,
			)
		} else {
			l.media = m
			l.applyMedia()
		}
	}
	c.armTick(l)

	c.logger.Info("call established",
		"call_id", l.call.ID(),
		"handle", l.handle,
		"direction", l.direction,
		"peer", l.peer,
	)
}

func (c *Controller) onTransferResult(res transferResult) {
	l := c.legByHandle(res.handle)
	if l == nil || l != c.session {
		return
	}
	l.referring = false

	if res.err != nil {
		c.logger.Warn("transfer failed",
			"call_id", l.call.ID(),
			"handle", l.handle,
			"attended", res.attended,
			"error", res.err,
		)
		c.queueEvent(Event{Type: EventError, Peer: l.peer, Err: fmt.Errorf("%w: %w", ErrTransfer, res.err)})
		return
	}

	c.logger.Info("call transferred",
		"call_id", l.call.ID(),
		"handle", l.handle,
		"attended", res.attended,
	)

	if consult := l.consult; consult != nil {
		l.consult = nil
		c.hangupLeg(consult, DispositionTransferred)
	}
	c.hangupLeg(l, DispositionTransferred)
	c.session = nil
}

// dropConsult removes the consultation leg and takes the primary leg off
// hold.
func (c *Controller) dropConsult(primary *leg, answered bool) {
	if primary == nil || primary.consult == nil {
		return
	}
	d := DispositionFailed
	if answered {
		d = DispositionAnswered
	}
	c.endLeg(primary.consult, d)
	primary.consult = nil
	c.resume(primary)
}

func (c *Controller) resume(l *leg) {
	if !l.is(StateOnHold) {
		return
	}
	if err := l.fire(evResume); err != nil {
		c.logger.Error("invalid resume transition", "handle", l.handle, "error", err)
		return
	}
	l.onHold = false
	l.applyMedia()
}

// hangupLeg signals the end of a leg to the transport and ends it locally.
func (c *Controller) hangupLeg(l *leg, d Disposition) {
	call := l.call
	c.goSignal(call, "hangup", func(ctx context.Context) error {
		return call.Hangup(ctx)
	})
	c.endLeg(l, d)
}

// endLeg stops everything the leg owns and queues its summary. Missed calls
// are announced first.
func (c *Controller) endLeg(l *leg, d Disposition) {
	l.stopTimers()
	if l.media != nil {
		l.media.Stop()
		l.media = nil
	}
	if l.cancel != nil {
		l.cancel()
	}
	if !l.is(StateTerminated) {
		if err := l.fire(evTerminate); err != nil {
			c.logger.Error("invalid terminate transition", "handle", l.handle, "error", err)
		}
	}

	sum := l.summary(c.clock.Now(), d)
	if sum.Missed {
		c.queueEvent(Event{Type: EventMissedCall, Peer: l.peer, Call: &sum})
	}
	c.queueEvent(Event{Type: EventCallEnded, Peer: l.peer, Call: &sum})
}

// goSignal runs a transport operation off the loop. Failures are logged;
// callers that need the outcome post their own result messages instead.
func (c *Controller) goSignal(call Call, op string, fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, signalTimeout)
		defer cancel()
		if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("signaling operation failed",
				"op", op,
				"call_id", call.ID(),
				"error", err,
			)
		}
	}()
}

func dispositionFor(err error) Disposition {
	var se *StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case 486, 600:
			return DispositionBusy
		case 487:
			return DispositionCancelled
		}
	}
	if errors.Is(err, context.Canceled) {
		return DispositionCancelled
	}
	return DispositionFailed
}
