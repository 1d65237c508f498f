package phone

import (
	"context"
	"fmt"
	"strings"
)

// Dial places an outbound call. The result arrives asynchronously as state
// changes; the returned error covers only local validation.
func (c *Controller) Dial(target string) error {
	target = strings.TrimSpace(target)
	if target == "" {
		return fmt.Errorf("%w: target is required", ErrDial)
	}

	return c.do(func() error {
		if c.closed {
			return ErrClosed
		}
		if !c.ready {
			return ErrNotReady
		}
		if c.session != nil {
			return ErrBusy
		}

		call, err := c.transport.NewCall(target)
		if err != nil {
			c.showFailure(StatusCallFailed)
			err = fmt.Errorf("%w: %w", ErrDial, err)
			c.queueEvent(Event{Type: EventError, Peer: target, Err: err})
			return err
		}

		l := c.newLeg(Outbound, target, call, StateDialing)
		c.session = l
		c.clearFailure()
		c.startDial(l)

		c.logger.Info("dialing",
			"call_id", call.ID(),
			"handle", l.handle,
			"target", target,
		)
		return nil
	})
}

func (c *Controller) startDial(l *leg) {
	handle, call, ctx := l.handle, l.call, l.ctx
	go func() {
		err := call.Dial(ctx)
		c.post(dialResult{handle: handle, call: call, err: err})
	}()
}

// AcceptCall answers the ringing inbound call.
func (c *Controller) AcceptCall() error {
	return c.do(func() error {
		l := c.session
		if l == nil || l.direction != Inbound {
			return ErrNoSession
		}
		if !l.is(StateRinging) || l.accepting {
			return ErrInvalidState
		}

		if l.ringTimer != nil {
			l.ringTimer.Stop()
			l.ringTimer = nil
		}
		c.output.StopRinging()
		l.wasAnswered = true
		l.accepting = true

		handle, call := l.handle, l.call
		go func() {
			ctx, cancel := context.WithTimeout(c.ctx, signalTimeout)
			defer cancel()
			err := call.Accept(ctx)
			c.post(acceptResult{handle: handle, call: call, err: err})
		}()
		return nil
	})
}

// RejectCall declines the ringing inbound call. The caller is reported as a
// missed call.
func (c *Controller) RejectCall() error {
	return c.do(func() error {
		l := c.session
		if l == nil || l.direction != Inbound || !l.is(StateRinging) {
			return ErrNoSession
		}
		if l.accepting {
			return ErrInvalidState
		}
		if l.ringTimer != nil {
			l.ringTimer.Stop()
			l.ringTimer = nil
		}
		c.logger.Info("rejecting incoming call", "call_id", l.call.ID(), "handle", l.handle)
		c.finishRinging(l, RejectDeclined, DispositionRejected)
		return nil
	})
}

// EndCall hangs up the current call. A call still being dialed is
// abandoned. Any consultation leg is hung up as well.
func (c *Controller) EndCall() error {
	return c.do(func() error {
		l := c.session
		if l == nil {
			return ErrNoSession
		}

		switch {
		case l.is(StateDialing):
			c.logger.Info("abandoning outbound call", "call_id", l.call.ID(), "handle", l.handle)
			// Cancelling the dial context makes the transport cancel the invite.
			c.endLeg(l, DispositionCancelled)
		case l.is(StateEstablished, StateOnHold):
			if consult := l.consult; consult != nil {
				l.consult = nil
				c.hangupLeg(consult, c.consultDisposition(consult))
			}
			c.logger.Info("ending call", "call_id", l.call.ID(), "handle", l.handle)
			c.hangupLeg(l, DispositionAnswered)
		default:
			return ErrInvalidState
		}
		c.session = nil
		return nil
	})
}

func (c *Controller) consultDisposition(l *leg) Disposition {
	if l.is(StateEstablished, StateOnHold) {
		return DispositionAnswered
	}
	return DispositionCancelled
}

// BlindTransfer hands the established call to target. The local leg ends
// once the transport accepts the transfer; on failure the call is left as
// it was.
func (c *Controller) BlindTransfer(target string) error {
	return c.do(func() error {
		if err := c.checkTransferTarget(target); err != nil {
			return err
		}
		l := c.session
		if l == nil {
			return ErrNoSession
		}
		if !l.is(StateEstablished) || l.consult != nil || l.referring {
			return ErrInvalidState
		}

		l.referring = true
		handle, call := l.handle, l.call
		target := strings.TrimSpace(target)
		c.logger.Info("blind transfer", "call_id", call.ID(), "handle", handle, "target", target)
		go func() {
			ctx, cancel := context.WithTimeout(c.ctx, signalTimeout)
			defer cancel()
			err := call.Refer(ctx, target)
			c.post(transferResult{handle: handle, err: err})
		}()
		return nil
	})
}

func (c *Controller) checkTransferTarget(target string) error {
	target = strings.TrimSpace(target)
	if target == "" {
		return fmt.Errorf("%w: target is required", ErrInvalidTransferTarget)
	}
	if sameExtension(target, c.creds.Username) {
		return fmt.Errorf("%w: cannot transfer to own extension %s", ErrInvalidTransferTarget, target)
	}
	return nil
}

// AttendedTransferDial puts the current call on hold and dials a
// consultation call to target.
func (c *Controller) AttendedTransferDial(target string) error {
	return c.do(func() error {
		if err := c.checkTransferTarget(target); err != nil {
			return err
		}
		l := c.session
		if l == nil {
			return ErrNoSession
		}
		if !l.is(StateEstablished, StateOnHold) || l.consult != nil || l.referring {
			return ErrInvalidState
		}

		target := strings.TrimSpace(target)
		call, err := c.transport.NewCall(target)
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrTransfer, err)
			c.queueEvent(Event{Type: EventError, Peer: target, Err: err})
			return err
		}

		if l.is(StateEstablished) {
			if err := l.fire(evHold); err != nil {
				return fmt.Errorf("%w: %w", ErrInvalidState, err)
			}
			l.onHold = true
			l.applyMedia()
		}

		consult := c.newLeg(Outbound, target, call, StateDialing)
		l.consult = consult
		c.startDial(consult)

		c.logger.Info("consultation call dialing",
			"call_id", call.ID(),
			"handle", consult.handle,
			"primary", l.handle,
			"target", target,
		)
		return nil
	})
}

// CompleteAttendedTransfer connects the held call with the consultation
// call and drops both local legs once the transport confirms.
func (c *Controller) CompleteAttendedTransfer() error {
	return c.do(func() error {
		l := c.session
		if l == nil {
			return ErrNoSession
		}
		consult := l.consult
		if consult == nil || !consult.is(StateEstablished, StateOnHold) || l.referring {
			return ErrInvalidState
		}

		l.referring = true
		handle, call, other := l.handle, l.call, consult.call
		c.logger.Info("completing attended transfer",
			"call_id", call.ID(),
			"consult_call_id", other.ID(),
		)
		go func() {
			ctx, cancel := context.WithTimeout(c.ctx, signalTimeout)
			defer cancel()
			err := call.ReferReplaces(ctx, other)
			c.post(transferResult{handle: handle, attended: true, err: err})
		}()
		return nil
	})
}

// CancelAttendedTransfer hangs up the consultation call and takes the
// original call off hold.
func (c *Controller) CancelAttendedTransfer() error {
	return c.do(func() error {
		l := c.session
		if l == nil {
			return ErrNoSession
		}
		consult := l.consult
		if consult == nil || l.referring {
			return ErrInvalidState
		}

		l.consult = nil
		c.hangupLeg(consult, c.consultDisposition(consult))
		c.resume(l)
		c.logger.Info("attended transfer cancelled", "call_id", l.call.ID(), "handle", l.handle)
		return nil
	})
}

// ToggleMute flips the outbound audio of the current call. It does nothing
// when there is no call.
func (c *Controller) ToggleMute() error {
	return c.do(func() error {
		l := c.focus()
		if l == nil {
			return nil
		}
		l.muted = !l.muted
		l.applyMedia()
		return nil
	})
}

// ToggleHold flips hold on the current call. Hold only disables outbound
// audio; the media session is not renegotiated and inbound audio keeps
// playing.
func (c *Controller) ToggleHold() error {
	return c.do(func() error {
		l := c.focus()
		if l == nil {
			return nil
		}
		switch l.state() {
		case StateEstablished:
			if err := l.fire(evHold); err != nil {
				return fmt.Errorf("%w: %w", ErrInvalidState, err)
			}
			l.onHold = true
		case StateOnHold:
			if err := l.fire(evResume); err != nil {
				return fmt.Errorf("%w: %w", ErrInvalidState, err)
			}
			l.onHold = false
		default:
			return nil
		}
		l.applyMedia()
		return nil
	})
}

// ToggleSpeaker switches audio output between speaker and earpiece. It does
// nothing when the output device cannot be selected.
func (c *Controller) ToggleSpeaker() error {
	return c.do(func() error {
		if !c.output.SupportsOutputSelection() {
			return nil
		}
		if err := c.output.SetSpeaker(!c.speaker); err != nil {
			c.logger.Warn("failed to switch audio output", "speaker", !c.speaker, "error", err)
			return nil
		}
		c.speaker = !c.speaker
		return nil
	})
}
