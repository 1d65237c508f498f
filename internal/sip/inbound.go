package sip

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/flowphone/internal/phone"
)

// ErrNotRinging is returned when an inbound call is answered or declined
// after the caller gave up.
var ErrNotRinging = errors.New("call is no longer ringing")

// ackTimeout bounds the wait for an ACK carrying a late SDP answer.
const ackTimeout = 5 * time.Second

// handleInvite accepts a new inbound call, or answers a re-INVITE on an
// existing dialog with the current session description.
func (u *UA) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	if c := u.lookupCall(req); c != nil {
		c.handleReinvite(req, tx)
		return
	}

	if u.guard.Blocked(req.Source()) {
		u.logger.Debug("dropping invite from blocked source", "source", req.Source())
		return
	}
	if !u.acl.Allowed(req.Source()) {
		u.logger.Warn("rejecting invite from disallowed source", "source", req.Source())
		u.guard.Rejected(req.Source())
		u.respond(req, tx, 403, "Forbidden")
		return
	}

	u.mu.Lock()
	l := u.listener
	closed := u.closed
	u.mu.Unlock()
	if closed || l == nil {
		u.respond(req, tx, 480, "Temporarily Unavailable")
		return
	}

	cid := req.CallID()
	if cid == nil {
		u.respond(req, tx, 400, "Missing Call-ID")
		return
	}

	c := newInboundCall(u, req, tx)
	u.addCall(c)
	// The transaction layer answers a matching CANCEL with 200 and 487 on
	// its own; only the hook tells us the caller gave up.
	tx.OnCancel(func(*sip.Request) { go c.cancelled() })

	u.respond(req, tx, 100, "Trying")
	ringing := c.response(180, "Ringing", nil)
	if err := tx.Respond(ringing); err != nil {
		c.logger.Error("failed to send ringing", "error", err)
	}

	c.logger.Info("incoming invite",
		"peer", c.peer,
		"source", req.Source(),
	)

	go c.watchInvite(tx)
	l.IncomingCall(c)
}

func newInboundCall(u *UA, req *sip.Request, tx sip.ServerTransaction) *Call {
	id := req.CallID().Value()
	peer := ""
	if from := req.From(); from != nil {
		peer = from.Address.User
		if peer == "" {
			peer = from.DisplayName
		}
	}

	remote := req.From().Address
	if contact := req.Contact(); contact != nil {
		remote = contact.Address
	}

	return &Call{
		ua:           u,
		id:           id,
		direction:    phone.Inbound,
		peer:         peer,
		inviteReq:    req,
		serverTx:     tx,
		state:        dialogEarly,
		localTag:     sip.GenerateTagN(16),
		remoteTarget: remote,
		routeSet:     recordRoutes(req, false),
		cseq:         uint32(rand.IntN(10000) + 1),
		acked:        make(chan struct{}),
		logger:       u.logger.With("call_id", id, "direction", "inbound"),
	}
}

// response builds a response to the INVITE that carries our To tag.
func (c *Call) response(code int, reason string, body []byte) *sip.Response {
	res := sip.NewResponseFromRequest(c.inviteReq, code, reason, body)
	// sipgo fills in a random tag; every response must carry the dialog's.
	if to := res.To(); to != nil {
		to.Params.Add("tag", c.localTag)
	}
	return res
}

// watchInvite reports the call as terminated when the INVITE transaction
// dies before it was answered or declined.
func (c *Call) watchInvite(tx sip.ServerTransaction) {
	<-tx.Done()

	c.mu.Lock()
	pending := c.state == dialogEarly && c.serverTx == tx
	c.mu.Unlock()
	if !pending || !c.terminate() {
		return
	}
	err := tx.Err()
	c.logger.Info("incoming invite transaction ended before answer", "error", err)
	c.ua.callTerminated(c, err)
}

// Accept answers the call with 200 OK and an SDP answer. When the INVITE
// carried no offer, the 200 carries ours and the answer arrives in the ACK.
func (c *Call) Accept(ctx context.Context) error {
	if c.direction != phone.Inbound {
		return errors.New("cannot accept an outbound call")
	}

	c.mu.Lock()
	if c.state != dialogEarly || c.serverTx == nil {
		c.mu.Unlock()
		return ErrNotRinging
	}
	req, tx := c.inviteReq, c.serverTx
	c.mu.Unlock()

	session, err := c.ua.media.Create(c.id)
	if err != nil {
		c.decline(ctx, 500, "Server Internal Error")
		return fmt.Errorf("creating media session: %w", err)
	}

	var body []byte
	lateOffer := len(req.Body()) == 0
	if lateOffer {
		body, err = session.Offer()
	} else {
		body, err = session.Answer(req.Body())
	}
	if err != nil {
		session.Stop()
		c.decline(ctx, 488, "Not Acceptable Here")
		return fmt.Errorf("negotiating media: %w", err)
	}

	res := c.response(200, "OK", body)
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	res.AppendHeader(&sip.ContactHeader{Address: c.ua.contactURI()})
	res.AppendHeader(sip.NewHeader("Allow", allowedMethods))

	c.mu.Lock()
	if c.state != dialogEarly {
		c.mu.Unlock()
		session.Stop()
		return ErrNotRinging
	}
	c.session = session
	c.localSDP = body
	c.lateOffer = lateOffer
	c.state = dialogConfirmed
	c.inviteRes = res
	c.serverTx = nil
	c.mu.Unlock()

	if err := tx.Respond(res); err != nil {
		c.terminate()
		return fmt.Errorf("sending 200 ok: %w", err)
	}

	if lateOffer {
		// Media cannot start before the caller's answer arrives in the ACK.
		select {
		case <-c.acked:
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(ackTimeout):
			return errors.New("no ack with sdp answer")
		}
	}

	c.logger.Info("call accepted",
		"peer", c.peer,
		"rtp_port", session.LocalPort(),
	)
	return nil
}

// Reject declines an unanswered inbound call.
func (c *Call) Reject(ctx context.Context, reason phone.RejectReason) error {
	code, text := rejectStatus(reason)
	if !c.decline(ctx, code, text) {
		return ErrNotRinging
	}
	c.logger.Info("incoming call rejected", "status", code)
	return nil
}

// decline sends a final failure response to the INVITE and forgets the
// call. It reports whether the call was still ringing.
func (c *Call) decline(_ context.Context, code int, reason string) bool {
	c.mu.Lock()
	if c.state != dialogEarly || c.serverTx == nil {
		c.mu.Unlock()
		return false
	}
	tx := c.serverTx
	c.serverTx = nil
	c.mu.Unlock()

	if err := tx.Respond(c.response(code, reason, nil)); err != nil {
		c.logger.Error("failed to send rejection", "code", code, "error", err)
	}
	c.terminate()
	return true
}

// rejectStatus maps a reject reason to the final response sent.
func rejectStatus(reason phone.RejectReason) (int, string) {
	switch reason {
	case phone.RejectBusy:
		return 486, "Busy Here"
	case phone.RejectTimeout:
		return 480, "Temporarily Unavailable"
	default:
		return 603, "Decline"
	}
}

// cancelled ends a ringing call whose INVITE was cancelled inside the
// transaction layer.
func (c *Call) cancelled() {
	c.mu.Lock()
	ringing := c.state == dialogEarly && c.serverTx != nil
	if ringing {
		c.serverTx = nil
	}
	c.mu.Unlock()
	if !ringing || !c.terminate() {
		return
	}
	c.logger.Info("incoming call cancelled by caller", "peer", c.peer)
	c.ua.callTerminated(c, &phone.StatusError{Code: 487, Reason: "Request Terminated"})
}

// cancelInvite handles a CANCEL for an unanswered call by ending the
// INVITE transaction with 487. It reports whether the call was ringing.
func (c *Call) cancelInvite() bool {
	return c.decline(context.Background(), 487, "Request Terminated")
}

// confirmed handles the ACK for our 200 OK.
func (c *Call) confirmed(ack *sip.Request) {
	c.mu.Lock()
	lateOffer := c.lateOffer
	c.lateOffer = false
	session := c.session
	c.mu.Unlock()

	if !lateOffer || session == nil {
		return
	}
	if err := session.SetAnswer(ack.Body()); err != nil {
		c.logger.Warn("unusable sdp answer in ack", "error", err)
		return
	}
	close(c.acked)
}

// handleReinvite answers a session refresh on an established dialog with
// the description already in use. Hold is not renegotiated.
func (c *Call) handleReinvite(req *sip.Request, tx sip.ServerTransaction) {
	c.mu.Lock()
	state := c.state
	body := c.localSDP
	c.mu.Unlock()

	if state != dialogConfirmed {
		c.ua.respond(req, tx, 491, "Request Pending")
		return
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", body)
	if len(body) > 0 {
		res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}
	res.AppendHeader(&sip.ContactHeader{Address: c.ua.contactURI()})
	if err := tx.Respond(res); err != nil {
		c.logger.Error("failed to answer re-invite", "error", err)
	}
	c.logger.Debug("re-invite answered")
}
