package sip

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/flowphone/internal/phone"
	"github.com/google/uuid"
)

// cancelTimeout bounds the wait for the final response to a cancelled
// INVITE.
const cancelTimeout = 5 * time.Second

func newOutboundCall(u *UA, peer string, target sip.Uri) *Call {
	id := uuid.NewString()
	return &Call{
		ua:        u,
		id:        id,
		direction: phone.Outbound,
		peer:      peer,
		target:    target,
		localTag:  sip.GenerateTagN(16),
		logger:    u.logger.With("call_id", id, "direction", "outbound"),
	}
}

// Dial sends the INVITE with an SDP offer and waits until the callee
// answers. Digest challenges are answered once. Cancelling ctx sends
// CANCEL; a final failure response is returned as a *phone.StatusError.
func (c *Call) Dial(ctx context.Context) error {
	if c.direction != phone.Outbound {
		return errors.New("cannot dial an inbound call")
	}

	c.mu.Lock()
	if c.state != dialogIdle {
		c.mu.Unlock()
		return fmt.Errorf("call %s already dialed", c.id)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.cancelDial = cancel
	c.state = dialogEarly
	c.mu.Unlock()

	session, err := c.ua.media.Create(c.id)
	if err != nil {
		c.terminate()
		return fmt.Errorf("creating media session: %w", err)
	}
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()

	offer, err := session.Offer()
	if err != nil {
		c.terminate()
		return fmt.Errorf("building sdp offer: %w", err)
	}

	c.mu.Lock()
	c.localSDP = offer
	c.mu.Unlock()

	req := c.buildInvite(offer)
	c.ua.addCall(c)

	c.logger.Info("sending invite",
		"target", c.target.String(),
		"rtp_port", session.LocalPort(),
	)

	tx, err := c.ua.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		c.terminate()
		return fmt.Errorf("sending invite: %w", err)
	}

	res, sent, err := c.awaitAnswer(ctx, req, tx)
	if err != nil {
		if ctx.Err() != nil {
			c.abandon(sent, tx)
		}
		c.terminate()
		return err
	}

	return c.established(sent, res)
}

func (c *Call) buildInvite(offer []byte) *sip.Request {
	creds := c.ua.credentials()

	req := sip.NewRequest(sip.INVITE, c.target)
	req.SetTransport(c.ua.transportName())
	req.SetBody(offer)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.AppendHeader(sip.NewHeader("Call-ID", c.id))

	from := &sip.FromHeader{
		DisplayName: creds.DisplayName,
		Address: sip.Uri{
			Scheme: "sip",
			User:   creds.Username,
			Host:   creds.Domain,
		},
		Params: sip.NewParams(),
	}
	from.Params.Add("tag", c.localTag)
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: c.target, Params: sip.NewParams()})
	req.AppendHeader(&sip.ContactHeader{Address: c.ua.contactURI()})
	req.AppendHeader(sip.NewHeader("Allow", allowedMethods))
	return req
}

// awaitAnswer collects responses until a final one arrives. It returns the
// 2xx together with the request that produced it, which differs from req
// after an authentication retry.
func (c *Call) awaitAnswer(ctx context.Context, req *sip.Request, tx sip.ClientTransaction) (*sip.Response, *sip.Request, error) {
	sent := req
	authTried := false
	ringing := false

	for {
		var res *sip.Response
		select {
		case <-ctx.Done():
			return nil, sent, ctx.Err()
		case <-tx.Done():
			tx.Terminate()
			if txErr := tx.Err(); txErr != nil {
				return nil, sent, fmt.Errorf("invite transaction error: %w", txErr)
			}
			return nil, sent, errors.New("invite transaction ended without final response")
		case res = <-tx.Responses():
		}

		switch {
		case res.StatusCode == 100:
			continue

		case res.StatusCode == 180 || res.StatusCode == 183:
			if !ringing {
				ringing = true
				c.logger.Info("remote party ringing", "status", res.StatusCode)
			}

		case (res.StatusCode == 401 || res.StatusCode == 407) && !authTried:
			authTried = true
			tx.Terminate()

			authReq, err := c.ua.authorize(sent, res, sent.Recipient.String())
			if err != nil {
				return nil, sent, err
			}
			c.logger.Debug("re-sending invite with auth")

			tx, err = c.ua.client.TransactionRequest(ctx, authReq,
				sipgo.ClientRequestIncreaseCSEQ,
				sipgo.ClientRequestAddVia,
			)
			if err != nil {
				return nil, sent, fmt.Errorf("sending authenticated invite: %w", err)
			}
			sent = authReq

		case res.StatusCode >= 200 && res.StatusCode < 300:
			return res, sent, nil

		case res.StatusCode >= 300:
			tx.Terminate()
			c.logger.Info("invite rejected",
				"status", res.StatusCode,
				"reason", res.Reason,
			)
			return nil, sent, &phone.StatusError{Code: res.StatusCode, Reason: res.Reason}
		}
	}
}

// established records the dialog created by a 2xx, acknowledges it and
// applies the SDP answer.
func (c *Call) established(req *sip.Request, res *sip.Response) error {
	c.mu.Lock()
	c.inviteReq = req
	c.inviteRes = res
	c.state = dialogConfirmed
	c.cancelDial = nil
	if tag, ok := res.To().Params.Get("tag"); ok {
		c.remoteTag = tag
	}
	c.remoteTarget = req.Recipient
	if contact := res.Contact(); contact != nil {
		c.remoteTarget = contact.Address
	}
	c.routeSet = recordRoutes(res, true)
	if cseq := req.CSeq(); cseq != nil {
		c.cseq = cseq.SeqNo
	}
	session := c.session
	c.mu.Unlock()

	ack := buildACKFor2xx(req, res)
	if err := c.ua.client.WriteRequest(ack); err != nil {
		c.logger.Error("failed to send ack", "error", err)
	}

	if err := session.SetAnswer(res.Body()); err != nil {
		c.logger.Warn("unusable sdp answer, hanging up", "error", err)
		hangupCtx, cancel := context.WithTimeout(context.Background(), inDialogTimeout)
		defer cancel()
		if herr := c.Hangup(hangupCtx); herr != nil {
			c.logger.Debug("hangup after failed negotiation", "error", herr)
		}
		return &phone.StatusError{Code: 488, Reason: "Not Acceptable Here"}
	}

	c.logger.Info("call answered",
		"peer", c.peer,
		"codec", session.Codec().Name,
	)
	return nil
}

// abandon cancels a pending INVITE. An answer that crosses the CANCEL is
// acknowledged and closed with BYE.
func (c *Call) abandon(invite *sip.Request, tx sip.ClientTransaction) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()

	cancelReq := sip.NewRequest(sip.CANCEL, invite.Recipient)
	cancelReq.SetTransport(invite.Transport())

	// CANCEL must match the INVITE's Via, From, To and Call-ID.
	sip.CopyHeaders("Via", invite, cancelReq)
	sip.CopyHeaders("From", invite, cancelReq)
	sip.CopyHeaders("To", invite, cancelReq)
	sip.CopyHeaders("Call-ID", invite, cancelReq)
	if cseq := invite.CSeq(); cseq != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{
			SeqNo:      cseq.SeqNo,
			MethodName: sip.CANCEL,
		})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)

	cancelTx, err := c.ua.client.TransactionRequest(ctx, cancelReq)
	if err != nil {
		c.logger.Debug("failed to send cancel", "error", err)
		tx.Terminate()
		return
	}
	if _, err := getResponse(ctx, cancelTx); err != nil {
		c.logger.Debug("no response to cancel", "error", err)
	}
	cancelTx.Terminate()

	// Wait for the INVITE's final response.
	for {
		select {
		case <-ctx.Done():
			tx.Terminate()
			return
		case <-tx.Done():
			return
		case res := <-tx.Responses():
			if res.StatusCode < 200 {
				continue
			}
			if res.StatusCode < 300 {
				c.hangupCrossedAnswer(invite, res)
			}
			tx.Terminate()
			c.logger.Info("outbound call cancelled", "status", res.StatusCode)
			return
		}
	}
}

func (c *Call) hangupCrossedAnswer(invite *sip.Request, res *sip.Response) {
	c.logger.Debug("answer crossed cancel, sending bye")
	ack := buildACKFor2xx(invite, res)
	if err := c.ua.client.WriteRequest(ack); err != nil {
		c.logger.Debug("failed to send ack", "error", err)
	}

	c.mu.Lock()
	c.inviteReq = invite
	c.inviteRes = res
	c.state = dialogConfirmed
	if tag, ok := res.To().Params.Get("tag"); ok {
		c.remoteTag = tag
	}
	c.remoteTarget = invite.Recipient
	if contact := res.Contact(); contact != nil {
		c.remoteTarget = contact.Address
	}
	c.routeSet = recordRoutes(res, true)
	if cseq := invite.CSeq(); cseq != nil {
		c.cseq = cseq.SeqNo
	}
	c.mu.Unlock()

	bye, err := c.newInDialogRequest(sip.BYE)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), inDialogTimeout)
	defer cancel()
	if _, err := c.ua.send(ctx, bye); err != nil {
		c.logger.Debug("bye after crossed answer failed", "error", err)
	}

	c.mu.Lock()
	c.state = dialogTerminated
	c.mu.Unlock()
}

// buildACKFor2xx creates the ACK for a 2xx response to an INVITE. The ACK
// is sent by the UA core, not the transaction layer, to the Contact of the
// response when present.
func buildACKFor2xx(inviteReq *sip.Request, inviteResp *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteResp.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = inviteReq.SipVersion

	// Route set from the response's Record-Route, in reverse.
	for _, route := range recordRoutes(inviteResp, true) {
		ack.AppendHeader(sip.NewHeader("Route", route))
	}

	if h := inviteReq.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	// To carries the remote tag.
	if h := inviteResp.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := ack.CSeq(); cseq != nil {
		cseq.MethodName = sip.ACK
	}

	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	if h := inviteReq.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	ack.SetTransport(inviteReq.Transport())
	ack.SetSource(inviteReq.Source())

	return ack
}
