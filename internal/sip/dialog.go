package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/flowphone/internal/media"
	"github.com/flowpbx/flowphone/internal/phone"
)

// dialogState tracks one call leg from invite to teardown.
type dialogState int

const (
	dialogIdle dialogState = iota
	dialogEarly
	dialogConfirmed
	dialogTerminated
)

func (s dialogState) String() string {
	switch s {
	case dialogIdle:
		return "idle"
	case dialogEarly:
		return "early"
	case dialogConfirmed:
		return "confirmed"
	case dialogTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Call is one SIP dialog. It implements phone.Call; the controller uses the
// *Call itself as its handle for the leg.
type Call struct {
	ua        *UA
	id        string
	direction phone.Direction
	peer      string
	target    sip.Uri
	logger    *slog.Logger

	mu           sync.Mutex
	state        dialogState
	inviteReq    *sip.Request
	inviteRes    *sip.Response
	serverTx     sip.ServerTransaction
	localTag     string
	remoteTag    string
	remoteTarget sip.Uri
	routeSet     []string
	cseq         uint32
	session      *media.Session
	localSDP     []byte
	lateOffer    bool
	acked        chan struct{}
	cancelDial   context.CancelFunc
	refer        *referSubscription
}

var _ phone.Call = (*Call)(nil)

// ID returns the SIP Call-ID.
func (c *Call) ID() string { return c.id }

// Peer returns the remote party as shown to the user.
func (c *Call) Peer() string { return c.peer }

// Media returns the call's RTP session once one has been negotiated.
func (c *Call) Media() phone.MediaStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	return c.session
}

func (c *Call) dialogState() dialogState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// terminate moves the dialog to terminated, releases its media and forgets
// it. It reports whether this call did the transition.
func (c *Call) terminate() bool {
	c.mu.Lock()
	if c.state == dialogTerminated {
		c.mu.Unlock()
		return false
	}
	c.state = dialogTerminated
	session := c.session
	cancel := c.cancelDial
	refer := c.refer
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if session != nil {
		session.Stop()
	}
	if refer != nil {
		// The transferee dropping the dialog after accepting the REFER
		// ends the subscription.
		refer.close()
	}
	c.ua.removeCall(c)
	return true
}

// Hangup ends the call in whatever state it is in: an outbound attempt is
// cancelled, an unanswered inbound call is declined and a confirmed dialog
// is closed with BYE.
func (c *Call) Hangup(ctx context.Context) error {
	c.mu.Lock()
	state := c.state
	direction := c.direction
	cancel := c.cancelDial
	c.mu.Unlock()

	switch {
	case state == dialogTerminated:
		return nil
	case state != dialogConfirmed && direction == phone.Outbound:
		if cancel != nil {
			cancel()
		}
		return nil
	case state != dialogConfirmed:
		return c.Reject(ctx, phone.RejectDeclined)
	}

	bye, err := c.newInDialogRequest(sip.BYE)
	if err != nil {
		c.terminate()
		return err
	}
	c.terminate()

	res, err := c.ua.send(ctx, bye)
	if err != nil {
		return fmt.Errorf("sending bye: %w", err)
	}
	if res.StatusCode >= 300 {
		c.logger.Debug("bye answered with failure", "status", res.StatusCode)
	}
	c.logger.Info("call hung up", "peer", c.peer)
	return nil
}

// newInDialogRequest builds a request inside the confirmed dialog. From,
// To and the request URI depend on which side created the dialog.
func (c *Call) newInDialogRequest(method sip.RequestMethod) (*sip.Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inviteReq == nil || c.state != dialogConfirmed {
		return nil, fmt.Errorf("cannot build %s: dialog not confirmed", method)
	}

	req := sip.NewRequest(method, *c.remoteTarget.Clone())
	req.SetTransport(c.inviteReq.Transport())

	for _, route := range c.routeSet {
		req.AppendHeader(sip.NewHeader("Route", route))
	}

	if c.direction == phone.Outbound {
		if from := c.inviteReq.From(); from != nil {
			req.AppendHeader(&sip.FromHeader{
				DisplayName: from.DisplayName,
				Address:     from.Address,
				Params:      from.Params.Clone(),
			})
		}
		if to := c.inviteReq.To(); to != nil {
			toHdr := &sip.ToHeader{
				DisplayName: to.DisplayName,
				Address:     to.Address,
				Params:      sip.NewParams(),
			}
			if c.remoteTag != "" {
				toHdr.Params.Add("tag", c.remoteTag)
			}
			req.AppendHeader(toHdr)
		}
	} else {
		// From is our side of the dialog with our tag, To is the caller.
		if to := c.inviteReq.To(); to != nil {
			fromHdr := &sip.FromHeader{
				DisplayName: to.DisplayName,
				Address:     to.Address,
				Params:      sip.NewParams(),
			}
			fromHdr.Params.Add("tag", c.localTag)
			req.AppendHeader(fromHdr)
		}
		if from := c.inviteReq.From(); from != nil {
			req.AppendHeader(&sip.ToHeader{
				DisplayName: from.DisplayName,
				Address:     from.Address,
				Params:      from.Params.Clone(),
			})
		}
	}

	if cid := c.inviteReq.CallID(); cid != nil {
		req.AppendHeader(sip.HeaderClone(cid))
	}

	c.cseq++
	req.AppendHeader(&sip.CSeqHeader{SeqNo: c.cseq, MethodName: method})

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(&sip.ContactHeader{Address: c.ua.contactURI()})

	return req, nil
}

// recordRoutes returns the Record-Route values of msg, reversed when the
// dialog was created by our request.
func recordRoutes(msg interface{ GetHeaders(string) []sip.Header }, reverse bool) []string {
	hdrs := msg.GetHeaders("Record-Route")
	routes := make([]string, 0, len(hdrs))
	for _, h := range hdrs {
		routes = append(routes, h.Value())
	}
	if reverse {
		for i, j := 0, len(routes)-1; i < j; i, j = i+1, j-1 {
			routes[i], routes[j] = routes[j], routes[i]
		}
	}
	return routes
}

// send runs req as a client transaction and returns its final response.
func (u *UA) send(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, inDialogTimeout)
	defer cancel()

	tx, err := u.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	defer tx.Terminate()

	return getResponse(ctx, tx)
}

// inDialogTimeout bounds BYE and REFER transactions.
const inDialogTimeout = 10 * time.Second
