package sip

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/flowphone/internal/phone"
	"github.com/looplab/fsm"
)

// REFER subscription states (RFC 3515). The subscription is implicit and
// ends once a final sipfrag has been reported.
const (
	referPending    = "pending"
	referTrying     = "trying"
	referProceeding = "proceeding"
	referCompleted  = "completed"
	referFailed     = "failed"
	referTerminated = "terminated"
)

const (
	evNotify100     = "notify_100"
	evNotify1xx     = "notify_1xx"
	evNotifySuccess = "notify_success"
	evNotifyFailure = "notify_failure"
	evTerminate     = "terminate"
)

// referWait bounds how long a transfer waits for progress after the REFER
// was accepted. Silence past it is treated as success.
const referWait = 5 * time.Second

var errReferInProgress = errors.New("a transfer is already in progress on this call")

func newReferFSM() *fsm.FSM {
	open := []string{referPending, referTrying, referProceeding}
	return fsm.NewFSM(
		referPending,
		fsm.Events{
			{Name: evNotify100, Src: []string{referPending}, Dst: referTrying},
			{Name: evNotify1xx, Src: open, Dst: referProceeding},
			{Name: evNotifySuccess, Src: open, Dst: referCompleted},
			{Name: evNotifyFailure, Src: open, Dst: referFailed},
			{Name: evTerminate, Src: []string{referCompleted, referFailed}, Dst: referTerminated},
		},
		nil,
	)
}

// referSubscription follows the NOTIFYs sent for one REFER.
type referSubscription struct {
	mu  sync.Mutex
	fsm *fsm.FSM

	progressed   chan struct{}
	progressOnce sync.Once
	result       chan error
	finishOnce   sync.Once
}

func newReferSubscription() *referSubscription {
	return &referSubscription{
		fsm:        newReferFSM(),
		progressed: make(chan struct{}),
		result:     make(chan error, 1),
	}
}

func (s *referSubscription) state() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fsm.Current()
}

// update applies the status line of one sipfrag.
func (s *referSubscription) update(code int, reason string) error {
	event := referEventFor(code)

	s.mu.Lock()
	err := s.fsm.Event(context.Background(), event)
	state := s.fsm.Current()
	s.mu.Unlock()

	switch state {
	case referTrying, referProceeding:
		s.markProgress()
	case referCompleted:
		s.finish(nil)
	case referFailed:
		s.finish(&phone.StatusError{Code: code, Reason: reason})
	}

	var invalid fsm.InvalidEventError
	if errors.As(err, &invalid) {
		return fmt.Errorf("unexpected %d in state %s", code, state)
	}
	return nil
}

// close ends the subscription. A subscription closed without a final
// status counts as successful.
func (s *referSubscription) close() {
	s.mu.Lock()
	if s.fsm.Can(evTerminate) {
		_ = s.fsm.Event(context.Background(), evTerminate)
	}
	s.mu.Unlock()
	s.finish(nil)
}

func (s *referSubscription) markProgress() {
	s.progressOnce.Do(func() { close(s.progressed) })
}

func (s *referSubscription) finish(err error) {
	s.finishOnce.Do(func() {
		s.result <- err
		s.markProgress()
	})
}

// wait blocks until the transfer outcome is known. A blind transfer is done
// at the first sign of progress; an attended one waits for the final
// status.
func (s *referSubscription) wait(ctx context.Context, final bool, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	progressed := s.progressed
	if final {
		progressed = nil
	}

	select {
	case err := <-s.result:
		return err
	case <-progressed:
		select {
		case err := <-s.result:
			return err
		default:
			return nil
		}
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func referEventFor(code int) string {
	switch {
	case code == 100:
		return evNotify100
	case code < 200:
		return evNotify1xx
	case code < 300:
		return evNotifySuccess
	default:
		return evNotifyFailure
	}
}

// parseSipfrag reads the status line of a message/sipfrag body, e.g.
// "SIP/2.0 200 OK".
func parseSipfrag(body []byte) (int, string, error) {
	line := strings.TrimSpace(string(body))
	if i := strings.IndexAny(line, "\r\n"); i >= 0 {
		line = line[:i]
	}
	if !strings.HasPrefix(line, "SIP/") {
		return 0, "", fmt.Errorf("not a sipfrag status line: %q", line)
	}

	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return 0, "", fmt.Errorf("malformed sipfrag status line: %q", line)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 || code > 699 {
		return 0, "", fmt.Errorf("invalid sipfrag status code %q", parts[1])
	}
	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	}
	return code, reason, nil
}

// Refer asks the remote party to call target (blind transfer).
func (c *Call) Refer(ctx context.Context, target string) error {
	uri, err := targetURI(target, c.ua.credentials().Domain)
	if err != nil {
		return err
	}
	return c.sendRefer(ctx, "<"+addressOf(uri)+">", false)
}

// ReferReplaces asks the remote party to replace the consultation call
// with itself (attended transfer).
func (c *Call) ReferReplaces(ctx context.Context, consult phone.Call) error {
	other, ok := consult.(*Call)
	if !ok || other == nil {
		return fmt.Errorf("consultation call %T is not a sip call", consult)
	}
	referTo, err := other.replacesReferTo()
	if err != nil {
		return err
	}
	return c.sendRefer(ctx, referTo, true)
}

func (c *Call) sendRefer(ctx context.Context, referTo string, final bool) error {
	req, err := c.newInDialogRequest(sip.REFER)
	if err != nil {
		return err
	}
	creds := c.ua.credentials()
	req.AppendHeader(sip.NewHeader("Refer-To", referTo))
	req.AppendHeader(sip.NewHeader("Referred-By", fmt.Sprintf("<sip:%s@%s>", creds.Username, creds.Domain)))

	sub := newReferSubscription()
	c.mu.Lock()
	if c.refer != nil {
		c.mu.Unlock()
		return errReferInProgress
	}
	c.refer = sub
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.refer == sub {
			c.refer = nil
		}
		c.mu.Unlock()
	}()

	c.logger.Info("sending refer", "refer_to", referTo)

	res, err := c.ua.send(ctx, req)
	if err != nil {
		return fmt.Errorf("sending refer: %w", err)
	}
	if res.StatusCode >= 300 {
		return &phone.StatusError{Code: res.StatusCode, Reason: res.Reason}
	}

	if err := sub.wait(ctx, final, referWait); err != nil {
		return err
	}
	c.logger.Info("transfer accepted", "state", sub.state())
	return nil
}

// referProgress handles a NOTIFY for the REFER in flight on this dialog.
func (c *Call) referProgress(body []byte, terminated bool) {
	c.mu.Lock()
	sub := c.refer
	c.mu.Unlock()
	if sub == nil {
		c.logger.Debug("refer notify with no transfer in progress")
		return
	}

	code, reason, err := parseSipfrag(body)
	if err != nil {
		c.logger.Debug("ignoring refer notify", "error", err)
	} else {
		c.logger.Debug("transfer progress", "status", code, "reason", reason)
		if err := sub.update(code, reason); err != nil {
			c.logger.Debug("refer subscription", "error", err)
		}
	}
	if terminated {
		sub.close()
	}
}

// replacesReferTo builds the Refer-To that points the transferee at this
// call's remote party, replacing this dialog.
func (c *Call) replacesReferTo() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != dialogConfirmed || c.inviteReq == nil {
		return "", errors.New("consultation call is not established")
	}

	var remote sip.Uri
	if c.direction == phone.Outbound {
		remote = c.inviteReq.To().Address
	} else {
		remote = c.inviteReq.From().Address
	}

	replaces := fmt.Sprintf("%s;to-tag=%s;from-tag=%s", c.id, c.remoteTag, c.localTag)
	return fmt.Sprintf("<%s?Replaces=%s>", addressOf(remote), url.QueryEscape(replaces)), nil
}

// addressOf renders a bare sip URI without parameters or headers.
func addressOf(uri sip.Uri) string {
	scheme := uri.Scheme
	if scheme == "" {
		scheme = "sip"
	}
	s := scheme + ":"
	if uri.User != "" {
		s += uri.User + "@"
	}
	s += uri.Host
	if uri.Port > 0 {
		s += ":" + strconv.Itoa(uri.Port)
	}
	return s
}
