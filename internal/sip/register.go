package sip

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/flowphone/internal/phone"
	"github.com/icholy/digest"
)

// registerTimeout bounds a single REGISTER exchange, including the
// authenticated retry.
const registerTimeout = 10 * time.Second

// registrationLoop keeps the line registered until ctx is cancelled. It
// starts from the outcome of the first REGISTER sent by Register.
func (u *UA) registrationLoop(ctx context.Context, granted int, firstErr error) {
	expiry := u.cfg.Expiry
	b := newBackoff()
	err := firstErr

	for {
		var wait time.Duration
		if err != nil {
			wait = b.next()
			u.logger.Error("registration failed",
				"registrar", u.registrarHost(),
				"error", err,
				"attempt", b.attempt,
				"retry_in", wait.String(),
			)
		} else {
			b.reset()
			// Refresh at 80% of the granted expiry to cover network delay.
			wait = time.Duration(float64(granted)*0.8) * time.Second
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		wasRegistered := err == nil
		granted, err = u.sendRegister(ctx, expiry)
		if ctx.Err() != nil {
			return
		}

		switch {
		case err == nil && !wasRegistered:
			u.logger.Info("line registered", "expires_in", granted)
			u.notifyRegistration(phone.RegistrationRegistered, nil)
		case err == nil:
			u.logger.Debug("registration refreshed", "expires_in", granted)
		case wasRegistered:
			u.notifyRegistration(phone.RegistrationFailed, err)
		}
	}
}

func (u *UA) notifyRegistration(state phone.RegistrationState, err error) {
	u.mu.Lock()
	l := u.listener
	u.registered = state == phone.RegistrationRegistered
	u.mu.Unlock()
	if l != nil {
		l.RegistrationChanged(state, err)
	}
}

// sendRegister sends a REGISTER with digest auth handling and returns the
// server-granted expiry. An expiry of zero removes the binding. Failures to
// reach the registrar wrap phone.ErrConnection; a final failure response is
// returned as a *phone.StatusError.
func (u *UA) sendRegister(ctx context.Context, expiry int) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()

	creds := u.credentials()
	recipientStr := "sip:" + u.registrarHost()
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return 0, fmt.Errorf("parsing registrar uri: %w", err)
	}

	req := sip.NewRequest(sip.REGISTER, recipient)
	req.SetTransport(u.transportName())

	// From and To carry the address of record.
	aor := fmt.Sprintf("<sip:%s@%s>", creds.Username, creds.Domain)
	req.AppendHeader(sip.NewHeader("From", aor))
	req.AppendHeader(sip.NewHeader("To", aor))
	req.AppendHeader(&sip.ContactHeader{Address: u.contactURI()})
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))

	tx, err := u.client.TransactionRequest(ctx, req, sipgo.ClientRequestRegisterBuild)
	if err != nil {
		return 0, fmt.Errorf("%w: sending register: %w", phone.ErrConnection, err)
	}

	res, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return 0, fmt.Errorf("%w: waiting for register response: %w", phone.ErrConnection, err)
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		authReq, err := u.authorize(req, res, recipientStr)
		if err != nil {
			return 0, err
		}

		tx2, err := u.client.TransactionRequest(ctx, authReq,
			sipgo.ClientRequestIncreaseCSEQ,
			sipgo.ClientRequestAddVia,
		)
		if err != nil {
			return 0, fmt.Errorf("%w: sending authenticated register: %w", phone.ErrConnection, err)
		}

		res, err = getResponse(ctx, tx2)
		tx2.Terminate()
		if err != nil {
			return 0, fmt.Errorf("%w: waiting for authenticated register response: %w", phone.ErrConnection, err)
		}
	}

	if res.StatusCode != 200 {
		return 0, &phone.StatusError{Code: res.StatusCode, Reason: res.Reason}
	}

	// The registrar may shorten the requested expiry. The Contact expires
	// parameter takes precedence over the Expires header.
	grantedExpiry := expiry
	if contactHdr := res.GetHeader("Contact"); contactHdr != nil {
		if parsed := parseContactExpires(contactHdr.Value()); parsed > 0 {
			grantedExpiry = parsed
		}
	} else if expiresHdr := res.GetHeader("Expires"); expiresHdr != nil {
		if parsed := parseExpiresHeader(expiresHdr.Value()); parsed > 0 {
			grantedExpiry = parsed
		}
	}

	return grantedExpiry, nil
}

// authorize answers a 401/407 challenge to req with a digest credential. The
// returned request has no Via so the client adds a fresh branch.
func (u *UA) authorize(req *sip.Request, challenge *sip.Response, uri string) (*sip.Request, error) {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if challenge.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	hdr := challenge.GetHeader(authHeader)
	if hdr == nil {
		return nil, fmt.Errorf("received %d but no %s header", challenge.StatusCode, authHeader)
	}

	chal, err := digest.ParseChallenge(hdr.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing auth challenge: %w", err)
	}

	creds := u.credentials()
	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      uri,
		Username: creds.Username,
		Password: creds.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("computing digest: %w", err)
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.RemoveHeader(authzHeader)
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))
	return authReq, nil
}

// unregister removes the binding with a best-effort REGISTER carrying
// Expires: 0.
func (u *UA) unregister(ctx context.Context) error {
	if _, err := u.sendRegister(ctx, 0); err != nil {
		var se *phone.StatusError
		if errors.As(err, &se) {
			return fmt.Errorf("registrar refused unregister: %w", err)
		}
		return err
	}
	return nil
}

// getResponse waits for the first final response from a SIP client
// transaction. Provisional responses are skipped.
func getResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tx.Done():
			return nil, fmt.Errorf("transaction terminated: %w", tx.Err())
		case res := <-tx.Responses():
			if res.StatusCode < 200 {
				continue
			}
			return res, nil
		}
	}
}

// parseContactExpires extracts the expires parameter from a Contact header
// value such as <sip:user@host>;expires=3600. It returns 0 when there is no
// usable parameter.
func parseContactExpires(contactValue string) int {
	lower := strings.ToLower(contactValue)
	idx := strings.Index(lower, ";expires=")
	if idx < 0 {
		return 0
	}
	rest := contactValue[idx+len(";expires="):]

	end := strings.IndexAny(rest, ";,> \t")
	if end > 0 {
		rest = rest[:end]
	}

	val, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0
	}
	return val
}

// parseExpiresHeader parses an Expires header value in seconds. It returns
// 0 if parsing fails.
func parseExpiresHeader(value string) int {
	val, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return val
}

// backoff implements exponential backoff with jitter for registration
// retries.
type backoff struct {
	attempt   int
	baseDelay time.Duration
	maxDelay  time.Duration
}

func newBackoff() *backoff {
	return &backoff{
		baseDelay: 5 * time.Second,
		maxDelay:  5 * time.Minute,
	}
}

func (b *backoff) next() time.Duration {
	d := b.current()
	b.attempt++
	return d
}

func (b *backoff) current() time.Duration {
	d := b.baseDelay
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d > b.maxDelay {
			d = b.maxDelay
			break
		}
	}
	// ±20% jitter
	jitter := float64(d) * 0.2 * (2*rand.Float64() - 1)
	d += time.Duration(jitter)
	if d < 0 {
		d = b.baseDelay
	}
	return d
}

func (b *backoff) reset() {
	b.attempt = 0
}
