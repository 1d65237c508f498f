package sip

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/flowphone/internal/phone"
)

func TestParseSipfrag(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantCode   int
		wantReason string
		wantErr    bool
	}{
		{"trying", "SIP/2.0 100 Trying", 100, "Trying", false},
		{"ok with crlf", "SIP/2.0 200 OK\r\n", 200, "OK", false},
		{"multi word reason", "SIP/2.0 486 Busy Here\r\nContent-Length: 0\r\n", 486, "Busy Here", false},
		{"no reason", "SIP/2.0 180", 180, "", false},
		{"leading whitespace", "  SIP/2.0 183 Session Progress", 183, "Session Progress", false},
		{"not a status line", "INVITE sip:bob@example.com SIP/2.0", 0, "", true},
		{"bad code", "SIP/2.0 abc OK", 0, "", true},
		{"out of range", "SIP/2.0 99 Odd", 0, "", true},
		{"empty", "", 0, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, reason, err := parseSipfrag([]byte(tt.body))
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseSipfrag(%q) error = %v, wantErr %v", tt.body, err, tt.wantErr)
			}
			if code != tt.wantCode {
				t.Errorf("code = %d, want %d", code, tt.wantCode)
			}
			if reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", reason, tt.wantReason)
			}
		})
	}
}

func TestReferEventFor(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, evNotify100},
		{180, evNotify1xx},
		{183, evNotify1xx},
		{200, evNotifySuccess},
		{202, evNotifySuccess},
		{404, evNotifyFailure},
		{603, evNotifyFailure},
	}

	for _, tt := range tests {
		if got := referEventFor(tt.code); got != tt.want {
			t.Errorf("referEventFor(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

func TestReferSubscription_Progression(t *testing.T) {
	s := newReferSubscription()
	if got := s.state(); got != referPending {
		t.Fatalf("initial state = %q, want %q", got, referPending)
	}

	steps := []struct {
		code  int
		state string
	}{
		{100, referTrying},
		{180, referProceeding},
		{183, referProceeding},
		{200, referCompleted},
	}
	for _, step := range steps {
		if err := s.update(step.code, ""); err != nil {
			t.Fatalf("update(%d) error = %v", step.code, err)
		}
		if got := s.state(); got != step.state {
			t.Errorf("after %d: state = %q, want %q", step.code, got, step.state)
		}
	}

	s.close()
	if got := s.state(); got != referTerminated {
		t.Errorf("after close: state = %q, want %q", got, referTerminated)
	}
}

func TestReferSubscription_UnexpectedStatus(t *testing.T) {
	s := newReferSubscription()
	if err := s.update(180, "Ringing"); err != nil {
		t.Fatalf("update(180) error = %v", err)
	}
	if err := s.update(100, "Trying"); err == nil {
		t.Error("update(100) after 180: expected error")
	}
	if got := s.state(); got != referProceeding {
		t.Errorf("state = %q, want %q", got, referProceeding)
	}
}

func TestReferSubscription_WaitBlindReturnsOnProgress(t *testing.T) {
	s := newReferSubscription()
	if err := s.update(100, "Trying"); err != nil {
		t.Fatalf("update error = %v", err)
	}

	start := time.Now()
	if err := s.wait(context.Background(), false, time.Second); err != nil {
		t.Errorf("wait() error = %v, want nil", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("wait took %v, want immediate return", elapsed)
	}
}

func TestReferSubscription_WaitFinalReportsFailure(t *testing.T) {
	s := newReferSubscription()
	go func() {
		_ = s.update(100, "Trying")
		_ = s.update(486, "Busy Here")
	}()

	err := s.wait(context.Background(), true, 2*time.Second)
	var se *phone.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("wait() error = %v, want *phone.StatusError", err)
	}
	if se.Code != 486 {
		t.Errorf("status code = %d, want 486", se.Code)
	}
}

func TestReferSubscription_WaitFinalSuccess(t *testing.T) {
	s := newReferSubscription()
	go func() {
		_ = s.update(180, "Ringing")
		_ = s.update(200, "OK")
	}()

	if err := s.wait(context.Background(), true, 2*time.Second); err != nil {
		t.Errorf("wait() error = %v, want nil", err)
	}
}

func TestReferSubscription_WaitTimeoutIsSuccess(t *testing.T) {
	s := newReferSubscription()
	if err := s.wait(context.Background(), true, 20*time.Millisecond); err != nil {
		t.Errorf("wait() error = %v, want nil", err)
	}
}

func TestReferSubscription_WaitContextCancelled(t *testing.T) {
	s := newReferSubscription()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.wait(ctx, true, time.Second); !errors.Is(err, context.Canceled) {
		t.Errorf("wait() error = %v, want context.Canceled", err)
	}
}

func TestReferSubscription_CloseWithoutFinal(t *testing.T) {
	s := newReferSubscription()
	_ = s.update(100, "Trying")
	s.close()

	if err := s.wait(context.Background(), true, time.Second); err != nil {
		t.Errorf("wait() after close error = %v, want nil", err)
	}
	// close is idempotent.
	s.close()
}

func TestAddressOf(t *testing.T) {
	tests := []struct {
		uri  sip.Uri
		want string
	}{
		{sip.Uri{Scheme: "sip", User: "bob", Host: "example.com"}, "sip:bob@example.com"},
		{sip.Uri{User: "bob", Host: "example.com", Port: 5080}, "sip:bob@example.com:5080"},
		{sip.Uri{Scheme: "sips", Host: "example.com"}, "sips:example.com"},
	}

	for _, tt := range tests {
		if got := addressOf(tt.uri); got != tt.want {
			t.Errorf("addressOf(%+v) = %q, want %q", tt.uri, got, tt.want)
		}
	}
}

func TestReplacesReferTo(t *testing.T) {
	remote := sip.Uri{Scheme: "sip", User: "carol", Host: "pbx.example.com"}
	req := sip.NewRequest(sip.INVITE, remote)
	req.AppendHeader(&sip.ToHeader{Address: remote, Params: sip.NewParams()})

	c := &Call{
		id:        "abc123",
		direction: phone.Outbound,
		state:     dialogConfirmed,
		inviteReq: req,
		localTag:  "lt",
		remoteTag: "rt",
	}

	got, err := c.replacesReferTo()
	if err != nil {
		t.Fatalf("replacesReferTo() error = %v", err)
	}
	want := "<sip:carol@pbx.example.com?Replaces=abc123%3Bto-tag%3Drt%3Bfrom-tag%3Dlt>"
	if got != want {
		t.Errorf("replacesReferTo() = %q, want %q", got, want)
	}
}

func TestReplacesReferTo_NotEstablished(t *testing.T) {
	c := &Call{id: "abc123", direction: phone.Outbound, state: dialogEarly}
	if _, err := c.replacesReferTo(); err == nil {
		t.Error("expected error for unestablished consultation call")
	}
}
