package phone

import (
	"testing"
	"time"
)

func TestLegFSM_Transitions(t *testing.T) {
	tests := []struct {
		name    string
		initial SessionState
		events  []string
		want    SessionState
		wantErr bool
	}{
		{"inbound answered", StateRinging, []string{evAnswer}, StateEstablished, false},
		{"outbound answered", StateDialing, []string{evAnswer}, StateEstablished, false},
		{"hold and resume", StateDialing, []string{evAnswer, evHold, evResume}, StateEstablished, false},
		{"terminate while held", StateDialing, []string{evAnswer, evHold, evTerminate}, StateTerminated, false},
		{"ringing terminated", StateRinging, []string{evTerminate}, StateTerminated, false},
		{"hold while ringing", StateRinging, []string{evHold}, StateRinging, true},
		{"resume while established", StateRinging, []string{evAnswer, evResume}, StateEstablished, true},
		{"terminated is absorbing", StateRinging, []string{evTerminate, evAnswer}, StateTerminated, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := &leg{fsm: newLegFSM(tt.initial)}
			var err error
			for _, ev := range tt.events {
				if err = l.fire(ev); err != nil {
					break
				}
			}
			if (err != nil) != tt.wantErr {
				t.Errorf("fire() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got := l.state(); got != tt.want {
				t.Errorf("state = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLeg_SendEnabled(t *testing.T) {
	tests := []struct {
		muted, onHold bool
		want          bool
	}{
		{false, false, true},
		{true, false, false},
		{false, true, false},
		{true, true, false},
	}
	for _, tt := range tests {
		l := &leg{muted: tt.muted, onHold: tt.onHold}
		if got := l.sendEnabled(); got != tt.want {
			t.Errorf("sendEnabled(muted=%v, onHold=%v) = %v, want %v", tt.muted, tt.onHold, got, tt.want)
		}
	}
}

func TestLeg_Summary(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	l := &leg{
		handle:    "h1",
		direction: Inbound,
		peer:      "1044",
		call:      newFakeCall("in-1", "1044"),
		fsm:       newLegFSM(StateRinging),
		startedAt: start,
	}

	s := l.summary(start.Add(20*time.Second), DispositionMissed)
	if !s.Missed {
		t.Error("Missed = false for missed call")
	}
	if s.AnsweredAt != nil {
		t.Errorf("AnsweredAt = %v, want nil", s.AnsweredAt)
	}

	l.establishedAt = start.Add(5 * time.Second)
	l.duration = 42
	s = l.summary(start.Add(time.Minute), DispositionAnswered)
	if s.Missed {
		t.Error("Missed = true for answered call")
	}
	if s.AnsweredAt == nil || !s.AnsweredAt.Equal(l.establishedAt) {
		t.Errorf("AnsweredAt = %v, want %v", s.AnsweredAt, l.establishedAt)
	}
	if s.DurationSeconds != 42 {
		t.Errorf("DurationSeconds = %d, want 42", s.DurationSeconds)
	}
}
