package sip

import "testing"

func TestParseTraceLevel(t *testing.T) {
	tests := []struct {
		in   string
		want TraceLevel
	}{
		{"", TraceOff},
		{"off", TraceOff},
		{"headers", TraceHeaders},
		{" Headers ", TraceHeaders},
		{"FULL", TraceFull},
		{"verbose", TraceOff},
	}

	for _, tt := range tests {
		got := ParseTraceLevel(tt.in)
		if got != tt.want {
			t.Errorf("ParseTraceLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
		if ParseTraceLevel(got.String()) != got {
			t.Errorf("ParseTraceLevel(%q.String()) did not round trip", got)
		}
	}
}

func TestFormatMessage(t *testing.T) {
	msg := []byte("INVITE sip:bob@example.com SIP/2.0\r\nCall-ID: abc\r\n\r\nv=0\r\n")

	tests := []struct {
		name  string
		msg   []byte
		level TraceLevel
		want  string
	}{
		{"headers strips body", msg, TraceHeaders, "INVITE sip:bob@example.com SIP/2.0\r\nCall-ID: abc"},
		{"full keeps body", msg, TraceFull, string(msg)},
		{"no body separator", []byte("OPTIONS sip:x SIP/2.0"), TraceHeaders, "OPTIONS sip:x SIP/2.0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatMessage(tt.msg, tt.level); got != tt.want {
				t.Errorf("formatMessage() = %q, want %q", got, tt.want)
			}
		})
	}
}
