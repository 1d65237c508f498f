package sip

import (
	"testing"
	"time"
)

func TestBackoff_ExponentialGrowth(t *testing.T) {
	b := newBackoff()

	// Base delay is 5s and doubles each attempt up to 5m.
	expectedBase := []time.Duration{
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		80 * time.Second,
		160 * time.Second,
		300 * time.Second,
		300 * time.Second,
	}

	for i, expected := range expectedBase {
		d := b.next()
		low := time.Duration(float64(expected) * 0.75)
		high := time.Duration(float64(expected) * 1.25)
		if d < low || d > high {
			t.Errorf("attempt %d: got %v, want %v ±20%% (range %v to %v)",
				i, d, expected, low, high)
		}
	}
}

func TestBackoff_Reset(t *testing.T) {
	b := newBackoff()
	for i := 0; i < 5; i++ {
		b.next()
	}

	b.reset()

	if b.attempt != 0 {
		t.Errorf("after reset: attempt = %d, want 0", b.attempt)
	}
	d := b.next()
	low := time.Duration(float64(5*time.Second) * 0.75)
	high := time.Duration(float64(5*time.Second) * 1.25)
	if d < low || d > high {
		t.Errorf("after reset: got %v, want ~5s (range %v to %v)", d, low, high)
	}
}

func TestBackoff_MaxDelayCap(t *testing.T) {
	b := newBackoff()
	for i := 0; i < 20; i++ {
		b.next()
	}

	d := b.current()
	maxWithJitter := time.Duration(float64(5*time.Minute) * 1.25)
	if d > maxWithJitter {
		t.Errorf("delay %v exceeds max delay with jitter %v", d, maxWithJitter)
	}
}

func TestParseContactExpires(t *testing.T) {
	tests := []struct {
		value string
		want  int
	}{
		{"<sip:alice@10.0.0.5:5060>;expires=3600", 3600},
		{"<sip:alice@10.0.0.5:5060>;EXPIRES=120;q=1.0", 120},
		{"<sip:alice@10.0.0.5:5060>;q=0.5;expires=60", 60},
		{"<sip:alice@10.0.0.5:5060>", 0},
		{"<sip:alice@10.0.0.5:5060>;expires=soon", 0},
		{"", 0},
	}

	for _, tt := range tests {
		if got := parseContactExpires(tt.value); got != tt.want {
			t.Errorf("parseContactExpires(%q) = %d, want %d", tt.value, got, tt.want)
		}
	}
}

func TestParseExpiresHeader(t *testing.T) {
	tests := []struct {
		value string
		want  int
	}{
		{"300", 300},
		{" 3600 ", 3600},
		{"0", 0},
		{"abc", 0},
		{"", 0},
	}

	for _, tt := range tests {
		if got := parseExpiresHeader(tt.value); got != tt.want {
			t.Errorf("parseExpiresHeader(%q) = %d, want %d", tt.value, got, tt.want)
		}
	}
}
