package sip

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func newTestGuard(now *time.Time) *ScanGuard {
	g := NewScanGuard(slog.New(slog.NewTextHandler(io.Discard, nil)))
	g.now = func() time.Time { return *now }
	return g
}

func TestScanGuardBlocksAfterThreshold(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	g := newTestGuard(&now)
	src := "198.51.100.7:5060"

	for i := 0; i < maxRejectedInvites-1; i++ {
		g.Rejected(src)
	}
	if g.Blocked(src) {
		t.Fatal("Blocked() = true before reaching the threshold")
	}

	g.Rejected(src)
	if !g.Blocked(src) {
		t.Fatal("Blocked() = false after reaching the threshold")
	}
	if !g.Blocked("198.51.100.7:5080") {
		t.Error("block should apply to every port of the address")
	}
	if g.Blocked("198.51.100.8:5060") {
		t.Error("other addresses must not be blocked")
	}
	if got := g.BlockedCount(); got != 1 {
		t.Errorf("BlockedCount() = %d, want 1", got)
	}

	now = now.Add(baseBlock + time.Second)
	if g.Blocked(src) {
		t.Error("Blocked() = true after the block expired")
	}
}

func TestScanGuardProgressiveBlock(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	g := newTestGuard(&now)
	src := "198.51.100.7"

	for i := 0; i < maxRejectedInvites; i++ {
		g.Rejected(src)
	}
	now = now.Add(baseBlock + time.Second)
	for i := 0; i < maxRejectedInvites; i++ {
		g.Rejected(src)
	}

	// The second block lasts twice as long.
	now = now.Add(baseBlock + time.Second)
	if !g.Blocked(src) {
		t.Error("second block expired after the base duration")
	}
	now = now.Add(baseBlock)
	if g.Blocked(src) {
		t.Error("second block did not expire after twice the base duration")
	}
}

func TestScanGuardWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	g := newTestGuard(&now)
	src := "198.51.100.7:5060"

	for i := 0; i < maxRejectedInvites-1; i++ {
		g.Rejected(src)
	}
	now = now.Add(rejectWindow + time.Second)
	g.Rejected(src)
	if g.Blocked(src) {
		t.Error("rejects outside the window were counted")
	}
}

func TestScanGuardCleanup(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	g := newTestGuard(&now)

	g.Rejected("198.51.100.7:5060")
	for i := 0; i < maxRejectedInvites; i++ {
		g.Rejected("198.51.100.8:5060")
	}

	now = now.Add(rejectWindow + time.Second)
	g.Cleanup()

	g.mu.Lock()
	n := len(g.records)
	g.mu.Unlock()
	if n != 0 {
		t.Errorf("records after cleanup = %d, want 0", n)
	}
}

func TestSourceIP(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"192.0.2.1:5060", "192.0.2.1"},
		{"[2001:db8::1]:5060", "2001:db8::1"},
		{"192.0.2.1", "192.0.2.1"},
		{"", ""},
		{"not-an-ip", ""},
	}
	for _, tt := range tests {
		if got := sourceIP(tt.in); got != tt.want {
			t.Errorf("sourceIP(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
