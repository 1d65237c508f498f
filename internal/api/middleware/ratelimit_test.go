package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestIPRateLimiterAllow(t *testing.T) {
	cfg := RateLimitConfig{
		Rate:            rate.Limit(2),
		Burst:           2,
		CleanupInterval: time.Hour,
		MaxAge:          time.Hour,
	}
	rl := NewIPRateLimiter(cfg, discardLogger())
	defer rl.Stop()

	if !rl.Allow("192.168.1.1") {
		t.Fatal("first request was limited")
	}
	if !rl.Allow("192.168.1.1") {
		t.Fatal("second request was limited")
	}
	if rl.Allow("192.168.1.1") {
		t.Fatal("third request exceeded the burst but was allowed")
	}
	if !rl.Allow("192.168.1.2") {
		t.Fatal("request from a different IP was limited")
	}
}

func TestIPRateLimiterCleanup(t *testing.T) {
	cfg := RateLimitConfig{
		Rate:            rate.Limit(10),
		Burst:           10,
		CleanupInterval: time.Hour,
		MaxAge:          0,
	}
	rl := NewIPRateLimiter(cfg, discardLogger())
	defer rl.Stop()

	rl.Allow("10.0.0.1")
	rl.cleanup()

	rl.mu.Lock()
	count := len(rl.entries)
	rl.mu.Unlock()

	if count != 0 {
		t.Errorf("entries after cleanup = %d, want 0", count)
	}
}

func TestIPRateLimiterStopTwice(t *testing.T) {
	rl := NewIPRateLimiter(ControlRateLimitConfig(), discardLogger())
	rl.Stop()
	rl.Stop()
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewIPRateLimiter(LoginRateLimitConfig(), discardLogger())
	defer rl.Stop()

	handler := RateLimit(rl)(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil)
	req.RemoteAddr = "10.0.0.5:12345"

	for i := range 5 {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want %d", i+1, rec.Code, http.StatusOK)
		}
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	if got := rec.Header().Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q, want 1", got)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", got)
	}
}

func TestRetryAfter(t *testing.T) {
	tests := []struct {
		limit rate.Limit
		want  string
	}{
		{rate.Limit(10), "1"},
		{rate.Limit(1), "1"},
		{rate.Limit(0.2), "5"},
		{rate.Limit(0), "60"},
	}

	for _, tt := range tests {
		rl := &IPRateLimiter{cfg: RateLimitConfig{Rate: tt.limit}}
		if got := rl.retryAfter(); got != tt.want {
			t.Errorf("retryAfter(%v) = %q, want %q", tt.limit, got, tt.want)
		}
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		remoteAddr string
		want       string
	}{
		{"192.168.1.1:8080", "192.168.1.1"},
		{"[::1]:8080", "::1"},
		{"10.0.0.1", "10.0.0.1"},
	}

	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = tt.remoteAddr
		if got := ClientIP(r); got != tt.want {
			t.Errorf("ClientIP(%q) = %q, want %q", tt.remoteAddr, got, tt.want)
		}
	}
}
