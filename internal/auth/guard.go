package auth

import (
	"log/slog"
	"net"
	"sync"
	"time"
)

const (
	// maxFailedLogins within failureWindow blocks the client address.
	maxFailedLogins = 5
	failureWindow   = 15 * time.Minute

	// Blocks start at baseBlock and double on every repeat offence.
	baseBlock = time.Minute
	maxBlock  = time.Hour
)

type loginRecord struct {
	failures     []time.Time
	blockedUntil time.Time
	// nextBlock is the length of the next block.
	nextBlock time.Duration
}

// LoginGuard blocks client addresses that keep failing the API login.
type LoginGuard struct {
	mu      sync.Mutex
	records map[string]*loginRecord
	now     func() time.Time
	logger  *slog.Logger
}

// NewLoginGuard creates a guard with no recorded failures.
func NewLoginGuard(logger *slog.Logger) *LoginGuard {
	return &LoginGuard{
		records: make(map[string]*loginRecord),
		now:     time.Now,
		logger:  logger.With("subsystem", "login-guard"),
	}
}

// Blocked reports whether source may not attempt a login, and for how much
// longer. The source may be "ip:port" or just "ip".
func (g *LoginGuard) Blocked(source string) (time.Duration, bool) {
	ip := extractIP(source)
	if ip == "" {
		return 0, false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[ip]
	if !ok {
		return 0, false
	}
	remaining := rec.blockedUntil.Sub(g.now())
	if remaining <= 0 {
		return 0, false
	}
	return remaining, true
}

// Failure records a failed login from source.
func (g *LoginGuard) Failure(source string) {
	ip := extractIP(source)
	if ip == "" {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[ip]
	if !ok {
		rec = &loginRecord{nextBlock: baseBlock}
		g.records[ip] = rec
	}
	now := g.now()
	if now.Before(rec.blockedUntil) {
		return
	}

	rec.failures = append(pruneFailures(rec.failures, now), now)
	if len(rec.failures) < maxFailedLogins {
		return
	}

	rec.blockedUntil = now.Add(rec.nextBlock)
	rec.failures = nil
	g.logger.Warn("client blocked after repeated login failures",
		"ip", ip,
		"block_duration", rec.nextBlock.String(),
	)
	rec.nextBlock = min(rec.nextBlock*2, maxBlock)
}

// Success clears the failure count for source. The block duration is kept
// so a repeat offender is blocked for longer next time.
func (g *LoginGuard) Success(source string) {
	ip := extractIP(source)
	if ip == "" {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if rec, ok := g.records[ip]; ok {
		rec.failures = nil
	}
}

// Cleanup drops records with no active block and no recent failures.
func (g *LoginGuard) Cleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for ip, rec := range g.records {
		rec.failures = pruneFailures(rec.failures, now)
		if !now.Before(rec.blockedUntil) && len(rec.failures) == 0 {
			delete(g.records, ip)
		}
	}
}

func (g *LoginGuard) size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.records)
}

// extractIP parses the IP from a "host:port" string or returns the raw
// string if it's already an IP.
func extractIP(source string) string {
	if source == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(source)
	if err != nil {
		if net.ParseIP(source) != nil {
			return source
		}
		return ""
	}
	return host
}

func pruneFailures(failures []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-failureWindow)
	var kept []time.Time
	for _, t := range failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
