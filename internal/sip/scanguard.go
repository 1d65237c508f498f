package sip

import (
	"log/slog"
	"net"
	"sync"
	"time"
)

const (
	// maxRejectedInvites from one address within rejectWindow trigger a block.
	maxRejectedInvites = 10
	rejectWindow       = 10 * time.Minute

	// Blocks start at baseBlock and double on every repeat offence.
	baseBlock = 5 * time.Minute
	maxBlock  = 24 * time.Hour
)

type sourceRecord struct {
	rejects      []time.Time
	blockedUntil time.Time
	// nextBlock is the length of the next block.
	nextBlock time.Duration
}

// ScanGuard silences addresses that keep sending INVITEs the source filter
// rejects. Once blocked, their requests are dropped without a response.
type ScanGuard struct {
	mu      sync.Mutex
	records map[string]*sourceRecord
	now     func() time.Time
	logger  *slog.Logger
}

// NewScanGuard creates a guard with no recorded sources.
func NewScanGuard(logger *slog.Logger) *ScanGuard {
	return &ScanGuard{
		records: make(map[string]*sourceRecord),
		now:     time.Now,
		logger:  logger.With("subsystem", "sip-scan-guard"),
	}
}

// Blocked reports whether requests from source should be dropped. The
// source may be "ip:port" or a bare ip.
func (g *ScanGuard) Blocked(source string) bool {
	ip := sourceIP(source)
	if ip == "" {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[ip]
	if !ok {
		return false
	}
	return rec.active(g.now())
}

func (r *sourceRecord) active(now time.Time) bool {
	return now.Before(r.blockedUntil)
}

// Rejected records one rejected INVITE from source.
func (g *ScanGuard) Rejected(source string) {
	ip := sourceIP(source)
	if ip == "" {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[ip]
	if !ok {
		rec = &sourceRecord{nextBlock: baseBlock}
		g.records[ip] = rec
	}
	now := g.now()
	if rec.active(now) {
		return
	}

	rec.rejects = append(pruneBefore(rec.rejects, now.Add(-rejectWindow)), now)
	if len(rec.rejects) < maxRejectedInvites {
		return
	}

	rec.blockedUntil = now.Add(rec.nextBlock)
	rec.rejects = nil
	g.logger.Warn("blocking source after repeated rejected invites",
		"ip", ip,
		"block_duration", rec.nextBlock.String(),
	)
	rec.nextBlock = min(rec.nextBlock*2, maxBlock)
}

// Cleanup forgets expired blocks and sources with no recent rejects.
func (g *ScanGuard) Cleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for ip, rec := range g.records {
		rec.rejects = pruneBefore(rec.rejects, now.Add(-rejectWindow))
		if !rec.active(now) && len(rec.rejects) == 0 {
			delete(g.records, ip)
		}
	}
}

// BlockedCount returns the number of sources currently blocked.
func (g *ScanGuard) BlockedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	n := 0
	for _, rec := range g.records {
		if rec.active(now) {
			n++
		}
	}
	return n
}

func sourceIP(source string) string {
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

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	var kept []time.Time
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
