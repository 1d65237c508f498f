package sip

import (
	"bytes"
	"log/slog"
	"strings"

	"github.com/emiago/sipgo/sip"
)

// TraceLevel controls how much of each SIP message is logged.
type TraceLevel int

const (
	TraceOff TraceLevel = iota
	// TraceHeaders logs the start line and headers without the SDP body.
	TraceHeaders
	TraceFull
)

// ParseTraceLevel converts a config value ("off", "headers", "full").
func ParseTraceLevel(s string) TraceLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "headers":
		return TraceHeaders
	case "full":
		return TraceFull
	default:
		return TraceOff
	}
}

func (v TraceLevel) String() string {
	switch v {
	case TraceHeaders:
		return "headers"
	case TraceFull:
		return "full"
	default:
		return "off"
	}
}

// messageTracer implements sip.SIPTracer and logs raw signaling at debug
// level.
type messageTracer struct {
	logger *slog.Logger
	level  TraceLevel
}

// enableTracing installs a tracer on the sipgo transport layer.
func enableTracing(logger *slog.Logger, level TraceLevel) {
	if level == TraceOff {
		return
	}
	sip.SIPDebug = true
	sip.SIPDebugTracer(&messageTracer{
		logger: logger.With("subsystem", "sip-trace"),
		level:  level,
	})
}

func (t *messageTracer) SIPTraceRead(transport string, laddr string, raddr string, sipmsg []byte) {
	t.logger.Debug("sip recv",
		"transport", transport,
		"local_addr", laddr,
		"remote_addr", raddr,
		"message", formatMessage(sipmsg, t.level),
	)
}

func (t *messageTracer) SIPTraceWrite(transport string, laddr string, raddr string, sipmsg []byte) {
	t.logger.Debug("sip send",
		"transport", transport,
		"local_addr", laddr,
		"remote_addr", raddr,
		"message", formatMessage(sipmsg, t.level),
	)
}

// formatMessage strips the body unless the level is TraceFull.
func formatMessage(sipmsg []byte, level TraceLevel) string {
	if level == TraceFull {
		return string(sipmsg)
	}
	if idx := bytes.Index(sipmsg, []byte("\r\n\r\n")); idx >= 0 {
		return string(sipmsg[:idx])
	}
	return string(sipmsg)
}
