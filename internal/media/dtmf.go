package media

import (
	"errors"
	"strings"
)

// DTMFEvent is an RFC 4733 telephone-event payload:
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|     event     |E|R| volume    |          duration             |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
type DTMFEvent struct {
	Event    uint8
	End      bool
	Volume   uint8
	Duration uint16
}

// ParseDTMFEvent decodes a telephone-event payload. It returns nil when the
// payload is shorter than four bytes.
func ParseDTMFEvent(payload []byte) *DTMFEvent {
	if len(payload) < 4 {
		return nil
	}
	return &DTMFEvent{
		Event:    payload[0],
		End:      payload[1]&0x80 != 0,
		Volume:   payload[1] & 0x3F,
		Duration: uint16(payload[2])<<8 | uint16(payload[3]),
	}
}

const dtmfDigits = "0123456789*#ABCD"

// DTMFEventName returns the key for an event code, or "?" for codes that
// are not keypad digits.
func DTMFEventName(event uint8) string {
	if int(event) < len(dtmfDigits) {
		return dtmfDigits[event : event+1]
	}
	return "?"
}

// ErrInvalidDTMFInfo is returned when a SIP INFO body carries no digit.
var ErrInvalidDTMFInfo = errors.New("invalid dtmf info body")

// ParseInfoDigit extracts the digit from a SIP INFO body. Two content types
// are understood:
//
//	application/dtmf-relay   Signal=5\r\nDuration=160\r\n
//	application/dtmf         5
func ParseInfoDigit(contentType string, body []byte) (string, error) {
	ct, _, _ := strings.Cut(strings.ToLower(contentType), ";")
	text := strings.TrimSpace(string(body))

	var sig string
	switch strings.TrimSpace(ct) {
	case "application/dtmf-relay":
		for _, line := range strings.Split(text, "\n") {
			key, value, ok := strings.Cut(line, "=")
			if ok && strings.EqualFold(strings.TrimSpace(key), "signal") {
				sig = strings.TrimSpace(value)
				break
			}
		}
	case "application/dtmf":
		sig = text
	default:
		return "", ErrInvalidDTMFInfo
	}

	sig = strings.ToUpper(sig)
	if len(sig) != 1 || !strings.Contains(dtmfDigits, sig) {
		return "", ErrInvalidDTMFInfo
	}
	return sig, nil
}
