package models

import "time"

// CallRecord is one finished call leg in the call history.
type CallRecord struct {
	ID              string // controller session handle
	CallID          string // SIP Call-ID
	Direction       string // inbound, outbound
	Peer            string
	StartedAt       time.Time
	AnsweredAt      *time.Time
	EndedAt         time.Time
	DurationSeconds int
	Disposition     string // answered, missed, rejected, busy, failed, transferred, cancelled
	Missed          bool
}
