package phone

import (
	"fmt"
	"strings"
	"time"
)

// RegistrationState is the state of the line registration with the PBX.
type RegistrationState string

const (
	RegistrationUnregistered RegistrationState = "unregistered"
	RegistrationRegistering  RegistrationState = "registering"
	RegistrationRegistered   RegistrationState = "registered"
	RegistrationFailed       RegistrationState = "failed"
)

// Direction tells whether a call leg was placed or received.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// SessionState is the lifecycle state of a single call leg.
type SessionState string

const (
	StateRinging     SessionState = "ringing"
	StateDialing     SessionState = "dialing"
	StateEstablished SessionState = "established"
	StateOnHold      SessionState = "on_hold"
	StateTerminated  SessionState = "terminated"
)

// Phone status strings shown to the user.
const (
	StatusIdle               = "Idle"
	StatusRinging            = "Ringing"
	StatusDialing            = "Dialing"
	StatusInCall             = "In Call"
	StatusRegistrationFailed = "Registration Failed"
	StatusConnectionFailed   = "Connection Failed"
	StatusCallFailed         = "Call Failed"
	StatusTransferFailed     = "Transfer Failed"
)

// UnknownCaller is the peer identifier used when an invite carries none.
const UnknownCaller = "Unknown"

// DefaultRingTimeout is how long an inbound call may ring before it is
// rejected automatically.
const DefaultRingTimeout = 20 * time.Second

// Credentials identify the line registered with the PBX.
type Credentials struct {
	Username    string
	Password    string
	Domain      string
	DisplayName string
}

func (c Credentials) validate() error {
	switch {
	case strings.TrimSpace(c.Username) == "":
		return fmt.Errorf("username is required")
	case c.Password == "":
		return fmt.Errorf("password is required")
	case strings.TrimSpace(c.Domain) == "":
		return fmt.Errorf("domain is required")
	}
	return nil
}

// Snapshot is the read model handed to the UI.
type Snapshot struct {
	PhoneStatus         string            `json:"phoneStatus"`
	IncomingCallerID    string            `json:"incomingCallerId"`
	CallDurationSeconds int               `json:"callDurationSeconds"`
	IsMuted             bool              `json:"isMuted"`
	IsOnHold            bool              `json:"isOnHold"`
	IsSpeakerOn         bool              `json:"isSpeakerOn"`
	Registration        RegistrationState `json:"registration"`
	PeerID              string            `json:"peerId,omitempty"`
	Direction           Direction         `json:"direction,omitempty"`
	ConsultPeerID       string            `json:"consultPeerId,omitempty"`
	ConsultState        SessionState      `json:"consultState,omitempty"`
}

// CallSession is a detailed view of one call leg.
type CallSession struct {
	Handle          string       `json:"handle"`
	CallID          string       `json:"callId"`
	Direction       Direction    `json:"direction"`
	PeerIdentifier  string       `json:"peerIdentifier"`
	State           SessionState `json:"state"`
	StartedAt       time.Time    `json:"startedAt"`
	EstablishedAt   *time.Time   `json:"establishedAt,omitempty"`
	DurationSeconds int          `json:"durationSeconds"`
	Muted           bool         `json:"muted"`
	OnHold          bool         `json:"onHold"`
	WasAnswered     bool         `json:"wasAnswered"`
	TransferContext *CallSession `json:"transferContext,omitempty"`
}

// Disposition records how a call leg ended.
type Disposition string

const (
	DispositionAnswered    Disposition = "answered"
	DispositionMissed      Disposition = "missed"
	DispositionRejected    Disposition = "rejected"
	DispositionBusy        Disposition = "busy"
	DispositionFailed      Disposition = "failed"
	DispositionTransferred Disposition = "transferred"
	DispositionCancelled   Disposition = "cancelled"
)

// CallSummary describes a finished call leg.
type CallSummary struct {
	Handle          string      `json:"handle"`
	CallID          string      `json:"callId"`
	Direction       Direction   `json:"direction"`
	Peer            string      `json:"peer"`
	StartedAt       time.Time   `json:"startedAt"`
	AnsweredAt      *time.Time  `json:"answeredAt,omitempty"`
	EndedAt         time.Time   `json:"endedAt"`
	DurationSeconds int         `json:"durationSeconds"`
	Disposition     Disposition `json:"disposition"`
	Missed          bool        `json:"missed"`
}

// EventType names a controller notification.
type EventType string

const (
	EventState        EventType = "state"
	EventRegistration EventType = "registration"
	EventIncomingCall EventType = "incoming_call"
	EventMissedCall   EventType = "missed_call"
	EventCallEnded    EventType = "call_ended"
	EventError        EventType = "error"
)

// Event is delivered to subscribers. Snapshot is the read model after the
// change that produced the event.
type Event struct {
	Type     EventType    `json:"type"`
	Time     time.Time    `json:"time"`
	Snapshot Snapshot     `json:"snapshot"`
	Peer     string       `json:"peer,omitempty"`
	Call     *CallSummary `json:"call,omitempty"`
	Err      error        `json:"-"`
	Message  string       `json:"error,omitempty"`
}

// StatusError is returned by a transport when the remote side answers an
// invite or request with a final failure response.
type StatusError struct {
	Code   int
	Reason string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote responded %d %s", e.Code, e.Reason)
}

// sameExtension reports whether target addresses the local extension.
// Targets may be bare extensions or SIP URIs.
func sameExtension(target, extension string) bool {
	if extension == "" {
		return false
	}
	return strings.EqualFold(userPart(target), userPart(extension))
}

func userPart(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimSuffix(s, ">"), "<")
	lower := strings.ToLower(s)
	for _, scheme := range []string{"sips:", "sip:", "tel:"} {
		if strings.HasPrefix(lower, scheme) {
			s = s[len(scheme):]
			break
		}
	}
	if i := strings.IndexAny(s, "@;?"); i >= 0 {
		s = s[:i]
	}
	return s
}
